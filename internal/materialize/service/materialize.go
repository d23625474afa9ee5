package service

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/renewals/internal/config"
	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/zap"
)

// Materialize ensures one CRM line item per eligible charge exists and is associated
// with dealID. Per-charge failures are counted, never returned; the error return is
// reserved for an undecodable snapshot or a missing deal id.
func (s *Service) Materialize(ctx context.Context, entry ledgerdomain.Entry, record snapshotdomain.Record, dealID string) (materializedomain.Result, error) {
	dealID = strings.TrimSpace(dealID)
	if dealID == "" {
		return materializedomain.Result{}, failure.Wrap(failure.KindInvariant, "materialize", materializedomain.ErrMissingDealID)
	}

	charges, err := s.EligibleCharges(record)
	if err != nil {
		return materializedomain.Result{}, err
	}

	cfg := s.cfg.Get()
	key := entry.Key()
	acc := newAccumulator(cfg.MaxArtifactIDs, cfg.MaxErrorSamples)
	acc.result.EligibleCount = len(charges)
	memo := map[string]string{}

	for _, charge := range charges {
		fingerprint, err := materializedomain.Fingerprint(key, charge)
		if err != nil {
			acc.fail(charge, "", failure.KindValidation, err)
			continue
		}
		item, err := buildLineItem(cfg, key, fingerprint, charge)
		if err != nil {
			acc.fail(charge, fingerprint, failure.KindValidation, err)
			continue
		}

		lineItemID, deduped, err := s.ensureLineItem(ctx, memo, item)
		if err != nil {
			acc.fail(charge, fingerprint, failure.KindOf(err), err)
			continue
		}
		if err := s.crm.AssociateLineItem(ctx, dealID, lineItemID); err != nil && failure.KindOf(err) != failure.KindConflict {
			acc.fail(charge, fingerprint, failure.KindOf(err), err)
			continue
		}
		acc.succeed(item, lineItemID, deduped)
	}

	s.metrics.AddArtifacts(obsmetrics.ArtifactOutcomeCreated, acc.result.CreatedCount)
	s.metrics.AddArtifacts(obsmetrics.ArtifactOutcomeDeduped, acc.result.DedupedCount)
	s.metrics.AddArtifacts(obsmetrics.ArtifactOutcomeError, acc.result.ErrorCount)

	logger.WithLedgerKey(logger.WithContext(ctx, s.log), key.SubscriptionID, key.TermEndDate).
		Info("materialize.done",
			zap.String("deal_id", dealID),
			zap.Int("eligible", acc.result.EligibleCount),
			zap.Int("created", acc.result.CreatedCount),
			zap.Int("deduped", acc.result.DedupedCount),
			zap.Int("errors", acc.result.ErrorCount),
		)
	return acc.result, nil
}

// ensureLineItem finds the line item for the fingerprint or creates it.
// The memo covers repeats within one call; the CRM search covers earlier calls.
func (s *Service) ensureLineItem(ctx context.Context, memo map[string]string, item materializedomain.LineItem) (string, bool, error) {
	if id, ok := memo[item.Fingerprint]; ok {
		return id, true, nil
	}

	id, err := s.crm.SearchLineItemByFingerprint(ctx, item.Fingerprint)
	if err != nil {
		return "", false, err
	}
	if id != "" {
		memo[item.Fingerprint] = id
		return id, true, nil
	}

	id, err = s.crm.CreateLineItem(ctx, item)
	if err != nil {
		if failure.KindOf(err) != failure.KindConflict {
			return "", false, err
		}
		existing, searchErr := s.crm.SearchLineItemByFingerprint(ctx, item.Fingerprint)
		if searchErr != nil || existing == "" {
			return "", false, err
		}
		memo[item.Fingerprint] = existing
		return existing, true, nil
	}
	memo[item.Fingerprint] = id
	return id, false, nil
}

func buildLineItem(cfg config.RenewalConfig, key ledgerdomain.Key, fingerprint string, charge snapshotdomain.Charge) (materializedomain.LineItem, error) {
	if charge.Price == nil {
		return materializedomain.LineItem{}, materializedomain.ErrMissingPrice
	}
	quantity := 1.0
	if charge.Quantity != nil {
		quantity = *charge.Quantity
	}
	if quantity <= 0 {
		return materializedomain.LineItem{}, materializedomain.ErrInvalidQuantity
	}
	frequency, ok := cfg.FrequencyFor(charge.BillingPeriod)
	if !ok {
		return materializedomain.LineItem{}, materializedomain.ErrUnmappedBillingPeriod
	}

	name := firstNonEmpty(charge.Name, charge.ProductCode, charge.ChargeNumber, charge.ChargeID)
	return materializedomain.LineItem{
		Fingerprint:      fingerprint,
		SubscriptionID:   key.SubscriptionID,
		TermEndDate:      key.TermEndDate,
		ChargeID:         strings.TrimSpace(charge.ChargeID),
		ChargeNumber:     strings.TrimSpace(charge.ChargeNumber),
		Name:             name,
		ProductCode:      strings.TrimSpace(charge.ProductCode),
		BillingFrequency: frequency,
		Currency:         strings.ToUpper(strings.TrimSpace(charge.Currency)),
		Price:            *charge.Price,
		Quantity:         quantity,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type accumulator struct {
	result       materializedomain.Result
	maxIDs       int
	maxSamples   int
	seenIDs      map[string]struct{}
	countedPrint map[string]struct{}
}

func newAccumulator(maxIDs, maxSamples int) *accumulator {
	return &accumulator{
		result:       materializedomain.Result{ArtifactIDs: []string{}},
		maxIDs:       maxIDs,
		maxSamples:   maxSamples,
		seenIDs:      map[string]struct{}{},
		countedPrint: map[string]struct{}{},
	}
}

func (a *accumulator) succeed(item materializedomain.LineItem, lineItemID string, deduped bool) {
	if deduped {
		a.result.DedupedCount++
	} else {
		a.result.CreatedCount++
	}
	// A charge repeated in the source payload is one line item; count its amount once.
	if _, ok := a.countedPrint[item.Fingerprint]; !ok {
		a.countedPrint[item.Fingerprint] = struct{}{}
		a.result.AmountMinor += item.AmountMinor()
	}
	if _, ok := a.seenIDs[lineItemID]; ok {
		return
	}
	a.seenIDs[lineItemID] = struct{}{}
	if len(a.result.ArtifactIDs) < a.maxIDs {
		a.result.ArtifactIDs = append(a.result.ArtifactIDs, lineItemID)
	}
}

func (a *accumulator) fail(charge snapshotdomain.Charge, fingerprint string, kind failure.Kind, err error) {
	a.result.ErrorCount++
	if failure.IsRetryable(err) {
		a.result.TransientErrorCount++
	}
	if len(a.result.ErrorSamples) >= a.maxSamples {
		return
	}
	message := err.Error()
	var classified *failure.Error
	if errors.As(err, &classified) && classified.Err != nil {
		message = classified.Err.Error()
	}
	message = failure.Truncate(message, 300)
	a.result.ErrorSamples = append(a.result.ErrorSamples, materializedomain.ChargeError{
		ChargeID:    strings.TrimSpace(charge.ChargeID),
		Fingerprint: fingerprint,
		Kind:        kind,
		Message:     message,
	})
}
