package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/zap"
)

// RunCreate claims snapshotted planned entries and materializes their CRM deal and line items.
func (s *Service) RunCreate(ctx context.Context, req renewalrundomain.RunRequest) (renewalrundomain.Summary, error) {
	req, err := s.normalize(req)
	if err != nil {
		return renewalrundomain.Summary{}, err
	}
	ctx, r := s.begin(ctx, renewalrundomain.KindCreate)
	return s.finish(ctx, r, s.createBatches(ctx, r, req))
}

func (s *Service) createBatches(ctx context.Context, r *runState, req renewalrundomain.RunRequest) error {
	filtered := !req.Filter.IsEmpty()
	var after *ledgerdomain.Key

	for r.summary.Batches < req.MaxBatches {
		ready, err := s.ledger.ListReadyForCreation(ctx, req.Filter, after, req.BatchSize)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}
		r.summary.Batches++

		for _, entry := range ready {
			if err := ctx.Err(); err != nil {
				return failure.Wrap(failure.KindTransport, "renewal.run", err)
			}
			if err := s.createOne(ctx, r, entry); err != nil {
				return err
			}
		}

		last := ready[len(ready)-1].Key()
		after = &last
		if filtered || len(ready) < req.BatchSize {
			return nil
		}
	}
	return nil
}

func (s *Service) createOne(ctx context.Context, r *runState, entry ledgerdomain.Entry) error {
	key := entry.Key()
	r.summary.Processed++

	claimed, err := s.ledger.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		r.summary.SkippedBecauseClaimFailed++
		r.item(key, renewalrundomain.ResultSkippedClaimFailed, "", "")
		return nil
	}
	// Reload so the processing row, not the listed planned row, drives the deal.
	current, err := s.ledger.Get(ctx, key)
	if err != nil {
		return s.settle(ctx, r, key, siteSnapshotRead, err, nil)
	}
	entry = *current

	record, err := s.snapshots.Get(ctx, key)
	if err != nil {
		if errors.Is(err, snapshotdomain.ErrSnapshotNotFound) {
			err = failure.Wrap(failure.KindNotFound, "snapshot.get", err)
		}
		return s.settle(ctx, r, key, siteSnapshotRead, err, nil)
	}

	charges, err := s.materialize.EligibleCharges(*record)
	if err != nil {
		return s.settle(ctx, r, key, siteSnapshotRead, err, nil)
	}
	if len(charges) == 0 {
		return s.markError(ctx, r, key, reasonNoEligibleCharges, map[string]any{"line_items_eligible": 0})
	}

	if err := s.materialize.VerifySourceDeal(ctx, entry); err != nil {
		return s.settle(ctx, r, key, siteSourceDeal, err, nil)
	}

	dealID, reused, err := s.materialize.EnsureDeal(ctx, entry)
	if err != nil {
		return s.settle(ctx, r, key, siteEnsureDeal, err, nil)
	}
	dealPatch := map[string]any{"deal_id": dealID, "deal_reused": reused}

	result, err := s.materialize.Materialize(ctx, entry, *record, dealID)
	if err != nil {
		return s.settle(ctx, r, key, siteMaterialize, err, dealPatch)
	}
	r.summary.Deduped += result.DedupedCount
	for _, sample := range result.ErrorSamples {
		r.sample(key, string(sample.Kind), sample.Message)
	}

	patch := ledgerdomain.MergeMetadata(result.Metadata(), dealPatch)
	switch outcome, reason := decideMaterialized(result); outcome {
	case outcomeRelease:
		return s.release(ctx, r, key, reason)
	case outcomeMarkError:
		return s.markError(ctx, r, key, reason, patch)
	}

	if err := s.materialize.UpdateDealAmount(ctx, dealID, result.AmountMinor); err != nil {
		return s.settle(ctx, r, key, siteUpdateAmount, err, patch)
	}

	patch["last_run_id"] = r.summary.RunID
	if _, err := s.ledger.MarkCreated(context.WithoutCancel(ctx), key, dealID, patch); err != nil {
		return s.ledgerWriteFailed(ctx, r, key, err)
	}
	r.summary.Created++
	r.item(key, renewalrundomain.ResultCreated, dealID, "")
	r.log.Info("renewal.entry.created",
		zap.String("subscription_id", key.SubscriptionID),
		zap.String("term_end_date", key.TermEndDate),
		zap.String("deal_id", dealID),
		zap.Bool("deal_reused", reused),
		zap.Int("line_items_created", result.CreatedCount),
		zap.Int("line_items_deduped", result.DedupedCount),
		zap.Int64("amount_minor", result.AmountMinor),
	)
	return nil
}
