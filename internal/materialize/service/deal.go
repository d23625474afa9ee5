package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	"go.uber.org/zap"
)

// EnsureDeal searches for a deal tagged with the entry's renewal key before creating one,
// so a run that failed after deal creation reuses that deal on retry.
func (s *Service) EnsureDeal(ctx context.Context, entry ledgerdomain.Entry) (string, bool, error) {
	key := entry.Key()
	renewalKey := key.String()
	log := logger.WithLedgerKey(logger.WithContext(ctx, s.log), key.SubscriptionID, key.TermEndDate)

	dealID, err := s.crm.SearchDealByRenewalKey(ctx, renewalKey)
	if err != nil {
		return "", false, err
	}
	if dealID != "" {
		log.Info("materialize.deal_reused", zap.String("deal_id", dealID))
		return dealID, true, nil
	}

	cfg := s.cfg.Get()
	deal := materializedomain.Deal{
		Name:           strings.TrimSpace(fmt.Sprintf("%s %s %s", cfg.Deal.NamePrefix, key.SubscriptionID, key.TermEndDate)),
		Pipeline:       cfg.Deal.Pipeline,
		Stage:          cfg.Deal.Stage,
		RenewalKey:     renewalKey,
		CloseDate:      key.TermEndDate,
		SubscriptionID: key.SubscriptionID,
		AccountID:      entry.MetadataString("account_id"),
	}
	if entry.SourceDealID != nil {
		deal.SourceDealID = strings.TrimSpace(*entry.SourceDealID)
	}

	dealID, err = s.crm.CreateDeal(ctx, deal)
	if err != nil {
		if failure.KindOf(err) != failure.KindConflict {
			return "", false, err
		}
		// Another run created it between our search and create.
		existing, searchErr := s.crm.SearchDealByRenewalKey(ctx, renewalKey)
		if searchErr != nil {
			return "", false, searchErr
		}
		if existing == "" {
			return "", false, err
		}
		log.Info("materialize.deal_reused_after_conflict", zap.String("deal_id", existing))
		return existing, true, nil
	}

	log.Info("materialize.deal_created", zap.String("deal_id", dealID))
	return dealID, false, nil
}
