package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/renewals/internal/config"
	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	CRM     materializedomain.CRM
	Config  *config.RenewalConfigHolder
	Metrics *obsmetrics.RenewalMetrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	crm     materializedomain.CRM
	cfg     *config.RenewalConfigHolder
	metrics *obsmetrics.RenewalMetrics
}

func NewService(p Params) materializedomain.Service {
	return &Service{
		log:     p.Log.Named("materialize.service"),
		crm:     p.CRM,
		cfg:     p.Config,
		metrics: p.Metrics,
	}
}

func (s *Service) EligibleCharges(record snapshotdomain.Record) ([]snapshotdomain.Charge, error) {
	charges, err := record.Charges()
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, "materialize.decode_charges", err)
	}
	return eligible(s.cfg.Get(), charges), nil
}

func (s *Service) VerifySourceDeal(ctx context.Context, entry ledgerdomain.Entry) error {
	if entry.SourceDealID == nil || strings.TrimSpace(*entry.SourceDealID) == "" {
		return nil
	}
	exists, err := s.crm.DealExists(ctx, strings.TrimSpace(*entry.SourceDealID))
	if err != nil {
		return err
	}
	if !exists {
		return failure.Wrap(failure.KindNotFound, "crm.source_deal", materializedomain.ErrSourceDealNotFound)
	}
	return nil
}

func (s *Service) UpdateDealAmount(ctx context.Context, dealID string, amountMinor int64) error {
	dealID = strings.TrimSpace(dealID)
	if dealID == "" {
		return failure.Wrap(failure.KindInvariant, "crm.update_deal_amount", materializedomain.ErrMissingDealID)
	}
	return s.crm.UpdateDealAmount(ctx, dealID, float64(amountMinor)/100)
}

// eligible keeps charges whose type is configured as recurring and whose status is not cancelled.
func eligible(cfg config.RenewalConfig, charges []snapshotdomain.Charge) []snapshotdomain.Charge {
	out := make([]snapshotdomain.Charge, 0, len(charges))
	for _, charge := range charges {
		if !containsFold(cfg.EligibleChargeTypes, charge.ChargeType) {
			continue
		}
		if containsFold(cfg.CancelledStatuses, charge.Status) {
			continue
		}
		out = append(out, charge)
	}
	return out
}

func containsFold(values []string, target string) bool {
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	for _, value := range values {
		if strings.EqualFold(strings.TrimSpace(value), target) {
			return true
		}
	}
	return false
}
