package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/renewals/internal/clock"
	"github.com/smallbiznis/renewals/internal/config"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxScanPages = 1000

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Config *config.RenewalConfigHolder
	Ledger ledgerdomain.Service
	Source plannerdomain.SubscriptionSource
}

type Service struct {
	log    *zap.Logger
	clock  clock.Clock
	cfg    *config.RenewalConfigHolder
	ledger ledgerdomain.Service
	source plannerdomain.SubscriptionSource
}

func NewService(p Params) plannerdomain.Service {
	return &Service{
		log:    p.Log.Named("planner.service"),
		clock:  p.Clock,
		cfg:    p.Config,
		ledger: p.Ledger,
		source: p.Source,
	}
}

func (s *Service) Plan(ctx context.Context, req plannerdomain.PlanRequest) (plannerdomain.Result, error) {
	if req.IsManual() {
		return s.planOne(ctx, req)
	}
	return s.scan(ctx, req.HorizonDays)
}

func (s *Service) planOne(ctx context.Context, req plannerdomain.PlanRequest) (plannerdomain.Result, error) {
	key, err := ledgerdomain.ParseKey(req.SubscriptionID, req.TermEndDate)
	if err != nil {
		return plannerdomain.Result{}, plannerdomain.ErrInvalidPlanRequest
	}
	meta := map[string]any{
		"source":     "manual",
		"planned_at": s.clock.Now().Format(time.RFC3339),
	}
	outcome, err := s.ledger.UpsertPlanned(ctx, key, strings.TrimSpace(req.SourceDealID), meta)
	if err != nil {
		return plannerdomain.Result{}, err
	}
	return plannerdomain.Result{Planned: []plannerdomain.PlannedKey{{Key: key, Outcome: outcome}}}, nil
}

// scan plans every active subscription whose term ends within [today, today+horizon].
func (s *Service) scan(ctx context.Context, horizonDays int) (plannerdomain.Result, error) {
	if horizonDays <= 0 {
		horizonDays = s.cfg.Get().PlanningHorizonDays
	}
	from := clock.Today(s.clock)
	to := from.AddDate(0, 0, horizonDays)
	log := logger.WithContext(ctx, s.log)

	result := plannerdomain.Result{Planned: []plannerdomain.PlannedKey{}}
	for page := 1; ; page++ {
		if page > maxScanPages {
			return result, plannerdomain.ErrTooManyPages
		}
		batch, err := s.source.ListSubscriptions(ctx, from, to, page)
		if err != nil {
			return result, err
		}
		result.Pages++

		for _, sub := range batch.Subscriptions {
			if !plannable(sub, from, to) {
				result.Skipped++
				continue
			}
			key := ledgerdomain.NewKey(sub.ID, sub.TermEndDate)
			meta := map[string]any{
				"source":     "billing",
				"planned_at": s.clock.Now().Format(time.RFC3339),
			}
			if sub.OrderID != "" {
				meta["order_id"] = sub.OrderID
			}
			if sub.AccountID != "" {
				meta["account_id"] = sub.AccountID
			}
			outcome, err := s.ledger.UpsertPlanned(ctx, key, sub.SourceDealID, meta)
			if err != nil {
				return result, err
			}
			result.Planned = append(result.Planned, plannerdomain.PlannedKey{Key: key, Outcome: outcome})
		}

		if !batch.HasMore || len(batch.Subscriptions) == 0 {
			break
		}
	}

	log.Info("planner.scan_done",
		zap.String("from", from.Format(ledgerdomain.DateLayout)),
		zap.String("to", to.Format(ledgerdomain.DateLayout)),
		zap.Int("planned", len(result.Planned)),
		zap.Int("skipped", result.Skipped),
		zap.Int("pages", result.Pages),
	)
	return result, nil
}

func plannable(sub plannerdomain.Subscription, from, to time.Time) bool {
	if strings.TrimSpace(sub.ID) == "" || sub.TermEndDate.IsZero() {
		return false
	}
	if !strings.EqualFold(strings.TrimSpace(sub.Status), "active") {
		return false
	}
	return !sub.TermEndDate.Before(from) && !sub.TermEndDate.After(to)
}
