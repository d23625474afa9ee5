package service

import (
	"context"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	"go.opentelemetry.io/otel/codes"
)

// RunPlan records planned entries, either one manual key or a billing-source scan.
// Only store failures are returned; any other failure yields a failed summary.
func (s *Service) RunPlan(ctx context.Context, req plannerdomain.PlanRequest) (renewalrundomain.Summary, error) {
	if req.IsManual() {
		if _, err := ledgerdomain.ParseKey(req.SubscriptionID, req.TermEndDate); err != nil {
			return renewalrundomain.Summary{}, renewalrundomain.ErrInvalidRunRequest
		}
	}
	if req.HorizonDays < 0 {
		return renewalrundomain.Summary{}, renewalrundomain.ErrInvalidRunRequest
	}

	ctx, r := s.begin(ctx, renewalrundomain.KindPlan)
	result, err := s.planner.Plan(ctx, req)

	r.summary.Batches = result.Pages
	r.summary.Processed = len(result.Planned) + result.Skipped
	for _, planned := range result.Planned {
		if planned.Outcome != ledgerdomain.PlanOutcomeAlreadyExists {
			r.summary.Planned++
		}
		r.item(planned.Key, renewalrundomain.ResultPlanned, "", string(planned.Outcome))
	}

	if err == nil {
		return s.finish(ctx, r, nil)
	}
	if failure.KindOf(err) == failure.KindStore {
		return s.finish(ctx, r, err)
	}

	r.summary.Status = renewalrundomain.StatusFailed
	r.summary.Error = errMessage(err)
	r.summary.Errors++
	r.sample(ledgerdomain.Key{}, string(failure.KindOf(err)), "plan: "+errMessage(err))
	r.span.SetStatus(codes.Error, "plan failed")
	return s.finish(ctx, r, nil)
}
