package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	"go.uber.org/zap"
)

// settle applies the classified outcome of a failed step to a claimed entry.
// It returns an error only when the run must abort.
func (s *Service) settle(ctx context.Context, r *runState, key ledgerdomain.Key, at site, err error, patch map[string]any) error {
	kind := failure.KindOf(err)
	reason := string(at) + ": " + errMessage(err)
	r.sample(key, string(kind), reason)

	switch classify(at, err) {
	case actionAbort:
		s.releaseQuietly(ctx, key, reason)
		return err
	case actionRelease:
		return s.release(ctx, r, key, reason)
	case actionLeavePlanned:
		r.summary.Errors++
		r.item(key, renewalrundomain.ResultLeftPlanned, "", reason)
		return nil
	default:
		return s.markError(ctx, r, key, reason, patch)
	}
}

func (s *Service) release(ctx context.Context, r *runState, key ledgerdomain.Key, reason string) error {
	if _, err := s.ledger.ReleaseForRetry(context.WithoutCancel(ctx), key, reason); err != nil {
		return s.ledgerWriteFailed(ctx, r, key, err)
	}
	r.summary.Released++
	r.item(key, renewalrundomain.ResultReleased, "", reason)
	r.log.Info("renewal.entry.released",
		zap.String("subscription_id", key.SubscriptionID),
		zap.String("term_end_date", key.TermEndDate),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) markError(ctx context.Context, r *runState, key ledgerdomain.Key, reason string, patch map[string]any) error {
	patch = withRunID(patch, r.summary.RunID)
	if _, err := s.ledger.MarkError(context.WithoutCancel(ctx), key, reason, patch); err != nil {
		return s.ledgerWriteFailed(ctx, r, key, err)
	}
	r.summary.Errors++
	r.item(key, renewalrundomain.ResultError, stringValue(patch, "deal_id"), reason)
	r.log.Warn("renewal.entry.error",
		zap.String("subscription_id", key.SubscriptionID),
		zap.String("term_end_date", key.TermEndDate),
		zap.String("reason", reason),
	)
	return nil
}

// ledgerWriteFailed records a ledger write that did not apply. Store failures abort the run.
func (s *Service) ledgerWriteFailed(ctx context.Context, r *runState, key ledgerdomain.Key, err error) error {
	r.sample(key, string(failure.KindOf(err)), "ledger: "+errMessage(err))
	if classifyLedger(err) == actionAbort {
		s.releaseQuietly(ctx, key, "aborted: "+errMessage(err))
		return err
	}
	r.summary.Errors++
	r.item(key, renewalrundomain.ResultError, "", errMessage(err))
	return nil
}

// releaseQuietly returns a claimed entry to planned before an abort; a failure here
// leaves the entry processing for an operator to requeue.
func (s *Service) releaseQuietly(ctx context.Context, key ledgerdomain.Key, reason string) {
	if _, err := s.ledger.ReleaseForRetry(context.WithoutCancel(ctx), key, reason); err != nil {
		s.log.Warn("renewal.entry.release_failed",
			zap.String("subscription_id", key.SubscriptionID),
			zap.String("term_end_date", key.TermEndDate),
			zap.Error(err),
		)
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	var classified *failure.Error
	if errors.As(err, &classified) && classified.Err != nil {
		return failure.Truncate(classified.Op+": "+classified.Err.Error(), 300)
	}
	return failure.Truncate(err.Error(), 300)
}

func withRunID(patch map[string]any, runID string) map[string]any {
	out := make(map[string]any, len(patch)+1)
	for k, v := range patch {
		out[k] = v
	}
	out["last_run_id"] = runID
	return out
}

func stringValue(m map[string]any, key string) string {
	value, _ := m[key].(string)
	return value
}
