package service

import (
	"context"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
)

// RunSnapshot captures charges for planned entries that have no snapshot yet.
// Entries are not claimed: capture is an idempotent overwrite.
func (s *Service) RunSnapshot(ctx context.Context, req renewalrundomain.RunRequest) (renewalrundomain.Summary, error) {
	req, err := s.normalize(req)
	if err != nil {
		return renewalrundomain.Summary{}, err
	}
	ctx, r := s.begin(ctx, renewalrundomain.KindSnapshot)
	return s.finish(ctx, r, s.snapshotBatches(ctx, r, req))
}

func (s *Service) snapshotBatches(ctx context.Context, r *runState, req renewalrundomain.RunRequest) error {
	filtered := !req.Filter.IsEmpty()
	var after *ledgerdomain.Key

	for r.summary.Batches < req.MaxBatches {
		due, err := s.snapshots.SelectDue(ctx, snapshotdomain.SelectRequest{
			BatchSize: req.BatchSize,
			Filter:    req.Filter,
			After:     after,
		})
		if err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}
		r.summary.Batches++

		for _, entry := range due {
			if err := ctx.Err(); err != nil {
				return failure.Wrap(failure.KindTransport, "renewal.run", err)
			}
			if err := s.snapshotOne(ctx, r, entry); err != nil {
				return err
			}
		}

		last := due[len(due)-1].Key()
		after = &last
		if filtered || len(due) < req.BatchSize {
			return nil
		}
	}
	return nil
}

func (s *Service) snapshotOne(ctx context.Context, r *runState, entry ledgerdomain.Entry) error {
	key := entry.Key()
	r.summary.Processed++

	_, err := s.snapshots.Capture(ctx, entry)
	if err == nil {
		r.summary.Snapshotted++
		r.item(key, renewalrundomain.ResultSnapshotted, "", "")
		return nil
	}

	kind := failure.KindOf(err)
	reason := string(siteCaptureCharges) + ": " + errMessage(err)
	r.sample(key, string(kind), reason)

	switch classify(siteCaptureCharges, err) {
	case actionAbort:
		return err
	case actionLeavePlanned:
		r.summary.Errors++
		r.item(key, renewalrundomain.ResultLeftPlanned, "", reason)
		return nil
	default:
		return s.markError(ctx, r, key, reason, map[string]any{"snapshot_error": reason})
	}
}
