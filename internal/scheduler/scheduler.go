package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/renewals/internal/audit/domain"
	"github.com/smallbiznis/renewals/internal/clock"
	obscontext "github.com/smallbiznis/renewals/internal/observability/context"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	"github.com/smallbiznis/renewals/internal/ratelimit"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobPlanRenewals     = "plan_renewals"
	JobSnapshotRenewals = "snapshot_renewals"
	JobCreateRenewals   = "create_renewals"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// jobLocker keeps two scheduler instances from running the same job at once.
type jobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Runs    renewalrundomain.Service
	Locker  *ratelimit.Locker          `optional:"true"`
	Metrics *obsmetrics.RenewalMetrics `optional:"true"`
	Config  Config                     `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	runs    renewalrundomain.Service
	locker  jobLocker
	metrics *obsmetrics.RenewalMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Runs == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		runs:    p.Runs,
		metrics: p.Metrics,
	}
	// Without redis each instance runs every job; the ledger claim still keeps entries exclusive.
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()

	token, acquired, err := s.acquire(parent, name)
	if err != nil {
		s.logger(parent).Warn("scheduler.job.lock_failed", zap.String("job", name), zap.Error(err))
		s.metrics.IncJobError(name, err)
		return nil
	}
	if !acquired {
		s.metrics.IncJobSkipped(name)
		s.logger(parent).Debug("scheduler.job.skipped", zap.String("job", name))
		return nil
	}
	defer s.release(parent, name, token)

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeScheduler), "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("job_run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err = fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A timed out job resumes from the ledger on the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) acquire(ctx context.Context, name string) (string, bool, error) {
	if s.locker == nil {
		return "", true, nil
	}
	return s.locker.TryLock(ctx, lockKey(name), s.cfg.LockTTL)
}

func (s *Scheduler) release(ctx context.Context, name, token string) {
	if s.locker == nil || token == "" {
		return
	}
	err := s.locker.Release(context.WithoutCancel(ctx), lockKey(name), token)
	switch {
	case err == nil:
	case errors.Is(err, ratelimit.ErrLockLost):
		// The job outlived LockTTL; another instance may have started it.
		s.logger(ctx).Warn("scheduler.job.lock_lost", zap.String("job", name), zap.Duration("lock_ttl", s.cfg.LockTTL))
	default:
		s.logger(ctx).Warn("scheduler.job.unlock_failed", zap.String("job", name), zap.Error(err))
	}
}

func lockKey(job string) string {
	return "renewals:scheduler:" + job
}

// RunOnce runs every enabled job once. Jobs run in pipeline order so that a
// single tick can carry a new renewal from planned to created.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobPlanRenewals, s.PlanRenewalsJob},
		{JobSnapshotRenewals, s.SnapshotRenewalsJob},
		{JobCreateRenewals, s.CreateRenewalsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.JobTimeout, job.Run))
		if parent.Err() != nil {
			break
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) PlanRenewalsJob(ctx context.Context) error {
	summary, err := s.runs.RunPlan(ctx, plannerdomain.PlanRequest{})
	s.recordSummary(ctx, summary)
	return err
}

func (s *Scheduler) SnapshotRenewalsJob(ctx context.Context) error {
	summary, err := s.runs.RunSnapshot(ctx, s.runRequest())
	s.recordSummary(ctx, summary)
	return err
}

func (s *Scheduler) CreateRenewalsJob(ctx context.Context) error {
	summary, err := s.runs.RunCreate(ctx, s.runRequest())
	s.recordSummary(ctx, summary)
	return err
}

func (s *Scheduler) runRequest() renewalrundomain.RunRequest {
	return renewalrundomain.RunRequest{
		BatchSize:  s.cfg.BatchSize,
		MaxBatches: s.cfg.MaxBatches,
	}
}

func (s *Scheduler) recordSummary(ctx context.Context, summary renewalrundomain.Summary) {
	run := jobRunFromContext(ctx)
	if run == nil {
		return
	}
	run.renewalRunID = summary.RunID
	run.AddProcessed(summary.Processed)
	for i := 0; i < summary.Errors; i++ {
		run.IncError()
	}
	if summary.Status == renewalrundomain.StatusFailed && summary.Errors == 0 {
		run.IncError()
	}
}
