package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/renewals/internal/audit/domain"
	"github.com/smallbiznis/renewals/internal/clock"
	"github.com/smallbiznis/renewals/internal/config"
	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	obscontext "github.com/smallbiznis/renewals/internal/observability/context"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	"github.com/smallbiznis/renewals/internal/observability/tracing"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"github.com/smallbiznis/renewals/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxBatchSize guards against a caller asking one run to claim the whole ledger.
const maxBatchSize = 500

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      *config.RenewalConfigHolder
	Ledger      ledgerdomain.Service
	Snapshots   snapshotdomain.Service
	Materialize materializedomain.Service
	Planner     plannerdomain.Service
	Audit       auditdomain.Service
	Metrics     *obsmetrics.RenewalMetrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         *config.RenewalConfigHolder
	ledger      ledgerdomain.Service
	snapshots   snapshotdomain.Service
	materialize materializedomain.Service
	planner     plannerdomain.Service
	audit       auditdomain.Service
	metrics     *obsmetrics.RenewalMetrics
}

func NewService(p Params) renewalrundomain.Service {
	return &Service{
		log:         p.Log.Named("renewalrun.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Config,
		ledger:      p.Ledger,
		snapshots:   p.Snapshots,
		materialize: p.Materialize,
		planner:     p.Planner,
		audit:       p.Audit,
		metrics:     p.Metrics,
	}
}

type runState struct {
	summary    renewalrundomain.Summary
	maxItems   int
	maxSamples int
	metrics    *obsmetrics.RenewalMetrics
	span       trace.Span
	log        *zap.Logger
}

func (s *Service) begin(ctx context.Context, kind renewalrundomain.Kind) (context.Context, *runState) {
	runID := s.genID.Generate().String()
	ctx = obscontext.WithRunID(ctx, runID)
	if correlation.ExtractCorrelationID(ctx) == "" {
		ctx = correlation.ContextWithCorrelationID(ctx, runID)
	}
	ctx, span := tracing.Tracer().Start(ctx, "renewal.run."+string(kind),
		trace.WithAttributes(attribute.String("renewal.run_kind", string(kind))))

	cfg := s.cfg.Get()
	r := &runState{
		summary: renewalrundomain.Summary{
			RunID:        runID,
			Kind:         kind,
			Status:       renewalrundomain.StatusCompleted,
			StartedAt:    s.clock.Now(),
			ErrorSamples: []renewalrundomain.ErrorSample{},
			Items:        []renewalrundomain.Item{},
		},
		maxItems:   cfg.MaxSummaryItems,
		maxSamples: cfg.MaxErrorSamples,
		metrics:    s.metrics,
		span:       span,
		log:        logger.WithContext(ctx, s.log).With(zap.String("run_kind", string(kind))),
	}
	r.log.Info("renewal.run.start")
	return ctx, r
}

// finish stamps the summary, records it, and passes runErr through.
func (s *Service) finish(ctx context.Context, r *runState, runErr error) (renewalrundomain.Summary, error) {
	// Bookkeeping still runs when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)
	summary := &r.summary
	summary.FinishedAt = s.clock.Now()
	if runErr != nil {
		summary.Status = renewalrundomain.StatusFailed
		summary.Error = runErr.Error()
		r.span.RecordError(tracing.SafeError(runErr))
		r.span.SetStatus(codes.Error, "run failed")
	}
	if counts, err := s.ledger.CountByStatus(ctx); err == nil {
		summary.LedgerCounts = make(map[string]int64, len(counts))
		for status, count := range counts {
			summary.LedgerCounts[string(status)] = count
		}
	}

	duration := summary.FinishedAt.Sub(summary.StartedAt)
	s.metrics.ObserveRun(string(summary.Kind), string(summary.Status), duration)
	s.recordAudit(ctx, *summary)

	r.span.SetAttributes(
		attribute.Int("renewal.processed", summary.Processed),
		attribute.Int("renewal.errors", summary.Errors),
	)
	r.span.End()

	r.log.Info("renewal.run.finish",
		zap.String("status", string(summary.Status)),
		zap.Duration("duration", duration),
		zap.Int("processed", summary.Processed),
		zap.Int("planned", summary.Planned),
		zap.Int("snapshotted", summary.Snapshotted),
		zap.Int("created", summary.Created),
		zap.Int("released", summary.Released),
		zap.Int("skipped_claim_failed", summary.SkippedBecauseClaimFailed),
		zap.Int("errors", summary.Errors),
		zap.Int("batches", summary.Batches),
	)
	return *summary, runErr
}

// recordAudit is best-effort: a run's outcome never depends on the audit write.
func (s *Service) recordAudit(ctx context.Context, summary renewalrundomain.Summary) {
	if s.audit == nil {
		return
	}
	action := auditdomain.ActionRunCompleted
	if summary.Status == renewalrundomain.StatusFailed {
		action = auditdomain.ActionRunFailed
	}
	metadata, err := toMetadata(summary)
	if err != nil {
		s.log.Warn("renewal.run.audit_encode_failed", zap.Error(err))
		return
	}
	runID := summary.RunID
	if err := s.audit.AuditLog(ctx, "", nil, action, auditdomain.TargetTypeRenewalRun, &runID, metadata); err != nil {
		s.log.Warn("renewal.run.audit_failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func toMetadata(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runState) item(key ledgerdomain.Key, result, dealID, reason string) {
	r.metrics.IncEntryResult(string(r.summary.Kind), result)
	attrs := append(tracing.LedgerKeyAttributes(key.SubscriptionID, key.TermEndDate), attribute.String("renewal.result", result))
	r.span.AddEvent("renewal.entry", trace.WithAttributes(attrs...))
	if len(r.summary.Items) >= r.maxItems {
		return
	}
	r.summary.Items = append(r.summary.Items, renewalrundomain.Item{
		SubscriptionID: key.SubscriptionID,
		TermEndDate:    key.TermEndDate,
		Result:         result,
		DealID:         dealID,
		Reason:         reason,
	})
}

func (r *runState) sample(key ledgerdomain.Key, kind, message string) {
	if len(r.summary.ErrorSamples) >= r.maxSamples {
		return
	}
	r.summary.ErrorSamples = append(r.summary.ErrorSamples, renewalrundomain.ErrorSample{
		SubscriptionID: key.SubscriptionID,
		TermEndDate:    key.TermEndDate,
		Kind:           kind,
		Message:        failure.Truncate(message, 300),
	})
}

func (s *Service) normalize(req renewalrundomain.RunRequest) (renewalrundomain.RunRequest, error) {
	cfg := s.cfg.Get()
	if req.BatchSize < 0 || req.MaxBatches < 0 || req.BatchSize > maxBatchSize {
		return req, renewalrundomain.ErrInvalidRunRequest
	}
	if req.BatchSize == 0 {
		req.BatchSize = cfg.BatchSize
	}
	if req.MaxBatches == 0 {
		req.MaxBatches = cfg.MaxBatches
	}
	return req, nil
}
