package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/renewals/internal/failure"
	"github.com/smallbiznis/renewals/pkg/db"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonStore                = "store"
	JobReasonTransport            = "transport"
	JobReasonUnknown              = "unknown"
)

const (
	ClaimOutcomeWon  = "won"
	ClaimOutcomeLost = "lost"
)

const (
	ArtifactOutcomeCreated = "created"
	ArtifactOutcomeDeduped = "deduped"
	ArtifactOutcomeError   = "error"
)

// RenewalMetrics captures run, ledger, and scheduler health signals.
type RenewalMetrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobTimeouts     *prometheus.CounterVec
	jobErrors       *prometheus.CounterVec
	jobSkipped      *prometheus.CounterVec
	runLoopLag      prometheus.Observer
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	entryResults    *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	claims          *prometheus.CounterVec
	artifacts       *prometheus.CounterVec
	casRetries      prometheus.Counter
	claimCounters   map[string]prometheus.Counter
	artifactCounter map[string]prometheus.Counter
}

var (
	renewalMetricsOnce sync.Once
	renewalMetrics     *RenewalMetrics
)

// Renewal returns the singleton renewal metrics registry.
func Renewal() *RenewalMetrics {
	return RenewalWithConfig(Config{})
}

// RenewalWithConfig returns the singleton renewal metrics registry using config labels.
func RenewalWithConfig(cfg Config) *RenewalMetrics {
	renewalMetricsOnce.Do(func() {
		renewalMetrics = newRenewalMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return renewalMetrics
}

// ResetRenewalMetricsForTest resets the renewal metrics singleton for tests.
func ResetRenewalMetricsForTest() {
	renewalMetricsOnce = sync.Once{}
	renewalMetrics = nil
}

func newRenewalMetrics(registerer prometheus.Registerer, cfg Config) *RenewalMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName(cfg),
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "renewals_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs that hit their timeout.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	jobSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_scheduler_job_skipped_total",
		Help:        "Scheduler jobs skipped because another instance holds the job lock.",
		ConstLabels: constLabels,
	}, []string{"job"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "renewals_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_runs_total",
		Help:        "Renewal runs by kind and final status.",
		ConstLabels: constLabels,
	}, []string{"kind", "status"})
	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "renewals_run_duration_seconds",
		Help:        "Renewal run latency by kind.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"kind"})
	entryResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_entry_results_total",
		Help:        "Per-entry results within renewal runs.",
		ConstLabels: constLabels,
	}, []string{"kind", "result"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_ledger_transitions_total",
		Help:        "Ledger status transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_ledger_claims_total",
		Help:        "Ledger claim attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	artifacts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "renewals_artifacts_total",
		Help:        "CRM line-item outcomes during materialization.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	casRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "renewals_ledger_cas_retries_total",
		Help:        "Ledger compare-and-set writes that lost a race and were retried.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		jobSkipped,
		runLoopLag,
		runs,
		runDuration,
		entryResults,
		transitions,
		claims,
		artifacts,
		casRetries,
	)

	return &RenewalMetrics{
		jobRuns:      jobRuns,
		jobDuration:  jobDuration,
		jobTimeouts:  jobTimeouts,
		jobErrors:    jobErrors,
		jobSkipped:   jobSkipped,
		runLoopLag:   runLoopLag,
		runs:         runs,
		runDuration:  runDuration,
		entryResults: entryResults,
		transitions:  transitions,
		claims:       claims,
		artifacts:    artifacts,
		casRetries:   casRetries,
		claimCounters: map[string]prometheus.Counter{
			ClaimOutcomeWon:  claims.WithLabelValues(ClaimOutcomeWon),
			ClaimOutcomeLost: claims.WithLabelValues(ClaimOutcomeLost),
		},
		artifactCounter: map[string]prometheus.Counter{
			ArtifactOutcomeCreated: artifacts.WithLabelValues(ArtifactOutcomeCreated),
			ArtifactOutcomeDeduped: artifacts.WithLabelValues(ArtifactOutcomeDeduped),
			ArtifactOutcomeError:   artifacts.WithLabelValues(ArtifactOutcomeError),
		},
	}
}

// IncJobRun increments the run counter for a scheduler job.
func (m *RenewalMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records scheduler job latency in seconds.
func (m *RenewalMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *RenewalMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with a classified reason.
func (m *RenewalMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *RenewalMetrics) IncJobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *RenewalMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ObserveRun records a finished renewal run.
func (m *RenewalMetrics) ObserveRun(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *RenewalMetrics) IncEntryResult(kind, result string) {
	if m == nil || result == "" {
		return
	}
	m.entryResults.WithLabelValues(kind, result).Inc()
}

// IncTransition counts a ledger status change.
func (m *RenewalMetrics) IncTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *RenewalMetrics) IncClaim(won bool) {
	if m == nil {
		return
	}
	if won {
		m.claimCounters[ClaimOutcomeWon].Inc()
		return
	}
	m.claimCounters[ClaimOutcomeLost].Inc()
}

// AddArtifacts adds materialization outcomes by count.
func (m *RenewalMetrics) AddArtifacts(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if counter, ok := m.artifactCounter[outcome]; ok {
		counter.Add(float64(count))
		return
	}
	m.artifacts.WithLabelValues(outcome).Add(float64(count))
}

func (m *RenewalMetrics) IncCASRetry() {
	if m == nil {
		return
	}
	m.casRetries.Inc()
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if db.IsLockTimeout(err) {
		return JobReasonDBLockTimeout
	}
	if db.IsSerializationFailure(err) {
		return JobReasonSerializationFailure
	}
	if db.IsDuplicateKeyErr(err) {
		return JobReasonUniqueViolation
	}
	switch failure.KindOf(err) {
	case failure.KindStore:
		return JobReasonStore
	case failure.KindTransport:
		return JobReasonTransport
	}
	return JobReasonUnknown
}
