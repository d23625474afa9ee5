package domain

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
)

type Kind string

const (
	KindPlan     Kind = "plan"
	KindSnapshot Kind = "snapshot"
	KindCreate   Kind = "create"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Per-entry results recorded in Summary.Items and the entry result metric.
const (
	ResultPlanned            = "planned"
	ResultSnapshotted        = "snapshotted"
	ResultLeftPlanned        = "left_planned"
	ResultCreated            = "created"
	ResultReleased           = "released"
	ResultError              = "error"
	ResultSkippedClaimFailed = "skipped_claim_failed"
)

// RunRequest scopes a snapshot or create run. Zero sizes fall back to the renewal config.
type RunRequest struct {
	Filter     ledgerdomain.Filter
	BatchSize  int
	MaxBatches int
}

type Item struct {
	SubscriptionID string `json:"subscription_id"`
	TermEndDate    string `json:"term_end_date"`
	Result         string `json:"result"`
	DealID         string `json:"deal_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

type ErrorSample struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	TermEndDate    string `json:"term_end_date,omitempty"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
}

// Summary reports one run. Counters are exact; ErrorSamples and Items are capped.
type Summary struct {
	RunID                     string           `json:"run_id"`
	Kind                      Kind             `json:"kind"`
	Status                    Status           `json:"status"`
	StartedAt                 time.Time        `json:"started_at"`
	FinishedAt                time.Time        `json:"finished_at"`
	Processed                 int              `json:"processed"`
	Planned                   int              `json:"planned"`
	Snapshotted               int              `json:"snapshotted"`
	Created                   int              `json:"created"`
	Deduped                   int              `json:"deduped"`
	SkippedBecauseClaimFailed int              `json:"skipped_because_claim_failed"`
	Released                  int              `json:"released"`
	Errors                    int              `json:"errors"`
	Batches                   int              `json:"batches"`
	ErrorSamples              []ErrorSample    `json:"error_samples"`
	Items                     []Item           `json:"items"`
	LedgerCounts              map[string]int64 `json:"ledger_counts,omitempty"`
	Error                     string           `json:"error,omitempty"`
}

type Service interface {
	RunPlan(ctx context.Context, req plannerdomain.PlanRequest) (Summary, error)
	RunSnapshot(ctx context.Context, req RunRequest) (Summary, error)
	RunCreate(ctx context.Context, req RunRequest) (Summary, error)
	// Requeue moves an error entry back to planned and records it in the audit log.
	Requeue(ctx context.Context, key ledgerdomain.Key, reason string) (bool, error)
}

var ErrInvalidRunRequest = errors.New("invalid_run_request")
