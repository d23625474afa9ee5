package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
)

// PlannedSource reads planned ledger entries for selection.
type PlannedSource interface {
	ListPlanned(ctx context.Context, after *ledgerdomain.Key, offset, limit int) ([]ledgerdomain.Entry, error)
	ListPlannedByFilter(ctx context.Context, filter ledgerdomain.Filter) ([]ledgerdomain.Entry, error)
}

// ChargeSource fetches every charge page for a billing order.
type ChargeSource interface {
	FetchCharges(ctx context.Context, orderID string) ([]Charge, error)
}

type SelectRequest struct {
	BatchSize int
	Filter    ledgerdomain.Filter
	// After continues an unfiltered scan past keys already handled in this run.
	After *ledgerdomain.Key
}

type Service interface {
	SelectDue(ctx context.Context, req SelectRequest) ([]ledgerdomain.Entry, error)
	Capture(ctx context.Context, entry ledgerdomain.Entry) (*Record, error)
	Get(ctx context.Context, key ledgerdomain.Key) (*Record, error)
}

var (
	ErrInvalidBatchSize = errors.New("invalid_batch_size")
	ErrSnapshotNotFound = errors.New("snapshot_not_found")
	ErrMalformedCharges = errors.New("malformed_snapshot_charges")
)
