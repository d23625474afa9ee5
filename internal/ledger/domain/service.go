package domain

import (
	"context"
	"errors"
)

type Service interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	Claim(ctx context.Context, key Key) (bool, error)
	MarkCreated(ctx context.Context, key Key, dealID string, patch map[string]any) (bool, error)
	ReleaseForRetry(ctx context.Context, key Key, reason string) (bool, error)
	MarkError(ctx context.Context, key Key, reason string, patch map[string]any) (bool, error)
	UpsertPlanned(ctx context.Context, key Key, sourceDealID string, sourceMetadata map[string]any) (PlanOutcome, error)
	Requeue(ctx context.Context, key Key, reason string) (bool, error)
	ListPlanned(ctx context.Context, after *Key, offset, limit int) ([]Entry, error)
	ListPlannedByFilter(ctx context.Context, filter Filter) ([]Entry, error)
	ListReadyForCreation(ctx context.Context, filter Filter, after *Key, limit int) ([]Entry, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

var (
	ErrInvalidKey        = errors.New("invalid_ledger_key")
	ErrInvalidDealID     = errors.New("invalid_deal_id")
	ErrInvalidLimit      = errors.New("invalid_limit")
	ErrEntryNotFound     = errors.New("ledger_entry_not_found")
	ErrInvalidTransition = errors.New("invalid_ledger_transition")
	ErrConcurrentUpdate  = errors.New("ledger_concurrent_update")
)
