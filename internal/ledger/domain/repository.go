package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CASUpdate is a conditional write: it applies only while the row still has
// ExpectedStatus and ExpectedVersion. Nil pointer fields are left untouched.
type CASUpdate struct {
	Key             Key
	ExpectedStatus  Status
	ExpectedVersion int64
	RequireNoDeal   bool

	Status         Status
	CreatedDealID  *string
	SourceDealID   *string
	Metadata       datatypes.JSONMap
	LastError      *string
	ClearLastError bool
	UpdatedAt      time.Time
}

type Repository interface {
	FindByKey(ctx context.Context, db *gorm.DB, key Key) (*Entry, error)
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	Claim(ctx context.Context, db *gorm.DB, key Key, now time.Time) (bool, error)
	CompareAndSet(ctx context.Context, db *gorm.DB, update CASUpdate) (bool, error)
	ListPlanned(ctx context.Context, db *gorm.DB, after *Key, offset, limit int) ([]Entry, error)
	ListPlannedByFilter(ctx context.Context, db *gorm.DB, filter Filter) ([]Entry, error)
	ListReadyForCreation(ctx context.Context, db *gorm.DB, filter Filter, after *Key, limit int) ([]Entry, error)
	CountByStatus(ctx context.Context, db *gorm.DB) (map[Status]int64, error)
}
