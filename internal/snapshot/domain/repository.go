package domain

import (
	"context"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, record *Record) error
	FindByKeys(ctx context.Context, db *gorm.DB, keys []ledgerdomain.Key) ([]Record, error)
	ExistingKeys(ctx context.Context, db *gorm.DB, keys []ledgerdomain.Key) (map[ledgerdomain.Key]struct{}, error)
}
