package repository

import (
	"context"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() snapshotdomain.Repository {
	return &repo{}
}

// Upsert overwrites an existing snapshot for the same key (re-snapshot).
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *snapshotdomain.Record) error {
	if record == nil {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subscription_id"}, {Name: "term_end_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"charges_json", "charge_count", "source", "snapshot_at", "updated_at",
		}),
	}).Create(record).Error
}

func (r *repo) FindByKeys(ctx context.Context, db *gorm.DB, keys []ledgerdomain.Key) ([]snapshotdomain.Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var rows []snapshotdomain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT subscription_id, term_end_date, charges_json, charge_count, source, snapshot_at, created_at, updated_at
		 FROM renewal_snapshots
		 WHERE subscription_id IN ?`,
		subscriptionIDs(keys),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	wanted := keySet(keys)
	records := make([]snapshotdomain.Record, 0, len(keys))
	for _, row := range rows {
		if _, ok := wanted[row.Key()]; ok {
			records = append(records, row)
		}
	}
	return records, nil
}

func (r *repo) ExistingKeys(ctx context.Context, db *gorm.DB, keys []ledgerdomain.Key) (map[ledgerdomain.Key]struct{}, error) {
	existing := map[ledgerdomain.Key]struct{}{}
	if len(keys) == 0 {
		return existing, nil
	}
	var rows []ledgerdomain.Key
	err := db.WithContext(ctx).Raw(
		`SELECT subscription_id, term_end_date
		 FROM renewal_snapshots
		 WHERE subscription_id IN ?`,
		subscriptionIDs(keys),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	wanted := keySet(keys)
	for _, row := range rows {
		if _, ok := wanted[row]; ok {
			existing[row] = struct{}{}
		}
	}
	return existing, nil
}

func subscriptionIDs(keys []ledgerdomain.Key) []string {
	seen := make(map[string]struct{}, len(keys))
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key.SubscriptionID]; ok {
			continue
		}
		seen[key.SubscriptionID] = struct{}{}
		ids = append(ids, key.SubscriptionID)
	}
	return ids
}

func keySet(keys []ledgerdomain.Key) map[ledgerdomain.Key]struct{} {
	set := make(map[ledgerdomain.Key]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set
}
