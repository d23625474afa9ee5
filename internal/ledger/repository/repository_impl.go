package repository

import (
	"context"
	"strings"
	"time"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"gorm.io/gorm"
)

const entryColumns = `id, subscription_id, term_end_date, status, source_deal_id, created_deal_id,
	metadata, last_error, version, claim_count, claimed_at, created_at, updated_at`

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key ledgerdomain.Key) (*ledgerdomain.Entry, error) {
	var entry ledgerdomain.Entry
	err := db.WithContext(ctx).Raw(
		`SELECT `+entryColumns+`
		 FROM renewal_ledger
		 WHERE subscription_id = ? AND term_end_date = ?
		 LIMIT 1`,
		key.SubscriptionID,
		key.TermEndDate,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *ledgerdomain.Entry) error {
	if entry == nil {
		return nil
	}
	if entry.Metadata == nil {
		entry.Metadata = ledgerdomain.MergeMetadata(nil, nil)
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO renewal_ledger (
			id, subscription_id, term_end_date, status, source_deal_id, created_deal_id,
			metadata, last_error, version, claim_count, claimed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.SubscriptionID,
		entry.TermEndDate,
		entry.Status,
		entry.SourceDealID,
		entry.CreatedDealID,
		entry.Metadata,
		entry.LastError,
		entry.Version,
		entry.ClaimCount,
		entry.ClaimedAt,
		entry.CreatedAt,
		entry.UpdatedAt,
	).Error
}

// Claim is a single conditional update; the store serializes concurrent claimers on the row.
func (r *repo) Claim(ctx context.Context, db *gorm.DB, key ledgerdomain.Key, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE renewal_ledger
		 SET status = ?, version = version + 1, claim_count = claim_count + 1, claimed_at = ?, updated_at = ?
		 WHERE subscription_id = ? AND term_end_date = ? AND status = ? AND created_deal_id IS NULL`,
		ledgerdomain.StatusProcessing,
		now,
		now,
		key.SubscriptionID,
		key.TermEndDate,
		ledgerdomain.StatusPlanned,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) CompareAndSet(ctx context.Context, db *gorm.DB, update ledgerdomain.CASUpdate) (bool, error) {
	sets := []string{"status = ?", "version = version + 1", "updated_at = ?"}
	args := []any{update.Status, update.UpdatedAt}

	if update.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, update.Metadata)
	}
	if update.CreatedDealID != nil {
		sets = append(sets, "created_deal_id = ?")
		args = append(args, *update.CreatedDealID)
	}
	if update.SourceDealID != nil {
		sets = append(sets, "source_deal_id = ?")
		args = append(args, *update.SourceDealID)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	} else if update.ClearLastError {
		sets = append(sets, "last_error = NULL")
	}

	where := "subscription_id = ? AND term_end_date = ? AND status = ? AND version = ?"
	args = append(args,
		update.Key.SubscriptionID,
		update.Key.TermEndDate,
		update.ExpectedStatus,
		update.ExpectedVersion,
	)
	if update.RequireNoDeal {
		where += " AND created_deal_id IS NULL"
	}

	result := db.WithContext(ctx).Exec(
		"UPDATE renewal_ledger SET "+strings.Join(sets, ", ")+" WHERE "+where,
		args...,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListPlanned(ctx context.Context, db *gorm.DB, after *ledgerdomain.Key, offset, limit int) ([]ledgerdomain.Entry, error) {
	query := `SELECT ` + entryColumns + `
		 FROM renewal_ledger
		 WHERE status = ?`
	args := []any{ledgerdomain.StatusPlanned}
	if after != nil {
		query += ` AND (term_end_date > ? OR (term_end_date = ? AND subscription_id > ?))`
		args = append(args, after.TermEndDate, after.TermEndDate, after.SubscriptionID)
	}
	query += ` ORDER BY term_end_date ASC, subscription_id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var entries []ledgerdomain.Entry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) ListPlannedByFilter(ctx context.Context, db *gorm.DB, filter ledgerdomain.Filter) ([]ledgerdomain.Entry, error) {
	query, args := filteredQuery(`SELECT `+entryColumns+`
		 FROM renewal_ledger
		 WHERE status = ?`, "", filter)
	query += ` ORDER BY term_end_date ASC, subscription_id ASC`

	var entries []ledgerdomain.Entry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) ListReadyForCreation(ctx context.Context, db *gorm.DB, filter ledgerdomain.Filter, after *ledgerdomain.Key, limit int) ([]ledgerdomain.Entry, error) {
	query, args := filteredQuery(`SELECT l.id, l.subscription_id, l.term_end_date, l.status, l.source_deal_id,
			l.created_deal_id, l.metadata, l.last_error, l.version, l.claim_count, l.claimed_at,
			l.created_at, l.updated_at
		 FROM renewal_ledger l
		 JOIN renewal_snapshots s
		   ON s.subscription_id = l.subscription_id AND s.term_end_date = l.term_end_date
		 WHERE l.status = ? AND l.created_deal_id IS NULL`, "l.", filter)
	if after != nil {
		query += ` AND (l.term_end_date > ? OR (l.term_end_date = ? AND l.subscription_id > ?))`
		args = append(args, after.TermEndDate, after.TermEndDate, after.SubscriptionID)
	}
	query += ` ORDER BY l.term_end_date ASC, l.subscription_id ASC LIMIT ?`
	args = append(args, limit)

	var entries []ledgerdomain.Entry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB) (map[ledgerdomain.Status]int64, error) {
	var rows []struct {
		Status ledgerdomain.Status
		Total  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS total
		 FROM renewal_ledger
		 GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[ledgerdomain.Status]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func filteredQuery(base, prefix string, filter ledgerdomain.Filter) (string, []any) {
	args := []any{ledgerdomain.StatusPlanned}
	if subscriptionID := strings.TrimSpace(filter.SubscriptionID); subscriptionID != "" {
		base += " AND " + prefix + "subscription_id = ?"
		args = append(args, subscriptionID)
	}
	if sourceDealID := strings.TrimSpace(filter.SourceDealID); sourceDealID != "" {
		base += " AND " + prefix + "source_deal_id = ?"
		args = append(args, sourceDealID)
	}
	return base, args
}
