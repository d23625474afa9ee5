package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/zap"
)

// Capture fetches the entry's current charges from the billing source and stores them.
// An order with no charges still produces a snapshot.
func (s *Service) Capture(ctx context.Context, entry ledgerdomain.Entry) (*snapshotdomain.Record, error) {
	key := entry.Key()
	if err := key.Validate(); err != nil {
		return nil, failure.Wrap(failure.KindValidation, "snapshot.capture", err)
	}

	orderID := entry.MetadataString("order_id")
	if orderID == "" {
		orderID = entry.SubscriptionID
	}

	charges, err := s.charges.FetchCharges(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch charges for %s: %w", key, err)
	}

	record, err := snapshotdomain.NewRecord(key, orderID, charges, s.clock.Now())
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, "snapshot.capture", err)
	}
	if err := s.repo.Upsert(ctx, s.db, record); err != nil {
		return nil, failure.Wrap(failure.KindStore, "snapshot.upsert", err)
	}

	logger.WithLedgerKey(logger.WithContext(ctx, s.log), key.SubscriptionID, key.TermEndDate).
		Info("snapshot.captured", zap.String("order_id", orderID), zap.Int("charge_count", record.ChargeCount))
	return record, nil
}
