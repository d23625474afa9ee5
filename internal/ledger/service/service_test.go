package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/renewals/internal/clock"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"github.com/smallbiznis/renewals/internal/ledger/repository"
	"github.com/smallbiznis/renewals/internal/migration/sqlitetest"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	conn := sqlitetest.Open(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(testNow),
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, conn
}

func mustKey(t *testing.T, sub, termEnd string) ledgerdomain.Key {
	t.Helper()
	key, err := ledgerdomain.ParseKey(sub, termEnd)
	require.NoError(t, err)
	return key
}

func mustStatus(t *testing.T, svc *Service, key ledgerdomain.Key) ledgerdomain.Status {
	t.Helper()
	entry, err := svc.Get(context.Background(), key)
	require.NoError(t, err)
	return entry.Status
}

func TestClaimPlannedEntryOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	outcome, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.PlanOutcomeInserted, outcome)

	claimed, err := svc.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, ledgerdomain.StatusProcessing, mustStatus(t, svc, key))

	claimed, err = svc.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.ClaimCount)
}

func TestConcurrentClaimHasSingleWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-race", "2025-07-31")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)

	var wins atomic.Int32
	var group errgroup.Group
	for i := 0; i < 16; i++ {
		group.Go(func() error {
			claimed, err := svc.Claim(ctx, key)
			if err != nil {
				return err
			}
			if claimed {
				wins.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, int32(1), wins.Load())
}

func TestClaimSkipsEntryWithDeal(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-2", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Exec(`UPDATE renewal_ledger SET created_deal_id = 'deal-9' WHERE subscription_id = ?`, key.SubscriptionID).Error)

	claimed, err := svc.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestUpsertPlannedRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	outcome, err := svc.UpsertPlanned(ctx, key, "", map[string]any{"order_id": "O-1"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.PlanOutcomeInserted, outcome)

	outcome, err = svc.UpsertPlanned(ctx, key, "deal-src", map[string]any{"account_id": "A-1"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.PlanOutcomeUpdated, outcome)

	counts, err := svc.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[ledgerdomain.StatusPlanned])

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "O-1", entry.MetadataString("order_id"))
	assert.Equal(t, "A-1", entry.MetadataString("account_id"))
	require.NotNil(t, entry.SourceDealID)
	assert.Equal(t, "deal-src", *entry.SourceDealID)
}

func TestUpsertPlannedRequeuesErrorEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-err", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	marked, err := svc.MarkError(ctx, key, "subscription_not_found", nil)
	require.NoError(t, err)
	require.True(t, marked)
	require.Equal(t, ledgerdomain.StatusError, mustStatus(t, svc, key))

	outcome, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.PlanOutcomeRequeued, outcome)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusPlanned, entry.Status)
	assert.Nil(t, entry.LastError)
}

func TestUpsertPlannedLeavesCreatedUntouched(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-done", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)
	_, err = svc.MarkCreated(ctx, key, "deal-1", nil)
	require.NoError(t, err)
	before, err := svc.Get(ctx, key)
	require.NoError(t, err)

	outcome, err := svc.UpsertPlanned(ctx, key, "", map[string]any{"order_id": "O-2"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.PlanOutcomeAlreadyExists, outcome)

	after, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusCreated, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.MetadataString("order_id"))
}

func TestUpsertPlannedKeepsClaimOnProcessingEntry(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-busy", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)

	outcome, err := svc.UpsertPlanned(ctx, key, "", map[string]any{"order_id": "O-3"})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.PlanOutcomeUpdated, outcome)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusProcessing, entry.Status)
	assert.Equal(t, "O-3", entry.MetadataString("order_id"))
}

func TestMarkCreatedTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", map[string]any{"order_id": "O-1"})
	require.NoError(t, err)

	_, err = svc.MarkCreated(ctx, key, "deal-1", nil)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidTransition)

	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)

	_, err = svc.MarkCreated(ctx, key, "  ", nil)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidDealID)

	updated, err := svc.MarkCreated(ctx, key, "deal-1", map[string]any{"line_items_created": 2})
	require.NoError(t, err)
	assert.True(t, updated)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusCreated, entry.Status)
	require.NotNil(t, entry.CreatedDealID)
	assert.Equal(t, "deal-1", *entry.CreatedDealID)
	assert.Equal(t, "O-1", entry.MetadataString("order_id"))
	assert.EqualValues(t, 2, ledgerdomain.MetadataInt(entry.Metadata, "line_items_created"))

	updated, err = svc.MarkCreated(ctx, key, "deal-2", nil)
	require.NoError(t, err)
	assert.False(t, updated)

	entry, err = svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "deal-1", *entry.CreatedDealID)
}

func TestReleaseForRetryOnCreatedIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)
	_, err = svc.MarkCreated(ctx, key, "deal-1", nil)
	require.NoError(t, err)

	released, err := svc.ReleaseForRetry(ctx, key, "crm_transport")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, ledgerdomain.StatusCreated, mustStatus(t, svc, key))
}

func TestReleaseForRetryReturnsProcessingToPlanned(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)

	released, err := svc.ReleaseForRetry(ctx, key, "crm_transport")
	require.NoError(t, err)
	assert.True(t, released)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusPlanned, entry.Status)
	require.NotNil(t, entry.LastError)
	assert.Equal(t, "crm_transport", *entry.LastError)
	assert.EqualValues(t, 1, ledgerdomain.MetadataInt(entry.Metadata, "release_count"))

	released, err = svc.ReleaseForRetry(ctx, key, "crm_transport")
	require.NoError(t, err)
	assert.False(t, released)

	claimed, err := svc.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, claimed)

	released, err = svc.ReleaseForRetry(ctx, key, "crm_transport")
	require.NoError(t, err)
	assert.True(t, released)

	entry, err = svc.Get(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, ledgerdomain.MetadataInt(entry.Metadata, "release_count"))
}

func TestReleaseReasonIsCutOnRuneBoundary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)

	reason := strings.Repeat("x", 499) + "éé"
	released, err := svc.ReleaseForRetry(ctx, key, reason)
	require.NoError(t, err)
	assert.True(t, released)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, entry.LastError)
	assert.True(t, utf8.ValidString(*entry.LastError))
	assert.Equal(t, strings.Repeat("x", 499), *entry.LastError)
}

func TestMarkErrorNeverRegressesCreated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)
	_, err = svc.MarkCreated(ctx, key, "deal-1", nil)
	require.NoError(t, err)

	marked, err := svc.MarkError(ctx, key, "late failure", nil)
	require.NoError(t, err)
	assert.False(t, marked)
	assert.Equal(t, ledgerdomain.StatusCreated, mustStatus(t, svc, key))
}

func TestRequeueOnlyFromError(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	_, err := svc.Requeue(ctx, key, "")
	assert.ErrorIs(t, err, ledgerdomain.ErrEntryNotFound)

	_, err = svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)

	requeued, err := svc.Requeue(ctx, key, "")
	require.NoError(t, err)
	assert.False(t, requeued)

	_, err = svc.MarkError(ctx, key, "missing_price", map[string]any{"charge_id": "C-1"})
	require.NoError(t, err)

	requeued, err = svc.Requeue(ctx, key, "fixed price in billing")
	require.NoError(t, err)
	assert.True(t, requeued)

	entry, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.StatusPlanned, entry.Status)
	assert.Equal(t, "C-1", entry.MetadataString("charge_id"))
	assert.Equal(t, "fixed price in billing", entry.MetadataString("requeue_reason"))
}

func TestListReadyForCreationRequiresSnapshot(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	keys := []ledgerdomain.Key{
		mustKey(t, "sub-b", "2025-06-30"),
		mustKey(t, "sub-a", "2025-06-30"),
		mustKey(t, "sub-c", "2025-05-31"),
		mustKey(t, "sub-d", "2025-07-31"),
	}
	for _, key := range keys {
		_, err := svc.UpsertPlanned(ctx, key, "", nil)
		require.NoError(t, err)
	}
	for _, key := range keys[:3] {
		record, err := snapshotdomain.NewRecord(key, key.SubscriptionID, nil, testNow)
		require.NoError(t, err)
		require.NoError(t, conn.Create(record).Error)
	}

	ready, err := svc.ListReadyForCreation(ctx, ledgerdomain.Filter{}, nil, 10)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, "sub-c", ready[0].SubscriptionID)
	assert.Equal(t, "sub-a", ready[1].SubscriptionID)
	assert.Equal(t, "sub-b", ready[2].SubscriptionID)

	after := ready[1].Key()
	ready, err = svc.ListReadyForCreation(ctx, ledgerdomain.Filter{}, &after, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "sub-b", ready[0].SubscriptionID)

	ready, err = svc.ListReadyForCreation(ctx, ledgerdomain.Filter{SubscriptionID: "sub-a"}, nil, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	_, err = svc.ListReadyForCreation(ctx, ledgerdomain.Filter{}, nil, 0)
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidLimit)
}

type losingRepo struct {
	ledgerdomain.Repository
	attempts int
}

func (r *losingRepo) CompareAndSet(context.Context, *gorm.DB, ledgerdomain.CASUpdate) (bool, error) {
	r.attempts++
	return false, nil
}

func TestTransitionGivesUpAfterRepeatedLostRaces(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := mustKey(t, "sub-1", "2025-06-30")

	_, err := svc.UpsertPlanned(ctx, key, "", nil)
	require.NoError(t, err)
	_, err = svc.Claim(ctx, key)
	require.NoError(t, err)

	repo := &losingRepo{Repository: svc.repo}
	svc.repo = repo

	_, err = svc.ReleaseForRetry(ctx, key, "crm_transport")
	require.True(t, errors.Is(err, ledgerdomain.ErrConcurrentUpdate), "got %v", err)
	assert.Equal(t, maxCASAttempts, repo.attempts)
}

func TestInvalidKeyRejected(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Claim(context.Background(), ledgerdomain.Key{SubscriptionID: "sub-1", TermEndDate: "06/30/2025"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidKey)
}
