package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/renewals/internal/audit/domain"
	auditrepository "github.com/smallbiznis/renewals/internal/audit/repository"
	auditservice "github.com/smallbiznis/renewals/internal/audit/service"
	"github.com/smallbiznis/renewals/internal/clock"
	"github.com/smallbiznis/renewals/internal/config"
	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/renewals/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/renewals/internal/ledger/service"
	materializeservice "github.com/smallbiznis/renewals/internal/materialize/service"
	"github.com/smallbiznis/renewals/internal/migration/sqlitetest"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	plannerservice "github.com/smallbiznis/renewals/internal/planner/service"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	snapshotrepository "github.com/smallbiznis/renewals/internal/snapshot/repository"
	snapshotservice "github.com/smallbiznis/renewals/internal/snapshot/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	ledger  ledgerdomain.Service
	audit   auditdomain.Service
	crm     *fakeCRM
	charges *fakeCharges
	subs    *fakeSubscriptions
}

type fixtureOption func(*fixtureWiring)

type fixtureWiring struct {
	runLedger func(ledgerdomain.Service) ledgerdomain.Service
	renewal   func(*config.RenewalConfig)
}

func withRunLedger(wrap func(ledgerdomain.Service) ledgerdomain.Service) fixtureOption {
	return func(w *fixtureWiring) { w.runLedger = wrap }
}

func withRenewalConfig(mutate func(*config.RenewalConfig)) fixtureOption {
	return func(w *fixtureWiring) { w.renewal = mutate }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	wiring := fixtureWiring{}
	for _, opt := range opts {
		opt(&wiring)
	}

	conn := sqlitetest.Open(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(testNow)
	log := zap.NewNop()

	cfg := config.DefaultRenewalConfig()
	if wiring.renewal != nil {
		wiring.renewal(&cfg)
	}
	holder := config.NewStaticRenewalConfigHolder(cfg)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  ledgerrepository.Provide(),
	})
	charges := &fakeCharges{byOrder: map[string][]snapshotdomain.Charge{}}
	snapshots := snapshotservice.NewService(snapshotservice.Params{
		DB:      conn,
		Log:     log,
		Clock:   clk,
		Repo:    snapshotrepository.Provide(),
		Planned: ledger,
		Charges: charges,
	})
	crm := newFakeCRM()
	materialize := materializeservice.NewService(materializeservice.Params{
		Log:    log,
		CRM:    crm,
		Config: holder,
	})
	subs := &fakeSubscriptions{}
	planner := plannerservice.NewService(plannerservice.Params{
		Log:    log,
		Clock:  clk,
		Config: holder,
		Ledger: ledger,
		Source: subs,
	})
	audit := auditservice.NewService(auditservice.Params{
		DB:    conn,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  auditrepository.Provide(),
	})

	runLedger := ledger
	if wiring.runLedger != nil {
		runLedger = wiring.runLedger(ledger)
	}
	svc := NewService(Params{
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Config:      holder,
		Ledger:      runLedger,
		Snapshots:   snapshots,
		Materialize: materialize,
		Planner:     planner,
		Audit:       audit,
	}).(*Service)

	return &fixture{svc: svc, ledger: ledger, audit: audit, crm: crm, charges: charges, subs: subs}
}

func floatPtr(v float64) *float64 { return &v }

func recurring(id string, price float64) snapshotdomain.Charge {
	return snapshotdomain.Charge{
		ChargeID:      id,
		Name:          "Seat " + id,
		ChargeType:    "Recurring",
		Status:        "Active",
		BillingPeriod: "Annual",
		Currency:      "USD",
		Price:         floatPtr(price),
	}
}

// prepare plans sub-1/2025-06-30 manually and captures its snapshot.
func (f *fixture) prepare(t *testing.T, charges ...snapshotdomain.Charge) ledgerdomain.Key {
	t.Helper()
	ctx := context.Background()
	f.charges.byOrder["sub-1"] = charges

	summary, err := f.svc.RunPlan(ctx, plannerdomain.PlanRequest{SubscriptionID: "sub-1", TermEndDate: "2025-06-30"})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Planned)

	summary, err = f.svc.RunSnapshot(ctx, renewalrundomain.RunRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Snapshotted)

	return ledgerdomain.Key{SubscriptionID: "sub-1", TermEndDate: "2025-06-30"}
}

func (f *fixture) entry(t *testing.T, key ledgerdomain.Key) ledgerdomain.Entry {
	t.Helper()
	entry, err := f.ledger.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, entry)
	return *entry
}

func TestRunCreateMaterializesDealAndLineItems(t *testing.T) {
	f := newFixture(t)
	key := f.prepare(t, recurring("c1", 100), recurring("c2", 50.5))

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, renewalrundomain.StatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 0, summary.Errors)
	require.Len(t, summary.Items, 1)
	assert.Equal(t, renewalrundomain.ResultCreated, summary.Items[0].Result)
	assert.Equal(t, int64(1), summary.LedgerCounts[string(ledgerdomain.StatusCreated)])

	entry := f.entry(t, key)
	assert.Equal(t, ledgerdomain.StatusCreated, entry.Status)
	require.True(t, entry.HasDeal())
	dealID := *entry.CreatedDealID
	assert.Equal(t, summary.Items[0].DealID, dealID)
	assert.Equal(t, summary.RunID, entry.MetadataString("last_run_id"))
	assert.Equal(t, 150.5, f.crm.amounts[dealID])
	assert.Equal(t, 2, f.crm.createdItems)
}

func TestRunCreateIsIdempotentAcrossRuns(t *testing.T) {
	f := newFixture(t)
	f.prepare(t, recurring("c1", 100))

	_, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, f.crm.createdDeals)
	assert.Equal(t, 1, f.crm.createdItems)
}

func TestRunCreateSkipsLostClaims(t *testing.T) {
	f := newFixture(t, withRunLedger(func(l ledgerdomain.Service) ledgerdomain.Service {
		return contendedLedger{Service: l}
	}))
	key := f.prepare(t, recurring("c1", 100))

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedBecauseClaimFailed)
	assert.Equal(t, 0, summary.Created)
	assert.Equal(t, 0, f.crm.createdDeals)
	assert.Equal(t, ledgerdomain.StatusPlanned, f.entry(t, key).Status)
}

func TestRunCreateReleasesOnTransientDealFailure(t *testing.T) {
	f := newFixture(t)
	key := f.prepare(t, recurring("c1", 100))
	f.crm.createDealErr = failure.New(failure.KindTransport, "crm.create_deal", "503")

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Released)
	require.NotEmpty(t, summary.ErrorSamples)
	assert.Equal(t, string(failure.KindTransport), summary.ErrorSamples[0].Kind)

	entry := f.entry(t, key)
	assert.Equal(t, ledgerdomain.StatusPlanned, entry.Status)
	assert.Equal(t, 1, entry.ClaimCount)

	// The next run picks the entry up again once the CRM recovers.
	f.crm.createDealErr = nil
	summary, err = f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, ledgerdomain.StatusCreated, f.entry(t, key).Status)
}

func TestRunCreateReleasesOnTransientLineItemErrors(t *testing.T) {
	f := newFixture(t)
	key := f.prepare(t, recurring("c1", 100))
	f.crm.lineItemErr = failure.New(failure.KindTransport, "crm.create_line_item", "timeout")

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Released)
	assert.Equal(t, ledgerdomain.StatusPlanned, f.entry(t, key).Status)
	// The deal was made; the retry reuses it.
	assert.Equal(t, 1, f.crm.createdDeals)

	f.crm.lineItemErr = nil
	summary, err = f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, f.crm.createdDeals)
}

func TestRunCreateMarksErrorWithoutEligibleCharges(t *testing.T) {
	f := newFixture(t)
	oneTime := recurring("c1", 100)
	oneTime.ChargeType = "OneTime"
	key := f.prepare(t, oneTime)

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, f.crm.createdDeals)

	entry := f.entry(t, key)
	assert.Equal(t, ledgerdomain.StatusError, entry.Status)
	require.NotNil(t, entry.LastError)
	assert.Equal(t, reasonNoEligibleCharges, *entry.LastError)
}

func TestRunCreateMarksErrorOnPermanentLineItemFailure(t *testing.T) {
	f := newFixture(t)
	key := f.prepare(t, recurring("c1", 100))
	f.crm.lineItemErr = failure.New(failure.KindValidation, "crm.create_line_item", "bad property")

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)

	entry := f.entry(t, key)
	assert.Equal(t, ledgerdomain.StatusError, entry.Status)
	assert.False(t, entry.HasDeal())
	assert.NotEmpty(t, entry.MetadataString("deal_id"))
}

func TestRunCreateKeepsMultibyteReasonsValid(t *testing.T) {
	f := newFixture(t)
	key := f.prepare(t, recurring("c1", 100))
	// "crm.create_deal: " plus 282 bytes puts the two-byte Ü across the 300 byte cut.
	f.crm.createDealErr = failure.New(failure.KindValidation, "crm.create_deal", strings.Repeat("a", 282)+"Ünïcödé…")

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	require.NotEmpty(t, summary.ErrorSamples)
	assert.True(t, utf8.ValidString(summary.ErrorSamples[0].Message))

	entry := f.entry(t, key)
	assert.Equal(t, ledgerdomain.StatusError, entry.Status)
	require.NotNil(t, entry.LastError)
	assert.True(t, utf8.ValidString(*entry.LastError))
	assert.True(t, strings.HasSuffix(*entry.LastError, "a"))
}

func TestRunCreateAbortsWhenClaimedEntryCannotBeReread(t *testing.T) {
	var reads *unreadableLedger
	f := newFixture(t, withRunLedger(func(l ledgerdomain.Service) ledgerdomain.Service {
		reads = &unreadableLedger{Service: l}
		return reads
	}))
	key := f.prepare(t, recurring("c1", 100))
	reads.err = failure.Wrap(failure.KindStore, "ledger.get", errors.New("database is locked"))

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.Error(t, err)
	assert.Equal(t, failure.KindStore, failure.KindOf(err))
	assert.Equal(t, renewalrundomain.StatusFailed, summary.Status)
	assert.Equal(t, 0, f.crm.createdDeals)
	// The claim is handed back so the next run can retry it.
	assert.Equal(t, ledgerdomain.StatusPlanned, f.entry(t, key).Status)
}

func TestRunCreateHonorsBatchLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, sub := range []string{"sub-a", "sub-b", "sub-c"} {
		f.charges.byOrder[sub] = []snapshotdomain.Charge{recurring("c1", 10)}
		_, err := f.svc.RunPlan(ctx, plannerdomain.PlanRequest{SubscriptionID: sub, TermEndDate: "2025-06-30"})
		require.NoError(t, err)
	}
	_, err := f.svc.RunSnapshot(ctx, renewalrundomain.RunRequest{})
	require.NoError(t, err)

	summary, err := f.svc.RunCreate(ctx, renewalrundomain.RunRequest{BatchSize: 1, MaxBatches: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 2, summary.Created)

	summary, err = f.svc.RunCreate(ctx, renewalrundomain.RunRequest{Filter: ledgerdomain.Filter{SubscriptionID: "sub-c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, "sub-c", summary.Items[0].SubscriptionID)
}

func TestRunSnapshotLeavesEntryPlannedOnTransportError(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RunPlan(context.Background(), plannerdomain.PlanRequest{SubscriptionID: "sub-1", TermEndDate: "2025-06-30"})
	require.NoError(t, err)
	f.charges.err = failure.New(failure.KindTransport, "billing.charges", "502")

	summary, err := f.svc.RunSnapshot(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	require.Len(t, summary.Items, 1)
	assert.Equal(t, renewalrundomain.ResultLeftPlanned, summary.Items[0].Result)
	assert.Equal(t, ledgerdomain.StatusPlanned, f.entry(t, ledgerdomain.Key{SubscriptionID: "sub-1", TermEndDate: "2025-06-30"}).Status)
}

func TestRunSnapshotMarksErrorOnMissingOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RunPlan(context.Background(), plannerdomain.PlanRequest{SubscriptionID: "sub-1", TermEndDate: "2025-06-30"})
	require.NoError(t, err)
	f.charges.err = failure.FromStatus("billing.charges", 404, "order not found")

	summary, err := f.svc.RunSnapshot(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, ledgerdomain.StatusError, f.entry(t, ledgerdomain.Key{SubscriptionID: "sub-1", TermEndDate: "2025-06-30"}).Status)
}

func TestRunPlanScansBillingSource(t *testing.T) {
	f := newFixture(t)
	f.subs.subs = []plannerdomain.Subscription{
		{ID: "sub-1", Status: "Active", TermEndDate: testNow.AddDate(0, 1, 0), OrderID: "ord-1"},
		{ID: "sub-2", Status: "Cancelled", TermEndDate: testNow.AddDate(0, 1, 0)},
	}

	summary, err := f.svc.RunPlan(context.Background(), plannerdomain.PlanRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Planned)
	assert.Equal(t, 1, summary.Batches)
}

func TestRunPlanReportsSourceFailureInSummary(t *testing.T) {
	f := newFixture(t)
	f.subs.err = failure.New(failure.KindTransport, "billing.subscriptions", "timeout")

	summary, err := f.svc.RunPlan(context.Background(), plannerdomain.PlanRequest{})
	require.NoError(t, err)
	assert.Equal(t, renewalrundomain.StatusFailed, summary.Status)
	assert.NotEmpty(t, summary.Error)
	assert.Equal(t, 1, summary.Errors)
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RunCreate(ctx, renewalrundomain.RunRequest{BatchSize: -1})
	assert.ErrorIs(t, err, renewalrundomain.ErrInvalidRunRequest)

	_, err = f.svc.RunSnapshot(ctx, renewalrundomain.RunRequest{BatchSize: maxBatchSize + 1})
	assert.ErrorIs(t, err, renewalrundomain.ErrInvalidRunRequest)

	_, err = f.svc.RunPlan(ctx, plannerdomain.PlanRequest{SubscriptionID: "sub-1", TermEndDate: "30/06/2025"})
	assert.ErrorIs(t, err, renewalrundomain.ErrInvalidRunRequest)
}

func TestRunAbortsWhenCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.prepare(t, recurring("c1", 100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.svc.RunCreate(ctx, renewalrundomain.RunRequest{})
	require.Error(t, err)
	assert.Equal(t, renewalrundomain.StatusFailed, summary.Status)
	assert.Equal(t, 0, f.crm.createdDeals)
}

func TestRunsAreAudited(t *testing.T) {
	f := newFixture(t)
	f.prepare(t, recurring("c1", 100))

	summary, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)

	resp, err := f.audit.List(context.Background(), auditdomain.ListAuditLogRequest{TargetID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	logged := resp.AuditLogs[0]
	assert.Equal(t, auditdomain.ActionRunCompleted, logged.Action)
	assert.Equal(t, auditdomain.TargetTypeRenewalRun, logged.TargetType)
	assert.EqualValues(t, 1, ledgerdomain.MetadataInt(logged.Metadata, "created"))
}

func TestRequeueReturnsErrorEntryToPlanned(t *testing.T) {
	f := newFixture(t)
	oneTime := recurring("c1", 100)
	oneTime.ChargeType = "OneTime"
	key := f.prepare(t, oneTime)
	_, err := f.svc.RunCreate(context.Background(), renewalrundomain.RunRequest{})
	require.NoError(t, err)

	requeued, err := f.svc.Requeue(context.Background(), key, "fixed catalog")
	require.NoError(t, err)
	assert.True(t, requeued)
	assert.Equal(t, ledgerdomain.StatusPlanned, f.entry(t, key).Status)

	requeued, err = f.svc.Requeue(context.Background(), key, "again")
	require.NoError(t, err)
	assert.False(t, requeued)

	resp, err := f.audit.List(context.Background(), auditdomain.ListAuditLogRequest{Action: auditdomain.ActionEntryRequeued})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, key.String(), *resp.AuditLogs[0].TargetID)
}
