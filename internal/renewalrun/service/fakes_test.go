package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
)

type fakeCharges struct {
	byOrder map[string][]snapshotdomain.Charge
	err     error
}

func (f *fakeCharges) FetchCharges(_ context.Context, orderID string) ([]snapshotdomain.Charge, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byOrder[orderID], nil
}

type fakeSubscriptions struct {
	subs []plannerdomain.Subscription
	err  error
}

func (f *fakeSubscriptions) ListSubscriptions(_ context.Context, _, _ time.Time, page int) (plannerdomain.SubscriptionPage, error) {
	if f.err != nil {
		return plannerdomain.SubscriptionPage{}, f.err
	}
	if page > 1 {
		return plannerdomain.SubscriptionPage{}, nil
	}
	return plannerdomain.SubscriptionPage{Subscriptions: f.subs}, nil
}

// fakeCRM keeps deals and line items in memory, keyed the way the real CRM is searched.
type fakeCRM struct {
	mu sync.Mutex

	lineItems     map[string]string
	deals         map[string]string
	existing      map[string]bool
	amounts       map[string]float64
	associations  int
	createdDeals  int
	createdItems  int
	seq           int
	createDealErr error
	lineItemErr   error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		lineItems: map[string]string{},
		deals:     map[string]string{},
		existing:  map[string]bool{},
		amounts:   map[string]float64{},
	}
}

func (f *fakeCRM) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeCRM) SearchLineItemByFingerprint(_ context.Context, fingerprint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lineItems[fingerprint], nil
}

func (f *fakeCRM) CreateLineItem(_ context.Context, item materializedomain.LineItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lineItemErr != nil {
		return "", f.lineItemErr
	}
	id := f.nextID("li")
	f.lineItems[item.Fingerprint] = id
	f.createdItems++
	return id, nil
}

func (f *fakeCRM) AssociateLineItem(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.associations++
	return nil
}

func (f *fakeCRM) SearchDealByRenewalKey(_ context.Context, renewalKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deals[renewalKey], nil
}

func (f *fakeCRM) CreateDeal(_ context.Context, deal materializedomain.Deal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createDealErr != nil {
		return "", f.createDealErr
	}
	id := f.nextID("deal")
	f.deals[deal.RenewalKey] = id
	f.existing[id] = true
	f.createdDeals++
	return id, nil
}

func (f *fakeCRM) DealExists(_ context.Context, dealID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[dealID], nil
}

func (f *fakeCRM) UpdateDealAmount(_ context.Context, dealID string, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.existing[dealID] {
		return failure.New(failure.KindNotFound, "crm.update_deal", "deal not found")
	}
	f.amounts[dealID] = amount
	return nil
}

// contendedLedger loses every claim, as if another run got there first.
type contendedLedger struct {
	ledgerdomain.Service
}

func (contendedLedger) Claim(context.Context, ledgerdomain.Key) (bool, error) {
	return false, nil
}

// unreadableLedger fails Get once err is set, leaving every write intact.
type unreadableLedger struct {
	ledgerdomain.Service
	err error
}

func (l *unreadableLedger) Get(ctx context.Context, key ledgerdomain.Key) (*ledgerdomain.Entry, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.Service.Get(ctx, key)
}
