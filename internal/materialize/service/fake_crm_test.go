package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/smallbiznis/renewals/internal/failure"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
)

type fakeCRM struct {
	mu sync.Mutex

	lineItems    map[string]string // fingerprint -> id
	created      []materializedomain.LineItem
	associations map[string]map[string]bool
	deals        map[string]string // renewal key -> id
	createdDeals []materializedomain.Deal
	existing     map[string]bool
	amounts      map[string]float64
	seq          int

	// failCreate maps a fingerprint to the error CreateLineItem returns for it.
	failCreate map[string]error
	// hideFromSearch makes SearchLineItemByFingerprint miss until a create is attempted.
	hideFromSearch map[string]bool
	createDealErr  error
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		lineItems:      map[string]string{},
		associations:   map[string]map[string]bool{},
		deals:          map[string]string{},
		existing:       map[string]bool{},
		amounts:        map[string]float64{},
		failCreate:     map[string]error{},
		hideFromSearch: map[string]bool{},
	}
}

func (f *fakeCRM) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeCRM) SearchLineItemByFingerprint(_ context.Context, fingerprint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideFromSearch[fingerprint] {
		return "", nil
	}
	return f.lineItems[fingerprint], nil
}

func (f *fakeCRM) CreateLineItem(_ context.Context, item materializedomain.LineItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideFromSearch[item.Fingerprint] {
		delete(f.hideFromSearch, item.Fingerprint)
		if id, ok := f.lineItems[item.Fingerprint]; ok && id != "" {
			return "", failure.New(failure.KindConflict, "crm.create_line_item", "duplicate fingerprint")
		}
	}
	if err := f.failCreate[item.Fingerprint]; err != nil {
		return "", err
	}
	id := f.nextID("li")
	f.lineItems[item.Fingerprint] = id
	f.created = append(f.created, item)
	return id, nil
}

func (f *fakeCRM) AssociateLineItem(_ context.Context, dealID, lineItemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.associations[dealID] == nil {
		f.associations[dealID] = map[string]bool{}
	}
	if f.associations[dealID][lineItemID] {
		return failure.New(failure.KindConflict, "crm.associate", "already associated")
	}
	f.associations[dealID][lineItemID] = true
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
	f.createdDeals = append(f.createdDeals, deal)
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
	f.amounts[dealID] = amount
	return nil
}

func (f *fakeCRM) associated(dealID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.associations[dealID])
}
