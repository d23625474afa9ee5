package domain

import "context"

// CRM is the subset of the CRM API that materialization needs.
// Search methods return an empty id when nothing matches.
type CRM interface {
	SearchLineItemByFingerprint(ctx context.Context, fingerprint string) (string, error)
	CreateLineItem(ctx context.Context, item LineItem) (string, error)
	// AssociateLineItem reports an existing association as a conflict failure.
	AssociateLineItem(ctx context.Context, dealID, lineItemID string) error
	SearchDealByRenewalKey(ctx context.Context, renewalKey string) (string, error)
	CreateDeal(ctx context.Context, deal Deal) (string, error)
	DealExists(ctx context.Context, dealID string) (bool, error)
	UpdateDealAmount(ctx context.Context, dealID string, amount float64) error
}
