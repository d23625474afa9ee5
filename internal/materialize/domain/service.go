package domain

import (
	"context"
	"errors"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
)

type Service interface {
	// EligibleCharges decodes the snapshot and keeps recurring, non-cancelled charges.
	EligibleCharges(record snapshotdomain.Record) ([]snapshotdomain.Charge, error)
	// VerifySourceDeal checks that the originating CRM deal still exists, when one is set.
	VerifySourceDeal(ctx context.Context, entry ledgerdomain.Entry) error
	// EnsureDeal returns the entry's forecast deal, reusing one tagged with the renewal key.
	EnsureDeal(ctx context.Context, entry ledgerdomain.Entry) (dealID string, reused bool, err error)
	Materialize(ctx context.Context, entry ledgerdomain.Entry, record snapshotdomain.Record, dealID string) (Result, error)
	UpdateDealAmount(ctx context.Context, dealID string, amountMinor int64) error
}

var (
	ErrMissingChargeID       = errors.New("missing_charge_id")
	ErrMissingPrice          = errors.New("missing_price")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrUnmappedBillingPeriod = errors.New("unmapped_billing_period")
	ErrMissingDealID         = errors.New("missing_deal_id")
	ErrSourceDealNotFound    = errors.New("source_deal_not_found")
)
