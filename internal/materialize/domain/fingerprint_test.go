package domain

import (
	"testing"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint(t *testing.T) {
	key := ledgerdomain.Key{SubscriptionID: "sub-1", TermEndDate: "2025-06-30"}

	fp, err := Fingerprint(key, snapshotdomain.Charge{ChargeID: " c1 "})
	require.NoError(t, err)
	assert.Equal(t, "sub-1:2025-06-30:c1", fp)

	fp, err = Fingerprint(key, snapshotdomain.Charge{ChargeID: "c1", OrderChargeID: "oc-7"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1:2025-06-30:c1:oc-7", fp)

	_, err = Fingerprint(key, snapshotdomain.Charge{ChargeID: "  "})
	assert.ErrorIs(t, err, ErrMissingChargeID)

	_, err = Fingerprint(ledgerdomain.Key{SubscriptionID: "sub-1", TermEndDate: "06/30/2025"}, snapshotdomain.Charge{ChargeID: "c1"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidKey)
}

func TestLineItemAmountMinorRounds(t *testing.T) {
	item := LineItem{Price: 19.99, Quantity: 3}
	assert.Equal(t, int64(5997), item.AmountMinor())
}
