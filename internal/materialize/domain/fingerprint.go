package domain

import (
	"strings"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
)

// Fingerprint is the dedup key of a charge's CRM line item:
// subscriptionId:termEndDate:chargeId, suffixed with :orderChargeId when present.
func Fingerprint(key ledgerdomain.Key, charge snapshotdomain.Charge) (string, error) {
	chargeID := strings.TrimSpace(charge.ChargeID)
	if chargeID == "" {
		return "", ErrMissingChargeID
	}
	if err := key.Validate(); err != nil {
		return "", err
	}

	parts := []string{key.SubscriptionID, key.TermEndDate, chargeID}
	if orderChargeID := strings.TrimSpace(charge.OrderChargeID); orderChargeID != "" {
		parts = append(parts, orderChargeID)
	}
	return strings.Join(parts, ":"), nil
}
