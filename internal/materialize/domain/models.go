package domain

import (
	"math"

	"github.com/smallbiznis/renewals/internal/failure"
)

// LineItem is the CRM artifact created for one eligible charge.
type LineItem struct {
	Fingerprint      string
	SubscriptionID   string
	TermEndDate      string
	ChargeID         string
	ChargeNumber     string
	Name             string
	ProductCode      string
	BillingFrequency string
	Currency         string
	Price            float64
	Quantity         float64
}

// AmountMinor is price times quantity in minor currency units.
func (l LineItem) AmountMinor() int64 {
	return int64(math.Round(l.Price * l.Quantity * 100))
}

// Deal is the forecast deal created once per ledger entry.
type Deal struct {
	Name           string
	Pipeline       string
	Stage          string
	RenewalKey     string
	CloseDate      string
	SubscriptionID string
	AccountID      string
	SourceDealID   string
}

// ChargeError records why one charge produced no artifact.
type ChargeError struct {
	ChargeID    string       `json:"charge_id,omitempty"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Kind        failure.Kind `json:"kind"`
	Message     string       `json:"message"`
}

// Result aggregates one materialize call. Totals are exact; ArtifactIDs and
// ErrorSamples are capped.
type Result struct {
	EligibleCount       int           `json:"eligible_count"`
	CreatedCount        int           `json:"created_count"`
	DedupedCount        int           `json:"deduped_count"`
	ErrorCount          int           `json:"error_count"`
	TransientErrorCount int           `json:"transient_error_count"`
	AmountMinor         int64         `json:"amount_minor"`
	ArtifactIDs         []string      `json:"artifact_ids"`
	ErrorSamples        []ChargeError `json:"error_samples,omitempty"`
}

// ArtifactCount is the number of charges that ended with an associated line item.
func (r Result) ArtifactCount() int {
	return r.CreatedCount + r.DedupedCount
}

// Metadata is the ledger metadata patch recorded for this result.
func (r Result) Metadata() map[string]any {
	samples := make([]any, 0, len(r.ErrorSamples))
	for _, sample := range r.ErrorSamples {
		samples = append(samples, map[string]any{
			"charge_id":   sample.ChargeID,
			"fingerprint": sample.Fingerprint,
			"kind":        string(sample.Kind),
			"message":     sample.Message,
		})
	}
	ids := make([]any, 0, len(r.ArtifactIDs))
	for _, id := range r.ArtifactIDs {
		ids = append(ids, id)
	}
	return map[string]any{
		"line_items_eligible":     r.EligibleCount,
		"line_items_created":      r.CreatedCount,
		"line_items_deduped":      r.DedupedCount,
		"line_item_errors":        r.ErrorCount,
		"line_item_ids":           ids,
		"line_item_error_samples": samples,
		"amount_minor":            r.AmountMinor,
	}
}
