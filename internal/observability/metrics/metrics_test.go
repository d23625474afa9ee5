package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "crm"),
		attribute.String("subscription_id", "sub-1"),
		attribute.String("outcome", "ok"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "subscription_id" {
			t.Fatalf("expected subscription_id to be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordProviderCall(context.Background(), "crm", "create_deal", "ok", time.Millisecond)
	m.RecordRateLimitWait(context.Background(), "redis", "throttled")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "renewals"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordProviderCall(context.Background(), "billing", "fetch_charges", "transport", 20*time.Millisecond)
}
