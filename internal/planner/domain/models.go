package domain

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
)

// Subscription is one billing-source subscription whose current term ends in the scan window.
type Subscription struct {
	ID           string
	Status       string
	TermEndDate  time.Time
	OrderID      string
	AccountID    string
	SourceDealID string
}

// SubscriptionPage is one page of a term-end window scan.
type SubscriptionPage struct {
	Subscriptions []Subscription
	HasMore       bool
}

// SubscriptionSource lists subscriptions by term end date, one page at a time (1-based).
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context, termEndFrom, termEndTo time.Time, page int) (SubscriptionPage, error)
}

// PlanRequest plans one key when SubscriptionID and TermEndDate are set, and
// scans the billing source otherwise.
type PlanRequest struct {
	SubscriptionID string
	TermEndDate    string
	SourceDealID   string
	HorizonDays    int
}

func (r PlanRequest) IsManual() bool {
	return r.SubscriptionID != "" || r.TermEndDate != ""
}

// PlannedKey reports the outcome for one key.
type PlannedKey struct {
	Key     ledgerdomain.Key         `json:"key"`
	Outcome ledgerdomain.PlanOutcome `json:"outcome"`
}

type Result struct {
	Planned []PlannedKey `json:"planned"`
	// Skipped counts subscriptions that were not active or had unusable data.
	Skipped int `json:"skipped"`
	Pages   int `json:"pages"`
}

type Service interface {
	Plan(ctx context.Context, req PlanRequest) (Result, error)
}

var (
	ErrInvalidPlanRequest = errors.New("invalid_plan_request")
	ErrTooManyPages       = errors.New("too_many_subscription_pages")
)
