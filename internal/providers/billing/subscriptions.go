package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
)

type wireSubscription struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	TermEndDate  string `json:"termEndDate"`
	OrderID      string `json:"orderId"`
	AccountID    string `json:"accountId"`
	SourceDealID string `json:"dealId"`
}

func (c *Client) ListSubscriptions(ctx context.Context, termEndFrom, termEndTo time.Time, page int) (plannerdomain.SubscriptionPage, error) {
	if page < 1 {
		page = 1
	}
	query := url.Values{}
	query.Set("termEndFrom", termEndFrom.UTC().Format(ledgerdomain.DateLayout))
	query.Set("termEndTo", termEndTo.UTC().Format(ledgerdomain.DateLayout))
	query.Set("page", strconv.Itoa(page))
	query.Set("pageSize", strconv.Itoa(c.pageSize))

	var raw json.RawMessage
	if err := c.rest.Do(ctx, "billing.list_subscriptions", http.MethodGet, "/subscriptions", query, nil, &raw); err != nil {
		if page > 1 && failure.KindOf(err) == failure.KindNotFound {
			return plannerdomain.SubscriptionPage{}, nil
		}
		return plannerdomain.SubscriptionPage{}, err
	}

	items, err := normalizeList(raw)
	if err != nil {
		return plannerdomain.SubscriptionPage{}, failure.Wrap(failure.KindValidation, "billing.list_subscriptions", err)
	}

	out := plannerdomain.SubscriptionPage{
		Subscriptions: make([]plannerdomain.Subscription, 0, len(items)),
		HasMore:       len(items) >= c.pageSize,
	}
	for _, item := range items {
		var wire wireSubscription
		if err := json.Unmarshal(item, &wire); err != nil {
			return plannerdomain.SubscriptionPage{}, failure.Wrap(failure.KindValidation, "billing.list_subscriptions", fmt.Errorf("decode subscription: %w", err))
		}
		// A zero term end is skipped by the planner.
		termEnd, _ := parseDate(wire.TermEndDate)
		out.Subscriptions = append(out.Subscriptions, plannerdomain.Subscription{
			ID:           strings.TrimSpace(wire.ID),
			Status:       strings.TrimSpace(wire.Status),
			TermEndDate:  termEnd,
			OrderID:      strings.TrimSpace(wire.OrderID),
			AccountID:    strings.TrimSpace(wire.AccountID),
			SourceDealID: strings.TrimSpace(wire.SourceDealID),
		})
	}
	return out, nil
}

// parseDate accepts a calendar date or an RFC3339 timestamp and keeps the UTC date.
func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(ledgerdomain.DateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}
