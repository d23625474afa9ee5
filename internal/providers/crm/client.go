// Package crm is the CRM REST client used to search, create and associate
// renewal deals and line items.
package crm

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/renewals/internal/config"
	"github.com/smallbiznis/renewals/internal/failure"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	"github.com/smallbiznis/renewals/internal/observability/tracing"
	"github.com/smallbiznis/renewals/internal/providers/restclient"
	"github.com/smallbiznis/renewals/internal/ratelimit"
)

const (
	providerName = "crm"

	propFingerprint    = "renewal_fingerprint"
	propRenewalKey     = "renewal_key"
	propSubscriptionID = "renewal_subscription_id"
	propTermEndDate    = "renewal_term_end_date"
	propChargeID       = "renewal_charge_id"
	propAccountID      = "renewal_account_id"
	propSourceDealID   = "renewal_source_deal_id"
)

var ErrNotConfigured = errors.New("crm_not_configured")

type Client struct {
	rest *restclient.Client
}

func NewClient(cfg config.Config, limiter ratelimit.Limiter, m *obsmetrics.Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.CRM.BaseURL) == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.CRM.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	header := http.Header{}
	if token := strings.TrimSpace(cfg.CRM.AccessToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &Client{
		rest: restclient.New(restclient.Options{
			Provider: providerName,
			BaseURL:  cfg.CRM.BaseURL,
			HTTP:     tracing.WrapHTTPClient(&http.Client{Timeout: timeout}, providerName),
			Limiter:  limiter,
			Metrics:  m,
			Header:   header,
		}),
	}, nil
}

type object struct {
	ID string `json:"id"`
}

type searchFilter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchFilterGroup struct {
	Filters []searchFilter `json:"filters"`
}

type searchRequest struct {
	FilterGroups []searchFilterGroup `json:"filterGroups"`
	Properties   []string            `json:"properties,omitempty"`
	Limit        int                 `json:"limit"`
}

type searchResponse struct {
	Total   int      `json:"total"`
	Results []object `json:"results"`
}

type propertiesRequest struct {
	Properties map[string]string `json:"properties"`
}

// searchOne returns the first object whose property equals value, or "".
func (c *Client) searchOne(ctx context.Context, op, objectType, property, value string) (string, error) {
	req := searchRequest{
		FilterGroups: []searchFilterGroup{{Filters: []searchFilter{{
			PropertyName: property,
			Operator:     "EQ",
			Value:        value,
		}}}},
		Properties: []string{property},
		Limit:      1,
	}
	var resp searchResponse
	if err := c.rest.Do(ctx, op, http.MethodPost, "/crm/v3/objects/"+objectType+"/search", nil, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Results[0].ID), nil
}

func (c *Client) create(ctx context.Context, op, objectType string, props map[string]string) (string, error) {
	var created object
	if err := c.rest.Do(ctx, op, http.MethodPost, "/crm/v3/objects/"+objectType, nil, propertiesRequest{Properties: props}, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.ID) == "" {
		return "", failure.New(failure.KindValidation, op, "create response has no id")
	}
	return strings.TrimSpace(created.ID), nil
}

func (c *Client) SearchLineItemByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	return c.searchOne(ctx, "crm.search_line_item", "line_items", propFingerprint, fingerprint)
}

func (c *Client) CreateLineItem(ctx context.Context, item materializedomain.LineItem) (string, error) {
	props := map[string]string{
		"name":                      item.Name,
		"price":                     formatDecimal(item.Price),
		"quantity":                  formatDecimal(item.Quantity),
		"recurringbillingfrequency": item.BillingFrequency,
		propFingerprint:             item.Fingerprint,
		propSubscriptionID:          item.SubscriptionID,
		propTermEndDate:             item.TermEndDate,
		propChargeID:                item.ChargeID,
	}
	if item.ProductCode != "" {
		props["hs_sku"] = item.ProductCode
	}
	if item.Currency != "" {
		props["hs_line_item_currency_code"] = item.Currency
	}
	return c.create(ctx, "crm.create_line_item", "line_items", props)
}

func (c *Client) AssociateLineItem(ctx context.Context, dealID, lineItemID string) error {
	path := "/crm/v4/objects/deals/" + url.PathEscape(dealID) + "/associations/default/line_items/" + url.PathEscape(lineItemID)
	return c.rest.Do(ctx, "crm.associate_line_item", http.MethodPut, path, nil, nil, nil)
}

func (c *Client) SearchDealByRenewalKey(ctx context.Context, renewalKey string) (string, error) {
	return c.searchOne(ctx, "crm.search_deal", "deals", propRenewalKey, renewalKey)
}

func (c *Client) CreateDeal(ctx context.Context, deal materializedomain.Deal) (string, error) {
	props := map[string]string{
		"dealname":         deal.Name,
		"pipeline":         deal.Pipeline,
		"dealstage":        deal.Stage,
		"closedate":        deal.CloseDate,
		propRenewalKey:     deal.RenewalKey,
		propSubscriptionID: deal.SubscriptionID,
	}
	if deal.AccountID != "" {
		props[propAccountID] = deal.AccountID
	}
	if deal.SourceDealID != "" {
		props[propSourceDealID] = deal.SourceDealID
	}
	return c.create(ctx, "crm.create_deal", "deals", props)
}

func (c *Client) DealExists(ctx context.Context, dealID string) (bool, error) {
	var found object
	err := c.rest.Do(ctx, "crm.get_deal", http.MethodGet, "/crm/v3/objects/deals/"+url.PathEscape(dealID), nil, nil, &found)
	if err != nil {
		if failure.KindOf(err) == failure.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) UpdateDealAmount(ctx context.Context, dealID string, amount float64) error {
	body := propertiesRequest{Properties: map[string]string{"amount": strconv.FormatFloat(amount, 'f', 2, 64)}}
	return c.rest.Do(ctx, "crm.update_deal_amount", http.MethodPatch, "/crm/v3/objects/deals/"+url.PathEscape(dealID), nil, body, nil)
}

func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
