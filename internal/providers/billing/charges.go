package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/smallbiznis/renewals/internal/failure"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/zap"
)

type wireCharge struct {
	ID            string      `json:"id"`
	ChargeID      string      `json:"chargeId"`
	OrderChargeID string      `json:"orderChargeId"`
	ChargeNumber  string      `json:"chargeNumber"`
	Name          string      `json:"name"`
	ProductName   string      `json:"productName"`
	ProductCode   string      `json:"productCode"`
	SKU           string      `json:"sku"`
	ChargeType    string      `json:"chargeType"`
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	BillingPeriod string      `json:"billingPeriod"`
	Currency      string      `json:"currency"`
	Price         flexibleNum `json:"price"`
	ListPrice     flexibleNum `json:"listPrice"`
	Quantity      flexibleNum `json:"quantity"`
}

func (w wireCharge) toCharge() snapshotdomain.Charge {
	price := w.Price.ptr()
	if price == nil {
		price = w.ListPrice.ptr()
	}
	return snapshotdomain.Charge{
		ChargeID:      first(w.ChargeID, w.ID),
		OrderChargeID: strings.TrimSpace(w.OrderChargeID),
		ChargeNumber:  strings.TrimSpace(w.ChargeNumber),
		Name:          first(w.Name, w.ProductName),
		ProductCode:   first(w.ProductCode, w.SKU),
		ChargeType:    first(w.ChargeType, w.Type),
		Status:        strings.TrimSpace(w.Status),
		BillingPeriod: strings.TrimSpace(w.BillingPeriod),
		Currency:      strings.TrimSpace(w.Currency),
		Price:         price,
		Quantity:      w.Quantity.ptr(),
	}
}

// FetchCharges reads every charge page for orderID. A 404 past the first page
// and an empty page both end the scan.
func (c *Client) FetchCharges(ctx context.Context, orderID string) ([]snapshotdomain.Charge, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, failure.New(failure.KindValidation, "billing.fetch_charges", "order id is required")
	}

	charges := []snapshotdomain.Charge{}
	path := "/orders/" + url.PathEscape(orderID) + "/charges"
	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("pageSize", strconv.Itoa(c.pageSize))

		var raw json.RawMessage
		err := c.rest.Do(ctx, "billing.fetch_charges", http.MethodGet, path, query, nil, &raw)
		if err != nil {
			if page > 1 && failure.KindOf(err) == failure.KindNotFound {
				break
			}
			return nil, err
		}

		items, err := normalizeList(raw)
		if err != nil {
			return nil, failure.Wrap(failure.KindValidation, "billing.fetch_charges", err)
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			var wire wireCharge
			if err := json.Unmarshal(item, &wire); err != nil {
				return nil, failure.Wrap(failure.KindValidation, "billing.fetch_charges", fmt.Errorf("decode charge: %w", err))
			}
			charges = append(charges, wire.toCharge())
		}
		if len(items) < c.pageSize {
			break
		}
	}

	c.log.Debug("billing.charges_fetched", zap.String("order_id", orderID), zap.Int("count", len(charges)))
	return charges, nil
}

func first(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
