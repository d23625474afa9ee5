package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/smallbiznis/renewals/internal/config"
	"github.com/smallbiznis/renewals/internal/failure"
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	"github.com/smallbiznis/renewals/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCRMServer keeps line items and deals in memory and speaks the subset of the
// CRM object API the client uses.
type fakeCRMServer struct {
	mu           sync.Mutex
	objects      map[string]map[string]map[string]string // type -> id -> props
	associations map[string]bool
	seq          int
	lastAuth     string
}

func newFakeCRMServer() *fakeCRMServer {
	return &fakeCRMServer{
		objects:      map[string]map[string]map[string]string{"deals": {}, "line_items": {}},
		associations: map[string]bool{},
	}
}

func (f *fakeCRMServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.Header.Get("Authorization")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /crm/v3/objects/{type}/search", func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		filter := req.FilterGroups[0].Filters[0]
		results := []object{}
		for id, props := range f.objects[r.PathValue("type")] {
			if props[filter.PropertyName] == filter.Value {
				results = append(results, object{ID: id})
			}
		}
		_ = json.NewEncoder(w).Encode(searchResponse{Total: len(results), Results: results})
	})
	mux.HandleFunc("POST /crm/v3/objects/{type}", func(w http.ResponseWriter, r *http.Request) {
		var req propertiesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.seq++
		id := r.PathValue("type") + "-" + strconv.Itoa(f.seq)
		f.objects[r.PathValue("type")][id] = req.Properties
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(object{ID: id})
	})
	mux.HandleFunc("GET /crm/v3/objects/deals/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.objects["deals"][r.PathValue("id")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(object{ID: r.PathValue("id")})
	})
	mux.HandleFunc("PATCH /crm/v3/objects/deals/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req propertiesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		deal, ok := f.objects["deals"][r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for k, v := range req.Properties {
			deal[k] = v
		}
		_ = json.NewEncoder(w).Encode(object{ID: r.PathValue("id")})
	})
	mux.HandleFunc("PUT /crm/v4/objects/deals/{deal}/associations/default/line_items/{item}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("deal") + "/" + r.PathValue("item")
		if f.associations[key] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.associations[key] = true
		w.WriteHeader(http.StatusNoContent)
	})
	mux.ServeHTTP(w, r)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := config.Config{CRM: config.CRMConfig{BaseURL: srv.URL, AccessToken: "crm-token"}}
	client, err := NewClient(cfg, ratelimit.NewLocalLimiter(1000, 100, nil), nil)
	require.NoError(t, err)
	return client
}

func TestLineItemSearchCreateAssociate(t *testing.T) {
	fake := newFakeCRMServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := newTestClient(t, srv)
	ctx := context.Background()

	id, err := client.SearchLineItemByFingerprint(ctx, "sub-1:2025-06-30:c1")
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = client.CreateLineItem(ctx, materializedomain.LineItem{
		Fingerprint:      "sub-1:2025-06-30:c1",
		SubscriptionID:   "sub-1",
		TermEndDate:      "2025-06-30",
		ChargeID:         "c1",
		Name:             "Seats",
		BillingFrequency: "annually",
		Currency:         "USD",
		Price:            19.5,
		Quantity:         3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, "Bearer crm-token", fake.lastAuth)
	props := fake.objects["line_items"][id]
	assert.Equal(t, "19.5", props["price"])
	assert.Equal(t, "3", props["quantity"])
	assert.Equal(t, "annually", props["recurringbillingfrequency"])

	found, err := client.SearchLineItemByFingerprint(ctx, "sub-1:2025-06-30:c1")
	require.NoError(t, err)
	assert.Equal(t, id, found)

	require.NoError(t, client.AssociateLineItem(ctx, "deal-1", id))
	err = client.AssociateLineItem(ctx, "deal-1", id)
	require.Error(t, err)
	assert.Equal(t, failure.KindConflict, failure.KindOf(err))
}

func TestDealLifecycle(t *testing.T) {
	fake := newFakeCRMServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := newTestClient(t, srv)
	ctx := context.Background()

	exists, err := client.DealExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	dealID, err := client.CreateDeal(ctx, materializedomain.Deal{
		Name:           "Renewal sub-1 2025-06-30",
		Pipeline:       "renewals",
		Stage:          "forecast",
		RenewalKey:     "sub-1:2025-06-30",
		CloseDate:      "2025-06-30",
		SubscriptionID: "sub-1",
	})
	require.NoError(t, err)

	found, err := client.SearchDealByRenewalKey(ctx, "sub-1:2025-06-30")
	require.NoError(t, err)
	assert.Equal(t, dealID, found)

	exists, err = client.DealExists(ctx, dealID)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.UpdateDealAmount(ctx, dealID, 150.5))
	assert.Equal(t, "150.50", fake.objects["deals"][dealID]["amount"])
}

func TestServerErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).SearchDealByRenewalKey(context.Background(), "sub-1:2025-06-30")
	require.Error(t, err)
	assert.True(t, failure.IsRetryable(err))
}
