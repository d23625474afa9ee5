package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/smallbiznis/renewals/internal/failure"
	"github.com/smallbiznis/renewals/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWaiter struct {
	calls int
	err   error
}

func (w *countingWaiter) Wait(context.Context) error {
	w.calls++
	return w.err
}

func TestDoSendsJSONAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/things", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "cid-1", r.Header.Get(correlation.Header))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "v", body["k"])
		_, _ = w.Write([]byte(`{"id":"42"}`))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	client := New(Options{
		Provider: "test",
		BaseURL:  srv.URL + "/",
		HTTP:     srv.Client(),
		Limiter:  waiter,
		Header:   http.Header{"Authorization": []string{"Bearer abc"}},
	})

	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-1")
	var out struct {
		ID string `json:"id"`
	}
	err := client.Do(ctx, "test.create", http.MethodPost, "/things", url.Values{"page": []string{"2"}}, map[string]string{"k": "v"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out.ID)
	assert.Equal(t, 1, waiter.calls)
}

func TestDoClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   failure.Kind
	}{
		{http.StatusServiceUnavailable, failure.KindTransport},
		{http.StatusTooManyRequests, failure.KindTransport},
		{http.StatusNotFound, failure.KindNotFound},
		{http.StatusConflict, failure.KindConflict},
		{http.StatusBadRequest, failure.KindValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("nope"))
		}))
		client := New(Options{Provider: "test", BaseURL: srv.URL, HTTP: srv.Client()})

		err := client.Do(context.Background(), "test.get", http.MethodGet, "/x", nil, nil, nil)
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, tc.kind, failure.KindOf(err), "status %d", tc.status)
		assert.Equal(t, tc.status, failure.StatusCodeOf(err))
	}
}

func TestDoNetworkErrorIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	err := New(Options{Provider: "test", BaseURL: base}).Do(context.Background(), "test.get", http.MethodGet, "/", nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, failure.KindTransport, failure.KindOf(err))
}

func TestDoLimiterFailureIsTransport(t *testing.T) {
	client := New(Options{Provider: "test", BaseURL: "http://127.0.0.1:1", Limiter: &countingWaiter{err: context.DeadlineExceeded}})

	err := client.Do(context.Background(), "test.get", http.MethodGet, "/", nil, nil, nil)
	assert.Equal(t, failure.KindTransport, failure.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDoMalformedJSONIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":`))
	}))
	defer srv.Close()

	var out map[string]any
	err := New(Options{Provider: "test", BaseURL: srv.URL, HTTP: srv.Client()}).Do(context.Background(), "test.get", http.MethodGet, "/", nil, nil, &out)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}
