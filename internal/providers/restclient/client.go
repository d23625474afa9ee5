// Package restclient is the JSON-over-HTTP transport shared by the billing and CRM clients.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/renewals/internal/failure"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	"github.com/smallbiznis/renewals/pkg/telemetry/correlation"
)

const maxErrorBody = 512

// Waiter is satisfied by ratelimit.Limiter.
type Waiter interface {
	Wait(ctx context.Context) error
}

type Options struct {
	Provider string
	BaseURL  string
	HTTP     *http.Client
	Limiter  Waiter
	Metrics  *obsmetrics.Metrics
	// Header is applied to every request, e.g. a static bearer token.
	Header http.Header
}

type Client struct {
	provider string
	baseURL  string
	http     *http.Client
	limiter  Waiter
	metrics  *obsmetrics.Metrics
	header   http.Header
}

func New(opts Options) *Client {
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		provider: opts.Provider,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     httpClient,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		header:   opts.Header,
	}
}

// Do sends body as JSON and decodes a 2xx response into out when out is non-nil.
// Non-2xx responses and network failures come back as *failure.Error.
func (c *Client) Do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	start := time.Now()
	err := c.do(ctx, op, method, path, query, body, out)
	c.metrics.RecordProviderCall(ctx, c.provider, op, outcome(err), time.Since(start))
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return failure.Wrap(failure.KindTransport, op, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return failure.Wrap(failure.KindInvariant, op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return failure.Wrap(failure.KindInvariant, op, err)
	}
	for key, values := range c.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	correlation.SetHeader(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return failure.Wrap(failure.KindTransport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return failure.FromStatus(op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return failure.Wrap(failure.KindValidation, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(failure.KindOf(err))
}
