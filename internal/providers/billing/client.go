// Package billing is the billing-source REST client: charges for snapshots and
// subscriptions for planning.
package billing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/renewals/internal/config"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	"github.com/smallbiznis/renewals/internal/observability/tracing"
	"github.com/smallbiznis/renewals/internal/providers/restclient"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	providerName = "billing"
	// maxPages bounds a paged read against a source that never reports an empty page.
	maxPages = 500
)

var ErrNotConfigured = errors.New("billing_source_not_configured")

type Client struct {
	rest     *restclient.Client
	pageSize int
	log      *zap.Logger
}

// NewClient authenticates with OAuth2 client credentials when a token URL is configured.
func NewClient(cfg config.Config, m *obsmetrics.Metrics, log *zap.Logger) (*Client, error) {
	src := cfg.Billing
	if strings.TrimSpace(src.BaseURL) == "" {
		return nil, ErrNotConfigured
	}
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	base := tracing.WrapHTTPClient(&http.Client{Timeout: timeout}, providerName)
	httpClient := base
	if src.TokenURL != "" {
		creds := clientcredentials.Config{
			ClientID:     src.ClientID,
			ClientSecret: src.ClientSecret,
			TokenURL:     src.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		// The token source uses the traced client for token fetches too.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = creds.Client(tokenCtx)
		httpClient.Timeout = timeout
	}

	pageSize := src.PageSize
	if pageSize <= 0 {
		pageSize = 40
	}
	return &Client{
		rest: restclient.New(restclient.Options{
			Provider: providerName,
			BaseURL:  src.BaseURL,
			HTTP:     httpClient,
			Metrics:  m,
		}),
		pageSize: pageSize,
		log:      log.Named("billing.client"),
	}, nil
}
