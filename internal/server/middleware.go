package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/renewals/internal/audit/domain"
	obscontext "github.com/smallbiznis/renewals/internal/observability/context"
	"github.com/smallbiznis/renewals/pkg/telemetry/correlation"
)

const HeaderSecret = "X-Renewal-Secret"

// SharedSecretRequired rejects every request when no secret is configured.
func SharedSecretRequired(secret string) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(secret))
	return func(c *gin.Context) {
		provided := []byte(strings.TrimSpace(c.GetHeader(HeaderSecret)))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeAPI), "shared_secret")
		ctx = correlation.ContextWithCorrelationID(ctx, c.GetHeader(correlation.Header))
		ctx, cid := correlation.EnsureCorrelationID(ctx)
		c.Header(correlation.Header, cid)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
