package ratelimit

import (
	"context"
	"time"

	"github.com/smallbiznis/renewals/internal/config"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BackendRedis = "redis"
	BackendLocal = "local"

	crmBucketKey = "renewals:ratelimit:crm"
)

// Limiter blocks until one outbound call may proceed or ctx is done.
type Limiter interface {
	Wait(ctx context.Context) error
}

type allower interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (Result, error)
}

// DistributedLimiter shares the CRM quota across processes. When redis is unreachable
// it degrades to the in-process limiter rather than failing the call.
type DistributedLimiter struct {
	bucket   allower
	key      string
	rate     float64
	burst    int
	fallback *LocalLimiter
	metrics  *obsmetrics.Metrics
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func (l *DistributedLimiter) Wait(ctx context.Context) error {
	for {
		res, err := l.bucket.Allow(ctx, l.key, l.rate, l.burst)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			l.log.Warn("ratelimit.redis_unavailable", zap.Error(err))
			l.metrics.RecordRateLimitWait(ctx, BackendRedis, "fallback")
			return l.fallback.Wait(ctx)
		}
		if res.Allowed {
			return nil
		}
		l.metrics.RecordRateLimitWait(ctx, BackendRedis, "throttled")
		if err := l.sleep(ctx, max(res.RetryAfter, 10*time.Millisecond)); err != nil {
			return err
		}
	}
}

// LocalLimiter limits calls made by this process only.
type LocalLimiter struct {
	limiter *rate.Limiter
	metrics *obsmetrics.Metrics
}

func NewLocalLimiter(perSecond float64, burst int, m *obsmetrics.Metrics) *LocalLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), metrics: m}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	if !l.limiter.Allow() {
		l.metrics.RecordRateLimitWait(ctx, BackendLocal, "throttled")
		return l.limiter.Wait(ctx)
	}
	return nil
}

// NewCRMLimiter uses the redis token bucket when a bucket is configured and the
// in-process limiter otherwise.
func NewCRMLimiter(cfg config.Config, bucket *TokenBucket, m *obsmetrics.Metrics, log *zap.Logger) Limiter {
	local := NewLocalLimiter(cfg.RateLimit.CRMRate, cfg.RateLimit.CRMBurst, m)
	if bucket == nil {
		return local
	}
	return newDistributedLimiter(bucket, cfg.RateLimit.CRMRate, cfg.RateLimit.CRMBurst, local, m, log)
}

func newDistributedLimiter(bucket allower, perSecond float64, burst int, fallback *LocalLimiter, m *obsmetrics.Metrics, log *zap.Logger) *DistributedLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &DistributedLimiter{
		bucket:   bucket,
		key:      crmBucketKey,
		rate:     perSecond,
		burst:    burst,
		fallback: fallback,
		metrics:  m,
		log:      log.Named("ratelimit"),
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
