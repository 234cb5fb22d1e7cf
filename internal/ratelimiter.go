package internal

import (
	"context"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
)

const (
	limiterCleanupInterval = time.Minute
	limiterIdleTimeout     = 5 * time.Minute
)

// NewStandaloneLimiter builds the in-process token bucket limiter shared by the
// websocket server and the HTTP middleware. Idle keys are dropped after five
// minutes.
func NewStandaloneLimiter(logger clog.Logger) (ratelimit.Limiter, error) {
	if logger == nil {
		logger = clog.Discard()
	}
	return ratelimit.New(&ratelimit.Config{
		Driver: ratelimit.DriverStandalone,
		Standalone: &ratelimit.StandaloneConfig{
			CleanupInterval: limiterCleanupInterval,
			IdleTimeout:     limiterIdleTimeout,
		},
	}, ratelimit.WithLogger(logger))
}

// windowLimit turns "count hits per window" into a token bucket that allows a
// burst of count and refills it over window.
func windowLimit(count int, window time.Duration) ratelimit.Limit {
	if count <= 0 || window <= 0 {
		return ratelimit.Limit{}
	}
	return ratelimit.Limit{
		Rate:  float64(count) / window.Seconds(),
		Burst: count,
	}
}

// keyedLimiter applies one limit to every key under a prefix. A zero limit
// disables it; limiter errors let the hit through.
type keyedLimiter struct {
	limiter ratelimit.Limiter
	limit   ratelimit.Limit
	prefix  string
	logger  clog.Logger
}

func newKeyedLimiter(limiter ratelimit.Limiter, prefix string, limit ratelimit.Limit, logger clog.Logger) *keyedLimiter {
	return &keyedLimiter{limiter: limiter, limit: limit, prefix: prefix, logger: logger}
}

func (k *keyedLimiter) Allow(ctx context.Context, key string) bool {
	if k == nil || k.limiter == nil || k.limit.Rate <= 0 || k.limit.Burst <= 0 {
		return true
	}
	allowed, err := k.limiter.Allow(ctx, k.prefix+key, k.limit)
	if err != nil {
		k.logger.Error("ratelimit check failed",
			clog.String("key", k.prefix+key),
			clog.Error(err))
		return true
	}
	return allowed
}
