// Package ratelimit implements a sliding-window request counter over a
// Redis sorted set, grounded on core/middleware/rate_limit.py. It is
// kept intentionally minimal, a single Allow call, no middleware
// chain, since a full configurable rate-limiting layer isn't needed
// here, but the sliding-window algorithm itself is carried forward
// because the gateway's HTTP layer depends on it.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/relaysms/gateway/internal/hotstore"
)

const window = 60 * time.Second

// DefaultUnauthenticatedLimit is the per-minute limit httpapi applies
// to an authenticated tenant whose account has no configured limit.
// Requests that fail authentication are rejected before any rate
// limiting is applied.
const DefaultUnauthenticatedLimit = 20

// Limiter enforces a per-identity sliding window over the trailing
// minute.
type Limiter struct {
	hot *hotstore.Store
}

// New constructs a Limiter.
func New(hot *hotstore.Store) *Limiter {
	return &Limiter{hot: hot}
}

// Allow reports whether identity may make another request given limit
// requests per rolling 60s window. It evicts entries older than the
// window, counts what remains, and only if under the limit records
// this request, so a caller right at the boundary is never
// undercounted by their own attempt.
func (l *Limiter) Allow(ctx context.Context, identity string, limit int) (bool, error) {
	key := "ratelimit:sliding:" + identity
	now := time.Now()
	cutoff := now.Add(-window)

	if err := l.hot.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10)); err != nil {
		return false, fmt.Errorf("ratelimit: evict expired: %w", err)
	}

	count, err := l.hot.ZCard(ctx, key)
	if err != nil {
		return false, fmt.Errorf("ratelimit: count window: %w", err)
	}
	if count >= int64(limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	if err := l.hot.ZAddNow(ctx, key, float64(now.UnixNano()), member); err != nil {
		return false, fmt.Errorf("ratelimit: record request: %w", err)
	}
	if err := l.hot.Expire(ctx, key, window); err != nil {
		return false, fmt.Errorf("ratelimit: refresh ttl: %w", err)
	}
	return true, nil
}
