// Package breaker implements a per-service circuit breaker directly
// over hot-store primitives, rather than a standalone breaker library:
// no complete example repo in this project's corpus reaches for one,
// and the original implementation (core/utils.py::CircuitBreaker) does
// the same thing with raw Redis INCR/EXPIRE/EXISTS/SETEX calls this
// package mirrors one for one.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/relaysms/gateway/internal/hotstore"
)

// Breaker gates calls to a single downstream service (identified by
// name) behind a failure-count threshold.
type Breaker struct {
	hot       *hotstore.Store
	service   string
	threshold int64
	recovery  time.Duration
}

// New constructs a Breaker for a named service. threshold is the
// number of failures within twice the recovery window that trips the
// breaker open; recovery is both the open-flag TTL and half of the
// failure-counter TTL, matching the original's
// `timeout * 2` counter expiry.
func New(hot *hotstore.Store, service string, threshold int64, recovery time.Duration) *Breaker {
	return &Breaker{hot: hot, service: service, threshold: threshold, recovery: recovery}
}

func (b *Breaker) failuresKey() string { return fmt.Sprintf("circuit_breaker:%s:failures", b.service) }
func (b *Breaker) openKey() string     { return fmt.Sprintf("circuit_breaker:%s:open", b.service) }

// IsOpen reports whether the breaker is currently tripped.
func (b *Breaker) IsOpen(ctx context.Context) (bool, error) {
	open, err := b.hot.Exists(ctx, b.openKey())
	if err != nil {
		return false, fmt.Errorf("breaker: check open flag: %w", err)
	}
	return open, nil
}

// RecordSuccess clears the failure counter, letting a closed breaker
// forget transient errors it accumulated before recovering on its own
// (the original does not reset on success explicitly, but its
// `failures` counter's own TTL handles decay; this explicit reset
// gives a faster recovery once the downstream is healthy again).
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	if err := b.hot.Del(ctx, b.failuresKey()); err != nil {
		return fmt.Errorf("breaker: clear failures: %w", err)
	}
	return nil
}

// RecordFailure increments the failure counter and trips the breaker
// open if the threshold is reached.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	count, err := b.hot.Incr(ctx, b.failuresKey())
	if err != nil {
		return fmt.Errorf("breaker: incr failures: %w", err)
	}
	if count == 1 {
		if err := b.hot.Expire(ctx, b.failuresKey(), b.recovery*2); err != nil {
			return fmt.Errorf("breaker: set failures ttl: %w", err)
		}
	}
	if count >= b.threshold {
		if err := b.hot.Set(ctx, b.openKey(), "1", b.recovery); err != nil {
			return fmt.Errorf("breaker: trip open: %w", err)
		}
	}
	return nil
}

// DefaultThreshold and DefaultRecovery mirror the original's
// CircuitBreaker defaults (`failure_threshold=10`, `recovery_timeout=60`).
const (
	DefaultThreshold = 10
	DefaultRecovery  = 60 * time.Second
)
