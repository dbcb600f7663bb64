// Package hotstore wraps the Redis client with the primitives the rest
// of the gateway builds on: atomic Lua scripts, list-backed buffers,
// sorted-set windows, and a small SET-NX-based distributed lock. Every
// other component that talks to Redis goes through this package rather
// than holding a *redis.Client directly.
package hotstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotHeld is returned by Unlock when the caller's fencing token no
// longer matches the lock held in the store (expired or stolen).
var ErrNotHeld = errors.New("hotstore: lock not held")

// Store is a typed wrapper over a Redis client.
type Store struct {
	rdb *redis.Client

	unlockScript *redis.Script
}

// unlockLua only deletes the lock key if its value still matches the
// caller's token, so a lock that expired and was re-acquired by someone
// else is never deleted out from under them.
const unlockLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Config holds aggressive pool/timeout tuning appropriate for a
// hot-path cache client.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

// DefaultConfig returns the timeout/pool shape the ledger's hot path
// expects: low timeouts because a Redis round trip gates every
// submission's admission decision.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		DialTimeout:  10 * time.Millisecond,
		ReadTimeout:  20 * time.Millisecond,
		WriteTimeout: 20 * time.Millisecond,
		PoolSize:     100,
		MinIdleConns: 25,
	}
}

// New dials Redis with cfg and verifies connectivity with a PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("hotstore: ping redis: %w", err)
	}

	return &Store{
		rdb:          rdb,
		unlockScript: redis.NewScript(unlockLua),
	}, nil
}

// Client exposes the underlying redis client for components (such as
// the ledger) that need to load and run their own Lua scripts.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the string value at key, or ("", false, nil) on miss.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hotstore: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value at key with an optional TTL (zero means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("hotstore: set %s: %w", key, err)
	}
	return nil
}

// SetNX sets key to value only if it does not already exist, returning
// whether the set happened. Used for the idempotency gate and the
// distributed lock's acquire step.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("hotstore: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("hotstore: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Del removes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("hotstore: del %v: %w", keys, err)
	}
	return nil
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("hotstore: expire %s: %w", key, err)
	}
	return nil
}

// IncrByFloat atomically adds delta to the float-string counter at key
// and returns the new value. The ledger uses this for balance/pending
// adjustments that aren't gated by a check (e.g. settlement resets).
func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	v, err := s.rdb.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("hotstore: incrbyfloat %s: %w", key, err)
	}
	return v, nil
}

// Incr atomically increments an integer counter, such as a circuit
// breaker's failure count.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("hotstore: incr %s: %w", key, err)
	}
	return v, nil
}

// RPush appends values to the tail of a list-backed buffer (ingest,
// status write-back).
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("hotstore: rpush %s: %w", key, err)
	}
	return nil
}

// LPush prepends values to the head of a list-backed buffer, used to
// re-queue items ahead of newly arrived work after a processing
// failure (LIFO re-queue).
func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("hotstore: lpush %s: %w", key, err)
	}
	return nil
}

// LPopN pops up to n items from the head of a list in a single round
// trip, returning fewer than n if the list is shorter. Returns an empty
// slice (not an error) when the list is empty.
func (s *Store) LPopN(ctx context.Context, key string, n int64) ([]string, error) {
	vals, err := s.rdb.LPopCount(ctx, key, int(n)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("hotstore: lpop %s: %w", key, err)
	}
	return vals, nil
}

// LLen returns the length of a list-backed buffer.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("hotstore: llen %s: %w", key, err)
	}
	return n, nil
}

// ZAddNow adds member to a sorted set scored by the supplied unix-nano
// timestamp. Used by the sliding-window rate limiter.
func (s *Store) ZAddNow(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("hotstore: zadd %s: %w", key, err)
	}
	return nil
}

// ZRemRangeByScore trims a sorted set, removing every member scored in
// [min, max]. The rate limiter uses this to evict entries that have
// aged out of the trailing window.
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	if err := s.rdb.ZRemRangeByScore(ctx, key, min, max).Err(); err != nil {
		return fmt.Errorf("hotstore: zremrangebyscore %s: %w", key, err)
	}
	return nil
}

// ZCard returns the number of members in a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("hotstore: zcard %s: %w", key, err)
	}
	return n, nil
}

// MGet fetches several keys in one round trip, preserving order and
// reporting a miss as an empty string. Used by the ledger's
// GetBalance, which reads balance(u) and pending(u) together.
func (s *Store) MGet(ctx context.Context, keys ...string) ([]string, error) {
	raw, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("hotstore: mget %v: %w", keys, err)
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

// Eval loads script if needed and runs it, returning the raw reply.
// Components with their own multi-key atomic operations (the ledger's
// reserve/refund scripts) load their Lua source once at
// startup and call Run on the resulting *redis.Script directly against
// Client(); this helper exists for simpler one-off scripts.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	v, err := script.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("hotstore: eval: %w", err)
	}
	return v, nil
}

// Lock is a held distributed lock. Unlock releases it if this process
// still holds it.
type Lock struct {
	store *Store
	key   string
	token string
}

// TryLock attempts to acquire a named advisory lock with the given TTL,
// returning (nil, false, nil) if someone else already holds it. Used by
// every periodic job (ingest drain, status flush, scheduled-send gate,
// retry sweep, partition maintenance) to ensure only one gateway
// instance runs a given tick.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	key := "lock:" + name
	token := uuid.NewString()
	ok, err := s.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{store: s, key: key, token: token}, true, nil
}

// Unlock releases the lock if its token still matches what's stored,
// via a script so the check-and-delete is atomic.
func (l *Lock) Unlock(ctx context.Context) error {
	res, err := l.store.unlockScript.Run(ctx, l.store.rdb, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("hotstore: unlock %s: %w", l.key, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotHeld
	}
	return nil
}
