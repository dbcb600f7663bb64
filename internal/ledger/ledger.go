// Package ledger implements the two-tier credit ledger: Redis holds the
// hot balance/pending counters that gate admission decisions, Postgres
// holds the durable balance and the append-only transaction audit log.
// Deductions are applied to the hot `pending` counter synchronously and
// reconciled into the durable balance by a deferred settlement sweep;
// charges go straight through to the durable store because they are
// rare and must be immediately consistent with the audit log. A refund
// only releases an unsettled reservation from the hot `pending` counter
// and writes nothing to the durable store.
//
// An atomic Lua-scripted hot path backs admission decisions, with a
// best-effort async durable write reconciling the two, generalized
// from a token-budget cache into a money ledger with explicit
// settle/refund operations.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/relaysms/gateway/internal/apperr"
	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
	"github.com/relaysms/gateway/internal/model"
)

// reserveScript atomically checks that balance(u) - pending(u) >= cost
// and, if so, adds cost to pending(u). Returns 1 on success, 0 on
// insufficient funds. Mirrors the original's
// CreditService.DEDUCT_SCRIPT shape: single round trip, no
// read-then-write race window.
const reserveScript = `
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
local pending = tonumber(redis.call("GET", KEYS[2]) or "0")
local cost = tonumber(ARGV[1])
if balance - pending < cost then
	return 0
end
redis.call("INCRBYFLOAT", KEYS[2], cost)
return 1
`

// refundScript atomically decrements pending(u) by the refunded amount,
// clamping pending at zero. balance(u) is left as it is, because
// reserveScript never lowered it. A refund must remove the reservation
// from pending, or the settlement sweep would permanently over-count
// spend for an amount that will never settle.
const refundScript = `
local pending = tonumber(redis.call("GET", KEYS[2]) or "0")
local amount = tonumber(ARGV[1])
if pending - amount < 0 then
	redis.call("SET", KEYS[2], "0")
else
	redis.call("INCRBYFLOAT", KEYS[2], -amount)
end
return 1
`

func balanceKey(tenantID string) string { return "balance:" + tenantID }
func pendingKey(tenantID string) string  { return "pending:" + tenantID }

// Ledger is the credit ledger service.
type Ledger struct {
	hot     *hotstore.Store
	durable *durablestore.Store
	log     zerolog.Logger
	reserve *redis.Script
	refund  *redis.Script
}

// New constructs a Ledger over an already-opened hot store and durable
// store.
func New(hot *hotstore.Store, durable *durablestore.Store, log zerolog.Logger) *Ledger {
	return &Ledger{
		hot:     hot,
		durable: durable,
		log:     log.With().Str("component", "ledger").Logger(),
		reserve: redis.NewScript(reserveScript),
		refund:  redis.NewScript(refundScript),
	}
}

// ProvisionAccount creates a durable account row and seeds the hot
// balance cache. Explicit replacement for the original's implicit
// post_save signal handler: nothing fires off a database write, the
// tenant-creation path must call this itself.
func (l *Ledger) ProvisionAccount(ctx context.Context, tenantID, apiKeyFingerprint string, rateLimitPerMin int) (*model.Account, error) {
	acct, err := l.durable.ProvisionAccount(ctx, tenantID, apiKeyFingerprint, rateLimitPerMin)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "provision account", err)
	}
	if err := l.hot.Set(ctx, balanceKey(tenantID), "0", 0); err != nil {
		l.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("seed hot balance failed")
	}
	if err := l.hot.Set(ctx, pendingKey(tenantID), "0", 0); err != nil {
		l.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("seed hot pending failed")
	}
	return acct, nil
}

// Balance is the hot-path view of an account's funds.
type Balance struct {
	Available model.Money // balance - pending
	Balance   model.Money
	Pending   model.Money
}

// balanceLockWait is how long GetBalance waits to acquire the
// per-tenant balance load lock on a cache miss before proceeding
// without it. balanceLockTTL is the lock's expiry, long enough to
// cover a durable-store round trip if the holder dies mid-load.
const (
	balanceLockWait         = 3 * time.Second
	balanceLockTTL          = 5 * time.Second
	balanceLockPollInterval = 50 * time.Millisecond
)

// GetBalance reads balance(u) and pending(u) in a single pipelined
// round trip, falling back to the durable store and repopulating the
// hot cache on a miss.
func (l *Ledger) GetBalance(ctx context.Context, tenantID string) (*Balance, error) {
	vals, err := l.hot.MGet(ctx, balanceKey(tenantID), pendingKey(tenantID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read hot balance", err)
	}

	if vals[0] == "" {
		vals, err = l.loadBalanceOnMiss(ctx, tenantID)
		if err != nil {
			return nil, err
		}
	}
	if vals[1] == "" {
		vals[1] = "0"
	}

	balance, err := model.ParseMoney(vals[0])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "corrupt hot balance", err)
	}
	pending, err := model.ParseMoney(vals[1])
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "corrupt hot pending", err)
	}

	return &Balance{
		Available: balance - pending,
		Balance:   balance,
		Pending:   pending,
	}, nil
}

// loadBalanceOnMiss handles a cache miss on GetBalance: it acquires a
// per-tenant lock before touching the durable store, so a burst of
// concurrent requests for the same cold tenant doesn't all fall
// through to Postgres at once. It double-checks the cache after
// acquiring the lock (or after giving up waiting for it), since
// another holder may have already repopulated it.
func (l *Ledger) loadBalanceOnMiss(ctx context.Context, tenantID string) ([]string, error) {
	lock, acquired, err := l.acquireBalanceLock(ctx, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "acquire balance lock", err)
	}
	if acquired {
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				l.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("balance lock unlock failed, will expire on its own")
			}
		}()
	}

	vals, err := l.hot.MGet(ctx, balanceKey(tenantID), pendingKey(tenantID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read hot balance", err)
	}
	if vals[0] != "" {
		return vals, nil
	}

	acct, err := l.durable.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load account", err)
	}
	if acct == nil {
		return nil, apperr.New(apperr.KindNotFound, "account not found")
	}
	if err := l.hot.Set(ctx, balanceKey(tenantID), acct.Balance.String(), 0); err != nil {
		l.log.Warn().Err(err).Msg("repopulate hot balance failed")
	}
	if err := l.hot.Set(ctx, pendingKey(tenantID), "0", 0); err != nil {
		l.log.Warn().Err(err).Msg("repopulate hot pending failed")
	}
	return []string{acct.Balance.String(), "0"}, nil
}

// acquireBalanceLock waits up to balanceLockWait for the per-tenant
// balance load lock, polling on a short interval. If the wait times
// out with the lock still held by someone else, the caller proceeds
// without it: the double-checked read right after is still correct,
// just no longer guaranteed free of a duplicate durable-store load.
func (l *Ledger) acquireBalanceLock(ctx context.Context, tenantID string) (*hotstore.Lock, bool, error) {
	deadline := time.Now().Add(balanceLockWait)
	for {
		lock, ok, err := l.hot.TryLock(ctx, "balance_load:"+tenantID, balanceLockTTL)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return lock, true, nil
		}
		if time.Now().After(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(balanceLockPollInterval):
		}
	}
}

// Reserve atomically checks balance(u) - pending(u) >= cost and, if so,
// reserves cost against the account by adding it to pending(u). This is
// the admission gate the acceptor calls before queuing a submission; it
// never touches Postgres, so it stays inside the gateway's hot-path
// latency budget.
func (l *Ledger) Reserve(ctx context.Context, tenantID string, cost model.Money) error {
	if !cost.Positive() {
		return apperr.New(apperr.KindInvalidInput, "reserve amount must be positive")
	}
	res, err := l.reserve.Run(ctx, l.hot.Client(),
		[]string{balanceKey(tenantID), pendingKey(tenantID)}, cost.Float64()).Result()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "reserve script", err)
	}
	ok, _ := res.(int64)
	if ok != 1 {
		return apperr.New(apperr.KindInsufficient, "insufficient balance")
	}
	return nil
}

// Refund reverses a reservation that will never settle (submission
// cancelled before dispatch): decrements pending(u) by the amount,
// which restores the available balance. See refundScript for why
// pending must be decremented.
func (l *Ledger) Refund(ctx context.Context, tenantID string, amount model.Money) error {
	if !amount.Positive() {
		return apperr.New(apperr.KindInvalidInput, "refund amount must be positive")
	}
	_, err := l.refund.Run(ctx, l.hot.Client(),
		[]string{balanceKey(tenantID), pendingKey(tenantID)}, amount.Float64()).Result()
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "refund script", err)
	}
	return nil
}

// Charge credits an account's durable balance and hot cache together,
// recording an audit transaction. Charges are rare (billing top-ups)
// and must be immediately durable, so this writes straight through
// rather than going through the async settlement path.
func (l *Ledger) Charge(ctx context.Context, tenantID string, amount model.Money, description, referenceID string) (*model.LedgerTransaction, error) {
	if !amount.Positive() {
		return nil, apperr.New(apperr.KindInvalidInput, "charge amount must be positive")
	}
	txn, err := l.durable.ChargeAccount(ctx, tenantID, amount, model.TransactionCharge, description, referenceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "charge account", err)
	}
	if _, err := l.hot.IncrByFloat(ctx, balanceKey(tenantID), amount.Float64()); err != nil {
		l.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("hot balance update after charge failed; will repopulate on next read")
		if delErr := l.hot.Del(ctx, balanceKey(tenantID)); delErr != nil {
			l.log.Warn().Err(delErr).Msg("failed to invalidate stale hot balance")
		}
	}
	return txn, nil
}

// Settle reconciles pending(u) into the durable balance for the given
// tenant: it reads the current pending amount, subtracts it from the
// durable balance as a single "deduct" transaction, and decrements
// pending by the amount it just settled (a concurrent Reserve during
// the sweep only adds to pending after this read, so it is preserved,
// not lost). Grounded on the original's
// CreditService.sync_deltas_to_db / apps/credits/tasks.py settlement
// task, generalized from a queued-write-op replay model to a
// periodic-sweep model, because settlement here aggregates many small
// deductions rather than replaying individual writes.
func (l *Ledger) Settle(ctx context.Context, tenantID string) error {
	pendingStr, ok, err := l.hot.Get(ctx, pendingKey(tenantID))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "read pending", err)
	}
	if !ok {
		return nil
	}
	pending, err := model.ParseMoney(pendingStr)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "corrupt pending", err)
	}
	if pending <= 0 {
		return nil
	}

	_, err = l.durable.ChargeAccount(ctx, tenantID, -pending, model.TransactionDeduct,
		"settlement sweep", "")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "settle deduct", err)
	}

	if _, err := l.hot.IncrByFloat(ctx, pendingKey(tenantID), -pending.Float64()); err != nil {
		l.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("hot pending decrement after settle failed")
	}
	if _, err := l.hot.IncrByFloat(ctx, balanceKey(tenantID), -pending.Float64()); err != nil {
		l.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("hot balance decrement after settle failed")
	}

	l.log.Debug().Str("tenant_id", tenantID).Str("amount", pending.String()).Msg("settled pending deductions")
	return nil
}

// ListSettleableTenants filters candidates down to those with a nonzero
// pending counter, for the settlement sweep to iterate. A real
// deployment at far larger tenant counts would track this set in a
// dedicated Redis set populated by Reserve rather than scanning
// candidates one by one; that optimization is out of scope here.
func (l *Ledger) ListSettleableTenants(ctx context.Context, candidates []string) ([]string, error) {
	var out []string
	for _, t := range candidates {
		v, ok, err := l.hot.Get(ctx, pendingKey(t))
		if err != nil {
			return nil, fmt.Errorf("ledger: scan pending for %s: %w", t, err)
		}
		if !ok {
			continue
		}
		amt, err := model.ParseMoney(v)
		if err == nil && amt > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTransactions returns a tenant's recent ledger audit entries.
func (l *Ledger) GetTransactions(ctx context.Context, tenantID string, limit int) ([]model.LedgerTransaction, error) {
	txns, err := l.durable.ListTransactions(ctx, tenantID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list transactions", err)
	}
	return txns, nil
}

// VerifyIntegrity compares the hot balance cache against the durable
// balance for a tenant and repopulates the cache if they disagree,
// auto-fixing on mismatch rather than just reporting it. A
// single-tenant check the gwctl CLI can invoke directly.
func (l *Ledger) VerifyIntegrity(ctx context.Context, tenantID string) (mismatch bool, err error) {
	acct, err := l.durable.GetAccount(ctx, tenantID)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "load account", err)
	}
	if acct == nil {
		return false, apperr.New(apperr.KindNotFound, "account not found")
	}

	hotStr, ok, err := l.hot.Get(ctx, balanceKey(tenantID))
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "read hot balance", err)
	}
	if !ok {
		if err := l.hot.Set(ctx, balanceKey(tenantID), acct.Balance.String(), 0); err != nil {
			return false, apperr.Wrap(apperr.KindInternal, "repopulate hot balance", err)
		}
		return true, nil
	}

	hotBalance, err := model.ParseMoney(hotStr)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "corrupt hot balance", err)
	}
	if hotBalance != acct.Balance {
		l.log.Warn().Str("tenant_id", tenantID).
			Str("hot", hotBalance.String()).Str("durable", acct.Balance.String()).
			Msg("balance mismatch detected, repopulating hot cache from durable store")
		if err := l.hot.Set(ctx, balanceKey(tenantID), acct.Balance.String(), 0); err != nil {
			return false, apperr.Wrap(apperr.KindInternal, "repopulate hot balance", err)
		}
		return true, nil
	}
	return false, nil
}

// SettleInterval is a default cadence for Settle sweeps, matching
// config/celery.py's 60s beat for the analogous task. No scheduler job
// in cmd/gwserver runs Settle; settlement happens when the admin
// TriggerSettlement RPC is called.
const SettleInterval = 60 * time.Second
