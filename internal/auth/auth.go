// Package auth implements API-key authentication: tenants present a raw
// key via the X-Api-Key header, the server only ever stores and
// compares its sha256 fingerprint. Grounded on
// apps/accounts/authentication.py::APIKeyAuthentication.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/relaysms/gateway/internal/apperr"
	"github.com/relaysms/gateway/internal/durablestore"
	"github.com/relaysms/gateway/internal/hotstore"
)

// Fingerprint returns the sha256 hex digest of a raw API key. The raw
// key is never persisted; only this digest is.
func Fingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func cacheKey(fingerprint string) string { return "apikey:" + fingerprint }

// Identity is what a resolved API key carries downstream: the tenant id
// that owns it, and that tenant's configured per-minute rate limit so
// callers don't have to go back to the durable store to enforce it.
type Identity struct {
	TenantID        string `json:"tenant_id"`
	RateLimitPerMin int    `json:"rate_limit_per_min"`
}

// Authenticator resolves a raw API key to a tenant id.
type Authenticator struct {
	hot     *hotstore.Store
	durable *durablestore.Store
}

// New constructs an Authenticator.
func New(hot *hotstore.Store, durable *durablestore.Store) *Authenticator {
	return &Authenticator{hot: hot, durable: durable}
}

// Authenticate resolves rawKey to the tenant's Identity, checking the
// hot cache first and falling back to the durable store on a miss
// (read-through, populating the cache for next time). The cached value
// carries the account's rate limit alongside its tenant id so callers
// can throttle by the tenant's actual configured ceiling rather than a
// fixed default.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey string) (Identity, error) {
	if rawKey == "" {
		return Identity{}, apperr.New(apperr.KindUnauthenticated, "missing API key")
	}
	fp := Fingerprint(rawKey)

	cached, ok, err := a.hot.Get(ctx, cacheKey(fp))
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindInternal, "read api key cache", err)
	}
	if ok {
		var id Identity
		if err := json.Unmarshal([]byte(cached), &id); err == nil && id.TenantID != "" {
			return id, nil
		}
		// Stale pre-rate-limit cache entry (bare tenant id string from an
		// older deploy); fall through and reload from durable storage.
	}

	acct, err := a.durable.GetAccountByFingerprint(ctx, fp)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.KindInternal, "load account by fingerprint", err)
	}
	if acct == nil {
		return Identity{}, apperr.New(apperr.KindUnauthenticated, "invalid API key")
	}

	id := Identity{TenantID: acct.TenantID, RateLimitPerMin: acct.RateLimitPerMin}
	if err := a.storeIdentity(ctx, fp, id); err != nil {
		return Identity{}, fmt.Errorf("auth: populate cache: %w", err)
	}
	return id, nil
}

// StoreAPIKey populates the hot cache entry for a tenant's key. Nothing
// in this repository calls it (gwctl provisioning writes only the
// durable row); otherwise the entry is written by Authenticate on a
// cache miss.
func (a *Authenticator) StoreAPIKey(ctx context.Context, rawKey, tenantID string, rateLimitPerMin int) error {
	return a.storeIdentity(ctx, Fingerprint(rawKey), Identity{TenantID: tenantID, RateLimitPerMin: rateLimitPerMin})
}

func (a *Authenticator) storeIdentity(ctx context.Context, fingerprint string, id Identity) error {
	payload, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("auth: marshal identity: %w", err)
	}
	return a.hot.Set(ctx, cacheKey(fingerprint), string(payload), 0)
}
