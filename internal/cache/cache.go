package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gagliardetto/solana-go"

	"credanchor/internal/identity"
	"credanchor/internal/platform/metrics"
	"credanchor/internal/verifier"
)

// Lookup operations, used as the first segment of every cache key.
const (
	opDerive = "derive"
	opVerify = "verify"
)

// AddressCache memoizes identity derivation and attestation verification.
// Positive results get a long TTL (validity is expected to be stable);
// negative results get a short TTL (invalidity may be a transient input
// error). Keys never contain raw secrets — secrets are hashed first.
type AddressCache struct {
	store    Store
	deriver  *identity.Deriver
	verifier *verifier.Verifier
	metrics  *metrics.Metrics

	namespace   string
	positiveTTL time.Duration
	negativeTTL time.Duration
}

// Config tunes the AddressCache.
type Config struct {
	// Namespace separates tenants or deployments sharing one store.
	Namespace   string
	PositiveTTL time.Duration // default 10m
	NegativeTTL time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.PositiveTTL <= 0 {
		c.PositiveTTL = 10 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	return c
}

// New builds an AddressCache over the given store.
func New(store Store, d *identity.Deriver, v *verifier.Verifier, m *metrics.Metrics, cfg Config) *AddressCache {
	cfg = cfg.withDefaults()
	return &AddressCache{
		store:       store,
		deriver:     d,
		verifier:    v,
		metrics:     m,
		namespace:   cfg.Namespace,
		positiveTTL: cfg.PositiveTTL,
		negativeTTL: cfg.NegativeTTL,
	}
}

// DeriveAddress returns the derived public address for a secret, memoized.
// Only the address is cached: private material never touches the store.
func (c *AddressCache) DeriveAddress(ctx context.Context, secret []byte) (solana.PublicKey, error) {
	key := c.key(opDerive, hashInput(secret))
	if raw, err := c.store.Get(ctx, key); err == nil {
		if addr, err := solana.PublicKeyFromBase58(string(raw)); err == nil {
			c.metrics.ObserveCache(opDerive, "hit")
			return addr, nil
		}
	}
	c.metrics.ObserveCache(opDerive, "miss")

	id, err := c.deriver.Derive(secret)
	if err != nil {
		return solana.PublicKey{}, err
	}
	_ = c.store.Set(ctx, key, []byte(id.Address.String()), c.positiveTTL)
	return id.Address, nil
}

// cachedResult is the persisted shape of a verification outcome. The inline
// error is process-local and deliberately not cached.
type cachedResult struct {
	Valid  bool             `json:"valid"`
	Reason string           `json:"reason,omitempty"`
	Record *verifier.Record `json:"record,omitempty"`
}

// VerifyAttestation verifies an address, memoized. Lookup failures (RPC
// trouble) are never cached: only definitive valid/invalid outcomes are.
func (c *AddressCache) VerifyAttestation(ctx context.Context, addr solana.PublicKey) verifier.Result {
	if res, ok := c.cachedVerify(ctx, addr); ok {
		return res
	}
	res := c.verifier.Verify(ctx, addr)
	c.storeVerify(ctx, res)
	return res
}

// BatchVerify answers what it can from the cache and verifies only the
// misses, with the verifier's bounded parallelism. Each definitive outcome
// is cached the same way VerifyAttestation caches it.
func (c *AddressCache) BatchVerify(ctx context.Context, addrs []solana.PublicKey) map[solana.PublicKey]verifier.Result {
	out := make(map[solana.PublicKey]verifier.Result, len(addrs))
	var misses []solana.PublicKey
	for _, addr := range addrs {
		if _, seen := out[addr]; seen {
			continue
		}
		if res, ok := c.cachedVerify(ctx, addr); ok {
			out[addr] = res
			continue
		}
		misses = append(misses, addr)
	}
	if len(misses) == 0 {
		return out
	}

	for addr, res := range c.verifier.BatchVerify(ctx, misses) {
		c.storeVerify(ctx, res)
		out[addr] = res
	}
	return out
}

func (c *AddressCache) cachedVerify(ctx context.Context, addr solana.PublicKey) (verifier.Result, bool) {
	if raw, err := c.store.Get(ctx, c.key(opVerify, addr.String())); err == nil {
		var cr cachedResult
		if err := json.Unmarshal(raw, &cr); err == nil {
			c.metrics.ObserveCache(opVerify, "hit")
			return verifier.Result{Address: addr, Valid: cr.Valid, Reason: cr.Reason, Record: cr.Record}, true
		}
	}
	c.metrics.ObserveCache(opVerify, "miss")
	return verifier.Result{}, false
}

func (c *AddressCache) storeVerify(ctx context.Context, res verifier.Result) {
	if res.Err != nil {
		return
	}
	ttl := c.negativeTTL
	if res.Valid {
		ttl = c.positiveTTL
	}
	if raw, err := json.Marshal(cachedResult{Valid: res.Valid, Reason: res.Reason, Record: res.Record}); err == nil {
		_ = c.store.Set(ctx, c.key(opVerify, res.Address.String()), raw, ttl)
	}
}

// Invalidate drops every cached entry for an operation ("derive", "verify",
// or "" for all) in this namespace. Returns the number of entries removed.
func (c *AddressCache) Invalidate(ctx context.Context, operation string) (int, error) {
	ops := []string{opDerive, opVerify}
	if operation != "" {
		ops = []string{operation}
	}
	total := 0
	for _, op := range ops {
		n, err := c.store.DeleteByPrefix(ctx, op+":"+c.namespace+":")
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *AddressCache) key(operation, input string) string {
	return operation + ":" + c.namespace + ":" + input
}

func hashInput(secret []byte) string {
	sum := sha256.Sum256(secret)
	return hex.EncodeToString(sum[:])
}
