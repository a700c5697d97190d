// Package anchor is the façade over the anchoring core. It wires identity
// derivation, submission, session handling, verification, caching, and rate
// limiting behind one explicitly constructed client with an explicit
// lifecycle — no module-level singletons, so tests instantiate isolated
// instances freely.
package anchor

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"credanchor/internal/cache"
	"credanchor/internal/events"
	"credanchor/internal/identity"
	"credanchor/internal/ledger"
	"credanchor/internal/platform/metrics"
	"credanchor/internal/ratelimit"
	"credanchor/internal/retry"
	"credanchor/internal/session"
	"credanchor/internal/submitter"
	"credanchor/internal/verifier"
	dErrors "credanchor/pkg/domain-errors"
	"credanchor/pkg/requestcontext"
)

// Deps are the collaborators the client is built from. Ledger, Deriver, and
// Program are required; everything else is optional and degrades gracefully.
type Deps struct {
	Ledger  ledger.Client
	Salt    []byte
	Program solana.PublicKey

	Session session.Config
	Retry   retry.Policy
	Submit  submitter.Options
	Verify  verifier.Options
	Cache   cache.Config
	Limit   ratelimit.Config

	// Store backs the address cache. Defaults to an in-process store.
	Store cache.Store
	// Kafka, when non-nil, forwards terminal submission events.
	Kafka *events.KafkaForwarder

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Client is the public surface of the anchoring core.
type Client struct {
	log     *zap.Logger
	bus     *events.Bus
	cache   *cache.AddressCache
	limiter *ratelimit.Limiter
	sub     *submitter.Submitter
	sess    *session.Manager
	kafka   *events.KafkaForwarder

	shutdownOnce sync.Once
}

// New wires a Client from its dependencies.
func New(deps Deps) (*Client, error) {
	if deps.Ledger == nil {
		return nil, dErrors.New(dErrors.CodeConfiguration, "ledger client is required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	deriver, err := identity.NewDeriver(deps.Salt)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(log)
	ver := verifier.New(deps.Ledger, deps.Program, log, deps.Metrics, deps.Verify)

	store := deps.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}

	c := &Client{
		log:     log,
		bus:     bus,
		cache:   cache.New(store, deriver, ver, deps.Metrics, deps.Cache),
		limiter: ratelimit.New(deps.Limit, deps.Metrics),
		sub:     submitter.New(deps.Ledger, bus, log, deps.Metrics, deps.Retry, deps.Submit),
		sess:    session.NewManager(deps.Session, bus, log, deps.Metrics),
		kafka:   deps.Kafka,
	}
	if c.kafka != nil {
		c.kafka.Attach(bus)
	}
	return c, nil
}

// DeriveAddress derives the public address for a secret, through the cache
// and the caller's rate bucket.
func (c *Client) DeriveAddress(ctx context.Context, secret []byte) (solana.PublicKey, error) {
	if err := c.limiter.Allow(requestcontext.Caller(ctx)); err != nil {
		return solana.PublicKey{}, err
	}
	return c.cache.DeriveAddress(ctx, secret)
}

// VerifyAddress reports whether claimed is the address derived from secret.
func (c *Client) VerifyAddress(ctx context.Context, secret []byte, claimed solana.PublicKey) (bool, error) {
	if err := c.limiter.Allow(requestcontext.Caller(ctx)); err != nil {
		return false, err
	}
	addr, err := c.cache.DeriveAddress(ctx, secret)
	if err != nil {
		return false, err
	}
	return addr.Equals(claimed), nil
}

// SubmitAndConfirm signs, sends, and drives a transaction to durable
// confirmation. Cancellation stops local waiting only; a sent transaction
// stays eligible for inclusion.
func (c *Client) SubmitAndConfirm(ctx context.Context, tx *solana.Transaction, signers []solana.PrivateKey, opts submitter.Options) (submitter.Result, error) {
	return c.sub.Submit(ctx, tx, signers, opts)
}

// Authenticate opens a session against the attestation-session service.
func (c *Client) Authenticate(ctx context.Context, credentials any) (session.Snapshot, error) {
	return c.sess.Authenticate(ctx, credentials)
}

// RefreshSession exchanges the refresh token for a fresh session token.
func (c *Client) RefreshSession(ctx context.Context) error {
	return c.sess.Refresh(ctx)
}

// Logout best-effort notifies the server and unconditionally tears down
// local session state.
func (c *Client) Logout(ctx context.Context) error {
	return c.sess.Logout(ctx)
}

// IsAuthenticated reports whether a live session exists.
func (c *Client) IsAuthenticated() bool {
	return c.sess.IsAuthenticated()
}

// OnEvent registers a handler for a lifecycle event kind.
func (c *Client) OnEvent(kind events.Kind, handler events.Handler) *events.Subscription {
	return c.bus.Subscribe(kind, handler)
}

// OnAccountChange registers a handler for changes to one account target.
// Duplicate registrations share a single upstream subscription.
func (c *Client) OnAccountChange(target string, handler events.Handler) *events.Subscription {
	return c.bus.SubscribeAccount(target, handler)
}

// Verify validates one attestation record, through the cache and the
// caller's rate bucket.
func (c *Client) Verify(ctx context.Context, addr solana.PublicKey) (verifier.Result, error) {
	if err := c.limiter.Allow(requestcontext.Caller(ctx)); err != nil {
		return verifier.Result{}, err
	}
	return c.cache.VerifyAttestation(ctx, addr), nil
}

// BatchVerify validates many records with bounded parallelism, through the
// cache and the caller's rate bucket (one token per batch). Per-address
// failures land inline in the map; only rate exhaustion fails the batch.
func (c *Client) BatchVerify(ctx context.Context, addrs []solana.PublicKey) (map[solana.PublicKey]verifier.Result, error) {
	if err := c.limiter.Allow(requestcontext.Caller(ctx)); err != nil {
		return nil, err
	}
	return c.cache.BatchVerify(ctx, addrs), nil
}

// InvalidateCache drops cached lookups by operation prefix. Admin surface.
func (c *Client) InvalidateCache(ctx context.Context, operation string) (int, error) {
	return c.cache.Invalidate(ctx, operation)
}

// Shutdown releases every subscription, timer, and connection. Safe to call
// multiple times.
func (c *Client) Shutdown(context.Context) {
	c.shutdownOnce.Do(func() {
		c.sess.Close()
		c.bus.Close()
		if c.kafka != nil {
			c.kafka.Close()
		}
		c.log.Info("anchor client shut down")
	})
}
