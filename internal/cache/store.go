// Package cache is the short-TTL memoization layer in front of identity
// derivation and attestation verification. It bounds load from repeated
// lookups without ever storing private key material.
package cache

import (
	"context"
	"time"
)

// Store is the TTL key-value surface the cache runs on. Get returns
// sentinel.ErrNotFound (wrapped) for missing keys and sentinel.ErrExpired
// for keys past their TTL.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// DeleteByPrefix removes every key under the prefix and returns the
	// count. Used for explicit admin invalidation.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}
