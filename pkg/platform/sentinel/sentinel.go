package sentinel

import "errors"

// Sentinel errors for infrastructure facts. The ledger client and cache
// stores return these (optionally wrapped) so callers can translate them into
// domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: account/key does not exist
// - ErrExpired: cache entry aged past its TTL
// - ErrClosed: operation against an already-closed bus, stream, or client
// - ErrUnavailable: backend temporarily unable to answer
//
// For input validation failures, use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrExpired     = errors.New("expired")
	ErrClosed      = errors.New("closed")
	ErrUnavailable = errors.New("unavailable")
)
