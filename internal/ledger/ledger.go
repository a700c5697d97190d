// Package ledger is the thin wrapper over the network RPC surface. It owns
// failure classification: everything above it sees coded domain errors only.
package ledger

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Blockhash is a short-lived submission reference and the height at which it
// stops being eligible for inclusion.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// SignatureStatus is the ledger's view of a submitted signature.
type SignatureStatus struct {
	Found     bool
	Slot      uint64
	Confirmed bool
	Finalized bool
	// LedgerErr carries the ledger-reported execution error payload,
	// empty when the transaction succeeded (or is still in flight).
	LedgerErr string
}

// Account is a read-only projection of an on-chain account.
type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

//go:generate mockgen -source=ledger.go -destination=mocks/mocks.go -package=mocks Client

// Client is the RPC surface the core consumes. Implementations must be safe
// for concurrent use: the same client is shared across submissions and
// verifications.
type Client interface {
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
	BlockHeight(ctx context.Context) (uint64, error)
	// AccountInfo returns sentinel.ErrNotFound (wrapped) when the account
	// does not exist.
	AccountInfo(ctx context.Context, addr solana.PublicKey) (*Account, error)
	FeeForMessage(ctx context.Context, serializedMessage []byte) (uint64, error)
}
