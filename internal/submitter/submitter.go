// Package submitter drives a signed transaction from send through durable
// confirmation. Each logical submission walks UNSENT → SENT →
// {CONFIRMED | FAILED | EXPIRED}; expired attempts are retried as a whole
// with a fresh blockhash inside the outer retry policy.
package submitter

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// State is the confirmation state of one submission attempt. Transitions are
// one-directional: a terminal state is never revisited.
type State string

const (
	StateUnsent    State = "UNSENT"
	StateSent      State = "SENT"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateExpired   State = "EXPIRED"
)

// Attempt records one retry iteration of a logical submission.
type Attempt struct {
	Number          int
	Blockhash       solana.Hash
	LastValidHeight uint64
	Signature       solana.Signature
	State           State
}

// Options tunes a single Submit call. Zero values take the submitter's
// defaults.
type Options struct {
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

const (
	defaultPollInterval   = time.Second
	defaultConfirmTimeout = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = defaultConfirmTimeout
	}
	return o
}

// Result is a durable confirmation.
type Result struct {
	SubmissionID string
	Signature    solana.Signature
	Slot         uint64
	Attempts     int
}

// Error carries support-ticket-grade diagnostics for a failed submission:
// the classified cause plus every attempt's signature.
type Error struct {
	SubmissionID string
	Attempts     []Attempt
	Err          error
}

func (e *Error) Error() string {
	return "submission " + e.SubmissionID + " failed: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Signatures returns the signature of every attempt that reached SENT.
func (e *Error) Signatures() []solana.Signature {
	out := make([]solana.Signature, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.State != StateUnsent {
			out = append(out, a.Signature)
		}
	}
	return out
}
