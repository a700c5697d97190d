// Package verifier answers authenticity questions about anchored attestation
// records. It reads on-chain accounts, checks ownership, and validates the
// structural invariants of the stored payload. Verification never mutates
// ledger state.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"credanchor/internal/ledger"
	"credanchor/internal/platform/metrics"
	"credanchor/pkg/platform/sentinel"
)

// Kind enumerates the attestation kinds this core recognizes.
type Kind string

const (
	KindIssuance      Kind = "issuance"
	KindAccreditation Kind = "accreditation"
	KindRevocation    Kind = "revocation"
)

var knownKinds = map[Kind]struct{}{
	KindIssuance:      {},
	KindAccreditation: {},
	KindRevocation:    {},
}

// Record is the parsed on-chain attestation payload.
type Record struct {
	Address   solana.PublicKey `json:"-"`
	Kind      Kind             `json:"kind"`
	Subject   string           `json:"subject"`
	Issuer    string           `json:"issuer"`
	Schema    string           `json:"schema"`
	IssuedAt  int64            `json:"issued_at"`
	Reference string           `json:"reference,omitempty"`
}

// IssuedTime returns the issuance timestamp.
func (r Record) IssuedTime() time.Time { return time.Unix(r.IssuedAt, 0).UTC() }

// Result is the outcome of verifying one address. An invalid record always
// carries a specific reason; a lookup failure carries the error inline so
// batch verification never throws across item boundaries.
type Result struct {
	Address solana.PublicKey
	Valid   bool
	Reason  string
	Record  *Record
	Err     error
}

// Invalid reasons. "wrong owner" is a forgery signal and deliberately
// distinct from "not found".
const (
	ReasonNotFound      = "not found"
	ReasonWrongOwner    = "wrong owner"
	ReasonMalformed     = "malformed payload"
	ReasonUnknownKind   = "unknown kind"
	ReasonFutureTime    = "timestamp in the future"
	ReasonLookupFailed  = "lookup failed"
	reasonMissingPrefix = "missing "
)

// Options tunes batch verification.
type Options struct {
	ChunkSize  int
	ChunkPause time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 10
	}
	if o.ChunkPause <= 0 {
		o.ChunkPause = 250 * time.Millisecond
	}
	return o
}

// Verifier validates attestation records against the expected owner program.
type Verifier struct {
	ledger  ledger.Client
	program solana.PublicKey
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	now     func() time.Time
}

// New builds a Verifier. m may be nil.
func New(lc ledger.Client, program solana.PublicKey, log *zap.Logger, m *metrics.Metrics, opts Options) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{
		ledger:  lc,
		program: program,
		log:     log,
		metrics: m,
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// Verify fetches and validates one attestation record.
func (v *Verifier) Verify(ctx context.Context, addr solana.PublicKey) Result {
	res := v.verify(ctx, addr)
	if res.Valid {
		v.metrics.ObserveVerification("valid")
	} else {
		v.metrics.ObserveVerification("invalid")
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, addr solana.PublicKey) Result {
	acct, err := v.ledger.AccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Result{Address: addr, Reason: ReasonNotFound}
		}
		return Result{Address: addr, Reason: ReasonLookupFailed, Err: err}
	}

	if !acct.Owner.Equals(v.program) {
		return Result{Address: addr, Reason: ReasonWrongOwner}
	}

	rec, reason := v.decode(acct.Data)
	if reason != "" {
		return Result{Address: addr, Reason: reason}
	}
	rec.Address = addr
	return Result{Address: addr, Valid: true, Record: rec}
}

// decode parses the payload strictly: unknown fields are rejected and a
// partially-populated record is never returned.
func (v *Verifier) decode(data []byte) (*Record, string) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimRight(data, "\x00")))
	dec.DisallowUnknownFields()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, ReasonMalformed
	}

	for field, val := range map[string]string{
		"subject": rec.Subject,
		"issuer":  rec.Issuer,
		"schema":  rec.Schema,
	} {
		if val == "" {
			return nil, reasonMissingPrefix + field
		}
	}
	if _, ok := knownKinds[rec.Kind]; !ok {
		return nil, fmt.Sprintf("%s %q", ReasonUnknownKind, rec.Kind)
	}
	if rec.IssuedAt > v.now().Unix() {
		return nil, ReasonFutureTime
	}
	return &rec, ""
}
