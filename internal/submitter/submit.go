package submitter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"credanchor/internal/events"
	"credanchor/internal/ledger"
	"credanchor/internal/platform/metrics"
	"credanchor/internal/retry"
	dErrors "credanchor/pkg/domain-errors"
)

// Submitter orchestrates sign → send → poll-for-confirmation.
type Submitter struct {
	ledger  ledger.Client
	bus     *events.Bus
	log     *zap.Logger
	metrics *metrics.Metrics
	policy  retry.Policy
	opts    Options
}

// New builds a Submitter. bus and m may be nil.
func New(lc ledger.Client, bus *events.Bus, log *zap.Logger, m *metrics.Metrics, policy retry.Policy, defaults Options) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		ledger:  lc,
		bus:     bus,
		log:     log,
		metrics: m,
		policy:  policy,
		opts:    defaults.withDefaults(),
	}
}

// Submit signs, sends, and confirms a transaction. The payload's recent
// blockhash is replaced on every attempt; stale blockhashes are the primary
// cause of expiry. Cancelling ctx stops local waiting only — an attempt that
// already reached SENT is irreversible on the network.
func (s *Submitter) Submit(ctx context.Context, tx *solana.Transaction, signers []solana.PrivateKey, opts Options) (Result, error) {
	if tx == nil {
		return Result{}, dErrors.New(dErrors.CodeValidation, "transaction payload is required")
	}
	if len(signers) == 0 {
		return Result{}, dErrors.New(dErrors.CodeValidation, "at least one signer is required")
	}

	o := opts.withDefaults()
	if opts.PollInterval <= 0 {
		o.PollInterval = s.opts.PollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = s.opts.ConfirmTimeout
	}

	submissionID := uuid.NewString()
	log := s.log.With(zap.String("submission_id", submissionID))
	started := time.Now()

	var attempts []Attempt

	res, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (Result, error) {
		att := Attempt{Number: len(attempts) + 1, State: StateUnsent}
		attempts = append(attempts, att)
		cur := &attempts[len(attempts)-1]

		r, err := s.runAttempt(ctx, log, tx, signers, submissionID, cur, o)
		if err != nil {
			return Result{}, err
		}
		return r, nil
	})

	if err != nil {
		outcome := "failed"
		if dErrors.CodeOf(err) == dErrors.CodeConfirmationExpired {
			outcome = "expired"
		}
		s.metrics.ObserveSubmission(outcome, len(attempts), 0)
		s.publishFailed(submissionID, attempts, err)
		return Result{}, &Error{SubmissionID: submissionID, Attempts: attempts, Err: err}
	}

	res.SubmissionID = submissionID
	res.Attempts = len(attempts)
	s.metrics.ObserveSubmission("confirmed", len(attempts), time.Since(started))
	s.publish(events.Event{
		Kind:         events.KindTxConfirmed,
		SubmissionID: submissionID,
		Signature:    res.Signature.String(),
		Attempt:      res.Attempts,
	})
	log.Info("submission confirmed",
		zap.String("signature", res.Signature.String()),
		zap.Uint64("slot", res.Slot),
		zap.Int("attempts", res.Attempts))
	return res, nil
}

// runAttempt executes one full attempt: fresh blockhash, sign, send, poll.
func (s *Submitter) runAttempt(ctx context.Context, log *zap.Logger, tx *solana.Transaction, signers []solana.PrivateKey, submissionID string, att *Attempt, o Options) (Result, error) {
	bh, err := s.ledger.LatestBlockhash(ctx)
	if err != nil {
		return Result{}, err
	}
	att.Blockhash = bh.Hash
	att.LastValidHeight = bh.LastValidBlockHeight

	tx.Message.RecentBlockhash = bh.Hash
	tx.Signatures = nil
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	}); err != nil {
		return Result{}, dErrors.Wrap(dErrors.CodeValidation, "sign transaction", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return Result{}, dErrors.Wrap(dErrors.CodeValidation, "serialize transaction", err)
	}

	sig, err := s.ledger.SendRawTransaction(ctx, raw)
	if err != nil {
		return Result{}, err
	}

	// First point at which the operation is externally observable.
	att.Signature = sig
	att.State = StateSent
	s.publish(events.Event{
		Kind:         events.KindTxSent,
		SubmissionID: submissionID,
		Signature:    sig.String(),
		Attempt:      att.Number,
	})
	log.Debug("attempt sent",
		zap.Int("attempt", att.Number),
		zap.String("signature", sig.String()),
		zap.Uint64("last_valid_height", att.LastValidHeight))

	return s.awaitConfirmation(ctx, log, att, o)
}

// awaitConfirmation polls the signature status until a terminal state. The
// loop is sequential: one poll in flight per attempt, never more.
func (s *Submitter) awaitConfirmation(ctx context.Context, log *zap.Logger, att *Attempt, o Options) (Result, error) {
	deadline := time.Now().Add(o.ConfirmTimeout)
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Local cancellation only: the sent transaction stays
			// eligible for inclusion on the network.
			return Result{}, ctx.Err()
		case <-ticker.C:
		}

		st, err := s.ledger.SignatureStatus(ctx, att.Signature)
		if err != nil {
			if !dErrors.Retryable(err) {
				return Result{}, err
			}
			log.Debug("status poll failed, will poll again", zap.Error(err))
		} else {
			if st.Found && st.LedgerErr != "" {
				att.State = StateFailed
				return Result{}, dErrors.Newf(dErrors.CodeLedgerRejected,
					"transaction %s rejected: %s", att.Signature, st.LedgerErr)
			}
			if st.Confirmed {
				att.State = StateConfirmed
				return Result{Signature: att.Signature, Slot: st.Slot}, nil
			}
		}

		if time.Now().After(deadline) {
			att.State = StateExpired
			return Result{}, dErrors.Newf(dErrors.CodeConfirmationExpired,
				"confirmation window elapsed for %s", att.Signature)
		}

		height, err := s.ledger.BlockHeight(ctx)
		if err == nil && height > att.LastValidHeight {
			att.State = StateExpired
			return Result{}, dErrors.Newf(dErrors.CodeConfirmationExpired,
				"blockhash expired at height %d for %s", height, att.Signature)
		}
	}
}

func (s *Submitter) publishFailed(submissionID string, attempts []Attempt, cause error) {
	sigs := make([]string, 0, len(attempts))
	lastSig := ""
	for _, a := range attempts {
		if a.State != StateUnsent {
			sigs = append(sigs, a.Signature.String())
			lastSig = a.Signature.String()
		}
	}
	payload, _ := json.Marshal(map[string]any{"attempt_signatures": sigs})
	s.publish(events.Event{
		Kind:         events.KindTxFailed,
		SubmissionID: submissionID,
		Signature:    lastSig,
		Attempt:      len(attempts),
		Reason:       cause.Error(),
		Payload:      payload,
	})
}

func (s *Submitter) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
