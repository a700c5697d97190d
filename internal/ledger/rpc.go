package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	dErrors "credanchor/pkg/domain-errors"
	"credanchor/pkg/platform/sentinel"
)

// RPC implements Client over a solana-go JSON-RPC client.
type RPC struct {
	cl         *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPC builds an RPC ledger client. Commitment defaults to "confirmed".
func NewRPC(endpoint string, commitment string) *RPC {
	c := rpc.CommitmentType(commitment)
	if c == "" {
		c = rpc.CommitmentConfirmed
	}
	return &RPC{cl: rpc.New(endpoint), commitment: c}
}

func (r *RPC) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	out, err := r.cl.GetLatestBlockhash(ctx, r.commitment)
	if err != nil {
		return Blockhash{}, classify("latest blockhash", err)
	}
	if out == nil || out.Value == nil {
		return Blockhash{}, dErrors.New(dErrors.CodeUnavailable, "empty blockhash response")
	}
	return Blockhash{
		Hash:                 out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (r *RPC) SendRawTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	sig, err := r.cl.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		PreflightCommitment: r.commitment,
	})
	if err != nil {
		return solana.Signature{}, classify("send transaction", err)
	}
	return sig, nil
}

func (r *RPC) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	out, err := r.cl.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, classify("signature status", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	st := out.Value[0]

	status := SignatureStatus{
		Found:     true,
		Slot:      st.Slot,
		Confirmed: st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed || st.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
		Finalized: st.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
	}
	if st.Err != nil {
		b, merr := json.Marshal(st.Err)
		if merr != nil {
			status.LedgerErr = fmt.Sprintf("%v", st.Err)
		} else {
			status.LedgerErr = string(b)
		}
	}
	return status, nil
}

func (r *RPC) BlockHeight(ctx context.Context) (uint64, error) {
	h, err := r.cl.GetBlockHeight(ctx, r.commitment)
	if err != nil {
		return 0, classify("block height", err)
	}
	return h, nil
}

func (r *RPC) AccountInfo(ctx context.Context, addr solana.PublicKey) (*Account, error) {
	out, err := r.cl.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: r.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("account %s: %w", addr, sentinel.ErrNotFound)
		}
		return nil, classify("account info", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("account %s: %w", addr, sentinel.ErrNotFound)
	}

	acct := &Account{
		Owner:    out.Value.Owner,
		Lamports: out.Value.Lamports,
	}
	if out.Value.Data != nil {
		acct.Data = out.Value.Data.GetBinary()
	}
	return acct, nil
}

func (r *RPC) FeeForMessage(ctx context.Context, serializedMessage []byte) (uint64, error) {
	out, err := r.cl.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(serializedMessage), r.commitment)
	if err != nil {
		return 0, classify("fee for message", err)
	}
	if out == nil || out.Value == nil {
		return 0, dErrors.New(dErrors.CodeUnavailable, "fee not available for message")
	}
	return *out.Value, nil
}
