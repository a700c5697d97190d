package anchor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"credanchor/internal/events"
	"credanchor/internal/ledger"
	"credanchor/internal/ledger/mocks"
	"credanchor/internal/ratelimit"
	"credanchor/internal/retry"
	"credanchor/internal/submitter"
	"credanchor/internal/verifier"
	dErrors "credanchor/pkg/domain-errors"
	"credanchor/pkg/requestcontext"
)

type ClientSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	rpc     *mocks.MockClient
	program solana.PublicKey
	ctx     context.Context
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.rpc = mocks.NewMockClient(s.ctrl)
	s.program = solana.NewWallet().PublicKey()
	s.ctx = context.Background()
}

func (s *ClientSuite) newClient(deps Deps) *Client {
	deps.Ledger = s.rpc
	deps.Program = s.program
	if deps.Salt == nil {
		deps.Salt = []byte("pepper")
	}
	c, err := New(deps)
	s.Require().NoError(err)
	s.T().Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

func (s *ClientSuite) TestNew() {
	s.Run("ledger is required", func() {
		_, err := New(Deps{Salt: []byte("pepper")})
		s.Require().Error(err)
		s.Equal(dErrors.CodeConfiguration, dErrors.CodeOf(err))
	})

	s.Run("salt is required", func() {
		_, err := New(Deps{Ledger: s.rpc})
		s.Require().Error(err)
		s.Equal(dErrors.CodeConfiguration, dErrors.CodeOf(err))
	})
}

func (s *ClientSuite) TestDeriveAndVerifyAddress() {
	c := s.newClient(Deps{})

	addr, err := c.DeriveAddress(s.ctx, []byte("7001234567"))
	s.Require().NoError(err)
	s.False(addr.IsZero())

	ok, err := c.VerifyAddress(s.ctx, []byte("7001234567"), addr)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = c.VerifyAddress(s.ctx, []byte("7001234568"), addr)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *ClientSuite) TestRateLimiting() {
	c := s.newClient(Deps{Limit: ratelimit.Config{Capacity: 2, Interval: time.Hour}})

	ctxA := requestcontext.WithCaller(s.ctx, "caller-a")
	_, err := c.DeriveAddress(ctxA, []byte("7001234567"))
	s.Require().NoError(err)
	_, err = c.DeriveAddress(ctxA, []byte("7001234567"))
	s.Require().NoError(err)

	_, err = c.DeriveAddress(ctxA, []byte("7001234567"))
	s.Require().Error(err)
	s.Equal(dErrors.CodeRateLimited, dErrors.CodeOf(err))

	// A different caller owns a different bucket.
	ctxB := requestcontext.WithCaller(s.ctx, "caller-b")
	_, err = c.DeriveAddress(ctxB, []byte("7001234567"))
	s.NoError(err)
}

func (s *ClientSuite) validAccount() *ledger.Account {
	data, err := json.Marshal(verifier.Record{
		Kind:     verifier.KindIssuance,
		Subject:  "did:anchor:subject",
		Issuer:   "did:anchor:issuer",
		Schema:   "https://schemas.example/credential/v1",
		IssuedAt: time.Now().Add(-time.Hour).Unix(),
	})
	s.Require().NoError(err)
	return &ledger.Account{Owner: s.program, Lamports: 1, Data: data}
}

func (s *ClientSuite) TestVerifyGoesThroughCache() {
	c := s.newClient(Deps{})
	addr := solana.NewWallet().PublicKey()

	s.rpc.EXPECT().AccountInfo(gomock.Any(), addr).Return(s.validAccount(), nil).Times(1)

	first, err := c.Verify(s.ctx, addr)
	s.Require().NoError(err)
	s.True(first.Valid)

	second, err := c.Verify(s.ctx, addr)
	s.Require().NoError(err)
	s.True(second.Valid)

	// Invalidation forces a refetch.
	s.rpc.EXPECT().AccountInfo(gomock.Any(), addr).Return(s.validAccount(), nil).Times(1)
	n, err := c.InvalidateCache(s.ctx, "verify")
	s.Require().NoError(err)
	s.Equal(1, n)

	third, err := c.Verify(s.ctx, addr)
	s.Require().NoError(err)
	s.True(third.Valid)
}

func (s *ClientSuite) TestBatchVerify() {
	c := s.newClient(Deps{Verify: verifier.Options{ChunkSize: 2, ChunkPause: time.Millisecond}})

	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	s.rpc.EXPECT().AccountInfo(gomock.Any(), a).Return(s.validAccount(), nil)
	s.rpc.EXPECT().AccountInfo(gomock.Any(), b).
		Return(nil, dErrors.New(dErrors.CodeNetworkTransient, "rpc timeout"))

	out, err := c.BatchVerify(s.ctx, []solana.PublicKey{a, b})
	s.Require().NoError(err)
	s.Require().Len(out, 2)
	s.True(out[a].Valid)
	s.Error(out[b].Err)
}

func (s *ClientSuite) TestBatchVerifyUsesCacheAndRateBucket() {
	c := s.newClient(Deps{Limit: ratelimit.Config{Capacity: 2, Interval: time.Hour}})

	addr := solana.NewWallet().PublicKey()
	s.rpc.EXPECT().AccountInfo(gomock.Any(), addr).Return(s.validAccount(), nil).Times(1)

	ctx := requestcontext.WithCaller(s.ctx, "caller-batch")
	_, err := c.Verify(ctx, addr)
	s.Require().NoError(err)

	// The single verify cached the outcome; the batch reuses it instead of
	// hitting the ledger again.
	out, err := c.BatchVerify(ctx, []solana.PublicKey{addr})
	s.Require().NoError(err)
	s.True(out[addr].Valid)

	// That batch spent the caller's second token; the bucket is dry now.
	_, err = c.BatchVerify(ctx, []solana.PublicKey{addr})
	s.Require().Error(err)
	s.Equal(dErrors.CodeRateLimited, dErrors.CodeOf(err))
}

func (s *ClientSuite) TestSubmissionEventsReachSubscribers() {
	c := s.newClient(Deps{
		Retry:  retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		Submit: submitter.Options{PollInterval: time.Millisecond, ConfirmTimeout: time.Second},
	})

	signer := solana.NewWallet().PrivateKey
	tx := &solana.Transaction{
		Message: solana.Message{
			Header:      solana.MessageHeader{NumRequiredSignatures: 1},
			AccountKeys: []solana.PublicKey{signer.PublicKey()},
		},
	}

	var sig solana.Signature
	sig[0] = 1
	s.rpc.EXPECT().LatestBlockhash(gomock.Any()).Return(ledger.Blockhash{LastValidBlockHeight: 100}, nil)
	s.rpc.EXPECT().SendRawTransaction(gomock.Any(), gomock.Any()).Return(sig, nil)
	s.rpc.EXPECT().SignatureStatus(gomock.Any(), sig).
		Return(ledger.SignatureStatus{Found: true, Confirmed: true, Slot: 5}, nil)

	var kinds []events.Kind
	sub := c.OnEvent(events.KindTxSent, func(ev events.Event) { kinds = append(kinds, ev.Kind) })
	defer sub.Cancel()
	sub2 := c.OnEvent(events.KindTxConfirmed, func(ev events.Event) { kinds = append(kinds, ev.Kind) })
	defer sub2.Cancel()

	res, err := c.SubmitAndConfirm(s.ctx, tx, []solana.PrivateKey{signer}, submitter.Options{})
	s.Require().NoError(err)
	s.Equal(uint64(5), res.Slot)
	s.Equal([]events.Kind{events.KindTxSent, events.KindTxConfirmed}, kinds)
}

func (s *ClientSuite) TestShutdown() {
	c := s.newClient(Deps{})

	c.Shutdown(s.ctx)
	s.NotPanics(func() { c.Shutdown(s.ctx) })

	// Subscriptions made after shutdown never fire.
	fired := false
	sub := c.OnEvent(events.KindTxSent, func(events.Event) { fired = true })
	s.NotPanics(sub.Cancel)
	s.False(fired)
	s.False(c.IsAuthenticated())
}
