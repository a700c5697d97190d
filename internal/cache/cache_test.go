package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"credanchor/internal/identity"
	"credanchor/internal/ledger"
	"credanchor/internal/ledger/mocks"
	"credanchor/internal/verifier"
	"credanchor/pkg/platform/sentinel"
)

type AddressCacheSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	client  *mocks.MockClient
	store   *MemoryStore
	program solana.PublicKey
	cache   *AddressCache
	ctx     context.Context
}

func TestAddressCacheSuite(t *testing.T) {
	suite.Run(t, new(AddressCacheSuite))
}

func (s *AddressCacheSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.client = mocks.NewMockClient(s.ctrl)
	s.store = NewMemoryStore()
	s.program = solana.NewWallet().PublicKey()

	d, err := identity.NewDeriver([]byte("pepper"))
	s.Require().NoError(err)
	v := verifier.New(s.client, s.program, zap.NewNop(), nil, verifier.Options{})

	s.cache = New(s.store, d, v, nil, Config{
		PositiveTTL: time.Minute,
		NegativeTTL: 10 * time.Millisecond,
	})
	s.ctx = context.Background()
}

func (s *AddressCacheSuite) validAccount() *ledger.Account {
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

func (s *AddressCacheSuite) TestDeriveAddress() {
	s.Run("memoizes the derived address", func() {
		first, err := s.cache.DeriveAddress(s.ctx, []byte("7001234567"))
		s.Require().NoError(err)
		second, err := s.cache.DeriveAddress(s.ctx, []byte("7001234567"))
		s.Require().NoError(err)
		s.Equal(first, second)
		s.Equal(1, s.store.Len())
	})

	s.Run("keys never contain the raw secret", func() {
		_, err := s.cache.DeriveAddress(s.ctx, []byte("raw-secret-material"))
		s.Require().NoError(err)

		s.store.mu.RLock()
		defer s.store.mu.RUnlock()
		for k := range s.store.entries {
			s.NotContains(k, "raw-secret-material")
		}
	})

	s.Run("only the public address is stored", func() {
		secret := []byte("7009999999")
		addr, err := s.cache.DeriveAddress(s.ctx, secret)
		s.Require().NoError(err)

		s.store.mu.RLock()
		defer s.store.mu.RUnlock()
		found := false
		for k, e := range s.store.entries {
			if strings.HasPrefix(k, "derive:") && string(e.value) == addr.String() {
				found = true
			}
		}
		s.True(found)
	})

	s.Run("derivation error is not cached", func() {
		before := s.store.Len()
		_, err := s.cache.DeriveAddress(s.ctx, nil)
		s.Require().Error(err)
		s.Equal(before, s.store.Len())
	})
}

func (s *AddressCacheSuite) TestVerifyAttestation() {
	s.Run("valid result served from cache on second call", func() {
		addr := solana.NewWallet().PublicKey()
		s.client.EXPECT().AccountInfo(gomock.Any(), addr).Return(s.validAccount(), nil).Times(1)

		first := s.cache.VerifyAttestation(s.ctx, addr)
		s.Require().True(first.Valid)

		second := s.cache.VerifyAttestation(s.ctx, addr)
		s.True(second.Valid)
		s.Require().NotNil(second.Record)
		s.Equal(first.Record.Subject, second.Record.Subject)
	})

	s.Run("negative result expires on the short TTL", func() {
		addr := solana.NewWallet().PublicKey()
		s.client.EXPECT().AccountInfo(gomock.Any(), addr).
			Return(nil, fmt.Errorf("account: %w", sentinel.ErrNotFound)).Times(2)

		first := s.cache.VerifyAttestation(s.ctx, addr)
		s.False(first.Valid)
		s.Equal(verifier.ReasonNotFound, first.Reason)

		// Within the negative TTL the store answers.
		cached := s.cache.VerifyAttestation(s.ctx, addr)
		s.Equal(verifier.ReasonNotFound, cached.Reason)

		time.Sleep(20 * time.Millisecond)
		refetched := s.cache.VerifyAttestation(s.ctx, addr)
		s.Equal(verifier.ReasonNotFound, refetched.Reason)
	})

	s.Run("lookup failures are never cached", func() {
		addr := solana.NewWallet().PublicKey()
		gomock.InOrder(
			s.client.EXPECT().AccountInfo(gomock.Any(), addr).
				Return(nil, fmt.Errorf("rpc timeout")),
			s.client.EXPECT().AccountInfo(gomock.Any(), addr).
				Return(s.validAccount(), nil),
		)

		failed := s.cache.VerifyAttestation(s.ctx, addr)
		s.Error(failed.Err)

		recovered := s.cache.VerifyAttestation(s.ctx, addr)
		s.True(recovered.Valid)
	})
}

func (s *AddressCacheSuite) TestBatchVerify() {
	s.Run("hits skip the ledger, misses are verified and cached", func() {
		cached := solana.NewWallet().PublicKey()
		fresh := solana.NewWallet().PublicKey()
		s.client.EXPECT().AccountInfo(gomock.Any(), cached).Return(s.validAccount(), nil).Times(1)
		s.client.EXPECT().AccountInfo(gomock.Any(), fresh).Return(s.validAccount(), nil).Times(1)

		s.Require().True(s.cache.VerifyAttestation(s.ctx, cached).Valid)

		out := s.cache.BatchVerify(s.ctx, []solana.PublicKey{cached, fresh})
		s.Require().Len(out, 2)
		s.True(out[cached].Valid)
		s.True(out[fresh].Valid)

		// The miss got cached too: a second batch needs no ledger calls.
		again := s.cache.BatchVerify(s.ctx, []solana.PublicKey{cached, fresh})
		s.True(again[fresh].Valid)
	})

	s.Run("lookup failures are never cached", func() {
		addr := solana.NewWallet().PublicKey()
		gomock.InOrder(
			s.client.EXPECT().AccountInfo(gomock.Any(), addr).
				Return(nil, fmt.Errorf("rpc timeout")),
			s.client.EXPECT().AccountInfo(gomock.Any(), addr).
				Return(s.validAccount(), nil),
		)

		first := s.cache.BatchVerify(s.ctx, []solana.PublicKey{addr})
		s.Error(first[addr].Err)

		second := s.cache.BatchVerify(s.ctx, []solana.PublicKey{addr})
		s.True(second[addr].Valid)
	})
}

func (s *AddressCacheSuite) TestInvalidate() {
	_, err := s.cache.DeriveAddress(s.ctx, []byte("7001234567"))
	s.Require().NoError(err)

	addr := solana.NewWallet().PublicKey()
	s.client.EXPECT().AccountInfo(gomock.Any(), addr).Return(s.validAccount(), nil)
	s.cache.VerifyAttestation(s.ctx, addr)
	s.Require().Equal(2, s.store.Len())

	s.Run("single operation", func() {
		n, err := s.cache.Invalidate(s.ctx, "derive")
		s.Require().NoError(err)
		s.Equal(1, n)
		s.Equal(1, s.store.Len())
	})

	s.Run("all operations", func() {
		n, err := s.cache.Invalidate(s.ctx, "")
		s.Require().NoError(err)
		s.Equal(1, n)
		s.Equal(0, s.store.Len())
	})
}
