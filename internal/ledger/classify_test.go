package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"

	dErrors "credanchor/pkg/domain-errors"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset by peer" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestClassify(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, classify("op", nil))
	})

	t.Run("cancellation passes through unclassified", func(t *testing.T) {
		err := classify("op", context.Canceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, dErrors.Code(""), dErrors.CodeOf(err))
	})

	t.Run("deadline is transient", func(t *testing.T) {
		err := classify("op", fmt.Errorf("rpc: %w", context.DeadlineExceeded))
		assert.Equal(t, dErrors.CodeNetworkTransient, dErrors.CodeOf(err))
	})

	t.Run("unhealthy node is transient", func(t *testing.T) {
		err := classify("op", &jsonrpc.RPCError{Code: -32005, Message: "Node is behind by 150 slots"})
		assert.Equal(t, dErrors.CodeNetworkTransient, dErrors.CodeOf(err))
	})

	t.Run("stale blockhash is expiry", func(t *testing.T) {
		err := classify("op", &jsonrpc.RPCError{Code: -32002, Message: "Blockhash not found"})
		assert.Equal(t, dErrors.CodeConfirmationExpired, dErrors.CodeOf(err))
		assert.True(t, dErrors.Retryable(err))
	})

	t.Run("other rpc errors are ledger rejections", func(t *testing.T) {
		cause := &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed"}
		err := classify("send transaction", cause)
		assert.Equal(t, dErrors.CodeLedgerRejected, dErrors.CodeOf(err))
		assert.False(t, dErrors.Retryable(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("net errors are transient", func(t *testing.T) {
		err := classify("op", fmt.Errorf("dial: %w", fakeNetError{}))
		assert.Equal(t, dErrors.CodeNetworkTransient, dErrors.CodeOf(err))
	})

	t.Run("default is transient", func(t *testing.T) {
		err := classify("op", errors.New("unexpected EOF"))
		assert.Equal(t, dErrors.CodeNetworkTransient, dErrors.CodeOf(err))
	})

	t.Run("real deadline from a context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()
		err := classify("op", ctx.Err())
		assert.Equal(t, dErrors.CodeNetworkTransient, dErrors.CodeOf(err))
	})
}
