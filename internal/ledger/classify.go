package ledger

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	dErrors "credanchor/pkg/domain-errors"
)

// nodeUnhealthyCode is returned by nodes that are behind or still catching
// up; the call is worth retrying against the same endpoint.
const nodeUnhealthyCode = -32005

// classify maps a raw RPC failure into the domain taxonomy. An explicit
// JSON-RPC error from the node is a ledger rejection (fatal) unless the node
// itself reported being unhealthy; everything else is transport trouble and
// retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(dErrors.CodeNetworkTransient, op+" timed out", err)
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == nodeUnhealthyCode {
			return dErrors.Wrap(dErrors.CodeNetworkTransient, op+": node unhealthy", err)
		}
		if strings.Contains(rpcErr.Message, "Blockhash not found") {
			return dErrors.Wrap(dErrors.CodeConfirmationExpired, op+": blockhash not found", err)
		}
		return dErrors.Wrap(dErrors.CodeLedgerRejected, op+" rejected by ledger", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return dErrors.Wrap(dErrors.CodeNetworkTransient, op+" network error", err)
	}

	return dErrors.Wrap(dErrors.CodeNetworkTransient, op+" failed", err)
}
