package verifier

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchVerify verifies many addresses with bounded parallelism: fixed-size
// chunks run concurrently, with a pause between chunks to bound request
// rate. A failure verifying one address never aborts the others — per-item
// errors land inline in the result map.
func (v *Verifier) BatchVerify(ctx context.Context, addrs []solana.PublicKey) map[solana.PublicKey]Result {
	out := make(map[solana.PublicKey]Result, len(addrs))
	if len(addrs) == 0 {
		return out
	}

	var mu sync.Mutex
	for start := 0; start < len(addrs); start += v.opts.ChunkSize {
		end := start + v.opts.ChunkSize
		if end > len(addrs) {
			end = len(addrs)
		}
		chunk := addrs[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, addr := range chunk {
			addr := addr
			g.Go(func() error {
				res := v.Verify(gctx, addr)
				mu.Lock()
				out[addr] = res
				mu.Unlock()
				// Isolation: item failures are captured in the
				// result, never propagated.
				return nil
			})
		}
		_ = g.Wait()

		if end < len(addrs) {
			select {
			case <-ctx.Done():
				v.log.Debug("batch verification cancelled",
					zap.Int("verified", len(out)), zap.Int("total", len(addrs)))
				v.fillCancelled(ctx, addrs[end:], out, &mu)
				return out
			case <-time.After(v.opts.ChunkPause):
			}
		}
	}
	return out
}

// fillCancelled marks the unverified remainder so every input address has an
// entry in the result map.
func (v *Verifier) fillCancelled(ctx context.Context, rest []solana.PublicKey, out map[solana.PublicKey]Result, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	for _, addr := range rest {
		if _, ok := out[addr]; !ok {
			out[addr] = Result{Address: addr, Reason: ReasonLookupFailed, Err: ctx.Err()}
		}
	}
}
