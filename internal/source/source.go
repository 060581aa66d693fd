// Package source implements BaselineSource: the confirmed (or
// pre-confirmation proxy) transaction feeds that a fast shred source races
// against (spec.md §4.5).
package source

import (
	"context"

	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/slotbuf"
)

// Tier classifies a source for the matcher (spec.md §4.6): a source is
// either racing to be first (fast) or confirming afterwards (baseline).
// jito-grpc is a gRPC transport but semantically fast, not baseline.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBaseline Tier = "baseline"
)

// BaselineSource produces a DecodedTx stream. All three variants (rpc,
// geyser, jito-grpc) share this output contract.
type BaselineSource interface {
	// Name is the configured, unique source identifier.
	Name() string

	// Tier reports how the matcher should classify this source's arrivals.
	Tier() Tier

	// Run blocks, emitting DecodedTx to out until ctx is canceled. Transport
	// failures are retried internally with backoff; Run only returns on
	// context cancellation or a SourceInitError-class failure (spec.md §7).
	Run(ctx context.Context, out chan<- slotbuf.DecodedTx) error
}

// stampedSignatures is the minimal shape every variant converges on before
// emitting: a slot's confirmed signatures plus the monotonic instant this
// host first learned of them.
type stampedSignatures struct {
	slot     uint64
	sigs     [][64]byte
	recvTime clock.MonoTime
}

func emit(ctx context.Context, out chan<- slotbuf.DecodedTx, sourceID string, s stampedSignatures) {
	for _, sig := range s.sigs {
		tx := slotbuf.DecodedTx{
			SourceID:  sourceID,
			Slot:      s.slot,
			Signature: sig,
			RecvTime:  s.recvTime,
		}
		select {
		case out <- tx:
		case <-ctx.Done():
			return
		}
	}
}
