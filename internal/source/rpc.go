package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/core"
	"github.com/malbeclabs/shredrace/internal/slotbuf"
)

// DefaultPollInterval is how often Run asks for the latest confirmed slot.
// It is independent of DefaultRequestTimeout.
const DefaultPollInterval = 400 * time.Millisecond

// DefaultRequestTimeout is the timeout for each RPC request (the GetSlot
// call, and each block fetch), shared by that request's retries (spec.md
// §5: "default 2s").
const DefaultRequestTimeout = 2 * time.Second

// RPCClient is the subset of solanarpc.Client this source calls, so tests
// can substitute a fake without dialing a real cluster endpoint.
type RPCClient interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetBlockWithOpts(ctx context.Context, slot uint64, opts *rpc.GetBlockOpts) (*rpc.GetBlockResult, error)
}

// RPCConfig configures the polling JSON-RPC baseline source.
type RPCConfig struct {
	Name           string
	URL            string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Clock          *clock.Source
	WallClock      clockwork.Clock
	Logger         *slog.Logger

	client RPCClient // test seam; built from URL when nil
}

func (c *RPCConfig) setDefaults() error {
	if c.Name == "" {
		return fmt.Errorf("%w: rpc source name is required", core.ErrConfig)
	}
	if c.URL == "" && c.client == nil {
		return fmt.Errorf("%w: rpc source %q: url is required", core.ErrConfig, c.Name)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.WallClock == nil {
		c.WallClock = clockwork.NewRealClock()
	}
	if c.Clock == nil {
		c.Clock = clock.NewSource(c.WallClock)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// RPCSource polls the configured endpoint for the latest confirmed slot and,
// as each becomes available, requests its block's transaction signatures
// (spec.md §4.5 "rpc"). The recv_time on each emitted DecodedTx is the
// monotonic time this host received the RPC response, never a node-reported
// timestamp.
type RPCSource struct {
	cfg         RPCConfig
	client      RPCClient
	lastSlot    uint64
	haveLastSlot bool
}

// NewRPCSource constructs an RPCSource. If cfg carries no RPCClient test
// seam, it constructs the real solanarpc client for cfg.URL.
func NewRPCSource(cfg RPCConfig) (*RPCSource, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	client := cfg.client
	if client == nil {
		client = rpc.New(cfg.URL)
	}
	return &RPCSource{cfg: cfg, client: client}, nil
}

func (s *RPCSource) Name() string { return s.cfg.Name }
func (s *RPCSource) Tier() Tier   { return TierBaseline }

func (s *RPCSource) Run(ctx context.Context, out chan<- slotbuf.DecodedTx) error {
	ticker := s.cfg.WallClock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := s.poll(ctx, out); err != nil {
				s.cfg.Logger.Warn("rpc source poll failed", "source", s.cfg.Name, "error", err)
			}
		}
	}
}

func (s *RPCSource) poll(ctx context.Context, out chan<- slotbuf.DecodedTx) error {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	slot, err := backoff.Retry(reqCtx, func() (uint64, error) {
		return s.client.GetSlot(reqCtx, rpc.CommitmentConfirmed)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	if s.haveLastSlot && slot <= s.lastSlot {
		return nil
	}
	from := slot
	if s.haveLastSlot && s.lastSlot+1 < slot {
		from = s.lastSlot + 1 // catch up on any skipped slots rather than silently dropping them
	}

	for cur := from; cur <= slot; cur++ {
		blockCtx, cancelBlock := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		err := s.fetchBlock(blockCtx, cur, out)
		cancelBlock()
		if err != nil {
			s.cfg.Logger.Debug("rpc source block fetch skipped", "source", s.cfg.Name, "slot", cur, "error", err)
			continue
		}
	}

	s.lastSlot = slot
	s.haveLastSlot = true
	return nil
}

func (s *RPCSource) fetchBlock(ctx context.Context, slot uint64, out chan<- slotbuf.DecodedTx) error {
	maxVersion := uint64(0)
	opts := &rpc.GetBlockOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		TransactionDetails:             rpc.TransactionDetailsSignatures,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	block, err := backoff.Retry(ctx, func() (*rpc.GetBlockResult, error) {
		return s.client.GetBlockWithOpts(ctx, slot, opts)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("get block %d: %w", slot, err)
	}
	recvTime := s.cfg.Clock.FromWallClock(s.cfg.WallClock.Now())

	sigs := make([][64]byte, 0, len(block.Signatures))
	for _, sig := range block.Signatures {
		sigs = append(sigs, [64]byte(sig))
	}

	emit(ctx, out, s.cfg.Name, stampedSignatures{slot: slot, sigs: sigs, recvTime: recvTime})
	return nil
}
