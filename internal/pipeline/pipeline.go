// Package pipeline wires one receiver/fec/slotbuf chain per configured
// shred source, one BaselineSource per configured rpc/geyser/jito-grpc
// source, and fans every source's DecodedTx into a single Matcher and
// MetricsAggregator (spec.md §2, §5). It is the "glue" layer: no decoding
// or correlation logic lives here, only channel plumbing and per-source
// lifecycle management.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/malbeclabs/shredrace/internal/bufpool"
	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/config"
	"github.com/malbeclabs/shredrace/internal/core"
	"github.com/malbeclabs/shredrace/internal/fec"
	"github.com/malbeclabs/shredrace/internal/matcher"
	"github.com/malbeclabs/shredrace/internal/metrics"
	"github.com/malbeclabs/shredrace/internal/receiver"
	"github.com/malbeclabs/shredrace/internal/shred"
	"github.com/malbeclabs/shredrace/internal/slotbuf"
	"github.com/malbeclabs/shredrace/internal/source"
)

// DefaultTxQueueSize is the capacity of the fan-in channel every source
// feeds into the matcher (spec.md §5: bounded queues everywhere, drop
// rather than block).
const DefaultTxQueueSize = 16384

// Default gRPC full methods for the two streaming source types, in the
// absence of a compiled .proto registry for either (see internal/source's
// jsonCodec doc comment).
const (
	defaultGeyserMethod = "/shredrace.geyser.v1.GeyserSource/SubscribeDecodedTransactions"
	defaultJitoMethod   = "/shredrace.jito.v1.JitoSource/SubscribeDecodedTransactions"
)

// Config configures a Pipeline.
type Config struct {
	Sources config.Config

	WallClock clockwork.Clock
	Clock     *clock.Source
	Logger    *slog.Logger

	// Registerer receives the Prometheus collectors; nil uses
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.WallClock == nil {
		c.WallClock = clockwork.NewRealClock()
	}
	if c.Clock == nil {
		c.Clock = clock.NewSource(c.WallClock)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// shredLane is one shred source's receiver/fec/slotbuf chain.
type shredLane struct {
	name      string
	recv      *receiver.Receiver
	assembler *fec.Assembler
	decoder   *slotbuf.Decoder
}

// Pipeline owns every source, the Matcher, and the MetricsAggregator, and
// drives their lifecycle together.
type Pipeline struct {
	cfg Config

	lanes     []*shredLane
	baselines []source.BaselineSource

	txCh    chan slotbuf.DecodedTx
	leadCh  chan matcher.LeadSample
	raceCh  chan matcher.RaceSample
	snapCh  chan metrics.Snapshot

	matcher *matcher.Matcher
	agg     *metrics.Aggregator
}

// New builds every configured source, the Matcher, and the Aggregator, but
// touches no network (no socket bind, no RPC dial) until Run.
func New(cfg Config) (*Pipeline, error) {
	cfg.setDefaults()

	if len(cfg.Sources.Sources) == 0 {
		return nil, fmt.Errorf("%w: pipeline requires at least one source", core.ErrConfig)
	}

	allowlist, err := cfg.Sources.ProgramAllowlist()
	if err != nil {
		return nil, err
	}

	tiers := make(map[string]source.Tier, len(cfg.Sources.Sources))
	p := &Pipeline{
		cfg:    cfg,
		txCh:   make(chan slotbuf.DecodedTx, DefaultTxQueueSize),
		leadCh: make(chan matcher.LeadSample, DefaultTxQueueSize),
		raceCh: make(chan matcher.RaceSample, DefaultTxQueueSize),
		snapCh: make(chan metrics.Snapshot, 64),
	}

	for _, sc := range cfg.Sources.Sources {
		switch sc.Type {
		case config.SourceTypeShred:
			tiers[sc.Name] = source.TierFast
			lane, err := newShredLane(cfg, sc, allowlist)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", sc.Name, err)
			}
			p.lanes = append(p.lanes, lane)

		case config.SourceTypeRPC:
			tiers[sc.Name] = source.TierBaseline
			bs, err := source.NewRPCSource(source.RPCConfig{
				Name:      sc.Name,
				URL:       sc.URL,
				Clock:     cfg.Clock,
				WallClock: cfg.WallClock,
				Logger:    cfg.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", sc.Name, err)
			}
			p.baselines = append(p.baselines, bs)

		case config.SourceTypeGeyser, config.SourceTypeJitoGRPC:
			tier := source.TierBaseline
			method := defaultGeyserMethod
			if sc.Type == config.SourceTypeJitoGRPC {
				// jito-grpc races for first delivery, same as a shred
				// source, even though it rides a gRPC stream transport.
				tier = source.TierFast
				method = defaultJitoMethod
			}
			tiers[sc.Name] = tier
			bs, err := source.NewGRPCStreamSource(source.GRPCStreamConfig{
				Name:       sc.Name,
				URL:        sc.URL,
				XToken:     sc.XToken,
				FullMethod: method,
				Tier:       tier,
				Clock:      cfg.Clock,
				WallClock:  cfg.WallClock,
				Logger:     cfg.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", sc.Name, err)
			}
			p.baselines = append(p.baselines, bs)

		default:
			return nil, fmt.Errorf("%w: source %q: unknown type %q", core.ErrConfig, sc.Name, sc.Type)
		}
	}

	m, err := matcher.New(matcher.Config{
		Sources:   tiers,
		WallClock: cfg.WallClock,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
	}, p.leadCh, p.raceCh)
	if err != nil {
		return nil, fmt.Errorf("matcher: %w", err)
	}
	p.matcher = m

	agg, err := metrics.New(metrics.Config{
		Sources:    tiers,
		WallClock:  cfg.WallClock,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		Registerer: cfg.Registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	p.agg = agg

	return p, nil
}

func newShredLane(cfg Config, sc config.SourceConfig, allowlist map[solana.PublicKey]struct{}) (*shredLane, error) {
	var pinRecv *int
	if sc.PinRecvCore != nil {
		v := int(*sc.PinRecvCore)
		pinRecv = &v
	}

	recv, err := receiver.New(receiver.Config{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		SourceID:      sc.Name,
		MulticastAddr: sc.MulticastAddr,
		Port:          int(sc.Port),
		InterfaceName: sc.Interface,
		PinRecvCore:   pinRecv,
		Pool:          bufpool.New(),
	})
	if err != nil {
		return nil, err
	}

	return &shredLane{
		name:      sc.Name,
		recv:      recv,
		assembler: fec.New(fec.DefaultActiveSlotWindow),
		decoder:   slotbuf.New(sc.Name, slotbuf.DefaultActiveSlotWindow, allowlist),
	}, nil
}

// Metrics returns the Aggregator, so a caller can read Snapshots() or wire
// a Prometheus handler alongside Run.
func (p *Pipeline) Metrics() *metrics.Aggregator { return p.agg }

// Snapshots is a convenience forward to the Aggregator.
func (p *Pipeline) Snapshots() []metrics.Snapshot { return p.agg.Snapshots() }

// Run starts every source, the decode loop for every shred lane, the
// Matcher, and the Aggregator, and blocks until ctx is canceled. A single
// source failing to initialize or run is logged and disabled for the rest
// of the run (spec.md §7: SourceInitError degrades one source, not the
// whole system); Run only returns early if every source fails.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	failed := make(map[string]bool)
	total := len(p.lanes) + len(p.baselines)
	noSource := false

	markFailed := func(name string, err error) {
		p.cfg.Logger.Error("source failed, disabling", "source", name, "error", err)
		failedMu.Lock()
		failed[name] = true
		n := len(failed)
		failedMu.Unlock()
		if n >= total {
			p.cfg.Logger.Error("all sources failed, shutting down pipeline")
			failedMu.Lock()
			noSource = true
			failedMu.Unlock()
			cancel()
		}
	}

	for _, lane := range p.lanes {
		wg.Add(1)
		go func(lane *shredLane) {
			defer wg.Done()
			if err := lane.recv.Run(runCtx); err != nil && runCtx.Err() == nil {
				markFailed(lane.name, err)
			}
		}(lane)

		wg.Add(1)
		go func(lane *shredLane) {
			defer wg.Done()
			p.decodeLoop(runCtx, lane)
		}(lane)
	}

	for _, bs := range p.baselines {
		wg.Add(1)
		go func(bs source.BaselineSource) {
			defer wg.Done()
			if err := bs.Run(runCtx, p.txCh); err != nil && runCtx.Err() == nil {
				markFailed(bs.Name(), err)
			}
		}(bs)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.matcher.Run(runCtx, p.txCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.agg.Run(runCtx, p.snapCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.recordLoop(runCtx)
	}()

	<-runCtx.Done()
	wg.Wait()

	failedMu.Lock()
	defer failedMu.Unlock()
	if noSource {
		return core.ErrNoSource
	}
	return ctx.Err()
}

// SnapshotStream returns the channel the aggregator emits one Snapshot per
// source to, every SnapshotInterval, while Run is active. A caller that
// wants every tick (e.g. a JSONL writer) should range over this instead of
// polling Snapshots.
func (p *Pipeline) SnapshotStream() <-chan metrics.Snapshot { return p.snapCh }

// recordLoop forwards the Matcher's LeadSample/RaceSample streams into the
// Aggregator. It is not the Aggregator's only writer: each shred lane's
// decodeLoop records its own shred, FEC and slot counters directly, and the
// Aggregator's mutex serializes the two.
func (p *Pipeline) recordLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ls, ok := <-p.leadCh:
			if !ok {
				return
			}
			p.agg.RecordLead(ls)
		case rs, ok := <-p.raceCh:
			if !ok {
				return
			}
			p.agg.RecordRace(rs)
		}
	}
}

// decodeLoop is the single decode thread for one shred lane (spec.md §5):
// it reads RawShred off the receiver, decodes the common header, feeds the
// FEC assembler, then the slot decoder, forwarding any DecodedTx into the
// shared matcher queue and any finalized SlotResult into the aggregator.
func (p *Pipeline) decodeLoop(ctx context.Context, lane *shredLane) {
	log := p.cfg.Logger.With("source", lane.name, "component", "decode")
	var reportedDrops uint64
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-lane.recv.Out():
			if !ok {
				return
			}
			p.handleRawShred(lane, log, raw)
			// Forward the receiver's queue-overflow drops into shreds_dropped.
			if d := lane.recv.Dropped(); d > reportedDrops {
				p.agg.RecordShredsDropped(lane.name, int(d-reportedDrops))
				reportedDrops = d
			}
		}
	}
}

func (p *Pipeline) handleRawShred(lane *shredLane, log *slog.Logger, raw receiver.RawShred) {
	// The receiver's own reference is released once this call is done with
	// it; the FEC assembler and slot decoder each Retain the buffer for as
	// long as they park a bare reference to its payload beyond this call
	// (spec.md §9's cyclic-ownership note).
	defer raw.Buf.Release()

	p.agg.RecordShreds(lane.name, 1, len(raw.Buf.Data))

	s, err := shred.Decode(raw.Buf.Data)
	if err != nil {
		p.agg.RecordShredsDropped(lane.name, 1)
		log.Debug("dropped shred", "error", err)
		return
	}

	before := lane.assembler.FECSetsDropped
	recovered := lane.assembler.Admit(raw.Buf, s)
	if dropped := lane.assembler.FECSetsDropped - before; dropped > 0 {
		p.agg.RecordFECSetsDropped(lane.name, int(dropped))
	}

	// Admit returns the directly-arrived shred (if s was one) plus any
	// newly reconstructed shreds in the same call; anything beyond the
	// direct arrival is Reed-Solomon recovery this round.
	recoveredCount := len(recovered)
	if s.Kind == shred.KindData {
		recoveredCount--
	}
	if recoveredCount > 0 {
		p.agg.RecordFECRecovered(lane.name, recoveredCount)
	}

	for _, rd := range recovered {
		txs, finalized := lane.decoder.Admit(rd.Slot, rd.Index, rd.Payload, rd.Buf, rd.Complete, rd.Last, raw.RecvTime)
		for _, tx := range txs {
			select {
			case p.txCh <- tx:
			default:
				log.Warn("tx dropped, matcher queue full", "slot", tx.Slot)
			}
		}
		if len(txs) > 0 {
			p.agg.RecordTxsDecoded(lane.name, len(txs))
		}
		for _, fr := range finalized {
			p.agg.RecordSlotResult(lane.name, fr)
		}
	}
}
