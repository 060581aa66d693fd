// Package metrics implements the MetricsAggregator (spec.md §4.7): rolling
// per-source counters, per-slot coverage, and the lead-time histogram that
// together condense the pipeline's event stream into one snapshot line per
// source per tick.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/core"
	"github.com/malbeclabs/shredrace/internal/matcher"
	"github.com/malbeclabs/shredrace/internal/slotbuf"
	"github.com/malbeclabs/shredrace/internal/source"
)

// Defaults per spec.md §4.7.
const (
	DefaultWindow          = 60 * time.Second
	DefaultSnapshotInterval = time.Second
	DefaultSlotRingSize     = 500
)

// Histogram range/resolution per spec.md §4.7: "[-500ms, +2000ms] with
// 2500 buckets of 1ms each."
const (
	HistogramLo     = matcher.MinLeadDelta
	HistogramHi     = matcher.MaxLeadDelta
	HistogramBucket = time.Millisecond
)

// LeadStat mirrors the "lead_vs" entry of spec.md §6's snapshot schema.
type LeadStat struct {
	Count   uint64  `json:"count"`
	MeanUs  float64 `json:"mean_us"`
	P50Us   int64   `json:"p50_us"`
	P95Us   int64   `json:"p95_us"`
	P99Us   int64   `json:"p99_us"`
	MinUs   int64   `json:"min_us"`
	MaxUs   int64   `json:"max_us"`
	BeatPct float64 `json:"beat_pct"`
}

// Snapshot is one per-source line of spec.md §6's metrics log schema.
type Snapshot struct {
	TNs           uint64              `json:"t_ns"`
	Source        string              `json:"source"`
	ShredsPerSec  float64             `json:"shreds_per_sec"`
	CoveragePct   *float64            `json:"coverage_pct"`
	TxsPerSec     float64             `json:"txs_per_sec"`
	FECRecovered  uint64              `json:"fec_recovered"`
	LeadVs        map[string]LeadStat `json:"lead_vs"`
}

// leadState is a tumbling two-window lead-time tracker, the same
// current/previous-bucket shape rateWindow uses for the plain rate
// counters, generalized from a scalar count to a full Histogram so that
// p50/p95/p99 (not just a rate) can be rotated: spec.md §3 places the
// lead-time digest inside the same "rolling... 60s" SourceMetrics bucket as
// the other counters, and §4.7 calls the histogram "exactly mergeable
// across windows" specifically so it can be rotated this way.
type leadState struct {
	curStart clock.MonoTime
	cur      *Histogram
	prev     *Histogram

	winsCur, lossesCur   uint64
	winsPrev, lossesPrev uint64
}

func newLeadState(now clock.MonoTime) *leadState {
	return &leadState{
		curStart: now,
		cur:      NewHistogram(HistogramLo, HistogramHi, HistogramBucket),
		prev:     NewHistogram(HistogramLo, HistogramHi, HistogramBucket),
	}
}

// rotate tumbles the current window into the previous one once the window
// length has elapsed, mirroring rateWindow.rotate.
func (ls *leadState) rotate(now clock.MonoTime, window time.Duration) {
	if now.Sub(ls.curStart) >= window {
		ls.prev = ls.cur
		ls.cur = NewHistogram(HistogramLo, HistogramHi, HistogramBucket)
		ls.winsPrev, ls.lossesPrev = ls.winsCur, ls.lossesCur
		ls.winsCur, ls.lossesCur = 0, 0
		ls.curStart = now
	}
}

// merged folds the current and previous windows into one Histogram via
// Histogram.Merge, along with their combined win/loss counts, giving the
// caller the approximately-trailing-window view spec.md §4.7 requires
// instead of a lifetime-cumulative one.
func (ls *leadState) merged() (*Histogram, uint64, uint64) {
	h := NewHistogram(HistogramLo, HistogramHi, HistogramBucket)
	h.Merge(ls.prev)
	h.Merge(ls.cur)
	return h, ls.winsCur + ls.winsPrev, ls.lossesCur + ls.lossesPrev
}

type sourceState struct {
	tier source.Tier

	shredsReceived *rateWindow
	bytesReceived  *rateWindow
	shredsDropped  *rateWindow
	fecRecovered   *rateWindow
	txsDecoded     *rateWindow

	fecRecoveredTotal uint64

	slotRing    []slotbuf.SlotResult
	slotRingPos int
	slotRingLen int

	leadVs map[string]*leadState // keyed by the other side's source name
}

// Config configures an Aggregator.
type Config struct {
	// Sources maps every configured source name to its tier, the same map
	// the matcher is configured with.
	Sources map[string]source.Tier

	Window          time.Duration
	SnapshotInterval time.Duration
	SlotRingSize     int

	// Registerer receives the Prometheus collectors; nil uses
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	WallClock clockwork.Clock
	Clock     *clock.Source
	Logger    *slog.Logger
}

func (c *Config) setDefaults() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: metrics aggregator requires at least one source", core.ErrConfig)
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SlotRingSize <= 0 {
		c.SlotRingSize = DefaultSlotRingSize
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
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

// Aggregator is the MetricsAggregator. It has more than one writer: the
// pipeline calls the shred, FEC and slot Record* methods from each shred
// lane's decode goroutine and RecordLead/RecordRace from its record loop.
// Every method that touches per-source state, Snapshots included,
// serializes on an internal mutex, so all of them are safe to call
// concurrently.
type Aggregator struct {
	cfg     Config
	prom    *promMetrics
	mu      sync.Mutex
	sources map[string]*sourceState
}

// New constructs an Aggregator with one tracked sourceState per configured
// source name.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:     cfg,
		prom:    newPromMetrics(cfg.Registerer),
		sources: make(map[string]*sourceState, len(cfg.Sources)),
	}

	now := cfg.Clock.Now()
	for name, tier := range cfg.Sources {
		ss := &sourceState{
			tier:           tier,
			shredsReceived: newRateWindow(cfg.Window, now),
			bytesReceived:  newRateWindow(cfg.Window, now),
			shredsDropped:  newRateWindow(cfg.Window, now),
			fecRecovered:   newRateWindow(cfg.Window, now),
			txsDecoded:     newRateWindow(cfg.Window, now),
			slotRing:       make([]slotbuf.SlotResult, cfg.SlotRingSize),
			leadVs:         make(map[string]*leadState),
		}
		a.sources[name] = ss
	}
	return a, nil
}

// RecordShreds counts n shreds (totaling bytes) received by sourceName.
func (a *Aggregator) RecordShreds(sourceName string, n int, bytes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.sources[sourceName]
	if !ok {
		return
	}
	now := a.cfg.Clock.Now()
	ss.shredsReceived.add(now, uint64(n))
	ss.bytesReceived.add(now, uint64(bytes))
	a.prom.shredsPerSec.WithLabelValues(sourceName).Set(ss.shredsReceived.perSec(now))
}

// RecordShredsDropped counts n shreds dropped by sourceName, regardless of
// reason (spec.md §7's ParseError/overflow counters both land here).
func (a *Aggregator) RecordShredsDropped(sourceName string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.sources[sourceName]
	if !ok {
		return
	}
	now := a.cfg.Clock.Now()
	ss.shredsDropped.add(now, uint64(n))
	a.prom.shredsDropped.WithLabelValues(sourceName).Add(float64(n))
}

// RecordFECRecovered counts n data shreds recovered via Reed-Solomon for
// sourceName.
func (a *Aggregator) RecordFECRecovered(sourceName string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.sources[sourceName]
	if !ok {
		return
	}
	now := a.cfg.Clock.Now()
	ss.fecRecovered.add(now, uint64(n))
	ss.fecRecoveredTotal += uint64(n)
	a.prom.fecRecovered.WithLabelValues(sourceName).Add(float64(n))
}

// RecordFECSetsDropped counts n FEC sets evicted by sourceName's assembler
// without ever completing (spec.md §4.3 eviction accounting). This is a
// process-only (non-JSONL) counter, like RecordRace.
func (a *Aggregator) RecordFECSetsDropped(sourceName string, n int) {
	a.prom.fecSetsDropped.WithLabelValues(sourceName).Add(float64(n))
}

// RecordTxsDecoded counts n transactions decoded by sourceName.
func (a *Aggregator) RecordTxsDecoded(sourceName string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.sources[sourceName]
	if !ok {
		return
	}
	now := a.cfg.Clock.Now()
	ss.txsDecoded.add(now, uint64(n))
	a.prom.txsPerSec.WithLabelValues(sourceName).Set(ss.txsDecoded.perSec(now))
}

// RecordSlotResult appends a finalized slot record to sourceName's ring
// (spec.md §4.7: "ring of up to 500 most recently finalized per-slot
// records").
func (a *Aggregator) RecordSlotResult(sourceName string, r slotbuf.SlotResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.sources[sourceName]
	if !ok {
		return
	}
	ss.slotRing[ss.slotRingPos] = r
	ss.slotRingPos = (ss.slotRingPos + 1) % len(ss.slotRing)
	if ss.slotRingLen < len(ss.slotRing) {
		ss.slotRingLen++
	}

	if pct := meanCoverage(ss); pct != nil {
		a.prom.coveragePct.WithLabelValues(sourceName).Set(*pct)
	}
}

// RecordLead folds one accepted LeadSample into the fast source's
// lead-vs-baseline stats (spec.md §3 LeadSample, §4.6 BEAT%). A sample
// with Delta > 0 is a win for the fast source; Delta <= 0 is a loss.
func (a *Aggregator) RecordLead(sample matcher.LeadSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.sources[sample.FastSource]
	if !ok {
		return
	}
	now := a.cfg.Clock.Now()
	ls, ok := ss.leadVs[sample.SlowSource]
	if !ok {
		ls = newLeadState(now)
		ss.leadVs[sample.SlowSource] = ls
	}
	ls.rotate(now, a.cfg.Window)
	ls.cur.Add(sample.Delta)
	if sample.Delta > 0 {
		ls.winsCur++
	} else {
		ls.lossesCur++
	}

	merged, wins, losses := ls.merged()
	a.prom.leadCount.WithLabelValues(sample.FastSource, sample.SlowSource).Inc()
	a.prom.leadMeanUs.WithLabelValues(sample.FastSource, sample.SlowSource).Set(merged.Mean())
	a.prom.leadP99Us.WithLabelValues(sample.FastSource, sample.SlowSource).Set(float64(merged.Percentile(0.99)))
	a.prom.beatPct.WithLabelValues(sample.FastSource, sample.SlowSource).Set(beatPct(wins, losses))
}

// RecordRace folds one RaceSample into process-only (non-JSONL) race win
// counters (spec.md §4.6's shred-vs-shred BEAT%, see internal/matcher).
func (a *Aggregator) RecordRace(sample matcher.RaceSample) {
	a.prom.raceWins.WithLabelValues(sample.Winner, sample.Loser).Inc()
}

func beatPct(wins, losses uint64) float64 {
	total := wins + losses
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total)
}

// Snapshots returns one Snapshot per configured source, as of now.
func (a *Aggregator) Snapshots() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.cfg.Clock.Now()
	out := make([]Snapshot, 0, len(a.sources))
	for name, ss := range a.sources {
		snap := Snapshot{
			TNs:          uint64(now),
			Source:       name,
			ShredsPerSec: ss.shredsReceived.perSec(now),
			TxsPerSec:    ss.txsDecoded.perSec(now),
			FECRecovered: ss.fecRecoveredTotal,
			CoveragePct:  meanCoverage(ss),
			LeadVs:       make(map[string]LeadStat, len(ss.leadVs)),
		}
		for baseline, ls := range ss.leadVs {
			ls.rotate(now, a.cfg.Window)
			merged, wins, losses := ls.merged()
			snap.LeadVs[baseline] = LeadStat{
				Count:   merged.Count(),
				MeanUs:  merged.Mean(),
				P50Us:   merged.Percentile(0.50),
				P95Us:   merged.Percentile(0.95),
				P99Us:   merged.Percentile(0.99),
				MinUs:   merged.Min().Microseconds(),
				MaxUs:   merged.Max().Microseconds(),
				BeatPct: beatPct(wins, losses),
			}
		}
		out = append(out, snap)
	}
	return out
}

// meanCoverage averages Coverage across every ring entry with a known
// expected-data count (spec.md I4), or reports unknown (nil) if the ring
// is empty or no entry has a known coverage yet.
func meanCoverage(ss *sourceState) *float64 {
	var sum float64
	var n int
	for i := 0; i < ss.slotRingLen; i++ {
		r := ss.slotRing[i]
		if r.CoverageKnow {
			sum += r.Coverage
			n++
		}
	}
	if n == 0 {
		return nil
	}
	pct := (sum / float64(n)) * 100
	return &pct
}

// SlotBreakdown returns sourceName's finalized-slot ring in insertion
// order, for the benchmark report (spec.md §6 "slot_breakdown").
func (a *Aggregator) SlotBreakdown(sourceName string) []slotbuf.SlotResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	ss, ok := a.sources[sourceName]
	if !ok {
		return nil
	}
	out := make([]slotbuf.SlotResult, 0, ss.slotRingLen)
	if ss.slotRingLen < len(ss.slotRing) {
		out = append(out, ss.slotRing[:ss.slotRingLen]...)
		return out
	}
	out = append(out, ss.slotRing[ss.slotRingPos:]...)
	out = append(out, ss.slotRing[:ss.slotRingPos]...)
	return out
}

// Run periodically emits a Snapshot per source to out, every
// cfg.SnapshotInterval, until ctx is canceled. A full out channel drops
// the tick (spec.md §5: the aggregator's outbound queue to the snapshot
// writer is bounded).
func (a *Aggregator) Run(ctx context.Context, out chan<- Snapshot) {
	ticker := a.cfg.WallClock.NewTicker(a.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, snap := range a.Snapshots() {
				select {
				case out <- snap:
				default:
					a.cfg.Logger.Warn("snapshot dropped, writer queue full", "source", snap.Source)
				}
			}
		}
	}
}
