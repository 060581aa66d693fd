// Package matcher implements the FanIn/Matcher: the cross-source
// correlation of DecodedTx events by transaction signature, and the
// per-pair lead-time sampling that falls out of it (spec.md §4.6).
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/core"
	"github.com/malbeclabs/shredrace/internal/slotbuf"
	"github.com/malbeclabs/shredrace/internal/source"
)

// Defaults per spec.md §4.6/§5.
const (
	DefaultRetentionWindow = 30 * time.Second
	DefaultSlotHorizon     = 150
	DefaultSweepInterval   = 1 * time.Second

	// MinLeadDelta and MaxLeadDelta bound an accepted LeadSample (spec.md
	// §3 LeadSample): deltas outside are discarded as measurement
	// artifacts.
	MinLeadDelta = -500 * time.Millisecond
	MaxLeadDelta = 2000 * time.Millisecond
)

// Signature is the 64-byte opaque transaction signature used as the
// matcher's correlation key.
type Signature = [64]byte

// LeadSample is one fast-vs-baseline arrival delta (spec.md §3).
type LeadSample struct {
	FastSource string
	SlowSource string
	Slot       uint64
	Delta      time.Duration
}

// RaceSample is one fast-vs-fast arrival ordering, tracked separately from
// LeadSample per spec.md §4.6 ("shred-vs-shred pairs produce 'race'
// samples consumed separately for BEAT%"). shredrace does not define a
// shred-vs-shred BEAT metric in its JSONL schema (spec.md §6), so these
// are only exposed via process metrics (internal/metrics).
type RaceSample struct {
	Winner string
	Loser  string
	Slot   uint64
}

// Config configures a Matcher.
type Config struct {
	// Sources maps every configured source name to its tier
	// classification, used to decide which ordered pairs produce a
	// LeadSample vs a RaceSample, and which sources count toward "all
	// sources reported" closure.
	Sources map[string]source.Tier

	RetentionWindow time.Duration
	SlotHorizon     uint64
	SweepInterval   time.Duration

	WallClock clockwork.Clock
	Clock     *clock.Source
	Logger    *slog.Logger
}

func (c *Config) setDefaults() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("%w: matcher requires at least one source", core.ErrConfig)
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.SlotHorizon == 0 {
		c.SlotHorizon = DefaultSlotHorizon
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
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

// match is the per-signature in-flight state (spec.md §3 Match).
type match struct {
	slot      uint64
	times     map[string]clock.MonoTime
	accounted bool
}

// Matcher is the single-writer cross-source signature table (spec.md §4.6,
// §5: "the matcher map is single-writer ... all sources push to it via a
// queue"). Ingest must only be called from Run's goroutine.
type Matcher struct {
	cfg     Config
	matches *ttlcache.Cache[Signature, *match]

	leadOut chan<- LeadSample
	raceOut chan<- RaceSample

	highestSlot uint64
	haveHighest bool

	mu     sync.Mutex
	missed map[string]uint64
}

// New constructs a Matcher. leadOut and raceOut are bounded channels owned
// by the caller (typically the pipeline, feeding internal/metrics); sends
// never block the matcher thread (spec.md §5) — a full queue drops the
// sample.
func New(cfg Config, leadOut chan<- LeadSample, raceOut chan<- RaceSample) (*Matcher, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}

	m := &Matcher{
		cfg:     cfg,
		leadOut: leadOut,
		raceOut: raceOut,
		missed:  make(map[string]uint64, len(cfg.Sources)),
	}

	m.matches = ttlcache.New(
		ttlcache.WithTTL[Signature, *match](cfg.RetentionWindow),
		ttlcache.WithDisableTouchOnHit[Signature, *match](),
	)
	m.matches.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[Signature, *match]) {
		m.accountMissed(item.Value())
	})

	return m, nil
}

// Run drains in, routing every DecodedTx through the matcher, until ctx is
// canceled or in is closed. It also runs the slot-horizon sweep (closure
// rule c) on cfg.SweepInterval; idle-expiry closure (rule b) is driven by
// the ttlcache's own TTL janitor.
func (m *Matcher) Run(ctx context.Context, in <-chan slotbuf.DecodedTx) {
	go m.matches.Start()
	defer m.matches.Stop()

	sweep := m.cfg.WallClock.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tx, ok := <-in:
			if !ok {
				return
			}
			m.ingest(tx)
		case <-sweep.Chan():
			m.sweepHorizon()
		}
	}
}

func (m *Matcher) ingest(tx slotbuf.DecodedTx) {
	m.advanceHighestSlot(tx.Slot)

	item := m.matches.Get(tx.Signature)
	if item == nil {
		mt := &match{
			slot:  tx.Slot,
			times: map[string]clock.MonoTime{tx.SourceID: tx.RecvTime},
		}
		m.matches.Set(tx.Signature, mt, ttlcache.DefaultTTL)
		return
	}

	mt := item.Value()
	if _, seen := mt.times[tx.SourceID]; seen {
		return // I3: earliest-wins, later sightings from the same source are ignored
	}

	mt.times[tx.SourceID] = tx.RecvTime
	m.emitPairs(mt, tx.SourceID)

	if len(mt.times) >= len(m.cfg.Sources) {
		// Closure rule (a): every configured source has reported.
		m.matches.Delete(tx.Signature)
		return
	}
	m.matches.Set(tx.Signature, mt, ttlcache.DefaultTTL) // refresh idle window
}

// emitPairs produces a LeadSample or RaceSample for newSource against
// every other source already recorded in mt, per spec.md §4.6 step 2.
func (m *Matcher) emitPairs(mt *match, newSource string) {
	newTier := m.cfg.Sources[newSource]
	newTime := mt.times[newSource]

	for other, otherTime := range mt.times {
		if other == newSource {
			continue
		}
		otherTier := m.cfg.Sources[other]

		switch {
		case newTier == source.TierFast && otherTier == source.TierBaseline:
			m.emitLead(newSource, newTime, other, otherTime, mt.slot)
		case newTier == source.TierBaseline && otherTier == source.TierFast:
			m.emitLead(other, otherTime, newSource, newTime, mt.slot)
		case newTier == source.TierFast && otherTier == source.TierFast:
			m.emitRace(newSource, newTime, other, otherTime, mt.slot)
		}
	}
}

func (m *Matcher) emitLead(fast string, fastTime clock.MonoTime, slow string, slowTime clock.MonoTime, slot uint64) {
	delta := slowTime.Sub(fastTime)
	if delta < MinLeadDelta || delta > MaxLeadDelta {
		return
	}
	sample := LeadSample{FastSource: fast, SlowSource: slow, Slot: slot, Delta: delta}
	select {
	case m.leadOut <- sample:
	default:
		m.cfg.Logger.Warn("lead sample dropped, aggregator queue full", "fast", fast, "slow", slow)
	}
}

func (m *Matcher) emitRace(a string, aTime clock.MonoTime, b string, bTime clock.MonoTime, slot uint64) {
	if m.raceOut == nil {
		return
	}
	winner, loser := a, b
	if bTime.Before(aTime) {
		winner, loser = b, a
	}
	sample := RaceSample{Winner: winner, Loser: loser, Slot: slot}
	select {
	case m.raceOut <- sample:
	default:
		m.cfg.Logger.Warn("race sample dropped, aggregator queue full", "a", a, "b", b)
	}
}

// accountMissed credits every configured source absent from mt.times to
// its "missed" counter. Called exactly once per match via the accounted
// flag, from whichever path closes it (ttlcache eviction covers both TTL
// expiry and explicit Delete). A match closed because every source
// reported naturally contributes zero misses.
func (m *Matcher) accountMissed(mt *match) {
	if mt.accounted {
		return
	}
	mt.accounted = true

	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.cfg.Sources {
		if _, ok := mt.times[name]; !ok {
			m.missed[name]++
		}
	}
}

// Missed reports how many matches closed without sourceName ever reporting.
func (m *Matcher) Missed(sourceName string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.missed[sourceName]
}

func (m *Matcher) advanceHighestSlot(slot uint64) {
	if !m.haveHighest || slot > m.highestSlot {
		m.highestSlot = slot
		m.haveHighest = true
	}
}

// sweepHorizon closes any match whose slot has aged past the slot-horizon
// window (spec.md §4.6 closure rule c), even if it is still within its
// idle-retention window.
func (m *Matcher) sweepHorizon() {
	if !m.haveHighest || m.highestSlot < m.cfg.SlotHorizon {
		return
	}
	floor := m.highestSlot - m.cfg.SlotHorizon
	for key, item := range m.matches.Items() {
		if item.Value().slot < floor {
			m.matches.Delete(key)
		}
	}
}

// ActiveMatches reports how many signatures are currently in flight, for
// tests and diagnostics.
func (m *Matcher) ActiveMatches() int { return m.matches.Len() }
