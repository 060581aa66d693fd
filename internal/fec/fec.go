// Package fec implements the per-(slot, FEC-set) admission and Reed-Solomon
// recovery described in spec.md §4.3. It groups data and coding shreds,
// and once enough shards are present, recovers any missing data shreds.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/malbeclabs/shredrace/internal/bufpool"
	"github.com/malbeclabs/shredrace/internal/shred"
)

// DefaultActiveSlotWindow is the number of trailing slots kept active
// (spec.md §3 SlotBuffer: "default 32 slots ≈ 12.8 s").
const DefaultActiveSlotWindow = 32

// RecoveredDataShred is a data-shred payload ready for the entry decoder,
// whether it arrived directly or was reconstructed by Reed-Solomon. Buf is
// the receiver buffer backing Payload for a directly-arrived shred (nil for
// a Reed-Solomon reconstruction, which owns freshly allocated bytes); a
// caller that parks Payload beyond the current call must Retain it.
type RecoveredDataShred struct {
	Slot     uint64
	Index    uint32
	Payload  []byte
	Buf      *bufpool.Buffer
	Complete bool // the Shred's data_complete flag, when directly arrived
	Last     bool // the Shred's last_in_slot flag, when directly arrived
}

type setKey struct {
	slot        uint64
	fecSetIndex uint32
}

// shard pairs a parked payload with the receiver buffer it was retained
// from, so the set can release its hold once the payload is no longer
// needed. buf is nil for Reed-Solomon-reconstructed shards, which own their
// own bytes.
type shard struct {
	buf     *bufpool.Buffer
	payload []byte
}

// set is the per-FEC-set state (spec.md §3 FECSet).
type set struct {
	slot        uint64
	fecSetIndex uint32

	data   map[uint32]shard // position within the set -> shard
	coding map[uint16]shard // fec_position -> shard

	numData   uint16
	numCoding uint16
	known     bool

	// dataComplete/dataCompleteCount let a set infer its own data-shred
	// count directly from a data_complete shred, when no coding shred ever
	// arrives to report NumData (spec.md §8 scenario 1: all-data, no
	// coding, must still complete internally).
	dataComplete      bool
	dataCompleteCount uint16

	completed bool
}

// hasContiguousPositions reports whether fs.data holds every position in
// [0, n).
func (fs *set) hasContiguousPositions(n uint16) bool {
	for i := uint16(0); i < n; i++ {
		if _, ok := fs.data[uint32(i)]; !ok {
			return false
		}
	}
	return true
}

// releaseShards releases every buffer this set still holds a reference to
// and clears the held references, so it is safe to call more than once
// (e.g. once on completion, once more on eviction).
func (fs *set) releaseShards() {
	for pos, sh := range fs.data {
		if sh.buf != nil {
			sh.buf.Release()
			sh.buf = nil
			fs.data[pos] = sh
		}
	}
	for pos, sh := range fs.coding {
		if sh.buf != nil {
			sh.buf.Release()
			sh.buf = nil
			fs.coding[pos] = sh
		}
	}
}

// Assembler maintains all active FEC sets and recovers missing data shreds.
// Not safe for concurrent use: spec.md §5 dedicates a single decode thread
// per shred source to this state.
type Assembler struct {
	window uint64
	sets   map[setKey]*set

	highestSlot    uint64
	haveHighest    bool
	FECRecovered   uint64
	FECDisagree    uint64
	FECRecoverFail uint64
	FECSetsDropped uint64
}

// New constructs an Assembler with the given active-slot window. A window
// of 0 uses DefaultActiveSlotWindow.
func New(window uint64) *Assembler {
	if window == 0 {
		window = DefaultActiveSlotWindow
	}
	return &Assembler{window: window, sets: make(map[setKey]*set)}
}

// Admit processes one parsed shred and returns any data-shred payloads now
// ready for the entry decoder: the shred itself if it is a Data shred for a
// position the set does not already hold, plus any shreds recovered by this
// admission. buf is the receiver buffer s.
// Payload was sliced from; the Assembler Retains it for as long as it keeps
// a bare reference to that payload beyond this call.
func (a *Assembler) Admit(buf *bufpool.Buffer, s *shred.Shred) []RecoveredDataShred {
	key := setKey{slot: s.Slot, fecSetIndex: s.FECSetIndex}
	fs, ok := a.sets[key]
	if !ok {
		fs = &set{
			slot:        s.Slot,
			fecSetIndex: s.FECSetIndex,
			data:        make(map[uint32]shard),
			coding:      make(map[uint16]shard),
		}
		a.sets[key] = fs
	}

	a.advanceHighest(s.Slot)

	if fs.completed {
		// spec.md I2: once completed, no further mutation. A Data shred for
		// a position this set already holds (directly or via recovery) is a
		// duplicate/retransmit and must not be forwarded again.
		if s.Kind == shred.KindData {
			pos := s.Index - s.FECSetIndex
			if _, exists := fs.data[pos]; !exists {
				return []RecoveredDataShred{shredToEvent(s, buf)}
			}
		}
		return nil
	}

	var direct []RecoveredDataShred

	switch s.Kind {
	case shred.KindData:
		pos := s.Index - s.FECSetIndex
		if _, exists := fs.data[pos]; !exists {
			if buf != nil {
				buf.Retain()
			}
			fs.data[pos] = shard{buf: buf, payload: s.Payload}
			direct = []RecoveredDataShred{shredToEvent(s, buf)}
		}
		if s.DataComplete {
			count := pos + 1
			if !fs.dataComplete || count > uint32(fs.dataCompleteCount) {
				fs.dataComplete = true
				fs.dataCompleteCount = uint16(count)
			}
		}

	case shred.KindCoding:
		if fs.known && (fs.numData != s.NumData || fs.numCoding != s.NumCoding) {
			a.FECDisagree++
		}
		fs.numData = s.NumData
		fs.numCoding = s.NumCoding
		fs.known = true

		if _, exists := fs.coding[s.FECPosition]; !exists {
			if buf != nil {
				buf.Retain()
			}
			fs.coding[s.FECPosition] = shard{buf: buf, payload: s.Payload}
		}
	}

	// Either kind of admission can cross the completion or recovery
	// threshold: a Data admission can complete a set that already held
	// enough coding shards (or carries its own data_complete count), and a
	// Coding admission can do the reverse. Attempt both regardless of which
	// branch ran (spec.md §8's FEC round-trip property).
	a.tryComplete(fs)
	recovered := a.tryRecover(fs)

	return append(direct, recovered...)
}

func shredToEvent(s *shred.Shred, buf *bufpool.Buffer) RecoveredDataShred {
	return RecoveredDataShred{
		Slot:     s.Slot,
		Index:    s.Index,
		Payload:  s.Payload,
		Buf:      buf,
		Complete: s.DataComplete,
		Last:     s.LastInSlot,
	}
}

// tryComplete marks a set completed once every expected data index has
// arrived directly, without needing Reed-Solomon: either because a coding
// shred reported NumData and that many contiguous positions are in hand, or
// because a data_complete shred itself reported the set's data-shred count
// (spec.md §8 scenario 1: all-data, zero-coding sets).
func (a *Assembler) tryComplete(fs *set) {
	if fs.completed {
		return
	}
	if fs.known && uint16(len(fs.data)) >= fs.numData {
		fs.completed = true
		fs.releaseShards()
		return
	}
	if fs.dataComplete && fs.hasContiguousPositions(fs.dataCompleteCount) {
		fs.completed = true
		fs.releaseShards()
	}
}

// tryRecover attempts Reed-Solomon recovery once enough data+coding shards
// are present, per spec.md §4.3.
func (a *Assembler) tryRecover(fs *set) []RecoveredDataShred {
	if fs.completed || !fs.known || fs.numData == 0 {
		return nil
	}
	if uint16(len(fs.data)+len(fs.coding)) < fs.numData {
		return nil // not enough shards yet
	}

	enc, err := reedsolomon.New(int(fs.numData), int(fs.numCoding))
	if err != nil {
		a.FECRecoverFail++
		return nil
	}

	total := int(fs.numData) + int(fs.numCoding)
	shards := make([][]byte, total)
	maxLen := 0
	for pos, sh := range fs.data {
		if int(pos) < total {
			shards[pos] = sh.payload
			if len(sh.payload) > maxLen {
				maxLen = len(sh.payload)
			}
		}
	}
	for pos, sh := range fs.coding {
		idx := int(fs.numData) + int(pos)
		if idx < total {
			shards[idx] = sh.payload
			if len(sh.payload) > maxLen {
				maxLen = len(sh.payload)
			}
		}
	}
	for i, b := range shards {
		if b == nil {
			continue
		}
		if len(b) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, b)
			shards[i] = padded
		}
	}

	if err := enc.ReconstructData(shards); err != nil {
		a.FECRecoverFail++
		return nil
	}

	var recovered []RecoveredDataShred
	for pos := uint32(0); pos < uint32(fs.numData); pos++ {
		if _, present := fs.data[pos]; present {
			continue
		}
		payload := shards[pos]
		fs.data[pos] = shard{payload: payload}
		recovered = append(recovered, RecoveredDataShred{
			Slot:    fs.slot,
			Index:   fs.fecSetIndex + pos,
			Payload: payload,
		})
	}
	a.FECRecovered += uint64(len(recovered))
	fs.completed = true
	fs.releaseShards()
	return recovered
}

// advanceHighest tracks the highest slot seen and evicts sets that have
// aged out of the active window (spec.md §4.3 eviction).
func (a *Assembler) advanceHighest(slot uint64) {
	if !a.haveHighest || slot > a.highestSlot {
		a.highestSlot = slot
		a.haveHighest = true
		a.FECSetsDropped += uint64(a.evictBelow())
	}
}

// evictBelow drops every FEC set whose slot has fallen out of the active
// window, returning how many were dropped while still incomplete.
func (a *Assembler) evictBelow() int {
	if !a.haveHighest || a.highestSlot < a.window {
		return 0
	}
	floor := a.highestSlot - a.window
	dropped := 0
	for k, fs := range a.sets {
		if k.slot < floor {
			if !fs.completed {
				dropped++
			}
			fs.releaseShards()
			delete(a.sets, k)
		}
	}
	return dropped
}

// ActiveSets reports how many FEC sets are currently tracked, for tests and
// diagnostics.
func (a *Assembler) ActiveSets() int { return len(a.sets) }

func (a *Assembler) String() string {
	return fmt.Sprintf("fec.Assembler{sets=%d, recovered=%d, disagree=%d, dropped=%d}", len(a.sets), a.FECRecovered, a.FECDisagree, a.FECSetsDropped)
}
