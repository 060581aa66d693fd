// Package slotbuf assembles per-slot data-shred payloads into a contiguous
// byte stream and incrementally decodes Entry/transaction records from it
// (spec.md §3 SlotBuffer, §4.4 EntryDecoder).
package slotbuf

import (
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/shredrace/internal/bufpool"
	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/txdecode"
)

// DefaultActiveSlotWindow matches fec.DefaultActiveSlotWindow (spec.md §3:
// "default 32 slots ≈ 12.8 s").
const DefaultActiveSlotWindow = 32

// Outcome classifies how a slot's processing ended, for the per-slot ring
// the aggregator keeps (spec.md §4.7, §6 slot_breakdown).
type Outcome string

const (
	OutcomeOpen     Outcome = "open"
	OutcomeComplete Outcome = "complete"
	OutcomePartial  Outcome = "partial"
	OutcomeDropped  Outcome = "dropped"
)

// DecodedTx is a transaction extracted from a slot's entries, stamped with
// the receiver-side timing and slot context spec.md §3 requires.
type DecodedTx struct {
	SourceID  string
	Slot      uint64
	Signature [txdecode.SignatureSize]byte
	RecvTime  clock.MonoTime
	Programs  map[solana.PublicKey]struct{}
}

// SlotResult summarizes a finalized slot for the metrics layer.
type SlotResult struct {
	Slot         uint64
	ShredsSeen   int
	TxsDecoded   int
	Outcome      Outcome
	CoverageKnow bool
	Coverage     float64
}

// shardPayload pairs a parked out-of-order payload with the receiver buffer
// it was retained from. The entry is deleted once consumed; buf is nil for
// payloads that never needed a pool buffer (Reed-Solomon reconstructions,
// tests feeding raw slices directly).
type shardPayload struct {
	buf     *bufpool.Buffer
	payload []byte
}

type slotState struct {
	payloads     map[uint32]shardPayload
	nextIndex    uint32
	buf          []byte
	decodedBytes int

	dataCompleteIdx *uint32
	lastInSlot      bool

	lastRecvTime clock.MonoTime
	txsDecoded   int
	shredsSeen   int
}

// Decoder tracks SlotBuffer state for every active slot of one shred
// source and emits DecodedTx as contiguous prefixes decode successfully.
type Decoder struct {
	sourceID  string
	window    uint64
	allowlist map[solana.PublicKey]struct{} // empty means "no filter"

	slots       map[uint64]*slotState
	highestSlot uint64
	haveHighest bool
}

// New constructs a Decoder. allowlist may be nil/empty, meaning every
// program is accepted (spec.md §4.4: "If a program-id allowlist is
// configured and non-empty").
func New(sourceID string, window uint64, allowlist map[solana.PublicKey]struct{}) *Decoder {
	if window == 0 {
		window = DefaultActiveSlotWindow
	}
	return &Decoder{
		sourceID:  sourceID,
		window:    window,
		allowlist: allowlist,
		slots:     make(map[uint64]*slotState),
	}
}

// Admit feeds one data-shred payload (arrived directly or FEC-recovered)
// into its slot's buffer and attempts to extend the decode. buf is the
// receiver buffer payload was sliced from (nil for a Reed-Solomon
// reconstruction); when payload arrives out of order and must be parked
// until the contiguous prefix reaches it, the Decoder Retains buf and
// releases it once the payload is consumed or the slot is evicted. Admit
// returns any newly decoded, allowlist-passing transactions, plus finalized
// results for this slot if it completed and for slots evicted by this
// admission's window advance.
func (d *Decoder) Admit(slot uint64, index uint32, payload []byte, buf *bufpool.Buffer, complete, last bool, recvTime clock.MonoTime) ([]DecodedTx, []SlotResult) {
	st, ok := d.slots[slot]
	if !ok {
		st = &slotState{payloads: make(map[uint32]shardPayload)}
		d.slots[slot] = st
	}

	// A duplicate/retransmitted datagram for an index already consumed into
	// st.buf (index < nextIndex) or already parked (present in st.payloads)
	// must not inflate shredsSeen a second time (spec.md §2 duplicated
	// datagrams; I4 requires coverage to stay within [0,1]).
	_, alreadyParked := st.payloads[index]
	isNew := index >= st.nextIndex && !alreadyParked

	if isNew {
		st.shredsSeen++
	}
	st.lastRecvTime = recvTime
	if complete && st.dataCompleteIdx == nil {
		idx := index
		st.dataCompleteIdx = &idx
	}
	if last {
		st.lastInSlot = true
	}

	if isNew {
		if buf != nil {
			buf.Retain()
		}
		st.payloads[index] = shardPayload{buf: buf, payload: payload}
	}

	for {
		sp, ok := st.payloads[st.nextIndex]
		if !ok {
			break
		}
		st.buf = append(st.buf, sp.payload...)
		if sp.buf != nil {
			sp.buf.Release()
		}
		delete(st.payloads, st.nextIndex)
		st.nextIndex++
	}

	var txs []DecodedTx
	entries, consumed := txdecode.DecodeEntries(st.buf[st.decodedBytes:])
	if consumed > 0 {
		st.decodedBytes += consumed
		for _, e := range entries {
			for _, tx := range e.Transactions {
				if !d.passesAllowlist(tx.Programs) {
					continue
				}
				st.txsDecoded++
				txs = append(txs, DecodedTx{
					SourceID:  d.sourceID,
					Slot:      slot,
					Signature: tx.Signature,
					RecvTime:  st.lastRecvTime,
					Programs:  tx.Programs,
				})
			}
		}
	}

	var finalized []SlotResult
	if d.isSlotDone(st) {
		finalized = append(finalized, d.finalize(slot, st, OutcomeComplete))
		delete(d.slots, slot)
	}

	if !d.haveHighest || slot > d.highestSlot {
		d.highestSlot = slot
		d.haveHighest = true
		finalized = append(finalized, d.evictBelow()...)
	}

	return txs, finalized
}

func (d *Decoder) passesAllowlist(programs map[solana.PublicKey]struct{}) bool {
	if len(d.allowlist) == 0 {
		return true
	}
	for p := range programs {
		if _, ok := d.allowlist[p]; ok {
			return true
		}
	}
	return false
}

func (d *Decoder) isSlotDone(st *slotState) bool {
	if st.dataCompleteIdx == nil {
		return false
	}
	return st.nextIndex > *st.dataCompleteIdx && st.decodedBytes >= len(st.buf)
}

func (d *Decoder) evictBelow() []SlotResult {
	if !d.haveHighest || d.highestSlot < d.window {
		return nil
	}
	floor := d.highestSlot - d.window
	var results []SlotResult
	for slot, st := range d.slots {
		if slot >= floor {
			continue
		}
		outcome := OutcomeDropped
		if st.txsDecoded > 0 {
			outcome = OutcomePartial
		}
		results = append(results, d.finalize(slot, st, outcome))
		delete(d.slots, slot)
	}
	return results
}

// releasePayloads releases any buffers still held by out-of-order payloads
// the contiguous decode never reached, for a slot that is finalizing
// (completed, partial, or dropped).
func releasePayloads(st *slotState) {
	for idx, sp := range st.payloads {
		if sp.buf != nil {
			sp.buf.Release()
		}
		delete(st.payloads, idx)
	}
}

func (d *Decoder) finalize(slot uint64, st *slotState, outcome Outcome) SlotResult {
	releasePayloads(st)

	res := SlotResult{
		Slot:       slot,
		ShredsSeen: st.shredsSeen,
		TxsDecoded: st.txsDecoded,
		Outcome:    outcome,
	}
	if st.dataCompleteIdx != nil {
		expected := int(*st.dataCompleteIdx) + 1
		res.CoverageKnow = true
		res.Coverage = float64(st.shredsSeen) / float64(expected)
	}
	return res
}
