package slotbuf

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/shredrace/internal/bufpool"
)

func encodeShortVecLen(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func buildLegacyTx(sig [64]byte, feePayer, program solana.PublicKey) []byte {
	var buf []byte
	buf = append(buf, encodeShortVecLen(1)...)
	buf = append(buf, sig[:]...)
	buf = append(buf, 1, 0, 1)
	buf = append(buf, encodeShortVecLen(2)...)
	buf = append(buf, feePayer[:]...)
	buf = append(buf, program[:]...)
	var blockhash [32]byte
	buf = append(buf, blockhash[:]...)
	buf = append(buf, encodeShortVecLen(1)...)
	buf = append(buf, 1)
	buf = append(buf, encodeShortVecLen(0)...)
	buf = append(buf, encodeShortVecLen(0)...)
	return buf
}

func buildEntry(txs [][]byte) []byte {
	var buf []byte
	nh := make([]byte, 8)
	binary.LittleEndian.PutUint64(nh, 1)
	buf = append(buf, nh...)
	var hash [32]byte
	buf = append(buf, hash[:]...)
	nt := make([]byte, 8)
	binary.LittleEndian.PutUint64(nt, uint64(len(txs)))
	buf = append(buf, nt...)
	for _, tx := range txs {
		buf = append(buf, tx...)
	}
	return buf
}

// splitIntoShreds breaks data into n equal-ish chunks, simulating how a
// single entry batch gets spread across several data-shred payloads.
func splitIntoShreds(data []byte, n int) [][]byte {
	chunkSize := (len(data) + n - 1) / n
	var out [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

func TestDecoder_ContiguousPrefixDecodesOneTransaction(t *testing.T) {
	var sig [64]byte
	sig[0] = 9
	feePayer := solana.PublicKey{1}
	program := solana.PublicKey{2}

	entryBytes := buildEntry([][]byte{buildLegacyTx(sig, feePayer, program)})
	shreds := splitIntoShreds(entryBytes, 4)

	d := New("shredA", 32, nil)

	var allTxs []DecodedTx
	for i, payload := range shreds {
		last := i == len(shreds)-1
		txs, _ := d.Admit(100, uint32(i), payload, nil, last, last, 42)
		allTxs = append(allTxs, txs...)
	}

	require.Len(t, allTxs, 1)
	assert.Equal(t, sig, allTxs[0].Signature)
	assert.Equal(t, uint64(100), allTxs[0].Slot)
}

func TestDecoder_OutOfOrderArrivalStillDecodes(t *testing.T) {
	var sig [64]byte
	sig[0] = 3
	feePayer := solana.PublicKey{1}
	program := solana.PublicKey{2}

	entryBytes := buildEntry([][]byte{buildLegacyTx(sig, feePayer, program)})
	shreds := splitIntoShreds(entryBytes, 3)

	d := New("shredA", 32, nil)

	var allTxs []DecodedTx
	order := []int{2, 0, 1}
	for i, shredIdx := range order {
		last := shredIdx == len(shreds)-1
		complete := i == len(order)-1
		txs, _ := d.Admit(200, uint32(shredIdx), shreds[shredIdx], nil, complete, last, 1)
		allTxs = append(allTxs, txs...)
	}

	require.Len(t, allTxs, 1)
	assert.Equal(t, sig, allTxs[0].Signature)
}

func TestDecoder_ProgramAllowlistFiltersShredTier(t *testing.T) {
	var sig [64]byte
	feePayer := solana.PublicKey{1}
	program := solana.PublicKey{2}
	other := solana.PublicKey{9}

	entryBytes := buildEntry([][]byte{buildLegacyTx(sig, feePayer, program)})

	allowlist := map[solana.PublicKey]struct{}{other: {}}
	d := New("shredA", 32, allowlist)

	txs, _ := d.Admit(300, 0, entryBytes, nil, true, true, 1)
	assert.Empty(t, txs, "transaction touching only a non-allowlisted program must be dropped")
}

func TestDecoder_EmptyAllowlistAcceptsEverything(t *testing.T) {
	var sig [64]byte
	feePayer := solana.PublicKey{1}
	program := solana.PublicKey{2}
	entryBytes := buildEntry([][]byte{buildLegacyTx(sig, feePayer, program)})

	d := New("shredA", 32, nil)
	txs, _ := d.Admit(400, 0, entryBytes, nil, true, true, 1)
	assert.Len(t, txs, 1)
}

func TestDecoder_SlotFinalizesAsCompleteWhenFullyDecoded(t *testing.T) {
	var sig [64]byte
	feePayer := solana.PublicKey{1}
	program := solana.PublicKey{2}
	entryBytes := buildEntry([][]byte{buildLegacyTx(sig, feePayer, program)})

	d := New("shredA", 32, nil)
	_, finalized := d.Admit(500, 0, entryBytes, nil, true, true, 1)

	require.Len(t, finalized, 1)
	assert.Equal(t, OutcomeComplete, finalized[0].Outcome)
	assert.True(t, finalized[0].CoverageKnow)
	assert.InDelta(t, 1.0, finalized[0].Coverage, 0.0001)
}

// TestDecoder_DuplicateShredDoesNotInflateCoverage covers spec.md §2's
// "duplicated datagrams" case and invariant I4: retransmitting an index
// already consumed into the contiguous prefix must not count shredsSeen, or
// therefore coverage, twice. A retransmit of an index still parked out of
// order is not exercised here.
func TestDecoder_DuplicateShredDoesNotInflateCoverage(t *testing.T) {
	var sig [64]byte
	feePayer := solana.PublicKey{1}
	program := solana.PublicKey{2}
	entryBytes := buildEntry([][]byte{buildLegacyTx(sig, feePayer, program)})
	shreds := splitIntoShreds(entryBytes, 2)

	d := New("shredA", 32, nil)

	// index 0 arrives, is consumed into the contiguous prefix, then is
	// retransmitted before the slot completes.
	d.Admit(450, 0, shreds[0], nil, false, false, 1)
	d.Admit(450, 0, shreds[0], nil, false, false, 1)

	// index 1 (data_complete) completes the slot.
	_, finalized := d.Admit(450, 1, shreds[1], nil, true, true, 1)

	require.Len(t, finalized, 1)
	assert.Equal(t, OutcomeComplete, finalized[0].Outcome)
	assert.Equal(t, 2, finalized[0].ShredsSeen)
	assert.InDelta(t, 1.0, finalized[0].Coverage, 0.0001)
}

// TestDecoder_OutOfOrderPayloadSurvivesReceiverRelease guards against the
// buffer-lifetime bug where a payload parked out of order in st.payloads
// referenced the receiver's pool buffer directly: once the receiver
// released its own reference, the pool could hand that slab's backing
// array back out for an unrelated datagram and silently corrupt the parked
// bytes before the contiguous prefix ever reached them.
func TestDecoder_OutOfOrderPayloadSurvivesReceiverRelease(t *testing.T) {
	var sig [64]byte
	sig[0] = 7
	feePayer := solana.PublicKey{1}
	program := solana.PublicKey{2}
	entryBytes := buildEntry([][]byte{buildLegacyTx(sig, feePayer, program)})
	shreds := splitIntoShreds(entryBytes, 2)

	pool := bufpool.New()
	d := New("shredA", 32, nil)

	buf1 := pool.Get()
	buf1.Data = append(buf1.Data[:0], shreds[1]...)
	// index 1 arrives before index 0: parked out of order.
	d.Admit(600, 1, buf1.Data, buf1, false, true, 1)
	buf1.Release() // the receiver's own reference is done with this datagram

	assert.Equal(t, shreds[1], buf1.Data, "parked payload must survive while the decoder still holds a reference")

	buf0 := pool.Get()
	buf0.Data = append(buf0.Data[:0], shreds[0]...)
	txs, _ := d.Admit(600, 0, buf0.Data, buf0, true, false, 1)
	buf0.Release()

	require.Len(t, txs, 1)
	assert.Equal(t, sig, txs[0].Signature)
}

func TestDecoder_EvictsAgedOutSlotAsDroppedOrPartial(t *testing.T) {
	d := New("shredA", 4, nil)

	// slot 100 never completes (no data_complete flag ever seen)
	d.Admit(100, 0, []byte{0, 0, 0, 0}, nil, false, false, 1)

	_, finalized := d.Admit(200, 0, []byte{0, 0, 0, 0}, nil, false, false, 1)

	require.Len(t, finalized, 1)
	assert.Equal(t, uint64(100), finalized[0].Slot)
	assert.Equal(t, OutcomeDropped, finalized[0].Outcome)
}
