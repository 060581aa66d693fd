package fec

import (
	"testing"

	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/shredrace/internal/shred"
)

func dataShred(slot uint64, index, fecSetIndex uint32, payload []byte) *shred.Shred {
	return &shred.Shred{
		Slot: slot, Index: index, FECSetIndex: fecSetIndex,
		Kind: shred.KindData, Variant: shred.VariantMerkle,
		Payload: payload,
	}
}

func codeShred(slot uint64, index, fecSetIndex uint32, numData, numCoding, fecPosition uint16, payload []byte) *shred.Shred {
	return &shred.Shred{
		Slot: slot, Index: index, FECSetIndex: fecSetIndex,
		Kind: shred.KindCoding, Variant: shred.VariantMerkle,
		NumData: numData, NumCoding: numCoding, FECPosition: fecPosition,
		Payload: payload,
	}
}

// TestAssembler_FullDirectArrival mirrors spec scenario 1: 32 data shreds,
// no coding shreds at all, zero recoveries expected.
func TestAssembler_FullDirectArrival(t *testing.T) {
	a := New(32)

	for i := uint32(0); i < 32; i++ {
		events := a.Admit(nil, dataShred(100, i, 0, []byte{byte(i)}))
		require.Len(t, events, 1)
		assert.Equal(t, uint64(100), events[0].Slot)
		assert.Equal(t, i, events[0].Index)
	}

	assert.Zero(t, a.FECRecovered)
}

// TestAssembler_RecoversMissingDataShards mirrors spec scenario 2: 24 of 32
// data shreds plus all 16 coding shreds for the FEC set; the 8 missing data
// shards must come back byte-identical via Reed-Solomon.
func TestAssembler_RecoversMissingDataShards(t *testing.T) {
	const numData, numCoding = 32, 16
	shardLen := 64

	enc, err := reedsolomon.New(numData, numCoding)
	require.NoError(t, err)

	shards := make([][]byte, numData+numCoding)
	for i := range shards {
		shards[i] = make([]byte, shardLen)
		for j := range shards[i] {
			shards[i][j] = byte((i*31 + j) % 251)
		}
	}
	require.NoError(t, enc.Encode(shards))

	original := make([][]byte, numData)
	for i := 0; i < numData; i++ {
		original[i] = append([]byte(nil), shards[i]...)
	}

	a := New(32)

	missing := map[int]bool{3: true, 7: true, 11: true, 15: true, 19: true, 23: true, 27: true, 31: true}
	require.Len(t, missing, 8)

	var lastEvents []RecoveredDataShred
	for i := 0; i < numData; i++ {
		if missing[i] {
			continue
		}
		events := a.Admit(nil, dataShred(200, uint32(i), 0, shards[i]))
		lastEvents = events
		require.Len(t, events, 1)
	}
	assert.NotNil(t, lastEvents)

	var recovered []RecoveredDataShred
	for i := 0; i < numCoding; i++ {
		events := a.Admit(nil, codeShred(200, uint32(numData+i), 0, numData, numCoding, uint16(i), shards[numData+i]))
		recovered = append(recovered, events...)
	}

	require.Len(t, recovered, 8)
	assert.Equal(t, uint64(8), a.FECRecovered)

	for _, r := range recovered {
		idx := int(r.Index)
		assert.True(t, missing[idx], "recovered index %d should have been one of the missing shards", idx)
		assert.Equal(t, original[idx], r.Payload)
	}
}

func TestAssembler_DisagreeingCountsAreCounted(t *testing.T) {
	a := New(32)

	a.Admit(nil, codeShred(300, 32, 0, 32, 16, 0, make([]byte, 8)))
	a.Admit(nil, codeShred(300, 33, 0, 30, 16, 1, make([]byte, 8)))

	assert.Equal(t, uint64(1), a.FECDisagree)
}

func TestAssembler_EvictsAgedOutSets(t *testing.T) {
	a := New(4)

	a.Admit(nil, dataShred(100, 0, 0, []byte{1}))
	assert.Equal(t, 1, a.ActiveSets())

	a.Admit(nil, dataShred(200, 0, 0, []byte{1}))
	assert.Equal(t, 1, a.ActiveSets(), "slot 100's set should have aged out once slot 200 arrived")
}

// TestAssembler_RecoversWhenThresholdCrossedByDataShred mirrors a
// reordering scenario (spec.md §8 FEC round-trip property): both coding
// shreds arrive first, so the recovery threshold is only crossed once the
// second (and final available) data shred is admitted. Recovery must fire
// from that Data-kind admission, not only from a Coding one.
func TestAssembler_RecoversWhenThresholdCrossedByDataShred(t *testing.T) {
	const numData, numCoding = 4, 2
	const shardLen = 16

	enc, err := reedsolomon.New(numData, numCoding)
	require.NoError(t, err)

	shards := make([][]byte, numData+numCoding)
	for i := range shards {
		shards[i] = make([]byte, shardLen)
		for j := range shards[i] {
			shards[i][j] = byte((i*17 + j) % 251)
		}
	}
	require.NoError(t, enc.Encode(shards))

	original := make([][]byte, numData)
	for i := 0; i < numData; i++ {
		original[i] = append([]byte(nil), shards[i]...)
	}

	a := New(32)

	for i := 0; i < numCoding; i++ {
		events := a.Admit(nil, codeShred(400, uint32(numData+i), 0, numData, numCoding, uint16(i), shards[numData+i]))
		assert.Empty(t, events, "2 coding shreds alone are short of the 4-shard threshold")
	}

	events := a.Admit(nil, dataShred(400, 0, 0, shards[0]))
	require.Len(t, events, 1, "1 data + 2 coding is still short of the threshold")

	events = a.Admit(nil, dataShred(400, 1, 0, shards[1]))
	require.Len(t, events, 3, "direct shred plus the two recovered shards")
	assert.Equal(t, uint32(1), events[0].Index)

	recoveredIdx := map[int]bool{}
	for _, r := range events[1:] {
		idx := int(r.Index)
		recoveredIdx[idx] = true
		assert.Equal(t, original[idx], r.Payload)
	}
	assert.Equal(t, map[int]bool{2: true, 3: true}, recoveredIdx)
	assert.Equal(t, uint64(2), a.FECRecovered)
}

// TestAssembler_AllDataNoCodingCompletesAndIsNotCountedDropped mirrors
// spec.md §8 scenario 1: a FEC set built entirely of data shreds, with no
// coding shred ever seen, must complete internally from the data_complete
// flag alone so it is never later miscounted as dropped on eviction.
func TestAssembler_AllDataNoCodingCompletesAndIsNotCountedDropped(t *testing.T) {
	a := New(4)

	for i := uint32(0); i < 3; i++ {
		s := dataShred(500, i, 0, []byte{byte(i)})
		if i == 2 {
			s.DataComplete = true
			s.LastInSlot = true
		}
		a.Admit(nil, s)
	}

	// Advance well past the window so slot 500's set ages out.
	a.Admit(nil, dataShred(600, 0, 0, []byte{1}))

	assert.Zero(t, a.FECSetsDropped, "a fully-received, data_complete-inferred set must not count as dropped on eviction")
}

// TestAssembler_IncompleteSetCountsAsDropped complements the above: a set
// that never receives enough shards to complete is counted when it ages
// out.
func TestAssembler_IncompleteSetCountsAsDropped(t *testing.T) {
	a := New(4)

	a.Admit(nil, dataShred(700, 0, 0, []byte{1}))
	a.Admit(nil, dataShred(800, 0, 0, []byte{1}))

	assert.Equal(t, uint64(1), a.FECSetsDropped)
}

// TestAssembler_DuplicateDataShredNotForwardedTwice covers spec.md §2's
// "duplicated datagrams" case: retransmitting the same index, before or
// after the set completes, must not re-emit a RecoveredDataShred for it.
func TestAssembler_DuplicateDataShredNotForwardedTwice(t *testing.T) {
	a := New(32)

	events := a.Admit(nil, dataShred(900, 0, 0, []byte{1}))
	require.Len(t, events, 1)

	// Retransmit of the same index before the set completes.
	events = a.Admit(nil, dataShred(900, 0, 0, []byte{1}))
	assert.Empty(t, events)

	for i := uint32(1); i < 32; i++ {
		s := dataShred(900, i, 0, []byte{byte(i)})
		s.DataComplete = i == 31 // completes the set from the data_complete count
		a.Admit(nil, s)
	}

	// Retransmit of an already-completed set's index.
	events = a.Admit(nil, dataShred(900, 5, 0, []byte{5}))
	assert.Empty(t, events)
}
