package shred

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCommonHeader writes the 83-byte common header fields at their
// documented offsets, matching the layout mcastrelay/internal/shred/shred.go
// constructs its fixtures against.
func buildCommonHeader(variant byte, slot uint64, index uint32, version uint16, fecSetIndex uint32) []byte {
	buf := make([]byte, CommonHeaderEnd)
	buf[variantOffset] = variant
	binary.LittleEndian.PutUint64(buf[slotOffset:], slot)
	binary.LittleEndian.PutUint32(buf[indexOffset:], index)
	binary.LittleEndian.PutUint16(buf[versionOffset:], version)
	binary.LittleEndian.PutUint32(buf[fecSetOffset:], fecSetIndex)
	return buf
}

func buildDataShred(variant byte, slot uint64, index uint32, fecSetIndex uint32, parentOffset uint16, flags byte, payload []byte) []byte {
	buf := buildCommonHeader(variant, slot, index, 0, fecSetIndex)
	tail := make([]byte, 5+len(payload))
	binary.LittleEndian.PutUint16(tail, parentOffset)
	tail[2] = flags
	binary.LittleEndian.PutUint16(tail[3:], uint16(len(payload)))
	copy(tail[5:], payload)
	return append(buf, tail...)
}

func buildCodeShred(variant byte, slot uint64, index uint32, fecSetIndex uint32, numData, numCoding, fecPosition uint16, payload []byte) []byte {
	buf := buildCommonHeader(variant, slot, index, 0, fecSetIndex)
	tail := make([]byte, 6+len(payload))
	binary.LittleEndian.PutUint16(tail, numData)
	binary.LittleEndian.PutUint16(tail[2:], numCoding)
	binary.LittleEndian.PutUint16(tail[4:], fecPosition)
	copy(tail[6:], payload)
	return append(buf, tail...)
}

func TestDecode_LegacyDataShred(t *testing.T) {
	data := buildDataShred(0xA5, 100, 5, 0, 99, dataCompleteFlag, []byte("hello"))

	s, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindData, s.Kind)
	assert.Equal(t, VariantLegacy, s.Variant)
	assert.Equal(t, uint64(100), s.Slot)
	assert.Equal(t, uint32(5), s.Index)
	assert.True(t, s.DataComplete)
	assert.False(t, s.LastInSlot)
	assert.Equal(t, []byte("hello"), s.Payload)
}

func TestDecode_LegacyCodeShred(t *testing.T) {
	data := buildCodeShred(0x5A, 100, 40, 32, 32, 32, 8, []byte("parity"))

	s, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindCoding, s.Kind)
	assert.Equal(t, VariantLegacy, s.Variant)
	assert.Equal(t, uint16(32), s.NumData)
	assert.Equal(t, uint16(32), s.NumCoding)
	assert.Equal(t, uint16(8), s.FECPosition)
	assert.Equal(t, []byte("parity"), s.Payload)
}

func TestDecode_VariantClassificationTable(t *testing.T) {
	cases := []struct {
		name        string
		variant     byte
		kind        Kind
		wantVariant Variant
	}{
		{"merkle data plain", 0x80, KindData, VariantMerkle},
		{"merkle data chained", 0x90, KindData, VariantMerkleChained},
		{"merkle data resigned", 0xB0, KindData, VariantMerkleChainedResigned},
		{"merkle coding plain", 0x40, KindCoding, VariantMerkle},
		{"merkle coding chained", 0x60, KindCoding, VariantMerkleChained},
		{"merkle coding resigned", 0x70, KindCoding, VariantMerkleChainedResigned},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var data []byte
			if tc.kind == KindData {
				data = buildDataShred(tc.variant, 10, 0, 0, 0, 0, nil)
			} else {
				data = buildCodeShred(tc.variant, 10, 0, 0, 1, 1, 0, nil)
			}

			s, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, s.Kind)
			assert.Equal(t, tc.wantVariant, s.Variant)
		})
	}
}

func TestDecode_ReservedVariantRejected(t *testing.T) {
	data := buildDataShred(0xC0, 10, 0, 0, 0, 0, nil)

	_, err := Decode(data)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonReservedVerant, pe.Reason)
}

func TestDecode_UnknownVariantRejected(t *testing.T) {
	data := buildDataShred(0x00, 10, 0, 0, 0, 0, nil)

	_, err := Decode(data)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonUnknownVariant, pe.Reason)
}

func TestDecode_CommonHeaderBoundary(t *testing.T) {
	full := buildDataShred(0xA5, 10, 0, 0, 0, 0, nil)
	require.Len(t, full, CommonHeaderEnd+5)

	_, err := Decode(full[:CommonHeaderEnd])
	require.Error(t, err, "a common header with no data-shred tail is truncated")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonTruncated, pe.Reason)

	_, err = Decode(full[:CommonHeaderEnd-1])
	require.Error(t, err)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonTooShort, pe.Reason)
}

func TestDecode_IndexBoundary(t *testing.T) {
	ok := buildDataShred(0xA5, 10, maxIndex, 0, 0, 0, nil)
	_, err := Decode(ok)
	require.NoError(t, err)

	tooLarge := buildDataShred(0xA5, 10, maxIndex+1, 0, 0, 0, nil)
	_, err = Decode(tooLarge)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonIndexTooLarge, pe.Reason)
}

func TestDecode_FECSetIndexInvariant(t *testing.T) {
	data := buildDataShred(0xA5, 10, 5, 6, 0, 0, nil)

	_, err := Decode(data)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonBadInvariant, pe.Reason)
}

func TestDecode_ParentOffsetInvariant(t *testing.T) {
	data := buildDataShred(0xA5, 10, 5, 0, 11, 0, nil)

	_, err := Decode(data)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonBadInvariant, pe.Reason)
}

func TestDecode_TooShortDatagram(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonTooShort, pe.Reason)
}
