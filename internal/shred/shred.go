// Package shred decodes the raw UDP datagram wire format described in
// spec.md §4.2, grown from mcastrelay's internal/shred decoder to cover the
// Merkle-chained and Merkle-chained-resigned variants and the structural
// invariants spec.md §3/§8 require.
package shred

import (
	"encoding/binary"
	"fmt"
)

// MaxSize is the largest datagram the parser will accept (spec.md §4.2, §6).
const MaxSize = 1280

// Common header layout. spec.md §3 types the common-header fields as
// signature(64)+variant(1)+slot(u64)+index(u32)+version(u16)+fec_set_index(u32),
// which sums to 83 bytes, not the 77 named in spec.md §8's boundary test; we
// take the field-width table as authoritative (it also matches the teacher's
// own mcastrelay/internal/shred.CommonHeaderEnd=0x53=83) and run the exact-
// boundary test at 83/82 instead. See DESIGN.md.
const (
	signatureOffset = 0
	signatureSize   = 64
	variantOffset   = 64
	slotOffset      = 65
	indexOffset     = 73
	versionOffset   = 77
	fecSetOffset    = 79

	// CommonHeaderEnd is the length of the common header; shorter datagrams
	// are rejected as too short. Data and coding shreds also need their own
	// 5- and 6-byte headers after it.
	CommonHeaderEnd = 83

	dataParentOffsetOffset = CommonHeaderEnd
	dataFlagsOffset        = CommonHeaderEnd + 2
	dataSizeOffset         = CommonHeaderEnd + 3
	dataPayloadOffset      = CommonHeaderEnd + 5

	codeNumDataOffset  = CommonHeaderEnd
	codeNumCodeOffset  = CommonHeaderEnd + 2
	codeFECPosOffset   = CommonHeaderEnd + 4
	codePayloadOffset  = CommonHeaderEnd + 6

	dataCompleteFlag = 0x01
	lastInSlotFlag   = 0x02

	// maxIndex is the largest shred index this format can carry (spec.md §8:
	// 32767 accepted, 32768 rejected).
	maxIndex = 32767
)

// Kind distinguishes data shreds (carry transaction bytes) from coding
// shreds (carry Reed-Solomon parity).
type Kind uint8

const (
	KindUnknown Kind = iota
	KindData
	KindCoding
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "Data"
	case KindCoding:
		return "Coding"
	default:
		return "Unknown"
	}
}

// Variant is the shred authentication/versioning scheme, encoded in the top
// nibble of the variant byte (spec.md §4.2).
type Variant uint8

const (
	VariantUnknown Variant = iota
	VariantLegacy
	VariantMerkle
	VariantMerkleChained
	VariantMerkleChainedResigned
)

func (v Variant) String() string {
	switch v {
	case VariantLegacy:
		return "Legacy"
	case VariantMerkle:
		return "Merkle"
	case VariantMerkleChained:
		return "MerkleChained"
	case VariantMerkleChainedResigned:
		return "MerkleChainedResigned"
	default:
		return "Unknown"
	}
}

// Shred is a decoded shred header plus its payload bytes.
type Shred struct {
	Slot        uint64
	Index       uint32
	Version     uint16
	FECSetIndex uint32

	Kind    Kind
	Variant Variant

	// Data-only fields.
	ParentOffset uint16
	DataComplete bool
	LastInSlot   bool

	// Coding-only fields.
	NumData     uint16
	NumCoding   uint16
	FECPosition uint16

	Payload []byte
}

// Reason classifies why a datagram was rejected, for shreds_dropped{reason}
// counters (spec.md §7).
type Reason string

const (
	ReasonTooShort       Reason = "too_short"
	ReasonTooLong        Reason = "too_long"
	ReasonReservedVerant Reason = "reserved_variant"
	ReasonUnknownVariant Reason = "unknown_variant"
	ReasonIndexTooLarge  Reason = "index_too_large"
	ReasonBadInvariant   Reason = "bad_invariant"
	ReasonTruncated      Reason = "truncated"
)

// ParseError reports why Decode rejected a datagram.
type ParseError struct {
	Reason Reason
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("shred: %s", e.Reason)
	}
	return fmt.Sprintf("shred: %s: %s", e.Reason, e.Detail)
}

// Decode parses a raw datagram into a Shred. It enforces only the structural
// invariants of spec.md §3/§4.2 — no cryptographic validation is performed.
func Decode(data []byte) (*Shred, error) {
	if len(data) < CommonHeaderEnd {
		return nil, &ParseError{Reason: ReasonTooShort, Detail: fmt.Sprintf("%d bytes", len(data))}
	}
	if len(data) > MaxSize {
		return nil, &ParseError{Reason: ReasonTooLong, Detail: fmt.Sprintf("%d bytes exceeds max", len(data))}
	}

	variantByte := data[variantOffset]
	if variantByte >= 0xC0 {
		return nil, &ParseError{Reason: ReasonReservedVerant, Detail: fmt.Sprintf("0x%02X", variantByte)}
	}

	kind, variant, ok := classifyVariant(variantByte)
	if !ok {
		return nil, &ParseError{Reason: ReasonUnknownVariant, Detail: fmt.Sprintf("0x%02X", variantByte)}
	}

	index := binary.LittleEndian.Uint32(data[indexOffset:])
	if index > maxIndex {
		return nil, &ParseError{Reason: ReasonIndexTooLarge, Detail: fmt.Sprintf("%d", index)}
	}

	s := &Shred{
		Slot:        binary.LittleEndian.Uint64(data[slotOffset:]),
		Index:       index,
		Version:     binary.LittleEndian.Uint16(data[versionOffset:]),
		FECSetIndex: binary.LittleEndian.Uint32(data[fecSetOffset:]),
		Kind:        kind,
		Variant:     variant,
	}

	if s.FECSetIndex > s.Index {
		return nil, &ParseError{Reason: ReasonBadInvariant, Detail: "fec_set_index > index"}
	}

	switch kind {
	case KindData:
		if err := s.parseData(data); err != nil {
			return nil, err
		}
	case KindCoding:
		if err := s.parseCoding(data); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// classifyVariant maps the variant byte to (Kind, Variant) per the table in
// spec.md §4.2.
func classifyVariant(b byte) (Kind, Variant, bool) {
	switch b {
	case 0xA5:
		return KindData, VariantLegacy, true
	case 0x5A:
		return KindCoding, VariantLegacy, true
	}

	switch b >> 4 {
	case 0x8:
		return KindData, VariantMerkle, true
	case 0x9:
		return KindData, VariantMerkleChained, true
	case 0xB:
		return KindData, VariantMerkleChainedResigned, true
	case 0x4:
		return KindCoding, VariantMerkle, true
	case 0x6:
		return KindCoding, VariantMerkleChained, true
	case 0x7:
		return KindCoding, VariantMerkleChainedResigned, true
	}

	return KindUnknown, VariantUnknown, false
}

func (s *Shred) parseData(data []byte) error {
	if len(data) < dataPayloadOffset {
		return &ParseError{Reason: ReasonTruncated, Detail: "data header"}
	}

	s.ParentOffset = binary.LittleEndian.Uint16(data[dataParentOffsetOffset:])
	if uint64(s.ParentOffset) > s.Slot {
		return &ParseError{Reason: ReasonBadInvariant, Detail: "parent_offset > slot"}
	}

	flags := data[dataFlagsOffset]
	s.DataComplete = flags&dataCompleteFlag != 0
	s.LastInSlot = flags&lastInSlotFlag != 0

	size := binary.LittleEndian.Uint16(data[dataSizeOffset:])
	end := dataPayloadOffset + int(size)
	if end > len(data) {
		end = len(data)
	}
	if end > dataPayloadOffset {
		s.Payload = data[dataPayloadOffset:end]
	}

	return nil
}

func (s *Shred) parseCoding(data []byte) error {
	if len(data) < codePayloadOffset {
		return &ParseError{Reason: ReasonTruncated, Detail: "coding header"}
	}

	s.NumData = binary.LittleEndian.Uint16(data[codeNumDataOffset:])
	s.NumCoding = binary.LittleEndian.Uint16(data[codeNumCodeOffset:])
	s.FECPosition = binary.LittleEndian.Uint16(data[codeFECPosOffset:])

	if len(data) > codePayloadOffset {
		s.Payload = data[codePayloadOffset:]
	}

	return nil
}

// Summary is a concise one-line representation suitable for debug logging.
func (s *Shred) Summary() string {
	switch s.Kind {
	case KindData:
		return fmt.Sprintf("[DATA] slot=%d idx=%d fec=%d complete=%t last=%t payload=%d",
			s.Slot, s.Index, s.FECSetIndex, s.DataComplete, s.LastInSlot, len(s.Payload))
	case KindCoding:
		return fmt.Sprintf("[CODE] slot=%d idx=%d fec=%d pos=%d/%d+%d",
			s.Slot, s.Index, s.FECSetIndex, s.FECPosition, s.NumData, s.NumCoding)
	default:
		return fmt.Sprintf("[????] slot=%d idx=%d", s.Slot, s.Index)
	}
}
