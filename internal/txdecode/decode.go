// Package txdecode deserializes the concatenated data-shred payloads of a
// slot into Entry records and, from each transaction's message, the
// signature and touched program IDs (spec.md §4.4, §GLOSSARY "Entry").
//
// There is no bincode/Solana-wire-format library anywhere in the retrieval
// pack, so this walks the format by hand the same way the teacher hand-rolls
// its shred header offsets: fixed-width bincode framing for the Entry
// batch, and Solana's own "short vector" compact-u16 length prefixes for
// the signature/account/instruction lists inside each transaction message.
package txdecode

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SignatureSize is the length of a single ed25519 signature.
const SignatureSize = 64

// PublicKeySize is the length of a Solana account/program key.
const PublicKeySize = 32

// versionPrefixMask marks a v0+ message; legacy messages start directly
// with the signature-count header byte, which is always < 0x80.
const versionPrefixMask = 0x80

// Entry is one PoH entry: a batch of transactions sharing one proof-of-history tick.
type Entry struct {
	NumHashes    uint64
	Hash         [32]byte
	Transactions []Tx
}

// Tx is the minimal view of a decoded transaction this system needs: the
// first signature (used as the transaction's identity) and the set of
// program IDs its static account keys touch.
type Tx struct {
	Signature [SignatureSize]byte
	Programs  map[solana.PublicKey]struct{}
}

// ErrTruncated means the buffer doesn't yet contain a full record. The
// caller should keep accumulating bytes and retry; this is never a
// reportable error (spec.md §7 DecodeError is silent and recoverable).
var ErrTruncated = fmt.Errorf("txdecode: truncated")

// DecodeEntries decodes as many complete Entry records as fit in data,
// returning them along with the number of bytes consumed. Any trailing
// partial entry is left unconsumed so the caller can extend the buffer and
// retry without re-decoding what already succeeded.
func DecodeEntries(data []byte) ([]Entry, int) {
	var entries []Entry
	offset := 0
	for {
		e, n, err := decodeEntry(data[offset:])
		if err != nil {
			break
		}
		entries = append(entries, e)
		offset += n
	}
	return entries, offset
}

func decodeEntry(data []byte) (Entry, int, error) {
	if len(data) < 8+32+8 {
		return Entry{}, 0, ErrTruncated
	}
	var e Entry
	e.NumHashes = binary.LittleEndian.Uint64(data[0:8])
	copy(e.Hash[:], data[8:40])
	numTx := binary.LittleEndian.Uint64(data[40:48])
	offset := 48

	// A corrupt or adversarial count could otherwise force an enormous
	// allocation before any bounds check fails.
	if numTx > uint64(len(data)) {
		return Entry{}, 0, ErrTruncated
	}

	txs := make([]Tx, 0, numTx)
	for i := uint64(0); i < numTx; i++ {
		tx, n, err := decodeTx(data[offset:])
		if err != nil {
			return Entry{}, 0, ErrTruncated
		}
		txs = append(txs, tx)
		offset += n
	}
	e.Transactions = txs
	return e, offset, nil
}

func decodeTx(data []byte) (Tx, int, error) {
	sigCount, n, ok := decodeShortVecLen(data)
	if !ok {
		return Tx{}, 0, ErrTruncated
	}
	offset := n
	if sigCount == 0 {
		return Tx{}, 0, fmt.Errorf("txdecode: transaction with zero signatures")
	}
	if len(data) < offset+sigCount*SignatureSize {
		return Tx{}, 0, ErrTruncated
	}

	var tx Tx
	copy(tx.Signature[:], data[offset:offset+SignatureSize])
	offset += sigCount * SignatureSize

	programs, msgLen, err := decodeMessageProgramIDs(data[offset:])
	if err != nil {
		return Tx{}, 0, err
	}
	tx.Programs = programs
	offset += msgLen

	return tx, offset, nil
}

// decodeMessageProgramIDs walks a transaction Message (legacy or v0) far
// enough to collect the program IDs referenced by its instructions,
// skipping instruction account-index lists and instruction data without
// interpreting them. Program IDs from versioned address-table lookups are
// never collected, matching spec.md §4.4's "ignoring address-lookup-table
// entries".
func decodeMessageProgramIDs(data []byte) (map[solana.PublicKey]struct{}, int, error) {
	if len(data) < 1 {
		return nil, 0, ErrTruncated
	}

	offset := 0
	versioned := data[0]&versionPrefixMask != 0
	if versioned {
		offset++ // version byte; we don't need the version number itself
	}

	// Message header: num_required_signatures, num_readonly_signed,
	// num_readonly_unsigned — one byte each.
	if len(data) < offset+3 {
		return nil, 0, ErrTruncated
	}
	offset += 3

	accountCount, n, ok := decodeShortVecLen(data[offset:])
	if !ok {
		return nil, 0, ErrTruncated
	}
	offset += n
	if len(data) < offset+accountCount*PublicKeySize {
		return nil, 0, ErrTruncated
	}
	accountKeys := make([]solana.PublicKey, accountCount)
	for i := 0; i < accountCount; i++ {
		copy(accountKeys[i][:], data[offset:offset+PublicKeySize])
		offset += PublicKeySize
	}

	// recent_blockhash
	if len(data) < offset+PublicKeySize {
		return nil, 0, ErrTruncated
	}
	offset += PublicKeySize

	instrCount, n, ok := decodeShortVecLen(data[offset:])
	if !ok {
		return nil, 0, ErrTruncated
	}
	offset += n

	programs := make(map[solana.PublicKey]struct{})
	for i := 0; i < instrCount; i++ {
		if len(data) < offset+1 {
			return nil, 0, ErrTruncated
		}
		programIdx := int(data[offset])
		offset++
		if programIdx < len(accountKeys) {
			programs[accountKeys[programIdx]] = struct{}{}
		}

		accIdxCount, n, ok := decodeShortVecLen(data[offset:])
		if !ok {
			return nil, 0, ErrTruncated
		}
		offset += n
		if len(data) < offset+accIdxCount {
			return nil, 0, ErrTruncated
		}
		offset += accIdxCount

		dataLen, n, ok := decodeShortVecLen(data[offset:])
		if !ok {
			return nil, 0, ErrTruncated
		}
		offset += n
		if len(data) < offset+dataLen {
			return nil, 0, ErrTruncated
		}
		offset += dataLen
	}

	if versioned {
		lookupCount, n, ok := decodeShortVecLen(data[offset:])
		if !ok {
			return nil, 0, ErrTruncated
		}
		offset += n
		for i := 0; i < lookupCount; i++ {
			if len(data) < offset+PublicKeySize {
				return nil, 0, ErrTruncated
			}
			offset += PublicKeySize // looked-up table account key

			writableCount, n, ok := decodeShortVecLen(data[offset:])
			if !ok {
				return nil, 0, ErrTruncated
			}
			offset += n
			if len(data) < offset+writableCount {
				return nil, 0, ErrTruncated
			}
			offset += writableCount

			readonlyCount, n, ok := decodeShortVecLen(data[offset:])
			if !ok {
				return nil, 0, ErrTruncated
			}
			offset += n
			if len(data) < offset+readonlyCount {
				return nil, 0, ErrTruncated
			}
			offset += readonlyCount
		}
	}

	return programs, offset, nil
}

// decodeShortVecLen reads a Solana "compact-u16" length prefix: up to three
// 7-bits-per-byte groups, continuation bit in the high bit of each byte.
func decodeShortVecLen(data []byte) (value int, consumed int, ok bool) {
	for i := 0; i < 3; i++ {
		if i >= len(data) {
			return 0, 0, false
		}
		b := data[i]
		value |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1, true
		}
	}
	return 0, 0, false
}
