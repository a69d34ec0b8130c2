// Package checksum implements ChecksumGuard: a maintained XOR checksum over
// a row's packed on-page words, used to detect silent corruption without
// forcing a full page scan. XOR was chosen over a CRC (contrast the
// teacher's page-level CRC32 Castagnoli in the pager package) because it
// supports O(1) incremental maintenance as RowOps mutates individual words
// — recomputing a CRC on every UPDATE would undo the point of an in-place
// row store.
package checksum

import (
	"encoding/binary"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
)

// excludedOpPtrStart/End and checksumFieldStart/End mark the byte ranges of
// the fixed header that are never folded into the checksum: operation_ptr
// changes on every
// transaction without the row's visible content changing, and the checksum
// word itself obviously cannot include its own prior value.
const (
	excludedOpPtrStart = 4
	excludedOpPtrEnd   = 12
	checksumFieldStart = rowcodec.FixedHeaderSize - 4
	checksumFieldEnd   = rowcodec.FixedHeaderSize
)

// Compute folds buf's words (4-byte little-endian groups) into a single
// XOR checksum, skipping the operation pointer and the checksum field
// itself. buf must be at least FixedHeaderSize bytes and a multiple of 4 in
// length; the caller (RowOps' installRow) pads the packed row to a word
// boundary before calling in.
func Compute(buf []byte) (uint32, error) {
	if len(buf) < rowcodec.FixedHeaderSize {
		return 0, rerr.New(rerr.KindCorruption, rerr.TagChecksumMismatch, "Compute",
			"buffer shorter than fixed header (%d < %d)", len(buf), rowcodec.FixedHeaderSize)
	}
	if len(buf)%4 != 0 {
		return 0, rerr.New(rerr.KindCorruption, rerr.TagChecksumMismatch, "Compute",
			"buffer length %d is not word-aligned", len(buf))
	}
	var sum uint32
	for off := 0; off+4 <= len(buf); off += 4 {
		if off >= excludedOpPtrStart && off < excludedOpPtrEnd {
			continue
		}
		if off >= checksumFieldStart && off < checksumFieldEnd {
			continue
		}
		sum ^= binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return sum, nil
}

// Stamp computes buf's checksum and writes it into the fixed header's
// checksum field in place.
func Stamp(buf []byte) error {
	sum, err := Compute(buf)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[checksumFieldStart:checksumFieldEnd], sum)
	return nil
}

// Verify recomputes buf's checksum and compares it against the value
// stored in the fixed header, returning a KindCorruption error on mismatch
// (spec.md §4.5's maintained-checksum guard).
func Verify(buf []byte) error {
	stored := binary.LittleEndian.Uint32(buf[checksumFieldStart:checksumFieldEnd])
	got, err := Compute(buf)
	if err != nil {
		return err
	}
	if got != stored {
		return rerr.New(rerr.KindCorruption, rerr.TagChecksumMismatch, "Verify",
			"checksum mismatch: stored %#x computed %#x", stored, got)
	}
	return nil
}

// ApplyWordDelta incrementally updates the checksum stored in buf for a
// single word at byte offset wordOff that changed from oldWord to the
// word now present at that offset in buf. This lets RowOps update one
// attribute without re-folding the whole row.
func ApplyWordDelta(buf []byte, wordOff int, oldWord uint32) error {
	if wordOff%4 != 0 || wordOff+4 > len(buf) {
		return rerr.New(rerr.KindCorruption, rerr.TagChecksumMismatch, "ApplyWordDelta",
			"word offset %d out of range or misaligned for buffer of length %d", wordOff, len(buf))
	}
	if wordOff >= excludedOpPtrStart && wordOff < excludedOpPtrEnd {
		return nil
	}
	if wordOff >= checksumFieldStart && wordOff < checksumFieldEnd {
		return nil
	}
	newWord := binary.LittleEndian.Uint32(buf[wordOff : wordOff+4])
	stored := binary.LittleEndian.Uint32(buf[checksumFieldStart:checksumFieldEnd])
	stored ^= oldWord
	stored ^= newWord
	binary.LittleEndian.PutUint32(buf[checksumFieldStart:checksumFieldEnd], stored)
	return nil
}
