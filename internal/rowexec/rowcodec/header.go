// Package rowcodec transforms rows between the packed on-page layout and an
// expanded working layout, per spec.md §3–§4.3. All multi-byte integers are
// little-endian; the codec must not depend on host byte order (spec.md §9).
package rowcodec

import "encoding/binary"

// Bits are the row header flags (spec.md §3 "header_bits"). Bit identities
// are nominal — only their names and invariants matter.
type Bits uint32

const (
	Free Bits = 1 << iota
	CopyTuple
	Alloc
	MMGrown
	VarPart
	DiskInline
	DiskAlloc
	DiskPart
	DiskVarPart
	DiskReorg
	ReorgMove
	LCPSkip
	LCPDelete
)

func (b Bits) Has(f Bits) bool { return b&f != 0 }
func (b Bits) Set(f Bits) Bits { return b | f }
func (b Bits) Clear(f Bits) Bits { return b &^ f }

func (b Bits) String() string {
	names := []struct {
		f Bits
		s string
	}{
		{Free, "FREE"}, {CopyTuple, "COPY_TUPLE"}, {Alloc, "ALLOC"},
		{MMGrown, "MM_GROWN"}, {VarPart, "VAR_PART"}, {DiskInline, "DISK_INLINE"},
		{DiskAlloc, "DISK_ALLOC"}, {DiskPart, "DISK_PART"}, {DiskVarPart, "DISK_VAR_PART"},
		{DiskReorg, "DISK_REORG"}, {ReorgMove, "REORG_MOVE"}, {LCPSkip, "LCP_SKIP"},
		{LCPDelete, "LCP_DELETE"},
	}
	out := ""
	for _, n := range names {
		if b.Has(n.f) {
			if out != "" {
				out += "|"
			}
			out += n.s
		}
	}
	if out == "" {
		return "0"
	}
	return out
}

// FixedHeaderSize is the byte width of the fixed header: bits, operation
// pointer, gci, tuple version, and the maintained checksum.
const FixedHeaderSize = 28

// FixedHeader is the decoded form of the packed row's first 28 bytes.
type FixedHeader struct {
	Bits         Bits
	OperationPtr uint64 // 0 = not linked into an OperationChain
	GCI          uint64
	TupleVersion uint32
	Checksum     uint32
}

// MarshalFixedHeader writes h into buf[0:FixedHeaderSize].
func MarshalFixedHeader(h FixedHeader, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Bits))
	binary.LittleEndian.PutUint64(buf[4:12], h.OperationPtr)
	binary.LittleEndian.PutUint64(buf[12:20], h.GCI)
	binary.LittleEndian.PutUint32(buf[20:24], h.TupleVersion)
	binary.LittleEndian.PutUint32(buf[24:28], h.Checksum)
}

// UnmarshalFixedHeader reads a FixedHeader from buf[0:FixedHeaderSize].
func UnmarshalFixedHeader(buf []byte) FixedHeader {
	return FixedHeader{
		Bits:         Bits(binary.LittleEndian.Uint32(buf[0:4])),
		OperationPtr: binary.LittleEndian.Uint64(buf[4:12]),
		GCI:          binary.LittleEndian.Uint64(buf[12:20]),
		TupleVersion: binary.LittleEndian.Uint32(buf[20:24]),
		Checksum:     binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// DiskRef is the (file, page, slot) pointer to a row's disk part.
type DiskRef struct {
	FileNo  uint32
	PageNo  uint64
	PageIdx uint32
}

const diskRefSize = 16

func marshalDiskRef(r DiskRef, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], r.FileNo)
	binary.LittleEndian.PutUint64(buf[4:12], r.PageNo)
	binary.LittleEndian.PutUint32(buf[12:16], r.PageIdx)
}

func unmarshalDiskRef(buf []byte) DiskRef {
	return DiskRef{
		FileNo:  binary.LittleEndian.Uint32(buf[0:4]),
		PageNo:  binary.LittleEndian.Uint64(buf[4:12]),
		PageIdx: binary.LittleEndian.Uint32(buf[12:16]),
	}
}
