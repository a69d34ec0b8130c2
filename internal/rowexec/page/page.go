// Package page defines the identifiers and header/checksum primitives
// shared by every layer of the fragment row-execution engine: PageStore,
// RowCodec, TupleAllocator, and DiskPartCoordinator all address rows through
// these same types.
package page

import (
	"encoding/binary"
	"fmt"
)

// FragmentID identifies a table shard owned by this node.
type FragmentID uint64

// ID is a page identifier, unique within a fragment.
type ID uint64

// Idx is a slot index within a page.
type Idx uint32

// InvalidID is the null page pointer.
const InvalidID ID = 0

// Rowid identifies a row's home location: the page it lives on and its
// slot index within that page.
type Rowid struct {
	Page ID
	Idx  Idx
}

func (r Rowid) String() string { return fmt.Sprintf("%d:%d", r.Page, r.Idx) }

// Kind distinguishes the four page flavours named in the data model.
type Kind uint8

const (
	KindFixed Kind = iota
	KindVariable
	KindDiskFixed
	KindDiskVariable
)

func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindVariable:
		return "variable"
	case KindDiskFixed:
		return "disk-fixed"
	case KindDiskVariable:
		return "disk-variable"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// DefaultSize and bounds mirror a conventional fixed page size; pages are
// always a power of two so slot offsets fit in 16 bits.
const (
	DefaultSize = 32768
	MinSize     = 8192
	MaxSize     = 65536

	// HeaderSize is the fixed portion every page carries before its
	// kind-specific body: kind, flags, reserved, page id, restart
	// generation (disk pages only), list-index bucket for variable pages.
	HeaderSize = 24
)

// Header is the common prefix written to the first HeaderSize bytes of
// every page buffer.
type Header struct {
	Kind       Kind
	Flags      uint8
	ListIndex  uint16 // free-space bucket this page belongs to (variable pages)
	ID         ID
	RestartSeq uint32 // disk pages only: server restart generation at last write
}

// MarshalHeader writes h into the first HeaderSize bytes of buf.
func MarshalHeader(h Header, buf []byte) {
	if len(buf) < HeaderSize {
		panic("page: buffer too small for header")
	}
	buf[0] = byte(h.Kind)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.ListIndex)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.ID))
	binary.LittleEndian.PutUint32(buf[12:16], h.RestartSeq)
	// buf[16:24] reserved, zeroed by caller-provided buffer.
}

// UnmarshalHeader reads a Header from the first HeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) Header {
	return Header{
		Kind:       Kind(buf[0]),
		Flags:      buf[1],
		ListIndex:  binary.LittleEndian.Uint16(buf[2:4]),
		ID:         ID(binary.LittleEndian.Uint64(buf[4:12])),
		RestartSeq: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// New allocates a zeroed page buffer of the given size and writes its header.
func New(size int, kind Kind, id ID) []byte {
	buf := make([]byte, size)
	MarshalHeader(Header{Kind: kind, ID: id}, buf)
	return buf
}
