// Package tupalloc implements TupleAllocator: placement of packed rows
// into slots on KindFixed/KindVariable pages, and the free-space bucket
// index PageStore consults to find a page with enough room without
// scanning every resident page. The slot directory itself — offset+length
// entries growing forward from the page header while record bytes grow
// backward from the page end, tombstones represented by a zero
// offset/length pair — is the teacher's SlottedPage from
// internal/storage/pager/slotted_page.go, generalized from variable-length
// SQL rows to fixed/variable row-execution pages.
package tupalloc

import (
	"encoding/binary"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
)

const (
	slotDirHeaderOff = page.HeaderSize // slot count + free-space-end, 4 bytes
	slotDirStart     = slotDirHeaderOff + 4
	slotEntrySize    = 4
)

// Slotted wraps a page buffer (as returned by pagestore.Pin) with the
// slot-directory operations TupleAllocator and RowOps use to place and
// retrieve packed rows.
type Slotted struct {
	buf []byte
}

// Wrap adapts an existing page buffer for slot operations.
func Wrap(buf []byte) *Slotted { return &Slotted{buf: buf} }

// Init formats buf as an empty slotted page of kind k with id, leaving the
// whole body available as free space.
func Init(buf []byte, k page.Kind, id page.ID) *Slotted {
	page.MarshalHeader(page.Header{Kind: k, ID: id}, buf)
	binary.LittleEndian.PutUint16(buf[slotDirHeaderOff:], 0)
	binary.LittleEndian.PutUint16(buf[slotDirHeaderOff+2:], uint16(len(buf)))
	return &Slotted{buf: buf}
}

func (s *Slotted) slotCount() int {
	return int(binary.LittleEndian.Uint16(s.buf[slotDirHeaderOff:]))
}

func (s *Slotted) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(s.buf[slotDirHeaderOff:], uint16(n))
}

func (s *Slotted) freeSpaceEnd() int {
	return int(binary.LittleEndian.Uint16(s.buf[slotDirHeaderOff+2:]))
}

func (s *Slotted) setFreeSpaceEnd(off int) {
	binary.LittleEndian.PutUint16(s.buf[slotDirHeaderOff+2:], uint16(off))
}

func (s *Slotted) slotDirEnd() int {
	return slotDirStart + s.slotCount()*slotEntrySize
}

// FreeSpace is the number of bytes available for one more record plus its
// slot entry.
func (s *Slotted) FreeSpace() int {
	fs := s.freeSpaceEnd() - s.slotDirEnd() - slotEntrySize
	if fs < 0 {
		return 0
	}
	return fs
}

type slotEntry struct{ offset, length uint16 }

func (s *Slotted) getSlot(i int) slotEntry {
	off := slotDirStart + i*slotEntrySize
	return slotEntry{
		offset: binary.LittleEndian.Uint16(s.buf[off:]),
		length: binary.LittleEndian.Uint16(s.buf[off+2:]),
	}
}

func (s *Slotted) setSlot(i int, e slotEntry) {
	off := slotDirStart + i*slotEntrySize
	binary.LittleEndian.PutUint16(s.buf[off:], e.offset)
	binary.LittleEndian.PutUint16(s.buf[off+2:], e.length)
}

func (s *Slotted) isTombstone(i int) bool {
	e := s.getSlot(i)
	return e.offset == 0 && e.length == 0
}

// Get returns the packed row bytes at slot idx, or nil if idx is a
// tombstone.
func (s *Slotted) Get(idx page.Idx) []byte {
	i := int(idx)
	if i < 0 || i >= s.slotCount() || s.isTombstone(i) {
		return nil
	}
	e := s.getSlot(i)
	return s.buf[e.offset : e.offset+e.length]
}

// Insert places data into the first free (reused tombstone or new) slot,
// returning its index. Returns a resource-exhaustion error if the page
// lacks room.
func (s *Slotted) Insert(data []byte) (page.Idx, error) {
	needed := len(data)
	if s.FreeSpace() < needed {
		return 0, rerr.New(rerr.KindResourceExhaustion, rerr.TagSlotAllocFailed, "Insert",
			"page has %d free bytes, need %d", s.FreeSpace(), needed)
	}
	newEnd := s.freeSpaceEnd() - needed
	copy(s.buf[newEnd:], data)
	s.setFreeSpaceEnd(newEnd)

	sc := s.slotCount()
	for i := 0; i < sc; i++ {
		if s.isTombstone(i) {
			s.setSlot(i, slotEntry{offset: uint16(newEnd), length: uint16(needed)})
			return page.Idx(i), nil
		}
	}
	s.setSlot(sc, slotEntry{offset: uint16(newEnd), length: uint16(needed)})
	s.setSlotCount(sc + 1)
	return page.Idx(sc), nil
}

// Update replaces the record at idx. In-place when data fits within the
// slot's current capacity, otherwise tombstones the old slot and appends
// the new bytes (matching the teacher's UpdateRecord fallback).
func (s *Slotted) Update(idx page.Idx, data []byte) error {
	i := int(idx)
	if i < 0 || i >= s.slotCount() {
		return rerr.New(rerr.KindSequencing, rerr.TagTupleNotFound, "Update", "slot %d out of range", i)
	}
	old := s.getSlot(i)
	if int(old.length) >= len(data) {
		copy(s.buf[old.offset:], data)
		for j := int(old.offset) + len(data); j < int(old.offset)+int(old.length); j++ {
			s.buf[j] = 0
		}
		s.setSlot(i, slotEntry{offset: old.offset, length: uint16(len(data))})
		return nil
	}
	s.setSlot(i, slotEntry{offset: 0, length: 0})
	needed := len(data)
	if s.FreeSpace()+slotEntrySize < needed {
		return rerr.New(rerr.KindResourceExhaustion, rerr.TagSlotAllocFailed, "Update",
			"page has %d free bytes, need %d", s.FreeSpace()+slotEntrySize, needed)
	}
	newEnd := s.freeSpaceEnd() - needed
	copy(s.buf[newEnd:], data)
	s.setFreeSpaceEnd(newEnd)
	s.setSlot(i, slotEntry{offset: uint16(newEnd), length: uint16(needed)})
	return nil
}

// Delete tombstones the record at idx.
func (s *Slotted) Delete(idx page.Idx) error {
	i := int(idx)
	if i < 0 || i >= s.slotCount() {
		return rerr.New(rerr.KindSequencing, rerr.TagTupleNotFound, "Delete", "slot %d out of range", i)
	}
	s.setSlot(i, slotEntry{offset: 0, length: 0})
	return nil
}

// Compact reorganizes live records to remove the gaps deletions and
// grown-in-place updates leave behind, preserving slot indices (and
// therefore every page.Idx a rowid elsewhere points at) so callers never
// see a record move to a different slot. Returns the number of bytes
// reclaimed, which the periodic optimize job reports as its yield.
func (s *Slotted) Compact() int {
	before := s.FreeSpace()
	sc := s.slotCount()
	type rec struct {
		slot int
		data []byte
	}
	live := make([]rec, 0, sc)
	for i := 0; i < sc; i++ {
		if !s.isTombstone(i) {
			e := s.getSlot(i)
			live = append(live, rec{slot: i, data: append([]byte(nil), s.buf[e.offset:e.offset+e.length]...)})
		}
	}
	s.setFreeSpaceEnd(len(s.buf))
	for _, r := range live {
		newEnd := s.freeSpaceEnd() - len(r.data)
		copy(s.buf[newEnd:], r.data)
		s.setFreeSpaceEnd(newEnd)
		s.setSlot(r.slot, slotEntry{offset: uint16(newEnd), length: uint16(len(r.data))})
	}
	after := s.FreeSpace()
	if after < before {
		return 0
	}
	return after - before
}

// bucketThresholds are the free-space bucket boundaries (in bytes) the
// allocator's free-list index groups pages into, coarsest bucket first.
// Tunable per spec.md §9's Open Question on free-space granularity;
// values chosen to resolve to a handful of buckets for any page size in
// [page.MinSize, page.MaxSize].
var bucketThresholds = []int{16384, 8192, 4096, 2048, 1024, 512, 256, 0}

// Bucket returns the free-list bucket index for a page with freeBytes
// available: lower indices hold pages with more room.
func Bucket(freeBytes int) int {
	for i, t := range bucketThresholds {
		if freeBytes >= t {
			return i
		}
	}
	return len(bucketThresholds) - 1
}

// Index is a fragment-wide free-space directory: for each page kind, the
// set of page ids grouped by free-space bucket, so an allocation can find
// a candidate page without scanning the whole resident set.
type Index struct {
	buckets map[page.Kind]map[int]map[page.ID]struct{}
}

// NewIndex returns an empty free-space index.
func NewIndex() *Index {
	return &Index{buckets: make(map[page.Kind]map[int]map[page.ID]struct{})}
}

// Update records id's current free-space bucket for kind, moving it out of
// any bucket it previously occupied.
func (ix *Index) Update(kind page.Kind, id page.ID, freeBytes int) {
	ix.Remove(kind, id)
	b := Bucket(freeBytes)
	km, ok := ix.buckets[kind]
	if !ok {
		km = make(map[int]map[page.ID]struct{})
		ix.buckets[kind] = km
	}
	bm, ok := km[b]
	if !ok {
		bm = make(map[page.ID]struct{})
		km[b] = bm
	}
	bm[id] = struct{}{}
}

// Remove drops id from kind's free-space index entirely.
func (ix *Index) Remove(kind page.Kind, id page.ID) {
	km, ok := ix.buckets[kind]
	if !ok {
		return
	}
	for _, bm := range km {
		delete(bm, id)
	}
}

// Candidate returns a page id from kind's index whose bucket is Bucket(needed)
// or a roomier one, or (page.InvalidID, false) if none is tracked. The match
// is by bucket only: a bucket's threshold can lie below needed, so the
// returned page may hold fewer than needed free bytes.
func (ix *Index) Candidate(kind page.Kind, needed int) (page.ID, bool) {
	km, ok := ix.buckets[kind]
	if !ok {
		return page.InvalidID, false
	}
	wantBucket := Bucket(needed)
	for b := 0; b <= wantBucket; b++ {
		bm, ok := km[b]
		if !ok {
			continue
		}
		for id := range bm {
			return id, true
		}
	}
	return page.InvalidID, false
}
