// Package pagestore implements PageStore: the in-memory, main-memory-part
// page cache that TupleAllocator and RowOps address rows through. Unlike
// the teacher's Pager, PageStore never touches a file or a WAL — spec.md §1
// places disk I/O itself out of scope, reachable only through the
// DiskPartCoordinator's LogManager/DiskPageLoader ports — so this is the
// teacher's PageBufferPool LRU design with the disk-backing half removed
// and a per-page mutex added for concurrent in-place row mutation.
package pagestore

import (
	"sync"
	"sync/atomic"

	"github.com/SimonWaldherr/tinySQL/internal/metrics"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
)

// frame is a cached page: its buffer, LRU links, and a per-page mutex
// guarding in-place mutation of buf (TupleAllocator writes, ChecksumGuard
// stamps).
type frame struct {
	id   page.ID
	buf  []byte
	mu   sync.Mutex
	prev *frame
	next *frame
}

// Config tunes a Store's capacity.
type Config struct {
	MaxPages int // default 1024
	PageSize int // default page.DefaultSize
}

// Store is a fragment's resident set of main-memory pages: an LRU cache
// keyed by page id, with eviction gated on page pins the way the teacher's
// PageBufferPool gates on PageFrame.pinned.
type Store struct {
	mu       sync.Mutex
	maxPages int
	pageSize int
	nextID   page.ID
	pages    map[page.ID]*frame
	pinCount map[page.ID]int
	head     *frame
	tail     *frame

	evictions atomic.Uint64
}

// New returns an empty Store.
func New(cfg Config) *Store {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1024
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = page.DefaultSize
	}
	return &Store{
		maxPages: cfg.MaxPages,
		pageSize: cfg.PageSize,
		nextID:   1,
		pages:    make(map[page.ID]*frame, cfg.MaxPages),
		pinCount: make(map[page.ID]int),
	}
}

// Allocate creates a new zeroed page of the given kind, pins it, and
// returns its id. The caller must Unpin when done inspecting/mutating it.
func (s *Store) Allocate(kind page.Kind) (page.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	buf := page.New(s.pageSize, kind, id)
	f := &frame{id: id, buf: buf}

	if err := s.admit(f); err != nil {
		return page.InvalidID, err
	}
	s.pinCount[id] = 1
	return id, nil
}

// Pin fetches a page's buffer, pinning it against eviction. Every Pin must
// be matched by an Unpin.
func (s *Store) Pin(id page.ID) ([]byte, *sync.Mutex, error) {
	s.mu.Lock()
	f, ok := s.pages[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, rerr.New(rerr.KindResourceExhaustion, rerr.TagSlotAllocFailed, "Pin",
			"page %d not resident", id)
	}
	s.moveToFront(f)
	s.pinCount[id]++
	s.mu.Unlock()
	return f.buf, &f.mu, nil
}

// Unpin releases a pin taken by Pin or Allocate.
func (s *Store) Unpin(id page.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinCount[id] > 0 {
		s.pinCount[id]--
	}
	if s.pinCount[id] == 0 {
		delete(s.pinCount, id)
	}
}

// Free removes a page from the store entirely. The page must be unpinned.
func (s *Store) Free(id page.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinCount[id] > 0 {
		return rerr.New(rerr.KindInvariantBreach, rerr.TagInvariantBreach, "Free",
			"page %d freed while still pinned (%d pins)", id, s.pinCount[id])
	}
	f, ok := s.pages[id]
	if !ok {
		return nil
	}
	s.unlink(f)
	delete(s.pages, id)
	return nil
}

// Resident reports the number of pages currently cached.
func (s *Store) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

// Evictions reports the lifetime count of pages evicted to make room for a
// new admission, exposed on the metrics surface as a cache-pressure signal.
func (s *Store) Evictions() uint64 {
	return s.evictions.Load()
}

// IDs returns the ids of every page currently resident, for the periodic
// optimize job to walk without needing its own page-id bookkeeping.
func (s *Store) IDs() []page.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]page.ID, 0, len(s.pages))
	for id := range s.pages {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) admit(f *frame) error {
	for len(s.pages) >= s.maxPages {
		if !s.evictOne() {
			return rerr.New(rerr.KindResourceExhaustion, rerr.TagSlotAllocFailed, "admit",
				"page store full (%d pages) and every page is pinned", s.maxPages)
		}
	}
	s.pages[f.id] = f
	s.pushFront(f)
	return nil
}

func (s *Store) evictOne() bool {
	for f := s.tail; f != nil; f = f.prev {
		if s.pinCount[f.id] == 0 {
			s.unlink(f)
			delete(s.pages, f.id)
			s.evictions.Add(1)
			metrics.PageEvictionsTotal.Inc()
			return true
		}
	}
	return false
}

func (s *Store) pushFront(f *frame) {
	f.prev = nil
	f.next = s.head
	if s.head != nil {
		s.head.prev = f
	}
	s.head = f
	if s.tail == nil {
		s.tail = f
	}
}

func (s *Store) unlink(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		s.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		s.tail = f.prev
	}
	f.prev = nil
	f.next = nil
}

func (s *Store) moveToFront(f *frame) {
	s.unlink(f)
	s.pushFront(f)
}
