package diskcache

import (
	"context"
	"sync"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
)

type fileKey struct {
	file uint32
	page uint64
}

// MemStore is an in-memory Loader for tests and the bench/inspect CLI
// tooling, where durability across process restarts is not required.
type MemStore struct {
	mu       sync.Mutex
	pageSize int
	pages    map[fileKey][]byte
	nextPage map[uint32]uint64
}

// NewMemStore returns an empty in-memory disk-part page store.
func NewMemStore(pageSize int) *MemStore {
	return &MemStore{pageSize: pageSize, pages: make(map[fileKey][]byte), nextPage: make(map[uint32]uint64)}
}

func (s *MemStore) Load(_ context.Context, fileNo uint32, pageNo uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.pages[fileKey{fileNo, pageNo}]
	if !ok {
		return nil, rerr.New(rerr.KindCorruption, rerr.TagTupleNotFound, "MemStore.Load",
			"disk page (%d,%d) not allocated", fileNo, pageNo)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (s *MemStore) Store(_ context.Context, fileNo uint32, pageNo uint64, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.pages[fileKey{fileNo, pageNo}] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Prealloc(ctx context.Context, fileNo uint32, n int) (uint64, error) {
	s.mu.Lock()
	first := s.nextPage[fileNo]
	s.nextPage[fileNo] = first + uint64(n)
	s.mu.Unlock()

	zero := page.New(s.pageSize, page.KindDiskFixed, page.InvalidID)
	for i := 0; i < n; i++ {
		if err := s.Store(ctx, fileNo, first+uint64(i), zero); err != nil {
			return 0, err
		}
	}
	return first, nil
}

func (s *MemStore) Close() error { return nil }

var _ Loader = (*MemStore)(nil)
