// Package diskcache implements the DiskPageLoader port DiskPartCoordinator
// calls through to fetch and prealloc disk-part pages. spec.md §1 lists the
// disk page cache manager itself as out of scope, reachable only by
// interface — so this package defines that interface and a concrete
// flat-file-backed implementation, grounded on the teacher's overflow page
// chain (internal/storage/pager/overflow.go): where an overflow chain
// links fixed-size pages for one oversized value, FileStore lays out
// fixed-size disk pages sequentially in one file addressed directly by
// page number, the way NDB's disk data files are page-addressable rather
// than chained.
package diskcache

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
)

// Loader is the port DiskPartCoordinator depends on for disk-part page
// fetch/prealloc.
type Loader interface {
	// Load fetches the page at (fileNo, pageNo), suspending the caller with
	// a KindDiskPending error if the fetch cannot complete synchronously —
	// RowOps treats that as "suspend this operation and retry on callback"
	// per spec.md §7.
	Load(ctx context.Context, fileNo uint32, pageNo uint64) ([]byte, error)
	// Store durably writes data as the page at (fileNo, pageNo).
	Store(ctx context.Context, fileNo uint32, pageNo uint64, data []byte) error
	// Prealloc reserves n consecutive new pages in fileNo, returning the
	// first page number allocated.
	Prealloc(ctx context.Context, fileNo uint32, n int) (uint64, error)
	Close() error
}

// FileStore is a flat-file-backed Loader: one OS file per fileNo, pages of
// a fixed size addressed directly by byte offset = pageNo*pageSize.
type FileStore struct {
	mu       sync.Mutex
	dir      string
	pageSize int
	files    map[uint32]*os.File
	nextPage map[uint32]uint64
}

// NewFileStore returns a Loader rooted at dir, using pageSize-byte disk
// pages.
func NewFileStore(dir string, pageSize int) *FileStore {
	return &FileStore{
		dir:      dir,
		pageSize: pageSize,
		files:    make(map[uint32]*os.File),
		nextPage: make(map[uint32]uint64),
	}
}

func (s *FileStore) file(fileNo uint32) (*os.File, error) {
	if f, ok := s.files[fileNo]; ok {
		return f, nil
	}
	path := fmt.Sprintf("%s/diskpart-%04d.dat", s.dir, fileNo)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindCorruption, rerr.TagDiskPreallocFailed, "FileStore.file", err)
	}
	s.files[fileNo] = f
	return f, nil
}

func (s *FileStore) Load(_ context.Context, fileNo uint32, pageNo uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.file(fileNo)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, s.pageSize)
	if _, err := f.ReadAt(buf, int64(pageNo)*int64(s.pageSize)); err != nil {
		return nil, rerr.Wrap(rerr.KindCorruption, rerr.TagChecksumMismatch, "FileStore.Load", err)
	}
	return buf, nil
}

func (s *FileStore) Store(_ context.Context, fileNo uint32, pageNo uint64, data []byte) error {
	if len(data) != s.pageSize {
		return rerr.New(rerr.KindCorruption, rerr.TagDiskPreallocFailed, "FileStore.Store",
			"data length %d does not match page size %d", len(data), s.pageSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.file(fileNo)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, int64(pageNo)*int64(s.pageSize)); err != nil {
		return rerr.Wrap(rerr.KindCorruption, rerr.TagDiskPreallocFailed, "FileStore.Store", err)
	}
	return nil
}

func (s *FileStore) Prealloc(ctx context.Context, fileNo uint32, n int) (uint64, error) {
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

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Loader = (*FileStore)(nil)
