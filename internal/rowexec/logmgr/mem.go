package logmgr

import (
	"context"
	"sync"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
)

// MemLog is an in-memory LogManager, used by tests and by DiskPartCoordinator
// callers that do not need durability across restarts (e.g. bench/inspect
// tooling).
type MemLog struct {
	mu      sync.Mutex
	nextLSN LSN
	pending map[uint64][]UndoEntry
}

// NewMemLog returns an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{nextLSN: 1, pending: make(map[uint64][]UndoEntry)}
}

func (m *MemLog) Reserve(_ context.Context, _ uint64, _ int) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lsn := m.nextLSN
	m.nextLSN++
	return lsn, nil
}

func (m *MemLog) WriteUndoImage(_ context.Context, lsn LSN, txID uint64, pg page.ID, offset uint32, preImage []byte) error {
	cp := make([]byte, len(preImage))
	copy(cp, preImage)
	m.mu.Lock()
	m.pending[txID] = append(m.pending[txID], UndoEntry{LSN: lsn, TxID: txID, Page: pg, Offset: offset, PreImage: cp})
	m.mu.Unlock()
	return nil
}

func (m *MemLog) Commit(_ context.Context, txID uint64) error {
	m.mu.Lock()
	delete(m.pending, txID)
	m.mu.Unlock()
	return nil
}

func (m *MemLog) Abort(_ context.Context, txID uint64) ([]UndoEntry, error) {
	m.mu.Lock()
	entries := m.pending[txID]
	delete(m.pending, txID)
	m.mu.Unlock()

	reversed := make([]UndoEntry, len(entries))
	for i, e := range entries {
		reversed[len(entries)-1-i] = e
	}
	return reversed, nil
}

// Checkpoint is a no-op: an in-memory log has nothing to fsync.
func (m *MemLog) Checkpoint(_ context.Context) error { return nil }

func (m *MemLog) Close() error { return nil }

var _ LogManager = (*MemLog)(nil)
var _ LogManager = (*FileLog)(nil)
