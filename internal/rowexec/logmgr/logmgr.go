// Package logmgr implements the LogManager port DiskPartCoordinator uses to
// reserve and write UNDO log space before mutating a disk page in place
// (spec.md §4.6). The on-disk record format — a magic-prefixed file header
// with a header CRC, followed by fixed-layout records each carrying their
// own CRC — is the teacher's physical WAL from
// internal/storage/pager/wal.go, re-purposed from whole-page physical
// logging to per-row UNDO images: PAGE_IMAGE becomes UNDO_IMAGE and the
// payload is a pre-image of the bytes about to be overwritten rather than
// a full page.
package logmgr

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
)

// LSN is a monotonically increasing log sequence number.
type LSN uint64

// RecordType identifies the kind of UNDO log record.
type RecordType uint8

const (
	RecordReserve   RecordType = 0x01
	RecordUndoImage RecordType = 0x02
	RecordCommit    RecordType = 0x03
	RecordAbort     RecordType = 0x04
)

func (t RecordType) String() string {
	switch t {
	case RecordReserve:
		return "RESERVE"
	case RecordUndoImage:
		return "UNDO_IMAGE"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// UndoEntry is one recorded pre-image, returned by Abort in the
// order they must be reapplied (most recent first) to undo a transaction's
// in-place disk writes.
type UndoEntry struct {
	LSN      LSN
	TxID     uint64
	Page     page.ID
	Offset   uint32
	PreImage []byte
}

// LogManager is the port DiskPartCoordinator depends on; spec.md §1 treats
// the page cache's disk fetch as out of scope but requires the UNDO
// reservation/writing contract to exist and be exercised.
type LogManager interface {
	// Reserve guarantees n bytes of log space are available for a coming
	// UndoImage write under txID, failing with a resource-exhaustion error
	// if the log is full (spec.md §4.6's "UNDO log reservation" step that
	// must happen before the disk page is touched).
	Reserve(ctx context.Context, txID uint64, n int) (LSN, error)
	// WriteUndoImage durably records preImage as the bytes at offset in
	// page before they are overwritten.
	WriteUndoImage(ctx context.Context, lsn LSN, txID uint64, pg page.ID, offset uint32, preImage []byte) error
	// Commit marks txID's UNDO records as no longer needed for rollback.
	Commit(ctx context.Context, txID uint64) error
	// Abort returns txID's recorded pre-images in last-written-first order
	// so the caller can restore them, then discards the records.
	Abort(ctx context.Context, txID uint64) ([]UndoEntry, error)
	// Checkpoint durably flushes every record written so far, marking an
	// LCP (local checkpoint) boundary a crash recovery pass can restart
	// from instead of replaying the whole log.
	Checkpoint(ctx context.Context) error
	Close() error
}

const (
	magic         = "RXUNDOLG"
	fileHdrSize   = 32
	recHdrSize    = 1 + 8 + 8 + 8 + 4 + 4 + 4 // type, lsn, txid, page, offset, datalen, crc
)

// FileLog is a durable, file-backed LogManager using the record format
// documented on the package.
type FileLog struct {
	mu      sync.Mutex
	f       *os.File
	nextLSN LSN
	// pending indexes undo entries by tx id, in append order, for Abort.
	pending map[uint64][]UndoEntry
}

// Open creates or reopens an UNDO log file at path.
func Open(path string) (*FileLog, error) {
	exists := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		exists = false
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("logmgr: open %s: %w", path, err)
	}
	l := &FileLog{f: f, nextLSN: 1, pending: make(map[uint64][]UndoEntry)}
	if exists {
		if err := l.validateHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := l.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLog) writeHeader() error {
	buf := make([]byte, fileHdrSize)
	copy(buf[0:8], magic)
	binary.LittleEndian.PutUint32(buf[8:12], 1)
	binary.LittleEndian.PutUint32(buf[24:28], crc32.ChecksumIEEE(buf[0:24]))
	if _, err := l.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("logmgr: write header: %w", err)
	}
	return nil
}

func (l *FileLog) validateHeader() error {
	buf := make([]byte, fileHdrSize)
	if _, err := io.ReadFull(l.f, buf); err != nil {
		return fmt.Errorf("logmgr: read header: %w", err)
	}
	if string(buf[0:8]) != magic {
		return fmt.Errorf("logmgr: bad magic %q", buf[0:8])
	}
	want := binary.LittleEndian.Uint32(buf[24:28])
	if got := crc32.ChecksumIEEE(buf[0:24]); got != want {
		return fmt.Errorf("logmgr: header CRC mismatch: got %#x want %#x", got, want)
	}
	return nil
}

func (l *FileLog) appendRecord(t RecordType, txID uint64, pg page.ID, offset uint32, data []byte) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSN
	l.nextLSN++

	rec := make([]byte, recHdrSize+len(data))
	rec[0] = byte(t)
	binary.LittleEndian.PutUint64(rec[1:9], uint64(lsn))
	binary.LittleEndian.PutUint64(rec[9:17], txID)
	binary.LittleEndian.PutUint64(rec[17:25], uint64(pg))
	binary.LittleEndian.PutUint32(rec[25:29], offset)
	binary.LittleEndian.PutUint32(rec[29:33], uint32(len(data)))
	copy(rec[33:], data)
	crc := crc32.ChecksumIEEE(rec[:len(rec)-4])
	binary.LittleEndian.PutUint32(rec[len(rec)-4:], crc)

	if _, err := l.f.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("logmgr: seek end: %w", err)
	}
	if _, err := l.f.Write(rec); err != nil {
		return 0, fmt.Errorf("logmgr: append record: %w", err)
	}
	return lsn, nil
}

// Reserve appends a RESERVE record for txID and returns its LSN, matching
// the port's two-step reserve-then-write contract. The file-backed log
// grows without bound, so Reserve never reports exhaustion; it does not
// check txID or the requested size.
func (l *FileLog) Reserve(_ context.Context, txID uint64, _ int) (LSN, error) {
	return l.appendRecord(RecordReserve, txID, page.InvalidID, 0, nil)
}

// WriteUndoImage appends preImage as a durable UNDO record and tracks it
// in memory for a possible Abort.
func (l *FileLog) WriteUndoImage(_ context.Context, lsn LSN, txID uint64, pg page.ID, offset uint32, preImage []byte) error {
	if _, err := l.appendRecord(RecordUndoImage, txID, pg, offset, preImage); err != nil {
		return err
	}
	l.mu.Lock()
	l.pending[txID] = append(l.pending[txID], UndoEntry{LSN: lsn, TxID: txID, Page: pg, Offset: offset, PreImage: preImage})
	l.mu.Unlock()
	return nil
}

// Commit records a commit marker and drops txID's pending UNDO entries.
func (l *FileLog) Commit(_ context.Context, txID uint64) error {
	if _, err := l.appendRecord(RecordCommit, txID, page.InvalidID, 0, nil); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.pending, txID)
	l.mu.Unlock()
	return nil
}

// Abort records an abort marker and returns txID's pre-images in reverse
// (most-recent-first) order for replay.
func (l *FileLog) Abort(_ context.Context, txID uint64) ([]UndoEntry, error) {
	if _, err := l.appendRecord(RecordAbort, txID, page.InvalidID, 0, nil); err != nil {
		return nil, err
	}
	l.mu.Lock()
	entries := l.pending[txID]
	delete(l.pending, txID)
	l.mu.Unlock()

	reversed := make([]UndoEntry, len(entries))
	for i, e := range entries {
		reversed[len(entries)-1-i] = e
	}
	return reversed, nil
}

// Checkpoint fsyncs the log file so every record appended so far survives
// a crash; it is an LCP boundary marker, not a log-truncation point, since
// Abort/Commit already reclaim pending entries per transaction.
func (l *FileLog) Checkpoint(_ context.Context) error {
	return l.f.Sync()
}

// Close closes the underlying file.
func (l *FileLog) Close() error { return l.f.Close() }
