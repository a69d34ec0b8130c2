// Package diskpart implements DiskPartCoordinator: the component RowOps
// calls into whenever a row touches an attribute bound to the disk part
// (spec.md §4.6). It composes the LogManager port (UNDO reservation) and
// the DiskPageLoader port (disk page fetch/prealloc) behind one API so
// RowOps never has to sequence "reserve log space, then touch the page"
// itself.
package diskpart

import (
	"context"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskcache"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/logmgr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
)

// Coordinator sequences UNDO-logged mutation of disk-part pages.
type Coordinator struct {
	log    logmgr.LogManager
	loader diskcache.Loader
}

// New returns a Coordinator over the given ports.
func New(log logmgr.LogManager, loader diskcache.Loader) *Coordinator {
	return &Coordinator{log: log, loader: loader}
}

// Ref identifies a disk-part page location.
type Ref struct {
	FileNo uint32
	PageNo uint64
}

// UpdateFreeHeaderWords is the per-page free-space header the disk-part
// allocator reserves ahead of every row's variable data (spec.md §4.6).
const UpdateFreeHeaderWords = 2

// DiskFixHeaderWords is the fixed disk-part row header width, in 4-byte
// words.
const DiskFixHeaderWords = 4

// ReserveForUpdate reserves UNDO log space ahead of an UPDATE touching
// varPartWords words of disk-resident variable data, sized per spec.md
// §4.6: update_free_header + (disk_fix_header_words-1) + varpart_words.
// It returns the number of bytes reserved.
func (c *Coordinator) ReserveForUpdate(ctx context.Context, txID uint64, varPartWords int) (int, error) {
	words := UpdateFreeHeaderWords + (DiskFixHeaderWords - 1) + varPartWords
	n := words * 4
	if _, err := c.log.Reserve(ctx, txID, n); err != nil {
		return 0, rerr.Wrap(rerr.KindResourceExhaustion, rerr.TagLogSpaceExhausted, "ReserveForUpdate", err)
	}
	return n, nil
}

// ReserveForDelete reserves UNDO log space covering existingLen bytes of a
// row's disk part ahead of a DELETE (spec.md §4.6).
func (c *Coordinator) ReserveForDelete(ctx context.Context, txID uint64, existingLen int) (int, error) {
	if existingLen <= 0 {
		return 0, nil
	}
	if _, err := c.log.Reserve(ctx, txID, existingLen); err != nil {
		return 0, rerr.Wrap(rerr.KindResourceExhaustion, rerr.TagLogSpaceExhausted, "ReserveForDelete", err)
	}
	return existingLen, nil
}

// SizeChangeResult reports how HandleSizeChange resolved a disk-part size
// change.
type SizeChangeResult struct {
	// Reorg is true when the row could not grow in place and was relocated
	// to NewRef — the DISK_REORG transition.
	Reorg bool
	NewRef Ref
	// ReleasedBytes is the in-page reservation handed back to the old
	// location's free list once the move commits.
	ReleasedBytes int
}

// HandleSizeChange resolves a disk-part row whose new size no longer fits
// the space already reserved for it at ref. If newLen still fits within
// oldLen plus the page's free bytes, the row grows in place and nothing
// moves. Otherwise it preallocates a fresh page on fileNo and reserves an
// extra UNDO alloc record for the relocated copy, returning the old
// in-page reservation as released. This is the only point in the engine
// where UNDO space is released mid-transaction: once the new location is
// chosen the move is not undone, it is redone forward on abort instead
// (spec.md §4.6, property P6's documented DISK_REORG exception).
func (c *Coordinator) HandleSizeChange(ctx context.Context, txID uint64, fileNo uint32, ref Ref, oldLen, newLen, freeBytes int) (SizeChangeResult, error) {
	if newLen <= oldLen+freeBytes {
		return SizeChangeResult{}, nil
	}
	newPage, err := c.Prealloc(ctx, fileNo, 1)
	if err != nil {
		return SizeChangeResult{}, err
	}
	if _, err := c.log.Reserve(ctx, txID, newLen); err != nil {
		return SizeChangeResult{}, rerr.Wrap(rerr.KindResourceExhaustion, rerr.TagLogSpaceExhausted, "HandleSizeChange", err)
	}
	return SizeChangeResult{Reorg: true, NewRef: Ref{FileNo: fileNo, PageNo: newPage}, ReleasedBytes: oldLen}, nil
}

// Prealloc reserves n consecutive pages for a growing disk part and
// returns the first page number.
func (c *Coordinator) Prealloc(ctx context.Context, fileNo uint32, n int) (uint64, error) {
	first, err := c.loader.Prealloc(ctx, fileNo, n)
	if err != nil {
		return 0, rerr.Wrap(rerr.KindResourceExhaustion, rerr.TagDiskPreallocFailed, "Prealloc", err)
	}
	return first, nil
}

// Read fetches a disk page for a READ operation; no UNDO logging is
// needed since the page is not being mutated.
func (c *Coordinator) Read(ctx context.Context, ref Ref) ([]byte, error) {
	buf, err := c.loader.Load(ctx, ref.FileNo, ref.PageNo)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindDiskPending, rerr.TagInterpreterPartialRead, "Read", err)
	}
	return buf, nil
}

// WriteInPlace reserves UNDO log space for the bytes about to be
// overwritten at offset within ref's page, records the pre-image, then
// durably writes newData. If the UNDO reservation itself fails (log full),
// the page is left untouched and a resource-exhaustion error is returned —
// RowOps must abort rather than partially apply the write.
func (c *Coordinator) WriteInPlace(ctx context.Context, txID uint64, ref Ref, offset uint32, newData []byte) error {
	buf, err := c.loader.Load(ctx, ref.FileNo, ref.PageNo)
	if err != nil {
		return rerr.Wrap(rerr.KindDiskPending, rerr.TagInterpreterPartialRead, "WriteInPlace", err)
	}
	if int(offset)+len(newData) > len(buf) {
		return rerr.New(rerr.KindSchema, rerr.TagInterpreterMemoryOffset, "WriteInPlace",
			"write of %d bytes at offset %d exceeds page size %d", len(newData), offset, len(buf))
	}
	preImage := make([]byte, len(newData))
	copy(preImage, buf[offset:int(offset)+len(newData)])

	lsn, err := c.log.Reserve(ctx, txID, len(preImage))
	if err != nil {
		return rerr.Wrap(rerr.KindResourceExhaustion, rerr.TagLogSpaceExhausted, "WriteInPlace", err)
	}
	if err := c.log.WriteUndoImage(ctx, lsn, txID, page.ID(ref.PageNo), offset, preImage); err != nil {
		return rerr.Wrap(rerr.KindResourceExhaustion, rerr.TagLogSpaceExhausted, "WriteInPlace", err)
	}

	copy(buf[offset:], newData)
	if err := c.loader.Store(ctx, ref.FileNo, ref.PageNo, buf); err != nil {
		return rerr.Wrap(rerr.KindCorruption, rerr.TagDiskPreallocFailed, "WriteInPlace", err)
	}
	return nil
}

// Commit releases txID's UNDO records once its disk-part writes are
// durable and will not be rolled back.
func (c *Coordinator) Commit(ctx context.Context, txID uint64) error {
	return c.log.Commit(ctx, txID)
}

// Checkpoint marks an LCP boundary in the UNDO log, for the scheduler's
// periodic checkpoint tick.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	return c.log.Checkpoint(ctx)
}

// Abort replays txID's recorded pre-images back onto their pages, in
// reverse write order, restoring the disk part to its pre-transaction
// state.
func (c *Coordinator) Abort(ctx context.Context, txID uint64) error {
	entries, err := c.log.Abort(ctx, txID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		buf, err := c.loader.Load(ctx, fileNoOf(e.Page), uint64(e.Page))
		if err != nil {
			return rerr.Wrap(rerr.KindInvariantBreach, rerr.TagInvariantBreach, "Abort", err)
		}
		copy(buf[e.Offset:], e.PreImage)
		if err := c.loader.Store(ctx, fileNoOf(e.Page), uint64(e.Page), buf); err != nil {
			return rerr.Wrap(rerr.KindInvariantBreach, rerr.TagInvariantBreach, "Abort", err)
		}
	}
	return nil
}

// fileNoOf recovers the file number an UNDO entry's page belongs to. The
// coordinator only ever tracks a single file per fragment's disk part in
// this implementation, so the page id's file is always 0; a
// multi-datafile layout would need the file number carried in UndoEntry
// itself.
func fileNoOf(_ page.ID) uint32 { return 0 }
