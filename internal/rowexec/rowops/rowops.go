// Package rowops implements RowOps: the orchestrator that turns a
// READ/INSERT/UPDATE/DELETE/REFRESH request into the sequence of
// FragmentAccessLock/OperationChain/RowCodec/TupleAllocator/ChecksumGuard
// calls spec.md §4.8 describes. It is the one component that talks to
// every other rowexec package; each of those stays ignorant of the others.
package rowops

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/SimonWaldherr/tinySQL/internal/logging"
	"github.com/SimonWaldherr/tinySQL/internal/metrics"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/checksum"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskpart"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/fraglock"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/interp"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/opchain"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/pagestore"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/tupalloc"
)

// TxID identifies the transaction an operation runs under.
type TxID = opchain.TxID

// Savepoint numbers a point within a transaction (spec.md §4.4).
type Savepoint = opchain.Savepoint

// KeepEntry is one row image an LCP scan must still account for after the
// row it describes was physically deleted mid-scan (spec.md §4.8's DELETE
// contract, property P8).
type KeepEntry struct {
	Row  *rowcodec.Expanded
	Bits rowcodec.Bits
}

// Fragment owns one table shard's resident rows: its schema, its pages,
// its lock, its primary-key index, and the open transactions currently
// holding OperationChains against it.
type Fragment struct {
	ID   page.FragmentID
	Desc *schema.Descriptor

	Pages *pagestore.Store
	Index *tupalloc.Index
	Lock  *fraglock.Lock

	// Disk is the disk-part coordinator for tables with DiskPart attrs;
	// nil for tables with none. DiskFileNo is the single data file this
	// fragment's disk part is striped across.
	Disk       *diskpart.Coordinator
	DiskFileNo uint32

	mu     sync.Mutex
	byPK   map[string]page.Rowid
	chains map[TxID]map[string]*opchain.Chain
	nextSP map[TxID]Savepoint

	lcpActive bool
	keepList  []KeepEntry
}

// Optimize walks every resident fixed/variable page and compacts it,
// re-registering its post-compaction free space in the fragment's bucket
// index. It is the in-memory-part counterpart of the teacher's SlottedPage
// Compact, run periodically by the scheduler rather than only before a
// page split. Returns the total bytes reclaimed across all pages touched.
func (f *Fragment) Optimize() int {
	reclaimed := 0
	for _, id := range f.Pages.IDs() {
		buf, mu, err := f.Pages.Pin(id)
		if err != nil {
			continue
		}
		mu.Lock()
		hdr := page.UnmarshalHeader(buf)
		if hdr.Kind == page.KindFixed || hdr.Kind == page.KindVariable {
			s := tupalloc.Wrap(buf)
			reclaimed += s.Compact()
			f.Index.Update(hdr.Kind, id, s.FreeSpace())
		}
		mu.Unlock()
		f.Pages.Unpin(id)
	}
	metrics.PagesResident.WithLabelValues(f.Desc.TableName).Set(float64(f.Pages.Resident()))
	return reclaimed
}

// SetDiskPart binds a DiskPartCoordinator and its backing file number to
// the fragment. Fragments whose descriptor has no DiskPart attrs never
// need this; calling it on one is harmless since Insert/Update/Delete only
// consult Disk when Desc.HasDisk is true.
func (f *Fragment) SetDiskPart(c *diskpart.Coordinator, fileNo uint32) {
	f.Disk = c
	f.DiskFileNo = fileNo
}

// BeginLCPScan marks the fragment as having a local checkpoint scan in
// progress: any DELETE committed from this point on must also emit its
// pre-delete image to the keep-list (spec.md §4.8, property P8).
func (f *Fragment) BeginLCPScan() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lcpActive = true
	f.keepList = nil
}

// EndLCPScan closes the scan and returns every keep-list entry accumulated
// during it, in commit order.
func (f *Fragment) EndLCPScan() []KeepEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lcpActive = false
	out := f.keepList
	f.keepList = nil
	return out
}

// NewFragment returns an empty fragment for desc.
func NewFragment(id page.FragmentID, desc *schema.Descriptor, pages *pagestore.Store) *Fragment {
	return &Fragment{
		ID:     id,
		Desc:   desc,
		Pages:  pages,
		Index:  tupalloc.NewIndex(),
		Lock:   fraglock.New(),
		byPK:   make(map[string]page.Rowid),
		chains: make(map[TxID]map[string]*opchain.Chain),
		nextSP: make(map[TxID]Savepoint),
	}
}

// Ops is RowOps bound to one fragment.
type Ops struct {
	frag *Fragment
}

// New returns an Ops orchestrator for frag.
func New(frag *Fragment) *Ops { return &Ops{frag: frag} }

// Desc returns the schema the bound fragment was created with, for callers
// (the REST gateway, the node-recovery RPC surface) that need to resolve
// attribute ids without reaching into Fragment directly.
func (o *Ops) Desc() *schema.Descriptor { return o.frag.Desc }

func pkKey(d *schema.Descriptor, row *rowcodec.Expanded) (string, error) {
	pk := d.PrimaryKeyAttrs()
	var buf []byte
	for _, a := range pk {
		v := row.Get(d.Index(a.ID))
		if v.Null {
			return "", rerr.New(rerr.KindSchema, rerr.TagWrongPKColumns, "pkKey",
				"primary key attribute %q must not be NULL", a.Name)
		}
		if a.Type.IsFixedSize() {
			tmp := make([]byte, a.Width())
			rowcodec.PackScalar(a, v, tmp)
			buf = append(buf, tmp...)
		} else {
			buf = append(buf, v.Bytes...)
			buf = append(buf, 0) // separator: var-length PK segments are never ambiguous with a 0 byte appended
		}
	}
	return string(buf), nil
}

func wordsFor(nBytes int) int { return (nBytes + 3) / 4 }

// diskBlobFor packs key's disk-bound attributes into one contiguous blob,
// the unit DiskPartCoordinator reads/writes as a row's entire disk part.
func diskBlobFor(d *schema.Descriptor, row *rowcodec.Expanded) []byte {
	var out []byte
	for _, a := range d.DiskAttrs() {
		idx := d.Index(a.ID)
		v := row.Get(idx)
		if v.Null {
			continue
		}
		if a.Type.IsFixedSize() {
			tmp := make([]byte, a.Width())
			rowcodec.PackScalar(a, v, tmp)
			out = append(out, tmp...)
		} else {
			out = append(out, v.Bytes...)
		}
	}
	return out
}

func (o *Ops) chainFor(tx TxID, key string, base *rowcodec.Expanded, baseVersion uint32) *opchain.Chain {
	o.frag.mu.Lock()
	defer o.frag.mu.Unlock()
	m, ok := o.frag.chains[tx]
	if !ok {
		m = make(map[string]*opchain.Chain)
		o.frag.chains[tx] = m
	}
	c, ok := m[key]
	if !ok {
		c = opchain.NewWithVersion(tx, base, baseVersion)
		m[key] = c
	}
	return c
}

func (o *Ops) nextSavepoint(tx TxID) Savepoint {
	o.frag.mu.Lock()
	defer o.frag.mu.Unlock()
	sp := o.frag.nextSP[tx] + 1
	o.frag.nextSP[tx] = sp
	return sp
}

// loadCommitted fetches the durably-installed row for key, or (nil, false)
// if no row exists there yet.
func (o *Ops) loadCommitted(key string) (*rowcodec.Expanded, bool, error) {
	row, _, existed, err := o.loadCommittedFull(key)
	return row, existed, err
}

// loadCommittedFull is loadCommitted plus the row's durable FixedHeader,
// for callers that need the header bits or tup_version already on disk
// (chain seeding, header-bit computation at commit time).
func (o *Ops) loadCommittedFull(key string) (*rowcodec.Expanded, rowcodec.FixedHeader, bool, error) {
	o.frag.mu.Lock()
	rid, ok := o.frag.byPK[key]
	o.frag.mu.Unlock()
	if !ok {
		return nil, rowcodec.FixedHeader{}, false, nil
	}
	buf, mu, err := o.frag.Pages.Pin(rid.Page)
	if err != nil {
		return nil, rowcodec.FixedHeader{}, false, err
	}
	defer o.frag.Pages.Unpin(rid.Page)
	mu.Lock()
	defer mu.Unlock()

	s := tupalloc.Wrap(buf)
	raw := s.Get(rid.Idx)
	if raw == nil {
		return nil, rowcodec.FixedHeader{}, false, nil
	}
	if err := checksum.Verify(raw); err != nil {
		return nil, rowcodec.FixedHeader{}, false, err
	}
	hdr, row, err := rowcodec.Unpack(o.frag.Desc, raw)
	if err != nil {
		return nil, rowcodec.FixedHeader{}, false, err
	}
	return row, hdr, true, nil
}

// Read resolves key's visible row for tx (read-your-own-writes honored via
// the OperationChain) and projects it onto plan's positions. When prog is
// non-nil it is run as condition pushdown: RegionExec evaluates the scan
// predicate first (an EXIT_REFUSE makes Read report matched=false and zero
// bytes of output, spec.md §4.8's READ contract and scenario 4), and only
// on a non-refusing program does RegionInitialRead run, deferred until
// after Exec for this operation specifically.
func (o *Ops) Read(ctx context.Context, tx TxID, row *rowcodec.Expanded, plan rowcodec.ReadPlan, prog *interp.Program) (vals []rowcodec.Value, matched bool, err error) {
	vals, matched, err = o.read(ctx, tx, row, plan, prog)
	logging.LogOp(ctx, logging.OpEvent{FragmentID: uint64(o.frag.ID), Op: "READ", OK: err == nil, Err: err})
	metrics.RowOpsTotal.WithLabelValues("READ", outcomeLabel(err)).Inc()
	return vals, matched, err
}

func (o *Ops) read(ctx context.Context, tx TxID, row *rowcodec.Expanded, plan rowcodec.ReadPlan, prog *interp.Program) ([]rowcodec.Value, bool, error) {
	rel, err := o.frag.Lock.AcquireSharedRead(ctx)
	if err != nil {
		return nil, false, err
	}
	defer rel()

	key, err := pkKey(o.frag.Desc, row)
	if err != nil {
		return nil, false, err
	}
	current, existed, err := o.visible(tx, key)
	if err != nil {
		return nil, false, err
	}
	if !existed {
		return nil, false, rerr.New(rerr.KindSequencing, rerr.TagTupleNotFound, "Read", "no row for the given key")
	}

	if prog != nil {
		vm := interp.New(prog, current)
		if err := vm.Run(interp.RegionExec); err != nil {
			return nil, false, err
		}
		if refused, _ := vm.Refused(); refused {
			return nil, false, nil
		}
		if err := vm.Run(interp.RegionInitialRead); err != nil {
			return nil, false, err
		}
	}

	return rowcodec.ReadAttributes(current, plan), true, nil
}

func (o *Ops) visible(tx TxID, key string) (*rowcodec.Expanded, bool, error) {
	o.frag.mu.Lock()
	m, hasTx := o.frag.chains[tx]
	var chain *opchain.Chain
	if hasTx {
		chain = m[key]
	}
	o.frag.mu.Unlock()

	if chain != nil {
		return chain.Current()
	}
	return o.loadCommitted(key)
}

// Insert creates a new row under tx. Fails with TagAlreadyExists if a
// committed row or an uncommitted insert from the same transaction already
// occupies the key. When prog is non-nil its RegionFinalUpdate runs against
// row before it is chained, materializing computed/default attribute
// values the caller did not supply directly.
func (o *Ops) Insert(ctx context.Context, tx TxID, row *rowcodec.Expanded, prog *interp.Program) error {
	key, err := pkKey(o.frag.Desc, row)
	if err != nil {
		return err
	}
	rel, err := o.frag.Lock.AcquireWriteKey(ctx, fraglock.Key(key))
	if err != nil {
		return err
	}
	defer rel()

	_, existed, err := o.visible(tx, key)
	if err != nil {
		return err
	}
	if existed {
		return rerr.New(rerr.KindSchema, rerr.TagAlreadyExists, "Insert", "row already exists for this key")
	}

	if prog != nil {
		vm := interp.New(prog, row)
		if err := vm.Run(interp.RegionFinalUpdate); err != nil {
			return err
		}
	}

	if o.frag.Desc.HasDisk && o.frag.Disk != nil {
		if err := o.allocateDiskPart(ctx, tx, row); err != nil {
			return err
		}
	}

	base, baseHdr, _, err := o.loadCommittedFull(key)
	if err != nil {
		return err
	}
	chain := o.chainFor(tx, key, base, baseHdr.TupleVersion)
	sp := o.nextSavepoint(tx)
	return chain.Append(sp, opchain.KindInsert, row)
}

// allocateDiskPart preallocates a fresh disk page for row's disk-bound
// attributes, reserves UNDO space for it, and writes the blob, recording
// the resulting reference on row.Disk (spec.md §4.6, §4.8's INSERT
// contract setting DISK_ALLOC|DISK_INLINE).
func (o *Ops) allocateDiskPart(ctx context.Context, tx TxID, row *rowcodec.Expanded) error {
	blob := diskBlobFor(o.frag.Desc, row)
	pageNo, err := o.frag.Disk.Prealloc(ctx, o.frag.DiskFileNo, 1)
	if err != nil {
		return err
	}
	n, err := o.frag.Disk.ReserveForUpdate(ctx, uint64(tx), wordsFor(len(blob)))
	if err != nil {
		return err
	}
	ref := diskpart.Ref{FileNo: o.frag.DiskFileNo, PageNo: pageNo}
	if len(blob) > 0 {
		if err := o.frag.Disk.WriteInPlace(ctx, uint64(tx), ref, 0, blob); err != nil {
			return err
		}
	}
	_ = n
	row.Disk = &rowcodec.DiskRef{FileNo: ref.FileNo, PageNo: ref.PageNo, PageIdx: uint32(len(blob))}
	return nil
}

// resizeDiskPart re-packs current's disk-bound attributes as next's values
// replace them, handling growth via DiskPartCoordinator.HandleSizeChange
// (the DISK_REORG transition, spec.md §4.6/§4.8 scenario 6). Returns
// whether the row's disk part relocated.
func (o *Ops) resizeDiskPart(ctx context.Context, tx TxID, current, next *rowcodec.Expanded) (bool, error) {
	blob := diskBlobFor(o.frag.Desc, next)
	if current.Disk == nil {
		return false, o.allocateDiskPart(ctx, tx, next)
	}
	oldRef := *current.Disk
	oldLen := int(oldRef.PageIdx)

	if _, err := o.frag.Disk.ReserveForUpdate(ctx, uint64(tx), wordsFor(len(blob))); err != nil {
		return false, err
	}

	pageBuf, err := o.frag.Disk.Read(ctx, diskpart.Ref{FileNo: oldRef.FileNo, PageNo: oldRef.PageNo})
	if err != nil {
		return false, err
	}
	freeBytes := len(pageBuf) - oldLen
	if freeBytes < 0 {
		freeBytes = 0
	}

	result, err := o.frag.Disk.HandleSizeChange(ctx, uint64(tx), oldRef.FileNo,
		diskpart.Ref{FileNo: oldRef.FileNo, PageNo: oldRef.PageNo}, oldLen, len(blob), freeBytes)
	if err != nil {
		return false, err
	}

	target := diskpart.Ref{FileNo: oldRef.FileNo, PageNo: oldRef.PageNo}
	if result.Reorg {
		target = result.NewRef
	}
	if len(blob) > 0 {
		if err := o.frag.Disk.WriteInPlace(ctx, uint64(tx), target, 0, blob); err != nil {
			return false, err
		}
	}
	next.Disk = &rowcodec.DiskRef{FileNo: target.FileNo, PageNo: target.PageNo, PageIdx: uint32(len(blob))}
	return result.Reorg, nil
}

// Update applies attribute changes to tx's visible image of key's row. When
// prog is non-nil, RegionExec first evaluates an interpreted condition: a
// refusal makes Update a no-op rather than an error (an unmatched
// interpreted UPDATE touches nothing), and on a match RegionFinalUpdate
// layers any computed writes on top of the explicit updates.
func (o *Ops) Update(ctx context.Context, tx TxID, keyRow *rowcodec.Expanded, updates []rowcodec.AttrUpdate, prog *interp.Program) error {
	key, err := pkKey(o.frag.Desc, keyRow)
	if err != nil {
		return err
	}
	rel, err := o.frag.Lock.AcquireWriteKey(ctx, fraglock.Key(key))
	if err != nil {
		return err
	}
	defer rel()

	current, existed, err := o.visible(tx, key)
	if err != nil {
		return err
	}
	if !existed {
		return rerr.New(rerr.KindSequencing, rerr.TagTupleNotFound, "Update", "no row for the given key")
	}

	next := &rowcodec.Expanded{Values: append([]rowcodec.Value(nil), current.Values...), Disk: current.Disk}
	if _, err := rowcodec.UpdateAttributes(o.frag.Desc, next, updates); err != nil {
		return err
	}

	if prog != nil {
		vm := interp.New(prog, next)
		if err := vm.Run(interp.RegionExec); err != nil {
			return err
		}
		if refused, _ := vm.Refused(); refused {
			return nil
		}
		if err := vm.Run(interp.RegionFinalUpdate); err != nil {
			return err
		}
	}

	diskReorg := false
	if o.frag.Desc.HasDisk && o.frag.Disk != nil {
		diskReorg, err = o.resizeDiskPart(ctx, tx, current, next)
		if err != nil {
			return err
		}
	}

	grew, err := rowGrew(o.frag.Desc, current, next)
	if err != nil {
		return err
	}

	base, baseHdr, _, err := o.loadCommittedFull(key)
	if err != nil {
		return err
	}
	chain := o.chainFor(tx, key, base, baseHdr.TupleVersion)
	sp := o.nextSavepoint(tx)
	if err := chain.Append(sp, opchain.KindUpdate, next); err != nil {
		return err
	}
	chain.SetLastGrew(grew)
	chain.SetLastDiskReorg(diskReorg)
	return nil
}

// rowGrew reports whether next's packed body is larger than current's,
// the MM_GROWN trigger (spec.md §3, §4.8's UPDATE contract, scenario 2).
// The codec fully re-packs a row's body on every call rather than keeping
// an addressable in-place "final varpart word" slot, so growth is detected
// by comparing the two packed lengths instead of inspecting one in place.
func rowGrew(d *schema.Descriptor, current, next *rowcodec.Expanded) (bool, error) {
	before, err := rowcodec.Shrink(d, current)
	if err != nil {
		return false, err
	}
	after, err := rowcodec.Shrink(d, next)
	if err != nil {
		return false, err
	}
	return len(after) > len(before), nil
}

// Delete removes key's row within tx, copying its pre-delete image onto
// the fragment's LCP keep-list if a checkpoint scan is active (spec.md
// §4.8's DELETE contract, property P8) once Commit runs.
func (o *Ops) Delete(ctx context.Context, tx TxID, keyRow *rowcodec.Expanded) error {
	key, err := pkKey(o.frag.Desc, keyRow)
	if err != nil {
		return err
	}
	rel, err := o.frag.Lock.AcquireWriteKey(ctx, fraglock.Key(key))
	if err != nil {
		return err
	}
	defer rel()

	current, existed, err := o.visible(tx, key)
	if err != nil {
		return err
	}
	if !existed {
		return rerr.New(rerr.KindSequencing, rerr.TagTupleDeleted, "Delete", "no row for the given key")
	}

	if o.frag.Desc.HasDisk && o.frag.Disk != nil && current.Disk != nil {
		if _, err := o.frag.Disk.ReserveForDelete(ctx, uint64(tx), int(current.Disk.PageIdx)); err != nil {
			return err
		}
	}

	base, baseHdr, _, err := o.loadCommittedFull(key)
	if err != nil {
		return err
	}
	chain := o.chainFor(tx, key, base, baseHdr.TupleVersion)
	sp := o.nextSavepoint(tx)
	return chain.Append(sp, opchain.KindDelete, nil)
}

// Refresh re-reads key's row and re-applies the same final image, bumping
// its tuple version without a logical content change (spec.md §4.8's
// REFRESH operation, used to extend lease-style TTL rows).
func (o *Ops) Refresh(ctx context.Context, tx TxID, keyRow *rowcodec.Expanded) error {
	key, err := pkKey(o.frag.Desc, keyRow)
	if err != nil {
		return err
	}
	rel, err := o.frag.Lock.AcquireWriteKey(ctx, fraglock.Key(key))
	if err != nil {
		return err
	}
	defer rel()

	current, existed, err := o.visible(tx, key)
	if err != nil {
		return err
	}
	if !existed {
		return rerr.New(rerr.KindSchema, rerr.TagRefreshFollowError, "Refresh", "no row for the given key")
	}

	base, baseHdr, _, err := o.loadCommittedFull(key)
	if err != nil {
		return err
	}
	chain := o.chainFor(tx, key, base, baseHdr.TupleVersion)
	sp := o.nextSavepoint(tx)
	return chain.Append(sp, opchain.KindRefresh, current)
}

// AbortToSavepoint rolls tx back to sp across every row it has touched.
func (o *Ops) AbortToSavepoint(tx TxID, sp Savepoint) {
	o.frag.mu.Lock()
	defer o.frag.mu.Unlock()
	for _, c := range o.frag.chains[tx] {
		c.AbortToSavepoint(sp)
	}
}

// Commit installs tx's final row images durably and discards its chains.
// Rows whose chain ends in a DELETE are removed from the primary-key
// index; everything else is (re-)packed, checksummed, and written to its
// page, allocating a new slot on first insert. Header bits are computed
// here from each row's last chain entry rather than supplied by the
// caller (spec.md §3's header_bits state machine): INSERT sets
// ALLOC|COPY_TUPLE (plus DISK_ALLOC|DISK_INLINE for disk-bound tables),
// and UPDATE/REFRESH set MM_GROWN and DISK_REORG|REORG_MOVE per what the
// operation actually did.
func (o *Ops) Commit(ctx context.Context, tx TxID) error {
	err := o.commit(ctx, tx)
	logging.LogOp(ctx, logging.OpEvent{FragmentID: uint64(o.frag.ID), Op: "COMMIT", OK: err == nil, Err: err})
	metrics.RowOpsTotal.WithLabelValues("COMMIT", outcomeLabel(err)).Inc()
	return err
}

// outcomeLabel renders err as the low-cardinality "ok"/"error" label
// metrics.RowOpsTotal groups by, so a caller's error text never becomes a
// Prometheus label value.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (o *Ops) commit(ctx context.Context, tx TxID) error {
	o.frag.mu.Lock()
	chains := o.frag.chains[tx]
	delete(o.frag.chains, tx)
	delete(o.frag.nextSP, tx)
	o.frag.mu.Unlock()

	for key, chain := range chains {
		row, existed := chain.Commit()
		entry, _ := chain.LastEntry()
		o.frag.mu.Lock()
		rid, hadRid := o.frag.byPK[key]
		o.frag.mu.Unlock()

		if !existed {
			if hadRid {
				o.frag.mu.Lock()
				lcpActive := o.frag.lcpActive
				o.frag.mu.Unlock()
				if lcpActive {
					if pre := chain.PreDeleteImage(); pre != nil {
						o.frag.mu.Lock()
						o.frag.keepList = append(o.frag.keepList, KeepEntry{Row: pre, Bits: rowcodec.LCPSkip})
						o.frag.mu.Unlock()
					}
				}
				if err := o.removeRow(rid); err != nil {
					return err
				}
				o.frag.mu.Lock()
				delete(o.frag.byPK, key)
				o.frag.mu.Unlock()
			}
			continue
		}

		var existingHdr rowcodec.FixedHeader
		if hadRid {
			if buf, mu, err := o.frag.Pages.Pin(rid.Page); err == nil {
				mu.Lock()
				if raw := tupalloc.Wrap(buf).Get(rid.Idx); raw != nil && len(raw) >= rowcodec.FixedHeaderSize {
					existingHdr = rowcodec.UnmarshalFixedHeader(raw[:rowcodec.FixedHeaderSize])
				}
				mu.Unlock()
				o.frag.Pages.Unpin(rid.Page)
			}
		}

		hdr := rowcodec.FixedHeader{
			Bits:         o.headerBitsFor(entry, hadRid, existingHdr),
			GCI:          existingHdr.GCI,
			TupleVersion: entry.TupleVersion,
		}

		var ridPtr *page.Rowid
		if hadRid {
			ridPtr = &rid
		}
		newRid, err := o.installRow(ridPtr, row, hdr)
		if err != nil {
			return err
		}
		o.frag.mu.Lock()
		o.frag.byPK[key] = newRid
		o.frag.mu.Unlock()
	}

	if o.frag.Disk != nil {
		if err := o.frag.Disk.Commit(ctx, uint64(tx)); err != nil {
			return err
		}
	}
	return nil
}

// headerBitsFor computes the header_bits a committed row should carry
// given the last operation its chain recorded (spec.md §3/§4.8).
func (o *Ops) headerBitsFor(entry opchain.Entry, hadRid bool, existing rowcodec.FixedHeader) rowcodec.Bits {
	var bits rowcodec.Bits
	switch entry.Kind {
	case opchain.KindInsert:
		bits = bits.Set(rowcodec.Alloc).Set(rowcodec.CopyTuple)
		if o.frag.Desc.HasDisk {
			bits = bits.Set(rowcodec.DiskAlloc).Set(rowcodec.DiskInline)
		}
	case opchain.KindUpdate, opchain.KindRefresh:
		if hadRid {
			bits = existing.Bits.Clear(rowcodec.MMGrown).Clear(rowcodec.DiskReorg).Clear(rowcodec.ReorgMove)
		}
		if entry.Grew {
			bits = bits.Set(rowcodec.MMGrown)
		}
		if entry.DiskReorg {
			bits = bits.Set(rowcodec.DiskReorg).Set(rowcodec.ReorgMove)
		}
	}
	return bits
}

// Abort discards tx's chains without installing anything, replaying any
// UNDO images the disk-part coordinator recorded for it back onto their
// pages. Abort always runs to completion regardless of the caller's
// context, since a canceled context must not leave a half-rolled-back
// transaction's disk pages inconsistent.
func (o *Ops) Abort(tx TxID) {
	o.frag.mu.Lock()
	delete(o.frag.chains, tx)
	delete(o.frag.nextSP, tx)
	o.frag.mu.Unlock()
	if o.frag.Disk != nil {
		_ = o.frag.Disk.Abort(context.Background(), uint64(tx))
	}
}

// UpdateGCI rewrites an already-committed row's global checkpoint id in
// place, bypassing the OperationChain: the node-recovery path stamps GCI
// during a checkpoint scan, outside any application transaction, so there
// is no chain to append to and nothing to commit afterward.
func (o *Ops) UpdateGCI(ctx context.Context, keyRow *rowcodec.Expanded, gci uint64) error {
	key, err := pkKey(o.frag.Desc, keyRow)
	if err != nil {
		return err
	}
	rel, err := o.frag.Lock.AcquireWriteKey(ctx, fraglock.Key(key))
	if err != nil {
		return err
	}
	defer rel()

	o.frag.mu.Lock()
	rid, ok := o.frag.byPK[key]
	o.frag.mu.Unlock()
	if !ok {
		return rerr.New(rerr.KindSequencing, rerr.TagTupleNotFound, "UpdateGCI", "no row for the given key")
	}

	buf, mu, err := o.frag.Pages.Pin(rid.Page)
	if err != nil {
		return err
	}
	defer o.frag.Pages.Unpin(rid.Page)
	mu.Lock()
	defer mu.Unlock()

	s := tupalloc.Wrap(buf)
	raw := s.Get(rid.Idx)
	if raw == nil {
		return rerr.New(rerr.KindSequencing, rerr.TagTupleNotFound, "UpdateGCI", "slot is empty")
	}
	if err := checksum.Verify(raw); err != nil {
		return err
	}

	const gciOffset = 12 // FixedHeader.GCI occupies raw[12:20]
	oldLo := binary.LittleEndian.Uint32(raw[gciOffset : gciOffset+4])
	oldHi := binary.LittleEndian.Uint32(raw[gciOffset+4 : gciOffset+8])
	binary.LittleEndian.PutUint32(raw[gciOffset:gciOffset+4], uint32(gci))
	binary.LittleEndian.PutUint32(raw[gciOffset+4:gciOffset+8], uint32(gci>>32))
	if err := checksum.ApplyWordDelta(raw, gciOffset, oldLo); err != nil {
		return err
	}
	return checksum.ApplyWordDelta(raw, gciOffset+4, oldHi)
}

func (o *Ops) removeRow(rid page.Rowid) error {
	buf, mu, err := o.frag.Pages.Pin(rid.Page)
	if err != nil {
		return err
	}
	defer o.frag.Pages.Unpin(rid.Page)
	mu.Lock()
	defer mu.Unlock()
	s := tupalloc.Wrap(buf)
	return s.Delete(rid.Idx)
}

func (o *Ops) installRow(existing *page.Rowid, row *rowcodec.Expanded, hdr rowcodec.FixedHeader) (page.Rowid, error) {
	packed, err := rowcodec.Pack(o.frag.Desc, hdr, row)
	if err != nil {
		return page.Rowid{}, err
	}
	if rem := len(packed) % 4; rem != 0 {
		packed = append(packed, make([]byte, 4-rem)...)
	}
	if err := checksum.Stamp(packed); err != nil {
		return page.Rowid{}, err
	}

	if existing != nil {
		buf, mu, err := o.frag.Pages.Pin(existing.Page)
		if err == nil {
			mu.Lock()
			s := tupalloc.Wrap(buf)
			updErr := s.Update(existing.Idx, packed)
			mu.Unlock()
			o.frag.Pages.Unpin(existing.Page)
			if updErr == nil {
				return *existing, nil
			}
		}
	}

	kind := page.KindFixed
	if len(o.frag.Desc.VarAttrs()) > 0 || len(o.frag.Desc.DynamicAttrs()) > 0 {
		kind = page.KindVariable
	}

	if pid, ok := o.frag.Index.Candidate(kind, len(packed)); ok {
		if buf, mu, err := o.frag.Pages.Pin(pid); err == nil {
			mu.Lock()
			s := tupalloc.Wrap(buf)
			idx, insErr := s.Insert(packed)
			free := s.FreeSpace()
			mu.Unlock()
			o.frag.Pages.Unpin(pid)
			if insErr == nil {
				o.frag.Index.Update(kind, pid, free)
				return page.Rowid{Page: pid, Idx: idx}, nil
			}
		}
	}

	pid, err := o.frag.Pages.Allocate(kind)
	if err != nil {
		return page.Rowid{}, err
	}
	// Allocate returns the page already pinned once; Pin below adds a
	// second pin on the same page, so both must be released.
	defer o.frag.Pages.Unpin(pid)
	buf, mu, err := o.frag.Pages.Pin(pid)
	if err != nil {
		return page.Rowid{}, err
	}
	defer o.frag.Pages.Unpin(pid)

	mu.Lock()
	s := tupalloc.Init(buf, kind, pid)
	idx, err := s.Insert(packed)
	free := s.FreeSpace()
	mu.Unlock()
	if err != nil {
		return page.Rowid{}, err
	}
	o.frag.Index.Update(kind, pid, free)
	return page.Rowid{Page: pid, Idx: idx}, nil
}
