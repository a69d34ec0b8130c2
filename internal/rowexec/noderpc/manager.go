package noderpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskpart"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rerr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowops"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

// binding pairs a registered fragment's RowOps with the disk-part
// coordinator recovery reads are served from, plus a private transaction
// counter for the auto-committing writes this surface issues (node recovery
// operations run outside any application transaction).
type binding struct {
	ops        *rowops.Ops
	disk       *diskpart.Coordinator
	diskFileNo uint32
	txSeq      uint64
}

// Manager implements NodeRecoveryServer over a set of registered fragments.
type Manager struct {
	mu        sync.RWMutex
	fragments map[page.FragmentID]*binding
}

// NewManager returns an empty Manager; fragments are attached with Register.
func NewManager() *Manager {
	return &Manager{fragments: make(map[page.FragmentID]*binding)}
}

// Register attaches a fragment's RowOps (and, if it has a disk part, its
// DiskPartCoordinator) under id so the RPC surface can serve it.
func (m *Manager) Register(id page.FragmentID, ops *rowops.Ops, disk *diskpart.Coordinator, diskFileNo uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments[id] = &binding{ops: ops, disk: disk, diskFileNo: diskFileNo}
}

func (m *Manager) lookup(id uint64) (*binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.fragments[page.FragmentID(id)]
	if !ok {
		return nil, rerr.New(rerr.KindSchema, rerr.TagTupleNotFound, "lookup", "fragment %d is not registered", id)
	}
	return b, nil
}

func (b *binding) nextTx() rowops.TxID {
	return rowops.TxID(atomic.AddUint64(&b.txSeq, 1))
}

func buildKeyRow(desc *schema.Descriptor, key []KeyAttr) *rowcodec.Expanded {
	row := rowcodec.NewExpanded(desc)
	for _, k := range key {
		row.Set(desc.Index(schema.AttrID(k.AttrID)), k.Value)
	}
	return row
}

func errorOf(err error) (int32, string) {
	if err == nil {
		return 0, ""
	}
	if e, ok := err.(*rerr.Error); ok {
		return int32(e.Tag), e.Error()
	}
	return int32(rerr.TagUnknown), err.Error()
}

// NRReadPK reads a row's committed image, outside any application
// transaction (node recovery always sees the latest durable state).
func (m *Manager) NRReadPK(ctx context.Context, req *ReadPKRequest) (*ReadPKResponse, error) {
	b, err := m.lookup(req.FragmentID)
	if err != nil {
		tag, msg := errorOf(err)
		return &ReadPKResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	desc := b.ops.Desc()
	attrIDs := make([]schema.AttrID, len(req.AttrIDs))
	for i, id := range req.AttrIDs {
		attrIDs[i] = schema.AttrID(id)
	}
	plan, err := rowcodec.PrepareRead(desc, attrIDs)
	if err != nil {
		tag, msg := errorOf(err)
		return &ReadPKResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	vals, matched, err := b.ops.Read(ctx, b.nextTx(), buildKeyRow(desc, req.Key), plan, nil)
	if err != nil {
		tag, msg := errorOf(err)
		return &ReadPKResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	if !matched {
		return &ReadPKResponse{Found: false}, nil
	}
	return &ReadPKResponse{Values: vals, Found: true}, nil
}

// NRUpdateGCI stamps a row's checkpoint id in place.
func (m *Manager) NRUpdateGCI(ctx context.Context, req *UpdateGCIRequest) (*UpdateGCIResponse, error) {
	b, err := m.lookup(req.FragmentID)
	if err != nil {
		tag, msg := errorOf(err)
		return &UpdateGCIResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	desc := b.ops.Desc()
	err = b.ops.UpdateGCI(ctx, buildKeyRow(desc, req.Key), req.GCI)
	tag, msg := errorOf(err)
	return &UpdateGCIResponse{ErrorTag: tag, ErrorMsg: msg}, nil
}

// NRDelete removes a row by primary key as a single auto-committing
// transaction.
func (m *Manager) NRDelete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	b, err := m.lookup(req.FragmentID)
	if err != nil {
		tag, msg := errorOf(err)
		return &DeleteResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	desc := b.ops.Desc()
	tx := b.nextTx()
	keyRow := buildKeyRow(desc, req.Key)
	if err := b.ops.Delete(ctx, tx, keyRow); err != nil {
		tag, msg := errorOf(err)
		return &DeleteResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	if err := b.ops.Commit(ctx, tx); err != nil {
		b.ops.Abort(tx)
		tag, msg := errorOf(err)
		return &DeleteResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	return &DeleteResponse{}, nil
}

// LoadDiskPage fetches one disk-part page, the callback RowOps' suspended
// callers are resumed with once a pending disk read completes.
func (m *Manager) LoadDiskPage(ctx context.Context, req *LoadDiskPageRequest) (*LoadDiskPageResponse, error) {
	b, err := m.lookup(req.FragmentID)
	if err != nil || b.disk == nil {
		if err == nil {
			err = rerr.New(rerr.KindSchema, rerr.TagTupleNotFound, "LoadDiskPage", "fragment has no disk part")
		}
		tag, msg := errorOf(err)
		return &LoadDiskPageResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	data, err := b.disk.Read(ctx, diskpart.Ref{FileNo: req.FileNo, PageNo: req.PageNo})
	if err != nil {
		tag, msg := errorOf(err)
		return &LoadDiskPageResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	return &LoadDiskPageResponse{Data: data}, nil
}

// LoadDiskPageScan fetches Count consecutive disk-part pages, the bulk form
// an LCP (checkpoint) scan issues.
func (m *Manager) LoadDiskPageScan(ctx context.Context, req *LoadDiskPageScanRequest) (*LoadDiskPageScanResponse, error) {
	b, err := m.lookup(req.FragmentID)
	if err != nil || b.disk == nil {
		if err == nil {
			err = rerr.New(rerr.KindSchema, rerr.TagTupleNotFound, "LoadDiskPageScan", "fragment has no disk part")
		}
		tag, msg := errorOf(err)
		return &LoadDiskPageScanResponse{ErrorTag: tag, ErrorMsg: msg}, nil
	}
	pages := make([][]byte, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		data, err := b.disk.Read(ctx, diskpart.Ref{FileNo: req.FileNo, PageNo: req.StartPageNo + uint64(i)})
		if err != nil {
			tag, msg := errorOf(err)
			return &LoadDiskPageScanResponse{Pages: pages, ErrorTag: tag, ErrorMsg: msg}, nil
		}
		pages = append(pages, data)
	}
	return &LoadDiskPageScanResponse{Pages: pages}, nil
}

var _ NodeRecoveryServer = (*Manager)(nil)
