package noderpc

import (
	"context"
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskcache"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskpart"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/logmgr"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/pagestore"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowops"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
)

func testDesc() *schema.Descriptor {
	return schema.NewDescriptor("widgets", []schema.Attr{
		{ID: 1, Name: "widget_id", Type: schema.TypeUint64, PrimaryKey: true},
		{ID: 2, Name: "count", Type: schema.TypeInt64},
	})
}

func testManager(t *testing.T) (*Manager, uint64) {
	t.Helper()
	desc := testDesc()
	pages := pagestore.New(pagestore.Config{MaxPages: 16, PageSize: page.MinSize})
	frag := rowops.NewFragment(1, desc, pages)
	ops := rowops.New(frag)

	loader := diskcache.NewMemStore(page.MinSize)
	log := logmgr.NewMemLog()
	disk := diskpart.New(log, loader)

	m := NewManager()
	m.Register(1, ops, disk, 0)
	return m, 1
}

func TestNRReadPKAndNRDeleteOfMissingRowReportErrors(t *testing.T) {
	ctx := context.Background()
	m, fragID := testManager(t)
	key := []KeyAttr{{AttrID: 1, Value: rowcodec.Value{U64: 5}}}

	resp, err := m.NRReadPK(ctx, &ReadPKRequest{FragmentID: fragID, Key: key, AttrIDs: []uint16{2}})
	if err != nil {
		t.Fatalf("NRReadPK transport error: %v", err)
	}
	if resp.Found {
		t.Fatal("expected not-found for a row that was never inserted")
	}
	if resp.ErrorTag == 0 {
		t.Fatal("expected a non-zero error tag on not-found")
	}

	delResp, err := m.NRDelete(ctx, &DeleteRequest{FragmentID: fragID, Key: key})
	if err != nil {
		t.Fatalf("NRDelete transport error: %v", err)
	}
	if delResp.ErrorTag == 0 {
		t.Fatal("expected delete of a nonexistent row to report an error tag")
	}
}

func TestNRUpdateGCIOnUnknownFragmentReportsError(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	resp, err := m.NRUpdateGCI(ctx, &UpdateGCIRequest{FragmentID: 999, GCI: 1})
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if resp.ErrorTag == 0 {
		t.Fatal("expected an error tag for an unregistered fragment")
	}
}

func TestLoadDiskPageOfUnallocatedPageReportsError(t *testing.T) {
	ctx := context.Background()
	m, fragID := testManager(t)

	// The coordinator behind fragment 1 has no preallocated pages yet, so a
	// direct disk-page load must fail with a populated error tag.
	resp, err := m.LoadDiskPage(ctx, &LoadDiskPageRequest{FragmentID: fragID, FileNo: 0, PageNo: 0})
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if resp.ErrorTag == 0 {
		t.Fatal("expected an error tag for a page that was never preallocated")
	}
}

func TestLoadDiskPageOnFragmentWithoutDiskPartReportsError(t *testing.T) {
	ctx := context.Background()
	desc := testDesc()
	pages := pagestore.New(pagestore.Config{MaxPages: 4, PageSize: page.MinSize})
	ops := rowops.New(rowops.NewFragment(2, desc, pages))

	m := NewManager()
	m.Register(2, ops, nil, 0)

	resp, err := m.LoadDiskPage(ctx, &LoadDiskPageRequest{FragmentID: 2, FileNo: 0, PageNo: 0})
	if err != nil {
		t.Fatalf("transport error: %v", err)
	}
	if resp.ErrorTag == 0 {
		t.Fatal("expected an error tag for a fragment with no disk part")
	}
}
