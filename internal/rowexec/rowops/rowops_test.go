package rowops

import (
	"context"
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/interp"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/pagestore"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/schema"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/tupalloc"
)

func testFragment() (*Fragment, *schema.Descriptor) {
	desc := schema.NewDescriptor("accounts", []schema.Attr{
		{ID: 1, Name: "acct_id", Type: schema.TypeUint64, PrimaryKey: true},
		{ID: 2, Name: "balance", Type: schema.TypeInt64},
		{ID: 3, Name: "label", Type: schema.TypeVarchar, Size: 128, Nullable: true},
	})
	pages := pagestore.New(pagestore.Config{MaxPages: 16, PageSize: page.MinSize})
	return NewFragment(1, desc, pages), desc
}

func keyRow(desc *schema.Descriptor, id uint64) *rowcodec.Expanded {
	r := rowcodec.NewExpanded(desc)
	r.Set(desc.Index(1), rowcodec.Value{U64: id})
	return r
}

func fullRow(desc *schema.Descriptor, id uint64, balance int64, label string) *rowcodec.Expanded {
	r := rowcodec.NewExpanded(desc)
	r.Set(desc.Index(1), rowcodec.Value{U64: id})
	r.Set(desc.Index(2), rowcodec.Value{I64: balance})
	if label == "" {
		r.Set(desc.Index(3), rowcodec.Value{Null: true})
	} else {
		r.Set(desc.Index(3), rowcodec.Value{Bytes: []byte(label)})
	}
	return r
}

func TestInsertCommitThenReadSeesRow(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 1, 100, "checking"), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	plan, err := rowcodec.PrepareRead(desc, []schema.AttrID{2, 3})
	if err != nil {
		t.Fatalf("prepare read: %v", err)
	}
	vals, matched, err := ops.Read(ctx, 2, keyRow(desc, 1), plan, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !matched {
		t.Fatal("expected the committed row to match")
	}
	if vals[0].I64 != 100 {
		t.Fatalf("expected balance 100, got %v", vals[0])
	}
	if string(vals[1].Bytes) != "checking" {
		t.Fatalf("expected label checking, got %q", vals[1].Bytes)
	}
}

func TestReadYourOwnWritesBeforeCommit(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 5, 50, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	plan, _ := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	vals, matched, err := ops.Read(ctx, 1, keyRow(desc, 5), plan, nil)
	if err != nil {
		t.Fatalf("read within same tx before commit: %v", err)
	}
	if !matched || vals[0].I64 != 50 {
		t.Fatalf("expected balance 50, got %v matched=%v", vals[0], matched)
	}

	// A different transaction must not see the uncommitted insert.
	if _, _, err := ops.Read(ctx, 2, keyRow(desc, 5), plan, nil); err == nil {
		t.Fatal("expected other transaction to not see uncommitted row")
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 9, 1, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := ops.Insert(ctx, 2, fullRow(desc, 9, 2, ""), nil); err == nil {
		t.Fatal("expected already-exists error on duplicate key insert")
	}
}

func TestUpdateThenCommitPersistsChange(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 2, 10, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := ops.Update(ctx, 2, keyRow(desc, 2), []rowcodec.AttrUpdate{
		{AttrID: 2, Value: rowcodec.Value{I64: 999}},
	}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := ops.Commit(ctx, 2); err != nil {
		t.Fatalf("commit update: %v", err)
	}

	plan, _ := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	vals, matched, err := ops.Read(ctx, 3, keyRow(desc, 2), plan, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !matched || vals[0].I64 != 999 {
		t.Fatalf("expected updated balance 999, got %v matched=%v", vals[0], matched)
	}
}

func TestUpdateGrowingVarcharSetsMMGrown(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 20, 1, "a"), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := ops.Update(ctx, 2, keyRow(desc, 20), []rowcodec.AttrUpdate{
		{AttrID: 3, Value: rowcodec.Value{Bytes: []byte("a much longer label than before")}},
	}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := ops.Commit(ctx, 2); err != nil {
		t.Fatalf("commit update: %v", err)
	}

	key, err := pkKey(desc, keyRow(desc, 20))
	if err != nil {
		t.Fatalf("pkKey: %v", err)
	}
	frag.mu.Lock()
	rid := frag.byPK[key]
	frag.mu.Unlock()
	buf, mu, err := frag.Pages.Pin(rid.Page)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	mu.Lock()
	raw := tupalloc.Wrap(buf).Get(rid.Idx)
	hdr := rowcodec.UnmarshalFixedHeader(raw[:rowcodec.FixedHeaderSize])
	mu.Unlock()
	frag.Pages.Unpin(rid.Page)
	if !hdr.Bits.Has(rowcodec.MMGrown) {
		t.Fatalf("expected MM_GROWN set after the varchar grew, got bits %v", hdr.Bits)
	}
	if hdr.TupleVersion != 2 {
		t.Fatalf("expected tup_version 2 after one update, got %d", hdr.TupleVersion)
	}
}

func TestDeleteThenCommitRemovesRow(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 3, 1, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := ops.Delete(ctx, 2, keyRow(desc, 3)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ops.Commit(ctx, 2); err != nil {
		t.Fatalf("commit delete: %v", err)
	}

	plan, _ := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	if _, _, err := ops.Read(ctx, 3, keyRow(desc, 3), plan, nil); err == nil {
		t.Fatal("expected row to be gone after deletion committed")
	}
}

func TestDeleteDuringLCPScanAddsKeepListEntry(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 30, 77, "keepme"), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	frag.BeginLCPScan()
	if err := ops.Delete(ctx, 2, keyRow(desc, 30)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ops.Commit(ctx, 2); err != nil {
		t.Fatalf("commit delete: %v", err)
	}
	kept := frag.EndLCPScan()
	if len(kept) != 1 {
		t.Fatalf("expected exactly one keep-list entry, got %d", len(kept))
	}
	if !kept[0].Bits.Has(rowcodec.LCPSkip) {
		t.Fatalf("expected the keep-list entry to carry LCP_SKIP, got %v", kept[0].Bits)
	}
	if string(kept[0].Row.Get(desc.Index(3)).Bytes) != "keepme" {
		t.Fatalf("expected the keep-list entry to carry the pre-delete image, got %+v", kept[0].Row)
	}
}

func TestAbortDiscardsUncommittedInsert(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 7, 1, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ops.Abort(1)

	plan, _ := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	if _, _, err := ops.Read(ctx, 2, keyRow(desc, 7), plan, nil); err == nil {
		t.Fatal("expected aborted insert to not be visible")
	}
}

func TestAbortToSavepointRollsBackPartialTransaction(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 4, 1, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Update(ctx, 1, keyRow(desc, 4), []rowcodec.AttrUpdate{
		{AttrID: 2, Value: rowcodec.Value{I64: 2}},
	}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Roll back to before the update (savepoint 2, the update's own savepoint).
	ops.AbortToSavepoint(1, 2)
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	plan, _ := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	vals, matched, err := ops.Read(ctx, 2, keyRow(desc, 4), plan, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !matched || vals[0].I64 != 1 {
		t.Fatalf("expected balance rolled back to 1, got %v matched=%v", vals[0], matched)
	}
}

func TestRefreshRequiresExistingRow(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Refresh(ctx, 1, keyRow(desc, 42)); err == nil {
		t.Fatal("expected refresh of a nonexistent row to fail")
	}
}

func TestUpdateGCIRewritesCommittedRowWithoutTransaction(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 11, 1, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := ops.UpdateGCI(ctx, keyRow(desc, 11), 42); err != nil {
		t.Fatalf("update gci: %v", err)
	}

	plan, _ := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	vals, matched, err := ops.Read(ctx, 2, keyRow(desc, 11), plan, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !matched || vals[0].I64 != 1 {
		t.Fatalf("expected GCI update to leave row content unchanged, got balance %v", vals[0])
	}
}

func TestUpdateGCIRequiresExistingRow(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.UpdateGCI(ctx, keyRow(desc, 99), 1); err == nil {
		t.Fatal("expected GCI update of a nonexistent row to fail")
	}
}

func TestOptimizeReclaimsSpaceFromDeletedRows(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	for i := uint64(1); i <= 4; i++ {
		if err := ops.Insert(ctx, TxID(i), fullRow(desc, i, 10, "checking"), nil); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if err := ops.Commit(ctx, TxID(i)); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 3; i++ {
		tx := TxID(100 + i)
		if err := ops.Delete(ctx, tx, keyRow(desc, i)); err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
		if err := ops.Commit(ctx, tx); err != nil {
			t.Fatalf("commit delete %d: %v", i, err)
		}
	}

	reclaimed := frag.Optimize()
	if reclaimed <= 0 {
		t.Fatalf("expected Optimize to reclaim bytes from the deleted rows, got %d", reclaimed)
	}

	plan, err := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	if err != nil {
		t.Fatalf("prepare read: %v", err)
	}
	vals, matched, err := ops.Read(ctx, 200, keyRow(desc, 4), plan, nil)
	if err != nil {
		t.Fatalf("expected the surviving row to still read after Optimize: %v", err)
	}
	if !matched || vals[0].I64 != 10 {
		t.Fatalf("expected balance 10 after Optimize, got %v matched=%v", vals[0], matched)
	}
}

func TestReadWithRefusingProgramReportsNoMatch(t *testing.T) {
	ctx := context.Background()
	frag, desc := testFragment()
	ops := New(frag)

	if err := ops.Insert(ctx, 1, fullRow(desc, 50, 5, ""), nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := ops.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	balanceIdx := desc.Index(2)
	prog := &interp.Program{
		Exec: []interp.Instr{
			{Op: interp.OpLoadAttr, Dst: 0, AttrIdx: balanceIdx},
			{Op: interp.OpLoadConst, Dst: 1, Const: rowcodec.Value{I64: 999}},
			{Op: interp.OpCmp, SrcA: 0, SrcB: 1},
			{Op: interp.OpBranch, Branch: interp.BranchEQ, Target: 5},
			{Op: interp.OpExitRefuse, Reason: 1},
			{Op: interp.OpHalt},
		},
	}

	plan, _ := rowcodec.PrepareRead(desc, []schema.AttrID{2})
	_, matched, err := ops.Read(ctx, 2, keyRow(desc, 50), plan, prog)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if matched {
		t.Fatal("expected the interpreted filter to refuse a non-matching balance")
	}
}
