package opchain

import (
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/rowcodec"
)

func row(v int64) *rowcodec.Expanded {
	r := &rowcodec.Expanded{Values: make([]rowcodec.Value, 1)}
	r.Set(0, rowcodec.Value{I64: v})
	return r
}

func TestCurrentReturnsBaseWhenEmpty(t *testing.T) {
	base := row(1)
	c := New(1, base)
	got, existed := c.Current()
	if !existed || got != base {
		t.Fatalf("expected base row to be current, got existed=%v", existed)
	}
}

func TestAppendInsertThenDeleteReportsNotExisting(t *testing.T) {
	c := New(1, nil)
	if err := c.Append(1, KindInsert, row(10)); err != nil {
		t.Fatalf("append insert: %v", err)
	}
	if err := c.Append(2, KindDelete, nil); err != nil {
		t.Fatalf("append delete: %v", err)
	}
	_, existed := c.Current()
	if existed {
		t.Fatal("expected row to not exist after delete")
	}
}

func TestAppendRejectsOutOfOrderSavepoint(t *testing.T) {
	c := New(1, nil)
	if err := c.Append(5, KindInsert, row(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.Append(2, KindUpdate, row(2)); err == nil {
		t.Fatal("expected out-of-order savepoint rejection, got nil")
	}
}

func TestAbortToSavepointTruncatesChain(t *testing.T) {
	c := New(1, row(0))
	_ = c.Append(1, KindUpdate, row(1))
	_ = c.Append(2, KindUpdate, row(2))
	_ = c.Append(3, KindUpdate, row(3))

	c.AbortToSavepoint(2)

	got, existed := c.Current()
	if !existed || got.Get(0).I64 != 1 {
		t.Fatalf("expected row value 1 after abort to savepoint 2, got %v existed=%v", got, existed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", c.Len())
	}
}

func TestLastKindReflectsMostRecentOperation(t *testing.T) {
	c := New(1, nil)
	if _, ok := c.LastKind(); ok {
		t.Fatal("expected no last kind on empty chain")
	}
	_ = c.Append(1, KindInsert, row(1))
	kind, ok := c.LastKind()
	if !ok || kind != KindInsert {
		t.Fatalf("expected KindInsert, got %v ok=%v", kind, ok)
	}
}

func TestAppendRejectsOperationAfterRefresh(t *testing.T) {
	c := New(1, row(0))
	if err := c.Append(1, KindRefresh, row(1)); err != nil {
		t.Fatalf("append refresh: %v", err)
	}
	if err := c.Append(2, KindUpdate, row(2)); err == nil {
		t.Fatal("expected rejection of an operation following REFRESH, got nil")
	}
}

func TestAppendRejectsNonInsertAfterDelete(t *testing.T) {
	c := New(1, row(0))
	if err := c.Append(1, KindDelete, nil); err != nil {
		t.Fatalf("append delete: %v", err)
	}
	if err := c.Append(2, KindUpdate, row(1)); err == nil {
		t.Fatal("expected rejection of UPDATE following DELETE, got nil")
	}
	if err := c.Append(2, KindInsert, row(1)); err != nil {
		t.Fatalf("expected INSERT following DELETE to be accepted: %v", err)
	}
}

func TestTupleVersionAdvancesPerEntryExceptDelete(t *testing.T) {
	c := NewWithVersion(1, row(0), 1)
	_ = c.Append(1, KindUpdate, row(1))
	if v := c.CurrentVersion(); v != 2 {
		t.Fatalf("expected tup_version 2 after one update, got %d", v)
	}
	_ = c.Append(2, KindDelete, nil)
	if v := c.CurrentVersion(); v != 2 {
		t.Fatalf("expected tup_version to hold at 2 across delete, got %d", v)
	}
	if err := c.Append(3, KindInsert, row(5)); err != nil {
		t.Fatalf("append insert after delete: %v", err)
	}
	last, ok := c.LastEntry()
	if !ok || !last.DeleteInsert {
		t.Fatalf("expected the insert-after-delete entry to be marked DeleteInsert, got %+v ok=%v", last, ok)
	}
	if v := c.CurrentVersion(); v != 3 {
		t.Fatalf("expected tup_version 3 after the delete-insert, got %d", v)
	}
}

func TestFindVisibleSeesOwnDirtyWritesOnly(t *testing.T) {
	base := row(0)
	c := New(1, base)
	_ = c.Append(1, KindUpdate, row(1))
	_ = c.Append(2, KindUpdate, row(2))

	got, existed := c.FindVisible(1, 1, true)
	if !existed || got.Get(0).I64 != 1 {
		t.Fatalf("expected value 1 visible at savepoint 1, got %v existed=%v", got, existed)
	}
	got, existed = c.FindVisible(2, 1, true)
	if !existed || got.Get(0).I64 != 2 {
		t.Fatalf("expected value 2 visible at savepoint 2, got %v existed=%v", got, existed)
	}
	got, existed = c.FindVisible(2, 2, true)
	if !existed || got != base {
		t.Fatalf("expected a foreign transaction to see only the base row, got %v existed=%v", got, existed)
	}
	got, existed = c.FindVisible(2, 1, false)
	if !existed || got != base {
		t.Fatalf("expected a non-dirty read to see only the base row, got %v existed=%v", got, existed)
	}
}

func TestPreDeleteImageReturnsLastValueBeforeDelete(t *testing.T) {
	base := row(0)
	c := New(1, base)
	r1 := row(1)
	_ = c.Append(1, KindUpdate, r1)
	_ = c.Append(2, KindDelete, nil)
	if got := c.PreDeleteImage(); got != r1 {
		t.Fatalf("expected pre-delete image to be the last update's row, got %v", got)
	}

	c2 := New(1, base)
	_ = c2.Append(1, KindDelete, nil)
	if got := c2.PreDeleteImage(); got != base {
		t.Fatalf("expected pre-delete image to be the base row when delete is the first entry, got %v", got)
	}
}
