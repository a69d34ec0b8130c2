package logmgr

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
)

func TestMemLogAbortReturnsReverseOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemLog()
	lsn1, _ := l.Reserve(ctx, 1, 16)
	_ = l.WriteUndoImage(ctx, lsn1, 1, page.ID(5), 0, []byte("aaaa"))
	lsn2, _ := l.Reserve(ctx, 1, 16)
	_ = l.WriteUndoImage(ctx, lsn2, 1, page.ID(5), 4, []byte("bbbb"))

	entries, err := l.Abort(ctx, 1)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries[0].PreImage) != "bbbb" || string(entries[1].PreImage) != "aaaa" {
		t.Fatalf("expected reverse order, got %+v", entries)
	}
}

func TestMemLogCommitDiscardsPending(t *testing.T) {
	ctx := context.Background()
	l := NewMemLog()
	lsn, _ := l.Reserve(ctx, 2, 16)
	_ = l.WriteUndoImage(ctx, lsn, 2, page.ID(1), 0, []byte("x"))
	if err := l.Commit(ctx, 2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	entries, err := l.Abort(ctx, 2)
	if err != nil {
		t.Fatalf("abort after commit: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no pending entries after commit, got %d", len(entries))
	}
}

func TestFileLogPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "undo.log")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	lsn, _ := l.Reserve(ctx, 1, 16)
	if err := l.WriteUndoImage(ctx, lsn, 1, page.ID(3), 0, []byte("preimage")); err != nil {
		t.Fatalf("write undo image: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
}
