package diskpart

import (
	"bytes"
	"context"
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/diskcache"
	"github.com/SimonWaldherr/tinySQL/internal/rowexec/logmgr"
)

func TestWriteInPlaceThenReadReflectsWrite(t *testing.T) {
	ctx := context.Background()
	loader := diskcache.NewMemStore(64)
	log := logmgr.NewMemLog()
	c := New(log, loader)

	if _, err := c.Prealloc(ctx, 0, 1); err != nil {
		t.Fatalf("prealloc: %v", err)
	}
	ref := Ref{FileNo: 0, PageNo: 0}
	if err := c.WriteInPlace(ctx, 1, ref, 4, []byte("abcd")); err != nil {
		t.Fatalf("write in place: %v", err)
	}
	buf, err := c.Read(ctx, ref)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[4:8], []byte("abcd")) {
		t.Fatalf("expected written bytes at offset 4, got %q", buf[4:8])
	}
}

func TestAbortRestoresPreImage(t *testing.T) {
	ctx := context.Background()
	loader := diskcache.NewMemStore(64)
	log := logmgr.NewMemLog()
	c := New(log, loader)

	if _, err := c.Prealloc(ctx, 0, 1); err != nil {
		t.Fatalf("prealloc: %v", err)
	}
	ref := Ref{FileNo: 0, PageNo: 0}
	if err := c.WriteInPlace(ctx, 1, ref, 0, []byte("first...")); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := c.Commit(ctx, 1); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := c.WriteInPlace(ctx, 2, ref, 0, []byte("second.")); err != nil {
		t.Fatalf("write second: %v", err)
	}
	if err := c.Abort(ctx, 2); err != nil {
		t.Fatalf("abort: %v", err)
	}

	buf, err := c.Read(ctx, ref)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(buf, []byte("first...")) {
		t.Fatalf("expected pre-image restored after abort, got %q", buf[:8])
	}
}
