package pagestore

import (
	"testing"

	"github.com/SimonWaldherr/tinySQL/internal/rowexec/page"
)

func TestAllocateAndPinRoundTrip(t *testing.T) {
	s := New(Config{MaxPages: 4, PageSize: page.MinSize})
	id, err := s.Allocate(page.KindFixed)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	s.Unpin(id)

	buf, mu, err := s.Pin(id)
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	mu.Lock()
	hdr := page.UnmarshalHeader(buf)
	mu.Unlock()
	if hdr.ID != id || hdr.Kind != page.KindFixed {
		t.Fatalf("unexpected header %+v", hdr)
	}
	s.Unpin(id)
}

func TestFreeRejectsPinnedPage(t *testing.T) {
	s := New(Config{MaxPages: 4, PageSize: page.MinSize})
	id, err := s.Allocate(page.KindFixed)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.Free(id); err == nil {
		t.Fatal("expected error freeing a pinned page, got nil")
	}
	s.Unpin(id)
	if err := s.Free(id); err != nil {
		t.Fatalf("free after unpin: %v", err)
	}
	if s.Resident() != 0 {
		t.Fatalf("expected 0 resident pages, got %d", s.Resident())
	}
}

func TestEvictionSkipsPinnedPages(t *testing.T) {
	s := New(Config{MaxPages: 2, PageSize: page.MinSize})
	a, err := s.Allocate(page.KindFixed) // stays pinned
	if err != nil {
		t.Fatalf("allocate a: %v", err)
	}
	b, err := s.Allocate(page.KindFixed)
	if err != nil {
		t.Fatalf("allocate b: %v", err)
	}
	s.Unpin(b)

	c, err := s.Allocate(page.KindFixed)
	if err != nil {
		t.Fatalf("allocate c: %v", err)
	}
	s.Unpin(c)

	if _, _, err := s.Pin(b); err == nil {
		t.Fatal("expected page b to have been evicted to make room for c")
	}
	if _, _, err := s.Pin(a); err != nil {
		t.Fatalf("expected pinned page a to survive eviction: %v", err)
	}
	s.Unpin(a)
	s.Unpin(c)
}

func TestAllocateFailsWhenFullAndAllPinned(t *testing.T) {
	s := New(Config{MaxPages: 1, PageSize: page.MinSize})
	if _, err := s.Allocate(page.KindFixed); err != nil {
		t.Fatalf("allocate first: %v", err)
	}
	if _, err := s.Allocate(page.KindFixed); err == nil {
		t.Fatal("expected resource-exhaustion error, got nil")
	}
}
