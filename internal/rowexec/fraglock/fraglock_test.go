package fraglock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSharedReadsProceedConcurrently(t *testing.T) {
	l := New()
	ctx := context.Background()
	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.AcquireSharedRead(ctx)
			if err != nil {
				t.Errorf("acquire shared read: %v", err)
				return
			}
			n := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxInFlight)
				if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			rel()
		}()
	}
	wg.Wait()
	if atomic.LoadInt32(&maxInFlight) < 2 {
		t.Fatalf("expected concurrent shared readers, max observed %d", maxInFlight)
	}
}

func TestWriteKeySerializesSameKey(t *testing.T) {
	l := New()
	ctx := context.Background()
	var active int32
	var violations int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.AcquireWriteKey(ctx, "k1")
			if err != nil {
				t.Errorf("acquire write key: %v", err)
				return
			}
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.AddInt32(&violations, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			rel()
		}()
	}
	wg.Wait()
	if violations != 0 {
		t.Fatalf("expected no concurrent holders of the same key, saw %d violations", violations)
	}
}

func TestDifferentKeysDoNotSerialize(t *testing.T) {
	l := New()
	ctx := context.Background()

	relA, err := l.AcquireWriteKey(ctx, "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer relA()

	done := make(chan struct{})
	go func() {
		relB, err := l.AcquireWriteKey(ctx, "b")
		if err != nil {
			t.Errorf("acquire b: %v", err)
			return
		}
		relB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different key blocked on an unrelated key's holder")
	}
}

func TestExclusiveExcludesSharedReaders(t *testing.T) {
	l := New()
	ctx := context.Background()

	relShared, err := l.AcquireSharedRead(ctx)
	if err != nil {
		t.Fatalf("acquire shared: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		rel, err := l.AcquireExclusive(ctx)
		if err != nil {
			t.Errorf("acquire exclusive: %v", err)
			return
		}
		close(acquired)
		rel()
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive lock acquired while a shared reader still held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	relShared()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("exclusive lock never acquired after shared reader released")
	}
}

func TestAcquireWriteKeyRespectsContextCancellation(t *testing.T) {
	l := New()
	ctx := context.Background()
	rel, err := l.AcquireWriteKey(ctx, "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer rel()

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.AcquireWriteKey(cctx, "k"); err == nil {
		t.Fatal("expected context deadline error, got nil")
	}
}
