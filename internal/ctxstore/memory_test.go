package ctxstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryWriteRead(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	if err := m.Write(ctx, "t1", "plan", []byte(`{"steps":3}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, ok, err := m.Read(ctx, "t1", "plan")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if string(v) != `{"steps":3}` {
		t.Errorf("unexpected value %s", v)
	}

	if _, ok, _ := m.Read(ctx, "t1", "missing"); ok {
		t.Error("expected missing key to be absent")
	}
}

func TestMemoryNamespacesAreIsolated(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	m.Write(ctx, "t1", "k", []byte("one"))
	if _, ok, _ := m.Read(ctx, "t2", "k"); ok {
		t.Fatal("trace t2 must not see t1's entries")
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	buf := []byte("abc")
	m.Write(ctx, "t1", "k", buf)
	buf[0] = 'x'

	v, _, _ := m.Read(ctx, "t1", "k")
	if string(v) != "abc" {
		t.Fatalf("stored value changed with caller buffer: %s", v)
	}
	v[1] = 'y'
	again, _, _ := m.Read(ctx, "t1", "k")
	if string(again) != "abc" {
		t.Fatalf("stored value changed through returned slice: %s", again)
	}
}

func TestMemoryPayloadTooLarge(t *testing.T) {
	m := NewMemory(8)
	ctx := context.Background()

	err := m.Write(ctx, "t1", "big", []byte("123456789"))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, ok, _ := m.Read(ctx, "t1", "big"); ok {
		t.Error("oversize value must not be persisted")
	}
	if err := m.Write(ctx, "t1", "fits", []byte("12345678")); err != nil {
		t.Errorf("value at the limit should be accepted: %v", err)
	}
}

func TestMemoryConcurrentDistinctKeys(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	const writers = 64
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%02d", i)
			if err := m.Write(ctx, "t1", key, []byte(key)); err != nil {
				t.Errorf("write %s: %v", key, err)
			}
		}()
	}
	wg.Wait()

	keys, _ := m.ListKeys(ctx, "t1")
	if len(keys) != writers {
		t.Fatalf("expected %d keys, got %d", writers, len(keys))
	}
	for _, k := range keys {
		v, ok, _ := m.Read(ctx, "t1", k)
		if !ok || string(v) != k {
			t.Errorf("key %s: got %q ok=%v", k, v, ok)
		}
	}

	if err := m.Clear(ctx, "t1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, k := range keys {
		if _, ok, _ := m.Read(ctx, "t1", k); ok {
			t.Errorf("key %s still readable after clear", k)
		}
	}
	// Idempotent.
	if err := m.Clear(ctx, "t1"); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.Write(ctx, "old", "k", []byte("v"))
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.Write(ctx, "new", "k", []byte("v"))

	n, err := m.Sweep(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 namespace swept, got %d", n)
	}
	if m.Len() != 1 {
		t.Errorf("expected 1 live namespace, got %d", m.Len())
	}
	if _, ok, _ := m.Read(ctx, "new", "k"); !ok {
		t.Error("fresh namespace should survive the sweep")
	}
}

func TestMemoryRejectsEmptyKey(t *testing.T) {
	m := NewMemory(0)
	if err := m.Write(context.Background(), "t1", "", []byte("v")); err == nil {
		t.Error("expected error for empty key")
	}
	if err := m.Write(context.Background(), "", "k", []byte("v")); err == nil {
		t.Error("expected error for empty trace id")
	}
}
