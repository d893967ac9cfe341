package ctxstore

import (
	"context"
	"errors"
	"testing"

	"github.com/mtzanidakis/synodos/internal/tracing"
)

func TestToolsUseCallerTrace(t *testing.T) {
	store := NewMemory(0)
	tools := NewTools(store)

	ctxA := tracing.WithTrace(context.Background(), tracing.Trace{TraceID: "a", TaskID: "1"})
	ctxB := tracing.WithTrace(context.Background(), tracing.Trace{TraceID: "b", TaskID: "2"})

	if err := tools.WriteContext(ctxA, "findings", map[string]int{"hits": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, ok, err := tools.ReadContext(ctxA, "findings")
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if string(v) != `{"hits":3}` {
		t.Errorf("unexpected value %s", v)
	}

	if _, ok, _ := tools.ReadContext(ctxB, "findings"); ok {
		t.Error("another trace must not see the entry")
	}

	keys, _ := tools.ListContext(ctxA)
	if len(keys) != 1 || keys[0] != "findings" {
		t.Errorf("expected [findings], got %v", keys)
	}
}

func TestToolsRawValues(t *testing.T) {
	tools := NewTools(NewMemory(0))
	ctx := tracing.WithTrace(context.Background(), tracing.Trace{TraceID: "a", TaskID: "1"})

	if err := tools.WriteContext(ctx, "raw", []byte("plain text")); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, _, _ := tools.ReadContext(ctx, "raw")
	if string(v) != "plain text" {
		t.Errorf("expected bytes stored verbatim, got %s", v)
	}
}

func TestToolsRequireTrace(t *testing.T) {
	tools := NewTools(NewMemory(0))
	if err := tools.WriteContext(context.Background(), "k", 1); !errors.Is(err, ErrNoTrace) {
		t.Fatalf("expected ErrNoTrace, got %v", err)
	}
	if _, _, err := tools.ReadContext(context.Background(), "k"); !errors.Is(err, ErrNoTrace) {
		t.Fatalf("expected ErrNoTrace, got %v", err)
	}
}
