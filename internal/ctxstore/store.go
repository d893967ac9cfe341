// Package ctxstore is the scratch space sibling agents use to hand
// intermediate results to each other. Every entry lives in the namespace of
// one trace and disappears when that trace's root task finishes.
package ctxstore

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxPayload is the per-value size bound (1 MiB).
const DefaultMaxPayload = 1 << 20

var (
	ErrPayloadTooLarge = errors.New("context payload too large")
	ErrNoTrace         = errors.New("no trace in context")
)

// Store is a key/value workspace partitioned by trace id.
//
// Concurrent writes to distinct keys never lose data. Concurrent writes to the
// same key are last-write-wins.
type Store interface {
	Write(ctx context.Context, traceID, key string, value []byte) error
	// Read returns ok=false when the key is absent.
	Read(ctx context.Context, traceID, key string) (value []byte, ok bool, err error)
	ListKeys(ctx context.Context, traceID string) ([]string, error)
	// Clear removes the whole namespace. Clearing an absent namespace is not
	// an error.
	Clear(ctx context.Context, traceID string) error
}

func checkSize(key string, value []byte, limit int) error {
	if len(value) > limit {
		return fmt.Errorf("%w: key %q is %d bytes, limit %d", ErrPayloadTooLarge, key, len(value), limit)
	}
	return nil
}

func checkKey(traceID, key string) error {
	if traceID == "" {
		return errors.New("empty trace id")
	}
	if key == "" {
		return errors.New("empty key")
	}
	return nil
}
