package ctxstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/synodos/internal/tracing"
)

// Tools is the surface exposed to agents. The namespace always comes from the
// caller's trace, so an agent cannot read or write another request's data.
type Tools struct {
	store Store
}

func NewTools(store Store) *Tools {
	return &Tools{store: store}
}

func traceFrom(ctx context.Context) (string, error) {
	tr, ok := tracing.FromContext(ctx)
	if !ok {
		return "", ErrNoTrace
	}
	return tr.TraceID, nil
}

// WriteContext stores value as JSON under key.
func (t *Tools) WriteContext(ctx context.Context, key string, value any) error {
	traceID, err := traceFrom(ctx)
	if err != nil {
		return err
	}
	var data []byte
	switch v := value.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		data, err = json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal context value: %w", err)
		}
	}
	return t.store.Write(ctx, traceID, key, data)
}

// ReadContext returns the raw value under key.
func (t *Tools) ReadContext(ctx context.Context, key string) (json.RawMessage, bool, error) {
	traceID, err := traceFrom(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := t.store.Read(ctx, traceID, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return json.RawMessage(v), true, nil
}

func (t *Tools) ListContext(ctx context.Context) ([]string, error) {
	traceID, err := traceFrom(ctx)
	if err != nil {
		return nil, err
	}
	return t.store.ListKeys(ctx, traceID)
}
