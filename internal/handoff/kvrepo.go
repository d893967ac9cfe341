package handoff

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the JetStream key-value bucket sessions live in.
const DefaultBucket = "handoffs"

// KVRepository keeps sessions in a JetStream key-value bucket. The key
// thread.<t> holds the thread's latest session and is the compare-and-set
// point; every version is also written under session.<t>.<id> for history.
type KVRepository struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewKVRepository opens or creates the bucket.
func NewKVRepository(ctx context.Context, js jetstream.JetStream, bucket string) (*KVRepository, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "handoff sessions",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open handoff bucket: %w", err)
	}
	return &KVRepository{kv: kv, logger: slog.Default().With("component", "handoff_kv")}, nil
}

// Thread ids may hold characters keys cannot, so they are encoded.
func threadToken(threadID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(threadID))
}

func threadKey(threadID string) string {
	return "thread." + threadToken(threadID)
}

func sessionKey(s *Session) string {
	return "session." + threadToken(s.ThreadID) + "." + s.ID
}

// wrongRevision reports a failed compare-and-set.
func wrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (r *KVRepository) load(ctx context.Context, key string) (*Session, uint64, error) {
	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, 0, fmt.Errorf("decode session at %s: %w", key, err)
	}
	return &s, entry.Revision(), nil
}

func (r *KVRepository) archive(ctx context.Context, s *Session, data []byte) error {
	if _, err := r.kv.Put(ctx, sessionKey(s), data); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

func (r *KVRepository) Create(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	key := threadKey(s.ThreadID)

	_, err = r.kv.Create(ctx, key, data)
	switch {
	case err == nil:
		return r.archive(ctx, s, data)
	case !wrongRevision(err):
		return fmt.Errorf("create session: %w", err)
	}

	// The thread has had sessions before; replace the latest only if it is
	// terminal and unchanged since we read it.
	cur, rev, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil || cur.State.Blocking() {
		return ErrConflict
	}
	if _, err := r.kv.Update(ctx, key, data, rev); err != nil {
		if wrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("create session: %w", err)
	}
	return r.archive(ctx, s, data)
}

func (r *KVRepository) Update(ctx context.Context, s *Session, from State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	key := threadKey(s.ThreadID)

	cur, rev, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	if cur == nil || cur.ID != s.ID || cur.State != from {
		return ErrStale
	}
	if _, err := r.kv.Update(ctx, key, data, rev); err != nil {
		if wrongRevision(err) {
			return ErrStale
		}
		return fmt.Errorf("update session: %w", err)
	}
	return r.archive(ctx, s, data)
}

func (r *KVRepository) Blocking(ctx context.Context, threadID string) (*Session, error) {
	s, _, err := r.load(ctx, threadKey(threadID))
	if err != nil || s == nil || !s.State.Blocking() {
		return nil, err
	}
	return s, nil
}

func (r *KVRepository) sessionKeys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (r *KVRepository) History(ctx context.Context, threadID string) ([]*Session, error) {
	keys, err := r.sessionKeys(ctx, "session."+threadToken(threadID)+".")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]*Session, 0, len(keys))
	for _, k := range keys {
		s, _, err := r.load(ctx, k)
		if err != nil {
			return nil, err
		}
		if s != nil {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func (r *KVRepository) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := r.sessionKeys(ctx, "session.")
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	n := 0
	for _, k := range keys {
		s, _, err := r.load(ctx, k)
		if err != nil || s == nil {
			continue
		}
		if !s.State.Terminal() || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := r.kv.Purge(ctx, k); err != nil {
			return n, fmt.Errorf("purge session: %w", err)
		}
		n++

		// Drop the thread pointer too if it still names this session.
		tk := threadKey(s.ThreadID)
		if cur, rev, err := r.load(ctx, tk); err == nil && cur != nil && cur.ID == s.ID {
			err := r.kv.Purge(ctx, tk, jetstream.LastRevision(rev))
			switch {
			case err == nil:
			case wrongRevision(err):
				r.logger.Debug("thread pointer moved on during prune", "thread_id", s.ThreadID, "handoff", s.ID)
			default:
				r.logger.Warn("failed to purge thread pointer", "thread_id", s.ThreadID, "handoff", s.ID, "error", err)
			}
		}
	}
	return n, nil
}
