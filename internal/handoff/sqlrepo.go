package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/synodos/internal/store"
	"github.com/mtzanidakis/synodos/internal/vault"
)

// SQLRepository keeps sessions in the handoff_sessions table. When a vault
// is set, records are sealed at rest with the session id as associated data.
type SQLRepository struct {
	store *store.Store
	vault *vault.Vault
}

func NewSQLRepository(s *store.Store, v *vault.Vault) *SQLRepository {
	return &SQLRepository{store: s, vault: v}
}

func (r *SQLRepository) encode(s *Session) (*store.HandoffRecord, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	rec := &store.HandoffRecord{
		ID:        s.ID,
		ThreadID:  s.ThreadID,
		State:     string(s.State),
		Payload:   payload,
		CreatedAt: s.StartedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if r.vault != nil {
		rec.Payload, rec.Nonce, err = r.vault.Seal(payload, []byte(s.ID))
		if err != nil {
			return nil, fmt.Errorf("seal session: %w", err)
		}
	}
	return rec, nil
}

func (r *SQLRepository) decode(rec *store.HandoffRecord) (*Session, error) {
	payload := rec.Payload
	if len(rec.Nonce) > 0 {
		if r.vault == nil {
			return nil, fmt.Errorf("session %s is sealed and no vault is configured", rec.ID)
		}
		var err error
		payload, err = r.vault.Open(rec.Payload, rec.Nonce, []byte(rec.ID))
		if err != nil {
			return nil, fmt.Errorf("open session %s: %w", rec.ID, err)
		}
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", rec.ID, err)
	}
	return &s, nil
}

func (r *SQLRepository) Create(_ context.Context, s *Session) error {
	rec, err := r.encode(s)
	if err != nil {
		return err
	}
	if err := r.store.InsertHandoff(rec); err != nil {
		if errors.Is(err, store.ErrHandoffExists) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *SQLRepository) Update(_ context.Context, s *Session, from State) error {
	rec, err := r.encode(s)
	if err != nil {
		return err
	}
	ok, err := r.store.CompareAndSwapHandoff(rec, string(from))
	if err != nil {
		return err
	}
	if !ok {
		return ErrStale
	}
	return nil
}

func (r *SQLRepository) Blocking(_ context.Context, threadID string) (*Session, error) {
	rec, err := r.store.GetBlockingHandoff(threadID)
	if err != nil || rec == nil {
		return nil, err
	}
	return r.decode(rec)
}

func (r *SQLRepository) History(_ context.Context, threadID string) ([]*Session, error) {
	recs, err := r.store.ListHandoffs(threadID)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(recs))
	for i := range recs {
		s, err := r.decode(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *SQLRepository) Prune(_ context.Context, cutoff time.Time) (int, error) {
	n, err := r.store.DeleteHandoffsBefore(cutoff)
	return int(n), err
}
