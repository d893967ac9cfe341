package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrHandoffExists is returned by InsertHandoff when the thread already has a
// blocking session.
var ErrHandoffExists = errors.New("thread already has a blocking handoff")

// HandoffRecord is the persisted form of a handoff session. Payload is opaque
// to the store.
type HandoffRecord struct {
	ID        string
	ThreadID  string
	State     string
	Payload   []byte
	Nonce     []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

const handoffColumns = `id, thread_id, state, payload, nonce, created_at, updated_at`

func scanHandoff(scanner interface {
	Scan(dest ...any) error
}) (*HandoffRecord, error) {
	r := &HandoffRecord{}
	var created, updated int64
	if err := scanner.Scan(&r.ID, &r.ThreadID, &r.State, &r.Payload, &r.Nonce, &created, &updated); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

// InsertHandoff creates r unless the thread already holds a blocking session,
// in which case ErrHandoffExists is returned and nothing is written. The check
// and the insert are one statement.
func (s *Store) InsertHandoff(r *HandoffRecord) error {
	res, err := s.db.Exec(`
		INSERT INTO handoff_sessions (id, thread_id, state, payload, nonce, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		r.ID, r.ThreadID, r.State, r.Payload, r.Nonce, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	if n == 0 {
		return ErrHandoffExists
	}
	return nil
}

// CompareAndSwapHandoff replaces the record only if its stored state still
// equals fromState. It reports whether the swap happened.
func (s *Store) CompareAndSwapHandoff(r *HandoffRecord, fromState string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE handoff_sessions
		SET state = ?, payload = ?, nonce = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		r.State, r.Payload, r.Nonce, r.UpdatedAt.UnixMilli(), r.ID, fromState)
	if err != nil {
		return false, fmt.Errorf("update handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update handoff: %w", err)
	}
	return n == 1, nil
}

// GetBlockingHandoff returns the thread's pending, active or returning
// session, or nil.
func (s *Store) GetBlockingHandoff(threadID string) (*HandoffRecord, error) {
	row := s.db.QueryRow(`SELECT `+handoffColumns+` FROM handoff_sessions
		WHERE thread_id = ? AND state IN ('pending', 'active', 'returning')`, threadID)
	r, err := scanHandoff(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blocking handoff: %w", err)
	}
	return r, nil
}

func (s *Store) GetHandoff(id string) (*HandoffRecord, error) {
	row := s.db.QueryRow(`SELECT `+handoffColumns+` FROM handoff_sessions WHERE id = ?`, id)
	r, err := scanHandoff(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get handoff: %w", err)
	}
	return r, nil
}

// ListHandoffs returns every session of a thread, oldest first.
func (s *Store) ListHandoffs(threadID string) ([]HandoffRecord, error) {
	rows, err := s.db.Query(`SELECT `+handoffColumns+` FROM handoff_sessions
		WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	defer rows.Close()

	var out []HandoffRecord
	for rows.Next() {
		r, err := scanHandoff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handoff: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteHandoffsBefore removes terminal sessions last updated before cutoff.
func (s *Store) DeleteHandoffsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM handoff_sessions
		WHERE state NOT IN ('pending', 'active', 'returning') AND updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete handoffs: %w", err)
	}
	return res.RowsAffected()
}
