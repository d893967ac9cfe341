package handoff

import (
	"context"
	"time"
)

// Repository persists sessions. Implementations must make Create and Update
// atomic with respect to the conditions they check.
type Repository interface {
	// Create stores a new session unless the thread already has a blocking
	// one, in which case it returns ErrConflict and writes nothing.
	Create(ctx context.Context, s *Session) error
	// Update replaces the stored session only if it still has state from.
	// It returns ErrStale otherwise.
	Update(ctx context.Context, s *Session, from State) error
	// Blocking returns the thread's pending, active or returning session,
	// or nil.
	Blocking(ctx context.Context, threadID string) (*Session, error)
	// History returns every session of a thread, oldest first.
	History(ctx context.Context, threadID string) ([]*Session, error)
	// Prune deletes terminal sessions last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
