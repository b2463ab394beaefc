package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned by Store lookups for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Store persists SessionMetadata so that other processes can recognize and
// recreate sessions. Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts or replaces the record for meta.SessionID.
	Save(ctx context.Context, meta *SessionMetadata) error

	// Get returns the record for sessionID or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*SessionMetadata, error)

	// UpdateActivity sets LastActivity for sessionID. Unknown ids yield
	// ErrSessionNotFound.
	UpdateActivity(ctx context.Context, sessionID string, at time.Time) error

	// Remove deletes the record for sessionID. Removing an unknown id is a
	// no-op.
	Remove(ctx context.Context, sessionID string) error

	// PruneIdleSessions deletes every record whose LastActivity is at or
	// before cutoff and reports how many were removed.
	PruneIdleSessions(ctx context.Context, cutoff time.Time) (int, error)
}
