package sessions

import (
	"encoding/json"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
)

// SessionMetadata is the serializable subset of a session.
//
// SessionID, Identity and CreatedAt are immutable after creation. Timestamps
// are wall-clock times.
type SessionMetadata struct {
	SessionID       string         `json:"session_id"`
	Identity        *auth.Identity `json:"identity,omitempty"`
	ProtocolVersion string         `json:"protocol_version,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	// CustomData is opaque to stores. The store-backed migration handler keeps
	// the client's initialize request here.
	CustomData json.RawMessage `json:"custom_data,omitempty"`
}

// Clone returns a deep copy of m.
func (m *SessionMetadata) Clone() *SessionMetadata {
	if m == nil {
		return nil
	}
	out := *m
	if m.Identity != nil {
		id := *m.Identity
		out.Identity = &id
	}
	if m.CustomData != nil {
		out.CustomData = append(json.RawMessage(nil), m.CustomData...)
	}
	return &out
}
