package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/mcp"
)

// MigrationHandler lets a server process adopt sessions created elsewhere.
type MigrationHandler interface {
	// OnSessionInitialized is called once the initialize handshake of a
	// session created by this process has completed.
	OnSessionInitialized(ctx context.Context, sessionID string, identity *auth.Identity, initReq *mcp.InitializeRequest) error

	// AllowSessionMigration is consulted when a request names a session id
	// this process does not host. Returning true with the original initialize
	// request recreates the session under the same id.
	AllowSessionMigration(ctx context.Context, sessionID string, identity *auth.Identity) (*mcp.InitializeRequest, bool, error)
}

type storeMigrationHandler struct {
	store Store
	now   func() time.Time
}

// NewStoreMigrationHandler returns a MigrationHandler that keeps the
// initialize request in SessionMetadata.CustomData of store. Migration is
// allowed only to the principal that created the session.
func NewStoreMigrationHandler(store Store) MigrationHandler {
	return &storeMigrationHandler{store: store, now: time.Now}
}

func (h *storeMigrationHandler) OnSessionInitialized(ctx context.Context, sessionID string, identity *auth.Identity, initReq *mcp.InitializeRequest) error {
	if initReq == nil {
		return errors.New("sessions: nil initialize request")
	}
	raw, err := json.Marshal(initReq)
	if err != nil {
		return fmt.Errorf("sessions: encode initialize request: %w", err)
	}

	meta, err := h.store.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		now := h.now()
		meta = &SessionMetadata{SessionID: sessionID, Identity: identity, CreatedAt: now, LastActivity: now}
	} else if err != nil {
		return err
	}

	meta.ProtocolVersion = initReq.ProtocolVersion
	meta.CustomData = raw
	return h.store.Save(ctx, meta)
}

func (h *storeMigrationHandler) AllowSessionMigration(ctx context.Context, sessionID string, identity *auth.Identity) (*mcp.InitializeRequest, bool, error) {
	meta, err := h.store.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !meta.Identity.SameAs(identity) || len(meta.CustomData) == 0 {
		return nil, false, nil
	}

	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(meta.CustomData, &initReq); err != nil {
		return nil, false, fmt.Errorf("sessions: decode initialize request: %w", err)
	}
	return &initReq, true, nil
}
