package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/internal/logctx"
	"github.com/ggoodman/mcp-streamable-go/internal/metrics"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/transport"
)

var errShuttingDown = errors.New("streaminghttp: handler closed")

func (s *session) logData() *logctx.SessionData {
	d := &logctx.SessionData{SessionID: s.id, ProtocolVersion: s.conn.protocolVersion()}
	if s.user != nil {
		d.UserID = s.user.UserID()
	}
	return d
}

// newSession registers a session under id and starts serving it. The
// returned session holds one reference owned by the caller.
func (h *Handler) newSession(id string, user auth.UserInfo, restored *mcp.InitializeRequest) (*session, error) {
	now := h.clock.Now()
	identity := auth.IdentityOf(user)

	s := &session{
		id:        id,
		identity:  identity,
		user:      user,
		createdAt: now,
		served:    make(chan struct{}),
	}
	s.refs.Store(1)
	s.lastActivity.Store(now.UnixNano())

	ctx, cancel := context.WithCancel(h.baseCtx)
	s.ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: identityValue(identity)})
	s.cancel = cancel
	s.conn = newStreamConn(s.ctx, transport.SessionInfo{
		ID:       id,
		Identity: identity,
		User:     user,
		Restored: restored,
	}, connConfig{
		log:     h.log,
		store:   h.store,
		retry:   h.retry,
		metrics: h.metrics,
		onInit: func(ctx context.Context, req *mcp.InitializeRequest) {
			h.onInitialized(ctx, s, req)
		},
	})

	if err := h.sessions.add(s); err != nil {
		cancel()
		return nil, err
	}
	h.metrics.SessionCreated()

	go h.serve(s)

	return s, nil
}

func identityValue(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.ClaimValue
}

// createSession starts a brand new session for a POST without a session id.
func (h *Handler) createSession(ctx context.Context, user auth.UserInfo) (*session, error) {
	if h.closed.Load() {
		h.log.WarnContext(ctx, "session.create.closed")
		return nil, errShuttingDown
	}

	id, err := newSessionID()
	if err != nil {
		h.log.ErrorContext(ctx, "session.id.fail", slog.String("err", err.Error()))
		return nil, err
	}

	s, err := h.newSession(id, user, nil)
	if err != nil {
		// A collision means the entropy source is broken; never overwrite.
		h.log.ErrorContext(ctx, "session.id.collision", slog.String("session_id", id), slog.String("err", err.Error()))
		return nil, err
	}

	if h.sessionStore != nil {
		now := s.createdAt
		meta := &sessions.SessionMetadata{
			SessionID:    id,
			Identity:     s.identity,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := h.sessionStore.Save(ctx, meta); err != nil {
			h.log.WarnContext(ctx, "session.store.save.fail", slog.String("err", err.Error()))
		}
	}

	h.log.InfoContext(logctx.WithSessionData(ctx, s.logData()), "session.create.ok")
	return s, nil
}

// resolveSession looks up the session named by the request, acquiring a
// reference on it. On failure the response has been written.
func (h *Handler) resolveSession(ctx context.Context, w http.ResponseWriter, r *http.Request, user auth.UserInfo) (*session, context.Context, bool) {
	sessID := r.Header.Get(mcpSessionIDHeader)
	identity := auth.IdentityOf(user)

	s, ok := h.sessions.get(sessID)
	if ok && !s.acquire() {
		ok = false
	}
	if !ok {
		s, ok = h.migrate(ctx, sessID, user)
	}
	if !ok {
		writeSessionNotFound(w)
		h.log.InfoContext(ctx, "session.load.miss")
		return nil, ctx, false
	}

	ctx = logctx.WithSessionData(ctx, s.logData())

	if !s.identity.SameAs(identity) {
		h.release(ctx, s)
		writeJSONError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "session belongs to another principal")
		h.log.WarnContext(ctx, "session.identity.mismatch")
		return nil, ctx, false
	}

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" {
		if spv := s.conn.protocolVersion(); spv != "" && pv != spv {
			h.release(ctx, s)
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "protocol version mismatch")
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return nil, ctx, false
		}
	}

	h.log.InfoContext(ctx, "session.load.ok")
	return s, ctx, true
}

// migrate recreates a session hosted by another process, if the migration
// handler allows it. The returned session holds a reference.
func (h *Handler) migrate(ctx context.Context, sessID string, user auth.UserInfo) (*session, bool) {
	if h.migration == nil || sessID == "" || h.closed.Load() {
		return nil, false
	}

	initReq, ok, err := h.migration.AllowSessionMigration(ctx, sessID, auth.IdentityOf(user))
	if err != nil {
		h.log.ErrorContext(ctx, "session.migrate.fail", slog.String("err", err.Error()))
		return nil, false
	}
	if !ok || initReq == nil {
		return nil, false
	}

	s, err := h.newSession(sessID, user, initReq)
	if errors.Is(err, ErrDuplicateSessionID) {
		// Lost a race with a concurrent request restoring the same session.
		s, ok := h.sessions.get(sessID)
		if !ok || !s.acquire() {
			return nil, false
		}
		return s, true
	}
	if err != nil {
		h.log.ErrorContext(ctx, "session.migrate.fail", slog.String("err", err.Error()))
		return nil, false
	}

	h.log.InfoContext(ctx, "session.migrate.ok", slog.String("session_id", sessID))
	return s, true
}

// release drops a request's reference. The last release records activity.
func (h *Handler) release(ctx context.Context, s *session) {
	now := h.clock.Now()
	if !s.release(now) || h.sessionStore == nil || s.disposed() {
		return
	}
	if err := h.recordActivity(context.WithoutCancel(ctx), s, now); err != nil {
		h.log.WarnContext(ctx, "session.store.activity.fail", slog.String("err", err.Error()))
	}
}

// recordActivity moves the stored activity of s to now. Metadata pruned
// while s was still in use here is written again in full.
func (h *Handler) recordActivity(ctx context.Context, s *session, now time.Time) error {
	err := h.sessionStore.UpdateActivity(ctx, s.id, now)
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		return err
	}

	meta := &sessions.SessionMetadata{
		SessionID:       s.id,
		Identity:        s.identity,
		ProtocolVersion: s.conn.protocolVersion(),
		CreatedAt:       s.createdAt,
		LastActivity:    now,
	}
	if err := h.sessionStore.Save(ctx, meta); err != nil {
		return fmt.Errorf("save session metadata: %w", err)
	}
	if req := s.conn.initializeRequest(); req != nil && h.migration != nil {
		if err := h.migration.OnSessionInitialized(ctx, s.id, s.identity, req); err != nil {
			return fmt.Errorf("save initialize request: %w", err)
		}
	}
	h.log.InfoContext(ctx, "session.store.restore.ok")
	return nil
}

func (h *Handler) onInitialized(ctx context.Context, s *session, req *mcp.InitializeRequest) {
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("protocol_version", req.ProtocolVersion))
	if h.migration == nil {
		return
	}
	if err := h.migration.OnSessionInitialized(ctx, s.id, s.identity, req); err != nil {
		h.log.WarnContext(ctx, "session.migration.save.fail", slog.String("err", err.Error()))
	}
}

// serve runs the protocol server of s. A server returning on its own ends
// the session.
func (h *Handler) serve(s *session) {
	err := h.server.ServeSession(s.ctx, s.conn)
	close(s.served)

	if err != nil {
		h.log.ErrorContext(s.ctx, "session.serve.fail", slog.String("err", err.Error()))
	}
	if s.conn.closed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), disposeTimeout)
	defer cancel()
	if err := h.dispose(ctx, s, metrics.ReasonClosed); err != nil {
		h.log.WarnContext(ctx, "session.dispose.fail", slog.String("err", err.Error()))
	}
}

// dispose removes s from the registry and tears it down. Only the caller
// that wins the removal disposes; everyone else gets nil.
func (h *Handler) dispose(ctx context.Context, s *session, reason string) error {
	if !h.sessions.remove(s) {
		return nil
	}
	s.markDisposing()

	err := s.close(ctx)
	if err != nil {
		err = fmt.Errorf("close session: %w", err)
	}
	switch {
	case h.sessionStore == nil:
	case reason == metrics.ReasonShutdown:
		// Kept for adoption by another process.
		if rerr := h.recordActivity(ctx, s, s.lastActive()); rerr != nil {
			err = errors.Join(err, fmt.Errorf("keep session metadata: %w", rerr))
		}
	default:
		if rerr := h.sessionStore.Remove(ctx, s.id); rerr != nil {
			err = errors.Join(err, fmt.Errorf("remove session metadata: %w", rerr))
		}
	}

	h.metrics.SessionDisposed(reason)
	h.log.InfoContext(ctx, "session.dispose.ok", slog.String("session_id", s.id), slog.String("reason", reason))
	return err
}
