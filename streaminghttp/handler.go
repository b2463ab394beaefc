package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/eventstore"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/internal/logctx"
	"github.com/ggoodman/mcp-streamable-go/internal/metrics"
	"github.com/ggoodman/mcp-streamable-go/internal/wellknown"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/ggoodman/mcp-streamable-go/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	maxBodyBytes   = 4 << 20
	disposeTimeout = 10 * time.Second
)

// SessionServer hosts the protocol side of a session. ServeSession is run in
// its own goroutine for every session and should return once conn reports
// transport.ErrClosed or ctx is done.
type SessionServer interface {
	ServeSession(ctx context.Context, conn transport.Conn) error
}

// Handler implements the Streamable HTTP transport of the Model Context
// Protocol. It owns the registry of live sessions and the idle reaper.
type Handler struct {
	mux    *http.ServeMux
	log    *slog.Logger
	server SessionServer

	auth           auth.Authenticator
	realm          string
	prm            *wellknown.ProtectedResourceMetadata
	prmURL         string
	allowedHosts   map[string]struct{}
	allowedOrigins map[string]struct{}

	store        eventstore.Store
	retry        time.Duration
	sessionStore sessions.Store
	migration    sessions.MigrationHandler

	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxIdle       int
	clock         clockwork.Clock
	metrics       *metrics.Metrics

	baseCtx  context.Context
	sessions registry

	closed     atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
	reaperDone chan struct{}
}

// New constructs a Handler serving sessions with server and starts its idle
// reaper. The reaper stops, disposing every remaining session, when ctx is
// done or Close is called.
func New(ctx context.Context, server SessionServer, opts ...Option) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	switch {
	case cfg.logger == nil:
		return nil, fmt.Errorf("logger must not be nil")
	case cfg.clock == nil:
		return nil, fmt.Errorf("clock must not be nil")
	case !strings.HasPrefix(cfg.path, "/"):
		return nil, fmt.Errorf("path must start with /, got %q", cfg.path)
	case cfg.retryInterval < 0:
		return nil, fmt.Errorf("retry interval must not be negative")
	case cfg.retryInterval > 0 && cfg.eventStore == nil:
		return nil, fmt.Errorf("retry interval requires an event store")
	case cfg.idleTimeout <= 0:
		return nil, fmt.Errorf("idle timeout must be positive")
	case cfg.sweepInterval <= 0:
		return nil, fmt.Errorf("idle sweep interval must be positive")
	case cfg.maxIdleSessions < 1:
		return nil, fmt.Errorf("max idle sessions must be at least 1")
	case cfg.prmResource != "" && cfg.authenticator == nil:
		return nil, fmt.Errorf("protected resource metadata requires an authenticator")
	}

	migration := cfg.migration
	if migration == nil && cfg.sessionStore != nil {
		migration = sessions.NewStoreMigrationHandler(cfg.sessionStore)
	}

	h := &Handler{
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		server:         server,
		auth:           cfg.authenticator,
		realm:          cfg.realm,
		allowedHosts:   lowerSet(cfg.allowedHosts),
		allowedOrigins: lowerSet(cfg.allowedOrigins),
		store:          cfg.eventStore,
		retry:          cfg.retryInterval,
		sessionStore:   cfg.sessionStore,
		migration:      migration,
		idleTimeout:    cfg.idleTimeout,
		sweepInterval:  cfg.sweepInterval,
		maxIdle:        cfg.maxIdleSessions,
		clock:          cfg.clock,
		metrics:        metrics.New(cfg.registerer),
		baseCtx:        context.WithoutCancel(ctx),
		stop:           make(chan struct{}),
		reaperDone:     make(chan struct{}),
	}

	pattern := cfg.path
	if strings.HasSuffix(pattern, "/") {
		pattern += "{$}"
	}
	mux := http.NewServeMux()

	if cfg.prmResource != "" {
		doc, loc, err := wellknown.NewProtectedResourceMetadata(cfg.prmResource, cfg.prmAuthServers, cfg.prmScopes)
		if err != nil {
			return nil, fmt.Errorf("protected resource metadata: %w", err)
		}
		h.prm, h.prmURL = doc, loc.String()
		mux.HandleFunc("GET "+loc.Path, h.handleGetProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS "+loc.Path, h.handleOptionsProtectedResourceMetadata)
	}

	mux.HandleFunc("POST "+pattern, h.handlePost)
	mux.HandleFunc("GET "+pattern, h.handleGet)
	mux.HandleFunc("DELETE "+pattern, h.handleDelete)
	mux.HandleFunc(pattern, h.handleMethodNotAllowed)
	h.mux = mux

	go h.runReaper(ctx)

	return h, nil
}

func lowerSet(vals []string) map[string]struct{} {
	if len(vals) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return m
}

// Close stops the idle reaper and disposes every remaining session. Session
// metadata is kept in the session store so that other processes can adopt
// the sessions.
func (h *Handler) Close() error {
	h.closed.Store(true)
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.reaperDone
	return nil
}

// Notify writes a notification on the standalone stream of one session.
func (h *Handler) Notify(ctx context.Context, sessionID string, method string, params any) error {
	s, ok := h.sessions.get(sessionID)
	if !ok {
		return sessions.ErrSessionNotFound
	}
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.conn.Write(transport.WithRelatedRequest(ctx, nil), jsonrpc.FromRequest(n))
}

// Broadcast writes a notification on the standalone stream of every live
// session. Sessions closing concurrently are skipped.
func (h *Handler) Broadcast(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	msg := jsonrpc.FromRequest(n)
	ctx = transport.WithRelatedRequest(ctx, nil)

	var errs []error
	h.sessions.each(func(s *session) bool {
		if err := s.conn.Write(ctx, msg); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
		return ctx.Err() == nil
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// SessionCount reports the number of live sessions.
func (h *Handler) SessionCount() int { return h.sessions.len() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	if !h.hostAllowed(r.Host) {
		h.log.WarnContext(ctx, "http.host.forbidden", slog.String("host", r.Host))
		writeJSONError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "host not allowed")
		return
	}
	if origin := r.Header.Get("Origin"); !h.originAllowed(origin) {
		h.log.WarnContext(ctx, "http.origin.forbidden", slog.String("origin", origin))
		writeJSONError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "origin not allowed")
		return
	}

	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) hostAllowed(host string) bool {
	if h.allowedHosts == nil {
		return true
	}
	host = strings.ToLower(host)
	if _, ok := h.allowedHosts[host]; ok {
		return true
	}
	if name, _, err := net.SplitHostPort(host); err == nil {
		_, ok := h.allowedHosts[name]
		return ok
	}
	return false
}

func (h *Handler) originAllowed(origin string) bool {
	if h.allowedOrigins == nil || origin == "" {
		return true
	}
	_, ok := h.allowedOrigins[strings.ToLower(origin)]
	return ok
}

// writeJSONError emits the uncorrelated JSON-RPC error envelope used for
// HTTP-level rejections.
func writeJSONError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorEnvelope(code, msg))
}

func writeSessionNotFound(w http.ResponseWriter) {
	writeJSONError(w, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound, "Session not found")
}

// accepts reports whether the Accept header admits mt. A missing header
// admits nothing.
func accepts(r *http.Request, mt contenttype.MediaType) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{mt})
	return err == nil
}

func setEventStreamHeaders(hdr http.Header) {
	hdr.Set("Content-Type", eventStreamMediaType.String())
	hdr.Set("Cache-Control", "no-cache,no-store")
	hdr.Set("X-Accel-Buffering", "no")
	hdr.Set("Content-Encoding", "identity")
}

func clearEventStreamHeaders(hdr http.Header) {
	hdr.Del("Content-Type")
	hdr.Del("Cache-Control")
	hdr.Del("X-Accel-Buffering")
	hdr.Del("Content-Encoding")
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.method.not_allowed")
	w.Header().Set("Allow", "GET, POST, DELETE")
	writeJSONError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeInvalidRequest, "method not allowed")
}

// handlePost handles one client message. Requests are answered on an SSE
// stream; notifications and responses are acknowledged with 202.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if !accepts(r, jsonMediaType) || !accepts(r, eventStreamMediaType) {
		writeJSONError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "client must accept both application/json and text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "invalid JSON-RPC message")
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	var s *session
	if r.Header.Get(mcpSessionIDHeader) == "" {
		s, err = h.createSession(ctx, userInfo)
		if err != nil {
			if errors.Is(err, errShuttingDown) {
				writeJSONError(w, http.StatusServiceUnavailable, jsonrpc.ErrorCodeInternalError, "server shutting down")
				return
			}
			writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to create session")
			return
		}
		w.Header().Set(mcpSessionIDHeader, s.id)
		ctx = logctx.WithSessionData(ctx, s.logData())
	} else {
		s, ctx, ok = h.resolveSession(ctx, w, r, userInfo)
		if !ok {
			return
		}
	}
	defer h.release(ctx, s)

	msgCtx := s.conn.messageContext(ctx)

	if !msg.IsRequest() {
		if err := s.conn.deliver(ctx, transport.NewMessage(msgCtx, &msg, nil)); err != nil {
			h.deliveryFailed(ctx, w, err)
			return
		}
		if msg.Method == string(mcp.CancelledNotificationMethod) {
			var params struct {
				RequestID *jsonrpc.RequestID `json:"requestId"`
			}
			if err := json.Unmarshal(msg.Params, &params); err == nil && !params.RequestID.IsNil() {
				s.conn.abandon(params.RequestID)
			}
		}
		if v := s.conn.protocolVersion(); v != "" {
			w.Header().Set(mcpProtocolVersionHeader, v)
		}
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	version := s.conn.protocolVersion()
	if msg.Method == string(mcp.InitializeMethod) {
		if requested := s.conn.expectInitialize(msg.ID, msg.Params); version == "" && mcp.IsSupportedProtocolVersion(requested) {
			version = requested
		}
	}

	setEventStreamHeaders(w.Header())
	if v := s.conn.protocolVersion(); v != "" {
		w.Header().Set(mcpProtocolVersionHeader, v)
	}

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}
	st, att, err := s.conn.openRequest(ctx, msg.ID, wf, version)
	if err != nil {
		clearEventStreamHeaders(w.Header())
		if errors.Is(err, errDuplicateRequestID) {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "request id already in flight")
			h.log.WarnContext(ctx, "rpc.id.duplicate")
			return
		}
		h.deliveryFailed(ctx, w, err)
		return
	}

	if err := s.conn.deliver(ctx, transport.NewMessage(msgCtx, &msg, s.conn.closeStreamFunc(st))); err != nil {
		s.conn.abandon(msg.ID)
		if st.detach(att) {
			h.log.InfoContext(ctx, "rpc.deliver.fail", slog.String("err", err.Error()))
			return
		}
		clearEventStreamHeaders(w.Header())
		h.deliveryFailed(ctx, w, err)
		return
	}

	select {
	case <-st.completed:
	case <-att.gone:
	case <-s.conn.done:
	case <-r.Context().Done():
	}

	if !st.detach(att) {
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) deliveryFailed(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, transport.ErrClosed) {
		writeSessionNotFound(w)
		h.log.InfoContext(ctx, "session.closed")
		return
	}
	h.log.InfoContext(ctx, "rpc.deliver.fail", slog.String("err", err.Error()))
}

// handleGet attaches the standalone stream of a session, or resumes a
// stream when Last-Event-ID is given and an event store is configured.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if !accepts(r, eventStreamMediaType) {
		writeJSONError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	if r.Header.Get(mcpSessionIDHeader) == "" {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	s, ctx, ok := h.resolveSession(ctx, w, r, userInfo)
	if !ok {
		return
	}
	defer h.release(ctx, s)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}
	began := false
	begin := func() {
		began = true
		setEventStreamHeaders(w.Header())
		if v := s.conn.protocolVersion(); v != "" {
			w.Header().Set(mcpProtocolVersionHeader, v)
		}
		w.WriteHeader(http.StatusOK)
		wf.Flush()
	}

	var (
		st  *stream
		att *attachment
		err error
	)
	if lastEventID := r.Header.Get(lastEventIDHeader); lastEventID != "" && h.store != nil {
		st, att, err = s.conn.resume(ctx, lastEventID, wf, begin)
		switch {
		case err == nil && st == nil:
			h.log.InfoContext(ctx, "sse.resume.finished", slog.Duration("dur", time.Since(start)))
			return
		case err == nil:
			h.log.InfoContext(ctx, "sse.resume.ok")
		case began:
			h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		case errors.Is(err, errInvalidLastEventID), errors.Is(err, errStreamAttached):
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, err.Error())
			h.log.WarnContext(ctx, "sse.resume.reject", slog.String("err", err.Error()))
			return
		default:
			writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to replay events")
			h.log.ErrorContext(ctx, "sse.resume.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		if !s.startGet() {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "only one standalone SSE stream is allowed per session")
			h.log.WarnContext(ctx, "sse.standalone.duplicate")
			return
		}
		att, err = s.conn.attachStandalone(ctx, wf, begin)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, err.Error())
			h.log.WarnContext(ctx, "sse.standalone.reject", slog.String("err", err.Error()))
			return
		}
		st = s.conn.standalone
	}

	h.log.InfoContext(ctx, "sse.stream.start")

	select {
	case <-st.completed:
	case <-att.gone:
	case <-s.conn.done:
	case <-r.Context().Done():
	}
	st.detach(att)

	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates a session. Unknown ids succeed so that DELETE is
// idempotent.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "missing Mcp-Session-Id header")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}
	identity := auth.IdentityOf(userInfo)

	s, ok := h.sessions.get(sessID)
	if !ok {
		if !h.forgetPersisted(ctx, sessID, identity) {
			writeJSONError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "session belongs to another principal")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, s.logData())
	if !s.identity.SameAs(identity) {
		writeJSONError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "session belongs to another principal")
		h.log.WarnContext(ctx, "session.identity.mismatch")
		return
	}

	if err := h.dispose(ctx, s, metrics.ReasonDeleted); err != nil {
		h.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// forgetPersisted removes stored metadata of a session hosted elsewhere. It
// reports false when the metadata belongs to another principal.
func (h *Handler) forgetPersisted(ctx context.Context, sessID string, identity *auth.Identity) bool {
	if h.sessionStore == nil {
		return true
	}
	meta, err := h.sessionStore.Get(ctx, sessID)
	if errors.Is(err, sessions.ErrSessionNotFound) {
		return true
	}
	if err != nil {
		h.log.WarnContext(ctx, "session.store.get.fail", slog.String("err", err.Error()))
		return true
	}
	if !meta.Identity.SameAs(identity) {
		h.log.WarnContext(ctx, "session.identity.mismatch")
		return false
	}
	if err := h.sessionStore.Remove(ctx, sessID); err != nil {
		h.log.WarnContext(ctx, "session.store.remove.fail", slog.String("err", err.Error()))
	}
	return true
}

func (h *Handler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the RFC 9728 document.
func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(h.prm); err != nil {
		h.log.WarnContext(r.Context(), "prm.encode.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.UserInfo, bool) {
	if h.auth == nil {
		return nil, true
	}

	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: If the request lacks any authentication information the
		// resource server SHOULD NOT include an error code. Provide only a bare
		// Bearer challenge with realm.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, nil))
		writeJSONError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeInvalidRequest, "unauthorized")
		return nil, false
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "malformed bearer authorization header")
		return nil, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		writeJSONError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "empty bearer token")
		return nil, false
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			writeJSONError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeInvalidRequest, "invalid token")
			return nil, false
		}

		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, h.prmURL, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			writeJSONError(w, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest, "insufficient scope")
			return nil, false
		}

		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "authentication failed")
		return nil, false
	}

	h.log.InfoContext(ctx, "auth.ok")
	return userInfo, true
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm and resource_metadata are omitted if empty.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
