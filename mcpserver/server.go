package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/transport"
)

// HandlerFunc handles one request or notification. The returned value is
// encoded as the result of the response. Returning a *jsonrpc.Error controls
// the error code sent to the client; any other error becomes an internal
// error.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instr string) Option {
	return func(s *Server) { s.instructions = instr }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithCapabilities sets the capabilities advertised in initialize.
func WithCapabilities(caps mcp.ServerCapabilities) Option {
	return func(s *Server) { s.caps = caps }
}

// Server dispatches the messages of any number of sessions.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	caps         mcp.ServerCapabilities
	log          *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New constructs a Server identifying itself as info.
func New(info mcp.ImplementationInfo, opts ...Option) *Server {
	s := &Server{
		info:     info,
		log:      slog.Default(),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleFunc registers fn for method, replacing any previous handler.
// Lifecycle methods cannot be overridden.
func (s *Server) HandleFunc(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *Server) handler(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[method]
}

// NegotiateProtocolVersion returns requested when it is supported and the
// latest supported version otherwise.
func NegotiateProtocolVersion(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

// ServeSession reads messages from conn until it is closed or ctx is done.
// It returns nil when the session ends normally.
func (s *Server) ServeSession(ctx context.Context, conn transport.Conn) error {
	sess := &session{conn: conn, inflight: make(map[string]context.CancelFunc)}
	if restored := conn.Session().Restored; restored != nil {
		sess.markInitialized(NegotiateProtocolVersion(restored.ProtocolVersion))
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		m, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		switch {
		case m.Msg.IsRequest():
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleRequest(sess, m)
			}()
		case m.Msg.IsNotification():
			s.handleNotification(sess, m)
		default:
			// This server never issues requests to the client.
			s.log.DebugContext(m.Context(), "rpc.response.unexpected", slog.String("id", m.Msg.ID.String()))
		}
	}
}

type session struct {
	conn transport.Conn

	mu              sync.Mutex
	initialized     bool
	protocolVersion string
	inflight        map[string]context.CancelFunc
}

func (ss *session) markInitialized(version string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.initialized = true
	ss.protocolVersion = version
}

func (ss *session) state() (bool, string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.initialized, ss.protocolVersion
}

func (ss *session) track(key string, cancel context.CancelFunc) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.inflight[key] = cancel
}

func (ss *session) untrack(key string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.inflight, key)
}

func (ss *session) cancel(key string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	cancel, ok := ss.inflight[key]
	if ok {
		cancel()
	}
	return ok
}

func (s *Server) handleRequest(sess *session, m *transport.Message) {
	req := m.Msg.AsRequest()
	key := req.ID.Key()

	ctx, cancel := context.WithCancel(m.Context())
	defer cancel()
	sess.track(key, cancel)
	defer sess.untrack(key)

	ctx = transport.WithRelatedRequest(ctx, req.ID)

	result, err := s.dispatch(ctx, sess, m, req)
	if ctx.Err() != nil && m.Context().Err() == nil {
		// Cancelled by the client: no response is expected.
		s.log.InfoContext(ctx, "rpc.request.cancelled", slog.String("method", req.Method))
		return
	}

	var resp *jsonrpc.Response
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			resp = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		} else {
			s.log.ErrorContext(ctx, "rpc.handler.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
	} else {
		if result == nil {
			result = struct{}{}
		}
		r, mErr := jsonrpc.NewResultResponse(req.ID, result)
		if mErr != nil {
			s.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("method", req.Method), slog.String("err", mErr.Error()))
			r = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		resp = r
	}

	if err := sess.conn.Write(m.Context(), jsonrpc.FromResponse(resp)); err != nil {
		s.log.WarnContext(ctx, "rpc.response.write.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, m *transport.Message, req *jsonrpc.Request) (any, error) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return s.initialize(sess, req)
	case mcp.PingMethod:
		return struct{}{}, nil
	}

	initialized, version := sess.state()
	if !initialized {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "session not initialized"}
	}

	fn := s.handler(req.Method)
	if fn == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return fn(ctx, s.newRequest(sess, m, req, version))
}

func (s *Server) initialize(sess *session, req *jsonrpc.Request) (any, error) {
	if initialized, _ := sess.state(); initialized {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "session already initialized"}
	}
	var params mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid initialize params"}
		}
	}

	version := NegotiateProtocolVersion(params.ProtocolVersion)
	sess.markInitialized(version)

	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    s.caps,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleNotification(sess *session, m *transport.Message) {
	ctx := m.Context()
	req := m.Msg.AsRequest()

	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		s.log.DebugContext(ctx, "session.initialized")
		return
	case mcp.CancelledNotificationMethod:
		var params struct {
			RequestID *jsonrpc.RequestID `json:"requestId"`
			Reason    string             `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID.IsNil() {
			s.log.WarnContext(ctx, "rpc.cancel.invalid")
			return
		}
		if sess.cancel(params.RequestID.Key()) {
			s.log.InfoContext(ctx, "rpc.cancel.ok", slog.String("id", params.RequestID.String()), slog.String("reason", params.Reason))
		}
		return
	}

	initialized, version := sess.state()
	if !initialized {
		return
	}
	if fn := s.handler(req.Method); fn != nil {
		if _, err := fn(ctx, s.newRequest(sess, m, req, version)); err != nil {
			s.log.WarnContext(ctx, "rpc.notification.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
		}
	}
}
