package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/transport"
)

// Request is the view of an inbound message given to a HandlerFunc.
type Request struct {
	Method          string
	Params          json.RawMessage
	Session         transport.SessionInfo
	ProtocolVersion string

	id   *jsonrpc.RequestID
	conn transport.Conn
	msg  *transport.Message
}

func (s *Server) newRequest(sess *session, m *transport.Message, req *jsonrpc.Request, version string) *Request {
	return &Request{
		Method:          req.Method,
		Params:          req.Params,
		Session:         sess.conn.Session(),
		ProtocolVersion: version,
		id:              req.ID,
		conn:            sess.conn,
		msg:             m,
	}
}

// IsNotification reports whether the client expects no response.
func (r *Request) IsNotification() bool { return r.id.IsNil() }

// Notify sends a notification to the client on the stream of this request.
// For notifications, which have no stream, it goes to the session's
// standalone stream.
func (r *Request) Notify(ctx context.Context, method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	if !r.id.IsNil() {
		ctx = transport.WithRelatedRequest(ctx, r.id)
	}
	return r.conn.Write(ctx, jsonrpc.FromRequest(n))
}

// CloseSSEStream ends the HTTP response carrying this request's stream. The
// handler keeps running and its later output is replayed when the client
// reconnects.
func (r *Request) CloseSSEStream() { r.msg.CloseSSEStream() }

// Bind decodes Params into v.
func (r *Request) Bind(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
	}
	return nil
}
