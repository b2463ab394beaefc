// Package transport defines the duplex connection between an HTTP transport
// and a protocol server hosting one MCP session.
//
// The transport owns framing and delivery; the server only sees decoded
// JSON-RPC messages. Every inbound Message carries the context it should be
// processed under, captured by the transport when the message arrived, so
// identity and cancellation flow explicitly rather than through request
// scoped state of whichever HTTP request happens to be active.
package transport

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/mcp"
)

// ErrClosed is returned by Read and Write once the connection is closed.
var ErrClosed = errors.New("transport: connection closed")

// SessionInfo describes the session a Conn belongs to.
type SessionInfo struct {
	ID       string
	Identity *auth.Identity // nil for anonymous sessions
	User     auth.UserInfo  // nil for anonymous sessions

	// Restored is non-nil when the session was recreated from persisted
	// metadata. It holds the original initialize request so the server can
	// resume as if the handshake had happened locally.
	Restored *mcp.InitializeRequest
}

// Conn is a duplex JSON-RPC message channel for one session.
//
// Read blocks until a message arrives, ctx is done, or the connection is
// closed. Write routes msg to the HTTP response it belongs to: responses go
// to the stream of the request they answer, messages written with a
// RelatedRequest context go to that request's stream, and everything else is
// delivered on the session's standalone stream.
type Conn interface {
	SessionID() string
	Session() SessionInfo
	Read(ctx context.Context) (*Message, error)
	Write(ctx context.Context, msg *jsonrpc.AnyMessage) error
	Close() error
}

// Message is one inbound JSON-RPC message together with its processing
// context.
type Message struct {
	Msg *jsonrpc.AnyMessage

	ctx         context.Context
	closeStream func()
}

// NewMessage binds msg to ctx. closeStream may be nil when the message did
// not open a stream.
func NewMessage(ctx context.Context, msg *jsonrpc.AnyMessage, closeStream func()) *Message {
	return &Message{Msg: msg, ctx: ctx, closeStream: closeStream}
}

// Context returns the context the message should be handled under. It is
// never nil.
func (m *Message) Context() context.Context {
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// CloseSSEStream ends the HTTP response streaming results for this message
// without ending the session or the processing of the message. Messages
// written afterwards are still recorded for the client to fetch by
// reconnecting with Last-Event-ID. It is a no-op when the transport cannot
// resume the stream.
func (m *Message) CloseSSEStream() {
	if m.closeStream != nil {
		m.closeStream()
	}
}

type relatedRequestKey struct{}

// WithRelatedRequest marks ctx so that messages written with it are delivered
// on the stream of the request identified by id.
func WithRelatedRequest(ctx context.Context, id *jsonrpc.RequestID) context.Context {
	return context.WithValue(ctx, relatedRequestKey{}, id)
}

// RelatedRequest returns the request id recorded by WithRelatedRequest, or nil.
func RelatedRequest(ctx context.Context) *jsonrpc.RequestID {
	id, _ := ctx.Value(relatedRequestKey{}).(*jsonrpc.RequestID)
	if id.IsNil() {
		return nil
	}
	return id
}
