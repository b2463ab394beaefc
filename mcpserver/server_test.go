package mcpserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/transport"
)

type written struct {
	msg     *jsonrpc.AnyMessage
	related *jsonrpc.RequestID
}

type fakeConn struct {
	info transport.SessionInfo
	in   chan *transport.Message
	out  chan written

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(info transport.SessionInfo) *fakeConn {
	return &fakeConn{
		info:   info,
		in:     make(chan *transport.Message, 16),
		out:    make(chan written, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) SessionID() string              { return c.info.ID }
func (c *fakeConn) Session() transport.SessionInfo { return c.info }

func (c *fakeConn) Read(ctx context.Context) (*transport.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.out <- written{msg: msg, related: transport.RelatedRequest(ctx)}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, raw string) {
	t.Helper()
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("bad test message %s: %v", raw, err)
	}
	c.in <- transport.NewMessage(context.Background(), &msg, nil)
}

func (c *fakeConn) next(t *testing.T) written {
	t.Helper()
	select {
	case w := <-c.out:
		return w
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return written{}
	}
}

func serve(t *testing.T, srv *Server, conn *fakeConn) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- srv.ServeSession(context.Background(), conn) }()
	t.Cleanup(func() {
		_ = conn.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("ServeSession: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("ServeSession did not return after close")
		}
	})
}

func initialize(t *testing.T, conn *fakeConn, version string) mcp.InitializeResult {
	t.Helper()
	conn.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"`+version+`","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`)
	w := conn.next(t)
	if w.msg.Error != nil {
		t.Fatalf("initialize failed: %+v", w.msg.Error)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(w.msg.Result, &res); err != nil {
		t.Fatalf("decode initialize result: %v", err)
	}
	return res
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	t.Run("supported version is echoed", func(t *testing.T) {
		conn := newFakeConn(transport.SessionInfo{ID: "s"})
		serve(t, New(mcp.ImplementationInfo{Name: "srv", Version: "1"}, WithInstructions("hi")), conn)

		res := initialize(t, conn, mcp.ProtocolVersion20250326)
		if res.ProtocolVersion != mcp.ProtocolVersion20250326 {
			t.Fatalf("want %s, got %s", mcp.ProtocolVersion20250326, res.ProtocolVersion)
		}
		if res.ServerInfo.Name != "srv" || res.Instructions != "hi" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("unknown version gets latest", func(t *testing.T) {
		conn := newFakeConn(transport.SessionInfo{ID: "s"})
		serve(t, New(mcp.ImplementationInfo{Name: "srv"}), conn)

		if res := initialize(t, conn, "1999-01-01"); res.ProtocolVersion != mcp.LatestProtocolVersion {
			t.Fatalf("want latest, got %s", res.ProtocolVersion)
		}
	})
}

func TestRequestsBeforeInitialize(t *testing.T) {
	conn := newFakeConn(transport.SessionInfo{ID: "s"})
	srv := New(mcp.ImplementationInfo{Name: "srv"})
	srv.HandleFunc("demo", func(ctx context.Context, req *Request) (any, error) { return "ok", nil })
	serve(t, srv, conn)

	conn.send(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if w := conn.next(t); w.msg.Error != nil {
		t.Fatalf("ping must work before initialize: %+v", w.msg.Error)
	}

	conn.send(t, `{"jsonrpc":"2.0","id":2,"method":"demo"}`)
	w := conn.next(t)
	if w.msg.Error == nil || w.msg.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want invalid request before initialize, got %+v", w.msg)
	}
}

func TestDispatch(t *testing.T) {
	conn := newFakeConn(transport.SessionInfo{ID: "s"})
	srv := New(mcp.ImplementationInfo{Name: "srv"})
	srv.HandleFunc("echo", func(ctx context.Context, req *Request) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := req.Bind(&p); err != nil {
			return nil, err
		}
		if err := req.Notify(ctx, string(mcp.ProgressNotificationMethod), map[string]any{"progressToken": "t", "progress": 1}); err != nil {
			return nil, err
		}
		return map[string]string{"text": p.Text}, nil
	})
	srv.HandleFunc("fail", func(ctx context.Context, req *Request) (any, error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "nope"}
	})
	serve(t, srv, conn)
	initialize(t, conn, mcp.ProtocolVersion20250618)

	conn.send(t, `{"jsonrpc":"2.0","id":"e1","method":"echo","params":{"text":"hello"}}`)
	note := conn.next(t)
	if note.msg.Method != string(mcp.ProgressNotificationMethod) {
		t.Fatalf("want progress notification first, got %+v", note.msg)
	}
	if note.related == nil || note.related.String() != "e1" {
		t.Fatalf("notification must be related to its request, got %v", note.related)
	}
	resp := conn.next(t)
	if string(resp.msg.Result) != `{"text":"hello"}` || resp.msg.ID.String() != "e1" {
		t.Fatalf("unexpected response: %s id=%v", resp.msg.Result, resp.msg.ID)
	}

	conn.send(t, `{"jsonrpc":"2.0","id":3,"method":"fail"}`)
	if w := conn.next(t); w.msg.Error == nil || w.msg.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("want handler error code to propagate, got %+v", w.msg)
	}

	conn.send(t, `{"jsonrpc":"2.0","id":4,"method":"missing"}`)
	if w := conn.next(t); w.msg.Error == nil || w.msg.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("want method not found, got %+v", w.msg)
	}

	conn.send(t, `{"jsonrpc":"2.0","id":5,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	if w := conn.next(t); w.msg.Error == nil || w.msg.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want second initialize rejected, got %+v", w.msg)
	}
}

func TestCancelledRequestSendsNoResponse(t *testing.T) {
	conn := newFakeConn(transport.SessionInfo{ID: "s"})
	srv := New(mcp.ImplementationInfo{Name: "srv"})
	started := make(chan struct{})
	stopped := make(chan struct{})
	srv.HandleFunc("slow", func(ctx context.Context, req *Request) (any, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil, ctx.Err()
	})
	serve(t, srv, conn)
	initialize(t, conn, mcp.ProtocolVersion20250618)

	conn.send(t, `{"jsonrpc":"2.0","id":9,"method":"slow"}`)
	<-started
	conn.send(t, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":9,"reason":"user"}}`)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was not cancelled")
	}

	conn.send(t, `{"jsonrpc":"2.0","id":10,"method":"ping"}`)
	if w := conn.next(t); w.msg.ID.String() != "10" {
		t.Fatalf("cancelled request must not be answered; got response for %v", w.msg.ID)
	}
}

func TestRestoredSessionSkipsHandshake(t *testing.T) {
	conn := newFakeConn(transport.SessionInfo{
		ID:       "s",
		Restored: &mcp.InitializeRequest{ProtocolVersion: mcp.ProtocolVersion20250326},
	})
	srv := New(mcp.ImplementationInfo{Name: "srv"})
	got := make(chan string, 1)
	srv.HandleFunc("whoami", func(ctx context.Context, req *Request) (any, error) {
		got <- req.ProtocolVersion
		return struct{}{}, nil
	})
	serve(t, srv, conn)

	conn.send(t, `{"jsonrpc":"2.0","id":1,"method":"whoami"}`)
	if w := conn.next(t); w.msg.Error != nil {
		t.Fatalf("restored session must accept requests: %+v", w.msg.Error)
	}
	if v := <-got; v != mcp.ProtocolVersion20250326 {
		t.Fatalf("want restored protocol version, got %s", v)
	}
}
