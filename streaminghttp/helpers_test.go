package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/mcpserver"
	"github.com/ggoodman/mcp-streamable-go/streaminghttp"
)

const (
	acceptBoth   = "application/json, text/event-stream"
	acceptStream = "text/event-stream"
	eventTimeout = 5 * time.Second
)

type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

// Handle implements slog.Handler.
func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.Handler.Handle(ctx, rec)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}

	// The output comes back with a newline, which we need to
	// trim before feeding to t.Log.
	output = bytes.TrimSuffix(output, []byte("\n"))

	b.t.Helper()

	b.t.Log(string(output))

	return nil
}

// WithAttrs implements slog.Handler.
func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithAttrs(attrs),
	}
}

// WithGroup implements slog.Handler.
func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{
		t:       b.t,
		buf:     b.buf,
		mu:      b.mu,
		Handler: b.Handler.WithGroup(name),
	}
}

func testLogger(t *testing.T) *slog.Logger {
	b := &logBridge{
		t:   t,
		buf: &bytes.Buffer{},
		mu:  &sync.Mutex{},
	}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(b)
}

// ============================================================================
// Test Server Utility
// ============================================================================

type testServer struct {
	*httptest.Server
	h *streaminghttp.Handler
}

// newTestMCPServer builds a protocol server with the methods shared by the
// tests. echo emits a progress notification before its result.
func newTestMCPServer(t *testing.T) *mcpserver.Server {
	srv := mcpserver.New(mcp.ImplementationInfo{Name: "test", Version: "0.0.1"}, mcpserver.WithLogger(testLogger(t)))
	srv.HandleFunc("echo", func(ctx context.Context, req *mcpserver.Request) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := req.Bind(&p); err != nil {
			return nil, err
		}
		if err := req.Notify(ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{ProgressToken: "echo", Progress: 1}); err != nil {
			return nil, err
		}
		return map[string]string{"text": p.Text}, nil
	})
	srv.HandleFunc("whoami", func(ctx context.Context, req *mcpserver.Request) (any, error) {
		return map[string]string{"session": req.Session.ID}, nil
	})
	return srv
}

func mustServer(t *testing.T, server streaminghttp.SessionServer, opts ...streaminghttp.Option) *testServer {
	t.Helper()
	opts = append([]streaminghttp.Option{streaminghttp.WithLogger(testLogger(t))}, opts...)
	h, err := streaminghttp.New(context.Background(), server, opts...)
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = h.Close() })
	return &testServer{Server: srv, h: h}
}

type reqOption func(*http.Request)

func withHeader(k, v string) reqOption {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func withToken(tok string) reqOption {
	return withHeader("Authorization", "Bearer "+tok)
}

func (s *testServer) do(t *testing.T, method, sessionID, body string, opts ...reqOption) *http.Response {
	t.Helper()
	req := s.newRequest(t, method, sessionID, body, opts...)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) newRequest(t *testing.T, method, sessionID, body string, opts ...reqOption) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+"/", rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	switch method {
	case http.MethodPost:
		req.Header.Set("Accept", acceptBoth)
		req.Header.Set("Content-Type", "application/json")
	case http.MethodGet:
		req.Header.Set("Accept", acceptStream)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

func initializeBody(version string) string {
	return `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` + version + `","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
}

// mustInitialize performs the handshake and returns the session id.
func (s *testServer) mustInitialize(t *testing.T, version string, opts ...reqOption) string {
	t.Helper()
	resp := s.do(t, http.MethodPost, "", initializeBody(version), opts...)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: want %d got %d", http.StatusOK, resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if len(sessID) != 32 {
		t.Fatalf("unexpected session id %q", sessID)
	}
	msg := nextMessage(t, readEvents(resp.Body))
	if msg.Error != nil {
		t.Fatalf("initialize failed: %v", msg.Error)
	}
	var res mcp.InitializeResult
	mustUnmarshalJSON(t, msg.Result, &res)
	if res.ProtocolVersion != version {
		t.Fatalf("negotiated version: want %s got %s", version, res.ProtocolVersion)
	}

	ack := s.do(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, opts...)
	if ack.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized: want %d got %d", http.StatusAccepted, ack.StatusCode)
	}
	return sessID
}

type sseEvent struct {
	id    string
	retry string
	data  string
}

// readEvents parses an SSE body in the background. The channel is closed
// when the body ends.
func readEvents(r io.Reader) <-chan sseEvent {
	ch := make(chan sseEvent, 16)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		var (
			ev   sseEvent
			seen bool
		)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				if seen {
					ch <- ev
				}
				ev, seen = sseEvent{}, false
			case strings.HasPrefix(line, "id: "):
				ev.id, seen = strings.TrimPrefix(line, "id: "), true
			case strings.HasPrefix(line, "retry: "):
				ev.retry, seen = strings.TrimPrefix(line, "retry: "), true
			case strings.HasPrefix(line, "data: "):
				ev.data, seen = strings.TrimPrefix(line, "data: "), true
			}
		}
	}()
	return ch
}

func nextEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("stream ended before the next event")
		}
		return ev
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for an event")
	}
	return sseEvent{}
}

// nextMessage skips priming events and decodes the next message.
func nextMessage(t *testing.T, ch <-chan sseEvent) *jsonrpc.AnyMessage {
	t.Helper()
	for {
		ev := nextEvent(t, ch)
		if ev.data == "" {
			continue
		}
		var msg jsonrpc.AnyMessage
		mustUnmarshalJSON(t, []byte(ev.data), &msg)
		return &msg
	}
}

func mustEnd(t *testing.T, ch <-chan sseEvent) {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the stream to end")
		}
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

// mustErrorEnvelope decodes an HTTP-level JSON-RPC error body.
func mustErrorEnvelope(t *testing.T, resp *http.Response, wantStatus int, wantCode jsonrpc.ErrorCode) {
	t.Helper()
	if resp.StatusCode != wantStatus {
		t.Fatalf("status: want %d got %d", wantStatus, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type: want application/json got %q", ct)
	}
	var env struct {
		JSONRPC string         `json:"jsonrpc"`
		Error   *jsonrpc.Error `json:"error"`
		ID      any            `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.JSONRPC != "2.0" || env.ID != nil || env.Error == nil {
		t.Fatalf("malformed envelope: %+v", env)
	}
	if env.Error.Code != wantCode {
		t.Fatalf("error code: want %d got %d", wantCode, env.Error.Code)
	}
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never met: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
