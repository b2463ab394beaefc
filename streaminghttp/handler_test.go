package streaminghttp_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth/authtest"
	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-streamable-go/mcp"
	"github.com/ggoodman/mcp-streamable-go/mcpserver"
	"github.com/ggoodman/mcp-streamable-go/streaminghttp"
)

func TestSessionLifecycle(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t))
	sessID := srv.mustInitialize(t, mcp.ProtocolVersion20250618)

	if got := srv.h.SessionCount(); got != 1 {
		t.Fatalf("expected 1 live session, got %d", got)
	}

	get := srv.do(t, http.MethodGet, sessID, "")
	if get.StatusCode != http.StatusOK {
		t.Fatalf("GET: want %d got %d", http.StatusOK, get.StatusCode)
	}
	if ct := get.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("GET content-type: got %q", ct)
	}
	if pv := get.Header.Get("Mcp-Protocol-Version"); pv != mcp.ProtocolVersion20250618 {
		t.Fatalf("GET protocol version header: got %q", pv)
	}

	second := srv.do(t, http.MethodGet, sessID, "")
	mustErrorEnvelope(t, second, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest)

	del := srv.do(t, http.MethodDelete, sessID, "")
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE: want %d got %d", http.StatusNoContent, del.StatusCode)
	}
	mustEnd(t, readEvents(get.Body))

	again := srv.do(t, http.MethodDelete, sessID, "")
	if again.StatusCode != http.StatusNoContent {
		t.Fatalf("repeated DELETE: want %d got %d", http.StatusNoContent, again.StatusCode)
	}

	after := srv.do(t, http.MethodGet, sessID, "")
	mustErrorEnvelope(t, after, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound)

	post := srv.do(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	mustErrorEnvelope(t, post, http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound)

	if got := srv.h.SessionCount(); got != 0 {
		t.Fatalf("expected no live sessions, got %d", got)
	}
}

func TestPostResponseStream(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t))
	sessID := srv.mustInitialize(t, mcp.ProtocolVersion20250618)

	resp := srv.do(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","id":"e1","method":"echo","params":{"text":"hello"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST: want %d got %d", http.StatusOK, resp.StatusCode)
	}
	for k, want := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache,no-store",
		"X-Accel-Buffering": "no",
		"Content-Encoding":  "identity",
	} {
		if got := resp.Header.Get(k); got != want {
			t.Fatalf("header %s: want %q got %q", k, want, got)
		}
	}

	events := readEvents(resp.Body)

	progress := nextMessage(t, events)
	if progress.Method != string(mcp.ProgressNotificationMethod) {
		t.Fatalf("expected a progress notification first, got %+v", progress)
	}

	result := nextMessage(t, events)
	if result.ID.String() != "e1" || result.Error != nil {
		t.Fatalf("unexpected response: %+v", result)
	}
	var out struct {
		Text string `json:"text"`
	}
	mustUnmarshalJSON(t, result.Result, &out)
	if out.Text != "hello" {
		t.Fatalf("echo: want hello got %q", out.Text)
	}

	mustEnd(t, events)
}

func TestNotificationAcknowledged(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t))
	sessID := srv.mustInitialize(t, mcp.ProtocolVersion20250618)

	resp := srv.do(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","method":"notifications/roots/list_changed"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want %d got %d", http.StatusAccepted, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		t.Fatalf("202 must not carry a content type, got %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("202 must not carry a body, got %q", body)
	}
}

func TestRequestBeforeInitialize(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t))

	resp := srv.do(t, http.MethodPost, "", `{"jsonrpc":"2.0","id":1,"method":"whoami"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want %d got %d", http.StatusOK, resp.StatusCode)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatalf("expected a session id on the first POST")
	}
	msg := nextMessage(t, readEvents(resp.Body))
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected an invalid request error, got %+v", msg)
	}
}

func TestCancelledRequestAnswersAccepted(t *testing.T) {
	server := newTestMCPServer(t)
	started := make(chan struct{})
	server.HandleFunc("block", func(ctx context.Context, req *mcpserver.Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv := mustServer(t, server)
	sessID := srv.mustInitialize(t, mcp.ProtocolVersion20250618)

	req := srv.newRequest(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","id":7,"method":"block"}`)
	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		done <- result{resp, err}
	}()

	select {
	case <-started:
	case <-done:
		t.Fatalf("blocking request returned early")
	case <-time.After(eventTimeout):
		t.Fatalf("blocking request never started")
	}

	cancel := srv.do(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7,"reason":"test"}}`)
	if cancel.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel: want %d got %d", http.StatusAccepted, cancel.StatusCode)
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(eventTimeout):
		t.Fatalf("cancelled request never returned")
	}
	if res.err != nil {
		t.Fatalf("POST: %v", res.err)
	}
	defer res.resp.Body.Close()
	if res.resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancelled request: want %d got %d", http.StatusAccepted, res.resp.StatusCode)
	}
}

func TestRequestValidation(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t))
	sessID := srv.mustInitialize(t, mcp.ProtocolVersion20250618)

	tests := []struct {
		name       string
		method     string
		sessionID  string
		body       string
		opts       []reqOption
		wantStatus int
		wantCode   jsonrpc.ErrorCode
	}{
		{
			name:       "post accepting only json",
			method:     http.MethodPost,
			sessionID:  sessID,
			body:       `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			opts:       []reqOption{withHeader("Accept", "application/json")},
			wantStatus: http.StatusNotAcceptable,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
		{
			name:       "accept checked before session lookup",
			method:     http.MethodGet,
			sessionID:  "does-not-exist",
			opts:       []reqOption{withHeader("Accept", "application/json")},
			wantStatus: http.StatusNotAcceptable,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
		{
			name:       "get without accept",
			method:     http.MethodGet,
			sessionID:  sessID,
			opts:       []reqOption{withHeader("Accept", "")},
			wantStatus: http.StatusNotAcceptable,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
		{
			name:       "wrong content type",
			method:     http.MethodPost,
			sessionID:  sessID,
			body:       `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			opts:       []reqOption{withHeader("Content-Type", "text/plain")},
			wantStatus: http.StatusUnsupportedMediaType,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
		{
			name:       "malformed json",
			method:     http.MethodPost,
			sessionID:  sessID,
			body:       `{"jsonrpc":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   jsonrpc.ErrorCodeParseError,
		},
		{
			name:       "batch",
			method:     http.MethodPost,
			sessionID:  sessID,
			body:       `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`,
			wantStatus: http.StatusBadRequest,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
		{
			name:       "unknown session",
			method:     http.MethodPost,
			sessionID:  "does-not-exist",
			body:       `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   jsonrpc.ErrorCodeSessionNotFound,
		},
		{
			name:       "get without session",
			method:     http.MethodGet,
			wantStatus: http.StatusBadRequest,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
		{
			name:       "delete without session",
			method:     http.MethodDelete,
			wantStatus: http.StatusBadRequest,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
		{
			name:       "protocol version mismatch",
			method:     http.MethodPost,
			sessionID:  sessID,
			body:       `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			opts:       []reqOption{withHeader("Mcp-Protocol-Version", mcp.ProtocolVersion20250326)},
			wantStatus: http.StatusBadRequest,
			wantCode:   jsonrpc.ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, tt.method, tt.sessionID, tt.body, tt.opts...)
			mustErrorEnvelope(t, resp, tt.wantStatus, tt.wantCode)
		})
	}

	// The session survives every rejection above.
	ping := srv.do(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","id":99,"method":"ping"}`)
	if ping.StatusCode != http.StatusOK {
		t.Fatalf("ping: want %d got %d", http.StatusOK, ping.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t))

	for _, method := range []string{http.MethodPut, http.MethodPatch} {
		resp := srv.do(t, method, "", "")
		if allow := resp.Header.Get("Allow"); allow != "GET, POST, DELETE" {
			t.Fatalf("%s: unexpected Allow header %q", method, allow)
		}
		mustErrorEnvelope(t, resp, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeInvalidRequest)
	}
}

func TestCustomPath(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t), streaminghttp.WithPath("/mcp"))

	resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(initializeBody(mcp.ProtocolVersion20250618)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	// Plain http.Post sends no Accept header.
	mustErrorEnvelope(t, resp, http.StatusNotAcceptable, jsonrpc.ErrorCodeInvalidRequest)

	other := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618))
	if other.StatusCode != http.StatusNotFound {
		t.Fatalf("root path: want %d got %d", http.StatusNotFound, other.StatusCode)
	}
}

func TestAuthentication(t *testing.T) {
	tokens := authtest.NewStaticTokens(map[string]string{"tok-alice": "alice", "tok-bob": "bob"})
	srv := mustServer(t, newTestMCPServer(t), streaminghttp.WithAuthenticator(tokens), streaminghttp.WithRealm("mcp"))

	t.Run("missing credentials", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618))
		if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer realm="mcp"` {
			t.Fatalf("unexpected challenge %q", got)
		}
		mustErrorEnvelope(t, resp, http.StatusUnauthorized, jsonrpc.ErrorCodeInvalidRequest)
	})

	t.Run("unknown token", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618), withToken("nope"))
		if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
			t.Fatalf("unexpected challenge %q", got)
		}
		mustErrorEnvelope(t, resp, http.StatusUnauthorized, jsonrpc.ErrorCodeInvalidRequest)
	})

	t.Run("malformed header", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618), withHeader("Authorization", "Basic Zm9vOmJhcg=="))
		mustErrorEnvelope(t, resp, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest)
	})

	t.Run("session bound to principal", func(t *testing.T) {
		sessID := srv.mustInitialize(t, mcp.ProtocolVersion20250618, withToken("tok-alice"))

		ping := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
		mustErrorEnvelope(t, srv.do(t, http.MethodPost, sessID, ping, withToken("tok-bob")), http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest)
		mustErrorEnvelope(t, srv.do(t, http.MethodGet, sessID, "", withToken("tok-bob")), http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest)
		mustErrorEnvelope(t, srv.do(t, http.MethodDelete, sessID, "", withToken("tok-bob")), http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest)

		whoami := srv.do(t, http.MethodPost, sessID, `{"jsonrpc":"2.0","id":3,"method":"whoami"}`, withToken("tok-alice"))
		if whoami.StatusCode != http.StatusOK {
			t.Fatalf("owner request: want %d got %d", http.StatusOK, whoami.StatusCode)
		}
		msg := nextMessage(t, readEvents(whoami.Body))
		var out struct {
			Session string `json:"session"`
		}
		mustUnmarshalJSON(t, msg.Result, &out)
		if out.Session != sessID {
			t.Fatalf("whoami: want %s got %s", sessID, out.Session)
		}

		del := srv.do(t, http.MethodDelete, sessID, "", withToken("tok-alice"))
		if del.StatusCode != http.StatusNoContent {
			t.Fatalf("owner DELETE: want %d got %d", http.StatusNoContent, del.StatusCode)
		}
	})
}

func TestHostAndOriginAllowlists(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t),
		streaminghttp.WithAllowedHosts("127.0.0.1"),
		streaminghttp.WithAllowedOrigins("https://app.example.com"),
	)

	// httptest listens on 127.0.0.1 so the Host header carries that name.
	ok := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618), withHeader("Origin", "https://app.example.com"))
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin: want %d got %d", http.StatusOK, ok.StatusCode)
	}

	badOrigin := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618), withHeader("Origin", "https://evil.example.com"))
	mustErrorEnvelope(t, badOrigin, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest)

	badHost := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618), func(r *http.Request) { r.Host = "evil.example.com" })
	mustErrorEnvelope(t, badHost, http.StatusForbidden, jsonrpc.ErrorCodeInvalidRequest)
}

func TestNotifyAndBroadcast(t *testing.T) {
	srv := mustServer(t, newTestMCPServer(t))
	a := srv.mustInitialize(t, mcp.ProtocolVersion20250618)
	b := srv.mustInitialize(t, mcp.ProtocolVersion20250618)

	getA := srv.do(t, http.MethodGet, a, "")
	getB := srv.do(t, http.MethodGet, b, "")
	eventsA, eventsB := readEvents(getA.Body), readEvents(getB.Body)

	ctx := context.Background()
	if err := srv.h.Notify(ctx, a, "notifications/message", map[string]any{"level": "info", "data": "only a"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := srv.h.Broadcast(ctx, string(mcp.ResourcesListChangedNotificationMethod), nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if msg := nextMessage(t, eventsA); msg.Method != "notifications/message" {
		t.Fatalf("session a: unexpected first message %+v", msg)
	}
	if msg := nextMessage(t, eventsA); msg.Method != string(mcp.ResourcesListChangedNotificationMethod) {
		t.Fatalf("session a: unexpected second message %+v", msg)
	}
	if msg := nextMessage(t, eventsB); msg.Method != string(mcp.ResourcesListChangedNotificationMethod) {
		t.Fatalf("session b: unexpected message %+v", msg)
	}

	if err := srv.h.Notify(ctx, "unknown", "notifications/message", nil); err == nil {
		t.Fatalf("expected an error notifying an unknown session")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	server := newTestMCPServer(t)
	tests := []struct {
		name string
		opts []streaminghttp.Option
	}{
		{"nil logger", []streaminghttp.Option{streaminghttp.WithLogger(nil)}},
		{"relative path", []streaminghttp.Option{streaminghttp.WithPath("mcp")}},
		{"retry without store", []streaminghttp.Option{streaminghttp.WithRetryInterval(1)}},
		{"zero idle timeout", []streaminghttp.Option{streaminghttp.WithIdleTimeout(0)}},
		{"zero sweep interval", []streaminghttp.Option{streaminghttp.WithIdleSweepInterval(0)}},
		{"zero max idle", []streaminghttp.Option{streaminghttp.WithMaxIdleSessions(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := streaminghttp.New(context.Background(), server, tt.opts...); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}

	if _, err := streaminghttp.New(context.Background(), nil); err == nil {
		t.Fatalf("expected an error for a nil server")
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	tokens := authtest.NewStaticTokens(map[string]string{"tok-alice": "alice"})
	srv := mustServer(t, newTestMCPServer(t),
		streaminghttp.WithAuthenticator(tokens),
		streaminghttp.WithProtectedResourceMetadata("https://mcp.example.com/", []string{"https://issuer.example.com"}, "mcp:read"),
	)

	resp := srv.do(t, http.MethodGet, "", "", withHeader("Accept", "application/json"), func(r *http.Request) {
		r.URL.Path = "/.well-known/oauth-protected-resource"
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET metadata: want %d got %d", http.StatusOK, resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("CORS header: got %q", got)
	}
	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
		ScopesSupported      []string `json:"scopes_supported"`
	}
	body, _ := io.ReadAll(resp.Body)
	mustUnmarshalJSON(t, body, &doc)
	if doc.Resource != "https://mcp.example.com/" || len(doc.AuthorizationServers) != 1 || len(doc.ScopesSupported) != 1 {
		t.Fatalf("unexpected document: %s", body)
	}

	unauth := srv.do(t, http.MethodPost, "", initializeBody(mcp.ProtocolVersion20250618))
	want := `Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`
	if got := unauth.Header.Get("WWW-Authenticate"); got != want {
		t.Fatalf("challenge: want %q got %q", want, got)
	}
}
