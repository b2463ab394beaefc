// Package streaminghttp implements the MCP Streamable HTTP transport. It
// mounts as a standard net/http handler and multiplexes long-lived JSON-RPC
// sessions over independent HTTP requests.
//
// Responsibilities
//   - Session registry: creation on the first POST, lookup by Mcp-Session-Id,
//     explicit termination with DELETE
//   - Reference counting of in-flight requests so the idle reaper never
//     disposes a session mid-request
//   - Response streams: every POSTed request is answered on its own SSE
//     stream; server-initiated messages use the single standalone GET stream
//   - Resumability: with an eventstore.Store every event carries an id and a
//     client reconnecting with Last-Event-ID receives what it missed
//   - Optional bearer authentication and session migration between processes
//
// Construction
//
//	srv := mcpserver.New(mcp.ImplementationInfo{Name: "demo", Version: "1.0.0"})
//	h, err := streaminghttp.New(
//	    ctx,
//	    srv,                                     // streaminghttp.SessionServer
//	    streaminghttp.WithPath("/mcp"),
//	    streaminghttp.WithEventStore(events),    // optional
//	    streaminghttp.WithSessionStore(store),   // optional
//	)
//	defer h.Close()
//
// # Session Context Lifetimes
//
// Each session owns a context that outlives the HTTP request that created
// it. Messages handed to the protocol server carry the values of the request
// that delivered them (logging attributes, identity) but are cancelled only
// when the session ends, through DELETE, the idle reaper, or Close.
//
// # Idle Sessions
//
// A session's activity timestamp moves when its last in-flight request
// completes. Every sweep interval, unreferenced sessions idle for longer than
// the idle timeout are disposed, and the oldest idle sessions are evicted
// when more than the configured maximum remain.
//
// # Error Handling
//
// HTTP-level rejections carry a JSON-RPC error envelope with a null id. An
// unknown session answers 404 with code -32001, an extension code that not
// every client recognizes.
package streaminghttp
