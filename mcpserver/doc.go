// Package mcpserver is a small MCP protocol server that runs on top of a
// transport.Conn. It answers the lifecycle methods itself (initialize, ping,
// notifications/initialized and notifications/cancelled) and dispatches
// every other method to handlers registered with HandleFunc.
//
// A Server is stateless across sessions and can be handed to
// streaminghttp.New directly:
//
//	srv := mcpserver.New(mcp.ImplementationInfo{Name: "demo", Version: "0.1.0"})
//	srv.HandleFunc("tools/list", func(ctx context.Context, req *mcpserver.Request) (any, error) {
//	    return map[string]any{"tools": []any{}}, nil
//	})
//	h, err := streaminghttp.New(ctx, srv)
//
// Handlers run concurrently, one goroutine per request. Each handler context
// is cancelled when the client sends notifications/cancelled for it or when
// the session goes away.
//
// FSResources serves resources/list from a directory and reports changes to
// it through a ChangeNotifier.
package mcpserver
