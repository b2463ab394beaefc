// Package mcp contains the protocol data types and constants the streamable
// HTTP transport and the minimal protocol server touch. It mirrors the wire
// representation specified by the Model Context Protocol while keeping the
// surface Go-friendly (exported structs with json tags, string constants for
// method names).
//
// The package is intentionally free of transport logic: the streaminghttp
// package implements framing, sessions and resumability, and mcpserver builds
// responses from these types.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. InitializeMethod). Using the constants avoids typographical mistakes.
//
// # Protocol Versions
//
// SupportedProtocolVersions lists the protocol dates the library negotiates.
// SupportsPrimingEvents reports whether a negotiated version expects the
// server to open SSE streams with a priming event.
package mcp
