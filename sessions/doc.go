// Package sessions defines the persisted side of an MCP session: the
// serializable SessionMetadata record, the Store contract used to share it
// between server processes, and the MigrationHandler hooks that let a process
// recreate a session it has never seen.
//
// Live session objects (transports, reference counts, open streams) are never
// persisted. Recreating a session from its metadata means building a new
// transport and server seeded with the stored initialization handshake.
//
// Implementations
//
//	memorystore : in-process Store for tests and single-instance servers
//	redisstore  : Redis-backed Store for horizontally scaled deployments
//
// sessionstoretest holds the conformance suite both implementations run.
package sessions
