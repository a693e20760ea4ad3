// Package api implements the external HTTP API surface: read-only
// status/health endpoints, a discovered-devices listing, ad-hoc local
// command submission, and an event-stream WebSocket for UI clients.
//
// # Architecture
//
// The server sits between local clients (a dashboard, a CLI, a wall
// panel) and the daemon's own entity registry, adapter registry,
// discovery manager, and command queue consumer. There is no
// user/session model here — the remote store owns authentication and
// authorization for the commands this daemon executes; this surface is
// for local, already-trusted callers.
//
// # Graceful degradation
//
// Every handler reads from an in-memory snapshot or a lock-guarded
// registry; none of them block on remote-store I/O, so the API stays
// responsive even when the remote store connection is down.
package api
