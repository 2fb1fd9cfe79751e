/*
Package daemon is the coordination server: it owns the unix socket, the
stores, and every background loop.

# Architecture

	┌───────────────────────── DAEMON ─────────────────────────┐
	│                                                           │
	│  unix socket ── Framer ── Auth ── Dispatcher ── Handlers  │
	│                                        │                  │
	│            ┌───────────────────────────┼───────────────┐  │
	│            ▼                           ▼               ▼  │
	│       SQLite stores              tasks.json      Event bus│
	│   (messages, trust, caps,      (atomic writes)        │   │
	│    knowledge, sessions, …)                             │   │
	│                                                        ▼   │
	│  background loops: SLA, adaptive SLA, circuit breaker,    │
	│  session watcher, watchdog ── all publish to the bus      │
	└───────────────────────────────────────────────────────────┘

Connections speak newline-delimited JSON. A ping gets a pong without
authentication; everything else requires an auth message first, checked
against the token files under <hub>/tokens/ in constant time. Requests
then dispatch through a handler map keyed by the message type, and
every reply echoes the request's requestId.

Shutdown drains in order: loops stop, stores close, then the socket and
pid files are removed.
*/
package daemon
