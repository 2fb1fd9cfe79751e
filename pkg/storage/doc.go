/*
Package storage provides SQLite-backed persistence for the coordination hub.

Each concern gets its own database file under the hub directory, all opened
through a shared base that enables write-ahead logging, sets a busy timeout,
and applies its schema idempotently at open. ":memory:" paths work for tests.

# Layout

	┌──────────────────── HUB STORES ──────────────────────────┐
	│                                                           │
	│  messages.db      MessageStore     deliveries + handoffs │
	│  workspaces.db    WorkspaceStore   worktrees + events    │
	│  capabilities.db  CapabilityStore  routing records       │
	│  trust.db         TrustStore       reputation + history  │
	│  knowledge.db     KnowledgeStore   notes + task links    │
	│  sessions.db      SessionStore     agent session snaps   │
	│  workflows.db     WorkflowStore    delegation chains     │
	│  retro.db         RetroStore       outcome entries       │
	│  activity.db      ActivityStore    daemon activity feed  │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

Every store serializes through a single connection (WAL mode) and exposes a
Close that is safe to call exactly once at daemon shutdown.

# Usage

	msgs, err := storage.NewMessageStore(filepath.Join(hub, "messages.db"))
	if err != nil {
		return err
	}
	defer msgs.Close()

	id, err := msgs.AddMessage(&types.Message{From: "alice", To: "bob", Content: "hi"})
*/
package storage
