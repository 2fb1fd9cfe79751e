/*
Package types defines the core data structures used throughout agentd.

This package contains the fundamental types of agentd's domain model:
accounts, messages, handoffs, the task board, workspaces, trust and
capability records, verification receipts, and session snapshots. All
other packages depend on these types for state management, socket
protocol payloads, and coordination logic.

# Core Types

Accounts & Messaging:
  - Account: A coding-agent identity registered with the hub
  - Provider: Which vendor backs the account
  - Message: One inbox entry (plain message or handoff)
  - MessageType: message or handoff
  - HandoffPayload: Goal, acceptance criteria, run commands

Task Board:
  - Board: The shared task list persisted to tasks.json
  - Task: One unit of delegated work with its event history
  - TaskStatus: todo, in_progress, ready_for_review, accepted, rejected
  - TaskEvent: Append-only history entry on a task
  - Priority: low, medium, high
  - WorkspaceContext: The worktree a review submission points at

Workspaces:
  - Workspace: A managed git worktree keyed by repo+branch
  - WorkspaceStatus: provisioning, active, cleaning, failed
  - WorkspaceEvent: Lifecycle history entry

Reputation & Verification:
  - TrustReputation: Rolling per-account score from task outcomes
  - TrustEvent: One outcome that moved the score
  - Capability: Skills, provider, and delivery stats for routing
  - VerificationReceipt: Signed record of how a task was verified

Health & Sessions:
  - AccountHealth: Connection, error, and SLA counters per account
  - HealthStatus: healthy, degraded, critical
  - SessionSnapshot: Parsed agent session activity from disk
  - SessionPhase: Where in its loop a session currently is

# State Machine

Tasks follow a fixed transition graph:

	todo → in_progress → ready_for_review → accepted
	         ↑                │
	         └────────────────┘ (rejected returns to in_progress)

Valid transitions:
  - todo → in_progress (assignee accepts the handoff)
  - in_progress → ready_for_review (work submitted)
  - ready_for_review → accepted (suite, council, or human verdict)
  - ready_for_review → rejected → in_progress (rework)

Every transition appends a TaskEvent, so a task carries its own audit
trail and cycle-time inputs.

# Design Patterns

Enumeration pattern:

	All enums use typed string constants for safety and clarity:
	  type TaskStatus string
	  const (
	      TaskStatusTodo       TaskStatus = "todo"
	      TaskStatusInProgress TaskStatus = "in_progress"
	  )

Optional fields:

	Optional attachments use pointers:
	  - *WorkspaceContext: nil = no worktree recorded
	  - *float64 TrustScore: nil = no reputation yet

Timestamps:

	Timestamps persist as RFC 3339 strings via Timestamp and Now so
	JSON files under the hub stay diffable and greppable.

# Integration Points

This package integrates with:

  - pkg/board: Pure functions over Board and Task
  - pkg/storage: Persists messages, capabilities, trust, and sessions
  - pkg/daemon: Socket protocol payloads and health snapshots
  - pkg/routing: Scores Capability records for assignment
  - pkg/sla: Scans TaskEvent history for staleness
  - pkg/receipt: Signs and verifies VerificationReceipt
  - pkg/watcher: Produces SessionSnapshot from session files

# Thread Safety

All types in this package are plain data:
  - Read-safe: Can be read concurrently from multiple goroutines
  - Write-unsafe: Mutations must be synchronized by callers

The board helpers in pkg/board copy on write; the SQLite stores in
pkg/storage serialize their own access. In-memory maps over these
types (pkg/daemon's state) carry their own locking.
*/
package types
