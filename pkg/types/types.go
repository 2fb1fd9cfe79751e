package types

import (
	"regexp"
	"time"
)

// AccountNamePattern constrains account names on the wire and on disk
// (token filenames are derived from them).
var AccountNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,62}$`)

// ValidAccountName reports whether name is usable as an account identity.
func ValidAccountName(name string) bool {
	return AccountNamePattern.MatchString(name)
}

// Provider identifies the LLM provider backing an account
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderXAI       Provider = "xai"
	ProviderLocal     Provider = "local"
)

// Account represents an identity attached to a provider
type Account struct {
	Name      string   `json:"name" yaml:"name"`
	Provider  Provider `json:"provider" yaml:"provider"`
	ConfigDir string   `json:"configDir,omitempty" yaml:"config_dir,omitempty"`
	Color     string   `json:"color,omitempty" yaml:"color,omitempty"`
	Label     string   `json:"label,omitempty" yaml:"label,omitempty"`
	// QuotaPolicy overrides the provider default when set
	QuotaPolicy string `json:"quotaPolicy,omitempty" yaml:"quota_policy,omitempty"`
}

// MessageType discriminates plain messages from structured handoffs
type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeHandoff MessageType = "handoff"
)

// Message is a durable record of an inter-account delivery.
// Once persisted, only Read mutates.
type Message struct {
	ID        int64             `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	Timestamp string            `json:"timestamp"`
	Read      bool              `json:"read"`
	Context   map[string]string `json:"context,omitempty"`
}

// HandoffPayload is the structured content of a type=handoff message
type HandoffPayload struct {
	Goal               string   `json:"goal"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	RunCommands        []string `json:"run_commands,omitempty"`
	BlockedBy          []string `json:"blocked_by,omitempty"`
}

// TaskStatus represents the state of a board task
type TaskStatus string

const (
	TaskStatusTodo           TaskStatus = "todo"
	TaskStatusInProgress     TaskStatus = "in_progress"
	TaskStatusReadyForReview TaskStatus = "ready_for_review"
	TaskStatusAccepted       TaskStatus = "accepted"
	TaskStatusRejected       TaskStatus = "rejected"
)

// Priority buckets for board ordering. Tasks without one sort as P2.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// TaskEvent is an append-only entry in a task's event log
type TaskEvent struct {
	Type      string     `json:"type"`
	Timestamp string     `json:"timestamp"`
	From      TaskStatus `json:"from,omitempty"`
	To        TaskStatus `json:"to,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// WorkspaceContext links a task to the worktree its work happens in
type WorkspaceContext struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	Path        string `json:"path,omitempty"`
	Branch      string `json:"branch,omitempty"`
}

// Task is a unit of delegated work on the board
type Task struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Status    TaskStatus        `json:"status"`
	Assignee  string            `json:"assignee,omitempty"`
	CreatedAt string            `json:"createdAt"`
	Priority  Priority          `json:"priority,omitempty"`
	DueDate   string            `json:"dueDate,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Events    []TaskEvent       `json:"events"`
	Workspace *WorkspaceContext `json:"workspace,omitempty"`
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, x := range t.Tags {
		if x == tag {
			return true
		}
	}
	return false
}

// Board is the persisted task board. Mutators treat it as immutable
// and return fresh copies.
type Board struct {
	Tasks     []Task `json:"tasks"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// WorkspaceStatus represents the lifecycle state of a managed worktree
type WorkspaceStatus string

const (
	WorkspaceStatusPreparing WorkspaceStatus = "preparing"
	WorkspaceStatusReady     WorkspaceStatus = "ready"
	WorkspaceStatusFailed    WorkspaceStatus = "failed"
	WorkspaceStatusCleaning  WorkspaceStatus = "cleaning"
)

// WorkspaceEvent is an append-only entry in a workspace's event log
type WorkspaceEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Detail    string `json:"detail,omitempty"`
}

// Workspace is a managed git worktree keyed by (repo, branch)
type Workspace struct {
	ID           string           `json:"id"`
	Account      string           `json:"account"`
	RepoPath     string           `json:"repoPath"`
	Branch       string           `json:"branch"`
	WorktreePath string           `json:"worktreePath"`
	Status       WorkspaceStatus  `json:"status"`
	CreatedAt    string           `json:"createdAt"`
	UpdatedAt    string           `json:"updatedAt"`
	HandoffID    string           `json:"handoffId,omitempty"`
	Events       []WorkspaceEvent `json:"events,omitempty"`
}

// HealthStatus summarizes an account's derived health
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusCritical HealthStatus = "critical"
)

// AccountHealth is in-memory per-account status, lost on restart
type AccountHealth struct {
	Account       string       `json:"account"`
	Status        HealthStatus `json:"status"`
	Connected     bool         `json:"connected"`
	LastActivity  time.Time    `json:"lastActivity"`
	ErrorCount    int          `json:"errorCount"`
	RateLimited   bool         `json:"rateLimited"`
	SLAViolations int          `json:"slaViolations"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Derive recomputes Status from the raw counters.
// Disconnected, rate-limited, or errorCount >= 5 is critical; any
// errors, SLA violations, or >10min staleness is degraded.
func (h *AccountHealth) Derive(now time.Time) {
	switch {
	case !h.Connected || h.RateLimited || h.ErrorCount >= 5:
		h.Status = HealthStatusCritical
	case h.ErrorCount > 0 || h.SLAViolations > 0 || now.Sub(h.LastActivity) > 10*time.Minute:
		h.Status = HealthStatusDegraded
	default:
		h.Status = HealthStatusHealthy
	}
	h.UpdatedAt = now
}

// TrustEvent is one row of a reputation history
type TrustEvent struct {
	Timestamp string  `json:"timestamp"`
	Delta     float64 `json:"delta"`
	Reason    string  `json:"reason"`
	OldScore  float64 `json:"oldScore"`
	NewScore  float64 `json:"newScore"`
}

// TrustReputation tracks a per-account trust score in [0,100]
type TrustReputation struct {
	Account              string       `json:"account"`
	Score                float64      `json:"score"`
	Completed            int          `json:"completed"`
	Rejected             int          `json:"rejected"`
	Failed               int          `json:"failed"`
	AvgCompletionMinutes float64      `json:"avgCompletionMinutes"`
	History              []TrustEvent `json:"history,omitempty"`
}

// Capability is a per-account routing record
type Capability struct {
	Account       string    `json:"account"`
	Skills        []string  `json:"skills"`
	TotalTasks    int       `json:"totalTasks"`
	AcceptedTasks int       `json:"acceptedTasks"`
	AvgDeliveryMs float64   `json:"avgDeliveryMs"`
	LastActiveAt  time.Time `json:"lastActiveAt"`
	Provider      Provider  `json:"provider,omitempty"`
	// TrustScore is enriched at query time from the trust store
	TrustScore *float64 `json:"trustScore,omitempty"`
}

// Verdict values carried by receipts and council results
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
)

// VerificationReceipt is a non-repudiable attestation that a specific
// version of a task was accepted or rejected by a specific verifier.
type VerificationReceipt struct {
	ID                 string   `json:"id"`
	TaskID             string   `json:"taskId"`
	HandoffID          string   `json:"handoffId"`
	Delegator          string   `json:"delegator"`
	Delegatee          string   `json:"delegatee"`
	SpecHash           string   `json:"specHash"`
	Verdict            string   `json:"verdict"`
	Method             string   `json:"method"`
	VerificationMethod string   `json:"verificationMethod"`
	Artifacts          []string `json:"artifacts,omitempty"`
	Timestamp          string   `json:"timestamp"`
	Signature          string   `json:"signature"`
}

// SessionPhase is the lifecycle phase reported by an external agent session
type SessionPhase string

const (
	SessionPhaseIdle            SessionPhase = "idle"
	SessionPhaseActive          SessionPhase = "active"
	SessionPhaseActiveCommitted SessionPhase = "active_committed"
	SessionPhaseEnded           SessionPhase = "ended"
)

// Active reports whether the phase counts as in-flight work.
func (p SessionPhase) Active() bool {
	return p == SessionPhaseActive || p == SessionPhaseActiveCommitted
}

// SessionSnapshot is the JSON shape an external agent writes to its
// session state file. Partial writes are tolerated by readers.
type SessionSnapshot struct {
	SessionID        string       `json:"sessionId"`
	TaskID           string       `json:"taskId,omitempty"`
	AgentType        string       `json:"agentType,omitempty"`
	Phase            SessionPhase `json:"phase"`
	CheckpointCount  int          `json:"checkpointCount"`
	LastCheckpointAt string       `json:"lastCheckpointAt,omitempty"`
	TokensUsed       int64        `json:"tokensUsed"`
	TokenBurnRate    float64      `json:"tokenBurnRate,omitempty"`
	ContextTokens    int64        `json:"contextTokens"`
	WindowSize       int64        `json:"windowSize,omitempty"`
	FilesTouched     []string     `json:"filesTouched,omitempty"`
	UpdatedAt        string       `json:"updatedAt,omitempty"`
}

// Timestamp formats t the way every persisted record does.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now returns the current time formatted for persistence.
func Now() string {
	return Timestamp(time.Now())
}
