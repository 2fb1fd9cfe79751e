/*
Package log provides structured logging for agentd using zerolog.

The package wraps zerolog behind a small configuration surface: a global
logger initialized once via Init, component child loggers, and helpers
for the context fields that recur across the daemon (account, task id,
workspace id).

# Architecture

	┌──────────────────── LOGGING SYSTEM ─────────────────────┐
	│                                                          │
	│  ┌───────────────────────────────────────────┐           │
	│  │            Global Logger                  │           │
	│  │  - Zerolog instance                       │           │
	│  │  - Initialized via log.Init()             │           │
	│  │  - Thread-safe for concurrent use         │           │
	│  └──────────────────┬────────────────────────┘           │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐           │
	│  │           Configuration                   │           │
	│  │  - Level: debug/info/warn/error           │           │
	│  │  - Format: JSON or console (human)        │           │
	│  │  - Output: stdout, file, or custom writer │           │
	│  └──────────────────┬────────────────────────┘           │
	│                     │                                    │
	│  ┌──────────────────▼────────────────────────┐           │
	│  │         Context Loggers                   │           │
	│  │  - WithComponent("daemon")                │           │
	│  │  - WithAccount("alice")                   │           │
	│  │  - WithTaskID("task-123")                 │           │
	│  │  - WithWorkspaceID("ws-abc")              │           │
	│  └───────────────────────────────────────────┘           │
	└──────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	// JSON output (when the daemon runs under a supervisor)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (interactive development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Component loggers:

	slaLog := log.WithComponent("sla")
	slaLog.Info().Str("task_id", taskID).Msg("task stale in review")

	connLog := log.WithAccount("alice")
	connLog.Warn().Err(err).Msg("authentication failed")

# Log Output Examples

JSON format:

	{"level":"info","component":"daemon","time":"2025-10-13T10:30:00Z","message":"daemon started"}
	{"level":"warn","component":"sla","task_id":"task-123","time":"2025-10-13T10:30:01Z","message":"task stale in review"}

Console format:

	10:30:00 INF daemon started component=daemon
	10:30:01 WRN task stale in review component=sla task_id=task-123

# Best Practices

Do:
  - Use Info level in normal operation
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() rather than string formatting
  - Include context (account, task id, workspace id)

Don't:
  - Log account tokens or receipt keys
  - Use Debug level outside development
  - Concatenate values into the message string

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
