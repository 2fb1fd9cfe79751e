// Package acceptance runs a handoff's acceptance command batch in a
// working directory, with a deny-list validator and per-command
// timeouts.
package acceptance

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentctl/agentd/pkg/log"
)

// Exit codes reserved for non-process outcomes.
const (
	ExitRejected = -2
	ExitTimeout  = -1
)

// outputCap truncates captured stdout and stderr per stream.
const outputCap = 8 * 1024

// maxCommandLen rejects absurdly long command strings outright.
const maxCommandLen = 1000

// deniedConstructs are shell constructs the runner refuses to pass
// through. Commands here run without a shell, so any of these in the
// string signals an injection attempt rather than a legitimate need.
var deniedConstructs = []string{";", "|", "`", "$(", "${", ">", "<", "&&", "||", "\n"}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// SuiteResult is the outcome of a whole batch.
type SuiteResult struct {
	Passed   bool            `json:"passed"`
	Results  []CommandResult `json:"results"`
	Duration time.Duration   `json:"duration"`
}

// CommandExecutor spawns one already-validated command. Injected so
// tests and the daemon's dry-run mode can stub process execution.
type CommandExecutor interface {
	Execute(ctx context.Context, dir, command string) (stdout, stderr string, exitCode int, err error)
}

// ExecExecutor runs commands directly (no shell), splitting the
// command string on whitespace.
type ExecExecutor struct{}

// Execute implements CommandExecutor via os/exec.
func (ExecExecutor) Execute(ctx context.Context, dir, command string) (string, string, int, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", "", 0, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			err = nil
		} else {
			code = -1
		}
	}
	return stdout.String(), stderr.String(), code, err
}

// Runner executes acceptance suites.
type Runner struct {
	executor CommandExecutor
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewRunner builds a runner with the given per-command timeout.
func NewRunner(executor CommandExecutor, timeout time.Duration) *Runner {
	if executor == nil {
		executor = ExecExecutor{}
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{
		executor: executor,
		timeout:  timeout,
		logger:   log.WithComponent("acceptance"),
	}
}

// Validate checks one command against the deny-list. The returned
// string names the offending construct when invalid.
func Validate(command string) (string, bool) {
	if len(command) > maxCommandLen {
		return fmt.Sprintf("command exceeds %d bytes", maxCommandLen), false
	}
	for _, c := range deniedConstructs {
		if strings.Contains(command, c) {
			return fmt.Sprintf("denied shell construct %q", c), false
		}
	}
	return "", true
}

// RunSuite validates and executes each command in order. The suite
// passes only when every command exits zero; an empty list is a
// vacuous pass. Invalid commands record exit -2 without spawning;
// timeouts record exit -1.
func (r *Runner) RunSuite(ctx context.Context, dir string, commands []string) SuiteResult {
	start := time.Now()
	suite := SuiteResult{Passed: true}

	for _, command := range commands {
		res := r.runOne(ctx, dir, command)
		suite.Results = append(suite.Results, res)
		if res.ExitCode != 0 {
			suite.Passed = false
		}
	}

	suite.Duration = time.Since(start)
	r.logger.Info().Bool("passed", suite.Passed).Int("commands", len(commands)).
		Dur("duration", suite.Duration).Msg("acceptance suite finished")
	return suite
}

func (r *Runner) runOne(ctx context.Context, dir, command string) CommandResult {
	if reason, ok := Validate(command); !ok {
		r.logger.Warn().Str("command", command).Str("reason", reason).
			Msg("rejected acceptance command")
		return CommandResult{
			Command:  command,
			ExitCode: ExitRejected,
			Stderr:   reason,
		}
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stdout, stderr, code, err := r.executor.Execute(cctx, dir, command)
	if cctx.Err() == context.DeadlineExceeded {
		return CommandResult{
			Command:  command,
			ExitCode: ExitTimeout,
			Stdout:   truncate(stdout),
			Stderr:   truncate(fmt.Sprintf("command timed out after %s", r.timeout)),
		}
	}
	if err != nil {
		return CommandResult{
			Command:  command,
			ExitCode: -1,
			Stderr:   truncate(err.Error()),
		}
	}

	return CommandResult{
		Command:  command,
		ExitCode: code,
		Stdout:   truncate(stdout),
		Stderr:   truncate(stderr),
	}
}

func truncate(s string) string {
	if len(s) <= outputCap {
		return s
	}
	return s[:outputCap] + "\n[truncated]"
}
