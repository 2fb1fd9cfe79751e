package acceptance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDenyList(t *testing.T) {
	tests := []struct {
		command string
		ok      bool
		reason  string
	}{
		{"echo hi", true, ""},
		{"go test ./...", true, ""},
		{"echo `whoami`", false, "`"},
		{"echo hi; rm -rf /", false, ";"},
		{"cat a | grep b", false, "|"},
		{"echo $(id)", false, "$("},
		{"echo ${HOME}", false, "${"},
		{"echo hi > out.txt", false, ">"},
		{"wc -l < in.txt", false, "<"},
		{"true && false", false, "&&"},
		{"true || false", false, "||"},
		{"echo a\necho b", false, "denied shell construct"},
		{strings.Repeat("a", 1001), false, "1000 bytes"},
	}

	for _, tt := range tests {
		reason, ok := Validate(tt.command)
		assert.Equal(t, tt.ok, ok, "command %q", tt.command)
		if !tt.ok {
			assert.Contains(t, reason, tt.reason, "command %q", tt.command)
		}
	}
}

func TestRunSuiteWithRealCommands(t *testing.T) {
	r := NewRunner(ExecExecutor{}, 5*time.Second)
	dir := t.TempDir()

	suite := r.RunSuite(context.Background(), dir, []string{"echo ok", "echo done"})
	assert.True(t, suite.Passed)
	require.Len(t, suite.Results, 2)
	assert.Equal(t, 0, suite.Results[0].ExitCode)
	assert.Equal(t, "ok\n", suite.Results[0].Stdout)
}

func TestRunSuiteFailingCommand(t *testing.T) {
	r := NewRunner(ExecExecutor{}, 5*time.Second)

	suite := r.RunSuite(context.Background(), t.TempDir(), []string{"echo ok", "false"})
	assert.False(t, suite.Passed)
	require.Len(t, suite.Results, 2)
	assert.Equal(t, 0, suite.Results[0].ExitCode)
	assert.NotZero(t, suite.Results[1].ExitCode)
}

func TestRunSuiteRejectedCommandSkipsSpawn(t *testing.T) {
	r := NewRunner(ExecExecutor{}, 5*time.Second)

	suite := r.RunSuite(context.Background(), t.TempDir(), []string{"echo `whoami`"})
	assert.False(t, suite.Passed)
	require.Len(t, suite.Results, 1)
	assert.Equal(t, ExitRejected, suite.Results[0].ExitCode)
	assert.Contains(t, suite.Results[0].Stderr, "denied shell construct")
}

func TestRunSuiteTimeout(t *testing.T) {
	r := NewRunner(ExecExecutor{}, 100*time.Millisecond)

	suite := r.RunSuite(context.Background(), t.TempDir(), []string{"sleep 10"})
	assert.False(t, suite.Passed)
	require.Len(t, suite.Results, 1)
	assert.Equal(t, ExitTimeout, suite.Results[0].ExitCode)
	assert.Contains(t, suite.Results[0].Stderr, "timed out")
}

func TestRunSuiteEmptyIsVacuousPass(t *testing.T) {
	r := NewRunner(ExecExecutor{}, time.Second)
	suite := r.RunSuite(context.Background(), t.TempDir(), nil)
	assert.True(t, suite.Passed)
	assert.Empty(t, suite.Results)
}

type bigOutputExecutor struct{}

func (bigOutputExecutor) Execute(context.Context, string, string) (string, string, int, error) {
	return strings.Repeat("x", 20_000), "", 0, nil
}

func TestOutputTruncation(t *testing.T) {
	r := NewRunner(bigOutputExecutor{}, time.Second)
	suite := r.RunSuite(context.Background(), "", []string{"echo big"})
	require.Len(t, suite.Results, 1)
	assert.LessOrEqual(t, len(suite.Results[0].Stdout), outputCap+len("\n[truncated]"))
	assert.Contains(t, suite.Results[0].Stdout, "[truncated]")
}
