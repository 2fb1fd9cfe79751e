package workspace

import (
	"bytes"
	"context"
	"os/exec"
)

// ExecGit runs the real git binary.
type ExecGit struct {
	// Binary overrides the executable name, default "git".
	Binary string
}

// NewExecGit returns a GitExecutor backed by the git binary on PATH.
func NewExecGit() *ExecGit {
	return &ExecGit{Binary: "git"}
}

// Run implements GitExecutor.
func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
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
