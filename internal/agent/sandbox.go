package agent

import (
	"bytes"
	"context"
	"os/exec"
)

// Sandbox is the seam through which the executor runs bash and
// external-tool commands. The core never owns sandboxing policy (a
// Non-goal ); callers needing container or microVM
// isolation supply their own implementation.
type Sandbox interface {
	Exec(ctx context.Context, workdir string, name string, args []string) (stdout, stderr string, exitCode int, err error)
}

// execSandbox is the default Sandbox: it shells out on the host via
// os/exec, grounded on the Rust original's tools/bash.rs and
// tools/cli.rs sandbox.exec() seam.
type execSandbox struct{}

func NewExecSandbox() Sandbox {
	return execSandbox{}
}

func (execSandbox) Exec(ctx context.Context, workdir string, name string, args []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workdir != "" {
		cmd.Dir = workdir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			return stdout.String(), stderr.String(), -1, err
		}
	}
	return stdout.String(), stderr.String(), exitCode, nil
}
