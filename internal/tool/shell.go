package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/guardrail"
)

// shellExecTool runs a guarded command inside the workspace. Commands
// run under a timeout; a timed-out process is a failed invocation,
// not a hang.
type shellExecTool struct {
	guard   *guardrail.Guardrail
	timeout time.Duration
}

type shellExecInput struct {
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
}

func (t *shellExecTool) Name() string        { return NameShellExec }
func (t *shellExecTool) Description() string { return "Execute a guarded shell command within the workspace" }

func (t *shellExecTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"command": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Command and arguments to run",
		},
		"cwd": map[string]any{"type": "string", "description": "Optional working directory relative to the workspace"},
	}, []string{"command"})
}

func (t *shellExecTool) Run(ctx context.Context, payload json.RawMessage) (Result, error) {
	var in shellExecInput
	if err := decodeInput(t.Name(), payload, &in); err != nil {
		return Result{}, err
	}

	if err := t.guard.CheckCommand(in.Command); err != nil {
		return Result{}, err
	}
	cwd := in.Cwd
	if cwd == "" {
		cwd = "."
	}
	workingDir, err := t.guard.ResolvePath(cwd)
	if err != nil {
		return Result{}, err
	}

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, in.Command[0], in.Command[1:]...)
	cmd.Dir = workingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		detail := runErr.Error()
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			detail = fmt.Sprintf("exit code %d", exitCode)
		}
		if runCtx.Err() == context.DeadlineExceeded {
			detail = fmt.Sprintf("timed out after %s", t.timeout)
		}
		return Result{}, &ExecError{
			Tool:     t.Name(),
			Detail:   detail,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode,
		}
	}

	return Result{
		Status: "ok",
		Details: map[string]any{
			"command": in.Command,
			"cwd":     workingDir,
			"stdout":  stdout.String(),
			"stderr":  stderr.String(),
		},
	}, nil
}
