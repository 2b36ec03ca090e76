// Package tool provides the local tool catalog and the audited
// invoker that dispatches tool calls under policy control.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Tool names exposed by the catalog. The set is closed and known at
// build time.
const (
	NameReadFile    = "workspace.read_file"
	NameWriteFile   = "workspace.write_file"
	NameShellExec   = "workspace.shell_exec"
	NameRepoSummary = "workspace.repo_summary"
	NameStatus      = "workspace.status"
)

// Result is a structured tool output.
type Result struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details"`
}

// ExecError is a tool's own execution failure. Shell failures carry
// the structured process output.
type ExecError struct {
	Tool     string
	Detail   string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Detail)
}

// Payload returns the structured error detail for auditing.
func (e *ExecError) Payload() map[string]any {
	payload := map[string]any{"tool": e.Tool, "error": e.Detail}
	if e.Stdout != "" || e.Stderr != "" || e.ExitCode != 0 {
		payload["stdout"] = e.Stdout
		payload["stderr"] = e.Stderr
		payload["exit_code"] = e.ExitCode
	}
	return payload
}

// Tool is one locally-executable tool. Run validates its own input
// against the declared parameter schema.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Run(ctx context.Context, payload json.RawMessage) (Result, error)
}

// Definition describes a tool in OpenAI function-definition shape,
// used for model round-trips that may call tools.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// decodeInput decodes a tool payload strictly: unknown fields are a
// validation failure.
func decodeInput(tool string, payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return &ExecError{Tool: tool, Detail: fmt.Sprintf("invalid input: %v", err)}
	}
	return nil
}
