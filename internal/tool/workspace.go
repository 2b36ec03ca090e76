package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/guardrail"
	"github.com/fyrsmithlabs/agentd/internal/policy"
)

// readFileTool reads a UTF-8 file inside the workspace.
type readFileTool struct {
	guard *guardrail.Guardrail
}

type readFileInput struct {
	Path string `json:"path"`
}

func (t *readFileTool) Name() string        { return NameReadFile }
func (t *readFileTool) Description() string { return "Read the contents of a file within the workspace" }

func (t *readFileTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Relative path under the workspace"},
	}, []string{"path"})
}

func (t *readFileTool) Run(ctx context.Context, payload json.RawMessage) (Result, error) {
	var in readFileInput
	if err := decodeInput(t.Name(), payload, &in); err != nil {
		return Result{}, err
	}
	if in.Path == "" {
		return Result{}, &ExecError{Tool: t.Name(), Detail: "path is required"}
	}
	resolved, err := t.guard.ResolvePath(in.Path)
	if err != nil {
		return Result{}, err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return Result{}, &ExecError{Tool: t.Name(), Detail: fmt.Sprintf("read %s: %v", in.Path, err)}
	}
	return Result{
		Status:  "ok",
		Details: map[string]any{"path": resolved, "content": string(content)},
	}, nil
}

// writeFileTool writes text to a file inside the workspace.
type writeFileTool struct {
	guard *guardrail.Guardrail
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *writeFileTool) Name() string        { return NameWriteFile }
func (t *writeFileTool) Description() string { return "Write text to a file within the workspace" }

func (t *writeFileTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"path":    map[string]any{"type": "string", "description": "Relative path under the workspace"},
		"content": map[string]any{"type": "string", "description": "UTF-8 text content"},
	}, []string{"path", "content"})
}

func (t *writeFileTool) Run(ctx context.Context, payload json.RawMessage) (Result, error) {
	var in writeFileInput
	if err := decodeInput(t.Name(), payload, &in); err != nil {
		return Result{}, err
	}
	if in.Path == "" {
		return Result{}, &ExecError{Tool: t.Name(), Detail: "path is required"}
	}
	resolved, err := t.guard.ResolvePath(in.Path)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Result{}, &ExecError{Tool: t.Name(), Detail: fmt.Sprintf("create parent for %s: %v", in.Path, err)}
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return Result{}, &ExecError{Tool: t.Name(), Detail: fmt.Sprintf("write %s: %v", in.Path, err)}
	}
	return Result{
		Status:  "ok",
		Details: map[string]any{"path": resolved, "bytes": len(in.Content)},
	}, nil
}

// repoSummaryTool summarizes the workspace tree. Files that fail the
// path guardrail are skipped rather than failing the summary.
type repoSummaryTool struct {
	guard *guardrail.Guardrail
}

type repoSummaryInput struct {
	MaxFiles int `json:"max_files"`
}

func (t *repoSummaryTool) Name() string        { return NameRepoSummary }
func (t *repoSummaryTool) Description() string { return "Generate a quick summary of the repository tree" }

func (t *repoSummaryTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"max_files": map[string]any{"type": "integer", "description": "Maximum number of files to index (default 200)"},
	}, nil)
}

func (t *repoSummaryTool) Run(ctx context.Context, payload json.RawMessage) (Result, error) {
	var in repoSummaryInput
	if err := decodeInput(t.Name(), payload, &in); err != nil {
		return Result{}, err
	}
	maxFiles := in.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 200
	}
	if maxFiles > 2000 {
		return Result{}, &ExecError{Tool: t.Name(), Detail: "max_files must be at most 2000"}
	}

	workspace := t.guard.Workspace()
	var files []string
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			return nil
		}
		if _, guardErr := t.guard.ResolvePath(rel); guardErr != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= maxFiles {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return Result{}, &ExecError{Tool: t.Name(), Detail: fmt.Sprintf("walk workspace: %v", err)}
	}

	digest := sha256.Sum256([]byte(strings.Join(files, "\n")))
	examples := files
	if len(examples) > 10 {
		examples = examples[:10]
	}
	return Result{
		Status: "ok",
		Details: map[string]any{
			"files_indexed": len(files),
			"digest":        hex.EncodeToString(digest[:])[:16],
			"examples":      examples,
		},
	}, nil
}

// statusTool reports workspace and policy context.
type statusTool struct {
	guard    *guardrail.Guardrail
	policies *policy.Store
}

type statusInput struct{}

func (t *statusTool) Name() string        { return NameStatus }
func (t *statusTool) Description() string { return "Summarize workspace and policy context" }

func (t *statusTool) Parameters() map[string]any {
	return objectSchema(map[string]any{}, nil)
}

func (t *statusTool) Run(ctx context.Context, payload json.RawMessage) (Result, error) {
	var in statusInput
	if err := decodeInput(t.Name(), payload, &in); err != nil {
		return Result{}, err
	}
	usage := t.policies.Usage()
	return Result{
		Status: "ok",
		Details: map[string]any{
			"workspace":  t.guard.Workspace(),
			"allow_net":  t.policies.AllowNetwork(),
			"tool_calls": usage.ToolCalls,
			"tokens":     usage.Tokens,
		},
	}, nil
}

func objectSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
