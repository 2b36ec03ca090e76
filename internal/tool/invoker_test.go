package tool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/guardrail"
	"github.com/fyrsmithlabs/agentd/internal/policy"
	"github.com/fyrsmithlabs/agentd/internal/state"
)

type invokerFixture struct {
	invoker   *Invoker
	store     *state.Store
	policies  *policy.Store
	workspace string
}

func newFixture(t *testing.T, policyDocs map[string]string) *invokerFixture {
	t.Helper()

	policyDir := t.TempDir()
	for name, content := range policyDocs {
		require.NoError(t, os.WriteFile(filepath.Join(policyDir, name), []byte(content), 0o644))
	}
	policies, err := policy.NewStore(policyDir, zap.NewNop())
	require.NoError(t, err)

	store, err := state.New(t.TempDir(), "test-run", nil, zap.NewNop())
	require.NoError(t, err)

	workspace := t.TempDir()
	guard := guardrail.New(workspace, policies)
	catalog := NewCatalog(guard, policies, 5*time.Second)

	return &invokerFixture{
		invoker:   NewInvoker(catalog, policies, store, zap.NewNop()),
		store:     store,
		policies:  policies,
		workspace: workspace,
	}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func eventKinds(t *testing.T, store *state.Store) []string {
	t.Helper()
	events, err := state.ReadEvents(store.Root(), store.RunID(), 0)
	require.NoError(t, err)
	kinds := make([]string, 0, len(events))
	for _, event := range events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func TestInvokeReadWrite(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	result, err := f.invoker.Invoke(ctx, "executor", NameWriteFile, payload(t, map[string]string{
		"path":    "notes/plan.txt",
		"content": "step one",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)

	result, err = f.invoker.Invoke(ctx, "executor", NameReadFile, payload(t, map[string]string{
		"path": "notes/plan.txt",
	}))
	require.NoError(t, err)
	assert.Equal(t, "step one", result.Details["content"])

	kinds := eventKinds(t, f.store)
	assert.Contains(t, kinds, "tool_invocation_start")
	assert.Contains(t, kinds, "tool_invocation_complete")

	metrics := f.store.MetricsSnapshot()
	assert.Equal(t, 1, metrics.Tools[NameWriteFile].Calls)
	assert.Equal(t, 1, metrics.Tools[NameReadFile].Calls)
}

func TestInvokePolicyViolation(t *testing.T) {
	f := newFixture(t, map[string]string{
		policy.ToolsFile: "budgets:\n  max_tool_calls: 1\n",
	})
	ctx := context.Background()

	_, err := f.invoker.Invoke(ctx, "executor", NameStatus, nil)
	require.NoError(t, err)

	_, err = f.invoker.Invoke(ctx, "executor", NameStatus, nil)
	require.Error(t, err)
	var violation *policy.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "max_tool_calls", violation.Rule)

	kinds := eventKinds(t, f.store)
	assert.Contains(t, kinds, "policy_violation")
	assert.Equal(t, 1, f.store.MetricsSnapshot().Errors["policy_violation"])
}

func TestInvokeGuardrailViolation(t *testing.T) {
	f := newFixture(t, map[string]string{
		policy.PathsFile: "blocked_globs: ['secret/**']\n",
	})

	_, err := f.invoker.Invoke(context.Background(), "executor", NameReadFile, payload(t, map[string]string{
		"path": "secret/token.txt",
	}))
	require.Error(t, err)
	var violation *guardrail.Violation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "blocked_globs", violation.Check)

	assert.Contains(t, eventKinds(t, f.store), "guardrail_violation")
}

func TestInvokeUnknownTool(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.invoker.Invoke(context.Background(), "executor", "workspace.teleport", nil)
	require.Error(t, err)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, execErr.Detail, "unknown tool")
	assert.Contains(t, eventKinds(t, f.store), "tool_invocation_error")
}

func TestShellExec(t *testing.T) {
	t.Run("allowed command runs in the workspace", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "hello.txt"), []byte("hi"), 0o644))

		result, err := f.invoker.Invoke(context.Background(), "executor", NameShellExec, payload(t, map[string]any{
			"command": []string{"cat", "hello.txt"},
		}))
		require.NoError(t, err)
		assert.Equal(t, "hi", result.Details["stdout"])
		assert.Equal(t, f.workspace, result.Details["cwd"])
	})

	t.Run("disallowed command is a guardrail violation", func(t *testing.T) {
		f := newFixture(t, nil)

		_, err := f.invoker.Invoke(context.Background(), "executor", NameShellExec, payload(t, map[string]any{
			"command": []string{"rm", "-rf", "."},
		}))
		require.Error(t, err)
		var violation *guardrail.Violation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "allowed_commands", violation.Check)
	})

	t.Run("nonzero exit carries structured detail", func(t *testing.T) {
		f := newFixture(t, nil)

		_, err := f.invoker.Invoke(context.Background(), "executor", NameShellExec, payload(t, map[string]any{
			"command": []string{"ls", "/definitely/not/here"},
		}))
		require.Error(t, err)
		var execErr *ExecError
		require.ErrorAs(t, err, &execErr)
		assert.NotZero(t, execErr.ExitCode)
		assert.NotEmpty(t, execErr.Stderr)
	})

	t.Run("unknown payload field rejected", func(t *testing.T) {
		f := newFixture(t, nil)

		_, err := f.invoker.Invoke(context.Background(), "executor", NameShellExec, payload(t, map[string]any{
			"command": []string{"ls"},
			"shell":   true,
		}))
		require.Error(t, err)
		var execErr *ExecError
		require.ErrorAs(t, err, &execErr)
		assert.Contains(t, execErr.Detail, "invalid input")
	})
}

func TestRepoSummary(t *testing.T) {
	f := newFixture(t, map[string]string{
		policy.PathsFile: "blocked_globs: ['secret/**']\n",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(f.workspace, "secret"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "secret", "key.pem"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.workspace, "main.go"), []byte("package main"), 0o644))

	result, err := f.invoker.Invoke(context.Background(), "executor", NameRepoSummary, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Details["files_indexed"])
	assert.Equal(t, []string{"main.go"}, result.Details["examples"])
	assert.Len(t, result.Details["digest"], 16)
}

func TestStatusTool(t *testing.T) {
	f := newFixture(t, map[string]string{
		policy.NetworkFile: "allow_net: false\n",
	})

	result, err := f.invoker.Invoke(context.Background(), "executor", NameStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, false, result.Details["allow_net"])
	assert.Equal(t, f.workspace, result.Details["workspace"])
}

func TestInvokeEmptyArguments(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.invoker.Invoke(context.Background(), "executor", NameStatus, json.RawMessage(""))
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Status)
	assert.Contains(t, eventKinds(t, f.store), "tool_invocation_start")
}

func TestCatalogDefinitions(t *testing.T) {
	policies, err := policy.NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	catalog := NewCatalog(guardrail.New(t.TempDir(), policies), policies, 0)

	assert.Equal(t, []string{
		NameReadFile,
		NameRepoSummary,
		NameShellExec,
		NameStatus,
		NameWriteFile,
	}, catalog.Names())

	defs := catalog.Definitions()
	require.Len(t, defs, 5)
	for _, def := range defs {
		assert.NotEmpty(t, def.Description)
		assert.Equal(t, "object", def.Parameters["type"])
	}
}
