package guardrail

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/policy"
)

func newGuardrail(t *testing.T, policies map[string]string) *Guardrail {
	t.Helper()
	policyDir := t.TempDir()
	for name, content := range policies {
		require.NoError(t, os.WriteFile(filepath.Join(policyDir, name), []byte(content), 0o644))
	}
	store, err := policy.NewStore(policyDir, zap.NewNop())
	require.NoError(t, err)
	return New(t.TempDir(), store)
}

func TestResolvePath(t *testing.T) {
	t.Run("relative path roots under workspace", func(t *testing.T) {
		g := newGuardrail(t, nil)

		resolved, err := g.ResolvePath("notes.txt")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(g.Workspace(), "notes.txt"), resolved)
	})

	t.Run("workspace root is reachable", func(t *testing.T) {
		g := newGuardrail(t, nil)

		resolved, err := g.ResolvePath(".")
		require.NoError(t, err)
		assert.Equal(t, g.Workspace(), resolved)
	})

	t.Run("escape via dotdot fails", func(t *testing.T) {
		g := newGuardrail(t, nil)

		_, err := g.ResolvePath("../outside.txt")
		require.Error(t, err)
		var violation *Violation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "workspace", violation.Check)
	})

	t.Run("absolute path outside workspace fails", func(t *testing.T) {
		g := newGuardrail(t, nil)

		_, err := g.ResolvePath("/etc/passwd")
		assert.Error(t, err)
	})

	t.Run("escape via symlink fails", func(t *testing.T) {
		g := newGuardrail(t, nil)
		outside := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o600))
		require.NoError(t, os.Symlink(outside, filepath.Join(g.Workspace(), "link")))

		_, err := g.ResolvePath("link/secret.txt")
		require.Error(t, err)
		var violation *Violation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "workspace", violation.Check)
	})

	t.Run("symlink within the workspace resolves", func(t *testing.T) {
		g := newGuardrail(t, nil)
		require.NoError(t, os.MkdirAll(filepath.Join(g.Workspace(), "docs"), 0o755))
		require.NoError(t, os.Symlink(filepath.Join(g.Workspace(), "docs"), filepath.Join(g.Workspace(), "d")))

		resolved, err := g.ResolvePath("d/readme.md")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(g.Workspace(), "docs", "readme.md"), resolved)
	})

	t.Run("blocked glob", func(t *testing.T) {
		g := newGuardrail(t, map[string]string{
			policy.PathsFile: "blocked_globs: ['secret/**']\n",
		})

		_, err := g.ResolvePath("secret/data.txt")
		require.Error(t, err)
		var violation *Violation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "blocked_globs", violation.Check)

		resolved, err := g.ResolvePath("notes.txt")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(resolved, g.Workspace()))
	})

	t.Run("allowlist restricts when non-empty", func(t *testing.T) {
		g := newGuardrail(t, map[string]string{
			policy.PathsFile: "allowed_globs: ['docs/**']\n",
		})

		_, err := g.ResolvePath("docs/readme.md")
		assert.NoError(t, err)

		_, err = g.ResolvePath("src/main.go")
		require.Error(t, err)
		var violation *Violation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "allowed_globs", violation.Check)
	})

	t.Run("blocked wins over allowed", func(t *testing.T) {
		g := newGuardrail(t, map[string]string{
			policy.PathsFile: "allowed_globs: ['**']\nblocked_globs: ['secret/**']\n",
		})

		_, err := g.ResolvePath("secret/key.pem")
		assert.Error(t, err)
	})
}

func TestCheckCommand(t *testing.T) {
	t.Run("multi-word prefix must match whole entry", func(t *testing.T) {
		g := newGuardrail(t, map[string]string{
			policy.ToolsFile: "defaults:\n  allowed_commands: ['git status']\n",
		})

		assert.NoError(t, g.CheckCommand([]string{"git", "status"}))
		assert.NoError(t, g.CheckCommand([]string{"git", "status", "-s"}))
		assert.Error(t, g.CheckCommand([]string{"git", "commit"}))
		assert.Error(t, g.CheckCommand([]string{"git"}))
	})

	t.Run("single-word prefix permits arguments", func(t *testing.T) {
		g := newGuardrail(t, map[string]string{
			policy.ToolsFile: "defaults:\n  allowed_commands: ['ls']\n",
		})

		assert.NoError(t, g.CheckCommand([]string{"ls", "-la", "src"}))
		assert.Error(t, g.CheckCommand([]string{"rm", "-rf", "src"}))
	})

	t.Run("empty command fails", func(t *testing.T) {
		g := newGuardrail(t, nil)
		assert.Error(t, g.CheckCommand(nil))
	})

	t.Run("network tokens blocked when allow_net is false", func(t *testing.T) {
		g := newGuardrail(t, map[string]string{
			policy.ToolsFile:   "defaults:\n  allowed_commands: ['curl']\n",
			policy.NetworkFile: "allow_net: false\n",
		})

		err := g.CheckCommand([]string{"curl", "https://example.com"})
		require.Error(t, err)
		var violation *Violation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "network", violation.Check)

		assert.NoError(t, g.CheckCommand([]string{"curl", "--version"}))
	})
}
