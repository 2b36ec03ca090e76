// Package guardrail validates filesystem paths and shell commands
// against the live policy before any side-effecting action is taken.
// Checks are pure functions of current policy state.
package guardrail

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fyrsmithlabs/agentd/internal/policy"
)

// Violation is returned when a guardrail check fails. It is raised
// before the filesystem or process action is attempted.
type Violation struct {
	Check  string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation (%s): %s", v.Check, v.Detail)
}

// Guardrail checks candidate paths and commands. It holds no state of
// its own beyond the workspace root and the policy store handle.
type Guardrail struct {
	workspace string
	policies  *policy.Store
}

// New creates a guardrail rooted at workspace.
func New(workspace string, policies *policy.Store) *Guardrail {
	return &Guardrail{workspace: canonicalize(filepath.Clean(workspace)), policies: policies}
}

// Workspace returns the canonical workspace root.
func (g *Guardrail) Workspace() string {
	return g.workspace
}

// ResolvePath joins candidate against the workspace root and fails if
// the result escapes the workspace, matches a blocked glob, or misses
// a non-empty allowlist. Symlinks are resolved before the containment
// check so a link inside the workspace cannot reach outside it.
// Returns the absolute resolved path.
func (g *Guardrail) ResolvePath(candidate string) (string, error) {
	joined := candidate
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(g.workspace, joined)
	}
	resolved := canonicalize(filepath.Clean(joined))

	rel, err := filepath.Rel(g.workspace, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Violation{Check: "workspace", Detail: fmt.Sprintf("path escape detected: %s", resolved)}
	}

	// The workspace root itself is always reachable.
	if rel == "." {
		return resolved, nil
	}

	relSlash := filepath.ToSlash(rel)
	for _, pattern := range g.policies.BlockedGlobs() {
		if matchGlob(pattern, relSlash) {
			return "", &Violation{Check: "blocked_globs", Detail: fmt.Sprintf("path %s blocked by policy", relSlash)}
		}
	}

	if allowed := g.policies.AllowedGlobs(); len(allowed) > 0 {
		permitted := false
		for _, pattern := range allowed {
			if matchGlob(pattern, relSlash) {
				permitted = true
				break
			}
		}
		if !permitted {
			return "", &Violation{Check: "allowed_globs", Detail: fmt.Sprintf("path %s not in allowed patterns", relSlash)}
		}
	}

	return resolved, nil
}

// CheckCommand fails unless some allowed-command entry is a
// whitespace-tokenized prefix of tokens; the whole entry must match,
// not just the first token, so "git status" permits `git status -s`
// but not `git commit`. When network policy disallows network access,
// any token with an http prefix is rejected.
func (g *Guardrail) CheckCommand(tokens []string) error {
	if len(tokens) == 0 {
		return &Violation{Check: "command", Detail: "empty command"}
	}

	if !g.commandAllowed(tokens) {
		return &Violation{Check: "allowed_commands", Detail: fmt.Sprintf("command %q is not allowed", tokens[0])}
	}

	if !g.policies.AllowNetwork() {
		for _, token := range tokens {
			if strings.HasPrefix(token, "http") {
				return &Violation{Check: "network", Detail: "network call blocked by policy"}
			}
		}
	}
	return nil
}

func (g *Guardrail) commandAllowed(tokens []string) bool {
	for _, entry := range g.policies.AllowedCommands() {
		prefix := strings.Fields(entry)
		if len(prefix) == 0 || len(prefix) > len(tokens) {
			continue
		}
		if equalPrefix(tokens, prefix) {
			return true
		}
	}
	return false
}

func equalPrefix(tokens, prefix []string) bool {
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}

// canonicalize resolves symlinks through the nearest existing
// ancestor, so paths that do not exist yet still canonicalize against
// the real directory they would be created in.
func canonicalize(path string) string {
	suffix := ""
	current := path
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(real, suffix)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

// matchGlob treats an invalid pattern as a non-match rather than an
// enforcement failure.
func matchGlob(pattern, rel string) bool {
	ok, err := doublestar.Match(pattern, rel)
	return err == nil && ok
}
