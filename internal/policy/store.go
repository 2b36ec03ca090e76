// Package policy loads declarative rule documents and enforces
// per-run budgets. Rule data is hot-reloadable: Reload replaces all
// three documents atomically and resets the budget counters without
// disrupting in-flight authorization checks.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// defaultAllowedCommands matches the built-in command allowlist used
// when tools.yaml does not configure one.
var defaultAllowedCommands = []string{"ls", "cat", "python", "pytest", "rg", "git", "git status"}

// Violation is returned when a policy constraint is violated. It is
// never downgraded: callers surface it and audit it.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s): %s", v.Rule, v.Detail)
}

// Store holds the live rule documents and budget counters. One mutex
// spans every read-modify-write so that a reload cannot race a
// check-then-act budget decision.
type Store struct {
	dir    string
	logger *zap.Logger

	mu         sync.Mutex
	tools      ToolsDocument
	network    NetworkDocument
	paths      PathsDocument
	toolCalls  int
	tokenUsage int
}

// NewStore loads the policy directory and returns a ready store.
// Missing documents yield empty rule sets; malformed YAML is an error.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{dir: dir, logger: logger.Named("policy")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-parses all three documents and replaces the rule data
// atomically. Budget counters reset to zero. On a parse error the
// previous rules and counters are left untouched.
func (s *Store) Reload() error {
	var (
		tools   ToolsDocument
		network NetworkDocument
		paths   PathsDocument
	)
	if err := loadDocument(filepath.Join(s.dir, ToolsFile), &tools); err != nil {
		return fmt.Errorf("failed to load %s: %w", ToolsFile, err)
	}
	if err := loadDocument(filepath.Join(s.dir, NetworkFile), &network); err != nil {
		return fmt.Errorf("failed to load %s: %w", NetworkFile, err)
	}
	if err := loadDocument(filepath.Join(s.dir, PathsFile), &paths); err != nil {
		return fmt.Errorf("failed to load %s: %w", PathsFile, err)
	}

	s.mu.Lock()
	s.tools = tools
	s.network = network
	s.paths = paths
	s.toolCalls = 0
	s.tokenUsage = 0
	s.mu.Unlock()

	s.logger.Info("policy reloaded", zap.String("dir", s.dir))
	return nil
}

func loadDocument(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // absent file is an empty rule set
		}
		return err
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), kyaml.Parser()); err != nil {
		return err
	}
	return k.Unmarshal("", out)
}

// AuthorizeTool counts one tool call and fails if the run's tool-call
// budget is exceeded or the tool is not on the role's allowlist. The
// increment is deliberate even when the call is rejected: rejected
// attempts consume budget, matching the enforcement semantics.
func (s *Store) AuthorizeTool(role, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.toolCalls++
	if limit := s.tools.maxToolCalls(); limit > 0 && s.toolCalls > limit {
		return &Violation{
			Rule:   "max_tool_calls",
			Detail: fmt.Sprintf("tool budget exceeded (%d/%d) while calling %s", s.toolCalls, limit, tool),
		}
	}

	allowed := s.tools.Agents[role].AllowedTools
	if len(allowed) > 0 && !contains(allowed, tool) {
		return &Violation{
			Rule:   "allowed_tools",
			Detail: fmt.Sprintf("tool %s not permitted for role %s", tool, role),
		}
	}
	return nil
}

// RecordTokens accumulates token usage and fails once the token
// budget is exceeded. Accumulate-then-check, under the same lock as
// AuthorizeTool.
func (s *Store) RecordTokens(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokenUsage += n
	if limit := s.tools.maxTokens(); limit > 0 && s.tokenUsage > limit {
		return &Violation{
			Rule:   "max_tokens",
			Detail: fmt.Sprintf("token budget exceeded (%d/%d)", s.tokenUsage, limit),
		}
	}
	return nil
}

// AllowedCommands returns the command-prefix allowlist. The
// AGENTD_ALLOWED_COMMANDS environment variable (comma-separated)
// overrides policy for operator experiments.
func (s *Store) AllowedCommands() []string {
	if override := os.Getenv("AGENTD_ALLOWED_COMMANDS"); override != "" {
		var commands []string
		for _, entry := range strings.Split(override, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				commands = append(commands, entry)
			}
		}
		return commands
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tools.Defaults.AllowedCommands) > 0 {
		return append([]string(nil), s.tools.Defaults.AllowedCommands...)
	}
	return append([]string(nil), defaultAllowedCommands...)
}

// AllowNetwork reports whether shell commands may reach the network.
// Absent network.yaml (or an absent allow_net key) permits it.
func (s *Store) AllowNetwork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.network.AllowNet == nil {
		return true
	}
	return *s.network.AllowNet
}

func (s *Store) AllowedHosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.network.AllowedHosts...)
}

func (s *Store) BlockedHosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.network.BlockedHosts...)
}

func (s *Store) AllowedGlobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths.AllowedGlobs...)
}

func (s *Store) BlockedGlobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths.BlockedGlobs...)
}

// Validate reports which policy documents are present and non-empty.
func (s *Store) Validate() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]bool{
		ToolsFile:   len(s.tools.Agents) > 0 || s.tools.maxToolCalls() > 0 || s.tools.maxTokens() > 0 || len(s.tools.Defaults.AllowedCommands) > 0,
		NetworkFile: s.network.AllowNet != nil || len(s.network.AllowedHosts) > 0 || len(s.network.BlockedHosts) > 0,
		PathsFile:   len(s.paths.AllowedGlobs) > 0 || len(s.paths.BlockedGlobs) > 0,
	}
}

// Usage returns a snapshot of budget consumption for reporting.
func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{
		ToolCalls:    s.toolCalls,
		MaxToolCalls: s.tools.maxToolCalls(),
		Tokens:       s.tokenUsage,
		MaxTokens:    s.tools.maxTokens(),
	}
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
