package tool

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/agentd/internal/guardrail"
	"github.com/fyrsmithlabs/agentd/internal/policy"
)

// Catalog is the closed registry of local tools, keyed by name.
type Catalog struct {
	tools map[string]Tool
}

// NewCatalog builds the catalog. shellTimeout bounds each shell_exec
// invocation; zero means no timeout.
func NewCatalog(guard *guardrail.Guardrail, policies *policy.Store, shellTimeout time.Duration) *Catalog {
	registered := []Tool{
		&readFileTool{guard: guard},
		&writeFileTool{guard: guard},
		&shellExecTool{guard: guard, timeout: shellTimeout},
		&repoSummaryTool{guard: guard},
		&statusTool{guard: guard, policies: policies},
	}
	tools := make(map[string]Tool, len(registered))
	for _, t := range registered {
		tools[t.Name()] = t
	}
	return &Catalog{tools: tools}
}

// Get returns the named tool.
func (c *Catalog) Get(name string) (Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Names returns all tool names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions describes every tool for model tool-calling round-trips.
func (c *Catalog) Definitions() []Definition {
	defs := make([]Definition, 0, len(c.tools))
	for _, name := range c.Names() {
		t := c.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}
