package policy

// Document file names expected inside the policy directory. A missing
// file is an empty rule set; a malformed file is a load error.
const (
	ToolsFile   = "tools.yaml"
	NetworkFile = "network.yaml"
	PathsFile   = "paths.yaml"
)

// Limits holds per-run budget ceilings. Zero means unlimited.
type Limits struct {
	MaxToolCalls int `koanf:"max_tool_calls"`
	MaxTokens    int `koanf:"max_tokens"`
}

// Defaults holds fallback budgets and the allowed command prefixes.
type Defaults struct {
	MaxToolCalls    int      `koanf:"max_tool_calls"`
	MaxTokens       int      `koanf:"max_tokens"`
	AllowedCommands []string `koanf:"allowed_commands"`
}

// RoleRules restricts which tools a given role may invoke. An empty
// allowlist permits every catalog tool.
type RoleRules struct {
	AllowedTools []string `koanf:"allowed_tools"`
}

// ToolsDocument is the tool/budget policy (tools.yaml).
type ToolsDocument struct {
	Defaults Defaults             `koanf:"defaults"`
	Budgets  Limits               `koanf:"budgets"`
	Agents   map[string]RoleRules `koanf:"agents"`
}

// maxToolCalls resolves the effective tool-call budget: explicit
// budgets win, then defaults.
func (d ToolsDocument) maxToolCalls() int {
	if d.Budgets.MaxToolCalls > 0 {
		return d.Budgets.MaxToolCalls
	}
	return d.Defaults.MaxToolCalls
}

func (d ToolsDocument) maxTokens() int {
	if d.Budgets.MaxTokens > 0 {
		return d.Budgets.MaxTokens
	}
	return d.Defaults.MaxTokens
}

// NetworkDocument is the network policy (network.yaml). AllowNet is a
// tri-state: absent means allowed.
type NetworkDocument struct {
	AllowNet     *bool    `koanf:"allow_net"`
	AllowedHosts []string `koanf:"allowed_hosts"`
	BlockedHosts []string `koanf:"blocked_hosts"`
}

// PathsDocument is the path policy (paths.yaml).
type PathsDocument struct {
	AllowedGlobs []string `koanf:"allowed_globs"`
	BlockedGlobs []string `koanf:"blocked_globs"`
}

// Usage is a point-in-time snapshot of budget consumption.
type Usage struct {
	ToolCalls    int `json:"tool_calls"`
	MaxToolCalls int `json:"max_tool_calls"`
	Tokens       int `json:"tokens"`
	MaxTokens    int `json:"max_tokens"`
}
