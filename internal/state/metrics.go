package state

// ToolMetric accumulates per-tool invocation statistics.
type ToolMetric struct {
	Calls        int     `json:"calls"`
	Errors       int     `json:"errors"`
	TotalLatency float64 `json:"total_latency"`
}

// TokenMetric accumulates per-actor token usage.
type TokenMetric struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Metrics is the full metrics document, rewritten on every mutation
// so external readers always observe a consistent snapshot.
type Metrics struct {
	Tools  map[string]*ToolMetric  `json:"tools"`
	Tokens map[string]*TokenMetric `json:"tokens"`
	Errors map[string]int          `json:"errors"`
	Events int                     `json:"events"`
}

func newMetrics() Metrics {
	return Metrics{
		Tools:  make(map[string]*ToolMetric),
		Tokens: make(map[string]*TokenMetric),
		Errors: make(map[string]int),
	}
}

// clone deep-copies the metrics for snapshot readers.
func (m Metrics) clone() Metrics {
	out := newMetrics()
	out.Events = m.Events
	for name, tm := range m.Tools {
		copied := *tm
		out.Tools[name] = &copied
	}
	for actor, tm := range m.Tokens {
		copied := *tm
		out.Tokens[actor] = &copied
	}
	for kind, count := range m.Errors {
		out.Errors[kind] = count
	}
	return out
}
