package orchestrator

// Session tracks plan, execution notes, and summary for one run. It
// is the sole resumption source of truth: every mutation is followed
// by a "session" checkpoint write.
type Session struct {
	Goal         string   `json:"goal"`
	PlanSteps    []string `json:"plan_steps"`
	Observations []string `json:"observations"`
	Summary      *string  `json:"summary"`
	CurrentStep  int      `json:"current_step"`
}

// Done reports whether every plan step has executed.
func (s *Session) Done() bool {
	return len(s.PlanSteps) > 0 && s.CurrentStep >= len(s.PlanSteps)
}

// Reviewed reports whether the reviewer has produced a summary.
func (s *Session) Reviewed() bool {
	return s.Summary != nil
}
