package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// stepPattern matches numbered ("1." / "2)") and dashed list lines.
// The separator stays on the marker's own line so an empty-bodied
// item cannot swallow the step that follows it.
var stepPattern = regexp.MustCompile(`(?m)^(?:\d+[.)]|-)[^\S\n]+(.*)$`)

const plannerPrompt = "You are the planning module in a Planner -> Executor -> Reviewer workflow. " +
	"Break the user's goal into 3-7 numbered steps. Each step should be actionable, " +
	"reference the tools you expect to use, and specify completion criteria.\n\n" +
	"Goal:\n%s\n\nSteps:"

// plan asks the backend for a sequenced plan and starts a fresh
// session from it. The plan and the session are both checkpointed
// before the session is returned.
func (o *Orchestrator) plan(ctx context.Context, goal string) (*Session, error) {
	response, err := o.ask(ctx, rolePlanner, fmt.Sprintf(plannerPrompt, goal))
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}

	steps := extractSteps(response)
	session := &Session{Goal: goal, PlanSteps: steps, Observations: []string{}}

	payload := map[string]any{"goal": goal, "steps": steps}
	if err := o.store.AppendEvent("plan_created", payload); err != nil {
		return nil, err
	}
	if err := o.store.SaveCheckpoint(stagePlan, payload); err != nil {
		return nil, err
	}
	if err := o.store.SaveCheckpoint(stageSession, session); err != nil {
		return nil, err
	}
	return session, nil
}

// extractSteps pulls list items out of the model's plan text. When no
// numbered or dashed lines are found the whole response becomes a
// single step; an empty response degrades to reviewing the goal.
func extractSteps(raw string) []string {
	matches := stepPattern.FindAllStringSubmatch(raw, -1)
	steps := make([]string, 0, len(matches))
	for _, m := range matches {
		if step := strings.TrimSpace(m[1]); step != "" {
			steps = append(steps, step)
		}
	}
	if len(steps) > 0 {
		return steps
	}
	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		return []string{trimmed}
	}
	return []string{"Review goal"}
}
