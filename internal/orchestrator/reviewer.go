package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

const reviewerPrompt = "You are the reviewer in a Planner -> Executor -> Reviewer workflow.\n" +
	"Goal: %s\n" +
	"Plan Steps: %s\n" +
	"Observations: %s\n" +
	"Provide a PASS/RETRY verdict. If RETRY, outline the corrective action."

// review validates the executor's output and records a verdict. The
// review artifact lives under a fixed name and is overwritten on each
// review, never appended.
func (o *Orchestrator) review(ctx context.Context, session *Session) (map[string]any, error) {
	prompt := fmt.Sprintf(reviewerPrompt,
		session.Goal,
		renderList(session.PlanSteps),
		renderList(session.Observations))

	response, err := o.ask(ctx, roleReviewer, prompt)
	if err != nil {
		return nil, fmt.Errorf("review failed: %w", err)
	}

	session.Summary = &response
	verdict := "REVIEW"
	if strings.Contains(strings.ToUpper(response), "PASS") {
		verdict = "PASS"
	}

	payload := map[string]any{
		"goal":    session.Goal,
		"verdict": verdict,
		"summary": response,
	}
	if err := o.store.AppendEvent("review_summary", payload); err != nil {
		return nil, err
	}
	if err := o.store.SaveCheckpoint(stageReview, payload); err != nil {
		return nil, err
	}
	if err := o.store.SaveCheckpoint(stageSession, session); err != nil {
		return nil, err
	}
	return payload, nil
}

func renderList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "\n%d. %s", i+1, item)
	}
	return b.String()
}
