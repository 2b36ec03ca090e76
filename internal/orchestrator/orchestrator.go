// Package orchestrator drives the plan -> execute -> review loop over
// a checkpointed session, so an interrupted run resumes from the last
// completed step instead of starting over.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/policy"
	"github.com/fyrsmithlabs/agentd/internal/state"
	"github.com/fyrsmithlabs/agentd/internal/tool"
)

// Checkpoint stage names.
const (
	stagePlan      = "plan"
	stageSession   = "session"
	stageExecution = "execution"
	stageReview    = "review"
)

// Agent role names used in audit events and token accounting.
const (
	rolePlanner  = "planner"
	roleExecutor = "executor"
	roleReviewer = "reviewer"
)

// reviewArtifact is the fixed artifact name the latest review is
// written under.
const reviewArtifact = "latest_review"

// ErrNoCheckpoint is returned by Resume when the run has no session
// checkpoint to resume from.
var ErrNoCheckpoint = errors.New("no session checkpoint available for this run")

// defaultMaxToolRounds bounds the executor's per-step tool loop when
// the configuration does not.
const defaultMaxToolRounds = 4

// Orchestrator coordinates the planner, executor, and reviewer roles
// for a single run. It is not safe for concurrent use; the loop is
// sequential by design because plan steps may depend on each other.
type Orchestrator struct {
	client        *llm.Client
	store         *state.Store
	policies      *policy.Store
	invoker       *tool.Invoker
	catalog       *tool.Catalog
	logger        *zap.Logger
	maxToolRounds int
}

// New wires an orchestrator over an existing run's state store.
func New(cfg config.ExecutorConfig, client *llm.Client, store *state.Store, policies *policy.Store, invoker *tool.Invoker, catalog *tool.Catalog, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}
	return &Orchestrator{
		client:        client,
		store:         store,
		policies:      policies,
		invoker:       invoker,
		catalog:       catalog,
		logger:        logger.Named("orchestrator"),
		maxToolRounds: maxRounds,
	}
}

// Run executes a fresh plan/execute/review cycle for the goal.
func (o *Orchestrator) Run(ctx context.Context, goal string) error {
	o.logger.Info("starting run",
		zap.String("run_id", o.store.RunID()), zap.String("goal", goal))

	if err := o.store.AppendEvent("run_started", map[string]any{
		"run_id": o.store.RunID(),
		"goal":   goal,
	}); err != nil {
		return err
	}

	session, err := o.plan(ctx, goal)
	if err != nil {
		return err
	}
	if err := o.execute(ctx, session); err != nil {
		return err
	}
	return o.finishReview(ctx, session)
}

// Resume continues an interrupted run from its session checkpoint.
// Execution restarts exactly at the session's current step; steps
// that already completed are never re-run. Resuming a finished run
// only re-emits the review.
func (o *Orchestrator) Resume(ctx context.Context) error {
	var session Session
	found, err := o.store.LoadCheckpoint(stageSession, &session)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoCheckpoint
	}

	o.logger.Info("resuming run",
		zap.String("run_id", o.store.RunID()),
		zap.Int("current_step", session.CurrentStep),
		zap.Int("plan_steps", len(session.PlanSteps)))

	current := &session
	if len(current.PlanSteps) == 0 {
		goal := current.Goal
		if goal == "" {
			goal = "Review goal"
		}
		current, err = o.plan(ctx, goal)
		if err != nil {
			return err
		}
	}
	if current.CurrentStep < len(current.PlanSteps) {
		if err := o.execute(ctx, current); err != nil {
			return err
		}
	}
	if !current.Reviewed() {
		return o.finishReview(ctx, current)
	}
	return nil
}

func (o *Orchestrator) finishReview(ctx context.Context, session *Session) error {
	payload, err := o.review(ctx, session)
	if err != nil {
		return err
	}
	if _, err := o.store.WriteArtifact(reviewArtifact, payload); err != nil {
		return fmt.Errorf("failed to persist review: %w", err)
	}
	return nil
}

// ask performs one plain prompt/response round-trip for a role, with
// the prompt and response audited and token usage recorded.
func (o *Orchestrator) ask(ctx context.Context, role, prompt string) (string, error) {
	if err := o.store.AppendEvent("agent_prompt", map[string]any{
		"role":   role,
		"prompt": prompt,
	}); err != nil {
		return "", err
	}

	completion, err := o.client.Complete(ctx, "", prompt)
	if err != nil {
		return "", err
	}
	if err := o.recordUsage(role, completion.Usage); err != nil {
		return "", err
	}

	if err := o.store.AppendEvent("agent_response", map[string]any{
		"role":     role,
		"response": completion.Content,
	}); err != nil {
		return "", err
	}
	return completion.Content, nil
}

// recordUsage charges one completion's token usage to both the metrics
// store and the policy budget. A budget violation surfaces here and
// aborts the step that incurred it.
func (o *Orchestrator) recordUsage(role string, usage llm.Usage) error {
	if err := o.store.RecordTokens(role, usage.PromptTokens, usage.CompletionTokens); err != nil {
		return err
	}
	return o.policies.RecordTokens(usage.PromptTokens + usage.CompletionTokens)
}
