package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/llm"
)

const executorPrompt = "You are executing step %d of a plan for the goal: %s.\n" +
	"Step description: %s.\n" +
	"Use the available tools to perform the work, then describe the concrete actions " +
	"you performed, cite any tools used, and provide artifacts or file changes that resulted."

// execute walks the remaining plan steps starting at the session's
// current step. Each step is one model round-trip (plus a bounded
// tool-calling loop) whose result is appended as an observation; the
// session is checkpointed after every single step so a crash loses at
// most the in-flight step.
func (o *Orchestrator) execute(ctx context.Context, session *Session) error {
	for idx := session.CurrentStep; idx < len(session.PlanSteps); idx++ {
		step := session.PlanSteps[idx]
		observation, err := o.executeStep(ctx, session.Goal, idx+1, step)
		if err != nil {
			return fmt.Errorf("step %d failed: %w", idx+1, err)
		}

		session.Observations = append(session.Observations, observation)
		session.CurrentStep = idx + 1
		if err := o.store.SaveCheckpoint(stageSession, session); err != nil {
			return err
		}
	}

	if err := o.store.AppendEvent("execution_complete", map[string]any{
		"goal":            session.Goal,
		"observations":    session.Observations,
		"completed_steps": session.CurrentStep,
	}); err != nil {
		return err
	}
	return o.store.SaveCheckpoint(stageExecution, session)
}

// executeStep runs one plan step to completion. The model may request
// tool calls for up to maxToolRounds rounds; a failed tool call feeds
// its error text back to the model rather than aborting the step, so
// partial progress stays reviewable.
func (o *Orchestrator) executeStep(ctx context.Context, goal string, number int, step string) (string, error) {
	prompt := fmt.Sprintf(executorPrompt, number, goal, step)
	if err := o.store.AppendEvent("agent_prompt", map[string]any{
		"role":   roleExecutor,
		"prompt": prompt,
	}); err != nil {
		return "", err
	}

	messages := []llm.Message{{Role: "user", Content: prompt}}
	specs := o.toolSpecs()

	var completion *llm.Completion
	for round := 0; ; round++ {
		var tools []llm.ToolSpec
		if round < o.maxToolRounds {
			tools = specs
		}

		var err error
		completion, err = o.client.Chat(ctx, messages, tools)
		if err != nil {
			return "", err
		}
		if err := o.recordUsage(roleExecutor, completion.Usage); err != nil {
			return "", err
		}
		if len(completion.ToolCalls) == 0 {
			break
		}
		// Tools were withheld this round; a backend that still asks
		// for them does not get another round-trip.
		if round >= o.maxToolRounds {
			o.logger.Warn("tool round limit reached",
				zap.Int("max_tool_rounds", o.maxToolRounds),
				zap.Int("pending_tool_calls", len(completion.ToolCalls)))
			break
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		})
		for _, call := range completion.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    o.runToolCall(ctx, call),
			})
		}
	}

	if err := o.store.AppendEvent("agent_response", map[string]any{
		"role":     roleExecutor,
		"response": completion.Content,
	}); err != nil {
		return "", err
	}
	return completion.Content, nil
}

// runToolCall dispatches one model-requested tool call through the
// invoker and renders the outcome as the tool message content. Policy
// and guardrail rejections come back as error text for the model to
// react to; they are already audited by the invoker.
func (o *Orchestrator) runToolCall(ctx context.Context, call llm.ToolCall) string {
	result, err := o.invoker.Invoke(ctx, roleExecutor, call.Function.Name, json.RawMessage(call.Function.Arguments))
	if err != nil {
		o.logger.Warn("tool call failed",
			zap.String("tool", call.Function.Name), zap.Error(err))
		return fmt.Sprintf("tool %s failed: %v", call.Function.Name, err)
	}
	rendered, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("tool %s returned unencodable result: %v", call.Function.Name, err)
	}
	return string(rendered)
}

func (o *Orchestrator) toolSpecs() []llm.ToolSpec {
	defs := o.catalog.Definitions()
	specs := make([]llm.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, llm.ToolSpec{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return specs
}
