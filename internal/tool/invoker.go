package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/guardrail"
	"github.com/fyrsmithlabs/agentd/internal/policy"
	"github.com/fyrsmithlabs/agentd/internal/state"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/tool"

// Invoker dispatches catalog tools with policy authorization, audit
// events and metrics. It never retries: tool side effects are not
// safely idempotent, so retry policy belongs to the caller.
type Invoker struct {
	catalog  *Catalog
	policies *policy.Store
	store    *state.Store
	logger   *zap.Logger

	meter          metric.Meter
	invokeCounter  metric.Int64Counter
	failureCounter metric.Int64Counter
}

// NewInvoker wires the invoker. The state store is the run's explicit
// audit handle.
func NewInvoker(catalog *Catalog, policies *policy.Store, store *state.Store, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &Invoker{
		catalog:  catalog,
		policies: policies,
		store:    store,
		logger:   logger.Named("tool"),
		meter:    otel.Meter(instrumentationName),
	}
	inv.initMetrics()
	return inv
}

func (inv *Invoker) initMetrics() {
	var err error
	inv.invokeCounter, err = inv.meter.Int64Counter(
		"agentd.tool.invocations_total",
		metric.WithDescription("Total number of tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		inv.logger.Warn("failed to create invocation counter", zap.Error(err))
	}
	inv.failureCounter, err = inv.meter.Int64Counter(
		"agentd.tool.failures_total",
		metric.WithDescription("Total number of failed tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		inv.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// Invoke runs one named tool call for the given role. Every outcome
// is audited and counted; failures surface to the caller unchanged.
// An audit write failure aborts the invocation: losing audit events
// is fatal to the run.
func (inv *Invoker) Invoke(ctx context.Context, role, name string, payload json.RawMessage) (Result, error) {
	// Some backends send no arguments at all for parameterless tools.
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := inv.store.AppendEvent("tool_invocation_start", map[string]any{
		"tool":    name,
		"role":    role,
		"payload": payload,
	}); err != nil {
		return Result{}, err
	}

	start := time.Now()

	if err := inv.policies.AuthorizeTool(role, name); err != nil {
		return Result{}, inv.fail(ctx, name, time.Since(start), err)
	}

	t, ok := inv.catalog.Get(name)
	if !ok {
		err := &ExecError{Tool: name, Detail: "unknown tool"}
		return Result{}, inv.fail(ctx, name, time.Since(start), err)
	}

	result, err := t.Run(ctx, payload)
	latency := time.Since(start)
	if err != nil {
		return Result{}, inv.fail(ctx, name, latency, err)
	}

	if auditErr := inv.store.AppendEvent("tool_invocation_complete", map[string]any{
		"tool":   name,
		"result": result,
	}); auditErr != nil {
		return Result{}, auditErr
	}
	if metricErr := inv.store.RecordToolMetric(name, latency, true); metricErr != nil {
		return Result{}, metricErr
	}
	if inv.invokeCounter != nil {
		inv.invokeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", name)))
	}

	inv.logger.Debug("tool invocation complete",
		zap.String("tool", name),
		zap.Duration("latency", latency),
	)
	return result, nil
}

// fail audits and counts a failed invocation, then returns the
// original error (or the audit error, which takes precedence because
// unaudited failures must not pass silently).
func (inv *Invoker) fail(ctx context.Context, name string, latency time.Duration, cause error) error {
	kind, payload := classify(name, cause)

	if err := inv.store.AppendEvent(kind, payload); err != nil {
		return err
	}
	if err := inv.store.RecordToolMetric(name, latency, false); err != nil {
		return err
	}
	if err := inv.store.RecordError(kind); err != nil {
		return err
	}
	if inv.invokeCounter != nil {
		inv.invokeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", name)))
	}
	if inv.failureCounter != nil {
		inv.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("kind", kind),
		))
	}

	inv.logger.Warn("tool invocation failed",
		zap.String("tool", name),
		zap.String("kind", kind),
		zap.Error(cause),
	)
	return cause
}

// classify maps a failure to its audit event kind and payload.
func classify(name string, cause error) (string, map[string]any) {
	var policyViolation *policy.Violation
	if errors.As(cause, &policyViolation) {
		return "policy_violation", map[string]any{
			"tool":   name,
			"rule":   policyViolation.Rule,
			"detail": policyViolation.Detail,
		}
	}

	var guardViolation *guardrail.Violation
	if errors.As(cause, &guardViolation) {
		return "guardrail_violation", map[string]any{
			"tool":   name,
			"check":  guardViolation.Check,
			"detail": guardViolation.Detail,
		}
	}

	var execErr *ExecError
	if errors.As(cause, &execErr) {
		return "tool_invocation_error", execErr.Payload()
	}

	return "tool_invocation_error", map[string]any{
		"tool":  name,
		"error": fmt.Sprintf("%v", cause),
	}
}
