// Package endpoint maintains one logical connection per configured
// remote tool endpoint across three transports (http, websocket,
// stdio), with per-endpoint sliding-window rate limiting, health
// probing and audit of every invocation.
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/state"
)

const instrumentationName = "github.com/fyrsmithlabs/agentd/internal/endpoint"

// rateWindow is the sliding window over which per-minute endpoint
// rate limits are enforced.
const rateWindow = time.Minute

// defaultTimeout bounds a single invoke or probe when the caller's
// context carries no deadline.
const defaultTimeout = 30 * time.Second

// Health states for an endpoint.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusUnsupported Status = "unsupported"
)

// Error is an endpoint invocation failure: unknown endpoint, rate
// limit rejection or transport failure.
type Error struct {
	Endpoint string
	Kind     string // "unknown_endpoint", "rate_limited", "transport", "decode"
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("endpoint %s: %s: %s", e.Endpoint, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request is the wire message sent to every transport.
type Request struct {
	Tool    string `json:"tool"`
	Payload any    `json:"payload"`
}

// Health is one endpoint's entry in a health report.
type Health struct {
	Name             string  `json:"name"`
	Transport        string  `json:"transport"`
	Address          string  `json:"address"`
	Status           Status  `json:"status"`
	LatencyMS        float64 `json:"latency_ms"`
	Error            string  `json:"error,omitempty"`
	Throttled        bool    `json:"throttled"`
	TotalInvocations int     `json:"total_invocations"`
	RateLimit        int     `json:"rate_limit_per_minute"`
	Authenticated    bool    `json:"authenticated"`
	Enabled          bool    `json:"enabled"`
}

// endpointState is the mutable per-endpoint runtime record. Guarded
// by its own mutex because run execution and dashboard probes may hit
// the same endpoint concurrently.
type endpointState struct {
	mu               sync.Mutex
	limiter          *slidingWindow
	lastHealth       Status
	lastLatency      time.Duration
	lastError        string
	throttled        bool
	totalInvocations int
}

// Manager executes invoke/response cycles against configured
// endpoints. Profiles are immutable after construction.
type Manager struct {
	cfg      *config.Config
	store    *state.Store
	logger   *zap.Logger
	http     *http.Client
	dialer   *websocket.Dialer
	profiles map[string]config.EndpointProfile
	states   map[string]*endpointState

	meter         metric.Meter
	invokeCounter metric.Int64Counter
}

// NewManager builds the manager from the loaded configuration. The
// state store receives an audit event for every invocation.
func NewManager(cfg *config.Config, store *state.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		logger:   logger.Named("endpoint"),
		http:     &http.Client{Timeout: defaultTimeout},
		dialer:   &websocket.Dialer{HandshakeTimeout: defaultTimeout},
		profiles: make(map[string]config.EndpointProfile, len(cfg.Endpoints)),
		states:   make(map[string]*endpointState, len(cfg.Endpoints)),
		meter:    otel.Meter(instrumentationName),
	}
	for name, profile := range cfg.Endpoints {
		m.profiles[name] = profile
		m.states[name] = &endpointState{
			limiter:    newSlidingWindow(profile.RateLimitPerMinute, rateWindow),
			lastHealth: StatusUnknown,
		}
	}

	var err error
	m.invokeCounter, err = m.meter.Int64Counter(
		"agentd.endpoint.invocations_total",
		metric.WithDescription("Total number of endpoint invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create invocation counter", zap.Error(err))
	}
	return m
}

// Names returns the configured endpoint names.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		names = append(names, name)
	}
	return names
}

// Invoke executes one tool call against a named endpoint. Rate-limit
// rejection is strict: no network call is made and the failure is not
// retried here. Transport failures propagate to the caller after
// being audited.
func (m *Manager) Invoke(ctx context.Context, endpoint, tool string, payload any) (map[string]any, error) {
	profile, ok := m.profiles[endpoint]
	if !ok || !profile.IsEnabled() {
		return nil, &Error{Endpoint: endpoint, Kind: "unknown_endpoint", Detail: "endpoint not configured or disabled"}
	}
	st := m.states[endpoint]
	invocationID := uuid.NewString()

	st.mu.Lock()
	allowed := st.limiter.allow(time.Now())
	st.throttled = !allowed
	st.mu.Unlock()

	if !allowed {
		err := &Error{
			Endpoint: endpoint,
			Kind:     "rate_limited",
			Detail:   fmt.Sprintf("rate limit of %d/minute exceeded", profile.RateLimitPerMinute),
		}
		if auditErr := m.audit(invocationID, endpoint, tool, 0, err); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	start := time.Now()
	result, err := m.dispatch(ctx, endpoint, profile, Request{Tool: tool, Payload: payload})
	latency := time.Since(start)

	if m.invokeCounter != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.invokeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		))
	}

	if err != nil {
		st.mu.Lock()
		st.lastError = err.Error()
		st.mu.Unlock()
		if auditErr := m.audit(invocationID, endpoint, tool, latency, err); auditErr != nil {
			return nil, auditErr
		}
		return nil, err
	}

	st.mu.Lock()
	st.totalInvocations++
	st.lastLatency = latency
	st.mu.Unlock()

	if auditErr := m.audit(invocationID, endpoint, tool, latency, nil); auditErr != nil {
		return nil, auditErr
	}
	return result, nil
}

func (m *Manager) dispatch(ctx context.Context, name string, profile config.EndpointProfile, req Request) (map[string]any, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
	}

	switch profile.Transport {
	case config.TransportHTTP:
		return m.invokeHTTP(ctx, name, profile, req)
	case config.TransportWebsocket:
		return m.invokeWebsocket(ctx, name, profile, req)
	case config.TransportStdio:
		return m.invokeStdio(ctx, name, profile, req)
	default:
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: fmt.Sprintf("unsupported transport %q", profile.Transport)}
	}
}

// audit records one invocation outcome. Audit write failures are
// returned to the caller: they are fatal to the run.
func (m *Manager) audit(invocationID, endpoint, tool string, latency time.Duration, cause error) error {
	payload := map[string]any{
		"invocation_id": invocationID,
		"endpoint":      endpoint,
		"tool":          tool,
		"status":        "ok",
		"latency_ms":    float64(latency.Milliseconds()),
	}
	if cause != nil {
		payload["status"] = "error"
		payload["error"] = cause.Error()
	}
	if err := m.store.AppendEvent("mcp_invocation", payload); err != nil {
		return err
	}
	if cause != nil {
		return m.store.RecordError("endpoint_error")
	}
	return nil
}

// decodeBody parses a response body leniently: invalid JSON is
// wrapped as {"raw": text} since endpoints are not required to speak
// strict JSON.
func decodeBody(body []byte) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil && parsed != nil {
		return parsed
	}
	// Valid JSON that is not an object (array, scalar) is preserved
	// under "result"; everything else is raw text.
	var generic any
	if err := json.Unmarshal(body, &generic); err == nil {
		return map[string]any{"result": generic}
	}
	return map[string]any{"raw": string(body)}
}
