package endpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// probeTimeout bounds a single health probe so one dead endpoint
// cannot stall the whole report.
const probeTimeout = 10 * time.Second

// snapshotArtifact is the artifact name under which the latest health
// report is persisted.
const snapshotArtifact = "mcp_endpoints"

// errUnsupportedTransport marks a probe against a transport the
// manager cannot speak; the report shows it as unsupported rather
// than a transient error.
var errUnsupportedTransport = errors.New("unsupported transport")

// HealthReport probes every configured endpoint and returns one entry
// per endpoint, sorted by name. Disabled endpoints are reported
// without being probed. Probe failures are captured in the report
// rather than returned, so the report always covers the full set.
func (m *Manager) HealthReport(ctx context.Context) []Health {
	names := m.Names()
	sort.Strings(names)

	report := make([]Health, 0, len(names))
	for _, name := range names {
		profile := m.profiles[name]
		st := m.states[name]

		entry := Health{
			Name:          name,
			Transport:     string(profile.Transport),
			Address:       profile.Address(),
			Status:        StatusUnknown,
			RateLimit:     profile.RateLimitPerMinute,
			Authenticated: profile.AuthTokenEnv != "",
			Enabled:       profile.IsEnabled(),
		}

		if !profile.IsEnabled() {
			entry.Error = "endpoint disabled"
			report = append(report, m.record(st, entry))
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		err := m.probe(probeCtx, name, profile)
		latency := time.Since(start)
		cancel()

		entry.LatencyMS = float64(latency.Microseconds()) / 1000.0
		if err != nil {
			entry.Status = StatusError
			if errors.Is(err, errUnsupportedTransport) {
				entry.Status = StatusUnsupported
			}
			entry.Error = err.Error()
			m.logger.Warn("endpoint health probe failed",
				zap.String("endpoint", name), zap.Error(err))
		} else {
			entry.Status = StatusOK
		}
		report = append(report, m.record(st, entry))
	}
	return report
}

// record folds runtime counters into a report entry and stores the
// probe outcome for later reads.
func (m *Manager) record(st *endpointState, entry Health) Health {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastHealth = entry.Status
	st.lastLatency = time.Duration(entry.LatencyMS * float64(time.Millisecond))
	st.lastError = entry.Error
	entry.Throttled = st.throttled
	entry.TotalInvocations = st.totalInvocations
	return entry
}

func (m *Manager) probe(ctx context.Context, name string, profile config.EndpointProfile) error {
	switch profile.Transport {
	case config.TransportHTTP:
		return m.probeHTTP(ctx, profile)
	case config.TransportWebsocket:
		_, err := m.invokeWebsocket(ctx, name, profile, Request{Tool: "health"})
		return err
	case config.TransportStdio:
		return m.probeStdio(ctx, profile)
	default:
		return fmt.Errorf("%w %q", errUnsupportedTransport, profile.Transport)
	}
}

func (m *Manager) probeHTTP(ctx context.Context, profile config.EndpointProfile) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(profile.URL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	if token := m.cfg.ResolveSecret(profile.AuthTokenEnv); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// probeStdio checks that the configured command starts and exits
// cleanly on a health request.
func (m *Manager) probeStdio(ctx context.Context, profile config.EndpointProfile) error {
	cmd := exec.CommandContext(ctx, profile.Command, profile.Args...)
	cmd.Stdin = strings.NewReader(`{"tool":"health","payload":null}`)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("subprocess failed: %w: %s", err, msg)
		}
		return fmt.Errorf("subprocess failed: %w", err)
	}
	return nil
}

// WriteSnapshot persists the current health report as an artifact and
// returns the path it was written to.
func (m *Manager) WriteSnapshot(ctx context.Context) (string, error) {
	report := m.HealthReport(ctx)
	path, err := m.store.WriteArtifact(snapshotArtifact, report)
	if err != nil {
		return "", fmt.Errorf("failed to write endpoint snapshot: %w", err)
	}
	if err := m.store.AppendEvent("mcp_snapshot", map[string]any{
		"endpoints": len(report),
		"artifact":  path,
	}); err != nil {
		return "", err
	}
	return path, nil
}
