package endpoint

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/state"
)

func newTestManager(t *testing.T, profiles map[string]config.EndpointProfile) (*Manager, *state.Store) {
	t.Helper()
	store, err := state.New(t.TempDir(), "test-run", nil, zap.NewNop())
	require.NoError(t, err)
	cfg := &config.Config{Endpoints: profiles}
	return NewManager(cfg, store, zap.NewNop()), store
}

func lastEventOfKind(t *testing.T, store *state.Store, kind string) map[string]any {
	t.Helper()
	events, err := state.ReadEvents(store.Root(), store.RunID(), 0)
	require.NoError(t, err)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			var payload map[string]any
			require.NoError(t, json.Unmarshal(events[i].Payload, &payload))
			return payload
		}
	}
	t.Fatalf("no %s event recorded", kind)
	return nil
}

func TestInvokeHTTP(t *testing.T) {
	t.Run("posts request and decodes response", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &gotBody)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"answer": 42}`))
		}))
		defer srv.Close()

		t.Setenv("DOCS_TOKEN", "token-value")
		m, store := newTestManager(t, map[string]config.EndpointProfile{
			"docs": {Transport: config.TransportHTTP, URL: srv.URL, AuthTokenEnv: "DOCS_TOKEN"},
		})

		result, err := m.Invoke(context.Background(), "docs", "search", map[string]string{"query": "x"})
		require.NoError(t, err)
		assert.Equal(t, float64(42), result["answer"])

		assert.Equal(t, "/invoke", gotPath)
		assert.Equal(t, "Bearer token-value", gotAuth)
		assert.Equal(t, "search", gotBody["tool"])
		assert.Equal(t, map[string]any{"query": "x"}, gotBody["payload"])

		audit := lastEventOfKind(t, store, "mcp_invocation")
		assert.Equal(t, "ok", audit["status"])
		assert.Equal(t, "docs", audit["endpoint"])
		assert.NotEmpty(t, audit["invocation_id"])
	})

	t.Run("non-200 surfaces as transport error and is audited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		m, store := newTestManager(t, map[string]config.EndpointProfile{
			"docs": {Transport: config.TransportHTTP, URL: srv.URL},
		})

		_, err := m.Invoke(context.Background(), "docs", "search", nil)
		require.Error(t, err)
		var epErr *Error
		require.ErrorAs(t, err, &epErr)
		assert.Equal(t, "transport", epErr.Kind)

		audit := lastEventOfKind(t, store, "mcp_invocation")
		assert.Equal(t, "error", audit["status"])
	})

	t.Run("non-JSON body wraps as raw", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("plain text answer"))
		}))
		defer srv.Close()

		m, _ := newTestManager(t, map[string]config.EndpointProfile{
			"docs": {Transport: config.TransportHTTP, URL: srv.URL},
		})

		result, err := m.Invoke(context.Background(), "docs", "search", nil)
		require.NoError(t, err)
		assert.Equal(t, "plain text answer", result["raw"])
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		m, _ := newTestManager(t, nil)
		_, err := m.Invoke(context.Background(), "missing", "search", nil)
		var epErr *Error
		require.ErrorAs(t, err, &epErr)
		assert.Equal(t, "unknown_endpoint", epErr.Kind)
	})

	t.Run("disabled endpoint rejected", func(t *testing.T) {
		disabled := false
		m, _ := newTestManager(t, map[string]config.EndpointProfile{
			"off": {Transport: config.TransportHTTP, URL: "http://localhost:1", Enabled: &disabled},
		})
		_, err := m.Invoke(context.Background(), "off", "search", nil)
		var epErr *Error
		require.ErrorAs(t, err, &epErr)
		assert.Equal(t, "unknown_endpoint", epErr.Kind)
	})
}

func TestInvokeRateLimit(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	m, store := newTestManager(t, map[string]config.EndpointProfile{
		"docs": {Transport: config.TransportHTTP, URL: srv.URL, RateLimitPerMinute: 1},
	})

	_, err := m.Invoke(context.Background(), "docs", "search", nil)
	require.NoError(t, err)

	_, err = m.Invoke(context.Background(), "docs", "search", nil)
	require.Error(t, err)
	var epErr *Error
	require.ErrorAs(t, err, &epErr)
	assert.Equal(t, "rate_limited", epErr.Kind)
	assert.Equal(t, 1, calls, "rejected call must not reach the network")

	audit := lastEventOfKind(t, store, "mcp_invocation")
	assert.Equal(t, "error", audit["status"])

	st := m.states["docs"]
	st.mu.Lock()
	throttled := st.throttled
	// age the recorded event past the window instead of sleeping
	st.limiter.events[0] = time.Now().Add(-2 * time.Minute)
	st.mu.Unlock()
	assert.True(t, throttled)

	_, err = m.Invoke(context.Background(), "docs", "search", nil)
	require.NoError(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.False(t, st.throttled)
	assert.Equal(t, 2, st.totalInvocations)
}

func TestInvokeStdio(t *testing.T) {
	t.Run("echo subprocess round trip", func(t *testing.T) {
		m, _ := newTestManager(t, map[string]config.EndpointProfile{
			"local": {Transport: config.TransportStdio, Command: "cat"},
		})

		result, err := m.Invoke(context.Background(), "local", "x", map[string]int{"value": 1})
		require.NoError(t, err)

		payload, ok := result["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(1), payload["value"])
		assert.Equal(t, "x", result["tool"])
	})

	t.Run("failing subprocess", func(t *testing.T) {
		m, _ := newTestManager(t, map[string]config.EndpointProfile{
			"local": {Transport: config.TransportStdio, Command: "false"},
		})

		_, err := m.Invoke(context.Background(), "local", "x", nil)
		var epErr *Error
		require.ErrorAs(t, err, &epErr)
		assert.Equal(t, "transport", epErr.Kind)
	})

	t.Run("hung subprocess times out", func(t *testing.T) {
		m, _ := newTestManager(t, map[string]config.EndpointProfile{
			"local": {Transport: config.TransportStdio, Command: "sleep", Args: []string{"30"}},
		})

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := m.Invoke(ctx, "local", "x", nil)
		var epErr *Error
		require.ErrorAs(t, err, &epErr)
		assert.Contains(t, epErr.Detail, "timed out")
	})
}

func TestInvokeWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"echoed": req.Tool})
	}))
	defer srv.Close()

	m, _ := newTestManager(t, map[string]config.EndpointProfile{
		"ws": {Transport: config.TransportWebsocket, URL: srv.URL},
	})

	result, err := m.Invoke(context.Background(), "ws", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "ping", result["echoed"])
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, map[string]any{"a": float64(1)}, decodeBody([]byte(`{"a": 1}`)))
	assert.Equal(t, map[string]any{"result": []any{float64(1), float64(2)}}, decodeBody([]byte(`[1, 2]`)))
	assert.Equal(t, map[string]any{"raw": "not json"}, decodeBody([]byte("not json")))
}

func TestHealthReport(t *testing.T) {
	t.Run("probes http and reports failures without erroring", func(t *testing.T) {
		var healthPath string
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			healthPath = r.URL.Path
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		defer up.Close()

		down := httptest.NewServer(http.HandlerFunc(nil))
		down.Close() // immediately dead

		disabled := false
		m, store := newTestManager(t, map[string]config.EndpointProfile{
			"up":   {Transport: config.TransportHTTP, URL: up.URL},
			"down": {Transport: config.TransportHTTP, URL: down.URL},
			"off":  {Transport: config.TransportHTTP, URL: up.URL, Enabled: &disabled},
		})

		report := m.HealthReport(context.Background())
		require.Len(t, report, 3)

		byName := make(map[string]Health, len(report))
		for _, entry := range report {
			byName[entry.Name] = entry
		}

		assert.Equal(t, StatusOK, byName["up"].Status)
		assert.Equal(t, "/health", healthPath)
		assert.Equal(t, StatusError, byName["down"].Status)
		assert.NotEmpty(t, byName["down"].Error)
		assert.Equal(t, StatusUnknown, byName["off"].Status)
		assert.False(t, byName["off"].Enabled)

		path, err := m.WriteSnapshot(context.Background())
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(path, "mcp_endpoints.json"))

		var snapshot []Health
		found, err := store.ReadArtifact("mcp_endpoints", &snapshot)
		require.NoError(t, err)
		require.True(t, found)
		assert.Len(t, snapshot, 3)
	})

	t.Run("stdio probe", func(t *testing.T) {
		m, _ := newTestManager(t, map[string]config.EndpointProfile{
			"local": {Transport: config.TransportStdio, Command: "cat"},
		})

		report := m.HealthReport(context.Background())
		require.Len(t, report, 1)
		assert.Equal(t, StatusOK, report[0].Status)
	})

	t.Run("unrecognized transport reports unsupported", func(t *testing.T) {
		m, _ := newTestManager(t, map[string]config.EndpointProfile{
			"weird": {Transport: config.Transport("carrier-pigeon"), URL: "http://x"},
		})

		report := m.HealthReport(context.Background())
		require.Len(t, report, 1)
		assert.Equal(t, StatusUnsupported, report[0].Status)
	})
}
