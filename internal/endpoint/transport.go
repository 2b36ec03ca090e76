package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

// invokeHTTP POSTs the request to the endpoint's invoke path with
// bearer authorization when a secret is configured.
func (m *Manager) invokeHTTP(ctx context.Context, name string, profile config.EndpointProfile, req Request) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(profile.URL, "/")+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "failed to build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token := m.cfg.ResolveSecret(profile.AuthTokenEnv); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "failed to read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Endpoint: name,
			Kind:     "transport",
			Detail:   fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}
	return decodeBody(raw), nil
}

// invokeWebsocket opens a connection, sends one JSON message, awaits
// exactly one reply and closes. No streaming.
func (m *Manager) invokeWebsocket(ctx context.Context, name string, profile config.EndpointProfile, req Request) (map[string]any, error) {
	header := http.Header{}
	if token := m.cfg.ResolveSecret(profile.AuthTokenEnv); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := m.dialer.DialContext(ctx, websocketURL(profile.URL), header)
	if err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "websocket dial failed", Err: err}
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(req); err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "websocket write failed", Err: err}
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "websocket read failed", Err: err}
	}
	return decodeBody(raw), nil
}

// invokeStdio spawns the configured command, writes the JSON request
// to stdin and parses stdout. Each invocation is a fresh subprocess;
// the context deadline kills a hung process.
func (m *Manager) invokeStdio(ctx context.Context, name string, profile config.EndpointProfile, req Request) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: "failed to encode request", Err: err}
	}

	cmd := exec.CommandContext(ctx, profile.Command, profile.Args...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := fmt.Sprintf("subprocess failed: %v", err)
		if ctx.Err() == context.DeadlineExceeded {
			detail = "subprocess timed out"
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			detail += ": " + msg
		}
		return nil, &Error{Endpoint: name, Kind: "transport", Detail: detail, Err: err}
	}
	return decodeBody(stdout.Bytes()), nil
}

// websocketURL rewrites an http(s) scheme to ws(s); ws URLs pass
// through unchanged.
func websocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}
