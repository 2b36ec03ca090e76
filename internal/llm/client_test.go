package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client := New(config.BackendConfig{
		Model:             "test-model",
		BaseURL:           baseURL,
		APIKey:            config.Secret("sk-test"),
		MaxRetries:        2,
		RequestsPerSecond: 1000,
	}, zap.NewNop())
	return client
}

func chatReply(content string, toolCalls []ToolCall) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{
				"message": map[string]any{
					"role":       "assistant",
					"content":    content,
					"tool_calls": toolCalls,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     12,
			"completion_tokens": 7,
			"total_tokens":      19,
		},
	}
}

func TestChat(t *testing.T) {
	t.Run("parses content and usage", func(t *testing.T) {
		var gotAuth, gotPath string
		var gotReq chatRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			json.NewEncoder(w).Encode(chatReply("hello there", nil))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		completion, err := client.Complete(context.Background(), "be brief", "say hello")
		require.NoError(t, err)

		assert.Equal(t, "hello there", completion.Content)
		assert.Equal(t, 12, completion.Usage.PromptTokens)
		assert.Equal(t, 7, completion.Usage.CompletionTokens)
		assert.Equal(t, "Bearer sk-test", gotAuth)
		assert.Equal(t, "/chat/completions", gotPath)
		assert.Equal(t, "test-model", gotReq.Model)
		require.Len(t, gotReq.Messages, 2)
		assert.Equal(t, "system", gotReq.Messages[0].Role)
		assert.Equal(t, "user", gotReq.Messages[1].Role)
	})

	t.Run("surfaces tool calls", func(t *testing.T) {
		calls := []ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: FunctionCall{
				Name:      "workspace.read_file",
				Arguments: `{"path":"README.md"}`,
			},
		}}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(chatReply("", calls))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		completion, err := client.Chat(context.Background(), []Message{{Role: "user", Content: "read it"}}, []ToolSpec{{
			Type:     "function",
			Function: FunctionSpec{Name: "workspace.read_file"},
		}})
		require.NoError(t, err)

		require.Len(t, completion.ToolCalls, 1)
		assert.Equal(t, "workspace.read_file", completion.ToolCalls[0].Function.Name)
		assert.JSONEq(t, `{"path":"README.md"}`, completion.ToolCalls[0].Function.Arguments)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var attempts atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(chatReply("recovered", nil))
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		completion, err := client.Complete(context.Background(), "", "hi")
		require.NoError(t, err)
		assert.Equal(t, "recovered", completion.Content)
		assert.Equal(t, int32(2), attempts.Load())
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var attempts atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "model not found", "type": "invalid_request_error"},
			})
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		_, err := client.Complete(context.Background(), "", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model not found")
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var attempts atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := New(config.BackendConfig{
			BaseURL:           srv.URL,
			MaxRetries:        1,
			RequestsPerSecond: 1000,
		}, zap.NewNop())
		_, err := client.Complete(context.Background(), "", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max retries exceeded")
		assert.Equal(t, int32(2), attempts.Load())
	})

	t.Run("empty choices is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
		}))
		defer srv.Close()

		client := newTestClient(t, srv.URL)
		_, err := client.Complete(context.Background(), "", "hi")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty response")
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		client := newTestClient(t, srv.URL)
		_, err := client.Complete(ctx, "", "hi")
		require.Error(t, err)
	})
}

func TestNewDefaults(t *testing.T) {
	client := New(config.BackendConfig{}, nil)
	assert.Equal(t, defaultModel, client.Model())
	assert.Equal(t, defaultBaseURL, client.baseURL)
	assert.Equal(t, defaultMaxRetries, client.maxRetries)
	assert.Equal(t, defaultTimeout, client.httpClient.Timeout)
}
