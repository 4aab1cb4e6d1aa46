package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/require"
)

const completionBody = `{
	"id":"chatcmpl-1",
	"object":"chat.completion",
	"created":1730366400,
	"model":"openai/gpt-4o-mini",
	"choices":[{
		"index":0,
		"finish_reason":"stop",
		"logprobs":null,
		"message":{"role":"assistant","content":" {\"action\":\"hold\"} "}
	}],
	"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}
}`

func testConfig(url string) *Config {
	temp := 0.2
	return &Config{
		BaseURL:      url,
		APIKey:       "test-key",
		DefaultModel: "trade",
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		Models: map[string]ModelConfig{
			"trade": {Provider: "openai", ModelName: "gpt-4o-mini", Temperature: &temp, InputPrice: 0.15, OutputPrice: 0.6},
		},
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{envAPIKey, envBaseURL, envDefaultModel, envTimeout, envMaxRetries} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_LLM_KEY", "from-env")
	t.Setenv(envTimeout, "45s")

	cfg, err := LoadConfigFromReader(strings.NewReader(`
base_url: "https://example.com/v1"
api_key: "${TEST_LLM_KEY}"
default_model: trade
timeout: 30s
models:
  trade:
    provider: openai
    model_name: gpt-4o-mini
    input_price: 0.15
    output_price: 0.6
`))
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.APIKey)
	require.Equal(t, 45*time.Second, cfg.Timeout)
	require.Equal(t, defaultMaxRetries, cfg.MaxRetries)

	id, _ := cfg.Resolve("trade")
	require.Equal(t, "openai/gpt-4o-mini", id)
	id, _ = cfg.Resolve("anthropic/claude-3-haiku")
	require.Equal(t, "anthropic/claude-3-haiku", id)
	id, _ = cfg.Resolve("")
	require.Equal(t, "openai/gpt-4o-mini", id)

	require.InDelta(t, (1e6*0.15+5e5*0.6)/1e6, cfg.Cost("trade", 1_000_000, 500_000), 1e-12)
	require.Zero(t, cfg.Cost("unknown", 1000, 1000))
}

func TestLoadConfigRejectsMissingKey(t *testing.T) {
	clearEnv(t)
	_, err := LoadConfigFromReader(strings.NewReader("default_model: x\n"))
	require.ErrorContains(t, err, "api_key")

	_, err = LoadConfigFromReader(strings.NewReader("api_key: k\ndefault_model: x\ntimeout: nope\n"))
	require.ErrorContains(t, err, "invalid timeout")
}

func TestClientChat(t *testing.T) {
	var (
		mu      sync.Mutex
		payload map[string]any
		path    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{{Role: RoleSystem, Content: "be terse"}, {Role: RoleUser, Content: "hi"}},
		JSON:     true,
	})
	require.NoError(t, err)
	require.Equal(t, `{"action":"hold"}`, resp.Content)
	require.Equal(t, int64(120), resp.Usage.PromptTokens)
	require.Equal(t, int64(30), resp.Usage.CompletionTokens)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "/chat/completions", path)
	require.Equal(t, "openai/gpt-4o-mini", payload["model"])
	require.InDelta(t, 0.2, payload["temperature"], 1e-9)
	format, ok := payload["response_format"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "json_object", format["type"])
	require.Len(t, payload["messages"], 2)
}

func TestClientRetriesRateLimits(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		_, _ = w.Write([]byte(completionBody))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL),
		WithHTTPClient(server.Client()),
		WithRetryHandler(NewRetryHandler(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond})),
	)
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestClientDoesNotRetryBadRequest(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), WithHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	var apiErr *openai.Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, 1, calls)
}

func TestClientTimeoutIsReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond
	client, err := NewClient(cfg, WithHTTPClient(server.Client()))
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	require.True(t, IsTimeout(err), "got %v", err)
}

func TestClientRejectsEmptyRequest(t *testing.T) {
	client, err := NewClient(testConfig("http://127.0.0.1:1"))
	require.NoError(t, err)
	_, err = client.Chat(context.Background(), &ChatRequest{})
	require.Error(t, err)
}
