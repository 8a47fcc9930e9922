package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/ai/llm"
	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/metrics"
)

func testConfig(url string) am.LLMConfig {
	return am.LLMConfig{
		Enabled:        true,
		BaseURL:        url,
		Model:          "test-model",
		APIKey:         "secret",
		TimeoutSeconds: 5,
		Temperature:    0.2,
		MaxTokens:      256,
	}
}

func testState() *agent.State {
	return agent.NewState("t1", "").
		WithMessage(agent.RoleSystem, "you are a tester").
		WithMessage(agent.RoleUser, "hello").
		WithToolResult("read_file", "file body")
}

func TestBlockingResponse(t *testing.T) {
	var got openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "conductor/"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	m := metrics.New()
	c := NewClient(testConfig(server.URL), m, zap.NewNop().Sugar())
	text, err := c.BlockingResponse(context.Background(), testState())
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)

	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[2].Role, "tool output is fed back as a user turn")
	assert.Contains(t, got.Messages[2].Content, "Tool result (read_file)")
	assert.InDelta(t, 0.2, got.Temperature, 0.001)
	assert.Equal(t, 256, got.MaxTokens)

	count, err := testutil.GatherAndCount(m.Registry, "conductor_llm_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBlockingResponse_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "model loading")
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), nil, zap.NewNop().Sugar())
	_, err := c.BlockingResponse(context.Background(), testState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestStreamResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"Hel", "lo", " world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), nil, zap.NewNop().Sugar())
	var tokens []string
	text, err := c.StreamResponse(context.Background(), testState(), func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, []string{"Hel", "lo", " world"}, tokens)
}

func TestStreamResponse_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 50; i++ {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"chunk \"}}]}\n\n")
			flusher.Flush()
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(testConfig(server.URL), nil, zap.NewNop().Sugar())

	count := 0
	_, err := c.StreamResponse(ctx, testState(), func(string) {
		count++
		if count == 2 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.Less(t, count, 50)
}

func TestUnconfiguredClientReturnsOnboarding(t *testing.T) {
	c := NewClient(am.LLMConfig{Enabled: false}, nil, zap.NewNop().Sugar())
	assert.False(t, c.IsAvailable())

	text, err := c.BlockingResponse(context.Background(), testState())
	require.NoError(t, err)
	assert.Equal(t, llm.OnboardingMessage, text)

	err = c.Probe(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestBuildMessages_Parts(t *testing.T) {
	state := agent.NewState("t", "").WithFullMessage(agent.Message{
		Role:    agent.RoleUser,
		Content: "describe",
		Parts:   json.RawMessage(`[{"type":"text","text":"describe"},{"type":"image_url","image_url":{"url":"data:x"}}]`),
	})
	msgs := buildMessages(state)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Content)
	require.Len(t, msgs[0].MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, msgs[0].MultiContent[1].Type)
	require.NotNil(t, msgs[0].MultiContent[1].ImageURL)
	assert.Equal(t, "data:x", msgs[0].MultiContent[1].ImageURL.URL)

	// malformed parts fall back to the plain text
	state = agent.NewState("t", "").WithFullMessage(agent.Message{
		Role: agent.RoleUser, Content: "plain", Parts: json.RawMessage(`{"type":"text"}`),
	})
	msgs = buildMessages(state)
	assert.Equal(t, "plain", msgs[0].Content)
	assert.Empty(t, msgs[0].MultiContent)
}

func TestStreamResponse_LongChunk(t *testing.T) {
	long := strings.Repeat("x", 200*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", long)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), nil, zap.NewNop().Sugar())
	text, err := c.StreamResponse(context.Background(), testState(), nil)
	require.NoError(t, err)
	assert.Len(t, text, len(long))
}

func TestStreamResponse_ErrorStatusIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer server.Close()

	m := metrics.New()
	c := NewClient(testConfig(server.URL), m, zap.NewNop().Sugar())
	_, err := c.StreamResponse(context.Background(), testState(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.Contains(t, err.Error(), "slow down")

	count, err := testutil.GatherAndCount(m.Registry, "conductor_llm_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer server.Close()

	c := NewClient(testConfig(server.URL), nil, zap.NewNop().Sugar())
	assert.NoError(t, c.Probe(context.Background()))
}

func TestRateLimitRespectsContext(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.RequestsPerSecond = 0.001
	c := NewClient(cfg, nil, zap.NewNop().Sugar())
	// Drain the single burst token
	require.True(t, c.limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.BlockingResponse(ctx, testState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
