// Package provider implements llm.Service against any OpenAI-compatible
// chat completions endpoint (Ollama, LocalAI, vLLM, hosted gateways).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/conductor/agent"
	"github.com/teranos/conductor/ai/llm"
	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/metrics"
	"github.com/teranos/conductor/version"
)

// ChatClient is the subset of the go-openai client the provider calls
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Client talks to an OpenAI-compatible /v1/chat/completions endpoint
type Client struct {
	cfg     am.LLMConfig
	chat    ChatClient
	limiter *rate.Limiter // nil means unlimited
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

var _ llm.Service = (*Client)(nil)

// NewClient creates a client from the llm config section
func NewClient(cfg am.LLMConfig, m *metrics.Metrics, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = logger.Logger
	}
	c := &Client{
		cfg:     cfg,
		chat:    openai.NewClientWithConfig(clientConfig(cfg)),
		metrics: m,
		log:     logger.AddAgentSymbol(log).With(logger.FieldComponent, "llm"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// clientConfig points go-openai at base_url; the SDK appends the route
// to BaseURL, which therefore carries the /v1 prefix
func clientConfig(cfg am.LLMConfig) openai.ClientConfig {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/v1"
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout(),
		Transport: userAgent{next: http.DefaultTransport, agent: version.Get().UserAgent()},
	}
	return oc
}

// userAgent stamps every request with the conductor build
type userAgent struct {
	next  http.RoundTripper
	agent string
}

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", u.agent)
	return u.next.RoundTrip(req)
}

// IsAvailable reports whether an endpoint and model are configured
func (c *Client) IsAvailable() bool {
	return c.cfg.Enabled && c.cfg.BaseURL != "" && c.cfg.Model != ""
}

// buildMessages maps agent messages onto chat roles. Tool output is fed
// back as a user turn; user messages with structured parts send the parts.
func buildMessages(state *agent.State) []openai.ChatCompletionMessage {
	msgs := state.Messages()
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case agent.RoleSystem, agent.RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		case agent.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: "Tool result (" + m.Name + "):\n" + m.Content,
			})
		default:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content}
			if parts := decodeParts(m.Parts); len(parts) > 0 {
				msg.Content = ""
				msg.MultiContent = parts
			}
			out = append(out, msg)
		}
	}
	return out
}

// decodeParts reads a JSON array of content parts; anything else is nil
func decodeParts(raw json.RawMessage) []openai.ChatMessagePart {
	if len(raw) == 0 || !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return nil
	}
	var parts []openai.ChatMessagePart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	return parts
}

func (c *Client) request(state *agent.State) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    buildMessages(state),
		Temperature: float32(c.cfg.Temperature),
		MaxTokens:   c.cfg.MaxTokens,
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "llm rate limit wait")
	}
	return nil
}

// classify wraps SDK errors; overload statuses are marked unavailable so
// callers can retry later
func classify(err error, msg string) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	wrapped := errors.Wrap(err, msg)
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		wrapped = errors.Mark(wrapped, errors.ErrServiceUnavailable)
	}
	return wrapped
}

// BlockingResponse requests a single non-streamed completion
func (c *Client) BlockingResponse(ctx context.Context, state *agent.State) (string, error) {
	if !c.IsAvailable() {
		return llm.OnboardingMessage, nil
	}
	start := time.Now()
	text, err := c.blocking(ctx, state)
	c.record("blocking", start, err)
	return text, err
}

func (c *Client) blocking(ctx context.Context, state *agent.State) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, c.request(state))
	if err != nil {
		return "", classify(err, "llm request failed")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamResponse reads the completion stream, calling onToken per delta,
// and returns the concatenated reply
func (c *Client) StreamResponse(ctx context.Context, state *agent.State, onToken llm.TokenFunc) (string, error) {
	if !c.IsAvailable() {
		return llm.Unavailable{}.StreamResponse(ctx, state, onToken)
	}
	start := time.Now()
	text, err := c.stream(ctx, state, onToken)
	c.record("stream", start, err)
	return text, err
}

func (c *Client) stream(ctx context.Context, state *agent.State, onToken llm.TokenFunc) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	req := c.request(state)
	req.Stream = true
	stream, err := c.chat.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", classify(err, "llm request failed")
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			// [DONE] or the body ended without one
			return full.String(), nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return full.String(), errors.Wrap(ctx.Err(), "stream cancelled")
			}
			return full.String(), classify(err, "stream read error")
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if tok := chunk.Choices[0].Delta.Content; tok != "" {
			full.WriteString(tok)
			if onToken != nil {
				onToken(tok)
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			return full.String(), nil
		}
	}
}

func (c *Client) record(mode string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.log.Warnw("LLM request failed",
			"mode", mode,
			"model", c.cfg.Model,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldError, err)
	} else {
		c.log.Debugw("LLM request complete",
			"mode", mode,
			"model", c.cfg.Model,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	}
	c.metrics.LLMRequest(mode, outcome)
}

// Probe checks the endpoint answers GET /v1/models
func (c *Client) Probe(ctx context.Context) error {
	if !c.IsAvailable() {
		return errors.WithHint(errors.Wrap(errors.ErrServiceUnavailable, "llm is not configured"),
			"set llm.enabled, llm.base_url and llm.model in am.toml")
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	if _, err := c.chat.ListModels(ctx); err != nil {
		return errors.Wrapf(classify(err, "probe failed"), "llm endpoint %s unreachable", c.cfg.BaseURL)
	}
	return nil
}
