// Package llm defines the language-model capability the orchestrator
// drives. Implementations live in ai/provider; llmtest has scripted fakes.
package llm

import (
	"context"

	"github.com/teranos/conductor/agent"
)

// TokenFunc receives streamed tokens as they arrive
type TokenFunc func(token string)

// Service produces the next assistant reply for a state
type Service interface {
	// StreamResponse streams the reply token by token and returns the full text
	StreamResponse(ctx context.Context, state *agent.State, onToken TokenFunc) (string, error)
	// BlockingResponse returns the whole reply at once
	BlockingResponse(ctx context.Context, state *agent.State) (string, error)
	// IsAvailable reports whether a working model is configured
	IsAvailable() bool
}

// OnboardingMessage is the reply given when no model is configured
const OnboardingMessage = `**No language model is configured.**

Set an OpenAI-compatible endpoint in am.toml:

    [llm]
    enabled = true
    base_url = "http://localhost:11434"
    model = "llama3.2"

or export CONDUCTOR_LLM_ENABLED=true with CONDUCTOR_LLM_BASE_URL and CONDUCTOR_LLM_MODEL.
Run "conductor am show" to check the effective configuration.`

// Unavailable answers every request with OnboardingMessage
type Unavailable struct{}

var _ Service = Unavailable{}

func (Unavailable) StreamResponse(_ context.Context, _ *agent.State, onToken TokenFunc) (string, error) {
	if onToken != nil {
		onToken(OnboardingMessage)
	}
	return OnboardingMessage, nil
}

func (Unavailable) BlockingResponse(context.Context, *agent.State) (string, error) {
	return OnboardingMessage, nil
}

func (Unavailable) IsAvailable() bool { return false }
