package llm

import (
	"github.com/comigor/calcai/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates an OpenAI-compatible client. Gemini is reached through
// its OpenAI-compatible endpoint, so the same client serves both providers.
// A missing API key is not checked here; the request fails and the assistant
// reports it like any other connection problem.
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}
