package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is the subset of openai.Client the assistant needs; it is easy to mock in tests.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}
