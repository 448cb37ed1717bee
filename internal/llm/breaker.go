package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"

	"github.com/comigor/calcai/internal/config"
	"github.com/comigor/calcai/internal/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("llm circuit open")

// BreakerClient wraps a Client with a circuit breaker. After MaxFailures
// consecutive failures calls fail fast until Timeout has passed.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker[openai.ChatCompletionResponse]
}

// NewBreakerClient wraps inner. Zero values in cfg fall back to 5 failures,
// a 30s open period and a 60s counting interval.
func NewBreakerClient(inner Client, cfg config.BreakerConfig) *BreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.L.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A cancelled request says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerClient{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[openai.ChatCompletionResponse](settings),
	}
}

// CreateChatCompletion implements Client.
func (b *BreakerClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	resp, err := b.breaker.Execute(func() (openai.ChatCompletionResponse, error) {
		return b.inner.CreateChatCompletion(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return resp, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return resp, err
}

// State reports the breaker state.
func (b *BreakerClient) State() gobreaker.State {
	return b.breaker.State()
}

var _ Client = (*BreakerClient)(nil)
