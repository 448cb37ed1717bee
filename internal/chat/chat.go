// Package chat keeps the AI-mode conversation: an append-only transcript of
// user and model turns, with at most one question in flight at a time.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/calcai/internal/assistant"
	"github.com/comigor/calcai/internal/logger"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// WelcomeID is the id of the message every transcript starts with.
const WelcomeID = "welcome"

const welcomeText = "Hi! I'm your AI Math Assistant. You can ask me to solve equations, explain concepts, " +
	"or differentiate functions. Try 'Solve 2x + 5 = 11' or 'What is the derivative of sin(x)?'"

var (
	ErrEmptyQuery = errors.New("empty query")
	ErrBusy       = errors.New("a question is already being answered")
)

// Message is one transcript entry. Messages are never modified once appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	IsError   bool      `json:"isError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Assistant answers a question. Implementations report failures inside the
// reply instead of returning an error.
type Assistant interface {
	Ask(ctx context.Context, query string) assistant.Reply
}

// Option configures a Conversation.
type Option func(*Conversation)

// OnAppend registers fn to be called with every message appended after the
// welcome message.
func OnAppend(fn func(Message)) Option {
	return func(c *Conversation) { c.onAppend = fn }
}

// WithClock sets the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// Conversation is a single user's AI-mode transcript. It is safe for
// concurrent use.
type Conversation struct {
	assistant Assistant
	now       func() time.Time
	onAppend  func(Message)

	mu       sync.Mutex
	messages []Message
	pending  bool
}

// New starts a conversation holding only the welcome message.
func New(a Assistant, opts ...Option) *Conversation {
	c := &Conversation{assistant: a, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.messages = []Message{{ID: WelcomeID, Role: RoleModel, Text: welcomeText, CreatedAt: c.now()}}
	return c
}

// Send asks query and appends both turns to the transcript. The user turn is
// appended before the assistant is called. Empty queries return
// ErrEmptyQuery and a call made while another is pending returns ErrBusy;
// neither changes the transcript. On success the model turn is returned,
// which may itself describe a failure (IsError).
func (c *Conversation) Send(ctx context.Context, query string) (Message, error) {
	if strings.TrimSpace(query) == "" {
		return Message{}, ErrEmptyQuery
	}

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return Message{}, ErrBusy
	}
	c.pending = true
	user := c.appendLocked(RoleUser, query, false)
	c.mu.Unlock()
	c.notify(user)

	reply := c.ask(ctx, query)

	c.mu.Lock()
	model := c.appendLocked(RoleModel, reply.Display(), !reply.OK())
	c.pending = false
	c.mu.Unlock()
	c.notify(model)

	return model, nil
}

// ask calls the assistant, turning a panic into a failed reply so the pending
// flag is always cleared.
func (c *Conversation) ask(ctx context.Context, query string) (reply assistant.Reply) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("assistant panicked", "panic", r)
			reply = assistant.Reply{Err: errors.New("assistant panicked")}
		}
	}()
	return c.assistant.Ask(ctx, query)
}

func (c *Conversation) appendLocked(role Role, text string, isError bool) Message {
	m := Message{ID: uuid.NewString(), Role: role, Text: text, IsError: isError, CreatedAt: c.now()}
	c.messages = append(c.messages, m)
	return m
}

func (c *Conversation) notify(m Message) {
	if c.onAppend != nil {
		c.onAppend(m)
	}
}

// Messages returns a copy of the transcript in order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Pending reports whether a question is being answered.
func (c *Conversation) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}
