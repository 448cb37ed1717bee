package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comigor/calcai/internal/calculator"
	"github.com/comigor/calcai/internal/chat"
	"github.com/comigor/calcai/internal/history"
	"github.com/comigor/calcai/internal/logger"
)

// Session is one client's calculator and conversation.
type Session struct {
	ID   string
	Calc *calculator.Session
	Chat *chat.Conversation

	lastSeen time.Time
}

// Registry owns the live sessions. Sessions idle for longer than the TTL are
// forgotten; their archived history stays in the store.
type Registry struct {
	assistant chat.Assistant
	store     *history.Store
	ttl       time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. A zero ttl keeps sessions forever.
// store may be nil.
func NewRegistry(a chat.Assistant, store *history.Store, ttl time.Duration) *Registry {
	return &Registry{
		assistant: a,
		store:     store,
		ttl:       ttl,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// Create starts a new session with an empty calculator and a fresh
// conversation.
func (r *Registry) Create() *Session {
	id := uuid.NewString()
	s := &Session{ID: id, lastSeen: r.now()}

	var calcOpts []calculator.Option
	var chatOpts []chat.Option
	if r.store != nil {
		calcOpts = append(calcOpts, calculator.OnRecord(func(e calculator.HistoryEntry) {
			r.store.SaveCalculation(history.Calculation{
				SessionID:  id,
				Expression: e.Expression,
				Result:     e.Result,
				CreatedAt:  time.UnixMilli(e.Timestamp),
			})
		}))
		chatOpts = append(chatOpts, chat.OnAppend(func(m chat.Message) {
			r.store.SaveMessage(history.Message{
				ID:        m.ID,
				SessionID: id,
				Role:      string(m.Role),
				Content:   m.Text,
				IsError:   m.IsError,
				CreatedAt: m.CreatedAt,
			})
		}))
	}
	s.Calc = calculator.New(calcOpts...)
	s.Chat = chat.New(r.assistant, chatOpts...)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	logger.L.Info("session created", "session", id)
	return s
}

// Get returns the session with id and marks it as used.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	now := r.now()
	if r.expired(s, now) {
		delete(r.sessions, id)
		return nil, false
	}
	s.lastSeen = now
	return s, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) expired(s *Session, now time.Time) bool {
	// A pending question keeps the session alive.
	return r.ttl > 0 && now.Sub(s.lastSeen) > r.ttl && !s.Chat.Pending()
}

// Sweep drops expired sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, s := range r.sessions {
		if r.expired(s, now) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// Run sweeps expired sessions until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if r.ttl <= 0 {
		return
	}
	interval := min(r.ttl, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				logger.L.Debug("expired sessions removed", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
