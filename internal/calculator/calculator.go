// Package calculator holds the standard-mode session state: the expression
// being typed, the displayed result and a short list of recent calculations.
package calculator

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/comigor/calcai/internal/logger"
	"github.com/comigor/calcai/internal/mathexpr"
)

const (
	// MaxHistory is the number of calculations kept, most recent first.
	MaxHistory = 10
	// ErrorResult is displayed when an expression cannot be evaluated.
	ErrorResult = "Error"
)

// Evaluator turns expression text into a number. Any error is an evaluation
// fault; the session does not distinguish between kinds of fault.
type Evaluator interface {
	Evaluate(expression string) (float64, error)
}

// HistoryEntry is a past calculation. Timestamp is in Unix milliseconds.
type HistoryEntry struct {
	Expression string `json:"expression"`
	Result     string `json:"result"`
	Timestamp  int64  `json:"timestamp"`
}

// Outcome is the result of Evaluate. Evaluated is false when there was
// nothing to evaluate. Err carries the evaluator fault, if any; Result is then
// ErrorResult.
type Outcome struct {
	Evaluated bool
	Result    string
	Err       error
}

// OK reports whether the evaluation produced a value.
func (o Outcome) OK() bool { return o.Evaluated && o.Err == nil }

// State is a snapshot of a session.
type State struct {
	Expression string         `json:"expression"`
	Result     string         `json:"result"`
	History    []HistoryEntry `json:"history"`
}

// Option configures a Session.
type Option func(*Session)

// WithEvaluator replaces the default mathexpr evaluator.
func WithEvaluator(ev Evaluator) Option {
	return func(s *Session) { s.eval = ev }
}

// WithClock sets the time source used for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// OnRecord registers fn to be called with every new history entry.
func OnRecord(fn func(HistoryEntry)) Option {
	return func(s *Session) { s.onRecord = fn }
}

// Session is a single user's calculator. It is safe for concurrent use.
type Session struct {
	mu         sync.Mutex
	expression string
	result     string
	history    []HistoryEntry

	eval     Evaluator
	now      func() time.Time
	onRecord func(HistoryEntry)
}

// New returns an empty session.
func New(opts ...Option) *Session {
	s := &Session{
		eval:    mathexpr.Evaluator{},
		now:     time.Now,
		history: make([]HistoryEntry, 0, MaxHistory),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append adds token to the end of the expression. The text is not validated.
func (s *Session) Append(token string) {
	s.mu.Lock()
	s.expression += token
	s.mu.Unlock()
}

// AppendFunction adds a function-call prefix such as "sin(". Parentheses are
// not tracked; the buffer is plain text.
func (s *Session) AppendFunction(prefix string) {
	s.Append(prefix)
}

// DeleteLast removes the last character of the expression.
func (s *Session) DeleteLast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expression == "" {
		return
	}
	_, size := utf8.DecodeLastRuneInString(s.expression)
	s.expression = s.expression[:len(s.expression)-size]
}

// Clear empties the expression and the result. History is kept.
func (s *Session) Clear() {
	s.mu.Lock()
	s.expression = ""
	s.result = ""
	s.mu.Unlock()
}

// Evaluate evaluates the current expression. On success the formatted value
// becomes the result and is recorded in history; on failure the result is
// ErrorResult and history is unchanged. The expression itself is left as is.
func (s *Session) Evaluate() Outcome {
	s.mu.Lock()
	expr := s.expression
	if expr == "" {
		s.mu.Unlock()
		return Outcome{}
	}

	v, err := s.eval.Evaluate(expr)
	if err != nil {
		s.result = ErrorResult
		s.mu.Unlock()
		logger.L.Debug("evaluation failed", "expression", expr, "error", err)
		return Outcome{Evaluated: true, Result: ErrorResult, Err: err}
	}

	result := mathexpr.Format(v)
	entry := HistoryEntry{Expression: expr, Result: result, Timestamp: s.now().UnixMilli()}
	s.result = result
	s.history = prepend(s.history, entry)
	onRecord := s.onRecord
	s.mu.Unlock()

	if onRecord != nil {
		onRecord(entry)
	}
	return Outcome{Evaluated: true, Result: result}
}

// prepend puts e in front of h and drops entries past MaxHistory.
func prepend(h []HistoryEntry, e HistoryEntry) []HistoryEntry {
	if len(h) >= MaxHistory {
		h = h[:MaxHistory-1]
	}
	out := make([]HistoryEntry, 0, MaxHistory)
	out = append(out, e)
	return append(out, h...)
}

// SelectHistoryEntry restores the expression and result of a past entry.
func (s *Session) SelectHistoryEntry(entry HistoryEntry) {
	s.mu.Lock()
	s.expression = entry.Expression
	s.result = entry.Result
	s.mu.Unlock()
}

// Recall selects the history entry at index, 0 being the most recent. It
// returns false if there is no such entry.
func (s *Session) Recall(index int) (HistoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.history) {
		return HistoryEntry{}, false
	}
	e := s.history[index]
	s.expression = e.Expression
	s.result = e.Result
	return e, true
}

// ClearHistory forgets every past calculation.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = s.history[:0]
	s.mu.Unlock()
}

// Expression returns the text typed so far.
func (s *Session) Expression() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expression
}

// Result returns the displayed result.
func (s *Session) Result() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// History returns a copy of the history, most recent first.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

// State returns a snapshot of the whole session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Expression: s.expression,
		Result:     s.result,
		History:    append([]HistoryEntry{}, s.history...),
	}
}
