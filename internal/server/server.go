// Package server exposes calculator and chat sessions over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/comigor/calcai/internal/calculator"
	"github.com/comigor/calcai/internal/chat"
	"github.com/comigor/calcai/internal/config"
	"github.com/comigor/calcai/internal/history"
	"github.com/comigor/calcai/internal/logger"
)

const maxBodyBytes = 64 << 10

// Server serves the HTTP API.
type Server struct {
	cfg       config.ServerConfig
	assistant chat.Assistant
	store     *history.Store
	registry  *Registry
	tracer    trace.Tracer
	handler   http.Handler
}

// New builds the server. Background goroutines (session expiry, rate limiter
// cleanup) stop when ctx is done. store may be nil.
func New(ctx context.Context, cfg config.ServerConfig, a chat.Assistant, store *history.Store) *Server {
	s := &Server{
		cfg:       cfg,
		assistant: a,
		store:     store,
		registry:  NewRegistry(a, store, cfg.SessionTTL),
		tracer:    otel.Tracer("github.com/comigor/calcai/internal/server"),
	}
	go s.registry.Run(ctx)

	limited := rateLimit(ctx, cfg.ChatLimit)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /ask", limited(http.HandlerFunc(s.handleAsk)))

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.withSession(s.handleSnapshot))
	mux.HandleFunc("GET /api/sessions/{id}/archive", s.withSession(s.handleArchive))

	mux.HandleFunc("GET /api/sessions/{id}/calc", s.withSession(s.handleCalcState))
	mux.HandleFunc("POST /api/sessions/{id}/calc/input", s.withSession(s.handleCalcInput))
	mux.HandleFunc("POST /api/sessions/{id}/calc/function", s.withSession(s.handleCalcFunction))
	mux.HandleFunc("POST /api/sessions/{id}/calc/delete", s.withSession(s.handleCalcDelete))
	mux.HandleFunc("POST /api/sessions/{id}/calc/clear", s.withSession(s.handleCalcClear))
	mux.HandleFunc("POST /api/sessions/{id}/calc/evaluate", s.withSession(s.handleCalcEvaluate))
	mux.HandleFunc("GET /api/sessions/{id}/calc/history", s.withSession(s.handleHistory))
	mux.HandleFunc("DELETE /api/sessions/{id}/calc/history", s.withSession(s.handleClearHistory))
	mux.HandleFunc("POST /api/sessions/{id}/calc/history/{index}/select", s.withSession(s.handleSelectHistory))

	mux.HandleFunc("GET /api/sessions/{id}/chat", s.withSession(s.handleTranscript))
	mux.Handle("POST /api/sessions/{id}/chat", limited(s.withSession(s.handleChat)))

	s.handler = s.traced(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Registry returns the live session registry.
func (s *Server) Registry() *Registry { return s.registry }

// ListenAndServe serves on the configured address until ctx is done, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.registry.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h(w, r, sess)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// Response bodies.

type chatMessage struct {
	chat.Message
	HTML string `json:"html"`
}

type transcript struct {
	Pending  bool          `json:"pending"`
	Messages []chatMessage `json:"messages"`
}

type snapshot struct {
	ID         string           `json:"id"`
	Calculator calculator.State `json:"calculator"`
	Chat       transcript       `json:"chat"`
}

type evaluation struct {
	calculator.State
	Evaluated bool   `json:"evaluated"`
	Error     string `json:"error,omitempty"`
}

type archive struct {
	Calculations []history.Calculation `json:"calculations"`
	Messages     []history.Message     `json:"messages"`
}

func viewMessage(m chat.Message) chatMessage {
	return chatMessage{Message: m, HTML: chat.RenderHTML(m.Text)}
}

func viewTranscript(c *chat.Conversation) transcript {
	msgs := c.Messages()
	out := transcript{Pending: c.Pending(), Messages: make([]chatMessage, len(msgs))}
	for i, m := range msgs {
		out.Messages[i] = viewMessage(m)
	}
	return out
}

// Handlers.

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.registry.Len()})
}

// handleAsk answers a raw-body question without a session.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.L.Error("read body error", "err", err)
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	logger.L.Info("inference request", "body", string(body))

	reply := s.assistant.Ask(r.Context(), string(body))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !reply.OK() {
		logger.L.Error("process error", "err", reply.Err, "body", string(body))
		w.WriteHeader(http.StatusBadGateway)
	}
	io.WriteString(w, reply.Display())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Create()
	writeJSON(w, http.StatusCreated, snapshot{
		ID:         sess.ID,
		Calculator: sess.Calc.State(),
		Chat:       viewTranscript(sess.Chat),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, snapshot{
		ID:         sess.ID,
		Calculator: sess.Calc.State(),
		Chat:       viewTranscript(sess.Chat),
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, sess *Session) {
	out := archive{Calculations: []history.Calculation{}, Messages: []history.Message{}}
	if s.store != nil {
		out.Calculations = append(out.Calculations, s.store.ListCalculations(sess.ID)...)
		out.Messages = append(out.Messages, s.store.ListMessages(sess.ID)...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCalcState(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, sess.Calc.State())
}

func (s *Server) handleCalcInput(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess.Calc.Append(req.Token)
	writeJSON(w, http.StatusOK, sess.Calc.State())
}

func (s *Server) handleCalcFunction(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess.Calc.AppendFunction(req.Prefix)
	writeJSON(w, http.StatusOK, sess.Calc.State())
}

func (s *Server) handleCalcDelete(w http.ResponseWriter, r *http.Request, sess *Session) {
	sess.Calc.DeleteLast()
	writeJSON(w, http.StatusOK, sess.Calc.State())
}

func (s *Server) handleCalcClear(w http.ResponseWriter, r *http.Request, sess *Session) {
	sess.Calc.Clear()
	writeJSON(w, http.StatusOK, sess.Calc.State())
}

func (s *Server) handleCalcEvaluate(w http.ResponseWriter, r *http.Request, sess *Session) {
	_, span := s.tracer.Start(r.Context(), "calculator.Evaluate")
	out := sess.Calc.Evaluate()
	span.SetAttributes(attribute.Bool("calc.ok", out.OK()))
	span.End()

	resp := evaluation{State: sess.Calc.State(), Evaluated: out.Evaluated}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, sess.Calc.History())
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request, sess *Session) {
	sess.Calc.ClearHistory()
	writeJSON(w, http.StatusOK, sess.Calc.State())
}

func (s *Server) handleSelectHistory(w http.ResponseWriter, r *http.Request, sess *Session) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid history index")
		return
	}
	if _, ok := sess.Calc.Recall(index); !ok {
		writeError(w, http.StatusNotFound, "no such history entry")
		return
	}
	writeJSON(w, http.StatusOK, sess.Calc.State())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, viewTranscript(sess.Chat))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Query string `json:"query"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := sess.Chat.Send(r.Context(), req.Query)
	switch {
	case errors.Is(err, chat.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, viewMessage(msg))
	}
}
