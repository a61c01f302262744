// Package api serves the classroom HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	orchestration "github.com/koscakluka/ema-classroom/core"
	"github.com/koscakluka/ema-classroom/core/conversations"
	"github.com/koscakluka/ema-classroom/internal/metrics"
	"github.com/koscakluka/ema-classroom/internal/room"
	"github.com/koscakluka/ema-classroom/internal/store"
	"github.com/koscakluka/ema-classroom/internal/transcript"
)

const defaultHistoryLimit = 20

// Sessions is the subset of *orchestration.Coordinator the API drives.
type Sessions interface {
	Start(ctx context.Context, sessionID string, transport orchestration.Transport) (*orchestration.Handle, error)
	Stop(sessionID string) error
	SubmitTextInput(sessionID string, text string) error
	RecentHistory(sessionID string, n int) ([]conversations.TurnEvent, error)
	ActiveSessions() int
}

// TransportDecorator wraps the room transport of a session before it starts.
type TransportDecorator func(sessionID string, transport orchestration.Transport) orchestration.Transport

type Server struct {
	sessions Sessions
	reader   store.Reader
	metrics  *metrics.Metrics
	decorate TransportDecorator
	log      *slog.Logger

	// ctx bounds every session started through the API.
	ctx        context.Context
	router     chi.Router
	httpServer *http.Server
	port       int
}

type Option func(*Server)

// WithReader enables the stored transcript endpoint.
func WithReader(reader store.Reader) Option {
	return func(s *Server) { s.reader = reader }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithTransportDecorator(decorate TransportDecorator) Option {
	return func(s *Server) { s.decorate = decorate }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer builds the router. Sessions started through it live until they
// are stopped, their room disconnects or ctx ends.
func NewServer(ctx context.Context, sessions Sessions, port int, opts ...Option) *Server {
	srv := &Server{
		sessions: sessions,
		log:      slog.Default(),
		ctx:      ctx,
		port:     port,
	}
	for _, opt := range opts {
		opt(srv)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/ws", srv.handleRoom)
			r.Post("/text", srv.handleText)
			r.Post("/stop", srv.handleStop)
			r.Get("/history", srv.handleHistory)
			r.Get("/transcript", srv.handleTranscript)
		})
	})
	if srv.metrics != nil {
		r.Handle("/metrics", srv.metrics.Handler())
	}

	srv.router = r
	return srv
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "classroom.api")
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("starting HTTP API", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"service":         "classroom",
		"active_sessions": s.sessions.ActiveSessions(),
	})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rm, err := room.Upgrade(w, r, room.WithLogger(s.log.With("session_id", sessionID)))
	if err != nil {
		s.log.Warn("room upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer rm.Close()

	var transport orchestration.Transport = rm
	if s.decorate != nil {
		transport = s.decorate(sessionID, rm)
	}

	startedAt := time.Now()
	handle, err := s.sessions.Start(s.ctx, sessionID, transport)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SessionFailed()
		}
		s.log.Warn("session start failed", "session_id", sessionID, "error", err)
		_ = rm.PublishSideband(mustJSON(map[string]string{"type": "error", "error": err.Error()}), "session")
		return
	}
	if s.metrics != nil {
		s.metrics.SessionStarted()
		defer func() { s.metrics.SessionStopped(time.Since(startedAt)) }()
	}

	go func() {
		select {
		case <-handle.Done():
			rm.Close()
		case <-rm.Done():
		}
	}()

	if err := rm.Serve(s.ctx); err != nil {
		s.log.Info("room disconnected", "session_id", handle.ID(), "error", err)
	}
	if err := handle.Stop(); err != nil {
		s.log.Warn("session stop failed", "session_id", handle.ID(), "error", err)
	}
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	err := s.sessions.SubmitTextInput(sessionID, req.Text)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, orchestration.ErrEmptyTextInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
	case errors.Is(err, orchestration.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	default:
		s.log.Error("submit text failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.sessions.Stop(sessionID); err != nil {
		if errors.Is(err, orchestration.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		s.log.Error("stop session failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyItem struct {
	ID        string     `json:"id"`
	Sequence  uint64     `json:"sequence"`
	Role      string     `json:"role"`
	Source    string     `json:"source"`
	Persona   string     `json:"persona,omitempty"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Text      *string    `json:"text"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	limit := defaultHistoryLimit
	if l := r.URL.Query().Get("n"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	turns, err := s.sessions.RecentHistory(sessionID, limit)
	if err != nil {
		if errors.Is(err, orchestration.ErrSessionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		s.log.Error("history failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	items := make([]historyItem, 0, len(turns))
	for _, turn := range turns {
		item := historyItem{
			ID:        turn.ID.String(),
			Sequence:  turn.Sequence,
			Role:      string(turn.Role),
			Source:    string(turn.Source),
			Persona:   turn.Persona,
			Status:    string(turn.Status),
			Reason:    turn.StatusReason,
			Text:      turn.FinalizedText,
			StartedAt: turn.StartedAt,
		}
		if !turn.EndedAt.IsZero() {
			ended := turn.EndedAt
			item.EndedAt = &ended
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no transcript store configured"})
		return
	}
	sessionID := chi.URLParam(r, "sessionID")

	doc, err := transcript.Load(r.Context(), s.reader, sessionID)
	if err != nil {
		s.log.Error("load transcript failed", "session_id", sessionID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if doc.Session == nil && len(doc.Entries) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found"})
		return
	}

	formatParam := r.URL.Query().Get("format")
	if formatParam == "" || formatParam == "json" {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	format, err := transcript.ParseFormat(formatParam)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	contentType := "text/plain; charset=utf-8"
	if format == transcript.FormatMarkdown {
		contentType = "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if err := transcript.Write(w, doc, format, time.Now()); err != nil {
		s.log.Warn("write transcript failed", "session_id", sessionID, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
