// Package api serves the REST surface of the relay: session creation,
// retrieval of saved transcripts and recordings, and the WebSocket route
// handed to the relay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/centrum-dating/centrum/internal/observe"
	"github.com/centrum-dating/centrum/internal/session"
	"github.com/centrum-dating/centrum/internal/storage"
	"github.com/google/uuid"
)

// maxStartBody bounds the start request body.
const maxStartBody = 64 << 10

// Config wires a [Server].
type Config struct {
	Sessions *session.Store
	Storage  storage.Storage

	// Relay serves GET /api/conversation/{id}/ws.
	Relay http.Handler

	// Metrics records session starts. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// HasCredentials reports whether upstream credentials are configured.
	// Session creation fails with 500 when it returns false.
	HasCredentials func() bool

	// PublicBaseURL, when set, makes websocket_url absolute.
	PublicBaseURL string
}

// Server implements the REST handlers.
type Server struct {
	sessions       *session.Store
	storage        storage.Storage
	relay          http.Handler
	metrics        *observe.Metrics
	hasCredentials func() bool
	wsBase         string
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	s := &Server{
		sessions:       cfg.Sessions,
		storage:        cfg.Storage,
		relay:          cfg.Relay,
		metrics:        cfg.Metrics,
		hasCredentials: cfg.HasCredentials,
		wsBase:         websocketBase(cfg.PublicBaseURL),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.hasCredentials == nil {
		s.hasCredentials = func() bool { return true }
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.root)
	mux.HandleFunc("POST /api/conversation/start", s.startConversation)
	mux.Handle("GET /api/conversation/{id}/ws", s.relay)
	mux.HandleFunc("GET /api/conversation/{id}", s.getConversation)
	mux.HandleFunc("GET /api/conversation/{id}/audio", s.getAudio)
	mux.HandleFunc("GET /api/conversations", s.listConversations)
}

type startRequest struct {
	UserID string `json:"user_id"`
}

type startResponse struct {
	SessionID    string `json:"session_id"`
	WebsocketURL string `json:"websocket_url"`
}

// ConversationSummary is one entry of the conversation listing.
type ConversationSummary struct {
	SessionID    string         `json:"session_id"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at"`
	MessageCount int            `json:"message_count"`
	Status       session.Status `json:"status"`
}

type listResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Centrum API", "status": "running"})
}

func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	if !s.hasCredentials() {
		writeError(w, http.StatusInternalServerError, "conversation service credentials not configured")
		return
	}

	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBody))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess := s.sessions.Create(strings.TrimSpace(req.UserID))
	s.metrics.SessionsStarted.Add(r.Context(), 1)
	observe.WithSession(observe.Logger(r.Context()), sess.ID()).Info("session created", "user_id", sess.UserID())

	writeJSON(w, http.StatusOK, startResponse{
		SessionID:    sess.ID(),
		WebsocketURL: s.wsBase + "/api/conversation/" + sess.ID() + "/ws",
	})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	data, err := s.storage.Read(r.Context(), storage.ConversationKey(id))
	if err != nil {
		s.readFailed(w, r, err, "Conversation not found")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) getAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Audio not found")
		return
	}
	data, err := s.storage.Read(r.Context(), storage.RecordingKey(id))
	if err != nil {
		s.readFailed(w, r, err, "Audio not found")
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.wav"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.conversations(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Error("list conversations failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Conversations: list})
}

// conversations loads every saved transcript, newest first. Unreadable
// entries are skipped.
func (s *Server) conversations(ctx context.Context) ([]ConversationSummary, error) {
	keys, err := s.storage.List(ctx, storage.ConversationsPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := s.storage.Read(ctx, key)
		if err != nil {
			slog.Warn("skipping unreadable transcript", "key", key, "err", err)
			continue
		}
		var tr session.Transcript
		if err := json.Unmarshal(data, &tr); err != nil {
			slog.Warn("skipping malformed transcript", "key", key, "err", err)
			continue
		}
		out = append(out, ConversationSummary{
			SessionID:    tr.SessionID,
			StartedAt:    tr.StartedAt,
			EndedAt:      tr.EndedAt,
			MessageCount: len(tr.Messages),
			Status:       tr.Status,
		})
	}
	slices.SortStableFunc(out, func(a, b ConversationSummary) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return out, nil
}

func (s *Server) readFailed(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	observe.Logger(r.Context()).Error("storage read failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "storage unavailable")
}

// sessionID returns the {id} path value if it is a canonical UUID.
func sessionID(r *http.Request) (string, bool) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil || id.String() != raw {
		return "", false
	}
	return raw, true
}

// websocketBase converts the public base URL to its ws/wss origin, or returns
// "" for relative websocket URLs.
func websocketBase(public string) string {
	if public == "" {
		return ""
	}
	u, err := url.Parse(public)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return strings.TrimRight(u.String(), "/")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
