// internal/api/server.go
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/user/conclave/internal/attachment"
	"github.com/user/conclave/internal/auth"
	"github.com/user/conclave/internal/conversation"
	"github.com/user/conclave/internal/metrics"
	"github.com/user/conclave/internal/orchestrator"
	"github.com/user/conclave/internal/relay"
	"github.com/user/conclave/internal/types"
)

// Deps wires the server to the core components.
type Deps struct {
	Relay         *relay.Relay
	Orchestrator  *orchestrator.Orchestrator
	Conversations *conversation.Service
	Resolver      *attachment.Resolver
	Transcripts   types.TranscriptStore
	Verifier      auth.TokenVerifier
	Metrics       *metrics.Metrics
	// HistoryLimit caps stored turns loaded as prior context.
	HistoryLimit int
	// CollaborateRate and CollaborateBurst limit collaboration requests per
	// token subject. A zero rate disables the limit.
	CollaborateRate  rate.Limit
	CollaborateBurst int
}

// Server is the HTTP surface of the service.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	logger *slog.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		mux:      http.NewServeMux(),
		logger:   slog.Default().With("component", "api"),
		limiters: make(map[string]*rate.Limiter),
	}
	requireAuth := auth.Middleware(deps.Verifier)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", deps.Metrics.Handler())
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.Handle("POST /api/collaborate", requireAuth(http.HandlerFunc(s.handleCollaborate)))
	s.mux.Handle("GET /api/conversations/{id}/transcript", requireAuth(http.HandlerFunc(s.handleTranscript)))
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// limiter returns the collaboration limiter for subject.
func (s *Server) limiter(subject string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[subject]
	if !ok {
		burst := s.deps.CollaborateBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(s.deps.CollaborateRate, burst)
		s.limiters[subject] = l
	}
	return l
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
