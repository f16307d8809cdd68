package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/conclave/internal/auth"
	"github.com/user/conclave/internal/orchestrator"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
)

type collaborateRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

type initialThought struct {
	AssistantID    string `json:"assistantId"`
	Name           string `json:"name"`
	InitialThought string `json:"initialThought"`
}

type discussionEntry struct {
	AssistantID string `json:"assistantId"`
	Name        string `json:"name"`
	Discussion  string `json:"discussion"`
}

type collaborativeResponse struct {
	UserQuestion    string            `json:"userQuestion"`
	InitialThoughts []initialThought  `json:"initialThoughts"`
	CrossDiscussion []discussionEntry `json:"crossDiscussion"`
	FinalAnswer     string            `json:"finalAnswer"`
	Timestamp       time.Time         `json:"timestamp"`
}

type collaborateResponse struct {
	Success               bool                  `json:"success"`
	ConversationID        string                `json:"conversationId"`
	CollaborativeResponse collaborativeResponse `json:"collaborativeResponse"`
}

func newCollaborativeResponse(res *orchestrator.Result) collaborativeResponse {
	out := collaborativeResponse{
		UserQuestion:    res.UserQuestion,
		InitialThoughts: make([]initialThought, 0, len(res.Initial)),
		CrossDiscussion: make([]discussionEntry, 0, len(res.Discussion)),
		FinalAnswer:     res.FinalAnswer,
		Timestamp:       res.Timestamp,
	}
	for _, r := range res.Initial {
		out.InitialThoughts = append(out.InitialThoughts, initialThought{
			AssistantID:    string(r.AgentID),
			Name:           r.Name,
			InitialThought: r.Text,
		})
	}
	for _, r := range res.Discussion {
		out.CrossDiscussion = append(out.CrossDiscussion, discussionEntry{
			AssistantID: string(r.AgentID),
			Name:        r.Name,
			Discussion:  r.Text,
		})
	}
	return out
}

func (s *Server) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	subject := auth.SubjectFrom(r.Context())
	if s.deps.CollaborateRate > 0 && !s.limiter(subject).Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req collaborateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := s.deps.Orchestrator.Ready(); err != nil {
		s.writeUnconfigured(w, err)
		return
	}

	ctx := r.Context()
	conv, err := s.deps.Conversations.Ensure(ctx, types.ParseConversationID(req.ConversationID), req.Message)
	if err != nil {
		s.logger.Error("ensure conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if _, err := s.deps.Conversations.SaveTurn(ctx, &types.Turn{
		ConversationID: conv.ID,
		Role:           types.RoleUser,
		Content:        req.Message,
	}); err != nil {
		s.logger.Error("saving user turn failed", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	res, err := s.deps.Orchestrator.Collaborate(ctx, conv.ID, req.Message)
	if err != nil {
		var synthErr *orchestrator.SynthesisError
		switch {
		case errors.Is(err, llm.ErrMissingCredential):
			s.writeUnconfigured(w, err)
		case errors.As(err, &synthErr):
			writeJSON(w, http.StatusInternalServerError, errorBody{
				Error:   "Failed to generate collaborative response",
				Details: synthErr.Error(),
			})
		case errors.Is(err, orchestrator.ErrCancelled):
			s.logger.Info("collaboration abandoned by client", "conversation_id", conv.ID)
			writeError(w, http.StatusServiceUnavailable, "request cancelled")
		default:
			s.logger.Error("collaboration failed", "conversation_id", conv.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{
				Error:   "Failed to generate collaborative response",
				Details: err.Error(),
			})
		}
		return
	}

	// The answer is delivered even if persisting it fails.
	if _, err := s.deps.Conversations.SaveTurn(context.WithoutCancel(ctx), &types.Turn{
		ConversationID: conv.ID,
		Role:           types.RoleAssistant,
		Content:        res.FinalAnswer,
	}); err != nil {
		s.logger.Warn("saving final answer failed", "conversation_id", conv.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, collaborateResponse{
		Success:               true,
		ConversationID:        string(conv.ID),
		CollaborativeResponse: newCollaborativeResponse(res),
	})
}

type transcriptResponse struct {
	ConversationID string                   `json:"conversationId"`
	Total          int64                    `json:"total"`
	Entries        []*types.TranscriptEntry `json:"entries"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcripts == nil {
		writeError(w, http.StatusNotFound, "transcripts are disabled")
		return
	}
	id := types.ConversationID(r.PathValue("id"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := s.deps.Transcripts.Tail(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("reading transcript failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	total, err := s.deps.Transcripts.Count(r.Context(), id)
	if err != nil {
		s.logger.Error("counting transcript failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []*types.TranscriptEntry{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		ConversationID: string(id),
		Total:          total,
		Entries:        entries,
	})
}

// writeUnconfigured answers 503: the caller's session token was accepted but
// the service cannot reach the upstream.
func (s *Server) writeUnconfigured(w http.ResponseWriter, err error) {
	s.logger.Error("collaboration unavailable", "error", err)
	writeError(w, http.StatusServiceUnavailable, "upstream credential is not configured")
}
