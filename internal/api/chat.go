package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/user/conclave/internal/attachment"
	"github.com/user/conclave/internal/relay"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
)

// Response headers of POST /api/chat.
const (
	HeaderConversationID = "X-Conversation-Id"
	HeaderMessageID      = "X-Message-Id"
	HeaderResponseID     = "X-Response-Id"
	HeaderAssistantID    = "X-Assistant-Id"
	HeaderSessionID      = "X-Session-Id"
)

type chatRequest struct {
	Messages          []llm.Message           `json:"messages"`
	ConversationID    string                  `json:"conversationId,omitempty"`
	AssistantID       string                  `json:"assistantId,omitempty"`
	Model             string                  `json:"model,omitempty"`
	Instructions      string                  `json:"instructions,omitempty"`
	ContinuationToken string                  `json:"continuationToken,omitempty"`
	Stream            *bool                   `json:"stream,omitempty"`
	Attachments       []attachment.Descriptor `json:"attachments,omitempty"`
}

func (r *chatRequest) streaming() bool {
	return r.Stream == nil || *r.Stream
}

type chatResponse struct {
	Text           string `json:"text"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	ResponseID     string `json:"responseId,omitempty"`
	AssistantID    string `json:"assistantId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	State          string `json:"state"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Role != llm.RoleUser {
		writeError(w, http.StatusBadRequest, "messages must end with a user message")
		return
	}
	if err := s.deps.Relay.Ready(); err != nil {
		s.writeRelayError(w, types.ConversationID(req.ConversationID), err)
		return
	}
	ctx := r.Context()
	last := req.Messages[len(req.Messages)-1]

	conv, err := s.deps.Conversations.Ensure(ctx, types.ParseConversationID(req.ConversationID), last.Content)
	if err != nil {
		s.logger.Error("ensure conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	agent, err := s.deps.Conversations.ResolveAgent(ctx, conv, types.AgentID(req.AssistantID))
	if err != nil {
		s.logger.Error("resolve agent failed", "conversation_id", conv.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Prior turns come from the request when it carries them, otherwise
	// from the store.
	history := req.Messages[:len(req.Messages)-1]
	if len(history) == 0 {
		history, err = s.deps.Conversations.History(ctx, conv.ID, s.deps.HistoryLimit)
		if err != nil {
			s.logger.Error("load history failed", "conversation_id", conv.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	userText, stored := last.Content, last.Content
	if len(req.Attachments) > 0 && s.deps.Resolver != nil {
		resolved := s.deps.Resolver.Resolve(ctx, req.Attachments)
		userText = attachment.Merge(last.Content, resolved)
		stored = last.Content + "\n\n" + attachment.Summary(resolved)
	}

	continuation := req.ContinuationToken
	if continuation == "" && agent == "" {
		continuation = conv.LastCorrelationID
	}

	sess, err := s.deps.Relay.Start(ctx, &relay.Request{
		ConversationID:    conv.ID,
		History:           history,
		UserText:          userText,
		StoredUserText:    stored,
		AgentID:           agent,
		Model:             req.Model,
		Instructions:      req.Instructions,
		ContinuationToken: continuation,
	})
	if err != nil {
		s.writeRelayError(w, conv.ID, err)
		return
	}

	h := w.Header()
	h.Set(HeaderConversationID, string(conv.ID))
	h.Set(HeaderMessageID, string(sess.MessageID()))
	if sess.Mode == relay.ModeStateful {
		h.Set(HeaderAssistantID, string(sess.AgentID))
		h.Set(HeaderSessionID, sess.CorrelationID)
	} else if sess.CorrelationID != "" {
		h.Set(HeaderResponseID, sess.CorrelationID)
	}

	if !req.streaming() {
		s.respondWhole(w, sess)
		return
	}
	s.respondStream(w, sess)
}

func (s *Server) respondStream(w http.ResponseWriter, sess *relay.Session) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	broken := false
	for chunk := range sess.Output() {
		if broken {
			continue
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			broken = true
			sess.Cancel()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	res := sess.Wait()
	if res.MessageID != "" {
		w.Header().Set(http.TrailerPrefix+HeaderMessageID, string(res.MessageID))
	}
	if res.Err != nil {
		s.logger.Warn("chat stream ended early", "conversation_id", sess.ConversationID, "state", res.State, "error", res.Err)
	}
}

func (s *Server) respondWhole(w http.ResponseWriter, sess *relay.Session) {
	for range sess.Output() {
	}
	res := sess.Wait()
	if res.State == relay.StateFailed && res.Text == "" {
		s.writeRelayError(w, sess.ConversationID, res.Err)
		return
	}

	body := chatResponse{
		Text:           res.Text,
		ConversationID: string(sess.ConversationID),
		MessageID:      string(sess.MessageID()),
		State:          res.State.String(),
	}
	if sess.Mode == relay.ModeStateful {
		body.AssistantID = string(sess.AgentID)
		body.SessionID = sess.CorrelationID
	} else {
		body.ResponseID = sess.CorrelationID
	}
	w.Header().Set(HeaderMessageID, body.MessageID)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeRelayError(w http.ResponseWriter, conversationID types.ConversationID, err error) {
	if errors.Is(err, llm.ErrMissingCredential) {
		writeError(w, http.StatusUnauthorized, "upstream credential is not configured")
		return
	}
	s.logger.Error("chat failed", "conversation_id", conversationID, "error", err)
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		writeError(w, http.StatusInternalServerError, apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
