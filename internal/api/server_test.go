package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/user/conclave/internal/attachment"
	"github.com/user/conclave/internal/auth"
	"github.com/user/conclave/internal/conversation"
	"github.com/user/conclave/internal/orchestrator"
	"github.com/user/conclave/internal/relay"
	"github.com/user/conclave/internal/state"
	"github.com/user/conclave/internal/store"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
)

type fakeBackend struct {
	mu        sync.Mutex
	streamErr error
	failAgent string
	finalErr  error
	readyErr  error
	requests  []*llm.Request
	calls     int
}

func (f *fakeBackend) Ready() error { return f.readyErr }

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.finalErr != nil {
		return nil, f.finalErr
	}
	return &llm.Response{ID: "chat_1", Content: "Launch in three phases."}, nil
}

func (f *fakeBackend) Stream(ctx context.Context, req *llm.Request) (*llm.Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.calls++
	f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return llm.StreamOf("resp_1", "Hello", " back"), nil
}

func (f *fakeBackend) CreateSession(ctx context.Context, seed []llm.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return "thread_1", nil
}

func (f *fakeBackend) Run(ctx context.Context, sessionID string, req *llm.RunRequest) (*llm.Stream, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if req.AgentID == f.failAgent {
		return nil, &llm.APIError{StatusCode: 500, Message: "agent unavailable"}
	}
	return llm.StreamOf("run_"+req.AgentID, "thoughts from ", req.AgentID), nil
}

const testSecret = "test-secret"

type harness struct {
	server  *Server
	backend *fakeBackend
	store   *store.SQLiteStore
	convs   *conversation.Service
	token   string
}

func newHarness(t *testing.T, defaultAgent types.AgentID) *harness {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "conclave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := &fakeBackend{}
	convs := conversation.NewService(st, defaultAgent)
	transcripts := state.NewTranscriptStore(dir)
	roster := []types.AgentProfile{
		{ID: "a1", Name: "Strategist"},
		{ID: "a2", Name: "Engineer"},
		{ID: "a3", Name: "Designer"},
		{ID: "a4", Name: "Marketer"},
	}
	verifier := auth.NewJWTVerifier([]byte(testSecret))
	token, err := verifier.Generate("tester", time.Hour)
	require.NoError(t, err)

	srv := NewServer(Deps{
		Relay:         relay.New(backend, convs, relay.Options{Transcripts: transcripts}),
		Orchestrator:  orchestrator.New(backend, orchestrator.Options{Roster: roster, Transcripts: transcripts}),
		Conversations: convs,
		Resolver:      attachment.NewResolver(nil, attachment.Options{}),
		Transcripts:   transcripts,
		Verifier:      verifier,
		HistoryLimit:  20,
	})
	return &harness{server: srv, backend: backend, store: st, convs: convs, token: token}
}

func (h *harness) do(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	ts := httptest.NewServer(h.server)
	t.Cleanup(ts.Close)
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatStreamsStatelessResponse(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages":       []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
		"conversationId": "c1",
	}, false)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resp_1", resp.Header.Get(HeaderResponseID))
	assert.Equal(t, "c1", resp.Header.Get(HeaderConversationID))
	assert.NotEmpty(t, resp.Header.Get(HeaderMessageID))
	assert.Empty(t, resp.Header.Get(HeaderSessionID))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hello back", string(body))
	assert.NotEmpty(t, resp.Trailer.Get(HeaderMessageID))

	hist, err := h.convs.History(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "Hello", hist[0].Content)
	assert.Equal(t, "Hello back", hist[1].Content)
}

func TestChatContinuesFromLastCorrelation(t *testing.T) {
	h := newHarness(t, "")
	first := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages":       []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
		"conversationId": "c1",
	}, false)
	io.ReadAll(first.Body)

	second := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages":       []llm.Message{{Role: llm.RoleUser, Content: "And then?"}},
		"conversationId": "c1",
	}, false)
	io.ReadAll(second.Body)

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	require.Len(t, h.backend.requests, 2)
	assert.Empty(t, h.backend.requests[0].PreviousID)
	assert.Equal(t, "resp_1", h.backend.requests[1].PreviousID)
}

func TestChatStatefulHeaders(t *testing.T) {
	h := newHarness(t, "asst_default")
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages": []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	}, false)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "asst_default", resp.Header.Get(HeaderAssistantID))
	assert.Equal(t, "thread_1", resp.Header.Get(HeaderSessionID))
	assert.Empty(t, resp.Header.Get(HeaderResponseID))

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "thoughts from asst_default", string(body))
}

func TestChatWithoutStreaming(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages": []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
		"stream":   false,
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out chatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Hello back", out.Text)
	assert.Equal(t, "resp_1", out.ResponseID)
	assert.Equal(t, "completed", out.State)
	assert.NotEmpty(t, out.MessageID)
}

func TestChatMissingCredential(t *testing.T) {
	h := newHarness(t, "")
	h.backend.readyErr = llm.ErrMissingCredential
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages":       []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
		"conversationId": "c-unconfigured",
		"assistantId":    "a1",
		"attachments":    []attachment.Descriptor{{Name: "notes.txt", Text: "inline"}},
	}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err := h.store.GetConversation(context.Background(), "c-unconfigured")
	assert.ErrorIs(t, err, store.ErrNotFound)
	turns, err := h.store.ListTurns(context.Background(), "c-unconfigured", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
	assert.Zero(t, h.backend.callCount())
}

func TestChatCredentialRejectedAtStream(t *testing.T) {
	h := newHarness(t, "")
	h.backend.streamErr = llm.ErrMissingCredential
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages": []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatUpstreamErrorMessage(t *testing.T) {
	h := newHarness(t, "")
	h.backend.streamErr = &llm.APIError{StatusCode: 429, Message: "quota exceeded"}
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages": []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	}, false)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var out errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "quota exceeded", out.Error)
}

func TestChatRejectsBadRequests(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages": []llm.Message{{Role: llm.RoleAssistant, Content: "hi"}},
	}, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatMergesInlineAttachments(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodPost, "/api/chat", map[string]any{
		"messages":       []llm.Message{{Role: llm.RoleUser, Content: "Summarize"}},
		"conversationId": "c2",
		"attachments":    []attachment.Descriptor{{Name: "notes.txt", MimeType: "text/plain", Text: "alpha beta"}},
	}, false)
	io.ReadAll(resp.Body)

	h.backend.mu.Lock()
	sent := h.backend.requests[0].Messages
	h.backend.mu.Unlock()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "[Attachment: notes.txt]")
	assert.Contains(t, sent[0].Content, "alpha beta")

	hist, err := h.convs.History(context.Background(), "c2", 0)
	require.NoError(t, err)
	assert.NotContains(t, hist[0].Content, "alpha beta")
	assert.Contains(t, hist[0].Content, "notes.txt")
}

func TestCollaborateWithOneFailingAgent(t *testing.T) {
	h := newHarness(t, "")
	h.backend.failAgent = "a3"
	resp := h.do(t, http.MethodPost, "/api/collaborate", map[string]any{
		"message":        "Plan a product launch",
		"conversationId": "c3",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out collaborateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Success)
	cr := out.CollaborativeResponse
	assert.Equal(t, "Plan a product launch", cr.UserQuestion)
	require.Len(t, cr.InitialThoughts, 4)
	require.Len(t, cr.CrossDiscussion, 4)
	assert.Equal(t, "a1", cr.InitialThoughts[0].AssistantID)
	assert.True(t, strings.HasPrefix(cr.InitialThoughts[2].InitialThought, "Error: "))
	assert.Equal(t, "Launch in three phases.", cr.FinalAnswer)
	assert.False(t, cr.Timestamp.IsZero())

	hist, err := h.convs.History(context.Background(), "c3", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "Launch in three phases.", hist[1].Content)
}

func TestCollaborateSynthesisFailure(t *testing.T) {
	h := newHarness(t, "")
	h.backend.finalErr = errors.New("upstream down")
	resp := h.do(t, http.MethodPost, "/api/collaborate", map[string]any{"message": "Plan"}, true)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var out errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Failed to generate collaborative response", out.Error)
	assert.Contains(t, out.Details, "upstream down")
}

func TestCollaborateMissingCredential(t *testing.T) {
	h := newHarness(t, "")
	h.backend.readyErr = llm.ErrMissingCredential
	resp := h.do(t, http.MethodPost, "/api/collaborate", map[string]any{
		"message":        "Plan",
		"conversationId": "c-unconfigured",
	}, true)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var out errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "upstream credential is not configured", out.Error)
	assert.Empty(t, out.Details)

	_, err := h.store.GetConversation(context.Background(), "c-unconfigured")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.backend.callCount())
}

func TestCollaborateRequiresToken(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodPost, "/api/collaborate", map[string]any{"message": "Plan"}, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCollaborateRateLimit(t *testing.T) {
	h := newHarness(t, "")
	h.server.deps.CollaborateRate = rate.Every(time.Hour)
	h.server.deps.CollaborateBurst = 1

	first := h.do(t, http.MethodPost, "/api/collaborate", map[string]any{"message": "Plan"}, true)
	assert.Equal(t, http.StatusOK, first.StatusCode)
	second := h.do(t, http.MethodPost, "/api/collaborate", map[string]any{"message": "Plan"}, true)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestTranscriptEndpoint(t *testing.T) {
	h := newHarness(t, "")
	resp := h.do(t, http.MethodPost, "/api/collaborate", map[string]any{
		"message":        "Plan",
		"conversationId": "c4",
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tr := h.do(t, http.MethodGet, "/api/conversations/c4/transcript?limit=3", nil, true)
	require.Equal(t, http.StatusOK, tr.StatusCode)
	var out transcriptResponse
	require.NoError(t, json.NewDecoder(tr.Body).Decode(&out))
	assert.Equal(t, int64(9), out.Total)
	require.Len(t, out.Entries, 3)
	assert.Equal(t, types.StageSynthesis, out.Entries[2].Stage)

	bad := h.do(t, http.MethodGet, "/api/conversations/c4/transcript?limit=x", nil, true)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}
