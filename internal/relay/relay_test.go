package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/conclave/internal/gate"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
)

type fakeBackend struct {
	mu          sync.Mutex
	streamReq   *llm.Request
	seed        []llm.Message
	runReq      *llm.RunRequest
	runSession  string
	streamFunc  func(ctx context.Context) (*llm.Stream, error)
	sessionErr  error
	sessionOpen int
	readyErr    error
}

func (f *fakeBackend) Ready() error { return f.readyErr }

func (f *fakeBackend) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (f *fakeBackend) Stream(ctx context.Context, req *llm.Request) (*llm.Stream, error) {
	f.mu.Lock()
	f.streamReq = req
	f.mu.Unlock()
	return f.streamFunc(ctx)
}

func (f *fakeBackend) CreateSession(ctx context.Context, seed []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return "", f.sessionErr
	}
	f.seed = seed
	f.sessionOpen++
	return "thread_1", nil
}

func (f *fakeBackend) Run(ctx context.Context, sessionID string, req *llm.RunRequest) (*llm.Stream, error) {
	f.mu.Lock()
	f.runSession = sessionID
	f.runReq = req
	f.mu.Unlock()
	return f.streamFunc(ctx)
}

// producer emits chunks, then tail (if any), then blocks until aborted when
// hang is set.
type producer struct {
	id     string
	chunks []string
	tail   error
	hang   bool

	aborted atomic.Bool
}

func (p *producer) stream(ctx context.Context) (*llm.Stream, error) {
	ch := make(chan llm.Delta)
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(ch)
		for _, c := range p.chunks {
			select {
			case ch <- llm.Delta{Content: c}:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if p.tail != nil {
			select {
			case ch <- llm.Delta{Err: p.tail}:
			case <-stop:
			case <-ctx.Done():
			}
			return
		}
		if p.hang {
			select {
			case <-stop:
			case <-ctx.Done():
			}
		}
	}()
	return llm.NewStream(p.id, ch, func() {
		p.aborted.Store(true)
		once.Do(func() { close(stop) })
	}), nil
}

type fakeTurns struct {
	mu           sync.Mutex
	turns        []types.Turn
	correlations []string
	durableID    types.TurnID
}

func (f *fakeTurns) SaveTurn(ctx context.Context, turn *types.Turn) (types.TurnID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, *turn)
	if turn.Role == types.RoleAssistant && f.durableID != "" {
		return f.durableID, nil
	}
	if turn.ID == "" {
		return types.NewTurnID(), nil
	}
	return turn.ID, nil
}

func (f *fakeTurns) SetCorrelation(ctx context.Context, id types.ConversationID, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.correlations = append(f.correlations, correlationID)
	return nil
}

func (f *fakeTurns) byRole(role types.Role) []types.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Turn
	for _, t := range f.turns {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

func drain(s *Session) string {
	var b strings.Builder
	for chunk := range s.Output() {
		b.WriteString(chunk)
	}
	return b.String()
}

func TestStatelessRelayPreservesOrder(t *testing.T) {
	p := &producer{id: "resp_1", chunks: []string{"Hel", "lo", ", ", "world"}}
	backend := &fakeBackend{streamFunc: p.stream}
	turns := &fakeTurns{}
	r := New(backend, turns, Options{BaseInstructions: "Be helpful."})

	s, err := r.Start(context.Background(), &Request{
		ConversationID: "c1",
		History: []llm.Message{
			{Role: llm.RoleSystem, Content: "Answer briefly."},
			{Role: llm.RoleUser, Content: "earlier"},
		},
		UserText:          "Hello",
		ContinuationToken: "resp_0",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != ModeStateless || s.CorrelationID != "resp_1" {
		t.Errorf("unexpected session %s %q", s.Mode, s.CorrelationID)
	}

	if got := drain(s); got != "Hello, world" {
		t.Errorf("expected %q, got %q", "Hello, world", got)
	}
	res := s.Wait()
	if res.State != StateCompleted || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Text != "Hello, world" {
		t.Errorf("unexpected result text %q", res.Text)
	}

	req := backend.streamReq
	if req.Instructions != "Be helpful.\n\nAnswer briefly." {
		t.Errorf("unexpected instructions %q", req.Instructions)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "Hello" {
		t.Errorf("expected only the latest user turn, got %+v", req.Messages)
	}
	if req.PreviousID != "resp_0" {
		t.Errorf("expected continuation token, got %q", req.PreviousID)
	}

	if got := turns.byRole(types.RoleUser); len(got) != 1 || got[0].Content != "Hello" {
		t.Errorf("unexpected user turns %+v", got)
	}
	assistant := turns.byRole(types.RoleAssistant)
	if len(assistant) != 1 || assistant[0].Content != "Hello, world" || assistant[0].CorrelationID != "resp_1" {
		t.Errorf("unexpected assistant turns %+v", assistant)
	}
	if len(turns.correlations) != 1 || turns.correlations[0] != "resp_1" {
		t.Errorf("unexpected correlations %v", turns.correlations)
	}
}

func TestStatefulRelaySeedsSession(t *testing.T) {
	p := &producer{id: "run_7", chunks: []string{"Good ", "idea"}}
	backend := &fakeBackend{streamFunc: p.stream}
	r := New(backend, &fakeTurns{}, Options{})

	s, err := r.Start(context.Background(), &Request{
		ConversationID: "c1",
		History: []llm.Message{
			{Role: llm.RoleSystem, Content: "ignored upstream"},
			{Role: llm.RoleUser, Content: "hi"},
			{Role: llm.RoleAssistant, Content: "hello"},
		},
		UserText: "Plan a launch",
		AgentID:  "asst_a",
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Mode != ModeStateful || s.CorrelationID != "thread_1" || s.RunID != "run_7" {
		t.Errorf("unexpected session %+v", s)
	}
	if got := drain(s); got != "Good idea" {
		t.Errorf("unexpected output %q", got)
	}
	s.Wait()

	if len(backend.seed) != 3 || backend.seed[2].Content != "Plan a launch" || backend.seed[0].Content != "hi" {
		t.Errorf("unexpected seed %+v", backend.seed)
	}
	if backend.runSession != "thread_1" || backend.runReq.AgentID != "asst_a" || backend.runReq.Model != "gpt-4o" {
		t.Errorf("unexpected run %q %+v", backend.runSession, backend.runReq)
	}
}

func TestMissingCredentialFailsBeforeStreaming(t *testing.T) {
	backend := &fakeBackend{streamFunc: func(ctx context.Context) (*llm.Stream, error) {
		return nil, llm.ErrMissingCredential
	}}
	g := gate.New(1)
	r := New(backend, &fakeTurns{}, Options{Gate: g})

	s, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hello"})
	if !errors.Is(err, llm.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if s != nil {
		t.Error("expected no session")
	}
	if g.Active() != 0 {
		t.Error("gate slot leaked")
	}
}

func TestUnconfiguredBackendSavesNothing(t *testing.T) {
	p := &producer{id: "resp_1", chunks: []string{"never"}}
	backend := &fakeBackend{streamFunc: p.stream, readyErr: llm.ErrMissingCredential}
	turns := &fakeTurns{}
	r := New(backend, turns, Options{})

	for _, agent := range []types.AgentID{"", "asst_1"} {
		_, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hello", AgentID: agent})
		if !errors.Is(err, llm.ErrMissingCredential) {
			t.Fatalf("expected ErrMissingCredential, got %v", err)
		}
	}
	if len(turns.turns) != 0 || len(turns.correlations) != 0 {
		t.Errorf("expected nothing persisted, got %+v %v", turns.turns, turns.correlations)
	}
	if backend.streamReq != nil || backend.sessionOpen != 0 {
		t.Error("expected no upstream call")
	}
}

func TestStreamWithoutIDKeepsPreviousCorrelation(t *testing.T) {
	p := &producer{chunks: []string{"Hi"}}
	backend := &fakeBackend{streamFunc: p.stream}
	turns := &fakeTurns{}
	r := New(backend, turns, Options{})

	s, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hello", ContinuationToken: "resp_0"})
	if err != nil {
		t.Fatal(err)
	}
	drain(s)
	if res := s.Wait(); res.State != StateCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(turns.correlations) != 0 {
		t.Errorf("expected no correlation update, got %v", turns.correlations)
	}
}

func TestMidStreamFailureKeepsDeliveredText(t *testing.T) {
	upstream := &llm.APIError{StatusCode: 200, Message: "server overloaded"}
	p := &producer{id: "resp_2", chunks: []string{"partial ", "answer"}, tail: upstream}
	turns := &fakeTurns{}
	r := New(&fakeBackend{streamFunc: p.stream}, turns, Options{})

	s, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got := drain(s); got != "partial answer" {
		t.Errorf("unexpected output %q", got)
	}
	res := s.Wait()
	if res.State != StateFailed {
		t.Errorf("expected failed state, got %s", res.State)
	}
	var apiErr *llm.APIError
	if !errors.As(res.Err, &apiErr) {
		t.Errorf("expected upstream error, got %v", res.Err)
	}
	if a := turns.byRole(types.RoleAssistant); len(a) != 1 || a[0].Content != "partial answer" {
		t.Errorf("expected partial text to be saved, got %+v", a)
	}
}

func TestCancelAbortsUpstream(t *testing.T) {
	p := &producer{id: "resp_3", chunks: []string{"first"}, hang: true}
	g := gate.New(1)
	r := New(&fakeBackend{streamFunc: p.stream}, &fakeTurns{}, Options{Gate: g})

	s, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	if chunk := <-s.Output(); chunk != "first" {
		t.Fatalf("unexpected chunk %q", chunk)
	}
	s.Cancel()

	select {
	case _, ok := <-s.Output():
		if ok {
			t.Error("expected no output after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output channel stayed open after cancel")
	}

	res := s.Wait()
	if res.State != StateCancelled || res.Err != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Text != "first" {
		t.Errorf("delivered text should be kept, got %q", res.Text)
	}
	if !p.aborted.Load() {
		t.Error("upstream was not aborted")
	}
	if g.Active() != 0 {
		t.Error("gate slot leaked")
	}
}

func TestCallerContextCancellation(t *testing.T) {
	p := &producer{id: "resp_4", hang: true}
	r := New(&fakeBackend{streamFunc: p.stream}, &fakeTurns{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	s, err := r.Start(ctx, &Request{ConversationID: "c1", UserText: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	drain(s)
	if res := s.Wait(); res.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", res.State)
	}
	if !p.aborted.Load() {
		t.Error("upstream was not aborted")
	}
}

func TestStreamTimeout(t *testing.T) {
	p := &producer{id: "resp_5", hang: true}
	r := New(&fakeBackend{streamFunc: p.stream}, &fakeTurns{}, Options{StreamTimeout: 30 * time.Millisecond})

	s, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	drain(s)
	res := s.Wait()
	if res.State != StateFailed || !errors.Is(res.Err, ErrStreamTimeout) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestMessageIDSwapsToDurableID(t *testing.T) {
	p := &producer{id: "resp_6", chunks: []string{"same answer"}}
	turns := &fakeTurns{durableID: "durable-1"}
	r := New(&fakeBackend{streamFunc: p.stream}, turns, Options{})

	s, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hello"})
	if err != nil {
		t.Fatal(err)
	}
	optimistic := s.MessageID()
	if optimistic == "" || optimistic == "durable-1" {
		t.Fatalf("unexpected optimistic id %q", optimistic)
	}

	drain(s)
	res := s.Wait()
	if res.MessageID != "durable-1" || s.MessageID() != "durable-1" {
		t.Errorf("expected durable id, got result %q session %q", res.MessageID, s.MessageID())
	}
	if a := turns.byRole(types.RoleAssistant); a[0].ID != optimistic {
		t.Errorf("turn should be saved under the optimistic id, got %q", a[0].ID)
	}
}

func TestSessionCreationFailure(t *testing.T) {
	backend := &fakeBackend{sessionErr: &llm.APIError{StatusCode: 404, Message: "No assistant found"}}
	r := New(backend, &fakeTurns{}, Options{})

	_, err := r.Start(context.Background(), &Request{ConversationID: "c1", UserText: "Hi", AgentID: "asst_x"})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "No assistant found" {
		t.Errorf("expected upstream message to surface, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateCancelled.String() != "cancelled" || !StateCancelled.Terminal() || StateStreaming.Terminal() {
		t.Error("unexpected state helpers")
	}
}
