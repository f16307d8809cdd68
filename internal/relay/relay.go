// Package relay drives one upstream exchange for a single agent and
// republishes its output, in upstream order, on a channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/conclave/internal/gate"
	"github.com/user/conclave/internal/metrics"
	"github.com/user/conclave/internal/prompt"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
)

// ErrStreamTimeout ends a stream that outlived its configured bound.
var ErrStreamTimeout = errors.New("stream timed out")

// Turns persists relay output.
type Turns interface {
	SaveTurn(ctx context.Context, turn *types.Turn) (types.TurnID, error)
	SetCorrelation(ctx context.Context, id types.ConversationID, correlationID string) error
}

// Request is one relay invocation.
type Request struct {
	ConversationID types.ConversationID
	// History holds the prior turns, system turns included.
	History []llm.Message
	// UserText is sent upstream and already carries resolved attachments.
	UserText string
	// StoredUserText is what the user turn is saved as; UserText when empty.
	StoredUserText string
	// AgentID selects stateful mode when set.
	AgentID           types.AgentID
	Model             string
	Instructions      string
	ContinuationToken string
}

// Result is the final outcome of a session.
type Result struct {
	State State
	Text  string
	// MessageID is the durable id of the saved assistant turn. It is empty
	// when nothing was saved.
	MessageID types.TurnID
	Err       error
}

type Options struct {
	BaseInstructions string
	// StreamTimeout bounds a whole stream. Zero means no bound.
	StreamTimeout time.Duration
	Gate          *gate.Gate
	Engine        *prompt.Engine
	Transcripts   types.TranscriptStore
	Metrics       *metrics.Metrics
}

type Relay struct {
	backend llm.Backend
	turns   Turns
	opts    Options
	logger  *slog.Logger
}

func New(backend llm.Backend, turns Turns, opts Options) *Relay {
	if opts.Gate == nil {
		opts.Gate = gate.New(8)
	}
	return &Relay{
		backend: backend,
		turns:   turns,
		opts:    opts,
		logger:  slog.Default().With("component", "relay"),
	}
}

// Ready reports a backend configuration error such as a missing credential.
func (r *Relay) Ready() error {
	return llm.Ready(r.backend)
}

// Session is one live relay. CorrelationID and MessageID are known when
// Start returns, before any output is read.
type Session struct {
	ConversationID types.ConversationID
	Mode           Mode
	AgentID        types.AgentID
	// CorrelationID is the upstream session id in stateful mode and the
	// response id in stateless mode.
	CorrelationID string
	// RunID is the upstream run id in stateful mode.
	RunID string

	state     atomic.Int32
	messageID atomic.Value
	out       chan string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
	result    Result
	mu        sync.Mutex
}

func newSession(req *Request, mode Mode) *Session {
	s := &Session{
		ConversationID: req.ConversationID,
		Mode:           mode,
		AgentID:        req.AgentID,
		out:            make(chan string, 16),
		done:           make(chan struct{}),
	}
	s.messageID.Store(types.NewTurnID())
	return s
}

// Output yields text deltas in upstream order and is always closed.
func (s *Session) Output() <-chan string { return s.out }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// MessageID returns the optimistic assistant message id until the turn is
// saved and the durable id afterwards.
func (s *Session) MessageID() types.TurnID { return s.messageID.Load().(types.TurnID) }

// Cancel aborts the upstream exchange. Output already delivered stays
// delivered.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

// Done is closed once the session reached a terminal state and its output
// was persisted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is done and returns its result.
func (s *Session) Wait() Result {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Start saves the user turn, establishes the upstream exchange and begins
// relaying. Errors returned here happen before any output; a missing
// upstream credential is reported as llm.ErrMissingCredential before
// anything is saved.
func (r *Relay) Start(ctx context.Context, req *Request) (*Session, error) {
	if err := r.Ready(); err != nil {
		return nil, err
	}
	mode := ModeStateless
	if req.AgentID != "" {
		mode = ModeStateful
	}
	s := newSession(req, mode)
	s.setState(StateSessionEstablishing)
	finish := r.opts.Metrics.RelayStarted(string(mode))

	release, err := r.opts.Gate.Acquire(ctx, string(req.ConversationID))
	if err != nil {
		s.setState(StateCancelled)
		finish(StateCancelled.String())
		return nil, fmt.Errorf("waiting for upstream slot: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if r.opts.StreamTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, r.opts.StreamTimeout, ErrStreamTimeout)
		base := cancel
		cancel = func() { cancelTimeout(); base() }
	}
	s.cancel = cancel

	fail := func(err error) (*Session, error) {
		cancel()
		release()
		s.setState(StateFailed)
		finish(StateFailed.String())
		return nil, err
	}

	stored := req.StoredUserText
	if stored == "" {
		stored = req.UserText
	}
	if _, err := r.turns.SaveTurn(ctx, &types.Turn{
		ConversationID: req.ConversationID,
		Role:           types.RoleUser,
		Content:        stored,
	}); err != nil {
		return fail(fmt.Errorf("saving user turn: %w", err))
	}

	var stream *llm.Stream
	if mode == ModeStateful {
		stream, err = r.establishStateful(runCtx, s, req)
	} else {
		stream, err = r.establishStateless(runCtx, s, req)
	}
	if err != nil {
		return fail(err)
	}

	// Persist the correlation id before any output so an interrupted stream
	// can still be continued. An upstream that announced no id leaves the
	// previous one in place.
	if s.CorrelationID != "" {
		if err := r.turns.SetCorrelation(ctx, req.ConversationID, s.CorrelationID); err != nil {
			r.logger.Warn("saving correlation id failed", "conversation_id", req.ConversationID, "error", err)
		}
	}

	s.setState(StateStreaming)
	r.logger.Info("relay streaming",
		"conversation_id", req.ConversationID,
		"mode", mode,
		"correlation_id", s.CorrelationID,
		"agent_id", req.AgentID,
	)

	go r.pump(context.WithoutCancel(ctx), runCtx, s, stream, func(st State) {
		release()
		finish(st.String())
	})
	return s, nil
}

func (r *Relay) establishStateless(ctx context.Context, s *Session, req *Request) (*llm.Stream, error) {
	base := req.Instructions
	if base == "" {
		base = r.opts.BaseInstructions
	}
	stream, err := r.backend.Stream(ctx, &llm.Request{
		Model:        req.Model,
		Instructions: prompt.MergeInstructions(base, req.History),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: req.UserText}},
		PreviousID:   req.ContinuationToken,
	})
	if err != nil {
		return nil, fmt.Errorf("starting stream: %w", err)
	}
	s.CorrelationID = stream.ID
	return stream, nil
}

func (r *Relay) establishStateful(ctx context.Context, s *Session, req *Request) (*llm.Stream, error) {
	user := llm.Message{Role: llm.RoleUser, Content: req.UserText}
	history := prompt.WithoutSystem(req.History)
	if r.opts.Engine != nil {
		history = r.opts.Engine.FitHistory(history, r.opts.Engine.CountTokens(user.Content))
	}
	seed := append(append(make([]llm.Message, 0, len(history)+1), history...), user)

	sessionID, err := r.backend.CreateSession(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.CorrelationID = sessionID

	stream, err := r.backend.Run(ctx, sessionID, &llm.RunRequest{
		AgentID:      string(req.AgentID),
		Model:        req.Model,
		Instructions: req.Instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	s.RunID = stream.ID
	return stream, nil
}

// pump copies deltas to the session output until the upstream ends, fails
// or the run context is cancelled, then persists what was delivered.
func (r *Relay) pump(persistCtx, runCtx context.Context, s *Session, stream *llm.Stream, finish func(State)) {
	var b strings.Builder
	state := StateCompleted
	var streamErr error

loop:
	for {
		select {
		case <-runCtx.Done():
			state, streamErr = r.interrupted(runCtx, s)
			break loop
		case d, ok := <-stream.Deltas():
			if !ok {
				// Producers stop quietly when their context ends.
				if runCtx.Err() != nil {
					state, streamErr = r.interrupted(runCtx, s)
				}
				break loop
			}
			if d.Err != nil {
				if runCtx.Err() != nil {
					state, streamErr = r.interrupted(runCtx, s)
				} else {
					state, streamErr = StateFailed, d.Err
				}
				break loop
			}
			if d.Content == "" {
				continue
			}
			select {
			case s.out <- d.Content:
				b.WriteString(d.Content)
			case <-runCtx.Done():
				state, streamErr = r.interrupted(runCtx, s)
				break loop
			}
		}
	}

	stream.Close()
	close(s.out)
	s.cancel()
	s.setState(state)

	text := b.String()
	result := Result{State: state, Text: text, Err: streamErr}
	if text != "" {
		id, err := r.turns.SaveTurn(persistCtx, &types.Turn{
			ID:             s.MessageID(),
			ConversationID: s.ConversationID,
			Role:           types.RoleAssistant,
			Content:        text,
			CorrelationID:  s.CorrelationID,
		})
		if err != nil {
			r.logger.Error("saving assistant turn failed", "conversation_id", s.ConversationID, "error", err)
		} else {
			s.messageID.Store(id)
			result.MessageID = id
		}
	}
	r.recordTranscript(persistCtx, s, state, text, streamErr)

	if streamErr != nil && state == StateFailed {
		r.logger.Warn("relay failed", "conversation_id", s.ConversationID, "correlation_id", s.CorrelationID, "chars", len(text), "error", streamErr)
	} else {
		r.logger.Info("relay finished", "conversation_id", s.ConversationID, "state", state, "chars", len(text))
	}

	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
	finish(state)
	close(s.done)
}

func (r *Relay) interrupted(runCtx context.Context, s *Session) (State, error) {
	if !s.cancelled.Load() && errors.Is(context.Cause(runCtx), ErrStreamTimeout) {
		return StateFailed, ErrStreamTimeout
	}
	return StateCancelled, nil
}

func (r *Relay) recordTranscript(ctx context.Context, s *Session, state State, text string, streamErr error) {
	if r.opts.Transcripts == nil {
		return
	}
	entry := &types.TranscriptEntry{
		ConversationID: s.ConversationID,
		Stage:          types.StageRelay,
		AgentID:        s.AgentID,
		Failed:         state != StateCompleted,
		Text:           text,
	}
	if streamErr != nil && text == "" {
		entry.Text = "Error: " + streamErr.Error()
	}
	if err := r.opts.Transcripts.Append(ctx, entry); err != nil {
		r.logger.Warn("transcript append failed", "conversation_id", s.ConversationID, "error", err)
	}
}
