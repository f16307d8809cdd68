// Package orchestrator runs a fixed roster of agents through three stages:
// independent analysis, cross-discussion over the shared stage 1 results,
// and a single synthesis call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/conclave/internal/gate"
	"github.com/user/conclave/internal/metrics"
	"github.com/user/conclave/internal/prompt"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
)

type Options struct {
	Roster []types.AgentProfile
	// TaskTimeout bounds each stage 1 and stage 2 task. Zero means no bound.
	TaskTimeout time.Duration
	// SynthesisTimeout bounds the stage 3 call. Zero means no bound.
	SynthesisTimeout time.Duration
	// Concurrency limits tasks in flight within a stage; zero runs the whole
	// roster at once.
	Concurrency    int
	SynthesisModel string
	// ClipTokens caps each contribution before it is shared. Needs Engine.
	ClipTokens  int
	Engine      *prompt.Engine
	Gate        *gate.Gate
	Transcripts types.TranscriptStore
	Metrics     *metrics.Metrics
}

type Orchestrator struct {
	backend llm.Backend
	opts    Options
	logger  *slog.Logger
}

func New(backend llm.Backend, opts Options) *Orchestrator {
	return &Orchestrator{
		backend: backend,
		opts:    opts,
		logger:  slog.Default().With("component", "orchestrator"),
	}
}

// Ready reports a backend configuration error such as a missing credential.
func (o *Orchestrator) Ready() error {
	return llm.Ready(o.backend)
}

// Roster returns the configured agents.
func (o *Orchestrator) Roster() []types.AgentProfile {
	return o.opts.Roster
}

// Collaborate runs the pipeline for question. It returns only after stage 3
// settles. Cancelling ctx stops the pipeline at the next stage boundary;
// tasks already running finish. A backend configuration error is returned
// before stage 1 starts. A stage 3 failure is returned as *SynthesisError.
func (o *Orchestrator) Collaborate(ctx context.Context, conversationID types.ConversationID, question string) (*Result, error) {
	if len(o.opts.Roster) == 0 {
		return nil, errors.New("collaboration roster is empty")
	}
	if err := o.Ready(); err != nil {
		return nil, err
	}

	res := &Result{UserQuestion: question, State: StateIdle}
	roster := o.promptRoster()
	log := o.logger.With("conversation_id", conversationID)

	if err := o.boundary(ctx, res, StateStage1); err != nil {
		return nil, err
	}
	res.Initial = o.fanOut(ctx, conversationID, types.StageInitial, func(i int) (string, error) {
		return prompt.Initial(prompt.StageData{Question: question, Agent: roster[i], Roster: roster})
	})
	log.Info("stage settled", "stage", types.StageInitial, "failed", countFailed(res.Initial))

	// Written once here and only read by the stage 2 tasks.
	shared := o.contributions(res.Initial)

	if err := o.boundary(ctx, res, StateStage2); err != nil {
		return nil, err
	}
	res.Discussion = o.fanOut(ctx, conversationID, types.StageDiscussion, func(i int) (string, error) {
		return prompt.Discussion(prompt.StageData{Question: question, Agent: roster[i], Roster: roster, Initial: shared})
	})
	log.Info("stage settled", "stage", types.StageDiscussion, "failed", countFailed(res.Discussion))

	if err := o.boundary(ctx, res, StateStage3); err != nil {
		return nil, err
	}
	answer, err := o.synthesize(ctx, prompt.StageData{
		Question:   question,
		Roster:     roster,
		Initial:    shared,
		Discussion: o.contributions(res.Discussion),
	})
	res.Timestamp = time.Now().UTC()
	if err != nil {
		res.State = StatePartiallyFailed
		o.opts.Metrics.Collaboration(res.State.String())
		o.record(ctx, &types.TranscriptEntry{
			ConversationID: conversationID,
			Stage:          types.StageSynthesis,
			Failed:         true,
			Text:           "Error: " + err.Error(),
		})
		log.Error("synthesis failed", "error", err)
		return nil, &SynthesisError{Err: err, Partial: res}
	}

	res.FinalAnswer = answer
	res.State = StateDone
	o.opts.Metrics.Collaboration(res.State.String())
	o.record(ctx, &types.TranscriptEntry{
		ConversationID: conversationID,
		Stage:          types.StageSynthesis,
		Text:           answer,
	})
	log.Info("collaboration done", "failures", res.Failures(), "answer_chars", len(answer))
	return res, nil
}

func (o *Orchestrator) boundary(ctx context.Context, res *Result, next State) error {
	if err := ctx.Err(); err != nil {
		o.logger.Info("collaboration cancelled", "before", next)
		o.opts.Metrics.Collaboration("cancelled")
		return fmt.Errorf("%w before %s: %v", ErrCancelled, next, err)
	}
	res.State = next
	return nil
}

func (o *Orchestrator) promptRoster() []prompt.Agent {
	out := make([]prompt.Agent, len(o.opts.Roster))
	for i, a := range o.opts.Roster {
		out[i] = prompt.Agent{Name: a.Name, Instructions: a.Instructions}
	}
	return out
}

func (o *Orchestrator) contributions(results []StageResult) []prompt.Contribution {
	out := make([]prompt.Contribution, len(results))
	for i, r := range results {
		text := r.Text
		if o.opts.ClipTokens > 0 {
			text = o.opts.Engine.Clip(text, o.opts.ClipTokens)
		}
		out[i] = prompt.Contribution{Name: r.Name, Text: text, Failed: r.Failed}
	}
	return out
}

// fanOut runs one task per roster agent and waits for all of them to settle.
// Results keep roster order; transcript entries are recorded in completion
// order. Task contexts are detached from ctx so a cancellation never
// interrupts a running task.
func (o *Orchestrator) fanOut(ctx context.Context, conversationID types.ConversationID, stage string, render func(i int) (string, error)) []StageResult {
	start := time.Now()
	results := make([]StageResult, len(o.opts.Roster))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	if o.opts.Concurrency > 0 {
		g.SetLimit(o.opts.Concurrency)
	}
	for i, agent := range o.opts.Roster {
		g.Go(func() error {
			text, err := o.runTask(detached, agent, func() (string, error) { return render(i) })
			sr := StageResult{AgentID: agent.ID, Name: agent.Name, Text: text}
			if err != nil {
				sr.Failed = true
				sr.Text = "Error: " + err.Error()
				o.logger.Warn("stage task failed", "stage", stage, "agent", agent.Name, "error", err)
			}
			results[i] = sr
			o.opts.Metrics.StageTask(stage, sr.Failed)
			o.record(detached, &types.TranscriptEntry{
				ConversationID: conversationID,
				Stage:          stage,
				AgentID:        agent.ID,
				AgentName:      agent.Name,
				Failed:         sr.Failed,
				Text:           sr.Text,
			})
			return nil
		})
	}
	g.Wait()

	o.opts.Metrics.StageDuration(stage, time.Since(start))
	return results
}

// runTask opens a fresh upstream session for agent, seeds it with the stage
// prompt and runs it to completion. The session is never shared.
func (o *Orchestrator) runTask(ctx context.Context, agent types.AgentProfile, render func() (string, error)) (string, error) {
	if o.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TaskTimeout)
		defer cancel()
	}

	stagePrompt, err := render()
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	if o.opts.Gate != nil {
		release, err := o.opts.Gate.Acquire(ctx, "")
		if err != nil {
			return "", fmt.Errorf("waiting for upstream slot: %w", err)
		}
		defer release()
	}

	// Upstream errors are returned as is; their text becomes the in-band
	// failure marker shown to the other agents.
	sessionID, err := o.backend.CreateSession(ctx, []llm.Message{{Role: llm.RoleUser, Content: stagePrompt}})
	if err != nil {
		return "", err
	}
	stream, err := o.backend.Run(ctx, sessionID, &llm.RunRequest{AgentID: string(agent.ID)})
	if err != nil {
		return "", err
	}
	text, err := llm.Collect(stream)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("empty response")
	}
	return text, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, data prompt.StageData) (string, error) {
	ctx = context.WithoutCancel(ctx)
	if o.opts.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.SynthesisTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { o.opts.Metrics.StageDuration(types.StageSynthesis, time.Since(start)) }()

	system, err := prompt.SynthesisSystem(data)
	if err != nil {
		return "", fmt.Errorf("render synthesis system prompt: %w", err)
	}
	user, err := prompt.SynthesisUser(data)
	if err != nil {
		return "", fmt.Errorf("render synthesis prompt: %w", err)
	}

	resp, err := o.backend.Complete(ctx, &llm.Request{
		Model:        o.opts.SynthesisModel,
		Instructions: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", errors.New("empty synthesis")
	}
	return resp.Content, nil
}

func (o *Orchestrator) record(ctx context.Context, entry *types.TranscriptEntry) {
	if o.opts.Transcripts == nil {
		return
	}
	if err := o.opts.Transcripts.Append(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Warn("transcript append failed", "conversation_id", entry.ConversationID, "error", err)
	}
}

func countFailed(results []StageResult) int {
	n := 0
	for _, r := range results {
		if r.Failed {
			n++
		}
	}
	return n
}
