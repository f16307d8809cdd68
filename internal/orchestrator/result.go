package orchestrator

import (
	"errors"
	"time"

	"github.com/user/conclave/internal/types"
)

// ErrCancelled is returned when the caller cancelled before a stage began.
var ErrCancelled = errors.New("collaboration cancelled")

// State is the pipeline position.
type State int

const (
	StateIdle State = iota
	StateStage1
	StateStage2
	StateStage3
	StateDone
	StatePartiallyFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStage1:
		return "stage1"
	case StateStage2:
		return "stage2"
	case StateStage3:
		return "stage3"
	case StateDone:
		return "done"
	case StatePartiallyFailed:
		return "partially_failed"
	default:
		return "unknown"
	}
}

// StageResult is one agent's settled output for one stage. A failed task
// carries an error description in Text.
type StageResult struct {
	AgentID types.AgentID `json:"assistantId"`
	Name    string        `json:"name"`
	Text    string        `json:"text"`
	Failed  bool          `json:"failed,omitempty"`
}

type Result struct {
	UserQuestion string        `json:"userQuestion"`
	Initial      []StageResult `json:"initial"`
	Discussion   []StageResult `json:"discussion"`
	FinalAnswer  string        `json:"finalAnswer"`
	Timestamp    time.Time     `json:"timestamp"`
	State        State         `json:"-"`
}

// Failures counts failed stage results.
func (r *Result) Failures() int {
	n := 0
	for _, set := range [][]StageResult{r.Initial, r.Discussion} {
		for _, sr := range set {
			if sr.Failed {
				n++
			}
		}
	}
	return n
}

// SynthesisError means stage 3 produced no answer. Partial holds the
// settled stage 1 and 2 results.
type SynthesisError struct {
	Err     error
	Partial *Result
}

func (e *SynthesisError) Error() string {
	return "synthesis failed: " + e.Err.Error()
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}
