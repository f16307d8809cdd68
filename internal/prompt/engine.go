// internal/prompt/engine.go
package prompt

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/conclave/pkg/llm"
)

// Engine budgets prompt material by token count.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates an engine for model's tokenizer. maxTokens is the context
// window and reserve the share kept free for the response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// InputBudget is the number of tokens available for input.
func (e *Engine) InputBudget() int {
	return e.maxTokens - e.reserve
}

// FitHistory keeps the newest messages whose combined size, together with
// the fixed tokens already spent on instructions and the new turn, stays
// within the input budget. Order is preserved.
func (e *Engine) FitHistory(history []llm.Message, fixed int) []llm.Message {
	if e == nil {
		return history
	}
	budget := e.InputBudget() - fixed
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := e.CountTokens(history[i].Content) + 4
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return history[start:]
}

// Clip cuts text to at most maxTokens tokens, marking the cut.
func (e *Engine) Clip(text string, maxTokens int) string {
	if e == nil || maxTokens <= 0 {
		return text
	}
	tokens := e.tokenizer.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	// A token boundary can fall inside a multi-byte rune.
	kept := strings.ToValidUTF8(e.tokenizer.Decode(tokens[:maxTokens]), "")
	return kept + "\n[...]"
}
