package llm

import (
	"context"
	"time"
)

// Provider defines the interface for stateless interaction with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a completion request and returns the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream sends a single-turn request and returns a stream of incremental deltas.
	// The returned Stream already carries its correlation id.
	Stream(ctx context.Context, req *Request) (*Stream, error)
}

// SessionProvider is implemented by backends that keep conversation state upstream.
type SessionProvider interface {
	// CreateSession opens an upstream session seeded with the given messages and
	// returns its id.
	CreateSession(ctx context.Context, seed []Message) (string, error)

	// Run starts an execution of an agent against an existing session and streams
	// its output.
	Run(ctx context.Context, sessionID string, req *RunRequest) (*Stream, error)
}

// Backend is a provider offering both integration modes.
type Backend interface {
	Provider
	SessionProvider
}

// Checker is implemented by backends that can detect a configuration problem
// without a network call.
type Checker interface {
	Ready() error
}

// Ready returns the configuration error of p, such as ErrMissingCredential.
// Providers that do not implement Checker are always ready.
func Ready(p Provider) error {
	if c, ok := p.(Checker); ok {
		return c.Ready()
	}
	return nil
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	// Timeout bounds non-streaming calls. Streams are bounded by their context.
	Timeout time.Duration
}
