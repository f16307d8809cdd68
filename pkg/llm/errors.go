package llm

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is returned before any network call when the provider
// has no API key configured.
var ErrMissingCredential = errors.New("missing upstream credential")

// APIError is a non-OK answer from the upstream service.
type APIError struct {
	StatusCode int
	// Message is the upstream-reported error message, or the raw body when it
	// could not be parsed.
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}
