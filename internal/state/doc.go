// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/conclave/internal/types"

// Compile-time interface compliance checks.
var _ types.TranscriptStore = (*TranscriptStore)(nil)
