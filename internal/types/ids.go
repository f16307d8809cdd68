// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ConversationID string
type TurnID string
type AgentID string
type EntryID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

// ParseConversationID accepts caller-supplied ids. Any non-blank string is a
// valid id; blank input yields a fresh one.
func ParseConversationID(s string) ConversationID {
	if s == "" {
		return NewConversationID()
	}
	return ConversationID(s)
}
