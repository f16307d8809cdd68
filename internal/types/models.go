// internal/types/models.go
package types

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a role the store accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Conversation struct {
	ID      ConversationID `json:"id"`
	AgentID AgentID        `json:"agent_id,omitempty"`
	Title   string         `json:"title"`
	// LastCorrelationID is the most recent upstream response or session id.
	LastCorrelationID string    `json:"last_correlation_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Turn struct {
	ID             TurnID         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AgentProfile is a static roster entry. ID is the upstream assistant id.
type AgentProfile struct {
	ID           AgentID `json:"id" yaml:"id"`
	Name         string  `json:"name" yaml:"name"`
	Instructions string  `json:"instructions,omitempty" yaml:"instructions"`
}

// Transcript stages.
const (
	StageInitial    = "initial"
	StageDiscussion = "discussion"
	StageSynthesis  = "synthesis"
	StageRelay      = "relay"
)

type TranscriptEntry struct {
	ID             EntryID        `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Stage          string         `json:"stage"`
	AgentID        AgentID        `json:"agent_id,omitempty"`
	AgentName      string         `json:"agent_name,omitempty"`
	Failed         bool           `json:"failed,omitempty"`
	Text           string         `json:"text"`
	At             time.Time      `json:"at"`
}
