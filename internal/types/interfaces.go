// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id ConversationID) (*Conversation, error)
	BindAgent(ctx context.Context, id ConversationID, agentID AgentID) error
	SetCorrelation(ctx context.Context, id ConversationID, correlationID string) error
	// SaveTurn is idempotent by (role, content, conversation) and returns the
	// durable id of the stored turn.
	SaveTurn(ctx context.Context, turn *Turn) (TurnID, error)
	ListTurns(ctx context.Context, id ConversationID, limit int) ([]*Turn, error)
}

type TranscriptStore interface {
	Append(ctx context.Context, entry *TranscriptEntry) error
	Tail(ctx context.Context, id ConversationID, limit int) ([]*TranscriptEntry, error)
	Count(ctx context.Context, id ConversationID) (int64, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}
