package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/conclave/internal/store"
	"github.com/user/conclave/internal/types"
	"github.com/user/conclave/pkg/llm"
)

// Service wraps a ConversationStore with agent binding and history rules.
type Service struct {
	store        types.ConversationStore
	defaultAgent types.AgentID
	logger       *slog.Logger
}

// NewService creates a Service. defaultAgent may be empty, in which case a
// conversation with no binding and no override runs in stateless mode.
func NewService(s types.ConversationStore, defaultAgent types.AgentID) *Service {
	return &Service{
		store:        s,
		defaultAgent: defaultAgent,
		logger:       slog.Default().With("component", "conversation"),
	}
}

// Ensure returns the conversation with id, creating it titled after
// firstMessage when it does not exist yet.
func (s *Service) Ensure(ctx context.Context, id types.ConversationID, firstMessage string) (*types.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	conv = &types.Conversation{ID: id, Title: Title(firstMessage)}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return s.store.GetConversation(ctx, id)
		}
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	s.logger.Info("conversation created", "id", id, "title", conv.Title)
	return conv, nil
}

// ResolveAgent picks the agent for a request: override, then the
// conversation binding, then the configured default. An unbound
// conversation is bound to whichever agent it first runs with; an override
// on a bound conversation applies to this request only.
func (s *Service) ResolveAgent(ctx context.Context, conv *types.Conversation, override types.AgentID) (types.AgentID, error) {
	agent := override
	if agent == "" {
		agent = conv.AgentID
	}
	if agent == "" {
		agent = s.defaultAgent
	}
	if agent != "" && conv.AgentID == "" {
		if err := s.store.BindAgent(ctx, conv.ID, agent); err != nil {
			return "", fmt.Errorf("binding agent: %w", err)
		}
		conv.AgentID = agent
		s.logger.Debug("conversation bound", "id", conv.ID, "agent_id", agent)
	}
	return agent, nil
}

// SaveTurn persists a turn and returns its durable id.
func (s *Service) SaveTurn(ctx context.Context, turn *types.Turn) (types.TurnID, error) {
	id, err := s.store.SaveTurn(ctx, turn)
	if err != nil {
		return "", fmt.Errorf("saving %s turn: %w", turn.Role, err)
	}
	return id, nil
}

// SetCorrelation records the latest upstream correlation id.
func (s *Service) SetCorrelation(ctx context.Context, id types.ConversationID, correlationID string) error {
	if correlationID == "" {
		return nil
	}
	return s.store.SetCorrelation(ctx, id, correlationID)
}

// History returns up to limit stored turns as upstream messages.
func (s *Service) History(ctx context.Context, id types.ConversationID, limit int) ([]llm.Message, error) {
	turns, err := s.store.ListTurns(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return msgs, nil
}
