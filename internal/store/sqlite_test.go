package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/conclave/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "conclave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createConversation(t *testing.T, s *SQLiteStore, id types.ConversationID) {
	t.Helper()
	require.NoError(t, s.CreateConversation(context.Background(), &types.Conversation{ID: id, Title: "test"}))
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createConversation(t, s, "c1")

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.ConversationID("c1"), conv.ID)
	assert.Equal(t, "test", conv.Title)
	assert.Empty(t, conv.AgentID)
	assert.False(t, conv.CreatedAt.IsZero())

	err = s.CreateConversation(ctx, &types.Conversation{ID: "c1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBindAgentFirstBindingWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createConversation(t, s, "c1")

	require.NoError(t, s.BindAgent(ctx, "c1", "asst_a"))
	require.NoError(t, s.BindAgent(ctx, "c1", "asst_b"))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentID("asst_a"), conv.AgentID)

	assert.ErrorIs(t, s.BindAgent(ctx, "missing", "asst_a"), ErrNotFound)
}

func TestSetCorrelation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createConversation(t, s, "c1")

	require.NoError(t, s.SetCorrelation(ctx, "c1", "resp_1"))
	require.NoError(t, s.SetCorrelation(ctx, "c1", "resp_2"))

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "resp_2", conv.LastCorrelationID)

	assert.ErrorIs(t, s.SetCorrelation(ctx, "missing", "x"), ErrNotFound)
}

func TestSaveTurnIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createConversation(t, s, "c1")

	first, err := s.SaveTurn(ctx, &types.Turn{ConversationID: "c1", Role: types.RoleUser, Content: "Hello"})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := s.SaveTurn(ctx, &types.Turn{ID: "optimistic", ConversationID: "c1", Role: types.RoleUser, Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate save should return the stored id")

	turns, err := s.ListTurns(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)

	// Same content under another role is a distinct turn.
	_, err = s.SaveTurn(ctx, &types.Turn{ConversationID: "c1", Role: types.RoleAssistant, Content: "Hello"})
	require.NoError(t, err)

	turns, err = s.ListTurns(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestSaveTurnConcurrentDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createConversation(t, s, "c1")

	ids := make([]types.TurnID, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.SaveTurn(ctx, &types.Turn{ConversationID: "c1", Role: types.RoleAssistant, Content: "same answer"})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	turns, err := s.ListTurns(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestSaveTurnValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveTurn(ctx, &types.Turn{ConversationID: "c1", Role: "tool", Content: "x"})
	assert.Error(t, err)

	_, err = s.SaveTurn(ctx, &types.Turn{ConversationID: "missing", Role: types.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTurnsLimitKeepsChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createConversation(t, s, "c1")

	for _, content := range []string{"one", "two", "three", "four"} {
		_, err := s.SaveTurn(ctx, &types.Turn{ConversationID: "c1", Role: types.RoleUser, Content: content})
		require.NoError(t, err)
	}

	turns, err := s.ListTurns(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "three", turns[0].Content)
	assert.Equal(t, "four", turns[1].Content)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "conclave.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateConversation(ctx, &types.Conversation{ID: "c1"}))
	_, err = s.SaveTurn(ctx, &types.Turn{ConversationID: "c1", Role: types.RoleUser, Content: "persisted"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	turns, err := s.ListTurns(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "persisted", turns[0].Content)
}
