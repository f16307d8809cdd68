package conversation

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/conclave/internal/store"
	"github.com/user/conclave/internal/types"
)

func newTestService(t *testing.T, defaultAgent types.AgentID) *Service {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewService(s, defaultAgent)
}

func TestEnsureCreatesOnce(t *testing.T) {
	svc := newTestService(t, "")
	ctx := context.Background()

	conv, err := svc.Ensure(ctx, "c1", "Plan a product launch for our new app")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Title != "Plan a product launch for our new app" {
		t.Errorf("unexpected title %q", conv.Title)
	}

	again, err := svc.Ensure(ctx, "c1", "something else")
	if err != nil {
		t.Fatal(err)
	}
	if again.Title != conv.Title {
		t.Errorf("title changed on second ensure: %q", again.Title)
	}
}

func TestResolveAgentPrecedence(t *testing.T) {
	svc := newTestService(t, "asst_default")
	ctx := context.Background()

	conv, err := svc.Ensure(ctx, "c1", "hi")
	if err != nil {
		t.Fatal(err)
	}

	// Unbound conversation takes the default and is bound to it.
	agent, err := svc.ResolveAgent(ctx, conv, "")
	if err != nil {
		t.Fatal(err)
	}
	if agent != "asst_default" {
		t.Errorf("expected default agent, got %s", agent)
	}

	// Override wins for this request without rebinding.
	agent, err = svc.ResolveAgent(ctx, conv, "asst_override")
	if err != nil {
		t.Fatal(err)
	}
	if agent != "asst_override" {
		t.Errorf("expected override, got %s", agent)
	}

	reloaded, err := svc.Ensure(ctx, "c1", "")
	if err != nil {
		t.Fatal(err)
	}
	agent, err = svc.ResolveAgent(ctx, reloaded, "")
	if err != nil {
		t.Fatal(err)
	}
	if agent != "asst_default" {
		t.Errorf("binding should survive override, got %s", agent)
	}
}

func TestResolveAgentBindsFirstOverride(t *testing.T) {
	svc := newTestService(t, "")
	ctx := context.Background()

	conv, _ := svc.Ensure(ctx, "c1", "hi")
	if _, err := svc.ResolveAgent(ctx, conv, "asst_first"); err != nil {
		t.Fatal(err)
	}

	reloaded, _ := svc.Ensure(ctx, "c1", "")
	agent, err := svc.ResolveAgent(ctx, reloaded, "")
	if err != nil {
		t.Fatal(err)
	}
	if agent != "asst_first" {
		t.Errorf("expected binding to first agent used, got %s", agent)
	}
}

func TestResolveAgentStatelessWithoutDefault(t *testing.T) {
	svc := newTestService(t, "")
	ctx := context.Background()

	conv, _ := svc.Ensure(ctx, "c1", "hi")
	agent, err := svc.ResolveAgent(ctx, conv, "")
	if err != nil {
		t.Fatal(err)
	}
	if agent != "" {
		t.Errorf("expected no agent, got %s", agent)
	}
}

func TestHistory(t *testing.T) {
	svc := newTestService(t, "")
	ctx := context.Background()

	if _, err := svc.Ensure(ctx, "c1", "hi"); err != nil {
		t.Fatal(err)
	}
	for _, turn := range []*types.Turn{
		{ConversationID: "c1", Role: types.RoleSystem, Content: "be brief"},
		{ConversationID: "c1", Role: types.RoleUser, Content: "hi"},
		{ConversationID: "c1", Role: types.RoleAssistant, Content: "hello"},
	} {
		if _, err := svc.SaveTurn(ctx, turn); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := svc.History(ctx, "c1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Role != "system" || msgs[2].Content != "hello" {
		t.Errorf("unexpected history: %+v", msgs)
	}
}
