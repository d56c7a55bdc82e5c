package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/surgeonlogic/policybuilder/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "agents.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return repo
}

func testAgent(id, ownerID string) *domain.Agent {
	now := time.Now().Truncate(time.Second)
	return &domain.Agent{
		ID:        id,
		OwnerID:   ownerID,
		Name:      "Spine Policy",
		Specialty: "spine surgery",
		Status:    domain.AgentStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteAgentRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	agent := testAgent("a1", "owner-1")
	agent.Policy = &domain.ConsultationPolicy{
		Version: 2,
		Blocks: domain.PolicyBlocks{
			HighPotentialPatients: domain.PolicyBlock{
				Items: []domain.PolicyItem{{ID: "i1", Description: "single-level stenosis", SourceQuote: "I mostly see single-level cases"}},
			},
		},
		Rules: []domain.PolicyRule{
			{ID: "r1", Type: domain.RuleGate, Condition: "age > 85", Outcome: "out of scope", Dimension: domain.DimensionScope},
		},
	}
	agent.ConversationHistory = []domain.BuilderMessage{
		{ID: "m1", Role: domain.RoleUser, Content: "mostly single-level cases", Timestamp: time.Now()},
		{
			ID: "m2", Role: domain.RoleAssistant, Content: "Noted.",
			Clarifications: []domain.ClarificationQuestion{
				{ID: "q1", Question: "Any age cutoff?", Answered: true, Answer: "85"},
			},
		},
	}
	agent.OnboardingComplete = true

	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	got, err := repo.GetAgent(ctx, "a1", "owner-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got == nil {
		t.Fatal("GetAgent returned nil for existing agent")
	}

	if got.Name != agent.Name || got.Specialty != agent.Specialty || got.Status != agent.Status {
		t.Errorf("fields = %q/%q/%q, want %q/%q/%q",
			got.Name, got.Specialty, got.Status, agent.Name, agent.Specialty, agent.Status)
	}
	if !got.OnboardingComplete {
		t.Error("onboarding flag lost")
	}
	if got.Policy == nil || got.Policy.Version != 2 {
		t.Fatalf("policy = %+v, want version 2", got.Policy)
	}
	if items := got.Policy.Blocks.HighPotentialPatients.Items; len(items) != 1 || items[0].SourceQuote == "" {
		t.Errorf("policy items = %+v, want preserved source quote", items)
	}
	if len(got.Policy.Rules) != 1 || got.Policy.Rules[0].Dimension != domain.DimensionScope {
		t.Errorf("rules = %+v, want preserved rule", got.Policy.Rules)
	}
	if len(got.ConversationHistory) != 2 {
		t.Fatalf("history = %d messages, want 2", len(got.ConversationHistory))
	}
	if q := got.ConversationHistory[1].Clarifications[0]; !q.Answered || q.Answer != "85" {
		t.Errorf("clarification = %+v, want answered", q)
	}
}

func TestSQLiteGetAgentMissing(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetAgent(ctx, "nope", "owner-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got != nil {
		t.Errorf("GetAgent = %+v, want nil for missing agent", got)
	}
}

func TestSQLiteOwnerScoping(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateAgent(ctx, testAgent("a1", "owner-1")); err != nil {
		t.Fatal(err)
	}

	// Reads, updates and deletes for another owner do not touch the row.
	got, err := repo.GetAgent(ctx, "a1", "owner-2")
	if err != nil || got != nil {
		t.Errorf("cross-owner GetAgent = %v, %v, want nil, nil", got, err)
	}

	stolen := testAgent("a1", "owner-2")
	stolen.Name = "hijacked"
	if err := repo.UpdateAgentMetadata(ctx, stolen); err != nil {
		t.Fatalf("UpdateAgentMetadata: %v", err)
	}
	if err := repo.DeleteAgent(ctx, "a1", "owner-2"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	got, err = repo.GetAgent(ctx, "a1", "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("agent deleted through another owner's scope")
	}
	if got.Name == "hijacked" {
		t.Error("agent updated through another owner's scope")
	}
}

func TestSQLiteListAgentsOrdering(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	old := testAgent("a1", "owner-1")
	old.UpdatedAt = time.Now().Add(-time.Hour)
	recent := testAgent("a2", "owner-1")
	other := testAgent("b1", "owner-2")

	for _, a := range []*domain.Agent{old, recent, other} {
		if err := repo.CreateAgent(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	agents, err := repo.ListAgents(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("len = %d, want 2", len(agents))
	}
	if agents[0].ID != "a2" || agents[1].ID != "a1" {
		t.Errorf("order = %s, %s, want a2, a1 (most recent first)", agents[0].ID, agents[1].ID)
	}
}

func TestSQLiteUpdateAgentState(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	agent := testAgent("a1", "owner-1")
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}

	agent.Policy = &domain.ConsultationPolicy{Version: 1}
	agent.OnboardingComplete = true
	agent.ConversationHistory = []domain.BuilderMessage{
		{ID: "m1", Role: domain.RoleUser, Content: "first input", Timestamp: time.Now()},
	}
	agent.UpdatedAt = time.Now()
	if err := repo.UpdateAgentState(ctx, agent); err != nil {
		t.Fatalf("UpdateAgentState: %v", err)
	}

	got, err := repo.GetAgent(ctx, "a1", "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Policy == nil || got.Policy.Version != 1 || !got.OnboardingComplete || len(got.ConversationHistory) != 1 {
		t.Errorf("agent = %+v, want updated state", got)
	}
}

func TestSQLiteUpdateAgentStateLeavesMetadata(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	agent := testAgent("a1", "owner-1")
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}

	// A metadata update lands between the session load and the state write.
	renamed := testAgent("a1", "owner-1")
	renamed.Name = "Dr. Renamed"
	renamed.Status = domain.AgentStatusArchived
	renamed.UpdatedAt = time.Now()
	if err := repo.UpdateAgentMetadata(ctx, renamed); err != nil {
		t.Fatalf("UpdateAgentMetadata: %v", err)
	}

	stale := testAgent("a1", "owner-1")
	stale.Policy = &domain.ConsultationPolicy{Version: 2}
	stale.OnboardingComplete = true
	stale.ConversationHistory = []domain.BuilderMessage{
		{ID: "m1", Role: domain.RoleUser, Content: "new input", Timestamp: time.Now()},
	}
	stale.UpdatedAt = time.Now()
	if err := repo.UpdateAgentState(ctx, stale); err != nil {
		t.Fatalf("UpdateAgentState: %v", err)
	}

	got, err := repo.GetAgent(ctx, "a1", "owner-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Dr. Renamed" {
		t.Errorf("name = %q, state write clobbered the rename", got.Name)
	}
	if got.Status != domain.AgentStatusArchived {
		t.Errorf("status = %q, state write clobbered the archive", got.Status)
	}
	if got.Policy == nil || got.Policy.Version != 2 || len(got.ConversationHistory) != 1 {
		t.Errorf("agent = %+v, want persisted conversation state", got)
	}
}
