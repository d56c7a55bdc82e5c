// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/surgeonlogic/policybuilder/internal/domain"
)

// Repository defines the interface for persisting agents. Every operation is
// scoped by owner identity; callers never see another owner's agents.
type Repository interface {
	// ListAgents retrieves all agents for an owner, most recently updated first.
	ListAgents(ctx context.Context, ownerID string) ([]*domain.Agent, error)

	// GetAgent retrieves one agent by id. Returns (nil, nil) when the agent
	// does not exist or belongs to a different owner.
	GetAgent(ctx context.Context, id, ownerID string) (*domain.Agent, error)

	// CreateAgent inserts a new agent record.
	CreateAgent(ctx context.Context, agent *domain.Agent) error

	// UpdateAgentMetadata persists the collaborator-owned fields (name,
	// specialty, status), leaving the conversation state untouched. The
	// write is owner-scoped.
	UpdateAgentMetadata(ctx context.Context, agent *domain.Agent) error

	// UpdateAgentState persists the conversation-owned fields (policy,
	// transcript, onboarding flag), leaving the metadata untouched. The
	// split keeps a committing turn and a concurrent metadata update from
	// overwriting each other. The write is owner-scoped.
	UpdateAgentState(ctx context.Context, agent *domain.Agent) error

	// DeleteAgent removes an agent and its conversation.
	DeleteAgent(ctx context.Context, id, ownerID string) error

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error
}
