package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/surgeonlogic/policybuilder/internal/domain"
)

// PostgresStore implements Repository using a pgx connection pool. It is the
// deployment backend; SQLite remains the default for local development.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new Postgres-backed repository and runs the schema.
func NewPostgres(ctx context.Context, databaseURL string) (Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		specialty TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		policy JSONB,
		history JSONB NOT NULL DEFAULT '[]'::jsonb,
		onboarding_complete BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_owner_updated ON agents(owner_id, updated_at DESC);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ListAgents retrieves all agents for an owner, most recently updated first.
func (s *PostgresStore) ListAgents(ctx context.Context, ownerID string) ([]*domain.Agent, error) {
	query := `
		SELECT id, owner_id, name, specialty, status, policy, history,
		       onboarding_complete, created_at, updated_at
		FROM agents WHERE owner_id = $1 ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgentPg(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// GetAgent retrieves one agent by id, scoped to its owner.
func (s *PostgresStore) GetAgent(ctx context.Context, id, ownerID string) (*domain.Agent, error) {
	query := `
		SELECT id, owner_id, name, specialty, status, policy, history,
		       onboarding_complete, created_at, updated_at
		FROM agents WHERE id = $1 AND owner_id = $2`

	row := s.pool.QueryRow(ctx, query, id, ownerID)
	agent, err := scanAgentPg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// CreateAgent inserts a new agent record.
func (s *PostgresStore) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	policyJSON, historyJSON, err := marshalAgentState(agent)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO agents (id, owner_id, name, specialty, status, policy,
		history, onboarding_complete, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.pool.Exec(ctx, query,
		agent.ID, agent.OwnerID, agent.Name, nullString(agent.Specialty),
		string(agent.Status), policyJSON, historyJSON,
		agent.OnboardingComplete, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// UpdateAgentMetadata persists only name, specialty and status, leaving the
// conversation state as it is in the row.
func (s *PostgresStore) UpdateAgentMetadata(ctx context.Context, agent *domain.Agent) error {
	query := `
	UPDATE agents SET name = $1, specialty = $2, status = $3, updated_at = $4
	WHERE id = $5 AND owner_id = $6`

	_, err := s.pool.Exec(ctx, query,
		agent.Name, nullString(agent.Specialty), string(agent.Status),
		agent.UpdatedAt, agent.ID, agent.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update agent metadata: %w", err)
	}
	return nil
}

// UpdateAgentState persists only the conversation-owned fields, leaving
// name, specialty and status as they are in the row.
func (s *PostgresStore) UpdateAgentState(ctx context.Context, agent *domain.Agent) error {
	policyJSON, historyJSON, err := marshalAgentState(agent)
	if err != nil {
		return err
	}

	query := `
	UPDATE agents SET policy = $1, history = $2, onboarding_complete = $3,
		updated_at = $4
	WHERE id = $5 AND owner_id = $6`

	_, err = s.pool.Exec(ctx, query,
		policyJSON, historyJSON, agent.OnboardingComplete,
		agent.UpdatedAt, agent.ID, agent.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent and its conversation.
func (s *PostgresStore) DeleteAgent(ctx context.Context, id, ownerID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1 AND owner_id = $2`, id, ownerID); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func scanAgentPg(row pgx.Row) (*domain.Agent, error) {
	var agent domain.Agent
	var specialty *string
	var policyJSON []byte
	var historyJSON []byte
	var status string

	err := row.Scan(
		&agent.ID, &agent.OwnerID, &agent.Name, &specialty, &status,
		&policyJSON, &historyJSON, &agent.OnboardingComplete,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}

	if specialty != nil {
		agent.Specialty = *specialty
	}
	agent.Status = domain.AgentStatus(status)

	if len(policyJSON) > 0 {
		var policy domain.ConsultationPolicy
		if err := json.Unmarshal(policyJSON, &policy); err != nil {
			return nil, fmt.Errorf("unmarshal policy: %w", err)
		}
		agent.Policy = &policy
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &agent.ConversationHistory); err != nil {
			return nil, fmt.Errorf("unmarshal conversation history: %w", err)
		}
	}
	return &agent, nil
}
