package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/surgeonlogic/policybuilder/internal/domain"
	_ "modernc.org/sqlite"
)

// busyRetries is how many times a write is retried when SQLite reports the
// database as locked by another connection.
const busyRetries = 3

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		specialty TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		policy_json TEXT,
		history_json TEXT NOT NULL DEFAULT '[]',
		onboarding_complete INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_owner_updated ON agents(owner_id, updated_at DESC);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ListAgents retrieves all agents for an owner, most recently updated first.
func (s *SQLiteStore) ListAgents(ctx context.Context, ownerID string) ([]*domain.Agent, error) {
	query := `
		SELECT id, owner_id, name, specialty, status, policy_json, history_json,
		       onboarding_complete, created_at, updated_at
		FROM agents WHERE owner_id = ? ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
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
func (s *SQLiteStore) GetAgent(ctx context.Context, id, ownerID string) (*domain.Agent, error) {
	query := `
		SELECT id, owner_id, name, specialty, status, policy_json, history_json,
		       onboarding_complete, created_at, updated_at
		FROM agents WHERE id = ? AND owner_id = ?`

	row := s.db.QueryRowContext(ctx, query, id, ownerID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// CreateAgent inserts a new agent record.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *domain.Agent) error {
	policyJSON, historyJSON, err := marshalAgentState(agent)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO agents (id, owner_id, name, specialty, status, policy_json,
		history_json, onboarding_complete, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.execRetry(ctx, query,
		agent.ID, agent.OwnerID, agent.Name, nullString(agent.Specialty),
		string(agent.Status), policyJSON, historyJSON,
		boolToInt(agent.OnboardingComplete),
		agent.CreatedAt.Unix(), agent.UpdatedAt.Unix(),
	)
}

// UpdateAgentMetadata persists only name, specialty and status, leaving the
// conversation state as it is in the row.
func (s *SQLiteStore) UpdateAgentMetadata(ctx context.Context, agent *domain.Agent) error {
	query := `
	UPDATE agents SET name = ?, specialty = ?, status = ?, updated_at = ?
	WHERE id = ? AND owner_id = ?`

	return s.execRetry(ctx, query,
		agent.Name, nullString(agent.Specialty), string(agent.Status),
		agent.UpdatedAt.Unix(), agent.ID, agent.OwnerID,
	)
}

// UpdateAgentState persists only the conversation-owned fields, leaving
// name, specialty and status as they are in the row.
func (s *SQLiteStore) UpdateAgentState(ctx context.Context, agent *domain.Agent) error {
	policyJSON, historyJSON, err := marshalAgentState(agent)
	if err != nil {
		return err
	}

	query := `
	UPDATE agents SET policy_json = ?, history_json = ?,
		onboarding_complete = ?, updated_at = ?
	WHERE id = ? AND owner_id = ?`

	return s.execRetry(ctx, query,
		policyJSON, historyJSON, boolToInt(agent.OnboardingComplete),
		agent.UpdatedAt.Unix(), agent.ID, agent.OwnerID,
	)
}

// DeleteAgent removes an agent and its conversation.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id, ownerID string) error {
	return s.execRetry(ctx, `DELETE FROM agents WHERE id = ? AND owner_id = ?`, id, ownerID)
}

// execRetry executes a write, retrying when SQLite reports the database busy.
func (s *SQLiteStore) execRetry(ctx context.Context, query string, args ...any) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil || !isSQLiteBusy(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("exec agent write: %w", err)
	}
	return nil
}

// isSQLiteBusy reports whether err is a SQLITE_BUSY / "database is locked"
// concurrency error that warrants a retry.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// scanner abstracts *sql.Row and *sql.Rows for scanAgent.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*domain.Agent, error) {
	var agent domain.Agent
	var specialty, policyJSON sql.NullString
	var historyJSON string
	var onboarding int
	var createdAt, updatedAt int64
	var status string

	err := row.Scan(
		&agent.ID, &agent.OwnerID, &agent.Name, &specialty, &status,
		&policyJSON, &historyJSON, &onboarding, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}

	agent.Specialty = specialty.String
	agent.Status = domain.AgentStatus(status)
	agent.OnboardingComplete = onboarding != 0
	agent.CreatedAt = time.Unix(createdAt, 0)
	agent.UpdatedAt = time.Unix(updatedAt, 0)

	if err := unmarshalAgentState(&agent, policyJSON.String, historyJSON); err != nil {
		return nil, err
	}
	return &agent, nil
}

func marshalAgentState(agent *domain.Agent) (policyJSON any, historyJSON string, err error) {
	if agent.Policy != nil {
		data, err := json.Marshal(agent.Policy)
		if err != nil {
			return nil, "", fmt.Errorf("marshal policy: %w", err)
		}
		policyJSON = string(data)
	}

	history := agent.ConversationHistory
	if history == nil {
		history = []domain.BuilderMessage{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return nil, "", fmt.Errorf("marshal conversation history: %w", err)
	}
	return policyJSON, string(data), nil
}

func unmarshalAgentState(agent *domain.Agent, policyJSON, historyJSON string) error {
	if policyJSON != "" {
		var policy domain.ConsultationPolicy
		if err := json.Unmarshal([]byte(policyJSON), &policy); err != nil {
			return fmt.Errorf("unmarshal policy: %w", err)
		}
		agent.Policy = &policy
	}
	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &agent.ConversationHistory); err != nil {
			return fmt.Errorf("unmarshal conversation history: %w", err)
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
