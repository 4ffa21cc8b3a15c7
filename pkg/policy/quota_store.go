package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

// QuotaStore persists declarative quota limits.
type QuotaStore interface {
	Get(ctx context.Context, agentID string) (*QuotaSpec, error)
	Put(ctx context.Context, spec QuotaSpec) error
	List(ctx context.Context) ([]QuotaSpec, error)
}

// MemoryQuotaStore is a QuotaStore for tests and single-process deployments.
type MemoryQuotaStore struct {
	mu    sync.RWMutex
	specs map[string]QuotaSpec
}

func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{specs: make(map[string]QuotaSpec)}
}

func (s *MemoryQuotaStore) Get(_ context.Context, agentID string) (*QuotaSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[agentID]
	if !ok {
		return nil, nil
	}
	return &spec, nil
}

func (s *MemoryQuotaStore) Put(_ context.Context, spec QuotaSpec) error {
	if spec.AgentID == "" {
		return fmt.Errorf("quota store: agent id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	spec.AllowedActions = append([]contracts.ActionType(nil), spec.AllowedActions...)
	s.specs[spec.AgentID] = spec
	return nil
}

func (s *MemoryQuotaStore) List(_ context.Context) ([]QuotaSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]QuotaSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// PostgresQuotaStore implements QuotaStore using PostgreSQL.
//
//	CREATE TABLE agent_quotas (
//	    agent_id TEXT PRIMARY KEY,
//	    max_concurrent_executions INTEGER NOT NULL,
//	    max_requests_per_minute INTEGER NOT NULL,
//	    allowed_actions JSONB
//	);
type PostgresQuotaStore struct {
	db *sql.DB
}

func NewPostgresQuotaStore(db *sql.DB) *PostgresQuotaStore {
	return &PostgresQuotaStore{db: db}
}

func (s *PostgresQuotaStore) Get(ctx context.Context, agentID string) (*QuotaSpec, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT agent_id, max_concurrent_executions, max_requests_per_minute, allowed_actions FROM agent_quotas WHERE agent_id = $1",
		agentID)

	spec, err := scanQuota(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return spec, nil
}

func (s *PostgresQuotaStore) Put(ctx context.Context, spec QuotaSpec) error {
	actions, err := json.Marshal(spec.AllowedActions)
	if err != nil {
		return fmt.Errorf("failed to encode allowed actions: %w", err)
	}
	query := `
		INSERT INTO agent_quotas (agent_id, max_concurrent_executions, max_requests_per_minute, allowed_actions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			max_concurrent_executions = EXCLUDED.max_concurrent_executions,
			max_requests_per_minute = EXCLUDED.max_requests_per_minute,
			allowed_actions = EXCLUDED.allowed_actions
	`
	_, err = s.db.ExecContext(ctx, query, spec.AgentID, spec.MaxConcurrentExecutions, spec.MaxRequestsPerMinute, string(actions))
	if err != nil {
		return fmt.Errorf("failed to persist quota: %w", err)
	}
	return nil
}

func (s *PostgresQuotaStore) List(ctx context.Context) ([]QuotaSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent_id, max_concurrent_executions, max_requests_per_minute, allowed_actions FROM agent_quotas ORDER BY agent_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list quotas: %w", err)
	}
	defer rows.Close()

	var out []QuotaSpec
	for rows.Next() {
		spec, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan quota: %w", err)
		}
		out = append(out, *spec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuota(r rowScanner) (*QuotaSpec, error) {
	var (
		spec    QuotaSpec
		actions sql.NullString
	)
	if err := r.Scan(&spec.AgentID, &spec.MaxConcurrentExecutions, &spec.MaxRequestsPerMinute, &actions); err != nil {
		return nil, err
	}
	if actions.Valid && actions.String != "" && actions.String != "null" {
		if err := json.Unmarshal([]byte(actions.String), &spec.AllowedActions); err != nil {
			return nil, fmt.Errorf("decode allowed actions: %w", err)
		}
	}
	return &spec, nil
}
