package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/dipeo/engine/internal/runtime"
)

type executionRow struct {
	bun.BaseModel `bun:"table:executions,alias:e"`

	ID           string         `bun:"id,pk"`
	DiagramID    string         `bun:"diagram_id,notnull"`
	Status       string         `bun:"status,notnull"`
	Error        string         `bun:"error,nullzero"`
	Variables    map[string]any `bun:"variables,type:jsonb"`
	TokensInput  int            `bun:"tokens_input,notnull,default:0"`
	TokensOutput int            `bun:"tokens_output,notnull,default:0"`
	TokensCached int            `bun:"tokens_cached,notnull,default:0"`
	StartedAt    time.Time      `bun:"started_at,notnull"`
	EndedAt      *time.Time     `bun:"ended_at,nullzero"`
}

type nodeRow struct {
	bun.BaseModel `bun:"table:execution_nodes,alias:n"`

	ExecutionID string    `bun:"execution_id,pk"`
	NodeID      string    `bun:"node_id,pk"`
	Status      string    `bun:"status,notnull"`
	Output      []byte    `bun:"output,type:jsonb,nullzero"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

// BunStore persists execution state to Postgres. One row per execution plus
// one row per node keeps node updates cheap upserts instead of rewriting a
// whole snapshot on every transition.
type BunStore struct {
	db *bun.DB
}

func NewBunStore(dsn string) (*BunStore, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	return &BunStore{db: db}, nil
}

// Init creates the tables when they do not exist yet.
func (s *BunStore) Init(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*executionRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create executions table: %w", err)
	}
	if _, err := s.db.NewCreateTable().Model((*nodeRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create execution_nodes table: %w", err)
	}
	return nil
}

func (s *BunStore) Close() error { return s.db.Close() }

func (s *BunStore) CreateExecution(ctx context.Context, executionID, diagramID string, variables map[string]any) error {
	row := &executionRow{
		ID:        executionID,
		DiagramID: diagramID,
		Status:    RunRunning,
		Variables: variables,
		StartedAt: time.Now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("create execution %s: %w", executionID, err)
	}
	return nil
}

func (s *BunStore) UpdateNodeStatus(ctx context.Context, executionID, nodeID string, status runtime.NodeStatus, output *runtime.NodeOutput) error {
	var encoded []byte
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("encode output for %s: %w", nodeID, err)
		}
		encoded = b
	}
	row := &nodeRow{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Status:      string(status),
		Output:      encoded,
		UpdatedAt:   time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (execution_id, node_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("output = EXCLUDED.output").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update node %s: %w", nodeID, err)
	}
	if output != nil {
		if tok, ok := output.Tokens(); ok && !tok.IsZero() {
			_, err = s.db.NewUpdate().
				Model((*executionRow)(nil)).
				Set("tokens_input = tokens_input + ?", tok.Input).
				Set("tokens_output = tokens_output + ?", tok.Output).
				Set("tokens_cached = tokens_cached + ?", tok.Cached).
				Where("id = ?", executionID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("accumulate tokens for %s: %w", executionID, err)
			}
		}
	}
	return nil
}

func (s *BunStore) UpdateStatus(ctx context.Context, executionID, status, errMsg string) error {
	q := s.db.NewUpdate().
		Model((*executionRow)(nil)).
		Set("status = ?", status).
		Set("error = ?", errMsg).
		Where("id = ?", executionID)
	if status == RunCompleted || status == RunFailed {
		now := time.Now().UTC()
		q = q.Set("ended_at = ?", now)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("update execution %s: %w", executionID, err)
	}
	return nil
}

func (s *BunStore) GetState(ctx context.Context, executionID string) (*ExecutionState, error) {
	var exec executionRow
	err := s.db.NewSelect().Model(&exec).Where("id = ?", executionID).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("execution %s not found", executionID)
		}
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	var nodes []nodeRow
	if err := s.db.NewSelect().Model(&nodes).Where("execution_id = ?", executionID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("load nodes for %s: %w", executionID, err)
	}

	st := &ExecutionState{
		ExecutionID: exec.ID,
		DiagramID:   exec.DiagramID,
		Status:      exec.Status,
		Error:       exec.Error,
		Variables:   exec.Variables,
		Nodes:       make(map[string]NodeRecord, len(nodes)),
		Tokens: runtime.TokenUsage{
			Input:  exec.TokensInput,
			Output: exec.TokensOutput,
			Total:  exec.TokensInput + exec.TokensOutput,
			Cached: exec.TokensCached,
		},
		StartedAt: exec.StartedAt,
		EndedAt:   exec.EndedAt,
	}
	for _, n := range nodes {
		rec := NodeRecord{
			NodeID:    n.NodeID,
			Status:    runtime.NodeStatus(n.Status),
			UpdatedAt: n.UpdatedAt,
		}
		if len(n.Output) > 0 {
			var out runtime.NodeOutput
			if err := json.Unmarshal(n.Output, &out); err == nil {
				rec.Output = &out
			}
		}
		st.Nodes[n.NodeID] = rec
	}
	return st, nil
}
