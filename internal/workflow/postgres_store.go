package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed Persistence Port.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the workflow execution tables if they don't exist yet.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         VARCHAR(36) PRIMARY KEY,
			nodes      JSONB NOT NULL,
			edges      JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS workflow_executions (
			id          VARCHAR(36) PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			user_id     VARCHAR(255),
			status      VARCHAR(16) NOT NULL,
			input       JSONB,
			output      JSONB,
			error       TEXT,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);

		ALTER TABLE workflow_executions ADD COLUMN IF NOT EXISTS user_id VARCHAR(255);

		CREATE INDEX IF NOT EXISTS idx_workflow_executions_status ON workflow_executions (status);

		CREATE TABLE IF NOT EXISTS node_executions (
			id           VARCHAR(36) NOT NULL,
			execution_id VARCHAR(36) NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			node_id      VARCHAR(128) NOT NULL,
			block_type   VARCHAR(64) NOT NULL,
			status       VARCHAR(16) NOT NULL,
			output       JSONB,
			error        TEXT,
			start_time   TIMESTAMPTZ NOT NULL,
			end_time     TIMESTAMPTZ,
			UNIQUE (execution_id, node_id)
		);

		CREATE TABLE IF NOT EXISTS execution_logs (
			id           VARCHAR(36) PRIMARY KEY,
			execution_id VARCHAR(36) NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			node_id      VARCHAR(128),
			level        VARCHAR(8) NOT NULL,
			message      TEXT NOT NULL,
			data         JSONB,
			timestamp    TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_execution_logs_execution ON execution_logs (execution_id, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("workflow migration failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow nodes: %w", err)
	}
	edges, err := json.Marshal(wf.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow edges: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflows (id, nodes, edges)
		VALUES ($1, $2, $3)
	`, wf.ID, nodes, edges)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var nodes, edges string

	err := p.db.QueryRowContext(ctx, `
		SELECT id, nodes, edges FROM workflows WHERE id = $1
	`, id).Scan(&wf.ID, &nodes, &edges)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(nodes), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(edges), &wf.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow edges: %w", err)
	}
	return &wf, nil
}

func (p *PostgresStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow nodes: %w", err)
	}
	edges, err := json.Marshal(wf.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow edges: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE workflows SET nodes = $1, edges = $2, updated_at = NOW() WHERE id = $3
	`, nodes, edges, wf.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Workflow
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		wf, err := p.GetWorkflow(ctx, id)
		if err == nil {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (p *PostgresStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal execution input: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, user_id, status, input, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, exec.ID, exec.WorkflowID, nullString(exec.UserID), string(exec.Status), input, exec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	var status string
	var userID sql.NullString
	var input, output sql.NullString
	var errStr sql.NullString
	var finishedAt sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, user_id, status, input, output, error, started_at, finished_at
		FROM workflow_executions WHERE id = $1
	`, id).Scan(&exec.ID, &exec.WorkflowID, &userID, &status, &input, &output, &errStr, &exec.StartedAt, &finishedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	exec.UserID = userID.String
	exec.Status = ExecutionStatus(status)
	exec.Error = errStr.String
	if input.Valid {
		_ = json.Unmarshal([]byte(input.String), &exec.Input)
	}
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &exec.Output)
	}
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	return &exec, nil
}

func (p *PostgresStore) UpdateExecution(ctx context.Context, exec *WorkflowExecution) error {
	output, err := json.Marshal(exec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal execution output: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1, output = $2, error = $3, finished_at = $4
		WHERE id = $5
	`, string(exec.Status), output, nullString(exec.Error), nullTime(exec.FinishedAt), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListExecutionsByStatus(ctx context.Context, status ExecutionStatus) ([]*WorkflowExecution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM workflow_executions WHERE status = $1 ORDER BY started_at DESC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WorkflowExecution
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		exec, err := p.GetExecution(ctx, id)
		if err == nil {
			out = append(out, exec)
		}
	}
	return out, nil
}

func (p *PostgresStore) CreateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO node_executions (id, execution_id, node_id, block_type, status, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, node_id) DO NOTHING
	`, ne.ID, ne.ExecutionID, ne.NodeID, ne.BlockType, string(ne.Status), ne.StartTime)
	if err != nil {
		return fmt.Errorf("failed to create node execution: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateNodeExecution(ctx context.Context, ne *NodeExecution) error {
	output, err := json.Marshal(ne.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal node output: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE node_executions
		SET status = $1, output = $2, error = $3, end_time = $4
		WHERE execution_id = $5 AND node_id = $6
	`, string(ne.Status), output, nullString(ne.Error), nullTime(ne.EndTime), ne.ExecutionID, ne.NodeID)
	if err != nil {
		return fmt.Errorf("failed to update node execution: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetNodeExecution(ctx context.Context, executionID, nodeID string) (*NodeExecution, error) {
	var ne NodeExecution
	var status string
	var output sql.NullString
	var errStr sql.NullString
	var endTime sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, execution_id, node_id, block_type, status, output, error, start_time, end_time
		FROM node_executions WHERE execution_id = $1 AND node_id = $2
	`, executionID, nodeID).Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &ne.BlockType, &status, &output, &errStr, &ne.StartTime, &endTime)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node execution: %w", err)
	}

	ne.Status = NodeStatus(status)
	ne.Error = errStr.String
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &ne.Output)
	}
	if endTime.Valid {
		ne.EndTime = &endTime.Time
	}
	return &ne, nil
}

func (p *PostgresStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id FROM node_executions WHERE execution_id = $1
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NodeExecution
	for rows.Next() {
		var nodeID string
		if err := rows.Scan(&nodeID); err != nil {
			continue
		}
		ne, err := p.GetNodeExecution(ctx, executionID, nodeID)
		if err == nil {
			out = append(out, ne)
		}
	}
	return out, nil
}

func (p *PostgresStore) AppendLog(ctx context.Context, log *ExecutionLog) error {
	data, err := json.Marshal(log.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}
	ts := log.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO execution_logs (id, execution_id, node_id, level, message, data, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, log.ID, log.ExecutionID, nullString(log.NodeID), string(log.Level), log.Message, data, ts)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListLogs(ctx context.Context, executionID string) ([]*ExecutionLog, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, execution_id, node_id, level, message, data, timestamp
		FROM execution_logs WHERE execution_id = $1 ORDER BY timestamp ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ExecutionLog
	for rows.Next() {
		var l ExecutionLog
		var level string
		var nodeID sql.NullString
		var data sql.NullString
		if err := rows.Scan(&l.ID, &l.ExecutionID, &nodeID, &level, &l.Message, &data, &l.Timestamp); err != nil {
			continue
		}
		l.Level = LogLevel(level)
		l.NodeID = nodeID.String
		if data.Valid {
			_ = json.Unmarshal([]byte(data.String), &l.Data)
		}
		out = append(out, &l)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
