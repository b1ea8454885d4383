//go:build integration

package workflow

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM execution_logs")
		db.ExecContext(ctx, "DELETE FROM node_executions")
		db.ExecContext(ctx, "DELETE FROM workflow_executions")
		db.ExecContext(ctx, "DELETE FROM workflows")
		db.Close()
	}

	return store, cleanup
}

func TestPostgres_CreateAndGetWorkflow(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	wf := &Workflow{
		ID:    "wf_test1",
		Nodes: []Node{{ID: "n1", BlockType: "AI_AGENT"}},
		Edges: []Edge{},
	}

	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	got, err := store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow failed: %v", err)
	}
	if got.ID != wf.ID || len(got.Nodes) != 1 {
		t.Errorf("GetWorkflow returned unexpected workflow: %+v", got)
	}

	if _, err := store.GetWorkflow(ctx, "does_not_exist"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for missing workflow, got %v", err)
	}
}

func TestPostgres_CreateAndGetExecution(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	wf := &Workflow{ID: "wf_test2", Nodes: []Node{{ID: "n1", BlockType: "AI_AGENT"}}, Edges: []Edge{}}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	exec := &WorkflowExecution{
		ID:         "exec_test1",
		WorkflowID: wf.ID,
		Status:     StatusRunning,
		Input:      map[string]interface{}{"x": 1.0},
		StartedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	got, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != StatusRunning || got.WorkflowID != wf.ID {
		t.Errorf("GetExecution returned unexpected execution: %+v", got)
	}

	got.Status = StatusCompleted
	got.Output = map[string]interface{}{"y": 2.0}
	if err := store.UpdateExecution(ctx, got); err != nil {
		t.Fatalf("UpdateExecution failed: %v", err)
	}

	running, err := store.ListExecutionsByStatus(ctx, StatusRunning)
	if err != nil {
		t.Fatalf("ListExecutionsByStatus failed: %v", err)
	}
	for _, e := range running {
		if e.ID == exec.ID {
			t.Errorf("execution %s still listed as running after completion", exec.ID)
		}
	}
}

func TestPostgres_AppendAndListLogs(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	wf := &Workflow{ID: "wf_test3", Nodes: []Node{{ID: "n1", BlockType: "AI_AGENT"}}, Edges: []Edge{}}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	exec := &WorkflowExecution{ID: "exec_test2", WorkflowID: wf.ID, Status: StatusRunning, StartedAt: time.Now().UTC()}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		log := &ExecutionLog{
			ID:          idSuffix(exec.ID, i),
			ExecutionID: exec.ID,
			Level:       LogInfo,
			Message:     "step completed",
			Timestamp:   time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendLog(ctx, log); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
	}

	logs, err := store.ListLogs(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Errorf("expected 3 logs, got %d", len(logs))
	}
}

func idSuffix(base string, i int) string {
	return base + "_log" + string(rune('a'+i))
}
