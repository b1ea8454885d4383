package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type stubHandler struct {
	output map[string]interface{}
	err    error
	delay  time.Duration
	calls  *int
}

func (h *stubHandler) Execute(ctx context.Context, node Node, ectx *ExecutionContext) (map[string]interface{}, error) {
	if h.calls != nil {
		*h.calls++
	}
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.err != nil {
		return nil, h.err
	}
	out := h.output
	if out == nil {
		out = map[string]interface{}{"node": node.ID}
	}
	return out, nil
}

type stubRegistry struct {
	handlers map[string]Handler
}

func (r *stubRegistry) Get(blockType string) (Handler, error) {
	h, ok := r.handlers[blockType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConfigInvalid, blockType)
	}
	return h, nil
}

func newTestEngine(handlers map[string]Handler) (*Engine, *MemoryStore) {
	store := NewMemoryStore()
	reg := &stubRegistry{handlers: handlers}
	return NewEngine(store, reg, nil, nil), store
}

func TestEngine_LinearWorkflowCompletes(t *testing.T) {
	wf := &Workflow{
		ID: "wf1",
		Nodes: []Node{
			{ID: "a", BlockType: "noop"},
			{ID: "b", BlockType: "noop"},
		},
		Edges: []Edge{{Source: "a", Target: "b"}},
	}
	engine, store := newTestEngine(map[string]Handler{
		"noop": &stubHandler{},
	})

	exec := &WorkflowExecution{ID: "exec1", WorkflowID: wf.ID, Status: StatusPending, Input: map[string]interface{}{}}
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	if err := engine.Start(context.Background(), wf, exec); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, err := store.GetExecution(context.Background(), "exec1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	nodes, _ := store.ListNodeExecutions(context.Background(), "exec1")
	if len(nodes) != 2 {
		t.Fatalf("expected 2 node executions, got %d", len(nodes))
	}
	for _, ne := range nodes {
		if ne.Status != NodeCompleted {
			t.Errorf("node %s status = %s, want completed", ne.NodeID, ne.Status)
		}
	}
}

func TestEngine_FailedNodeStopsDependents(t *testing.T) {
	wf := &Workflow{
		ID: "wf2",
		Nodes: []Node{
			{ID: "a", BlockType: "fail"},
			{ID: "b", BlockType: "noop"},
		},
		Edges: []Edge{{Source: "a", Target: "b"}},
	}
	engine, store := newTestEngine(map[string]Handler{
		"fail": &stubHandler{err: fmt.Errorf("boom")},
		"noop": &stubHandler{},
	})

	exec := &WorkflowExecution{ID: "exec2", WorkflowID: wf.ID, Status: StatusPending, Input: map[string]interface{}{}}
	store.CreateExecution(context.Background(), exec)

	err := engine.Start(context.Background(), wf, exec)
	if err == nil {
		t.Fatal("expected Start to report the failed node's error")
	}

	got, _ := store.GetExecution(context.Background(), "exec2")
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	if _, err := store.GetNodeExecution(context.Background(), "exec2", "b"); err != ErrNotFound {
		t.Errorf("node b should never have run, got err=%v", err)
	}
}

func TestEngine_IndependentNodesRunConcurrently(t *testing.T) {
	wf := &Workflow{
		ID: "wf3",
		Nodes: []Node{
			{ID: "a", BlockType: "slow"},
			{ID: "b", BlockType: "slow"},
		},
	}
	engine, store := newTestEngine(map[string]Handler{
		"slow": &stubHandler{delay: 50 * time.Millisecond},
	})
	exec := &WorkflowExecution{ID: "exec3", WorkflowID: wf.ID, Status: StatusPending, Input: map[string]interface{}{}}
	store.CreateExecution(context.Background(), exec)

	start := time.Now()
	if err := engine.Start(context.Background(), wf, exec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 90*time.Millisecond {
		t.Errorf("independent nodes ran sequentially: took %v", elapsed)
	}
}

func TestEngine_DetectsCycle(t *testing.T) {
	wf := &Workflow{
		ID: "wf4",
		Nodes: []Node{
			{ID: "a", BlockType: "noop"},
			{ID: "b", BlockType: "noop"},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}
	engine, store := newTestEngine(map[string]Handler{"noop": &stubHandler{}})
	exec := &WorkflowExecution{ID: "exec4", WorkflowID: wf.ID, Status: StatusPending, Input: map[string]interface{}{}}
	store.CreateExecution(context.Background(), exec)

	err := engine.Start(context.Background(), wf, exec)
	if err == nil {
		t.Fatal("expected a cycle to be rejected")
	}
}

func TestEngine_TemplateResolutionAgainstPreviousOutputs(t *testing.T) {
	wf := &Workflow{
		ID: "wf5",
		Nodes: []Node{
			{ID: "a", BlockType: "producer"},
			{ID: "b", BlockType: "consumer", Config: map[string]interface{}{
				"greeting": "hello {a.name}",
			}},
		},
		Edges: []Edge{{Source: "a", Target: "b"}},
	}

	var captured map[string]interface{}
	engine, store := newTestEngine(map[string]Handler{
		"producer": &stubHandler{output: map[string]interface{}{"name": "world"}},
		"consumer": &captureHandler{captured: &captured},
	})
	exec := &WorkflowExecution{ID: "exec5", WorkflowID: wf.ID, Status: StatusPending, Input: map[string]interface{}{}}
	store.CreateExecution(context.Background(), exec)

	if err := engine.Start(context.Background(), wf, exec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if captured["greeting"] != "hello world" {
		t.Errorf("greeting = %v, want %q", captured["greeting"], "hello world")
	}
}

type captureHandler struct {
	captured *map[string]interface{}
}

func (h *captureHandler) Execute(ctx context.Context, node Node, ectx *ExecutionContext) (map[string]interface{}, error) {
	*h.captured = node.Config
	return map[string]interface{}{}, nil
}
