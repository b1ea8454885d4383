package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/alancoin/internal/idgen"
	"github.com/mbd888/alancoin/internal/template"
)

// defaultNodeTimeout bounds every handler invocation. It is the same for
// every node; neither the node's config nor its blockType changes it.
const defaultNodeTimeout = 5 * time.Minute

// defaultParallelism bounds how many ready nodes the engine dispatches
// concurrently within one execution.
const defaultParallelism = 8

// Handler is the contract every block type implements. Defined here (not
// imported from internal/blocks) to keep this package free of a
// dependency on the concrete handler set — internal/blocks imports
// workflow, not the other way around.
type Handler interface {
	Execute(ctx context.Context, node Node, ectx *ExecutionContext) (map[string]interface{}, error)
}

// HandlerRegistry resolves a blockType to its Handler.
type HandlerRegistry interface {
	Get(blockType string) (Handler, error)
}

// Emitter broadcasts node-level lifecycle events to real-time subscribers.
// Optional: an Engine with no Emitter wired simply skips broadcasting.
type Emitter interface {
	EmitNodeEvent(executionID, nodeID, status string, data map[string]interface{})
}

// ExecutionContext is the per-handler-invocation bag the engine builds for
// every node. It mirrors internal/blocks.ExecutionContext in shape but is
// declared independently for the same reason Handler is: workflow must
// not import blocks.
type ExecutionContext struct {
	ExecutionID     string
	WorkflowID      string
	UserID          string
	WorkflowData    map[string]interface{}
	PreviousOutputs template.PreviousOutputs
	// Services is the typed capability bag a handler may need (session-key
	// authority, HTTP client config, ...). Declared as interface{} here so
	// this package never depends on internal/blocks; handlers type-assert
	// it to their own concrete Services type.
	Services interface{}
	Logger   *slog.Logger
	Deadline time.Time
}

// Engine drives WorkflowExecutions to completion against a Store and a
// HandlerRegistry, resolving each node's config through the template
// interpolator before dispatch.
type Engine struct {
	store    Store
	registry HandlerRegistry
	logger   *slog.Logger
	services interface{}
	emitter  Emitter

	mu      sync.Mutex
	running map[string]context.CancelFunc // executionID -> cancel
}

// WithEmitter attaches a real-time event emitter. Returns the receiver for
// chaining at construction time.
func (e *Engine) WithEmitter(em Emitter) *Engine {
	e.emitter = em
	return e
}

// NewEngine creates an Engine. services is passed through to every
// handler's ExecutionContext.Services uninterpreted — the concrete type
// (internal/blocks.Services) is the caller's concern.
func NewEngine(store Store, registry HandlerRegistry, logger *slog.Logger, services interface{}) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		registry: registry,
		logger:   logger,
		services: services,
		running:  make(map[string]context.CancelFunc),
	}
}

// Start dispatches a Workflow: validates its graph is a DAG, marks the
// execution running, and drives the frontier to completion. It blocks
// until the execution reaches a terminal state (completed/failed) or is
// cancelled/paused.
func (e *Engine) Start(ctx context.Context, wf *Workflow, exec *WorkflowExecution) error {
	order, err := topologicalOrder(wf)
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		now := time.Now()
		exec.FinishedAt = &now
		_ = e.store.UpdateExecution(ctx, exec)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
		cancel()
	}()

	exec.Status = StatusRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	e.log(ctx, exec.ID, "", LogInfo, "execution started", nil)

	return e.run(runCtx, wf, exec, order)
}

// Cancel flips a running execution to failed with error "cancelled" and
// signals in-flight handlers through their context.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: execution %s is not running", ErrNotFound, executionID)
	}
	cancel()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	exec.Status = StatusFailed
	exec.Error = "cancelled"
	now := time.Now()
	exec.FinishedAt = &now
	e.log(ctx, executionID, "", LogWarn, "execution cancelled", nil)
	return e.store.UpdateExecution(ctx, exec)
}

// Pause suspends a running execution. Resumption is idempotent and
// re-enters the frontier via Start.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusRunning {
		return fmt.Errorf("%w: execution %s is not running", ErrConfigInvalid, executionID)
	}
	exec.Status = StatusPaused
	e.log(ctx, executionID, "", LogInfo, "execution paused", nil)
	return e.store.UpdateExecution(ctx, exec)
}

// Resume re-enters a paused execution at its next ready frontier.
func (e *Engine) Resume(ctx context.Context, wf *Workflow, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != StatusPaused {
		return nil // idempotent: resuming a non-paused execution is a no-op
	}
	return e.Start(ctx, wf, exec)
}

// run drives the frontier to completion. order is the full topological
// order; completed/failed state is read from the store so that resuming
// a paused execution correctly skips already-finished nodes.
func (e *Engine) run(ctx context.Context, wf *Workflow, exec *WorkflowExecution, order []string) error {
	nodesByID := make(map[string]Node, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodesByID[n.ID] = n
	}
	predecessors := buildPredecessorMap(wf)

	prev := template.PreviousOutputs{Values: make(map[string]interface{})}

	completed := make(map[string]bool)
	failed := make(map[string]bool)

	existing, err := e.store.ListNodeExecutions(ctx, exec.ID)
	if err != nil {
		return err
	}
	for _, ne := range existing {
		switch ne.Status {
		case NodeCompleted:
			completed[ne.NodeID] = true
			prev.Order = append(prev.Order, ne.NodeID)
			prev.Values[ne.NodeID] = ne.Output
		case NodeFailed:
			failed[ne.NodeID] = true
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A Pause between rounds stops scheduling; Resume re-enters here.
		if cur, err := e.store.GetExecution(ctx, exec.ID); err == nil && cur.Status == StatusPaused {
			return nil
		}

		frontier := readyFrontier(order, nodesByID, predecessors, completed, failed)
		if len(frontier) == 0 {
			break
		}

		results := e.dispatch(ctx, exec, frontier, nodesByID, &prev)

		anyFailed := false
		for _, r := range results {
			if r.err != nil {
				failed[r.nodeID] = true
				anyFailed = true
				continue
			}
			completed[r.nodeID] = true
			prev.Order = append(prev.Order, r.nodeID)
			prev.Values[r.nodeID] = r.output
		}
		if anyFailed {
			exec.Status = StatusFailed
			exec.Error = firstError(results)
			now := time.Now()
			exec.FinishedAt = &now
			if err := e.store.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			for _, r := range results {
				if r.err != nil {
					return r.err
				}
			}
		}
	}

	if len(completed) < len(order) {
		// Some nodes never became ready: a dependent of a failed or
		// unreachable node. Already reported via anyFailed above unless
		// the graph had a disconnected component — treat as failed too.
		exec.Status = StatusFailed
		if exec.Error == "" {
			exec.Error = "workflow did not reach all nodes"
		}
		now := time.Now()
		exec.FinishedAt = &now
		return e.store.UpdateExecution(ctx, exec)
	}

	exec.Status = StatusCompleted
	if len(order) > 0 {
		exec.Output = asMap(prev.Values[order[len(order)-1]])
	}
	now := time.Now()
	exec.FinishedAt = &now
	e.log(ctx, exec.ID, "", LogInfo, "execution completed", nil)
	return e.store.UpdateExecution(ctx, exec)
}

type nodeResult struct {
	nodeID string
	output map[string]interface{}
	err    error
}

// dispatch runs every ready node concurrently, bounded by
// defaultParallelism, and returns once all of them finish.
func (e *Engine) dispatch(ctx context.Context, exec *WorkflowExecution, frontier []string, nodesByID map[string]Node, prev *template.PreviousOutputs) []nodeResult {
	sem := make(chan struct{}, defaultParallelism)
	var wg sync.WaitGroup
	results := make([]nodeResult, len(frontier))

	// prev is read-only during this fan-out: every node in frontier only
	// depends on outputs already recorded before this round began.
	snapshot := template.PreviousOutputs{
		Order:  append([]string(nil), prev.Order...),
		Values: prev.Values,
	}

	for i, nodeID := range frontier {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			defer func() { <-sem }()
			node := nodesByID[nodeID]
			output, err := e.runNode(ctx, exec, node, snapshot)
			results[i] = nodeResult{nodeID: nodeID, output: output, err: err}
		}(i, nodeID)
	}
	wg.Wait()
	return results
}

// runNode resolves the node's templated config, invokes its handler under
// defaultNodeTimeout, and persists the NodeExecution.
func (e *Engine) runNode(ctx context.Context, exec *WorkflowExecution, node Node, prev template.PreviousOutputs) (map[string]interface{}, error) {
	ne := &NodeExecution{
		ID:          idgen.WithPrefix("ne_"),
		ExecutionID: exec.ID,
		NodeID:      node.ID,
		BlockType:   node.BlockType,
		Status:      NodeRunning,
		StartTime:   time.Now(),
	}
	if err := e.store.CreateNodeExecution(ctx, ne); err != nil {
		return nil, err
	}

	resolved, err := resolveNodeConfig(node, exec.Input, prev)
	if err != nil {
		return e.finishNode(ctx, ne, nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err))
	}
	node.Config = resolved

	handler, err := e.registry.Get(node.BlockType)
	if err != nil {
		return e.finishNode(ctx, ne, nil, err)
	}

	timeout := defaultNodeTimeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ectx := &ExecutionContext{
		ExecutionID:     exec.ID,
		WorkflowID:      exec.WorkflowID,
		UserID:          exec.UserID,
		WorkflowData:    exec.Input,
		PreviousOutputs: prev,
		Services:        e.services,
		Logger:          e.logger,
		Deadline:        time.Now().Add(timeout),
	}

	output, err := handler.Execute(callCtx, node, ectx)
	if callCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w: node %s exceeded its timeout", ErrHandlerTimeout, node.ID)
	}
	return e.finishNode(ctx, ne, output, err)
}

func (e *Engine) finishNode(ctx context.Context, ne *NodeExecution, output map[string]interface{}, err error) (map[string]interface{}, error) {
	now := time.Now()
	ne.EndTime = &now
	if err != nil {
		ne.Status = NodeFailed
		ne.Error = err.Error()
		e.log(ctx, ne.ExecutionID, ne.NodeID, LogError, "node failed", map[string]interface{}{"error": err.Error()})
	} else {
		ne.Status = NodeCompleted
		ne.Output = output
		e.log(ctx, ne.ExecutionID, ne.NodeID, LogInfo, "node completed", nil)
	}
	if uerr := e.store.UpdateNodeExecution(ctx, ne); uerr != nil {
		e.logger.Error("failed to persist node execution", "executionId", ne.ExecutionID, "nodeId", ne.NodeID, "error", uerr)
	}
	if e.emitter != nil {
		e.emitter.EmitNodeEvent(ne.ExecutionID, ne.NodeID, string(ne.Status), map[string]interface{}{
			"blockType": ne.BlockType,
			"error":     ne.Error,
		})
	}
	return output, err
}

func (e *Engine) log(ctx context.Context, executionID, nodeID string, level LogLevel, message string, data map[string]interface{}) {
	entry := &ExecutionLog{
		ID:          idgen.WithPrefix("log_"),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Level:       level,
		Message:     message,
		Data:        data,
		Timestamp:   time.Now(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.logger.Error("failed to append execution log", "executionId", executionID, "error", err)
	}
}

// resolveNodeConfig walks the node's config map, applying template
// interpolation to every string value (recursively through nested maps
// and slices) against the execution's input and the outputs collected so
// far.
func resolveNodeConfig(node Node, input map[string]interface{}, prev template.PreviousOutputs) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(node.Config))
	for k, v := range node.Config {
		resolved, err := resolveValue(v, input, prev)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, input map[string]interface{}, prev template.PreviousOutputs) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return template.Interpolate(val, input, prev, template.Context{})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			r, err := resolveValue(vv, input, prev)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			r, err := resolveValue(vv, input, prev)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// topologicalOrder computes a stable topological order of wf's nodes,
// breaking ties by position in wf.Nodes. Returns ErrGraphNotDAG if a
// cycle exists, ErrDanglingEdge if an edge references an unknown node,
// and ErrSelfLoop if a node depends on itself.
func topologicalOrder(wf *Workflow) ([]string, error) {
	index := make(map[string]int, len(wf.Nodes))
	for i, n := range wf.Nodes {
		index[n.ID] = i
	}
	for _, edge := range wf.Edges {
		if edge.Source == edge.Target {
			return nil, fmt.Errorf("%w: node %s", ErrSelfLoop, edge.Source)
		}
		if _, ok := index[edge.Source]; !ok {
			return nil, fmt.Errorf("%w: edge references unknown node %s", ErrDanglingEdge, edge.Source)
		}
		if _, ok := index[edge.Target]; !ok {
			return nil, fmt.Errorf("%w: edge references unknown node %s", ErrDanglingEdge, edge.Target)
		}
	}

	inDegree := make(map[string]int, len(wf.Nodes))
	adj := make(map[string][]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		inDegree[n.ID] = 0
	}
	for _, edge := range wf.Edges {
		adj[edge.Source] = append(adj[edge.Source], edge.Target)
		inDegree[edge.Target]++
	}

	var frontier []string
	for _, n := range wf.Nodes {
		if inDegree[n.ID] == 0 {
			frontier = append(frontier, n.ID)
		}
	}

	var order []string
	for len(frontier) > 0 {
		// Stable: pick the frontier member with the lowest original index.
		bestIdx, bestPos := -1, -1
		for i, id := range frontier {
			if bestPos == -1 || index[id] < bestPos {
				bestPos = index[id]
				bestIdx = i
			}
		}
		id := frontier[bestIdx]
		frontier = append(frontier[:bestIdx], frontier[bestIdx+1:]...)
		order = append(order, id)

		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if len(order) != len(wf.Nodes) {
		return nil, ErrGraphNotDAG
	}
	return order, nil
}

func buildPredecessorMap(wf *Workflow) map[string][]string {
	m := make(map[string][]string, len(wf.Nodes))
	for _, edge := range wf.Edges {
		m[edge.Target] = append(m[edge.Target], edge.Source)
	}
	return m
}

// readyFrontier returns, in order's relative order, every not-yet-resolved
// node whose predecessors are all completed and none failed.
func readyFrontier(order []string, nodesByID map[string]Node, predecessors map[string][]string, completed, failed map[string]bool) []string {
	var frontier []string
	for _, id := range order {
		if completed[id] || failed[id] {
			continue
		}
		ready := true
		for _, pred := range predecessors[id] {
			if failed[pred] {
				ready = false
				break
			}
			if !completed[pred] {
				ready = false
				break
			}
		}
		if ready {
			frontier = append(frontier, id)
		}
	}
	return frontier
}

func firstError(results []nodeResult) string {
	for _, r := range results {
		if r.err != nil {
			return r.err.Error()
		}
	}
	return ""
}

func asMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return nil
}
