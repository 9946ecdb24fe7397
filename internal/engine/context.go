package engine

import (
	"fmt"
	"maps"
	"sync"

	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/pkg/schema"
)

// ContextConfig is the static configuration of a ContextManager.
type ContextConfig struct {
	WorkflowID       string
	ExecutionID      string
	IsChildExecution bool
	Environment      map[string]string
	Variables        map[string]any

	// BlockStates is a prior block-output snapshot restored on every Reset.
	BlockStates map[string]any
}

// ContextStats counts what happened to the context during a run.
type ContextStats struct {
	BlocksExecuted int `json:"blocks_executed"`
	Errors         int `json:"errors"`
	Skipped        int `json:"skipped"`
	BlockStates    int `json:"block_states"`
}

// ContextManager owns the mutable state of one run: block outputs, workflow
// variables, the triggering input and container bindings. Everything else
// reads it through Context snapshots. Parallel branches work on forks that
// are merged back at the join.
type ContextManager struct {
	mu sync.RWMutex

	workflowID  string
	executionID string
	isChild     bool
	env         map[string]string

	seedVariables map[string]any
	seedBlocks    map[string]any

	blocks    map[string]any
	variables map[string]any
	input     any
	inputSet  bool
	bindings  map[string]map[string]any

	// dirty tracks keys written since a fork, in write order.
	dirtyBlocks []string
	dirtyVars   []string
	tracking    bool

	stats ContextStats
}

// NewContextManager creates a ContextManager seeded from cfg.
func NewContextManager(cfg ContextConfig) *ContextManager {
	c := &ContextManager{
		workflowID:    cfg.WorkflowID,
		executionID:   cfg.ExecutionID,
		isChild:       cfg.IsChildExecution,
		env:           maps.Clone(cfg.Environment),
		seedVariables: expressions.DeepCopyMap(cfg.Variables),
		seedBlocks:    expressions.DeepCopyMap(cfg.BlockStates),
	}
	if c.env == nil {
		c.env = map[string]string{}
	}
	c.clear()
	return c
}

// clear restores run state from the seeds. Callers hold mu or own c exclusively.
func (c *ContextManager) clear() {
	c.blocks = expressions.DeepCopyMap(c.seedBlocks)
	if c.blocks == nil {
		c.blocks = make(map[string]any)
	}
	c.variables = expressions.DeepCopyMap(c.seedVariables)
	if c.variables == nil {
		c.variables = make(map[string]any)
	}
	c.input = nil
	c.inputSet = false
	c.bindings = make(map[string]map[string]any)
	c.dirtyBlocks = nil
	c.dirtyVars = nil
	c.stats = ContextStats{}
}

// Context returns a read-only snapshot. Values are deep copies, so callers
// may hold on to it while the run continues.
func (c *ContextManager) Context() *expressions.Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bindings := make(map[string]map[string]any, len(c.bindings))
	for k, b := range c.bindings {
		bindings[k] = expressions.DeepCopyMap(b)
	}
	return &expressions.Scope{
		WorkflowID:       c.workflowID,
		ExecutionID:      c.executionID,
		IsChildExecution: c.isChild,
		Input:            expressions.DeepCopy(c.input),
		Blocks:           expressions.DeepCopyMap(c.blocks),
		Variables:        expressions.DeepCopyMap(c.variables),
		Env:              maps.Clone(c.env),
		Bindings:         bindings,
	}
}

// UpdateBlockState records output for blockID. The last write wins.
func (c *ContextManager) UpdateBlockState(blockID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[blockID] = expressions.DeepCopy(output)
	if c.tracking {
		c.dirtyBlocks = append(c.dirtyBlocks, blockID)
	}
}

// BlockOutput returns a copy of the recorded output of blockID.
func (c *ContextManager) BlockOutput(blockID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.blocks[blockID]
	return expressions.DeepCopy(v), ok
}

// UpdateWorkflowInput seeds the triggering input. It may be called once per run.
func (c *ContextManager) UpdateWorkflowInput(input any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputSet {
		return schema.NewError(schema.ErrCodeConflict, "workflow input already set for this run")
	}
	c.input = expressions.DeepCopy(input)
	c.inputSet = true
	return nil
}

// UpdateVariables merges vars into the workflow variables.
func (c *ContextManager) UpdateVariables(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vars {
		c.variables[k] = expressions.DeepCopy(v)
		if c.tracking {
			c.dirtyVars = append(c.dirtyVars, k)
		}
	}
}

// SetBinding installs a container binding ("loop" or "parallel") and returns
// the previous one so nested containers can restore it.
func (c *ContextManager) SetBinding(name string, binding map[string]any) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, had := c.bindings[name]
	c.bindings[name] = binding
	return prev, had
}

// RestoreBinding puts back a binding returned by SetBinding.
func (c *ContextManager) RestoreBinding(name string, prev map[string]any, had bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if had {
		c.bindings[name] = prev
	} else {
		delete(c.bindings, name)
	}
}

// SetExecutionID changes the execution id reported in snapshots.
func (c *ContextManager) SetExecutionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executionID = id
}

// ExecutionID returns the current execution id.
func (c *ContextManager) ExecutionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executionID
}

// WorkflowID returns the workflow id.
func (c *ContextManager) WorkflowID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workflowID
}

// RecordExecuted counts a successfully executed block.
func (c *ContextManager) RecordExecuted() {
	c.mu.Lock()
	c.stats.BlocksExecuted++
	c.mu.Unlock()
}

// RecordError counts a failed block.
func (c *ContextManager) RecordError() {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
}

// RecordSkipped counts a skipped block.
func (c *ContextManager) RecordSkipped() {
	c.mu.Lock()
	c.stats.Skipped++
	c.mu.Unlock()
}

// Fork returns an independent copy for a parallel branch. Writes to the
// fork are tracked so Merge can replay them onto the parent.
func (c *ContextManager) Fork(executionID string) *ContextManager {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bindings := make(map[string]map[string]any, len(c.bindings))
	for k, b := range c.bindings {
		bindings[k] = maps.Clone(b)
	}
	return &ContextManager{
		workflowID:    c.workflowID,
		executionID:   executionID,
		isChild:       c.isChild,
		env:           c.env,
		seedVariables: c.seedVariables,
		seedBlocks:    c.seedBlocks,
		blocks:        expressions.DeepCopyMap(c.blocks),
		variables:     expressions.DeepCopyMap(c.variables),
		input:         expressions.DeepCopy(c.input),
		inputSet:      c.inputSet,
		bindings:      bindings,
		tracking:      true,
	}
}

// Merge replays the writes of branch onto c. Every block output is recorded
// under its own id and under the branch-qualified key "id[index]". Calling
// Merge in branch-index order makes the unqualified ids resolve to the
// highest branch.
func (c *ContextManager) Merge(branch *ContextManager, index int) {
	branch.mu.RLock()
	blocks := make(map[string]any, len(branch.dirtyBlocks))
	blockOrder := dedupe(branch.dirtyBlocks)
	for _, k := range blockOrder {
		blocks[k] = branch.blocks[k]
	}
	vars := make(map[string]any, len(branch.dirtyVars))
	varOrder := dedupe(branch.dirtyVars)
	for _, k := range varOrder {
		vars[k] = branch.variables[k]
	}
	stats := branch.stats
	branch.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range blockOrder {
		c.blocks[k] = blocks[k]
		qualified := BranchKey(k, index)
		c.blocks[qualified] = expressions.DeepCopy(blocks[k])
		if c.tracking {
			c.dirtyBlocks = append(c.dirtyBlocks, k, qualified)
		}
	}
	for _, k := range varOrder {
		c.variables[k] = vars[k]
		if c.tracking {
			c.dirtyVars = append(c.dirtyVars, k)
		}
	}
	c.stats.BlocksExecuted += stats.BlocksExecuted
	c.stats.Errors += stats.Errors
	c.stats.Skipped += stats.Skipped
}

// Reset clears all run state. Static configuration (workflow id, environment,
// seeded variables and block snapshot) is kept.
func (c *ContextManager) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
}

// Stats returns execution counters.
func (c *ContextManager) Stats() ContextStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.BlockStates = len(c.blocks)
	return s
}

// BranchKey is the key a branch or iteration output is recorded under.
func BranchKey(blockID string, index int) string {
	return fmt.Sprintf("%s[%d]", blockID, index)
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if !seen[keys[i]] {
			seen[keys[i]] = true
			out = append(out, keys[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
