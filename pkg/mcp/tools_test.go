package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/internal/loader"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/internal/validation"
	"github.com/rendis/blockflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

type testEnv struct {
	server *Server
	store  *store.LibSQLStore
	hub    *streaming.MemoryHub
}

func newTestEnv(t *testing.T, withStore bool, extra map[string]handlers.Handler) *testEnv {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	reg := handlers.NewRegistry(v)
	require.NoError(t, handlers.RegisterBuiltins(reg, engines))
	for typ, h := range extra {
		require.NoError(t, reg.Register(typ, h))
	}

	env := &testEnv{hub: streaming.NewMemoryHub(64)}
	deps := ServerDeps{
		Registry: reg,
		Loader:   loader.New(v),
		Hub:      env.hub,
	}
	deps.Options.Expressions = engines
	if withStore {
		st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
		require.NoError(t, err)
		require.NoError(t, st.Migrate(context.Background()))
		t.Cleanup(func() { _ = st.Close() })
		env.store = st
		deps.Store = st
		deps.Events = store.NewEventLog(st, nil)
	}
	env.server = NewServer(deps)
	return env
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func doublingWorkflow() map[string]any {
	return map[string]any{
		"blocks": []any{
			map[string]any{"id": "start", "type": "starter"},
			map[string]any{"id": "transform", "type": "transform", "inputs": map[string]any{
				"data":  "${{ start }}",
				"query": "{x: (.x * 2)}",
			}},
			map[string]any{"id": "output", "type": "output", "inputs": map[string]any{"data": "${{ transform }}"}},
		},
		"connections": []any{
			map[string]any{"source": "start", "target": "transform"},
			map[string]any{"source": "transform", "target": "output"},
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	State       string `json:"state"`
	Success     bool   `json:"success"`
	Output      struct {
		Data map[string]any `json:"data"`
	} `json:"output"`
}

func execute(t *testing.T, s *Server, args map[string]any) executeResponse {
	t.Helper()
	result, err := s.handleExecute(context.Background(), buildRequest("blockflow.execute", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var resp executeResponse
	unmarshalResult(t, result, &resp)
	return resp
}

// --- Tests ---

func TestExecuteTool_WorkflowObject(t *testing.T) {
	env := newTestEnv(t, false, nil)

	resp := execute(t, env.server, map[string]any{
		"workflow":    doublingWorkflow(),
		"input":       map[string]any{"x": 2},
		"workflow_id": "double",
	})
	assert.NotEmpty(t, resp.ExecutionID)
	assert.Equal(t, "double", resp.WorkflowID)
	assert.Equal(t, string(schema.StateCompleted), resp.State)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 4, resp.Output.Data["x"])
	assert.Zero(t, env.server.Active())
}

func TestExecuteTool_YAMLDefinition(t *testing.T) {
	env := newTestEnv(t, false, nil)

	resp := execute(t, env.server, map[string]any{
		"definition": `
blocks:
  - id: start
    type: starter
  - id: calc
    type: function
    inputs:
      expression: variables.factor * 10
  - id: out
    type: response
    inputs:
      data: "${{ calc }}"
connections:
  - source: start
    target: calc
  - source: calc
    target: out
`,
		"variables": map[string]any{"factor": 3},
	})
	assert.True(t, resp.Success)
	assert.EqualValues(t, 30, resp.Output.Data["result"])
	assert.Equal(t, "mcp", resp.WorkflowID)
}

func TestExecuteTool_InvalidWorkflow(t *testing.T) {
	env := newTestEnv(t, false, nil)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing", map[string]any{}},
		{"schema violation", map[string]any{"workflow": map[string]any{"blocks": "nope"}}},
		{"bad yaml", map[string]any{"definition": "blocks: [", "format": "yaml"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := env.server.handleExecute(context.Background(), buildRequest("blockflow.execute", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), "invalid workflow")
		})
	}
}

func TestExecuteTool_FailureIsPersisted(t *testing.T) {
	env := newTestEnv(t, true, nil)

	wf := map[string]any{
		"blocks": []any{
			map[string]any{"id": "start", "type": "starter"},
			map[string]any{"id": "mystery", "type": "bogus"},
		},
		"connections": []any{map[string]any{"source": "start", "target": "mystery"}},
	}
	result, err := env.server.handleExecute(context.Background(), buildRequest("blockflow.execute", map[string]any{
		"workflow":    wf,
		"workflow_id": "broken",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "workflow execution failed")

	runs, err := env.store.ListRuns(context.Background(), store.RunFilter{WorkflowID: "broken", WithLogs: true})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.StateFailed, runs[0].Status)
	assert.False(t, runs[0].Success)
	assert.NotEmpty(t, runs[0].Error)
	require.Len(t, runs[0].Logs, 1)
	assert.Equal(t, "mystery", runs[0].Logs[0].BlockID)
}

func TestExecuteTool_PublishesToHub(t *testing.T) {
	env := newTestEnv(t, false, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe, err := env.hub.Subscribe(ctx, streaming.Filter{WorkflowID: "double"})
	require.NoError(t, err)
	defer unsubscribe()

	resp := execute(t, env.server, map[string]any{
		"workflow":    doublingWorkflow(),
		"input":       map[string]any{"x": 1},
		"workflow_id": "double",
	})

	var types []string
	timeout := time.After(2 * time.Second)
collect:
	for {
		select {
		case e := <-events:
			assert.Equal(t, "double", e.WorkflowID)
			types = append(types, e.Type)
			if e.Type == streaming.EventStreamFinal {
				assert.Equal(t, resp.ExecutionID, e.ExecutionID)
				break collect
			}
		case <-timeout:
			t.Fatalf("no final stream event, got %v", types)
		}
	}
	assert.Contains(t, types, schema.EventWorkflowStarted)
	assert.Contains(t, types, schema.EventBlockSucceeded)
	assert.Contains(t, types, streaming.EventStreamPartial)
}

func TestCancelTool(t *testing.T) {
	started := make(chan struct{})
	env := newTestEnv(t, true, map[string]handlers.Handler{
		"wait": handlers.HandlerFunc(func(ctx context.Context, _ *handlers.Request) (*schema.ExecutionResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	s := env.server

	wf := map[string]any{
		"blocks": []any{map[string]any{"id": "wait", "type": "wait"}},
	}
	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		result, _ := s.handleExecute(context.Background(), buildRequest("blockflow.execute", map[string]any{
			"workflow":    wf,
			"workflow_id": "slow",
		}))
		done <- result
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	require.Equal(t, 1, s.Active())

	var executionID string
	s.mu.Lock()
	for id := range s.active {
		executionID = id
	}
	s.mu.Unlock()

	result, err := s.handleCancel(context.Background(), buildRequest("blockflow.cancel", map[string]any{
		"execution_id": executionID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	select {
	case result := <-done:
		require.NotNil(t, result)
		assert.True(t, result.IsError)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop after cancel")
	}
	assert.Zero(t, s.Active())

	run, err := env.store.GetRun(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StateCancelled, run.Status)
}

func TestCancelTool_Errors(t *testing.T) {
	env := newTestEnv(t, false, nil)

	result, err := env.server.handleCancel(context.Background(), buildRequest("blockflow.cancel", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleCancel(context.Background(), buildRequest("blockflow.cancel", map[string]any{
		"execution_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "not running")
}

func TestHandlersTool(t *testing.T) {
	env := newTestEnv(t, false, nil)

	result, err := env.server.handleHandlers(context.Background(), buildRequest("blockflow.handlers", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Handlers []handlers.Info `json:"handlers"`
		Stats    handlers.Stats  `json:"stats"`
	}
	unmarshalResult(t, result, &resp)

	types := make([]string, 0, len(resp.Handlers))
	for _, h := range resp.Handlers {
		types = append(types, h.Type)
	}
	assert.Contains(t, types, handlers.TypeStarter)
	assert.Contains(t, types, handlers.TypeCondition)
	assert.Equal(t, len(resp.Handlers), resp.Stats.Registered)
}

func TestHandlersTool_NoRegistry(t *testing.T) {
	s := NewServer(ServerDeps{})
	result, err := s.handleHandlers(context.Background(), buildRequest("blockflow.handlers", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunsTool(t *testing.T) {
	env := newTestEnv(t, true, nil)
	s := env.server

	first := execute(t, s, map[string]any{"workflow": doublingWorkflow(), "input": map[string]any{"x": 1}, "workflow_id": "double"})
	execute(t, s, map[string]any{"workflow": doublingWorkflow(), "input": map[string]any{"x": 2}, "workflow_id": "double"})
	execute(t, s, map[string]any{"workflow": doublingWorkflow(), "input": map[string]any{"x": 3}, "workflow_id": "other"})

	t.Run("list by workflow", func(t *testing.T) {
		result, err := s.handleRuns(context.Background(), buildRequest("blockflow.runs", map[string]any{
			"workflow_id": "double",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)

		var resp struct {
			Runs []store.Run `json:"runs"`
		}
		unmarshalResult(t, result, &resp)
		assert.Len(t, resp.Runs, 2)
		for _, r := range resp.Runs {
			assert.Equal(t, "double", r.WorkflowID)
			assert.Equal(t, schema.StateCompleted, r.Status)
		}
	})

	t.Run("limit", func(t *testing.T) {
		result, err := s.handleRuns(context.Background(), buildRequest("blockflow.runs", map[string]any{
			"limit": float64(1),
		}))
		require.NoError(t, err)

		var resp struct {
			Runs []store.Run `json:"runs"`
		}
		unmarshalResult(t, result, &resp)
		assert.Len(t, resp.Runs, 1)
	})

	t.Run("single run with timeline", func(t *testing.T) {
		result, err := s.handleRuns(context.Background(), buildRequest("blockflow.runs", map[string]any{
			"run_id":           first.ExecutionID,
			"include_timeline": true,
		}))
		require.NoError(t, err)
		require.False(t, result.IsError, extractText(t, result))

		var resp struct {
			Run      store.Run                     `json:"run"`
			Timeline map[string]*store.BlockStatus `json:"timeline"`
		}
		unmarshalResult(t, result, &resp)
		assert.Equal(t, first.ExecutionID, resp.Run.ID)
		require.Contains(t, resp.Timeline, "transform")
		assert.Equal(t, store.BlockSucceeded, resp.Timeline["transform"].Status)
		assert.Equal(t, 1, resp.Timeline["transform"].Attempts)
	})

	t.Run("unknown run", func(t *testing.T) {
		result, err := s.handleRuns(context.Background(), buildRequest("blockflow.runs", map[string]any{
			"run_id": "missing",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("bad since", func(t *testing.T) {
		result, err := s.handleRuns(context.Background(), buildRequest("blockflow.runs", map[string]any{
			"since": "yesterday",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestRunsTool_Disabled(t *testing.T) {
	env := newTestEnv(t, false, nil)
	result, err := env.server.handleRuns(context.Background(), buildRequest("blockflow.runs", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "disabled")
}
