package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/internal/scheduler"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

const greetWorkflow = `
blocks:
  - id: start
    type: starter
  - id: greet
    type: function
    inputs:
      expression: 'variables.greeting + ", " + input.name'
  - id: reply
    type: response
    inputs:
      data:
        message: "${{ greet.result }}"
        token: "${{ TOKEN }}"
connections:
  - source: start
    target: greet
  - source: greet
    target: reply
`

func newTestApp(t *testing.T, history bool) *app {
	t.Helper()
	cfg := defaultConfig()
	cfg.History = history
	cfg.DBPath = filepath.Join(t.TempDir(), "nested", "runs.db")

	a, err := newApp(context.Background(), cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func loadTestWorkflow(t *testing.T, a *app) *schema.SerializedWorkflow {
	t.Helper()
	path := filepath.Join(t.TempDir(), "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetWorkflow), 0o644))
	wf, err := a.loader.LoadFile(path)
	require.NoError(t, err)
	return wf
}

func TestNewApp_RegistersChildWorkflows(t *testing.T) {
	a := newTestApp(t, false)
	assert.True(t, a.registry.Has(handlers.TypeWorkflow))
	assert.True(t, a.registry.Has(handlers.TypeStarter))
	assert.Nil(t, a.store)
	assert.NotNil(t, a.tracer)
}

func TestRunWorkflow_RecordsHistory(t *testing.T) {
	a := newTestApp(t, true)
	require.NotNil(t, a.store)
	wf := loadTestWorkflow(t, a)

	var out, progress bytes.Buffer
	err := runWorkflow(context.Background(), a, wf, map[string]any{"name": "Ada"}, runOptions{
		workflowID: "greet",
		variables:  map[string]any{"greeting": "Hello"},
		env:        map[string]any{"TOKEN": "t-1"},
	}, &out, &progress)
	require.NoError(t, err)
	assert.Empty(t, progress.String())

	var result schema.RunResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.ExecutionResult.Success)
	assert.Equal(t, map[string]any{"message": "Hello, Ada", "token": "t-1"}, result.Output.Data)

	runs, err := a.store.ListRuns(context.Background(), store.RunFilter{WorkflowID: "greet"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.ExecutionID, runs[0].ID)
	assert.Equal(t, schema.StateCompleted, runs[0].Status)

	var printed bytes.Buffer
	require.NoError(t, printRun(context.Background(), a, result.ExecutionID, &printed))
	text := printed.String()
	assert.Contains(t, text, "status:   completed")
	assert.Contains(t, text, "greet")
	assert.Contains(t, text, "succeeded")

	printed.Reset()
	printRuns(runs, &printed)
	assert.Contains(t, printed.String(), result.ExecutionID)
}

func TestRunWorkflow_StreamsAndEvents(t *testing.T) {
	a := newTestApp(t, false)
	wf := loadTestWorkflow(t, a)

	var out, progress bytes.Buffer
	err := runWorkflow(context.Background(), a, wf, map[string]any{"name": "Lin"}, runOptions{
		workflowID: "greet",
		variables:  map[string]any{"greeting": "Hi"},
		stream:     true,
		events:     true,
	}, &out, &progress)
	require.NoError(t, err)

	var types []string
	for _, line := range strings.Split(strings.TrimSpace(progress.String()), "\n") {
		var e struct {
			Type       string `json:"type"`
			WorkflowID string `json:"workflow_id"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &e), line)
		assert.Equal(t, "greet", e.WorkflowID)
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventWorkflowStarted)
	assert.Contains(t, types, schema.EventBlockSucceeded)
	assert.Contains(t, types, streaming.EventStreamFinal)
}

func TestRunWorkflow_FailureStillPrintsResult(t *testing.T) {
	a := newTestApp(t, true)
	wf := &schema.SerializedWorkflow{
		Blocks: []schema.SerializedBlock{{ID: "start", Type: handlers.TypeStarter}, {ID: "mystery", Type: "bogus"}},
		Edges:  []schema.Edge{{Source: "start", Target: "mystery"}},
	}

	var out bytes.Buffer
	err := runWorkflow(context.Background(), a, wf, nil, runOptions{workflowID: "broken"}, &out, io.Discard)
	require.ErrorIs(t, err, schema.ErrNoHandler)
	assert.Contains(t, out.String(), "mystery")

	runs, err := a.store.ListRuns(context.Background(), store.RunFilter{WorkflowID: "broken"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schema.StateFailed, runs[0].Status)
}

func TestPruneRun(t *testing.T) {
	a := newTestApp(t, true)
	wf := loadTestWorkflow(t, a)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, runWorkflow(ctx, a, wf, map[string]any{"name": "Ada"}, runOptions{
		workflowID: "greet",
		variables:  map[string]any{"greeting": "Hello"},
	}, &out, io.Discard))
	var result schema.RunResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))

	var printed bytes.Buffer
	require.NoError(t, pruneRun(ctx, a, result.ExecutionID, &printed))
	assert.Equal(t, "Deleted run "+result.ExecutionID+"\n", printed.String())

	_, err := a.store.GetRun(ctx, result.ExecutionID)
	require.ErrorIs(t, err, &schema.FlowError{Code: schema.ErrCodeNotFound})
	timeline, err := a.events.Timeline(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, timeline)

	err = pruneRun(ctx, a, result.ExecutionID, io.Discard)
	require.ErrorIs(t, err, &schema.FlowError{Code: schema.ErrCodeNotFound})
}

func TestScheduledRunner(t *testing.T) {
	a := newTestApp(t, true)
	path := filepath.Join(t.TempDir(), "nightly.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
blocks:
  - id: start
    type: starter
    inputs:
      schedule: "@daily"
  - id: out
    type: output
    inputs:
      data: "${{ start }}"
connections:
  - source: start
    target: out
`), 0o644))

	sched := scheduler.NewScheduler(scheduledRunner(a), a.logger)
	require.NoError(t, addScheduledWorkflow(a, sched, path, map[string]any{"n": 1}))

	jobs := sched.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "nightly", jobs[0].ID)
	assert.Equal(t, "@daily", jobs[0].Schedule)

	require.NoError(t, scheduledRunner(a).RunScheduled(context.Background(), &jobs[0]))
	runs, err := a.store.ListRuns(context.Background(), store.RunFilter{WorkflowID: "nightly"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.JSONEq(t, `{"n":1}`, string(runs[0].Input))

	plain := filepath.Join(t.TempDir(), "plain.yaml")
	require.NoError(t, os.WriteFile(plain, []byte(greetWorkflow), 0o644))
	err = addScheduledWorkflow(a, sched, plain, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no starter block declares a schedule")
}
