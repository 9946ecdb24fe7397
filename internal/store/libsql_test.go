package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/blockflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, workflowID string, state schema.ExecutorState, started time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      state,
		Success:     state == schema.StateCompleted,
		Input:       []byte(`{"x":2}`),
		Output:      []byte(`{"data":{"x":4}}`),
		StartedAt:   started,
		CompletedAt: started.Add(15 * time.Millisecond),
		DurationMs:  15,
	}
	require.NoError(t, s.SaveRun(context.Background(), run))
	return run
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	run := &Run{
		ID:          "exec-1",
		WorkflowID:  "wf",
		Status:      schema.StateFailed,
		Input:       []byte(`{"x":1}`),
		Error:       "[NO_HANDLER] block b: no handler registered for type \"bogus\"",
		StartedAt:   now,
		CompletedAt: now.Add(time.Second),
		DurationMs:  1000,
		Logs: []schema.BlockLog{
			{ID: "l1", BlockID: "b", BlockType: "bogus", Level: schema.LogLevelError, Message: "no handler", Timestamp: now},
			{BlockID: "c", Level: schema.LogLevelInfo, Message: "second", Timestamp: now},
		},
	}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.WorkflowID)
	assert.Equal(t, schema.StateFailed, got.Status)
	assert.False(t, got.Success)
	assert.JSONEq(t, `{"x":1}`, string(got.Input))
	assert.Nil(t, got.Output)
	assert.Equal(t, run.Error, got.Error)
	assert.Equal(t, int64(1000), got.DurationMs)
	require.Len(t, got.Logs, 2)
	assert.Equal(t, "l1", got.Logs[0].ID)
	assert.Equal(t, "bogus", got.Logs[0].BlockType)
	assert.Equal(t, schema.LogLevelError, got.Logs[0].Level)
	assert.NotEmpty(t, got.Logs[1].ID)
	assert.Equal(t, "second", got.Logs[1].Message)
}

func TestSaveRun_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "wf", schema.StateFailed, time.Now().UTC())

	run.Status = schema.StateCompleted
	run.Success = true
	run.Logs = nil
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StateCompleted, got.Status)
	assert.True(t, got.Success)
	assert.Empty(t, got.Logs)
}

func TestSaveRun_EmptyID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveRun(context.Background(), &Run{WorkflowID: "wf"})
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	oldest := seedRun(t, s, "wf-a", schema.StateCompleted, base.Add(-2*time.Hour))
	middle := seedRun(t, s, "wf-a", schema.StateFailed, base.Add(-time.Hour))
	newest := seedRun(t, s, "wf-b", schema.StateCompleted, base)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{newest.ID, middle.ID, oldest.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	byWorkflow, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	failed, err := s.ListRuns(ctx, RunFilter{Status: schema.StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, middle.ID, failed[0].ID)

	since := base.Add(-90 * time.Minute)
	recent, err := s.ListRuns(ctx, RunFilter{Since: &since, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, newest.ID, recent[0].ID)
	assert.Nil(t, recent[0].Logs)

	withLogs, err := s.ListRuns(ctx, RunFilter{Limit: 1, WithLogs: true})
	require.NoError(t, err)
	require.Len(t, withLogs, 1)
	assert.NotNil(t, withLogs[0].Logs)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "wf", schema.StateCompleted, time.Now().UTC())
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: run.ID, Type: schema.EventWorkflowStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: run.ID + ":fan:0", Type: schema.EventBlockStarted}))

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	_, err := s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, &schema.FlowError{Code: schema.ErrCodeNotFound})
	events, err := s.ListEvents(ctx, run.ID+":fan:0", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.ErrorIs(t, s.DeleteRun(ctx, run.ID), &schema.FlowError{Code: schema.ErrCodeNotFound})
}

func TestAppendEvent_Sequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		e := &Event{ExecutionID: "exec-a", Type: schema.EventBlockStarted, Payload: []byte(`{"i":1}`)}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}
	other := &Event{ExecutionID: "exec-b", Type: schema.EventBlockStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)

	events, err := s.ListEvents(ctx, "exec-a", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.JSONEq(t, `{"i":1}`, string(events[0].Payload))

	assert.Error(t, s.AppendEvent(ctx, &Event{Type: "x"}))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Vacuum(context.Background()))
}
