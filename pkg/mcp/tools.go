package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/loader"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/schema"
)

const defaultRunsLimit = 20

// handleExecute runs a workflow graph to completion.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, err := s.workflowArg(req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}
	if s.registry == nil {
		return mcp.NewToolResultError("no handler registry configured"), nil
	}

	input := req.GetArguments()["input"]
	executionID := uuid.NewString()
	workflowID := req.GetString("workflow_id", s.opts.WorkflowID)
	if workflowID == "" {
		workflowID = "mcp"
	}

	opts := s.opts
	opts.WorkflowID = workflowID
	opts.ExecutionID = executionID
	opts.Variables = maps.Clone(s.opts.Variables)
	if vars := mcp.ParseStringMap(req, "variables", nil); len(vars) > 0 {
		if opts.Variables == nil {
			opts.Variables = make(map[string]any, len(vars))
		}
		maps.Copy(opts.Variables, vars)
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}

	var hubTelemetry engine.Telemetry
	if s.hub != nil {
		hubTelemetry = streaming.NewHubTelemetry(s.hub, s.logger)
	}
	var eventTelemetry engine.Telemetry
	if s.events != nil {
		eventTelemetry = s.events
	}
	opts.Telemetry = engine.MultiTelemetry(s.opts.Telemetry, hubTelemetry, eventTelemetry)

	notify := req.GetBool("notify", false) && s.captureSession(ctx, executionID)
	defer s.sessions.Forget(executionID)
	if stream := s.streamFunc(executionID, workflowID, notify); stream != nil {
		opts.Stream = engine.StreamOptions{
			Enabled:           true,
			SelectedOutputIDs: req.GetStringSlice("stream_outputs", nil),
			OnStream:          stream,
		}
	}

	x, err := engine.NewExecutor(wf, s.registry, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("executor setup failed: %v", err)), nil
	}
	s.track(executionID, x)
	defer s.untrack(executionID)

	result, runErr := x.Execute(ctx, input)
	s.saveRun(ctx, workflowID, executionID, x.State(), input, result, runErr)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": result.ExecutionID,
		"workflow_id":  workflowID,
		"state":        x.State(),
		"success":      result.ExecutionResult.Success,
		"output":       result.Output,
		"logs":         result.Logs,
		"duration_ms":  result.CompletedAt.Sub(result.StartedAt).Milliseconds(),
	})
}

// handleCancel stops an in-flight execution started by this server.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	x, ok := s.lookup(executionID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("execution %s is not running", executionID)), nil
	}
	x.Cancel()
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleHandlers lists the registered block types.
func (s *Server) handleHandlers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("no handler registry configured"), nil
	}
	return marshalResult(map[string]any{
		"handlers": s.registry.List(),
		"stats":    s.registry.Stats(),
	})
}

// handleRuns returns one run (optionally with its block timeline) or a filtered run list.
func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run history is disabled"), nil
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
		}
		out := map[string]any{"run": run}
		if req.GetBool("include_timeline", false) {
			if s.events == nil {
				return mcp.NewToolResultError("event log is disabled"), nil
			}
			timeline, err := s.events.Timeline(ctx, runID)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("timeline failed: %v", err)), nil
			}
			out["timeline"] = timeline
		}
		return marshalResult(out)
	}

	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.ExecutorState(req.GetString("status", "")),
		Limit:      req.GetInt("limit", defaultRunsLimit),
		WithLogs:   req.GetBool("include_logs", false),
	}
	if since := req.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		filter.Since = &t
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// workflowArg reads the graph from either the workflow object or the definition text.
func (s *Server) workflowArg(req mcp.CallToolRequest) (*schema.SerializedWorkflow, error) {
	if s.loader == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "no workflow loader configured")
	}
	if obj := mcp.ParseStringMap(req, "workflow", nil); obj != nil {
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		return s.loader.Parse(data, loader.FormatJSON)
	}
	if def := req.GetString("definition", ""); def != "" {
		format := loader.Format(req.GetString("format", string(loader.FormatYAML)))
		return s.loader.Parse([]byte(def), format)
	}
	return nil, schema.NewError(schema.ErrCodeValidation, "one of workflow or definition is required")
}

// streamFunc builds the OnStream callback, or nil when nobody listens.
func (s *Server) streamFunc(executionID, workflowID string, notify bool) func(schema.StreamingExecution) {
	var publish func(schema.StreamingExecution)
	if s.hub != nil {
		publish = streaming.StreamFunc(s.hub, workflowID)
	}
	if publish == nil && !notify {
		return nil
	}
	return func(msg schema.StreamingExecution) {
		if publish != nil {
			publish(msg)
		}
		if !notify {
			return
		}
		err := s.notifier.Notify(context.Background(), executionID, map[string]any{
			"level":  "info",
			"logger": "blockflow",
			"data": map[string]any{
				"execution_id": msg.ExecutionID,
				"block_id":     msg.BlockID,
				"partial":      msg.Partial,
				"output":       msg.Output,
			},
		})
		if err != nil {
			s.logger.Warn("stream notification failed",
				slog.String("execution_id", executionID), slog.String("error", err.Error()))
		}
	}
}

// saveRun records the finished execution. Failures are logged, never surfaced.
func (s *Server) saveRun(ctx context.Context, workflowID, executionID string, state schema.ExecutorState, input any, result *schema.RunResult, runErr error) {
	if s.store == nil {
		return
	}
	run, err := store.NewRun(workflowID, state, input, result, runErr)
	if err == nil {
		if run.ID == "" {
			run.ID = executionID
		}
		err = s.store.SaveRun(context.WithoutCancel(ctx), run)
	}
	if err != nil {
		s.logger.Warn("save run failed", slog.String("execution_id", executionID), slog.String("error", err.Error()))
	}
}

// captureSession maps the execution to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, executionID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.sessions.Register(executionID, session.SessionID())
	return true
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("blockflow.execute",
		mcp.WithDescription("Execute a workflow graph and return its output"),
		mcp.WithObject("workflow", mcp.Description("Workflow graph object (blocks, connections, loops, parallels)")),
		mcp.WithString("definition", mcp.Description("Workflow graph as YAML or JSON text (alternative to workflow)")),
		mcp.WithString("format",
			mcp.Enum(string(loader.FormatYAML), string(loader.FormatJSON)),
			mcp.Description("Format of definition (default: yaml)"),
		),
		mcp.WithObject("input", mcp.Description("Triggering input exposed as ${{ input }}")),
		mcp.WithObject("variables", mcp.Description("Initial workflow variables")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID recorded with the run")),
		mcp.WithBoolean("notify", mcp.Description("Push streamed outputs to this session as notifications")),
		mcp.WithArray("stream_outputs", mcp.WithStringItems(), mcp.Description("Output block ids to stream (default: all sinks)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("blockflow.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func handlersTool() mcp.Tool {
	return mcp.NewTool("blockflow.handlers",
		mcp.WithDescription("List registered block types"),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("blockflow.runs",
		mcp.WithDescription("Query run history"),
		mcp.WithString("run_id", mcp.Description("Return a single run by execution ID")),
		mcp.WithBoolean("include_timeline", mcp.Description("With run_id, include per-block statuses from the event log")),
		mcp.WithString("workflow_id", mcp.Description("Filter by workflow ID")),
		mcp.WithString("status",
			mcp.Enum(string(schema.StateCompleted), string(schema.StateFailed), string(schema.StateCancelled)),
			mcp.Description("Filter by final state"),
		),
		mcp.WithString("since", mcp.Description("Only runs started at or after this RFC3339 time")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default: 20)")),
		mcp.WithBoolean("include_logs", mcp.Description("Include block logs of each run")),
	)
}
