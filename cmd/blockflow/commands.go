package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	cli "github.com/urfave/cli/v3"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/loader"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/pkg/mcp"
	"github.com/rendis/blockflow/pkg/schema"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow file",
		ArgsUsage: "<workflow.yaml|workflow.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Triggering input as inline JSON or @path",
			},
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "Initial workflow variable name=value (value is JSON when it parses)",
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Environment value NAME=value exposed to ${{ NAME }} references",
			},
			&cli.StringFlag{
				Name:  "workflow-id",
				Usage: "Workflow ID recorded with the run (default: file name)",
			},
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Print streamed outputs as they are produced",
			},
			&cli.BoolFlag{
				Name:  "events",
				Usage: "Print lifecycle events as they happen",
			},
			&cli.BoolFlag{
				Name:  "history",
				Usage: "Record the run in the history database; overrides settings",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() != 1 {
				return errors.New("run expects exactly one workflow file")
			}
			path := command.Args().First()

			a, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			wf, err := a.loader.LoadFile(path)
			if err != nil {
				return err
			}
			input, err := loader.ReadInput(command.String("input"))
			if err != nil {
				return err
			}
			vars, err := parseAssignments(command.StringSlice("var"), true)
			if err != nil {
				return err
			}
			env, err := parseAssignments(command.StringSlice("env"), false)
			if err != nil {
				return err
			}

			workflowID := command.String("workflow-id")
			if workflowID == "" {
				workflowID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}

			return runWorkflow(ctx, a, wf, input, runOptions{
				workflowID: workflowID,
				variables:  vars,
				env:        env,
				stream:     command.Bool("stream"),
				events:     command.Bool("events"),
			}, os.Stdout, os.Stderr)
		},
	}
}

type runOptions struct {
	workflowID string
	variables  map[string]any
	env        map[string]any
	stream     bool
	events     bool
}

// runWorkflow executes wf once, printing the result to out and streamed
// messages or events to progress.
func runWorkflow(ctx context.Context, a *app, wf *schema.SerializedWorkflow, input any, ro runOptions, out, progress io.Writer) error {
	opts := a.options()
	opts.WorkflowID = ro.workflowID
	opts.Variables = ro.variables
	if len(ro.env) > 0 {
		opts.Environment = make(map[string]string, len(ro.env))
		for k, v := range ro.env {
			opts.Environment[k] = fmt.Sprint(v)
		}
	}

	var sinks []engine.Telemetry
	if a.events != nil {
		sinks = append(sinks, a.events)
	}
	if ro.events {
		sinks = append(sinks, streaming.NewHubTelemetry(a.hub, a.logger))
	}
	opts.Telemetry = engine.MultiTelemetry(sinks...)
	if ro.stream {
		opts.Stream = engine.StreamOptions{
			Enabled:  true,
			OnStream: streaming.StreamFunc(a.hub, ro.workflowID),
		}
	}

	var printer sync.WaitGroup
	if ro.stream || ro.events {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, unsubscribe, err := a.hub.Subscribe(subCtx, streaming.Filter{WorkflowID: ro.workflowID})
		if err != nil {
			return err
		}
		printer.Add(1)
		go func() {
			defer printer.Done()
			enc := json.NewEncoder(progress)
			for e := range ch {
				_ = enc.Encode(e)
			}
		}()
		defer func() {
			unsubscribe()
			printer.Wait()
		}()
	}

	x, err := engine.NewExecutor(wf, a.registry, opts)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, x.Cancel)
	defer stop()

	result, runErr := x.Execute(ctx, input)
	saveRun(ctx, a, ro.workflowID, x.State(), input, result, runErr)

	if result != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return runErr
}

func saveRun(ctx context.Context, a *app, workflowID string, state schema.ExecutorState, input any, result *schema.RunResult, runErr error) {
	if a.store == nil {
		return
	}
	run, err := store.NewRun(workflowID, state, input, result, runErr)
	if err == nil && run.ID != "" {
		err = a.store.SaveRun(context.WithoutCancel(ctx), run)
	}
	if err != nil {
		a.logger.Warn("save run failed", slog.String("workflow_id", workflowID), slog.String("error", err.Error()))
	}
}

func newHandlersCommand() *cli.Command {
	return &cli.Command{
		Name:  "handlers",
		Usage: "List registered block types",
		Action: func(ctx context.Context, command *cli.Command) error {
			a, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			for _, info := range a.registry.List() {
				schemaMark := ""
				if info.HasSchema {
					schemaMark = " [schema]"
				}
				fmt.Printf("%-12s %s%s\n", info.Type, info.Description, schemaMark)
			}
			return nil
		},
	}
}

func newHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show recorded runs, or one run with its block timeline",
		ArgsUsage: "[execution-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "workflow-id", Usage: "Filter by workflow ID"},
			&cli.StringFlag{Name: "status", Usage: "Filter by final state (completed, failed, cancelled)"},
			&cli.DurationFlag{Name: "since", Usage: "Only runs started within this duration (e.g. 24h)"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum runs to show"},
			&cli.BoolFlag{Name: "prune", Usage: "Delete the given run instead of showing it"},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			a, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))
			if a.store == nil {
				return errors.New("run history is disabled (set history=true or BLOCKFLOW_HISTORY=1)")
			}

			if id := command.Args().First(); id != "" {
				if command.Bool("prune") {
					return pruneRun(ctx, a, id, os.Stdout)
				}
				return printRun(ctx, a, id, os.Stdout)
			}

			filter := store.RunFilter{
				WorkflowID: command.String("workflow-id"),
				Status:     schema.ExecutorState(command.String("status")),
				Limit:      int(command.Int("limit")),
			}
			if d := command.Duration("since"); d > 0 {
				since := time.Now().Add(-d)
				filter.Since = &since
			}
			runs, err := a.store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			printRuns(runs, os.Stdout)
			return nil
		},
	}
}

func printRuns(runs []*store.Run, w io.Writer) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, r := range runs {
		fmt.Fprintf(w, "%s  %-20s %-10s %6dms  %s\n",
			r.ID, r.WorkflowID, r.Status, r.DurationMs, r.StartedAt.Local().Format(time.DateTime))
	}
}

// pruneRun deletes one run with its logs and events, then reclaims the freed pages.
func pruneRun(ctx context.Context, a *app, id string, w io.Writer) error {
	if err := a.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	if err := a.store.Vacuum(ctx); err != nil {
		return fmt.Errorf("vacuum after prune: %w", err)
	}
	fmt.Fprintf(w, "Deleted run %s\n", id)
	return nil
}

func printRun(ctx context.Context, a *app, id string, w io.Writer) error {
	run, err := a.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	timeline, err := a.events.Timeline(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s (%s)\n", run.ID, run.WorkflowID)
	fmt.Fprintf(w, "  status:   %s\n", run.Status)
	fmt.Fprintf(w, "  duration: %dms\n", run.DurationMs)
	if run.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", run.Error)
	}
	if len(run.Output) > 0 {
		fmt.Fprintf(w, "  output:   %s\n", run.Output)
	}

	ids := make([]string, 0, len(timeline))
	for blockID := range timeline {
		ids = append(ids, blockID)
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		fmt.Fprintln(w, "  blocks:")
	}
	for _, blockID := range ids {
		st := timeline[blockID]
		line := fmt.Sprintf("    %-20s %-10s attempts=%d %dms", blockID, st.Status, st.Attempts, st.DurationMs)
		if st.Error != "" {
			line += "  " + st.Error
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func newMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve blockflow tools over MCP stdio",
		Action: func(ctx context.Context, command *cli.Command) error {
			a, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			deps := mcp.ServerDeps{
				Registry: a.registry,
				Loader:   a.loader,
				Hub:      a.hub,
				Logger:   a.logger,
				Options:  a.options(),
			}
			if a.store != nil {
				deps.Store = a.store
				deps.Events = a.events
			}

			a.logger.Info("mcp server listening on stdio")
			return mcp.NewServer(deps).Serve(ctx)
		},
	}
}

// parseAssignments splits name=value pairs. With decode, values that parse
// as JSON keep their JSON type.
func parseAssignments(pairs []string, decode bool) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", p)
		}
		out[name] = value
		if decode {
			if v, err := loader.Decode([]byte(value), loader.FormatJSON); err == nil {
				out[name] = v
			}
		}
	}
	return out, nil
}
