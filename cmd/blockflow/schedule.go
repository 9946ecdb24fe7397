package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/blockflow/internal/loader"
	"github.com/rendis/blockflow/internal/scheduler"
)

func newScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Run workflows on the cron schedule of their starter block until interrupted",
		ArgsUsage: "<workflow file>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Triggering input of every scheduled run, as inline JSON or @path",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "How often due schedules are checked",
			},
			&cli.BoolFlag{
				Name:  "history",
				Usage: "Record runs in the history database; overrides settings",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() == 0 {
				return errors.New("schedule expects at least one workflow file")
			}

			a, err := setup(ctx, command)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			input, err := loader.ReadInput(command.String("input"))
			if err != nil {
				return err
			}

			sched := scheduler.NewScheduler(scheduledRunner(a), a.logger, scheduler.WithInterval(command.Duration("interval")))
			for _, path := range command.Args().Slice() {
				if err := addScheduledWorkflow(a, sched, path, input); err != nil {
					return err
				}
			}

			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return sched.Stop()
		},
	}
}

func addScheduledWorkflow(a *app, sched *scheduler.Scheduler, path string, input any) error {
	wf, err := a.loader.LoadFile(path)
	if err != nil {
		return err
	}
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	job, ok := scheduler.JobFromWorkflow(id, wf)
	if !ok {
		return fmt.Errorf("%s: no starter block declares a schedule", path)
	}
	job.Input = input
	return sched.Add(job)
}

// scheduledRunner executes each due job once, recording it like a manual run.
func scheduledRunner(a *app) scheduler.Runner {
	return scheduler.RunnerFunc(func(ctx context.Context, job *scheduler.Job) error {
		err := runWorkflow(ctx, a, job.Workflow, job.Input, runOptions{workflowID: job.ID}, io.Discard, io.Discard)
		if err == nil {
			a.logger.Info("scheduled run completed", slog.String("workflow_id", job.ID))
		}
		return err
	})
}
