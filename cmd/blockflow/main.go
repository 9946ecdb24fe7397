package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/blockflow/
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "blockflow",
		EnableShellCompletion: true,
		Usage:                 "Run block workflows",
		Version:               version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides settings",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (text, json); overrides settings",
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newHandlersCommand(),
			newHistoryCommand(),
			newScheduleCommand(),
			newMCPCommand(),
		},
	}
}

// setup loads configuration, applies global flag overrides and wires the app.
func setup(ctx context.Context, command *cli.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if v := command.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := command.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if command.IsSet("history") {
		cfg.History = command.Bool("history")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, os.Stderr)
}
