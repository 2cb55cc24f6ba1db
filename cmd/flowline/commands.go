package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/petrijr/flowline/internal/app"
	"github.com/petrijr/flowline/internal/config"
	"github.com/petrijr/flowline/internal/logging"
)

func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "flowline",
		Usage: "Run flow executions on a pool of queue workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("FLOWLINE_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Usage:  "Process queued step jobs",
				Action: handleWorkerCommand,
			},
			{
				Name:   "serve",
				Usage:  "Serve the HTTP API and process queued step jobs",
				Action: handleServeCommand,
			},
			{
				Name:      "publish",
				Usage:     "Validate and activate a flow",
				ArgsUsage: "<flow-id>",
				Action:    handlePublishCommand,
			},
			{
				Name:      "trigger",
				Usage:     "Start an execution of an active flow",
				ArgsUsage: "<flow-id> [trigger-output-json]",
				Action:    handleTriggerCommand,
			},
		},
	}
}

// buildApp loads config from the root --config flag and assembles the app.
func buildApp(ctx context.Context, cmd *cli.Command) (*app.App, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, app.WithLogger(logger))
}

func handleWorkerCommand(ctx context.Context, cmd *cli.Command) error {
	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Logger.Info().Msg("starting workers")
	return a.RunWorkers(ctx)
}

func handleServeCommand(ctx context.Context, cmd *cli.Command) error {
	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Serve(ctx)
}

func handlePublishCommand(ctx context.Context, cmd *cli.Command) error {
	flowID := cmd.Args().First()
	if flowID == "" {
		return errors.New("publish: flow id is required")
	}

	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	flow, err := a.Engine.Publish(ctx, flowID)
	if err != nil {
		return err
	}
	for _, s := range flow.Steps {
		if s.SkipTargetStepID != nil {
			fmt.Fprintf(cmd.Root().Writer, "%d\t%s\tskip to %s\n", s.Position, s.ID, *s.SkipTargetStepID)
			continue
		}
		fmt.Fprintf(cmd.Root().Writer, "%d\t%s\n", s.Position, s.ID)
	}
	return nil
}

func handleTriggerCommand(ctx context.Context, cmd *cli.Command) error {
	flowID := cmd.Args().Get(0)
	if flowID == "" {
		return errors.New("trigger: flow id is required")
	}

	var output json.RawMessage
	if raw := cmd.Args().Get(1); raw != "" {
		if !json.Valid([]byte(raw)) {
			return errors.New("trigger: output is not valid JSON")
		}
		output = json.RawMessage(raw)
	}

	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	exec, err := a.Engine.StartExecution(ctx, flowID, output)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Root().Writer, exec.ID)
	return nil
}
