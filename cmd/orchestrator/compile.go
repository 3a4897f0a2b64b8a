package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/scigateway/orchestrator/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func NewCompileCommand() *cli.Command {
	return &cli.Command{
		Name:      "compile",
		Aliases:   []string{"c"},
		Usage:     "Compile an experiment's workflow and print the task graph as JSON",
		ArgsUsage: "<experiment-id>",
		Flags: withFlags(
			[]cli.Flag{
				&cli.BoolFlag{
					Name:  "save",
					Usage: "Persist the compiled task graph",
				},
			},
			loggingFlags(), persistenceFlags(), eventBusFlags(), boundaryFlags(), providerFlags(), policyFlags(),
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			experimentID := command.Args().First()
			if experimentID == "" {
				return errors.New("an experiment id is required")
			}

			logger := log.Setup(command.String("log-level"), command.String("log-format")).With("module", "compile")

			rt, err := newRuntime(ctx, logger, command)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			tg, err := rt.orch.Compile(ctx, experimentID)
			if err != nil {
				return err
			}

			if command.Bool("save") {
				err = rt.persistence.SaveTaskGraph(ctx, tg)
				if err != nil {
					return err
				}

				logger.InfoContext(ctx, "Task graph saved", "workflow_id", tg.ID)
			}

			encoder := json.NewEncoder(command.Root().Writer)
			encoder.SetIndent("", "  ")

			return encoder.Encode(tg)
		},
	}
}
