package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/scigateway/orchestrator/pkg/log"
	"github.com/scigateway/orchestrator/pkg/orchestrator"
	cli "github.com/urfave/cli/v3"
)

func NewSyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Consume status events from the bus into the persisted event log",
		Flags: withFlags(loggingFlags(), persistenceFlags(), eventBusFlags()),
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.Setup(command.String("log-level"), command.String("log-format")).With("module", "sync")

			rt, err := openStores(ctx, logger, command)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			sink := orchestrator.NewSink(logger, rt.persistence)

			err = sink.Register(rt.bus)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = rt.bus.Subscribe(ctx)
			if err != nil {
				return err
			}

			logger.InfoContext(ctx, "Syncing status events", "event_bus", command.String("event-bus"))

			<-ctx.Done()

			return nil
		},
	}
}
