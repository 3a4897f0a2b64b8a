package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/scigateway/orchestrator/pkg/log"
	"github.com/scigateway/orchestrator/pkg/scheduler"
	"github.com/scigateway/orchestrator/pkg/web"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 30 * time.Second
)

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Serve the launch, cancel and status API",
		Flags: withFlags(
			[]cli.Flag{
				&cli.IntFlag{
					Name:    "port",
					Aliases: []string{"p"},
					Usage:   "Port to run the API server on",
					Value:   defaultPort,
					Sources: cli.EnvVars("PORT"),
				},
				&cli.StringFlag{
					Name:    "sweep-schedule",
					Usage:   "Cron schedule of the finished workflow expiry sweep",
					Value:   scheduler.DefaultSweepSchedule,
					Sources: cli.EnvVars("ORCHESTRATOR_SWEEP_SCHEDULE"),
				},
			},
			loggingFlags(), persistenceFlags(), eventBusFlags(), boundaryFlags(), providerFlags(), policyFlags(),
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.Setup(command.String("log-level"), command.String("log-format")).With("module", "serve")

			logger.InfoContext(ctx, "Initializing orchestrator")

			rt, err := newRuntime(ctx, logger, command)
			if err != nil {
				return err
			}

			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()

				rt.close(closeCtx)
			}()

			err = rt.orch.Start(command.String("sweep-schedule"))
			if err != nil {
				return err
			}

			handlers := web.NewAPIHandlers(rt.orch, rt.persistence, validator.New(validator.WithRequiredStructEnabled()))
			app := web.NewApp(handlers)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, app, ":"+strconv.Itoa(int(command.Int("port"))))
		},
	}
}

// serve runs the HTTP server until ctx is done, then drains it.
func serve(ctx context.Context, app *fiber.App, addr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
