package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/scigateway/orchestrator/pkg/cmd"
	"github.com/scigateway/orchestrator/pkg/compiler"
	"github.com/scigateway/orchestrator/pkg/eventbus"
	"github.com/scigateway/orchestrator/pkg/orchestrator"
	"github.com/scigateway/orchestrator/pkg/otelhelper"
	"github.com/scigateway/orchestrator/pkg/persistence"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "orchestrator"

// runtime holds what a subcommand opened and must close.
type runtime struct {
	logger      *slog.Logger
	workerID    string
	persistence persistence.Persistence
	bus         eventbus.EventBus
	orch        *orchestrator.Orchestrator
}

func openStores(ctx context.Context, logger *slog.Logger, command *cli.Command) (*runtime, error) {
	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, err
	}

	bus, err := cmd.NewEventBus(logger, command.String("event-bus"), command.String("kafka-brokers"), serviceName)
	if err != nil {
		_ = store.Close(ctx)

		return nil, err
	}

	return &runtime{
		logger:      logger,
		workerID:    "orchestrator-" + uuid.New().String()[:8],
		persistence: store,
		bus:         bus,
	}, nil
}

// newRuntime assembles a complete orchestrator from the command's flags.
func newRuntime(ctx context.Context, logger *slog.Logger, command *cli.Command) (*runtime, error) {
	rt, err := openStores(ctx, logger, command)
	if err != nil {
		return nil, err
	}

	err = rt.assemble(ctx, command)
	if err != nil {
		rt.close(ctx)

		return nil, err
	}

	return rt, nil
}

func (rt *runtime) assemble(ctx context.Context, command *cli.Command) error {
	boundaries := cmd.BoundaryConfig{
		CatalogPath:        command.String("catalog-path"),
		CatalogOutputsPath: command.String("catalog-outputs-path"),
		CatalogURL:         command.String("catalog-url"),
		CredentialsURL:     command.String("credentials-url"),
		AuthzURL:           command.String("authz-url"),
		Timeout:            command.Duration("remote-timeout"),
		MaxRetries:         uint64(max(command.Int("catalog-retries"), 0)),
	}

	cat, err := cmd.NewCatalog(rt.logger, boundaries)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	tracer, err := newTracer(ctx, command.Bool("otel-enabled"))
	if err != nil {
		return err
	}

	res, releaser, err := cmd.NewResolver(ctx, rt.logger, cmd.ProviderConfig{
		BatchScheduler: command.String("batch-scheduler"),
		AWSRegion:      command.String("aws-region"),
		AWSAccessKey:   command.String("aws-access-key-id"),
		AWSSecretKey:   command.String("aws-secret-access-key"),
	})
	if err != nil {
		return err
	}

	creds := cmd.NewCredentials(rt.logger, boundaries)

	rt.orch, err = orchestrator.New(rt.logger, orchestrator.Dependencies{
		Catalog:     cat,
		Authorizer:  cmd.NewAuthorizer(rt.logger, boundaries),
		Credentials: creds,
		Resolver:    res,
		Pipeline:    cmd.NewPipeline(rt.logger, tracer, cmd.NewTransferRegistry(), creds, releaser),
		Persistence: rt.persistence,
		Publisher:   rt.bus,
	},
		orchestrator.WithPolicy(compiler.Policy{
			FailureThreshold:              int(command.Int("failure-threshold")),
			JobExpiry:                     command.Duration("job-expiry"),
			TimeoutPerTask:                command.Duration("task-timeout"),
			MaxAttemptsPerTask:            int(command.Int("max-attempts")),
			NumConcurrentTasksPerInstance: int(command.Int("concurrency")),
		}),
		orchestrator.WithRetryInterval(command.Duration("retry-interval")),
		orchestrator.WithTracer(tracer),
		orchestrator.WithWorkerID(rt.workerID),
	)

	return err
}

func newTracer(ctx context.Context, enabled bool) (trace.Tracer, error) {
	if !enabled {
		return noop.NewTracerProvider().Tracer(serviceName), nil
	}

	tracer, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	return tracer, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.orch != nil {
		err := rt.orch.Shutdown(ctx)
		if err != nil {
			rt.logger.ErrorContext(ctx, "Failed to stop scheduler", "error", err)
		}
	}

	err := rt.bus.Close()
	if err != nil {
		rt.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	err = rt.persistence.Close(ctx)
	if err != nil {
		rt.logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}
