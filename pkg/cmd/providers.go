package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scigateway/orchestrator/pkg/credential"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/provider/batch"
	"github.com/scigateway/orchestrator/pkg/provider/cloud"
	"github.com/scigateway/orchestrator/pkg/provider/local"
	"github.com/scigateway/orchestrator/pkg/resolver"
	"github.com/scigateway/orchestrator/pkg/staging"
	"github.com/scigateway/orchestrator/pkg/transfer"
	"go.opentelemetry.io/otel/trace"
)

type ProviderConfig struct {
	// BatchScheduler is the default batch dialect, slurm or pbs.
	BatchScheduler string
	AWSRegion      string
	AWSAccessKey   string
	AWSSecretKey   string
}

// NewResolver registers the generic providers per host type. The cloud provider is
// only available when an AWS region is configured; the returned releaser is nil otherwise.
func NewResolver(ctx context.Context, logger *slog.Logger, cfg ProviderConfig) (*resolver.Resolver, staging.Releaser, error) {
	r := resolver.New(logger)

	r.RegisterHostType(models.HostTypeLocal, local.Factory, nil)

	batchProps := map[string]string{}
	if cfg.BatchScheduler != "" {
		batchProps["scheduler"] = cfg.BatchScheduler
	}

	r.RegisterHostType(models.HostTypeBatch, batch.Factory, batchProps)

	if cfg.AWSRegion == "" {
		logger.InfoContext(ctx, "No AWS region configured, cloud hosts are unavailable")

		return r, nil, nil
	}

	manager, err := cloud.NewEC2ManagerFromConfig(ctx, cfg.AWSRegion, cfg.AWSAccessKey, cfg.AWSSecretKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create EC2 instance manager: %w", err)
	}

	r.RegisterHostType(models.HostTypeCloud, cloud.NewFactory(manager), nil)

	return r, cloud.NewReleaser(manager), nil
}

// NewPipeline chains environment setup, checkpoint resume, one input handler per
// protocol group, output staging and, when a releaser exists, instance teardown.
func NewPipeline(logger *slog.Logger, tracer trace.Tracer, registry *transfer.Registry, creds credential.Context, releaser staging.Releaser) *staging.Pipeline {
	handlers := []staging.Handler{
		staging.NewEnvironmentHandler(logger, registry),
		staging.NewResumeHandler(logger, registry),
	}

	for _, group := range ProtocolGroups() {
		handlers = append(handlers, staging.NewInputHandler(logger, group.Name, group.Schemes, registry, creds))
	}

	handlers = append(handlers, staging.NewOutputHandler(logger, registry, creds))

	if releaser != nil {
		handlers = append(handlers, staging.NewTeardownHandler(logger, releaser))
	}

	return staging.NewPipeline(logger, tracer, handlers...)
}
