package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/scigateway/orchestrator/pkg/models"
)

const (
	DefaultMaxRetries      = 4
	DefaultInitialInterval = 200 * time.Millisecond
)

// Retrying retries transient catalog failures with exponential backoff. Permanent
// failures such as a missing entry are returned at once.
type Retrying struct {
	logger          *slog.Logger
	inner           Catalog
	maxRetries      uint64
	initialInterval time.Duration
}

func NewRetrying(logger *slog.Logger, inner Catalog, maxRetries uint64, initialInterval time.Duration) *Retrying {
	return &Retrying{
		logger:          logger.With("module", "catalog_retry"),
		inner:           inner,
		maxRetries:      maxRetries,
		initialInterval: initialInterval,
	}
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initialInterval
	policy.MaxElapsedTime = 0

	operation := func() (T, error) {
		value, err := fn()
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return value, backoff.Permanent(err)
		}

		return value, err
	}

	notify := func(err error, next time.Duration) {
		r.logger.WarnContext(ctx, "Catalog call failed, retrying", "op", op, "error", err, "retry_in", next)
	}

	return backoff.RetryNotifyWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx), notify)
}

func (r *Retrying) GetExperiment(ctx context.Context, id string) (models.Experiment, error) {
	return retry(ctx, r, "get experiment", func() (models.Experiment, error) {
		return r.inner.GetExperiment(ctx, id)
	})
}

func (r *Retrying) GetApplicationDescriptor(ctx context.Context, id string) (models.ApplicationDescriptor, error) {
	return retry(ctx, r, "get application", func() (models.ApplicationDescriptor, error) {
		return r.inner.GetApplicationDescriptor(ctx, id)
	})
}

func (r *Retrying) GetHostDescriptor(ctx context.Context, id string) (models.HostDescriptor, error) {
	return retry(ctx, r, "get host", func() (models.HostDescriptor, error) {
		return r.inner.GetHostDescriptor(ctx, id)
	})
}

func (r *Retrying) GetStorageDescriptor(ctx context.Context, id string) (models.StorageDescriptor, error) {
	return retry(ctx, r, "get storage", func() (models.StorageDescriptor, error) {
		return r.inner.GetStorageDescriptor(ctx, id)
	})
}

func (r *Retrying) RecordTaskOutputs(ctx context.Context, experimentID, taskID string, outputs map[string]string) error {
	_, err := retry(ctx, r, "record outputs", func() (struct{}, error) {
		return struct{}{}, r.inner.RecordTaskOutputs(ctx, experimentID, taskID, outputs)
	})

	return err
}
