// Package catalog reads experiment, application, host and storage descriptors and records
// task outputs.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/scigateway/orchestrator/pkg/models"
)

var (
	ErrNotFound = errors.New("not found in catalog")
	ErrInvalid  = errors.New("invalid catalog document")
)

// Catalog is the registry of descriptors an experiment launch depends on.
type Catalog interface {
	GetExperiment(ctx context.Context, experimentID string) (models.Experiment, error)
	GetApplicationDescriptor(ctx context.Context, applicationID string) (models.ApplicationDescriptor, error)
	GetHostDescriptor(ctx context.Context, hostID string) (models.HostDescriptor, error)
	GetStorageDescriptor(ctx context.Context, storageID string) (models.StorageDescriptor, error)
	RecordTaskOutputs(ctx context.Context, experimentID, taskID string, outputs map[string]string) error
}

// NotFoundError names the missing entry.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found in catalog", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidationError lists every schema or field violation of a catalog document.
type ValidationError struct {
	Source string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog document %s is invalid: %v", e.Source, e.Issues)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}
