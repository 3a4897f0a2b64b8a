package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/scigateway/orchestrator/pkg/models"
)

var ErrUnavailable = errors.New("catalog unavailable")

// UnavailableError is a transient failure: the service could not be reached or answered
// with a server error.
type UnavailableError struct {
	Op     string
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("catalog %s: status %d", e.Op, e.Status)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// HTTPCatalog talks to a remote registry service:
//
//	GET  {base}/experiments/{id}
//	GET  {base}/applications/{id}
//	GET  {base}/hosts/{id}
//	GET  {base}/storages/{id}
//	PUT  {base}/experiments/{id}/tasks/{task}/outputs
type HTTPCatalog struct {
	logger *slog.Logger
	client *resty.Client
}

func NewHTTPCatalog(logger *slog.Logger, baseURL string, timeout time.Duration) *HTTPCatalog {
	return &HTTPCatalog{
		logger: logger.With("module", "http_catalog"),
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
	}
}

func (c *HTTPCatalog) GetExperiment(ctx context.Context, id string) (models.Experiment, error) {
	var out models.Experiment

	return out, c.get(ctx, "experiment", "/experiments/{id}", id, &out)
}

func (c *HTTPCatalog) GetApplicationDescriptor(ctx context.Context, id string) (models.ApplicationDescriptor, error) {
	var out models.ApplicationDescriptor

	return out, c.get(ctx, "application", "/applications/{id}", id, &out)
}

func (c *HTTPCatalog) GetHostDescriptor(ctx context.Context, id string) (models.HostDescriptor, error) {
	var out models.HostDescriptor

	return out, c.get(ctx, "host", "/hosts/{id}", id, &out)
}

func (c *HTTPCatalog) GetStorageDescriptor(ctx context.Context, id string) (models.StorageDescriptor, error) {
	var out models.StorageDescriptor

	return out, c.get(ctx, "storage", "/storages/{id}", id, &out)
}

func (c *HTTPCatalog) get(ctx context.Context, kind, url, id string, out any) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(out).
		Get(url)
	if err != nil {
		return &UnavailableError{Op: "get " + kind, Err: err}
	}

	return c.check(ctx, resp, kind, id)
}

func (c *HTTPCatalog) RecordTaskOutputs(ctx context.Context, experimentID, taskID string, outputs map[string]string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"id": experimentID, "task": taskID}).
		SetBody(outputs).
		Put("/experiments/{id}/tasks/{task}/outputs")
	if err != nil {
		return &UnavailableError{Op: "record outputs", Err: err}
	}

	return c.check(ctx, resp, "experiment", experimentID)
}

func (c *HTTPCatalog) check(ctx context.Context, resp *resty.Response, kind, id string) error {
	status := resp.StatusCode()

	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return nil
	case status == http.StatusNotFound:
		return &NotFoundError{Kind: kind, ID: id}
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		c.logger.WarnContext(ctx, "Catalog service unavailable", "kind", kind, "id", id, "status", status)

		return &UnavailableError{Op: "get " + kind, Status: status}
	default:
		return fmt.Errorf("catalog rejected %s '%s' request with status %d", kind, id, status)
	}
}
