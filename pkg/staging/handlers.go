package staging

import (
	"context"
	"log/slog"
	"path"

	"github.com/scigateway/orchestrator/pkg/credential"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

// Opener opens transfer clients for the endpoints a task touches.
type Opener interface {
	Open(ctx context.Context, endpoint models.Endpoint, cred models.Credential) (transfer.Client, error)
}

func openHost(ctx context.Context, opener Opener, ectx *models.ExecutionContext) (transfer.Client, error) {
	return opener.Open(ctx, ectx.HostEndpoint, ectx.Credential)
}

// lookupCredential returns the user's credential for a resource. A resource without a
// stored credential is accessed anonymously.
func lookupCredential(ctx context.Context, creds credential.Context, ectx *models.ExecutionContext, resourceID string) (models.Credential, error) {
	if creds == nil || resourceID == "" {
		return models.Credential{}, nil
	}

	cred, err := creds.GetCredential(ctx, ectx.GatewayID, ectx.UserToken, resourceID)
	if credential.IsNotFound(err) {
		return models.Credential{}, nil
	}

	return cred, err
}

// EnvironmentHandler creates the working, input and output directories on the compute host.
type EnvironmentHandler struct {
	logger *slog.Logger
	opener Opener
}

func NewEnvironmentHandler(logger *slog.Logger, opener Opener) *EnvironmentHandler {
	return &EnvironmentHandler{
		logger: logger.With("module", "staging", "handler", "environment"),
		opener: opener,
	}
}

func (h *EnvironmentHandler) Name() string { return "environment" }

func (h *EnvironmentHandler) PreExecute(ctx context.Context, ectx *models.ExecutionContext) (Decision, error) {
	client, err := openHost(ctx, h.opener, ectx)
	if err != nil {
		return Halt, err
	}
	defer client.Close()

	for _, dir := range []string{ectx.WorkingDir, ectx.InputDir, ectx.OutputDir} {
		err = transfer.EnsureDir(ctx, client, dir)
		if err != nil {
			return Halt, err
		}
	}

	h.logger.DebugContext(ctx, "Working directory ready", "task_id", ectx.TaskID, "dir", ectx.WorkingDir)

	return Continue, nil
}

func (h *EnvironmentHandler) PostExecute(context.Context, *models.ExecutionContext) error {
	return nil
}

// ResumeHandler skips execution when a previous attempt already produced every declared file output.
type ResumeHandler struct {
	logger *slog.Logger
	opener Opener
}

func NewResumeHandler(logger *slog.Logger, opener Opener) *ResumeHandler {
	return &ResumeHandler{
		logger: logger.With("module", "staging", "handler", "resume"),
		opener: opener,
	}
}

func (h *ResumeHandler) Name() string { return "resume" }

func (h *ResumeHandler) PreExecute(ctx context.Context, ectx *models.ExecutionContext) (Decision, error) {
	if ectx.Attempt <= 1 {
		return Continue, nil
	}

	files := fileOutputs(ectx)
	if len(files) == 0 {
		return Continue, nil
	}

	client, err := openHost(ctx, h.opener, ectx)
	if err != nil {
		return Halt, err
	}
	defer client.Close()

	for _, output := range files {
		exists, err := client.Exists(ctx, output.Value)
		if err != nil || !exists {
			return Continue, nil //nolint:nilerr // a failed probe means run again
		}
	}

	h.logger.InfoContext(ctx, "Outputs from a previous attempt found, skipping execution", "task_id", ectx.TaskID, "attempt", ectx.Attempt)

	return Halt, nil
}

func (h *ResumeHandler) PostExecute(context.Context, *models.ExecutionContext) error {
	return nil
}

func fileOutputs(ectx *models.ExecutionContext) []*models.Parameter {
	var files []*models.Parameter

	for _, output := range ectx.Outputs {
		if output.Type == models.DataTypeFile {
			files = append(files, output)
		}
	}

	return files
}

// Releaser frees a transient compute instance.
type Releaser interface {
	Release(ctx context.Context, ectx *models.ExecutionContext) error
}

// TeardownHandler releases the task's transient instance once outputs are collected,
// or when the attempt fails. Release failures are logged and never fail the task.
type TeardownHandler struct {
	logger   *slog.Logger
	releaser Releaser
}

func NewTeardownHandler(logger *slog.Logger, releaser Releaser) *TeardownHandler {
	return &TeardownHandler{
		logger:   logger.With("module", "staging", "handler", "teardown"),
		releaser: releaser,
	}
}

func (h *TeardownHandler) Name() string { return "teardown" }

func (h *TeardownHandler) PreExecute(context.Context, *models.ExecutionContext) (Decision, error) {
	return Continue, nil
}

func (h *TeardownHandler) PostExecute(ctx context.Context, ectx *models.ExecutionContext) error {
	h.release(ctx, ectx)

	return nil
}

func (h *TeardownHandler) Cleanup(ctx context.Context, ectx *models.ExecutionContext) error {
	h.release(ctx, ectx)

	return nil
}

func (h *TeardownHandler) release(ctx context.Context, ectx *models.ExecutionContext) {
	if ectx.InstanceID == "" || h.releaser == nil {
		return
	}

	err := h.releaser.Release(ctx, ectx)
	if err != nil {
		h.logger.WarnContext(ctx, "Failed to release instance", "task_id", ectx.TaskID, "instance_id", ectx.InstanceID, "error", err)

		return
	}

	h.logger.InfoContext(ctx, "Instance released", "task_id", ectx.TaskID, "instance_id", ectx.InstanceID)
	ectx.InstanceID = ""
}

// missingOutput reports a declared output the application did not produce.
func missingOutput(ectx *models.ExecutionContext, name string) error {
	return errkind.Wrap(errkind.Execution, "collect outputs",
		&MissingOutputError{TaskID: ectx.TaskID, Output: name, Path: path.Clean(ectx.OutputDir)})
}
