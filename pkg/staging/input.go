package staging

import (
	"context"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/scigateway/orchestrator/pkg/credential"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

const partialSuffix = ".part"

// InputHandler stages file and URI inputs whose scheme belongs to its protocol group onto
// the compute host and rewrites the parameter to the staged path.
type InputHandler struct {
	logger  *slog.Logger
	name    string
	schemes []string
	opener  Opener
	creds   credential.Context
}

func NewInputHandler(logger *slog.Logger, name string, schemes []string, opener Opener, creds credential.Context) *InputHandler {
	return &InputHandler{
		logger:  logger.With("module", "staging", "handler", name),
		name:    name,
		schemes: schemes,
		opener:  opener,
		creds:   creds,
	}
}

func (h *InputHandler) Name() string { return h.name }

func (h *InputHandler) matches(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")

	return ok && slices.Contains(h.schemes, strings.ToLower(scheme))
}

func (h *InputHandler) PreExecute(ctx context.Context, ectx *models.ExecutionContext) (Decision, error) {
	var host transfer.Client

	defer func() {
		if host != nil {
			_ = host.Close()
		}
	}()

	for _, input := range ectx.Inputs {
		if input.Type == models.DataTypeString || !h.matches(input.Value) {
			continue
		}

		if host == nil {
			var err error

			host, err = openHost(ctx, h.opener, ectx)
			if err != nil {
				return Halt, err
			}
		}

		staged, err := h.stage(ctx, ectx, host, input)
		if err != nil {
			return Halt, err
		}

		h.logger.InfoContext(ctx, "Input staged", "task_id", ectx.TaskID, "input", input.Name, "source", input.Value, "target", staged)
		input.Value = staged
	}

	return Continue, nil
}

func (h *InputHandler) stage(ctx context.Context, ectx *models.ExecutionContext, host transfer.Client, input *models.Parameter) (string, error) {
	endpoint, srcPath, err := transfer.ParseURI(input.Value)
	if err != nil {
		return "", err
	}

	resourceID := endpoint.Host
	if endpoint.Bucket != "" {
		resourceID = endpoint.Bucket
	}

	endpoint.ResourceID = resourceID

	cred, err := lookupCredential(ctx, h.creds, ectx, resourceID)
	if err != nil {
		return "", err
	}

	target := path.Join(ectx.InputDir, path.Base(srcPath))

	exists, err := host.Exists(ctx, target)
	if err != nil {
		return "", err
	}

	if exists {
		return target, nil
	}

	src, err := h.opener.Open(ctx, endpoint, cred)
	if err != nil {
		return "", err
	}
	defer src.Close()

	// Only a complete copy carries the final name.
	partial := target + partialSuffix

	err = transfer.Transfer(ctx, src, srcPath, host, partial)
	if err != nil {
		return "", err
	}

	err = host.Move(ctx, partial, target)
	if err != nil {
		return "", err
	}

	return target, nil
}

func (h *InputHandler) PostExecute(context.Context, *models.ExecutionContext) error {
	return nil
}
