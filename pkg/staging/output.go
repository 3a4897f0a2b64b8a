package staging

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/scigateway/orchestrator/pkg/credential"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

const maxStringOutput = 64 << 10

// OutputHandler verifies that the application produced its declared outputs and
// archives file outputs to the experiment's storage resource under
// {root}/{experimentID}/{taskID}. Each output value is rewritten to its archived URI;
// string outputs take the contents of the file the application wrote for them.
type OutputHandler struct {
	logger *slog.Logger
	opener Opener
	creds  credential.Context
}

func NewOutputHandler(logger *slog.Logger, opener Opener, creds credential.Context) *OutputHandler {
	return &OutputHandler{
		logger: logger.With("module", "staging", "handler", "output"),
		opener: opener,
		creds:  creds,
	}
}

func (h *OutputHandler) Name() string { return "output" }

func (h *OutputHandler) PreExecute(context.Context, *models.ExecutionContext) (Decision, error) {
	return Continue, nil
}

func (h *OutputHandler) PostExecute(ctx context.Context, ectx *models.ExecutionContext) error {
	if len(ectx.Outputs) == 0 {
		return nil
	}

	host, err := openHost(ctx, h.opener, ectx)
	if err != nil {
		return err
	}
	defer host.Close()

	var storage transfer.Client

	defer func() {
		if storage != nil {
			_ = storage.Close()
		}
	}()

	storageEndpoint := ectx.Storage.Endpoint()

	for _, output := range ectx.Outputs {
		exists, err := host.Exists(ctx, output.Value)
		if err != nil {
			return err
		}

		if !exists {
			if output.Required {
				return missingOutput(ectx, output.Name)
			}

			h.logger.WarnContext(ctx, "Optional output not produced", "task_id", ectx.TaskID, "output", output.Name)
			output.Value = ""

			continue
		}

		if output.Type == models.DataTypeString {
			value, err := readString(ctx, host, output.Value)
			if err != nil {
				return err
			}

			output.Value = value

			continue
		}

		if storage == nil {
			cred, err := lookupCredential(ctx, h.creds, ectx, ectx.Storage.ID)
			if err != nil {
				return err
			}

			storage, err = h.opener.Open(ctx, storageEndpoint, cred)
			if err != nil {
				return err
			}
		}

		target := path.Join("/", ectx.ExperimentID, ectx.TaskID, path.Base(output.Value))

		err = transfer.Transfer(ctx, host, output.Value, storage, target)
		if err != nil {
			return err
		}

		output.Value = transfer.FormatURI(storageEndpoint, target)
		h.logger.InfoContext(ctx, "Output archived", "task_id", ectx.TaskID, "output", output.Name, "uri", output.Value)
	}

	return nil
}

func readString(ctx context.Context, client transfer.Client, p string) (string, error) {
	reader, err := client.Read(ctx, p)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, maxStringOutput))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}
