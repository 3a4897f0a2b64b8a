package orchestrator

import (
	"fmt"
	"path"

	"github.com/scigateway/orchestrator/pkg/compiler"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
)

const (
	inputsDir  = "inputs"
	outputsDir = "outputs"

	// HostPropertyRoot is the filesystem root a local host maps task paths under.
	HostPropertyRoot = "root"
	// HostPropertyTransfer overrides the transfer scheme of a remote host's filesystem.
	HostPropertyTransfer = "transfer_scheme"
)

// HostEndpoint returns the filesystem of a compute host as transfer adapters address it.
// Local hosts are reached through the file adapter; batch and cloud hosts through SFTP.
func HostEndpoint(host models.HostDescriptor) models.Endpoint {
	if host.Type == models.HostTypeLocal {
		root := host.Properties[HostPropertyRoot]
		if root == "" {
			root = "/"
		}

		return models.Endpoint{Scheme: "file", Root: root, ResourceID: host.ID}
	}

	scheme := host.Properties[HostPropertyTransfer]
	if scheme == "" {
		scheme = "sftp"
	}

	return models.Endpoint{
		Scheme:     scheme,
		Host:       host.Hostname,
		Port:       host.Port,
		Root:       "/",
		ResourceID: host.ID,
		Properties: host.Properties,
	}
}

type contextSpec struct {
	launch      *launch
	task        *models.TaskSpec
	attempt     int
	application models.ApplicationDescriptor
	host        models.HostDescriptor
	storage     models.StorageDescriptor
	credential  models.Credential
	// values arriving on the node's input ports
	values map[string]string
}

// newExecutionContext lays out the attempt's directories and binds every declared
// input and output. Static node parameters are overridden by values arriving on links.
func newExecutionContext(spec contextSpec) (*models.ExecutionContext, error) {
	experimentID := spec.launch.experiment.ID
	workingDir := path.Join(spec.host.ScratchDir, experimentID, spec.task.TaskID)

	ectx := &models.ExecutionContext{
		WorkflowID:   spec.launch.workflowID,
		ExperimentID: experimentID,
		TaskID:       spec.task.TaskID,
		Attempt:      spec.attempt,
		GatewayID:    spec.launch.gatewayID,
		UserToken:    spec.launch.userToken,
		Application:  spec.application,
		Host:         spec.host,
		Storage:      spec.storage,
		Credential:   spec.credential,
		HostEndpoint: HostEndpoint(spec.host),
		WorkingDir:   workingDir,
		InputDir:     path.Join(workingDir, inputsDir),
		OutputDir:    path.Join(workingDir, outputsDir),
	}

	for _, input := range spec.application.Inputs {
		value, ok := spec.values[input.Name]
		if !ok || value == "" {
			value = spec.task.Parameters[compiler.ParamInputPrefix+input.Name]
		}

		if value == "" {
			value = input.Default
		}

		if value == "" && input.Required {
			return nil, errkind.Wrap(errkind.Graph, "bind inputs",
				fmt.Errorf("task %s: required input %s has no value", spec.task.TaskID, input.Name))
		}

		ectx.Inputs = append(ectx.Inputs, &models.Parameter{
			Name:     input.Name,
			Type:     input.Type,
			Flag:     input.Flag,
			Required: input.Required,
			Value:    value,
		})
	}

	for _, output := range spec.application.Outputs {
		name := output.Default
		if name == "" {
			name = output.Name
		}

		ectx.Outputs = append(ectx.Outputs, &models.Parameter{
			Name:     output.Name,
			Type:     output.Type,
			Flag:     output.Flag,
			Required: output.Required,
			Value:    path.Join(ectx.OutputDir, name),
		})
	}

	return ectx, nil
}
