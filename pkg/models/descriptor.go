package models

// HostType selects the generic provider for a compute host.
type HostType string

const (
	HostTypeLocal HostType = "local"
	HostTypeBatch HostType = "batch"
	HostTypeCloud HostType = "cloud"
)

// DataType describes how an application input or output is handled.
type DataType string

const (
	DataTypeString DataType = "string"
	DataTypeFile   DataType = "file"
	DataTypeURI    DataType = "uri"
)

// IOSpec declares one application input or output.
type IOSpec struct {
	Name     string   `json:"name"               yaml:"name"               validate:"required"`
	Type     DataType `json:"type"               yaml:"type"               validate:"required,oneof=string file uri"`
	Flag     string   `json:"flag,omitempty"     yaml:"flag,omitempty"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Default  string   `json:"default,omitempty"  yaml:"default,omitempty"`
}

// ApplicationDescriptor describes an installed scientific application.
type ApplicationDescriptor struct {
	ID          string            `json:"id"                    yaml:"id"                    validate:"required"`
	Name        string            `json:"name"                  yaml:"name"`
	Handler     string            `json:"handler,omitempty"     yaml:"handler,omitempty"`
	Executable  string            `json:"executable"            yaml:"executable"            validate:"required"`
	Arguments   []string          `json:"arguments,omitempty"   yaml:"arguments,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Inputs      []IOSpec          `json:"inputs,omitempty"      yaml:"inputs,omitempty"      validate:"dive"`
	Outputs     []IOSpec          `json:"outputs,omitempty"     yaml:"outputs,omitempty"     validate:"dive"`
}

// HostDescriptor describes a compute resource.
type HostDescriptor struct {
	ID          string            `json:"id"                    yaml:"id"                    validate:"required"`
	Type        HostType          `json:"type"                  yaml:"type"                  validate:"required"`
	Hostname    string            `json:"hostname,omitempty"    yaml:"hostname,omitempty"`
	Port        int               `json:"port,omitempty"        yaml:"port,omitempty"`
	ScratchDir  string            `json:"scratch_dir"           yaml:"scratch_dir"           validate:"required"`
	Queue       string            `json:"queue,omitempty"       yaml:"queue,omitempty"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"  yaml:"properties,omitempty"`
}

// StorageDescriptor describes where task outputs are archived.
type StorageDescriptor struct {
	ID         string            `json:"id"                   yaml:"id"       validate:"required"`
	Protocol   string            `json:"protocol"             yaml:"protocol" validate:"required"`
	Host       string            `json:"host,omitempty"       yaml:"host,omitempty"`
	Port       int               `json:"port,omitempty"       yaml:"port,omitempty"`
	RootPath   string            `json:"root_path"            yaml:"root_path"`
	Bucket     string            `json:"bucket,omitempty"     yaml:"bucket,omitempty"`
	Region     string            `json:"region,omitempty"     yaml:"region,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Endpoint returns the transfer endpoint of the storage resource.
func (s StorageDescriptor) Endpoint() Endpoint {
	return Endpoint{
		Scheme:     s.Protocol,
		Host:       s.Host,
		Port:       s.Port,
		Root:       s.RootPath,
		Bucket:     s.Bucket,
		Region:     s.Region,
		ResourceID: s.ID,
		Properties: s.Properties,
	}
}

// WorkflowDocument is the declarative workflow attached to an experiment.
type WorkflowDocument struct {
	Name  string `json:"name"  yaml:"name"  validate:"required"`
	Nodes []Node `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Links []Link `json:"links" yaml:"links" validate:"dive"`
}

// Experiment is the launchable unit owned by a gateway user.
type Experiment struct {
	ID              string           `json:"id"                         yaml:"id"                         validate:"required"`
	Name            string           `json:"name"                       yaml:"name"`
	GatewayID       string           `json:"gateway_id"                 yaml:"gateway_id"                 validate:"required"`
	Owner           string           `json:"owner"                      yaml:"owner"`
	CredentialToken string           `json:"credential_token,omitempty" yaml:"credential_token,omitempty"`
	StorageID       string           `json:"storage_id"                 yaml:"storage_id"                 validate:"required"`
	Workflow        WorkflowDocument `json:"workflow"                   yaml:"workflow"`
}
