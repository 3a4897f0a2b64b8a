package models

import "time"

// Credential is a short lived secret handed out by the credential store.
type Credential struct {
	AccessKey string            `json:"access_key"`
	Secret    string            `json:"secret"`
	Expiry    time.Time         `json:"expiry"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Expired reports whether the credential is past its expiry. A zero expiry never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// Endpoint addresses a filesystem reachable through a transfer adapter.
type Endpoint struct {
	Scheme     string            `json:"scheme"`
	Host       string            `json:"host,omitempty"`
	Port       int               `json:"port,omitempty"`
	Root       string            `json:"root,omitempty"`
	Bucket     string            `json:"bucket,omitempty"`
	Region     string            `json:"region,omitempty"`
	ResourceID string            `json:"resource_id,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Parameter is a task input or output value together with its declared type.
type Parameter struct {
	Name     string   `json:"name"`
	Type     DataType `json:"type"`
	Flag     string   `json:"flag,omitempty"`
	Required bool     `json:"required,omitempty"`
	Value    string   `json:"value"`
}

// ExecutionResult is what a provider reports for one execution attempt.
type ExecutionResult struct {
	ExitCode   int       `json:"exit_code"`
	StdoutPath string    `json:"stdout_path"`
	StderrPath string    `json:"stderr_path"`
	JobID      string    `json:"job_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ExecutionContext is the runtime bundle of a single task attempt.
// It is built fresh for every attempt and never shared.
type ExecutionContext struct {
	WorkflowID   string
	ExperimentID string
	TaskID       string
	Attempt      int
	GatewayID    string
	UserToken    string

	Application ApplicationDescriptor
	Host        HostDescriptor
	Storage     StorageDescriptor
	Credential  Credential

	// HostEndpoint is the filesystem of the compute resource, as seen by transfer adapters.
	HostEndpoint Endpoint
	WorkingDir   string
	InputDir     string
	OutputDir    string

	Inputs  []*Parameter
	Outputs []*Parameter

	// InstanceID is set by providers that create a transient compute instance.
	InstanceID string
	Result     *ExecutionResult
}

// Input returns the named input parameter.
func (e *ExecutionContext) Input(name string) (*Parameter, bool) {
	return find(e.Inputs, name)
}

// Output returns the named output parameter.
func (e *ExecutionContext) Output(name string) (*Parameter, bool) {
	return find(e.Outputs, name)
}

// OutputValues flattens the outputs into a name to value map.
func (e *ExecutionContext) OutputValues() map[string]string {
	values := make(map[string]string, len(e.Outputs))
	for _, output := range e.Outputs {
		values[output.Name] = output.Value
	}

	return values
}

func find(params []*Parameter, name string) (*Parameter, bool) {
	for _, param := range params {
		if param.Name == name {
			return param, true
		}
	}

	return nil, false
}
