package models

import "time"

// NodeKind classifies a workflow vertex.
type NodeKind string

const (
	NodeKindInput       NodeKind = "workflow_input"
	NodeKindApplication NodeKind = "application"
	NodeKindOutput      NodeKind = "workflow_output"
)

// RetryPolicy overrides the compiler defaults for a single application node.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"gte=0"`
	Timeout     time.Duration `json:"timeout,omitempty"      yaml:"timeout,omitempty"`
	Concurrency int           `json:"concurrency,omitempty"  yaml:"concurrency,omitempty"  validate:"gte=0"`
}

// Node is the declarative part of a workflow vertex. Runtime state lives in the graph.
type Node struct {
	ID            string            `json:"id"                       yaml:"id"                       validate:"required"`
	Kind          NodeKind          `json:"kind"                     yaml:"kind"                     validate:"required,oneof=workflow_input application workflow_output"`
	Name          string            `json:"name,omitempty"           yaml:"name,omitempty"`
	ApplicationID string            `json:"application_id,omitempty" yaml:"application_id,omitempty" validate:"required_if=Kind application"`
	HostID        string            `json:"host_id,omitempty"        yaml:"host_id,omitempty"        validate:"required_if=Kind application"`
	Value         string            `json:"value,omitempty"          yaml:"value,omitempty"`
	Parameters    map[string]string `json:"parameters,omitempty"     yaml:"parameters,omitempty"`
	Retry         *RetryPolicy      `json:"retry,omitempty"          yaml:"retry,omitempty"`
}

// IsApplication reports whether the node is executed as a task.
func (n Node) IsApplication() bool {
	return n.Kind == NodeKindApplication
}
