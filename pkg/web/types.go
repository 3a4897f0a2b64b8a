// Package web provides HTTP request and response types for the orchestrator API.
package web

import (
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/statemachine"
)

// LaunchRequest is the body of a launch call. Both fields fall back to the
// experiment's own gateway and credential token when empty.
type LaunchRequest struct {
	GatewayID string `json:"gateway_id" validate:"omitempty,min=1,max=255"`
	UserToken string `json:"user_token" validate:"omitempty,min=1"`
}

type LaunchResponse struct {
	ExperimentID string `json:"experiment_id"`
	Handle       string `json:"handle"`
}

type CancelRequest struct {
	GatewayID string `json:"gateway_id" validate:"omitempty,min=1,max=255"`
	UserToken string `json:"user_token" validate:"omitempty,min=1"`
}

type StatusesResponse struct {
	ExperimentID string                         `json:"experiment_id"`
	Tasks        map[string]statemachine.Status `json:"tasks"`
}

// WorkflowResponse is the report of one launched workflow.
type WorkflowResponse struct {
	Handle       string                         `json:"handle"`
	ExperimentID string                         `json:"experiment_id"`
	State        models.State                   `json:"state"`
	Tasks        map[string]statemachine.Status `json:"tasks"`
	Nodes        map[string]statemachine.Status `json:"nodes,omitempty"`
	Outputs      map[string]string              `json:"outputs,omitempty"`
}
