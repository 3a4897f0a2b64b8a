// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/scigateway/orchestrator/pkg/models"
)

// InputNode creates a workflow input carrying value.
func InputNode(id, value string) models.Node {
	return models.Node{ID: id, Kind: models.NodeKindInput, Name: id, Value: value}
}

// OutputNode creates a workflow output marker.
func OutputNode(id string) models.Node {
	return models.Node{ID: id, Kind: models.NodeKindOutput, Name: id}
}

// ApplicationNode creates an application node with default values that can be overridden.
func ApplicationNode(id string, overrides ...func(*models.Node)) models.Node {
	node := models.Node{
		ID:            id,
		Kind:          models.NodeKindApplication,
		Name:          id,
		ApplicationID: "echo",
		HostID:        "localhost",
	}

	for _, override := range overrides {
		override(&node)
	}

	return node
}

// WithMaxAttempts sets the retry budget of an application node.
func WithMaxAttempts(attempts int) func(*models.Node) {
	return func(n *models.Node) {
		if n.Retry == nil {
			n.Retry = &models.RetryPolicy{}
		}

		n.Retry.MaxAttempts = attempts
	}
}

// WithApplication binds the node to an application and host.
func WithApplication(applicationID, hostID string) func(*models.Node) {
	return func(n *models.Node) {
		n.ApplicationID = applicationID
		n.HostID = hostID
	}
}

// Document assembles a workflow document; links are given as from/to port pairs.
func Document(name string, nodes []models.Node, links ...[2]string) models.WorkflowDocument {
	doc := models.WorkflowDocument{Name: name, Nodes: nodes}
	for _, link := range links {
		doc.Links = append(doc.Links, models.Link{From: link[0], To: link[1]})
	}

	return doc
}

// LinearDocument is In1 -> App1 -> Out1.
func LinearDocument(overrides ...func(*models.Node)) models.WorkflowDocument {
	return Document("linear",
		[]models.Node{InputNode("In1", "hello"), ApplicationNode("App1", overrides...), OutputNode("Out1")},
		[2]string{"In1:value", "App1:message"},
		[2]string{"App1:result", "Out1:value"},
	)
}

// ChainDocument is In1 -> App1 -> App2 -> Out1.
func ChainDocument(overrides ...func(*models.Node)) models.WorkflowDocument {
	return Document("chain",
		[]models.Node{
			InputNode("In1", "hello"),
			ApplicationNode("App1", overrides...),
			ApplicationNode("App2", overrides...),
			OutputNode("Out1"),
		},
		[2]string{"In1:value", "App1:message"},
		[2]string{"App1:result", "App2:message"},
		[2]string{"App2:result", "Out1:value"},
	)
}
