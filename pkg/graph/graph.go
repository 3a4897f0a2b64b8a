// Package graph holds the in-memory workflow DAG and the lifecycle state of its nodes.
package graph

import (
	"fmt"
	"sync"

	"github.com/scigateway/orchestrator/pkg/models"
)

// Graph is a workflow DAG. Structure is built once; node state is guarded per node.
type Graph struct {
	structure sync.RWMutex
	nodes     map[string]*vertex
	order     []string
}

type vertex struct {
	mu      sync.Mutex
	node    models.Node
	state   models.State
	inputs  []*edge
	outputs []*edge
}

type edge struct {
	mu       sync.RWMutex
	from     string
	fromNode string
	to       string
	toNode   string
	value    string
}

func (e *edge) get() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.value
}

func (e *edge) set(value string) {
	e.mu.Lock()
	e.value = value
	e.mu.Unlock()
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*vertex)}
}

// Build constructs and validates a graph from a workflow document.
// Input nodes carrying a value start READY.
func Build(doc models.WorkflowDocument) (*Graph, error) {
	g := New()

	for _, node := range doc.Nodes {
		err := g.AddNode(node)
		if err != nil {
			return nil, err
		}
	}

	for _, link := range doc.Links {
		err := g.AddLink(link.From, link.To)
		if err != nil {
			return nil, err
		}
	}

	for _, id := range g.order {
		v := g.nodes[id]
		if v.node.Kind == models.NodeKindInput && v.node.Value != "" {
			v.state = models.StateReady

			for _, out := range v.outputs {
				out.set(v.node.Value)
			}
		}
	}

	return g, nil
}

// AddNode adds a vertex in the WAITING state.
func (g *Graph) AddNode(node models.Node) error {
	if node.ID == "" {
		return newError(KindInvalidLink, "", "node without id")
	}

	g.structure.Lock()
	defer g.structure.Unlock()

	if _, exists := g.nodes[node.ID]; exists {
		return newError(KindDuplicateNode, node.ID, "node already defined")
	}

	g.nodes[node.ID] = &vertex{node: node, state: models.StateWaiting}
	g.order = append(g.order, node.ID)

	return nil
}

// AddLink connects two ports given as "{node_id}:{port_name}". A link closing a cycle is rejected.
func (g *Graph) AddLink(fromPort, toPort string) error {
	fromNode, _, ok := models.ParsePortID(fromPort)
	if !ok {
		return newError(KindDanglingReference, "", "malformed port %q", fromPort)
	}

	toNode, _, ok := models.ParsePortID(toPort)
	if !ok {
		return newError(KindDanglingReference, "", "malformed port %q", toPort)
	}

	g.structure.Lock()
	defer g.structure.Unlock()

	producer, ok := g.nodes[fromNode]
	if !ok {
		return newError(KindDanglingReference, fromNode, "link %s -> %s references unknown producer", fromPort, toPort)
	}

	consumer, ok := g.nodes[toNode]
	if !ok {
		return newError(KindDanglingReference, toNode, "link %s -> %s references unknown consumer", fromPort, toPort)
	}

	switch {
	case producer.node.Kind == models.NodeKindOutput:
		return newError(KindInvalidLink, fromNode, "workflow output cannot produce data")
	case consumer.node.Kind == models.NodeKindInput:
		return newError(KindInvalidLink, toNode, "workflow input cannot consume data")
	case consumer.node.Kind == models.NodeKindOutput && len(consumer.inputs) > 0:
		return newError(KindInvalidLink, toNode, "workflow output accepts a single input")
	}

	for _, existing := range consumer.inputs {
		if existing.to == toPort && existing.from == fromPort {
			return newError(KindInvalidLink, toNode, "duplicate link %s -> %s", fromPort, toPort)
		}
	}

	if fromNode == toNode || g.reachableLocked(toNode, fromNode) {
		return newError(KindCycle, toNode, "link %s -> %s closes a cycle", fromPort, toPort)
	}

	e := &edge{from: fromPort, fromNode: fromNode, to: toPort, toNode: toNode}
	producer.outputs = append(producer.outputs, e)
	consumer.inputs = append(consumer.inputs, e)

	return nil
}

func (g *Graph) reachableLocked(from, target string) bool {
	seen := map[string]bool{}
	stack := []string{from}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if id == target {
			return true
		}

		if seen[id] {
			continue
		}

		seen[id] = true

		for _, out := range g.nodes[id].outputs {
			stack = append(stack, out.toNode)
		}
	}

	return false
}

func (g *Graph) vertex(id string) (*vertex, error) {
	g.structure.RLock()
	defer g.structure.RUnlock()

	v, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	return v, nil
}

// Node returns the declarative node definition.
func (g *Graph) Node(id string) (models.Node, bool) {
	v, err := g.vertex(id)
	if err != nil {
		return models.Node{}, false
	}

	return v.node, true
}

// NodeIDs returns node ids in insertion order.
func (g *Graph) NodeIDs() []string {
	g.structure.RLock()
	defer g.structure.RUnlock()

	return append([]string(nil), g.order...)
}

// Successors returns the distinct consumers of a node's outputs, in link order.
func (g *Graph) Successors(id string) []string {
	v, err := g.vertex(id)
	if err != nil {
		return nil
	}

	return distinct(v.outputs, func(e *edge) string { return e.toNode })
}

// Predecessors returns the distinct producers feeding a node, in link order.
func (g *Graph) Predecessors(id string) []string {
	v, err := g.vertex(id)
	if err != nil {
		return nil
	}

	return distinct(v.inputs, func(e *edge) string { return e.fromNode })
}

func distinct(edges []*edge, key func(*edge) string) []string {
	seen := map[string]bool{}

	var ids []string

	for _, e := range edges {
		id := key(e)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	return ids
}

// State returns the current state of a node.
func (g *Graph) State(id string) (models.State, error) {
	v, err := g.vertex(id)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state, nil
}

// IsSatisfied reports whether a node has everything it needs to run.
// Inputs need a value; outputs need a non-empty incoming value;
// applications need every producer COMPLETE or a satisfied workflow input.
func (g *Graph) IsSatisfied(id string) bool {
	v, err := g.vertex(id)
	if err != nil {
		return false
	}

	switch v.node.Kind {
	case models.NodeKindInput:
		return v.node.Value != ""
	case models.NodeKindOutput:
		return len(v.inputs) == 1 && v.inputs[0].get() != ""
	}

	for _, in := range v.inputs {
		producer, err := g.vertex(in.fromNode)
		if err != nil {
			return false
		}

		if producer.node.Kind == models.NodeKindInput {
			if producer.node.Value == "" {
				return false
			}

			continue
		}

		producer.mu.Lock()
		state := producer.state
		producer.mu.Unlock()

		if state != models.StateComplete {
			return false
		}
	}

	return true
}

// StartNodes returns the not yet executing, non-output nodes with no unsatisfied input.
func (g *Graph) StartNodes() []string {
	var start []string

	for _, id := range g.NodeIDs() {
		node, _ := g.Node(id)
		if node.Kind == models.NodeKindOutput {
			continue
		}

		state, _ := g.State(id)
		if state.Rank() >= models.StateExecuting.Rank() {
			continue
		}

		if g.IsSatisfied(id) {
			start = append(start, id)
		}
	}

	return start
}

// Transition moves a node forward and returns its previous state.
// Any transition that does not strictly advance the node fails with ErrStateRegression,
// which is how a losing concurrent writer detects the race.
func (g *Graph) Transition(id string, to models.State) (models.State, error) {
	v, err := g.vertex(id)
	if err != nil {
		return "", err
	}

	if to.Rank() > models.StateComplete.Rank() || to.Rank() == 0 {
		return "", fmt.Errorf("node %s: %q is not a node state", id, to)
	}

	if to == models.StateReady && v.node.Kind != models.NodeKindInput && !g.IsSatisfied(id) {
		return "", fmt.Errorf("node %s: %w", id, ErrNotSatisfied)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	previous := v.state
	if to.Rank() <= previous.Rank() {
		return previous, fmt.Errorf("node %s %s -> %s: %w", id, previous, to, ErrStateRegression)
	}

	v.state = to

	return previous, nil
}

// SetOutput publishes a value produced on one of the node's output ports
// to every link leaving that port.
func (g *Graph) SetOutput(nodeID, portName, value string) error {
	v, err := g.vertex(nodeID)
	if err != nil {
		return err
	}

	port := models.MakePortID(nodeID, portName)
	for _, out := range v.outputs {
		if out.from == port {
			out.set(value)
		}
	}

	return nil
}

// InputValues returns the values arriving on each input port of a node.
// Values coming from workflow inputs are read from the input node itself.
func (g *Graph) InputValues(nodeID string) (map[string]string, error) {
	v, err := g.vertex(nodeID)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(v.inputs))

	for _, in := range v.inputs {
		_, port, _ := models.ParsePortID(in.to)

		value := in.get()
		if value == "" {
			if producer, err := g.vertex(in.fromNode); err == nil && producer.node.Kind == models.NodeKindInput {
				value = producer.node.Value
			}
		}

		values[port] = value
	}

	return values, nil
}

// Value returns the value held by a workflow input or delivered to a workflow output.
func (g *Graph) Value(nodeID string) (string, error) {
	v, err := g.vertex(nodeID)
	if err != nil {
		return "", err
	}

	switch v.node.Kind {
	case models.NodeKindInput:
		return v.node.Value, nil
	case models.NodeKindOutput:
		if len(v.inputs) == 0 {
			return "", nil
		}

		return v.inputs[0].get(), nil
	default:
		return "", fmt.Errorf("node %s: application nodes hold no value", nodeID)
	}
}
