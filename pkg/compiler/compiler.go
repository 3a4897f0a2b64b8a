// Package compiler turns a workflow graph into a schedulable task graph.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/graph"
	"github.com/scigateway/orchestrator/pkg/models"
)

const (
	DefaultFailureThreshold              = 0
	DefaultJobExpiry                     = 10 * time.Minute
	DefaultTimeoutPerTask                = 24 * time.Hour
	DefaultMaxAttemptsPerTask            = 3
	DefaultNumConcurrentTasksPerInstance = 4

	ParamApplicationID = "application_id"
	ParamHostID        = "host_id"
	ParamInputPrefix   = "input."
)

var ErrUnresolvedNode = errors.New("unresolved node")

// CompileError reports a node id referenced during the walk that the source cannot resolve.
type CompileError struct {
	Kind   string
	NodeID string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile error %s: node %s: %v", e.Kind, e.NodeID, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

func (e *CompileError) ErrorKind() errkind.Kind {
	return errkind.Compile
}

// IsUnresolvedNode checks if an error is an UNRESOLVED_NODE compile error.
func IsUnresolvedNode(err error) bool {
	return errors.Is(err, ErrUnresolvedNode)
}

// Source is the read side of a workflow graph the compiler walks.
type Source interface {
	Node(id string) (models.Node, bool)
	Successors(id string) []string
}

// Policy carries the defaults stamped on every task unless the node overrides them.
// FailureThreshold follows models.GraphPolicy: zero never aborts the whole workflow.
type Policy struct {
	FailureThreshold              int
	JobExpiry                     time.Duration
	TimeoutPerTask                time.Duration
	MaxAttemptsPerTask            int
	NumConcurrentTasksPerInstance int
}

func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:              DefaultFailureThreshold,
		JobExpiry:                     DefaultJobExpiry,
		TimeoutPerTask:                DefaultTimeoutPerTask,
		MaxAttemptsPerTask:            DefaultMaxAttemptsPerTask,
		NumConcurrentTasksPerInstance: DefaultNumConcurrentTasksPerInstance,
	}
}

// CommandFunc resolves the executable identity of an application node.
type CommandFunc func(ctx context.Context, node models.Node) (string, error)

type Compiler struct {
	logger  *slog.Logger
	policy  Policy
	command CommandFunc
}

type Option func(*Compiler)

func WithPolicy(policy Policy) Option {
	return func(c *Compiler) { c.policy = policy }
}

func WithCommandFunc(fn CommandFunc) Option {
	return func(c *Compiler) { c.command = fn }
}

func New(logger *slog.Logger, opts ...Option) *Compiler {
	c := &Compiler{
		logger: logger.With("module", "compiler"),
		policy: DefaultPolicy(),
		command: func(_ context.Context, node models.Node) (string, error) {
			return node.ApplicationID, nil
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type color int

const (
	white color = iota
	grey
	black
)

type walker struct {
	ctx   context.Context
	c     *Compiler
	src   Source
	tasks map[string]*models.TaskSpec
	color map[string]color
}

// Compile walks src depth first from every start node and emits one task per
// application node reachable from them. Workflow inputs and outputs are transparent:
// an application's children are the nearest application nodes downstream of it.
// On any error no tasks are returned.
func (c *Compiler) Compile(ctx context.Context, src Source, workflowName string, startNodeIDs []string) (*models.TaskGraph, error) {
	w := &walker{
		ctx:   ctx,
		c:     c,
		src:   src,
		tasks: make(map[string]*models.TaskSpec),
		color: make(map[string]color),
	}

	for _, id := range startNodeIDs {
		err := w.visit(id, "")
		if err != nil {
			c.logger.WarnContext(ctx, "Compilation failed", "workflow", workflowName, "error", err)

			return nil, err
		}
	}

	c.logger.DebugContext(ctx, "Compiled workflow", "workflow", workflowName, "tasks", len(w.tasks))

	return &models.TaskGraph{
		WorkflowName: workflowName,
		Policy: models.GraphPolicy{
			FailureThreshold: c.policy.FailureThreshold,
			JobExpiry:        c.policy.JobExpiry,
		},
		Tasks:     w.tasks,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (w *walker) visit(nodeID, parentTask string) error {
	node, ok := w.src.Node(nodeID)
	if !ok {
		return &CompileError{Kind: "UNRESOLVED_NODE", NodeID: nodeID, Err: ErrUnresolvedNode}
	}

	switch w.color[nodeID] {
	case grey:
		return &graph.GraphError{Kind: graph.KindCycle, NodeID: nodeID, Msg: "node reached again while on the current path"}
	case black:
		if node.IsApplication() {
			w.link(parentTask, nodeID)

			return nil
		}
	}

	w.color[nodeID] = grey

	current := parentTask

	if node.IsApplication() {
		if _, emitted := w.tasks[nodeID]; !emitted {
			spec, err := w.c.taskSpec(w.ctx, node)
			if err != nil {
				return err
			}

			w.tasks[nodeID] = spec
		}

		w.link(parentTask, nodeID)
		current = nodeID
	}

	for _, next := range w.src.Successors(nodeID) {
		err := w.visit(next, current)
		if err != nil {
			return err
		}
	}

	w.color[nodeID] = black

	return nil
}

func (w *walker) link(parent, child string) {
	if parent == "" {
		return
	}

	w.tasks[parent].AddChild(child)
}

func (c *Compiler) taskSpec(ctx context.Context, node models.Node) (*models.TaskSpec, error) {
	command, err := c.command(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve command for node %s: %w", node.ID, err)
	}

	spec := &models.TaskSpec{
		TaskID:                        node.ID,
		NodeID:                        node.ID,
		Command:                       command,
		Parameters:                    make(map[string]string, len(node.Parameters)+2),
		MaxAttemptsPerTask:            c.policy.MaxAttemptsPerTask,
		TimeoutPerTask:                c.policy.TimeoutPerTask,
		NumConcurrentTasksPerInstance: c.policy.NumConcurrentTasksPerInstance,
	}

	for key, value := range node.Parameters {
		spec.Parameters[ParamInputPrefix+key] = value
	}

	spec.Parameters[ParamApplicationID] = node.ApplicationID
	spec.Parameters[ParamHostID] = node.HostID

	if retry := node.Retry; retry != nil {
		if retry.MaxAttempts > 0 {
			spec.MaxAttemptsPerTask = retry.MaxAttempts
		}

		if retry.Timeout > 0 {
			spec.TimeoutPerTask = retry.Timeout
		}

		if retry.Concurrency > 0 {
			spec.NumConcurrentTasksPerInstance = retry.Concurrency
		}
	}

	return spec, nil
}
