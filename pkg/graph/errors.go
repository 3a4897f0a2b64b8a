package graph

import (
	"errors"
	"fmt"

	"github.com/scigateway/orchestrator/pkg/errkind"
)

type ErrorKind string

const (
	KindCycle             ErrorKind = "CYCLE"
	KindDanglingReference ErrorKind = "DANGLING_REFERENCE"
	KindDuplicateNode     ErrorKind = "DUPLICATE_NODE"
	KindInvalidLink       ErrorKind = "INVALID_LINK"
)

var (
	// ErrStateRegression is returned when a transition does not move a node forward.
	ErrStateRegression = errors.New("state regression")

	// ErrNotSatisfied is returned when an application node is made READY before its inputs.
	ErrNotSatisfied = errors.New("node inputs not satisfied")

	// ErrNodeNotFound is returned for lookups of unknown node ids.
	ErrNodeNotFound = errors.New("node not found")
)

// GraphError reports a malformed workflow graph. It is never retried.
type GraphError struct {
	Kind   ErrorKind
	NodeID string
	Msg    string
}

func (e *GraphError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("graph error %s: %s", e.Kind, e.Msg)
	}

	return fmt.Sprintf("graph error %s at node %s: %s", e.Kind, e.NodeID, e.Msg)
}

// Is matches any GraphError of the same kind, or any GraphError when target has no kind.
func (e *GraphError) Is(target error) bool {
	t, ok := target.(*GraphError)
	if !ok {
		return false
	}

	return t.Kind == "" || t.Kind == e.Kind
}

func (e *GraphError) ErrorKind() errkind.Kind {
	return errkind.Graph
}

// IsCycle checks if an error reports a cycle.
func IsCycle(err error) bool {
	return errors.Is(err, &GraphError{Kind: KindCycle})
}

// IsGraphError checks if an error is any GraphError.
func IsGraphError(err error) bool {
	return errors.Is(err, &GraphError{})
}

func newError(kind ErrorKind, nodeID, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, NodeID: nodeID, Msg: fmt.Sprintf(format, args...)}
}
