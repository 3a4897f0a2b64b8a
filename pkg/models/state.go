package models

// State is the lifecycle state shared by workflow nodes, tasks and workflows.
type State string

const (
	StateWaiting   State = "WAITING"
	StateReady     State = "READY"
	StateExecuting State = "EXECUTING"
	StateExecuted  State = "EXECUTED"
	StateComplete  State = "COMPLETE"

	// Terminal task and workflow states outside the main sequence.
	StateFailed   State = "FAILED"
	StateSkipped  State = "SKIPPED"
	StateCanceled State = "CANCELED"
)

const terminalRank = 100

// Rank orders states along the lifecycle. Unknown states rank below WAITING.
func (s State) Rank() int {
	switch s {
	case StateWaiting:
		return 1
	case StateReady:
		return 2
	case StateExecuting:
		return 3
	case StateExecuted:
		return 4
	case StateComplete:
		return 5
	case StateFailed, StateSkipped, StateCanceled:
		return terminalRank
	default:
		return 0
	}
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	return s == StateComplete || s.Rank() == terminalRank
}

// IsSuccess reports whether s is the successful terminal state.
func (s State) IsSuccess() bool {
	return s == StateComplete
}

// EntityKind identifies what a status change refers to.
type EntityKind string

const (
	EntityNode     EntityKind = "node"
	EntityTask     EntityKind = "task"
	EntityWorkflow EntityKind = "workflow"
)
