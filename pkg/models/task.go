package models

import (
	"sort"
	"time"
)

// TaskSpec is the compiled unit of work bound to one application node.
type TaskSpec struct {
	TaskID                        string            `json:"task_id"`
	NodeID                        string            `json:"node_id"`
	Command                       string            `json:"command"`
	Parameters                    map[string]string `json:"parameters,omitempty"`
	MaxAttemptsPerTask            int               `json:"max_attempts_per_task"`
	TimeoutPerTask                time.Duration     `json:"timeout_per_task"`
	NumConcurrentTasksPerInstance int               `json:"num_concurrent_tasks_per_instance"`
	Children                      []string          `json:"children,omitempty"`
}

// AddChild records a parent to child edge once.
func (t *TaskSpec) AddChild(childID string) {
	for _, existing := range t.Children {
		if existing == childID {
			return
		}
	}

	t.Children = append(t.Children, childID)
}

// GraphPolicy holds workflow level limits applied by the scheduler.
//
// FailureThreshold counts the failed tasks a workflow tolerates before it is aborted.
// Zero disables the abort: a failure only skips the dependents of the failed task and
// independent branches keep running. A positive threshold N skips every task that has
// not started once task failure N+1 is recorded.
type GraphPolicy struct {
	FailureThreshold int           `json:"failure_threshold"`
	JobExpiry        time.Duration `json:"job_expiry"`
}

// Aborts reports whether the given number of failed tasks stops the whole workflow.
func (p GraphPolicy) Aborts(failures int) bool {
	return p.FailureThreshold > 0 && failures > p.FailureThreshold
}

// TaskGraph is the serializable, schedulable form of a compiled workflow.
type TaskGraph struct {
	ID           string               `json:"id"`
	WorkflowName string               `json:"workflow_name"`
	ExperimentID string               `json:"experiment_id,omitempty"`
	Policy       GraphPolicy          `json:"policy"`
	Tasks        map[string]*TaskSpec `json:"tasks"`
	CreatedAt    time.Time            `json:"created_at"`
}

// TaskIDs returns the task identifiers in a stable order.
func (g *TaskGraph) TaskIDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Parents derives the reverse adjacency list.
func (g *TaskGraph) Parents() map[string][]string {
	parents := make(map[string][]string, len(g.Tasks))
	for _, id := range g.TaskIDs() {
		if _, ok := parents[id]; !ok {
			parents[id] = nil
		}

		for _, child := range g.Tasks[id].Children {
			parents[child] = append(parents[child], id)
		}
	}

	return parents
}

// Descendants returns every task reachable from taskID through child edges.
func (g *TaskGraph) Descendants(taskID string) map[string]bool {
	return walk(taskID, func(id string) []string {
		if task, ok := g.Tasks[id]; ok {
			return task.Children
		}

		return nil
	})
}

// Ancestors returns every task from which taskID is reachable.
func (g *TaskGraph) Ancestors(taskID string) map[string]bool {
	parents := g.Parents()

	return walk(taskID, func(id string) []string { return parents[id] })
}

func walk(start string, next func(string) []string) map[string]bool {
	seen := map[string]bool{}
	stack := append([]string(nil), next(start)...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if seen[id] {
			continue
		}

		seen[id] = true
		stack = append(stack, next(id)...)
	}

	return seen
}
