package orchestrator

import (
	"sync"

	"github.com/scigateway/orchestrator/pkg/graph"
	"github.com/scigateway/orchestrator/pkg/models"
)

// launch is the in-memory state of one launched workflow.
type launch struct {
	workflowID string
	experiment models.Experiment
	gatewayID  string
	userToken  string
	graph      *graph.Graph

	mu      sync.Mutex
	streams map[string]streams
}

// streams locates the captured stdout and stderr of a task's latest attempt.
type streams struct {
	stdout string
	stderr string
}

func (l *launch) recordStreams(taskID string, result *models.ExecutionResult) {
	if result == nil || (result.StdoutPath == "" && result.StderrPath == "") {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streams == nil {
		l.streams = make(map[string]streams)
	}

	l.streams[taskID] = streams{stdout: result.StdoutPath, stderr: result.StderrPath}
}

func (l *launch) taskStreams(taskID string) streams {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.streams[taskID]
}

type launches struct {
	mu   sync.RWMutex
	byID map[string]*launch
}

func newLaunches() *launches {
	return &launches{byID: make(map[string]*launch)}
}

func (ls *launches) put(l *launch) {
	ls.mu.Lock()
	ls.byID[l.workflowID] = l
	ls.mu.Unlock()
}

func (ls *launches) get(workflowID string) (*launch, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	l, ok := ls.byID[workflowID]

	return l, ok
}

func (ls *launches) forget(workflowID string) {
	ls.mu.Lock()
	delete(ls.byID, workflowID)
	ls.mu.Unlock()
}
