package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scigateway/orchestrator/pkg/events"
	"github.com/scigateway/orchestrator/pkg/persistence"
)

// EventLog appends status events to root/events/<workflow>.jsonl, one JSON object per line.
type EventLog struct {
	root string

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func NewEventLog(root string) *EventLog {
	return &EventLog{root: root, seen: map[string]map[string]struct{}{}}
}

func (l *EventLog) path(workflowID string) string {
	return filepath.Join(l.root, "events", workflowID+".jsonl")
}

func (l *EventLog) Append(ctx context.Context, event events.StatusChanged) (bool, error) {
	err := persistence.ValidateEvent(event)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ids, err := l.idsLocked(ctx, event.WorkflowID)
	if err != nil {
		return false, err
	}

	if _, ok := ids[event.ID]; ok {
		return false, nil
	}

	line, err := json.Marshal(event)
	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	err = os.MkdirAll(filepath.Join(l.root, "events"), 0o750)
	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	f, err := os.OpenFile(l.path(event.WorkflowID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	_, err = f.Write(append(line, '\n'))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return false, &persistence.EventError{Op: "Append", WorkflowID: event.WorkflowID, EventID: event.ID, Err: err}
	}

	ids[event.ID] = struct{}{}

	return true, nil
}

func (l *EventLog) List(_ context.Context, workflowID string) ([]events.StatusChanged, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.readLocked(workflowID)
}

// idsLocked loads the ID index of a workflow log on first use.
func (l *EventLog) idsLocked(_ context.Context, workflowID string) (map[string]struct{}, error) {
	if ids, ok := l.seen[workflowID]; ok {
		return ids, nil
	}

	stored, err := l.readLocked(workflowID)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(stored))
	for _, e := range stored {
		ids[e.ID] = struct{}{}
	}

	l.seen[workflowID] = ids

	return ids, nil
}

func (l *EventLog) readLocked(workflowID string) ([]events.StatusChanged, error) {
	f, err := os.Open(l.path(workflowID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: err}
	}
	defer f.Close()

	var out []events.StatusChanged

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for lineNo := 1; scanner.Scan(); lineNo++ {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var event events.StatusChanged

		err := json.Unmarshal(scanner.Bytes(), &event)
		if err != nil {
			return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: fmt.Errorf("line %d: %w", lineNo, err)}
		}

		out = append(out, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, &persistence.EventError{Op: "List", WorkflowID: workflowID, Err: err}
	}

	return out, nil
}
