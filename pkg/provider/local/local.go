// Package local runs tasks as child processes of the orchestrator.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/provider"
)

const HostType = models.HostTypeLocal

// Provider executes the application on the machine the orchestrator runs on. Host paths
// are resolved under the host endpoint root.
type Provider struct {
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

func Factory(logger *slog.Logger, _ map[string]string) (provider.Provider, error) {
	return New(logger), nil
}

func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger:  logger.With("module", "local_provider"),
		running: make(map[string]*exec.Cmd),
	}
}

func (p *Provider) Initialize(context.Context, *models.ExecutionContext) error {
	return nil
}

func (p *Provider) Execute(ctx context.Context, ectx *models.ExecutionContext) (*models.ExecutionResult, error) {
	root := ectx.HostEndpoint.Root
	if root == "" {
		root = "/"
	}

	inv, err := provider.BuildInvocation(ectx, func(p string) string {
		return filepath.Join(root, filepath.FromSlash(p))
	})
	if err != nil {
		return nil, err
	}

	stdout, err := os.Create(inv.Stdout)
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}
	defer stdout.Close()

	stderr, err := os.Create(inv.Stderr)
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, inv.Executable, inv.Args...)
	cmd.Dir = inv.WorkingDir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	result := &models.ExecutionResult{
		StdoutPath: inv.Stdout,
		StderrPath: inv.Stderr,
		StartedAt:  time.Now().UTC(),
	}

	err = cmd.Start()
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}

	p.track(ectx.TaskID, cmd)
	defer p.untrack(ectx.TaskID)

	p.logger.InfoContext(ctx, "Process started", "task_id", ectx.TaskID, "pid", cmd.Process.Pid, "executable", inv.Executable)

	err = cmd.Wait()
	result.FinishedAt = time.Now().UTC()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError

	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		p.logger.WarnContext(ctx, "Process exited with non-zero status", "task_id", ectx.TaskID, "exit_code", result.ExitCode)
	default:
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: fmt.Errorf("wait: %w", err)}
	}

	return result, nil
}

func (p *Provider) Dispose(context.Context, *models.ExecutionContext) error {
	return nil
}

func (p *Provider) Cancel(ctx context.Context, taskID string) error {
	p.mu.Lock()
	cmd, ok := p.running[taskID]
	p.mu.Unlock()

	if !ok {
		return nil
	}

	p.logger.InfoContext(ctx, "Killing process", "task_id", taskID, "pid", cmd.Process.Pid)

	err := cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill task %s: %w", taskID, err)
	}

	return nil
}

func (p *Provider) track(taskID string, cmd *exec.Cmd) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running[taskID] = cmd
}

func (p *Provider) untrack(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.running, taskID)
}
