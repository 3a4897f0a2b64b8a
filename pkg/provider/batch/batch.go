// Package batch runs tasks on cluster hosts by generating a job script, submitting it to
// the resource manager over SSH and polling the job until it leaves the queue.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/provider"
)

const HostType = models.HostTypeBatch

// Host and provider properties.
const (
	PropertyScheduler    = "scheduler"
	PropertyPollInterval = "poll_interval"
	PropertyAccount      = "account"
	PropertyWalltime     = "walltime"
	PropertyNodes        = "nodes"
	PropertyTasksPerNode = "tasks_per_node"
	PropertyCPUsPerTask  = "cpus_per_task"
	PropertyMemory       = "memory"

	ScriptFile = "job.sh"

	defaultPollInterval = 10 * time.Second
	maxPollFailures     = 3
	cancelTimeout       = 30 * time.Second
)

type job struct {
	id      string
	shell   Shell
	dialect *dialect
}

// Provider submits jobs through a Shell. One provider serves every host of its type; the
// host's "scheduler" property overrides the provider default.
type Provider struct {
	logger       *slog.Logger
	dial         Dialer
	scheduler    string
	pollInterval time.Duration

	mu   sync.Mutex
	jobs map[string]job
}

type Option func(*Provider)

func WithDialer(dial Dialer) Option {
	return func(p *Provider) { p.dial = dial }
}

func WithPollInterval(interval time.Duration) Option {
	return func(p *Provider) { p.pollInterval = interval }
}

func WithScheduler(name string) Option {
	return func(p *Provider) { p.scheduler = name }
}

func New(logger *slog.Logger, opts ...Option) *Provider {
	p := &Provider{
		logger:       logger.With("module", "batch_provider"),
		dial:         SSHDialer,
		scheduler:    DialectSlurm,
		pollInterval: defaultPollInterval,
		jobs:         make(map[string]job),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Factory reads "scheduler" and "poll_interval" from the static properties.
func Factory(logger *slog.Logger, props map[string]string) (provider.Provider, error) {
	opts, err := propertyOptions(props)
	if err != nil {
		return nil, err
	}

	return New(logger, opts...), nil
}

func propertyOptions(props map[string]string) ([]Option, error) {
	var opts []Option

	if name := props[PropertyScheduler]; name != "" {
		_, err := lookupDialect(name)
		if err != nil {
			return nil, err
		}

		opts = append(opts, WithScheduler(name))
	}

	if raw := props[PropertyPollInterval]; raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", PropertyPollInterval, raw, err)
		}

		opts = append(opts, WithPollInterval(interval))
	}

	return opts, nil
}

func (p *Provider) Initialize(context.Context, *models.ExecutionContext) error {
	return nil
}

func (p *Provider) Dispose(context.Context, *models.ExecutionContext) error {
	return nil
}

func (p *Provider) Execute(ctx context.Context, ectx *models.ExecutionContext) (*models.ExecutionResult, error) {
	d, err := p.dialectFor(ectx)
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}

	inv, err := provider.BuildInvocation(ectx, nil)
	if err != nil {
		return nil, err
	}

	script, err := renderScript(d, ectx, inv)
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}

	shell, err := p.dial(ctx, ectx)
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: fmt.Errorf("connect to %s: %w", ectx.HostEndpoint.Host, err)}
	}
	defer shell.Close()

	scriptPath := path.Join(ectx.WorkingDir, ScriptFile)
	exitPath := path.Join(ectx.WorkingDir, provider.ExitCodeFile)
	result := &models.ExecutionResult{
		StdoutPath: inv.Stdout,
		StderrPath: inv.Stderr,
		StartedAt:  time.Now().UTC(),
	}

	submit := fmt.Sprintf("rm -f %s && cat > %s && cd %s && %s",
		provider.Quote(exitPath), provider.Quote(scriptPath), provider.Quote(ectx.WorkingDir), d.submit(scriptPath, inv))

	out, err := shell.Run(ctx, submit, strings.NewReader(script))
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: fmt.Errorf("submit: %w", err)}
	}

	result.JobID, err = d.jobID(out)
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}

	p.track(ectx.TaskID, job{id: result.JobID, shell: shell, dialect: d})
	defer p.untrack(ectx.TaskID)

	p.logger.InfoContext(ctx, "Job submitted", "task_id", ectx.TaskID, "job_id", result.JobID, "scheduler", d.name)

	state, err := p.waitForJob(ctx, shell, d, result.JobID)
	if err != nil {
		if ctx.Err() != nil {
			_ = p.cancelJob(context.WithoutCancel(ctx), ectx.TaskID, job{id: result.JobID, shell: shell, dialect: d})

			return nil, ctx.Err()
		}

		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}

	result.FinishedAt = time.Now().UTC()

	out, err = shell.Run(ctx, "cat "+provider.Quote(exitPath)+" 2>/dev/null || true", nil)
	if err != nil {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: fmt.Errorf("read exit status: %w", err)}
	}

	code, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return nil, &provider.ExecutionError{
			TaskID: ectx.TaskID,
			Err:    fmt.Errorf("job %s ended in state %s without an exit status", result.JobID, state),
		}
	}

	result.ExitCode = code
	if code != 0 {
		p.logger.WarnContext(ctx, "Job exited with non-zero status", "task_id", ectx.TaskID, "job_id", result.JobID, "exit_code", code)
	}

	return result, nil
}

// waitForJob polls until the job is no longer active and returns its last known state.
func (p *Provider) waitForJob(ctx context.Context, shell Shell, d *dialect, jobID string) (string, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	failures := 0

	for {
		state, err := p.jobState(ctx, shell, d, jobID)

		switch {
		case err != nil:
			failures++
			p.logger.WarnContext(ctx, "Job status query failed", "job_id", jobID, "error", err, "failures", failures)

			if failures >= maxPollFailures {
				return "", fmt.Errorf("job %s status unavailable: %w", jobID, err)
			}
		case !d.active(state):
			p.logger.DebugContext(ctx, "Job left the queue", "job_id", jobID, "state", state)

			return state, nil
		default:
			failures = 0
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) jobState(ctx context.Context, shell Shell, d *dialect, jobID string) (string, error) {
	out, err := shell.Run(ctx, d.status(jobID), nil)
	if err != nil {
		return "", err
	}

	state := firstState(out)
	if state != "" || d.history == nil {
		return state, nil
	}

	out, err = shell.Run(ctx, d.history(jobID), nil)
	if err != nil {
		return "", err
	}

	return firstState(out), nil
}

// Cancel stops the job of a running task. Tasks without a submitted job are ignored.
func (p *Provider) Cancel(ctx context.Context, taskID string) error {
	p.mu.Lock()
	j, ok := p.jobs[taskID]
	p.mu.Unlock()

	if !ok {
		return nil
	}

	return p.cancelJob(ctx, taskID, j)
}

func (p *Provider) cancelJob(ctx context.Context, taskID string, j job) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	_, err := j.shell.Run(ctx, j.dialect.cancel(j.id), nil)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to cancel job", "task_id", taskID, "job_id", j.id, "error", err)

		return fmt.Errorf("failed to cancel job %s: %w", j.id, err)
	}

	p.logger.InfoContext(ctx, "Job canceled", "task_id", taskID, "job_id", j.id)

	return nil
}

func (p *Provider) dialectFor(ectx *models.ExecutionContext) (*dialect, error) {
	name := ectx.Host.Properties[PropertyScheduler]
	if name == "" {
		name = p.scheduler
	}

	return lookupDialect(name)
}

func (p *Provider) track(taskID string, j job) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.jobs[taskID] = j
}

func (p *Provider) untrack(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.jobs, taskID)
}

func renderScript(d *dialect, ectx *models.ExecutionContext, inv provider.Invocation) (string, error) {
	props := ectx.Host.Properties
	data := scriptData{
		JobName:      jobName(ectx),
		Queue:        ectx.Host.Queue,
		Account:      props[PropertyAccount],
		Walltime:     props[PropertyWalltime],
		Nodes:        props[PropertyNodes],
		TasksPerNode: props[PropertyTasksPerNode],
		CPUsPerTask:  props[PropertyCPUsPerTask],
		Memory:       props[PropertyMemory],
		WorkingDir:   inv.WorkingDir,
		Stdout:       inv.Stdout,
		Stderr:       inv.Stderr,
		Command:      inv.CommandLine(),
		ExitCodeFile: path.Join(inv.WorkingDir, provider.ExitCodeFile),
	}

	for _, kv := range inv.Env {
		key, value, _ := strings.Cut(kv, "=")
		data.Env = append(data.Env, key+"="+provider.Quote(value))
	}

	var buf bytes.Buffer

	err := d.script.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("render %s script: %w", d.name, err)
	}

	return buf.String(), nil
}

// jobName keeps names within the 15 characters PBS accepts.
func jobName(ectx *models.ExecutionContext) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}

		return '_'
	}, ectx.TaskID)

	if len(name) > 15 {
		name = name[:15]
	}

	if name == "" {
		return "task"
	}

	return name
}

var _ provider.Provider = (*Provider)(nil)
