// Package provider defines how a task is run on a compute host and builds the command line
// shared by every provider.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"

	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
)

const (
	StdoutFile   = "stdout.txt"
	StderrFile   = "stderr.txt"
	ExitCodeFile = ".exitcode"
)

// Provider runs one task attempt on a compute host.
type Provider interface {
	// Initialize prepares the host, for example by provisioning an instance.
	Initialize(ctx context.Context, ectx *models.ExecutionContext) error
	Execute(ctx context.Context, ectx *models.ExecutionContext) (*models.ExecutionResult, error)
	Dispose(ctx context.Context, ectx *models.ExecutionContext) error
	// Cancel forcibly stops the task. It is a no-op when the task is not running.
	Cancel(ctx context.Context, taskID string) error
}

// Factory creates a provider from its static properties.
type Factory func(logger *slog.Logger, props map[string]string) (Provider, error)

// ExecutionError reports a launch failure or a provider fault.
type ExecutionError struct {
	TaskID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s execution failed: %v", e.TaskID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) ErrorKind() errkind.Kind {
	return errkind.Execution
}

// Invocation is the fully resolved command of one task.
type Invocation struct {
	Executable string
	Args       []string
	// Env holds KEY=VALUE pairs in key order.
	Env        []string
	WorkingDir string
	Stdout     string
	Stderr     string
}

// CommandLine renders the invocation as a single shell command.
func (i Invocation) CommandLine() string {
	line := Quote(i.Executable)
	for _, arg := range i.Args {
		line += " " + Quote(arg)
	}

	return line
}

// BuildInvocation assembles executable, arguments and environment from the descriptors.
// Arguments are the application's fixed arguments, then each input and each output that
// has a value, as "flag value" or as a positional value when no flag is declared.
// mapPath translates host paths for providers that see the host filesystem under a
// different root; nil leaves them unchanged.
func BuildInvocation(ectx *models.ExecutionContext, mapPath func(string) string) (Invocation, error) {
	if ectx.Application.Executable == "" {
		return Invocation{}, &ExecutionError{TaskID: ectx.TaskID, Err: fmt.Errorf("application %s has no executable", ectx.Application.ID)}
	}

	if mapPath == nil {
		mapPath = func(p string) string { return p }
	}

	inv := Invocation{
		Executable: ectx.Application.Executable,
		Args:       slices.Clone(ectx.Application.Arguments),
		WorkingDir: mapPath(ectx.WorkingDir),
		Stdout:     mapPath(path.Join(ectx.WorkingDir, StdoutFile)),
		Stderr:     mapPath(path.Join(ectx.WorkingDir, StderrFile)),
	}

	for _, input := range ectx.Inputs {
		if input.Value == "" {
			if input.Required {
				return Invocation{}, &ExecutionError{TaskID: ectx.TaskID, Err: fmt.Errorf("required input %s has no value", input.Name)}
			}

			continue
		}

		value := input.Value
		if input.Type != models.DataTypeString && path.IsAbs(value) {
			value = mapPath(value)
		}

		inv.Args = appendArg(inv.Args, input.Flag, value)
	}

	for _, output := range ectx.Outputs {
		if output.Flag == "" || output.Value == "" {
			continue
		}

		inv.Args = appendArg(inv.Args, output.Flag, mapPath(output.Value))
	}

	env := maps.Clone(ectx.Host.Environment)
	if env == nil {
		env = make(map[string]string)
	}

	maps.Copy(env, ectx.Application.Environment)

	for _, key := range slices.Sorted(maps.Keys(env)) {
		inv.Env = append(inv.Env, key+"="+env[key])
	}

	return inv, nil
}

func appendArg(args []string, flag, value string) []string {
	if flag != "" {
		args = append(args, flag)
	}

	return append(args, value)
}
