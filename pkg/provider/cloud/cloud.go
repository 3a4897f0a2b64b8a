// Package cloud runs tasks on transient instances: the instance is provisioned when the
// task initializes, used as a fork-mode batch host and terminated by the teardown handler.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/provider"
	"github.com/scigateway/orchestrator/pkg/provider/batch"
)

const HostType = models.HostTypeCloud

// Provider and host properties describing the instance.
const (
	PropertyImageID         = "image_id"
	PropertyInstanceType    = "instance_type"
	PropertyKeyName         = "key_name"
	PropertySubnetID        = "subnet_id"
	PropertySecurityGroups  = "security_groups"
	PropertySSHReadyTimeout = "ssh_ready_timeout"

	defaultSSHReadyTimeout = 5 * time.Minute
)

type Instance struct {
	ID      string
	Address string
}

type InstanceSpec struct {
	ImageID          string
	InstanceType     string
	KeyName          string
	SubnetID         string
	SecurityGroupIDs []string
	Tags             map[string]string
}

// InstanceManager creates and destroys compute instances.
type InstanceManager interface {
	Launch(ctx context.Context, spec InstanceSpec) (Instance, error)
	Terminate(ctx context.Context, instanceID string) error
}

// Releaser terminates the instance recorded on an execution context.
type Releaser struct {
	manager InstanceManager
}

func NewReleaser(manager InstanceManager) *Releaser {
	return &Releaser{manager: manager}
}

func (r *Releaser) Release(ctx context.Context, ectx *models.ExecutionContext) error {
	if ectx.InstanceID == "" {
		return nil
	}

	return r.manager.Terminate(ctx, ectx.InstanceID)
}

type Provider struct {
	logger       *slog.Logger
	manager      InstanceManager
	defaults     map[string]string
	dial         batch.Dialer
	readyTimeout time.Duration
	runner       *batch.Provider
}

type Option func(*Provider)

func WithDialer(dial batch.Dialer) Option {
	return func(p *Provider) { p.dial = dial }
}

func WithReadyTimeout(timeout time.Duration) Option {
	return func(p *Provider) { p.readyTimeout = timeout }
}

// NewFactory binds the instance manager shared with the teardown Releaser.
func NewFactory(manager InstanceManager, opts ...Option) provider.Factory {
	return func(logger *slog.Logger, props map[string]string) (provider.Provider, error) {
		return New(logger, manager, props, opts...)
	}
}

func New(logger *slog.Logger, manager InstanceManager, props map[string]string, opts ...Option) (*Provider, error) {
	p := &Provider{
		logger:       logger.With("module", "cloud_provider"),
		manager:      manager,
		defaults:     maps.Clone(props),
		dial:         batch.SSHDialer,
		readyTimeout: defaultSSHReadyTimeout,
	}

	if raw := props[PropertySSHReadyTimeout]; raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", PropertySSHReadyTimeout, raw, err)
		}

		p.readyTimeout = timeout
	}

	for _, opt := range opts {
		opt(p)
	}

	scheduler := props[batch.PropertyScheduler]
	if scheduler == "" {
		scheduler = batch.DialectFork
	}

	runnerOpts := []batch.Option{batch.WithDialer(p.dial), batch.WithScheduler(scheduler)}

	if raw := props[batch.PropertyPollInterval]; raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", batch.PropertyPollInterval, raw, err)
		}

		runnerOpts = append(runnerOpts, batch.WithPollInterval(interval))
	}

	p.runner = batch.New(logger, runnerOpts...)

	return p, nil
}

// Initialize provisions an instance unless the context already carries one, points the
// host endpoint at it and waits until it accepts SSH logins.
func (p *Provider) Initialize(ctx context.Context, ectx *models.ExecutionContext) error {
	if ectx.InstanceID != "" {
		return nil
	}

	spec, err := p.spec(ectx)
	if err != nil {
		return &provider.ExecutionError{TaskID: ectx.TaskID, Err: err}
	}

	instance, err := p.manager.Launch(ctx, spec)
	if err != nil {
		return errkind.Wrap(errkind.Execution, "launch instance", err)
	}

	ectx.InstanceID = instance.ID
	ectx.HostEndpoint.Host = instance.Address

	p.logger.InfoContext(ctx, "Instance launched", "task_id", ectx.TaskID, "instance_id", instance.ID, "address", instance.Address)

	err = p.waitForSSH(ctx, ectx)
	if err != nil {
		return errkind.Wrap(errkind.Execution, "wait for instance", err)
	}

	return nil
}

func (p *Provider) waitForSSH(ctx context.Context, ectx *models.ExecutionContext) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = p.readyTimeout

	probe := func() error {
		shell, err := p.dial(ctx, ectx)
		if err != nil {
			return err
		}

		return shell.Close()
	}

	notify := func(err error, next time.Duration) {
		p.logger.DebugContext(ctx, "Instance not reachable yet", "instance_id", ectx.InstanceID, "error", err, "retry_in", next)
	}

	return backoff.RetryNotify(probe, backoff.WithContext(policy, ctx), notify)
}

func (p *Provider) Execute(ctx context.Context, ectx *models.ExecutionContext) (*models.ExecutionResult, error) {
	if ectx.InstanceID == "" {
		return nil, &provider.ExecutionError{TaskID: ectx.TaskID, Err: errors.New("no instance provisioned")}
	}

	return p.runner.Execute(ctx, ectx)
}

// Dispose leaves the instance to the teardown handler so outputs can still be collected.
func (p *Provider) Dispose(context.Context, *models.ExecutionContext) error {
	return nil
}

func (p *Provider) Cancel(ctx context.Context, taskID string) error {
	return p.runner.Cancel(ctx, taskID)
}

func (p *Provider) Release(ctx context.Context, ectx *models.ExecutionContext) error {
	return NewReleaser(p.manager).Release(ctx, ectx)
}

func (p *Provider) spec(ectx *models.ExecutionContext) (InstanceSpec, error) {
	props := maps.Clone(p.defaults)
	if props == nil {
		props = make(map[string]string)
	}

	maps.Copy(props, ectx.Host.Properties)

	spec := InstanceSpec{
		ImageID:      props[PropertyImageID],
		InstanceType: props[PropertyInstanceType],
		KeyName:      props[PropertyKeyName],
		SubnetID:     props[PropertySubnetID],
		Tags: map[string]string{
			"Name":                  "scigateway-" + ectx.TaskID,
			"scigateway:experiment": ectx.ExperimentID,
			"scigateway:workflow":   ectx.WorkflowID,
			"scigateway:task":       ectx.TaskID,
		},
	}

	if groups := props[PropertySecurityGroups]; groups != "" {
		for _, group := range strings.Split(groups, ",") {
			if group = strings.TrimSpace(group); group != "" {
				spec.SecurityGroupIDs = append(spec.SecurityGroupIDs, group)
			}
		}
	}

	if spec.ImageID == "" || spec.InstanceType == "" {
		return InstanceSpec{}, fmt.Errorf("host %s needs %s and %s", ectx.Host.ID, PropertyImageID, PropertyInstanceType)
	}

	return spec, nil
}
