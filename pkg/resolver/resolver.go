// Package resolver picks the provider that executes a task.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/provider"
)

var ErrProviderNotFound = errors.New("provider not found")

// ProviderNotFoundError is a hard stop for the task: neither the application's handler nor
// the host type maps to a registered provider.
type ProviderNotFoundError struct {
	ApplicationID string
	Handler       string
	HostID        string
	HostType      models.HostType
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("no provider for application %s on host %s (handler %q, host type %q)",
		e.ApplicationID, e.HostID, e.Handler, e.HostType)
}

func (e *ProviderNotFoundError) Is(target error) bool {
	return target == ErrProviderNotFound
}

func (e *ProviderNotFoundError) ErrorKind() errkind.Kind {
	return errkind.ProviderNotFound
}

// registration builds its provider on first use and caches the outcome, failures included.
type registration struct {
	name    string
	factory provider.Factory
	props   map[string]string

	once     sync.Once
	provider provider.Provider
	err      error
}

func (r *registration) get(logger *slog.Logger) (provider.Provider, error) {
	r.once.Do(func() {
		r.provider, r.err = r.factory(logger, r.props)
		if r.err != nil {
			r.err = errkind.Wrap(errkind.ProviderNotFound, "initialize provider "+r.name, r.err)
		}
	})

	return r.provider, r.err
}

// Resolver maps application handlers and host types to providers. Registration happens at
// startup; afterwards the maps are only read.
type Resolver struct {
	logger    *slog.Logger
	handlers  map[string]*registration
	hostTypes map[models.HostType]*registration
}

func New(logger *slog.Logger) *Resolver {
	return &Resolver{
		logger:    logger.With("module", "resolver"),
		handlers:  make(map[string]*registration),
		hostTypes: make(map[models.HostType]*registration),
	}
}

// RegisterHandler binds an application handler name, which takes precedence over the host type.
func (r *Resolver) RegisterHandler(name string, factory provider.Factory, props map[string]string) {
	r.handlers[name] = &registration{name: name, factory: factory, props: maps.Clone(props)}
}

func (r *Resolver) RegisterHostType(hostType models.HostType, factory provider.Factory, props map[string]string) {
	r.hostTypes[hostType] = &registration{name: string(hostType), factory: factory, props: maps.Clone(props)}
}

func (r *Resolver) Resolve(ctx context.Context, app models.ApplicationDescriptor, host models.HostDescriptor) (provider.Provider, error) {
	if app.Handler != "" {
		if reg, ok := r.handlers[app.Handler]; ok {
			r.logger.DebugContext(ctx, "Resolved provider by handler", "application_id", app.ID, "handler", app.Handler)

			return reg.get(r.logger)
		}
	}

	if reg, ok := r.hostTypes[host.Type]; ok {
		r.logger.DebugContext(ctx, "Resolved provider by host type", "application_id", app.ID, "host_type", host.Type)

		return reg.get(r.logger)
	}

	r.logger.WarnContext(ctx, "No provider registered", "application_id", app.ID, "handler", app.Handler, "host_id", host.ID, "host_type", host.Type)

	return nil, &ProviderNotFoundError{
		ApplicationID: app.ID,
		Handler:       app.Handler,
		HostID:        host.ID,
		HostType:      host.Type,
	}
}
