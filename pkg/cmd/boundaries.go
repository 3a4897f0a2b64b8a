package cmd

import (
	"log/slog"
	"time"

	"github.com/scigateway/orchestrator/pkg/authz"
	"github.com/scigateway/orchestrator/pkg/catalog"
	"github.com/scigateway/orchestrator/pkg/credential"
)

// BoundaryConfig locates the external registry, credential store and policy decision point.
type BoundaryConfig struct {
	CatalogPath        string
	CatalogOutputsPath string
	CatalogURL         string
	CredentialsURL     string
	AuthzURL           string
	Timeout            time.Duration
	MaxRetries         uint64
}

// NewCatalog prefers a remote registry, wrapped in retries, over catalog files.
func NewCatalog(logger *slog.Logger, cfg BoundaryConfig) (catalog.Catalog, error) {
	if cfg.CatalogURL != "" {
		remote := catalog.NewHTTPCatalog(logger, cfg.CatalogURL, cfg.Timeout)

		return catalog.NewRetrying(logger, remote, cfg.MaxRetries, catalog.DefaultInitialInterval), nil
	}

	return catalog.LoadFile(logger, cfg.CatalogPath, cfg.CatalogOutputsPath)
}

// NewCredentials falls back to an empty in-memory store, under which every lookup
// misses and tasks run with the host's ambient identity.
func NewCredentials(logger *slog.Logger, cfg BoundaryConfig) credential.Context {
	if cfg.CredentialsURL != "" {
		return credential.NewHTTPStore(logger, cfg.CredentialsURL, cfg.Timeout)
	}

	return credential.NewStatic()
}

func NewAuthorizer(logger *slog.Logger, cfg BoundaryConfig) authz.Authorizer {
	if cfg.AuthzURL != "" {
		return authz.NewHTTPAuthorizer(logger, cfg.AuthzURL, cfg.Timeout)
	}

	logger.Warn("No authorization endpoint configured, every request is permitted")

	return authz.AllowAll{}
}
