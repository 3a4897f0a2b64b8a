// Package transfer defines the client-side file operations staging needs and a registry of
// protocol adapters that implement them.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scigateway/orchestrator/pkg/models"
)

// Entry is one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time,omitempty"`
}

// Client is a connection to one filesystem. Paths are slash separated and relative to the endpoint root.
// Clients are created per call with per-call credentials and closed by the caller.
type Client interface {
	Read(ctx context.Context, p string) (io.ReadCloser, error)
	Write(ctx context.Context, p string, r io.Reader) error
	List(ctx context.Context, p string) ([]Entry, error)
	Exists(ctx context.Context, p string) (bool, error)
	IsDirectory(ctx context.Context, p string) (bool, error)
	// Mkdir creates a single directory whose parent exists.
	Mkdir(ctx context.Context, p string) error
	Move(ctx context.Context, src, dst string) error
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, p string) error
	Close() error
}

// ParentCreator is implemented by clients whose writes create missing parent directories themselves.
type ParentCreator interface {
	CreatesParents() bool
}

// Factory opens a client for an endpoint using the given credential.
type Factory func(ctx context.Context, endpoint models.Endpoint, cred models.Credential) (Client, error)

// Registry maps URI schemes to adapter factories. It is populated at startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds every given scheme to factory.
func (r *Registry) Register(factory Factory, schemes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, scheme := range schemes {
		r.factories[strings.ToLower(scheme)] = factory
	}
}

// Supports reports whether an adapter is registered for scheme.
func (r *Registry) Supports(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[strings.ToLower(scheme)]

	return ok
}

// Schemes lists the registered schemes in order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.factories))
	for scheme := range r.factories {
		schemes = append(schemes, scheme)
	}

	sort.Strings(schemes)

	return schemes
}

// Open creates a client for endpoint.
func (r *Registry) Open(ctx context.Context, endpoint models.Endpoint, cred models.Credential) (Client, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(endpoint.Scheme)]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("transfer protocol '%s' not registered", endpoint.Scheme)
	}

	client, err := factory(ctx, endpoint, cred)
	if err != nil {
		return nil, &TransferError{Protocol: endpoint.Scheme, Op: "connect", Path: endpoint.Host, Err: err}
	}

	return client, nil
}

// ParseURI splits a resource URI into the endpoint it lives on and the path within it.
// For s3 the host is the bucket.
func ParseURI(raw string) (models.Endpoint, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.Endpoint{}, "", fmt.Errorf("invalid uri %q: %w", raw, err)
	}

	if u.Scheme == "" {
		return models.Endpoint{}, "", fmt.Errorf("invalid uri %q: missing scheme", raw)
	}

	endpoint := models.Endpoint{
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Hostname(),
		Root:   "/",
	}

	if port := u.Port(); port != "" {
		endpoint.Port, err = strconv.Atoi(port)
		if err != nil {
			return models.Endpoint{}, "", fmt.Errorf("invalid uri %q: bad port", raw)
		}
	}

	if endpoint.Scheme == "s3" {
		endpoint.Bucket = endpoint.Host
		endpoint.Host = ""
	}

	p := u.Path
	if p == "" {
		p = "/"
	}

	return endpoint, p, nil
}

// EnsureDir creates dir and any missing ancestors one segment at a time.
// Directories that already exist are never recreated.
func EnsureDir(ctx context.Context, c Client, dir string) error {
	dir = path.Clean("/" + dir)
	if dir == "/" {
		return nil
	}

	exists, err := c.Exists(ctx, dir)
	if err != nil {
		return err
	}

	if exists {
		return nil
	}

	current := ""

	for _, segment := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		current += "/" + segment

		exists, err = c.Exists(ctx, current)
		if err != nil {
			return err
		}

		if exists {
			continue
		}

		err = c.Mkdir(ctx, current)
		if err != nil {
			return err
		}
	}

	return nil
}

// Transfer streams a file from one client to another, creating the destination's parent first.
func Transfer(ctx context.Context, src Client, srcPath string, dst Client, dstPath string) error {
	if pc, ok := dst.(ParentCreator); !ok || !pc.CreatesParents() {
		err := EnsureDir(ctx, dst, path.Dir(dstPath))
		if err != nil {
			return err
		}
	}

	reader, err := src.Read(ctx, srcPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	return dst.Write(ctx, dstPath, reader)
}

// FormatURI renders the URI of p on endpoint, the inverse of ParseURI.
func FormatURI(endpoint models.Endpoint, p string) string {
	host := endpoint.Host
	if endpoint.Scheme == "s3" {
		host = endpoint.Bucket
	} else if endpoint.Port != 0 {
		host += ":" + strconv.Itoa(endpoint.Port)
	}

	u := url.URL{
		Scheme: endpoint.Scheme,
		Host:   host,
		Path:   path.Join("/", endpoint.Root, path.Clean("/"+p)),
	}

	return u.String()
}
