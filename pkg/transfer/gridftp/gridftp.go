// Package gridftp implements the transfer client for gsiftp endpoints by driving globus-url-copy.
// Only whole file reads, writes and third party copies are available.
package gridftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

const (
	Scheme      = "gsiftp"
	DefaultPort = 2811

	// PropertyBinary overrides the globus-url-copy executable.
	PropertyBinary = "globus_url_copy"
	defaultBinary  = "globus-url-copy"
)

// CommandRunner executes the copy tool and returns its combined output.
type CommandRunner func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	return cmd.CombinedOutput()
}

type Client struct {
	base    string
	root    string
	binary  string
	env     []string
	tmpDir  string
	runCopy CommandRunner
}

// Factory writes the proxy certificate carried in the credential secret to a private
// temporary file referenced through X509_USER_PROXY.
func Factory(_ context.Context, endpoint models.Endpoint, cred models.Credential) (transfer.Client, error) {
	return New(endpoint, cred, execRunner)
}

func New(endpoint models.Endpoint, cred models.Credential, runner CommandRunner) (*Client, error) {
	tmpDir, err := os.MkdirTemp("", "gridftp-")
	if err != nil {
		return nil, err
	}

	port := endpoint.Port
	if port == 0 {
		port = DefaultPort
	}

	binary := endpoint.Properties[PropertyBinary]
	if binary == "" {
		binary = defaultBinary
	}

	c := &Client{
		base:    fmt.Sprintf("%s://%s:%s", Scheme, endpoint.Host, strconv.Itoa(port)),
		root:    endpoint.Root,
		binary:  binary,
		tmpDir:  tmpDir,
		runCopy: runner,
	}

	if cred.Secret != "" {
		proxy := filepath.Join(tmpDir, "x509up")

		err = os.WriteFile(proxy, []byte(cred.Secret), 0o600)
		if err != nil {
			_ = os.RemoveAll(tmpDir)

			return nil, fmt.Errorf("failed to write proxy certificate: %w", err)
		}

		c.env = append(c.env, "X509_USER_PROXY="+proxy)
	}

	return c, nil
}

func (c *Client) url(p string) string {
	return c.base + path.Join("/", c.root, path.Clean("/"+p))
}

func (c *Client) copy(ctx context.Context, op, p string, args ...string) error {
	out, err := c.runCopy(ctx, c.env, c.binary, args...)
	if err != nil {
		return transfer.Wrap(Scheme, op, p, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out))))
	}

	return nil
}

// CreatesParents is true: writes pass -cd so the server creates missing directories.
func (c *Client) CreatesParents() bool {
	return true
}

// Read downloads the file to a temporary location and returns a reader that removes it on close.
func (c *Client) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := os.CreateTemp(c.tmpDir, "download-")
	if err != nil {
		return nil, transfer.Wrap(Scheme, "read", p, err)
	}

	local := f.Name()
	_ = f.Close()

	err = c.copy(ctx, "read", p, c.url(p), "file://"+local)
	if err != nil {
		_ = os.Remove(local)

		return nil, err
	}

	f, err = os.Open(local)
	if err != nil {
		return nil, transfer.Wrap(Scheme, "read", p, err)
	}

	return &tempFile{File: f}, nil
}

func (c *Client) Write(ctx context.Context, p string, r io.Reader) error {
	f, err := os.CreateTemp(c.tmpDir, "upload-")
	if err != nil {
		return transfer.Wrap(Scheme, "write", p, err)
	}

	local := f.Name()
	defer os.Remove(local)

	_, err = io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		return transfer.Wrap(Scheme, "write", p, err)
	}

	return c.copy(ctx, "write", p, "-cd", "file://"+local, c.url(p))
}

// Copy performs a server side third party transfer.
func (c *Client) Copy(ctx context.Context, src, dst string) error {
	return c.copy(ctx, "copy", src, "-cd", c.url(src), c.url(dst))
}

func (c *Client) List(context.Context, string) ([]transfer.Entry, error) {
	return nil, transfer.Unsupported(Scheme, "list")
}

func (c *Client) Exists(context.Context, string) (bool, error) {
	return false, transfer.Unsupported(Scheme, "exists")
}

func (c *Client) IsDirectory(context.Context, string) (bool, error) {
	return false, transfer.Unsupported(Scheme, "isDirectory")
}

func (c *Client) Mkdir(context.Context, string) error {
	return transfer.Unsupported(Scheme, "mkdir")
}

func (c *Client) Move(context.Context, string, string) error {
	return transfer.Unsupported(Scheme, "move")
}

func (c *Client) Delete(context.Context, string) error {
	return transfer.Unsupported(Scheme, "delete")
}

func (c *Client) Close() error {
	return os.RemoveAll(c.tmpDir)
}

type tempFile struct {
	*os.File
}

func (t *tempFile) Close() error {
	err := t.File.Close()
	_ = os.Remove(t.Name())

	return err
}
