// Package sftp implements the transfer client over SSH, serving the sftp and scp schemes.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	Scheme      = "sftp"
	DefaultPort = 22

	// PropertyKnownHosts names a known_hosts file used to verify the server key.
	PropertyKnownHosts = "known_hosts"
	// PropertyDialTimeout overrides the connection timeout (Go duration syntax).
	PropertyDialTimeout = "dial_timeout"
	// ExtraAuth selects "password" authentication; the default is a private key in Secret.
	ExtraAuth = "auth"

	defaultDialTimeout = 30 * time.Second
)

// ClientConfig builds the SSH configuration for a credential. AccessKey is the login name and
// Secret either a PEM private key or, with Extra["auth"] = "password", a password.
func ClientConfig(cred models.Credential, props map[string]string) (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{
		User:            cred.AccessKey,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         defaultDialTimeout,
	}

	if file := props[PropertyKnownHosts]; file != "" {
		callback, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}

		config.HostKeyCallback = callback
	}

	if raw := props[PropertyDialTimeout]; raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", PropertyDialTimeout, raw, err)
		}

		config.Timeout = timeout
	}

	if cred.Extra[ExtraAuth] == "password" {
		config.Auth = []ssh.AuthMethod{ssh.Password(cred.Secret)}

		return config, nil
	}

	signer, err := ssh.ParsePrivateKey([]byte(cred.Secret))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	config.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}

	return config, nil
}

// Dial opens an SSH connection honouring ctx during the TCP handshake.
func Dial(ctx context.Context, host string, port int, cred models.Credential, props map[string]string) (*ssh.Client, error) {
	config, err := ClientConfig(cred, props)
	if err != nil {
		return nil, err
	}

	if port == 0 {
		port = DefaultPort
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: config.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Client is an SFTP session rooted at the endpoint root.
type Client struct {
	root   string
	ssh    *ssh.Client
	client *sftp.Client
}

func Factory(ctx context.Context, endpoint models.Endpoint, cred models.Credential) (transfer.Client, error) {
	sshClient, err := Dial(ctx, endpoint.Host, endpoint.Port, cred, endpoint.Properties)
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()

		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}

	root := endpoint.Root
	if root == "" {
		root = "/"
	}

	return &Client{root: root, ssh: sshClient, client: client}, nil
}

func (c *Client) resolve(p string) string {
	return path.Join(c.root, path.Clean("/"+p))
}

func wrap(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = errors.Join(transfer.ErrNotExist, err)
	}

	return transfer.Wrap(Scheme, op, p, err)
}

func (c *Client) Read(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := c.client.Open(c.resolve(p))
	if err != nil {
		return nil, wrap("read", p, err)
	}

	return f, nil
}

func (c *Client) Write(_ context.Context, p string, r io.Reader) error {
	f, err := c.client.OpenFile(c.resolve(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return wrap("write", p, err)
	}

	_, err = f.ReadFrom(r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	return wrap("write", p, err)
}

func (c *Client) List(_ context.Context, p string) ([]transfer.Entry, error) {
	infos, err := c.client.ReadDir(c.resolve(p))
	if err != nil {
		return nil, wrap("list", p, err)
	}

	entries := make([]transfer.Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, transfer.Entry{
			Name:    info.Name(),
			Path:    path.Join(p, info.Name()),
			Size:    info.Size(),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		})
	}

	return entries, nil
}

func (c *Client) Exists(_ context.Context, p string) (bool, error) {
	_, err := c.client.Stat(c.resolve(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, wrap("stat", p, err)
	}

	return true, nil
}

func (c *Client) IsDirectory(_ context.Context, p string) (bool, error) {
	info, err := c.client.Stat(c.resolve(p))
	if err != nil {
		return false, wrap("stat", p, err)
	}

	return info.IsDir(), nil
}

func (c *Client) Mkdir(_ context.Context, p string) error {
	return wrap("mkdir", p, c.client.Mkdir(c.resolve(p)))
}

func (c *Client) Move(_ context.Context, src, dst string) error {
	return wrap("move", src, c.client.PosixRename(c.resolve(src), c.resolve(dst)))
}

// Copy streams through the client since SFTP has no server side copy.
func (c *Client) Copy(ctx context.Context, src, dst string) error {
	in, err := c.Read(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()

	return c.Write(ctx, dst, in)
}

func (c *Client) Delete(ctx context.Context, p string) error {
	return wrap("delete", p, c.remove(ctx, c.resolve(p)))
}

func (c *Client) remove(ctx context.Context, full string) error {
	info, err := c.client.Stat(full)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return c.client.Remove(full)
	}

	children, err := c.client.ReadDir(full)
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		err = c.remove(ctx, path.Join(full, child.Name()))
		if err != nil {
			return err
		}
	}

	return c.client.RemoveDirectory(full)
}

func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.ssh.Close())
}
