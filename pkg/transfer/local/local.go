// Package local implements the transfer client for the orchestrator's own filesystem.
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

const Scheme = "file"

// Client confines every path to Root.
type Client struct {
	Root string
}

func New(root string) *Client {
	if root == "" {
		root = "/"
	}

	return &Client{Root: root}
}

func Factory(_ context.Context, endpoint models.Endpoint, _ models.Credential) (transfer.Client, error) {
	return New(endpoint.Root), nil
}

func (c *Client) resolve(p string) string {
	return filepath.Join(c.Root, filepath.FromSlash(path.Clean("/"+p)))
}

func wrap(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		err = errors.Join(transfer.ErrNotExist, err)
	}

	return transfer.Wrap(Scheme, op, p, err)
}

func (c *Client) Read(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(c.resolve(p))
	if err != nil {
		return nil, wrap("read", p, err)
	}

	return f, nil
}

func (c *Client) Write(ctx context.Context, p string, r io.Reader) error {
	f, err := os.Create(c.resolve(p))
	if err != nil {
		return wrap("write", p, err)
	}

	_, err = io.Copy(f, contextReader{ctx: ctx, r: r})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	return wrap("write", p, err)
}

func (c *Client) List(_ context.Context, p string) ([]transfer.Entry, error) {
	dirEntries, err := os.ReadDir(c.resolve(p))
	if err != nil {
		return nil, wrap("list", p, err)
	}

	entries := make([]transfer.Entry, 0, len(dirEntries))

	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			return nil, wrap("list", p, err)
		}

		entries = append(entries, transfer.Entry{
			Name:    de.Name(),
			Path:    path.Join(p, de.Name()),
			Size:    info.Size(),
			IsDir:   de.IsDir(),
			ModTime: info.ModTime(),
		})
	}

	return entries, nil
}

func (c *Client) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(c.resolve(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, wrap("stat", p, err)
	}

	return true, nil
}

func (c *Client) IsDirectory(_ context.Context, p string) (bool, error) {
	info, err := os.Stat(c.resolve(p))
	if err != nil {
		return false, wrap("stat", p, err)
	}

	return info.IsDir(), nil
}

func (c *Client) Mkdir(_ context.Context, p string) error {
	return wrap("mkdir", p, os.Mkdir(c.resolve(p), 0o755))
}

func (c *Client) Move(_ context.Context, src, dst string) error {
	return wrap("move", src, os.Rename(c.resolve(src), c.resolve(dst)))
}

func (c *Client) Copy(ctx context.Context, src, dst string) error {
	in, err := c.Read(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()

	return c.Write(ctx, dst, in)
}

func (c *Client) Delete(_ context.Context, p string) error {
	return wrap("delete", p, os.RemoveAll(c.resolve(p)))
}

func (c *Client) Close() error {
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}

	return cr.r.Read(p)
}
