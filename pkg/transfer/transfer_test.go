package transfer_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
	"github.com/scigateway/orchestrator/pkg/transfer/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingClient records every mkdir and write issued to the wrapped client.
type countingClient struct {
	transfer.Client

	mu     sync.Mutex
	mkdirs []string
	ops    []string
}

func (c *countingClient) Mkdir(ctx context.Context, p string) error {
	c.mu.Lock()
	c.mkdirs = append(c.mkdirs, p)
	c.ops = append(c.ops, "mkdir "+p)
	c.mu.Unlock()

	return c.Client.Mkdir(ctx, p)
}

func (c *countingClient) Write(ctx context.Context, p string, r io.Reader) error {
	c.mu.Lock()
	c.ops = append(c.ops, "write "+p)
	c.mu.Unlock()

	return c.Client.Write(ctx, p, r)
}

func (c *countingClient) reset() {
	c.mu.Lock()
	c.mkdirs = nil
	c.ops = nil
	c.mu.Unlock()
}

func TestEnsureDir_IsLazyAndIdempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))

	client := &countingClient{Client: local.New(root)}
	ctx := context.Background()

	require.NoError(t, transfer.EnsureDir(ctx, client, "/a/b/c"))
	assert.Equal(t, []string{"/a/b", "/a/b/c"}, client.mkdirs)
	assert.DirExists(t, filepath.Join(root, "a", "b", "c"))

	client.reset()

	require.NoError(t, transfer.EnsureDir(ctx, client, "/a/b/c"))
	assert.Empty(t, client.mkdirs)

	require.NoError(t, transfer.EnsureDir(ctx, client, "/"))
	assert.Empty(t, client.mkdirs)
}

func TestTransfer_CreatesDestinationParent(t *testing.T) {
	t.Parallel()

	srcRoot := t.TempDir()
	dstRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "input.txt"), []byte("payload"), 0o600))

	ctx := context.Background()
	err := transfer.Transfer(ctx, local.New(srcRoot), "/input.txt", local.New(dstRoot), "/exp-1/App1/input.txt")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dstRoot, "exp-1", "App1", "input.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestTransfer_CreatesMissingDirectoriesOnce(t *testing.T) {
	t.Parallel()

	srcRoot := t.TempDir()
	dstRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "c.txt"), []byte("payload"), 0o600))

	src := local.New(srcRoot)
	dst := &countingClient{Client: local.New(dstRoot)}
	ctx := context.Background()

	require.NoError(t, transfer.Transfer(ctx, src, "/c.txt", dst, "/r1/r2/c.txt"))
	assert.Equal(t, []string{"mkdir /r1", "mkdir /r1/r2", "write /r1/r2/c.txt"}, dst.ops)

	data, err := os.ReadFile(filepath.Join(dstRoot, "r1", "r2", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	dst.reset()

	require.NoError(t, transfer.Transfer(ctx, src, "/c.txt", dst, "/r1/r2/c.txt"))
	assert.Empty(t, dst.mkdirs)
	assert.Equal(t, []string{"write /r1/r2/c.txt"}, dst.ops)
}

func TestTransfer_MissingSourceIsTransferError(t *testing.T) {
	t.Parallel()

	err := transfer.Transfer(context.Background(), local.New(t.TempDir()), "/missing", local.New(t.TempDir()), "/out")
	require.Error(t, err)
	assert.True(t, transfer.IsNotExist(err))
	assert.Equal(t, errkind.Transfer, errkind.Of(err))
	assert.True(t, errkind.Retryable(err))
}

func TestUnsupportedOperation(t *testing.T) {
	t.Parallel()

	err := transfer.Unsupported("gsiftp", "list")
	assert.True(t, transfer.IsUnsupported(err))
	assert.True(t, errors.Is(err, transfer.ErrUnsupportedOperation))
	assert.Equal(t, errkind.Unsupported, errkind.Of(err))
	assert.False(t, errkind.Retryable(err))
}

func TestParseURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw      string
		endpoint models.Endpoint
		path     string
		wantErr  bool
	}{
		{raw: "sftp://login.cluster.edu:2222/home/alice/in.dat", endpoint: models.Endpoint{Scheme: "sftp", Host: "login.cluster.edu", Port: 2222, Root: "/"}, path: "/home/alice/in.dat"},
		{raw: "s3://bucket-a/data/in.csv", endpoint: models.Endpoint{Scheme: "s3", Bucket: "bucket-a", Root: "/"}, path: "/data/in.csv"},
		{raw: "HTTPS://example.org", endpoint: models.Endpoint{Scheme: "https", Host: "example.org", Root: "/"}, path: "/"},
		{raw: "just-a-value", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()

			endpoint, p, err := transfer.ParseURI(tt.raw)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.path, p)
		})
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := transfer.NewRegistry()
	registry.Register(local.Factory, "file")

	assert.True(t, registry.Supports("FILE"))
	assert.False(t, registry.Supports("sftp"))
	assert.Equal(t, []string{"file"}, registry.Schemes())

	root := t.TempDir()
	client, err := registry.Open(context.Background(), models.Endpoint{Scheme: "file", Root: root}, models.Credential{})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Write(context.Background(), "/x.txt", strings.NewReader("x")))

	_, err = registry.Open(context.Background(), models.Endpoint{Scheme: "ftp"}, models.Credential{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'ftp' not registered")
}

func TestLocalClient_Operations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := local.New(t.TempDir())

	require.NoError(t, client.Mkdir(ctx, "/dir"))
	require.NoError(t, client.Write(ctx, "/dir/a.txt", strings.NewReader("hello")))

	isDir, err := client.IsDirectory(ctx, "/dir")
	require.NoError(t, err)
	assert.True(t, isDir)

	require.NoError(t, client.Copy(ctx, "/dir/a.txt", "/dir/b.txt"))
	require.NoError(t, client.Move(ctx, "/dir/b.txt", "/c.txt"))

	entries, err := client.List(ctx, "/dir")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, "/dir/a.txt", entries[0].Path)
	assert.Equal(t, int64(5), entries[0].Size)

	reader, err := client.Read(ctx, "/c.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "hello", string(data))

	// Paths cannot escape the root.
	exists, err := client.Exists(ctx, "/../../etc/passwd")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, client.Delete(ctx, "/dir"))
	exists, err = client.Exists(ctx, "/dir")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFormatURI(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "s3://results/gateway/exp-1/out.txt",
		transfer.FormatURI(models.Endpoint{Scheme: "s3", Bucket: "results", Root: "gateway"}, "/exp-1/out.txt"))
	assert.Equal(t, "sftp://store.edu:2222/archive/exp-1/out.txt",
		transfer.FormatURI(models.Endpoint{Scheme: "sftp", Host: "store.edu", Port: 2222, Root: "/archive"}, "exp-1/out.txt"))
	assert.Equal(t, "file:///data/exp-1",
		transfer.FormatURI(models.Endpoint{Scheme: "file", Root: "/data"}, "/exp-1"))
}
