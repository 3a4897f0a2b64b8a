package webdav_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
	"github.com/scigateway/orchestrator/pkg/transfer/webdav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xwebdav "golang.org/x/net/webdav"
)

func newServer(t *testing.T) (string, models.Endpoint, *atomic.Int32) {
	t.Helper()

	root := t.TempDir()

	var mkcols atomic.Int32

	handler := &xwebdav.Handler{
		FileSystem: xwebdav.Dir(root),
		LockSystem: xwebdav.NewMemLS(),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "MKCOL" {
			mkcols.Add(1)
		}

		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return root, models.Endpoint{Scheme: "webdav", Host: u.Hostname(), Port: port, Root: "/"}, &mkcols
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()

	root, endpoint, _ := newServer(t)
	ctx := context.Background()

	client, err := webdav.Factory(ctx, endpoint, models.Credential{})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Mkdir(ctx, "/exp-1"))
	require.NoError(t, client.Write(ctx, "/exp-1/out.txt", strings.NewReader("result")))

	data, err := os.ReadFile(filepath.Join(root, "exp-1", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "result", string(data))

	exists, err := client.Exists(ctx, "/exp-1/out.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.Exists(ctx, "/exp-1/none.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	isDir, err := client.IsDirectory(ctx, "/exp-1")
	require.NoError(t, err)
	assert.True(t, isDir)

	isDir, err = client.IsDirectory(ctx, "/exp-1/out.txt")
	require.NoError(t, err)
	assert.False(t, isDir)

	require.NoError(t, client.Copy(ctx, "/exp-1/out.txt", "/exp-1/copy.txt"))
	require.NoError(t, client.Move(ctx, "/exp-1/copy.txt", "/exp-1/moved.txt"))

	entries, err := client.List(ctx, "/exp-1")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}

	assert.ElementsMatch(t, []string{"out.txt", "moved.txt"}, names)

	reader, err := client.Read(ctx, "/exp-1/moved.txt")
	require.NoError(t, err)
	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "result", string(body))

	require.NoError(t, client.Delete(ctx, "/exp-1"))

	_, err = client.Read(ctx, "/exp-1/out.txt")
	require.Error(t, err)
	assert.True(t, transfer.IsNotExist(err))
}

func TestClient_EnsureDirIsIdempotent(t *testing.T) {
	t.Parallel()

	_, endpoint, mkcols := newServer(t)
	ctx := context.Background()

	client, err := webdav.Factory(ctx, endpoint, models.Credential{})
	require.NoError(t, err)

	require.NoError(t, transfer.EnsureDir(ctx, client, "/a/b/c"))
	assert.Equal(t, int32(3), mkcols.Load())

	require.NoError(t, transfer.EnsureDir(ctx, client, "/a/b/c"))
	assert.Equal(t, int32(3), mkcols.Load())
}
