package catalog_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scigateway/orchestrator/pkg/catalog"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const descriptors = `
applications:
  - id: echo
    executable: /bin/echo
    arguments: ["-n"]
    inputs:
      - {name: message, type: string, required: true}
    outputs:
      - {name: result, type: file, default: result.txt, required: true}
hosts:
  - id: localhost
    type: local
    scratch_dir: /tmp/scratch
    properties:
      cores: 4
storages:
  - id: archive
    protocol: file
    root_path: /tmp/archive
`

const experiments = `
experiments:
  - id: exp-1
    gateway_id: seagrid
    owner: alice
    storage_id: archive
    workflow:
      name: echo-twice
      nodes:
        - {id: In, kind: workflow_input, value: hello}
        - {id: App1, kind: application, application_id: echo, host_id: localhost, retry: {max_attempts: 2, timeout: 1h}}
        - {id: Out, kind: workflow_output}
      links:
        - {from: "In:value", to: "App1:message"}
        - {from: "App1:result", to: "Out:value"}
`

func writeCatalog(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	return dir
}

func TestFileCatalog_Load(t *testing.T) {
	t.Parallel()

	dir := writeCatalog(t, map[string]string{
		"descriptors.yaml": descriptors,
		"experiments.yml":  experiments,
		"README.md":        "ignored",
	})

	c, err := catalog.LoadFile(slog.Default(), dir, "")
	require.NoError(t, err)

	ctx := context.Background()

	exp, err := c.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, "seagrid", exp.GatewayID)
	require.Len(t, exp.Workflow.Nodes, 3)
	assert.Equal(t, time.Hour, exp.Workflow.Nodes[1].Retry.Timeout)
	assert.Equal(t, 2, exp.Workflow.Nodes[1].Retry.MaxAttempts)

	app, err := c.GetApplicationDescriptor(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo", app.Executable)
	assert.Equal(t, models.DataTypeFile, app.Outputs[0].Type)

	host, err := c.GetHostDescriptor(ctx, "localhost")
	require.NoError(t, err)
	assert.Equal(t, models.HostTypeLocal, host.Type)
	assert.Equal(t, "4", host.Properties["cores"])

	storage, err := c.GetStorageDescriptor(ctx, "archive")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/archive", storage.RootPath)

	_, err = c.GetHostDescriptor(ctx, "missing")
	require.Error(t, err)
	assert.True(t, catalog.IsNotFound(err))
	assert.Equal(t, "host 'missing' not found in catalog", err.Error())
}

func TestFileCatalog_RejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		content  string
		wantText string
	}{
		{"unknown section", "widgets: []", "widgets"},
		{"bad host type", "hosts: [{id: h, type: grid, scratch_dir: /s}]", "type"},
		{"application without executable", "applications: [{id: a}]", "executable"},
		{"malformed port", `experiments: [{id: e, gateway_id: g, storage_id: s, workflow: {name: w, nodes: [{id: A, kind: workflow_input}], links: [{from: A, to: "B:x"}]}}]`, "from"},
		{"application node without host", `experiments: [{id: e, gateway_id: g, storage_id: s, workflow: {name: w, nodes: [{id: A, kind: application, application_id: x}]}}]`, "HostID"},
		{"not yaml", "hosts: [", "yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := catalog.Parse([]byte(tt.content), tt.name, nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, catalog.ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantText)
		})
	}
}

func TestFileCatalog_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	dir := writeCatalog(t, map[string]string{
		"a.yaml": descriptors,
		"b.yaml": descriptors,
	})

	_, err := catalog.LoadFile(slog.Default(), dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate application 'echo'")
}

func TestFileCatalog_RecordTaskOutputs(t *testing.T) {
	t.Parallel()

	dir := writeCatalog(t, map[string]string{"catalog.yaml": descriptors + experiments})
	outputsPath := filepath.Join(t.TempDir(), "outputs.yaml")

	c, err := catalog.LoadFile(slog.Default(), filepath.Join(dir, "catalog.yaml"), outputsPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.RecordTaskOutputs(ctx, "exp-1", "App1", map[string]string{"result": "file:///tmp/archive/exp-1/App1/result.txt"}))

	assert.Equal(t, map[string]map[string]string{
		"App1": {"result": "file:///tmp/archive/exp-1/App1/result.txt"},
	}, c.TaskOutputs("exp-1"))

	data, err := os.ReadFile(outputsPath)
	require.NoError(t, err)

	var persisted map[string]map[string]map[string]string
	require.NoError(t, yaml.Unmarshal(data, &persisted))
	assert.Equal(t, "file:///tmp/archive/exp-1/App1/result.txt", persisted["exp-1"]["App1"]["result"])

	err = c.RecordTaskOutputs(ctx, "exp-404", "App1", nil)
	assert.True(t, catalog.IsNotFound(err))
}

func TestHTTPCatalog(t *testing.T) {
	t.Parallel()

	var recorded map[string]string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /hosts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "stampede" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.HostDescriptor{ID: "stampede", Type: models.HostTypeBatch, ScratchDir: "/scratch"})
	})
	mux.HandleFunc("GET /storages/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	mux.HandleFunc("PUT /experiments/{id}/tasks/{task}/outputs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&recorded)
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	c := catalog.NewHTTPCatalog(slog.Default(), server.URL, time.Second)
	ctx := context.Background()

	host, err := c.GetHostDescriptor(ctx, "stampede")
	require.NoError(t, err)
	assert.Equal(t, models.HostTypeBatch, host.Type)

	_, err = c.GetHostDescriptor(ctx, "ranger")
	assert.True(t, catalog.IsNotFound(err))

	_, err = c.GetStorageDescriptor(ctx, "s")
	require.Error(t, err)
	assert.NotErrorIs(t, err, catalog.ErrUnavailable)

	require.NoError(t, c.RecordTaskOutputs(ctx, "exp-1", "App1", map[string]string{"result": "s3://bucket/x"}))
	assert.Equal(t, map[string]string{"result": "s3://bucket/x"}, recorded)
}

func TestRetrying(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		switch {
		case r.URL.Path == "/applications/missing":
			w.WriteHeader(http.StatusNotFound)
		case n < 3:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"echo","executable":"/bin/echo"}`))
		}
	}))
	defer server.Close()

	c := catalog.NewRetrying(slog.Default(), catalog.NewHTTPCatalog(slog.Default(), server.URL, time.Second), 4, time.Millisecond)
	ctx := context.Background()

	app, err := c.GetApplicationDescriptor(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, "/bin/echo", app.Executable)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(10)

	_, err = c.GetApplicationDescriptor(ctx, "missing")
	assert.True(t, catalog.IsNotFound(err))
	assert.Equal(t, int32(11), calls.Load(), "permanent failures are not retried")
}

func TestRetrying_GivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := catalog.NewRetrying(slog.Default(), catalog.NewHTTPCatalog(slog.Default(), server.URL, time.Second), 2, time.Millisecond)

	_, err := c.GetExperiment(context.Background(), "exp-1")
	require.ErrorIs(t, err, catalog.ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}
