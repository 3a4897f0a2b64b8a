package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogDoc = `
applications:
  - id: echo
    executable: /bin/echo
    inputs:
      - {name: message, type: string, required: true}
    outputs:
      - {name: result, type: file, default: result.txt}
hosts:
  - id: localhost
    type: local
    scratch_dir: /tmp/scratch
storages:
  - id: archive
    protocol: file
    root_path: /tmp/archive
experiments:
  - id: exp-1
    gateway_id: seagrid
    owner: alice
    storage_id: archive
    workflow:
      name: echo-twice
      nodes:
        - {id: In, kind: workflow_input, value: hello}
        - {id: App1, kind: application, application_id: echo, host_id: localhost}
        - {id: App2, kind: application, application_id: echo, host_id: localhost, retry: {max_attempts: 5}}
      links:
        - {from: "In:value", to: "App1:message"}
        - {from: "App1:result", to: "App2:message"}
`

func TestCompileCommand(t *testing.T) {
	t.Parallel()

	catalogPath := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogDoc), 0o600))

	dataDir := t.TempDir()

	var out bytes.Buffer

	command := newCommand()
	command.Writer = &out

	err := command.Run(context.Background(), []string{
		"orchestrator", "compile",
		"--catalog-path", catalogPath,
		"--database-url", "file://" + dataDir,
		"--log-level", "error",
		"--max-attempts", "2",
		"--save",
		"exp-1",
	})
	require.NoError(t, err)

	var tg models.TaskGraph
	require.NoError(t, json.Unmarshal(out.Bytes(), &tg))
	assert.Equal(t, "exp-1", tg.ExperimentID)
	assert.Equal(t, []string{"App1", "App2"}, tg.TaskIDs())
	assert.Equal(t, []string{"App2"}, tg.Tasks["App1"].Children)
	assert.Equal(t, 2, tg.Tasks["App1"].MaxAttemptsPerTask)
	assert.Equal(t, 5, tg.Tasks["App2"].MaxAttemptsPerTask)

	saved, err := file.NewPersistence(dataDir).TaskGraph(context.Background(), tg.ID)
	require.NoError(t, err)
	assert.Equal(t, tg.WorkflowName, saved.WorkflowName)
}

func TestCompileCommand_RequiresExperiment(t *testing.T) {
	t.Parallel()

	command := newCommand()
	command.Writer = &bytes.Buffer{}

	err := command.Run(context.Background(), []string{"orchestrator", "compile", "--database-url", "file://" + t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "experiment id")
}
