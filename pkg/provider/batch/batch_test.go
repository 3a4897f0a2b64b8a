package batch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/provider/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeShell answers commands by prefix and records everything it ran.
type fakeShell struct {
	mu       sync.Mutex
	commands []string
	script   string
	replies  map[string][]string
	errs     map[string]error
}

func newFakeShell() *fakeShell {
	return &fakeShell{replies: map[string][]string{}, errs: map[string]error{}}
}

// reply queues outputs for commands starting with prefix; the last one repeats.
func (s *fakeShell) reply(prefix string, outputs ...string) {
	s.replies[prefix] = outputs
}

func (s *fakeShell) Run(ctx context.Context, command string, stdin io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, command)

	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		s.script = string(data)
	}

	for prefix, err := range s.errs {
		if strings.HasPrefix(command, prefix) {
			return "", err
		}
	}

	for prefix, outputs := range s.replies {
		if !strings.Contains(command, prefix) {
			continue
		}

		out := outputs[0]
		if len(outputs) > 1 {
			s.replies[prefix] = outputs[1:]
		}

		return out, nil
	}

	return "", nil
}

func (s *fakeShell) Close() error { return nil }

func (s *fakeShell) ran(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, command := range s.commands {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}

	return false
}

func newProvider(shell *fakeShell, opts ...batch.Option) *batch.Provider {
	dialer := func(context.Context, *models.ExecutionContext) (batch.Shell, error) {
		return shell, nil
	}

	opts = append([]batch.Option{batch.WithDialer(dialer), batch.WithPollInterval(time.Millisecond)}, opts...)

	return batch.New(slog.New(slog.NewTextHandler(os.Stdout, nil)), opts...)
}

func newContext() *models.ExecutionContext {
	return &models.ExecutionContext{
		TaskID:       "App1",
		HostEndpoint: models.Endpoint{Scheme: "sftp", Host: "login.cluster"},
		WorkingDir:   "/scratch/exp/App1",
		Host: models.HostDescriptor{
			ID:    "cluster",
			Type:  models.HostTypeBatch,
			Queue: "normal",
			Properties: map[string]string{
				batch.PropertyAccount:  "TG-123",
				batch.PropertyWalltime: "01:00:00",
				batch.PropertyNodes:    "2",
			},
			Environment: map[string]string{"OMP_NUM_THREADS": "4"},
		},
		Application: models.ApplicationDescriptor{
			ID:         "gromacs",
			Executable: "/opt/gromacs/bin/gmx",
			Arguments:  []string{"mdrun"},
		},
		Inputs: []*models.Parameter{
			{Name: "tpr", Type: models.DataTypeFile, Flag: "-s", Value: "/scratch/exp/App1/inputs/topol.tpr"},
		},
	}
}

func TestProvider_SlurmLifecycle(t *testing.T) {
	t.Parallel()

	shell := newFakeShell()
	shell.reply("sbatch", "Submitted batch job 4242\n")
	shell.reply("squeue", "PENDING\n", "RUNNING\n", "")
	shell.reply("sacct", "COMPLETED\n")
	shell.reply("cat /scratch/exp/App1/.exitcode", "0\n")

	result, err := newProvider(shell).Execute(context.Background(), newContext())
	require.NoError(t, err)

	assert.Equal(t, "4242", result.JobID)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "/scratch/exp/App1/stdout.txt", result.StdoutPath)

	for _, directive := range []string{
		"#SBATCH --job-name=App1",
		"#SBATCH --output=/scratch/exp/App1/stdout.txt",
		"#SBATCH --error=/scratch/exp/App1/stderr.txt",
		"#SBATCH --partition=normal",
		"#SBATCH --account=TG-123",
		"#SBATCH --time=01:00:00",
		"#SBATCH --nodes=2",
		"cd /scratch/exp/App1 || exit 1",
		"export OMP_NUM_THREADS=4",
		"/opt/gromacs/bin/gmx mdrun -s /scratch/exp/App1/inputs/topol.tpr",
		"echo $? > /scratch/exp/App1/.exitcode",
	} {
		assert.Contains(t, shell.script, directive)
	}

	assert.NotContains(t, shell.script, "--mem")
	assert.True(t, shell.ran("rm -f /scratch/exp/App1/.exitcode && cat > /scratch/exp/App1/job.sh"))
}

func TestProvider_PBSScript(t *testing.T) {
	t.Parallel()

	shell := newFakeShell()
	shell.reply("qsub", "77.pbs-server\n")
	shell.reply("qstat", "R\n", "F\n")
	shell.reply("cat /scratch/exp/App1/.exitcode", "2\n")

	ectx := newContext()
	ectx.Host.Properties[batch.PropertyScheduler] = batch.DialectPBS
	ectx.Host.Properties[batch.PropertyTasksPerNode] = "16"

	result, err := newProvider(shell).Execute(context.Background(), ectx)
	require.NoError(t, err)

	assert.Equal(t, "77.pbs-server", result.JobID)
	assert.Equal(t, 2, result.ExitCode, "non-zero exit is reported, not failed")
	assert.Contains(t, shell.script, "#PBS -q normal")
	assert.Contains(t, shell.script, "#PBS -l nodes=2:ppn=16")
	assert.Contains(t, shell.script, "#PBS -l walltime=01:00:00")
}

func TestProvider_ForkRunsInBackground(t *testing.T) {
	t.Parallel()

	shell := newFakeShell()
	shell.reply("nohup", "9001\n")
	shell.reply("kill -0", "RUNNING\n", "")
	shell.reply("cat /scratch/exp/App1/.exitcode", "0")

	result, err := newProvider(shell, batch.WithScheduler(batch.DialectFork)).Execute(context.Background(), newContext())
	require.NoError(t, err)

	assert.Equal(t, "9001", result.JobID)
	assert.NotContains(t, shell.script, "#SBATCH")
}

func TestProvider_JobWithoutExitStatusFails(t *testing.T) {
	t.Parallel()

	shell := newFakeShell()
	shell.reply("sbatch", "Submitted batch job 5\n")
	shell.reply("squeue", "")
	shell.reply("sacct", "CANCELLED by 0\n")

	_, err := newProvider(shell).Execute(context.Background(), newContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CANCELLED")
	assert.Equal(t, errkind.Execution, errkind.Of(err))
	assert.True(t, errkind.Retryable(err))
}

func TestProvider_StatusFailuresGiveUp(t *testing.T) {
	t.Parallel()

	shell := newFakeShell()
	shell.reply("sbatch", "Submitted batch job 5\n")
	shell.errs["squeue"] = errors.New("connection reset")

	_, err := newProvider(shell).Execute(context.Background(), newContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status unavailable")
}

func TestProvider_Cancel(t *testing.T) {
	t.Parallel()

	shell := newFakeShell()
	shell.reply("sbatch", "Submitted batch job 31\n")
	shell.reply("squeue", "RUNNING\n")

	p := newProvider(shell)
	ctx := context.Background()

	require.NoError(t, p.Cancel(ctx, "App1"), "cancel before submission is a no-op")

	done := make(chan error, 1)

	go func() {
		_, err := p.Execute(ctx, newContext())
		done <- err
	}()

	require.Eventually(t, func() bool { return shell.ran("squeue") }, 5*time.Second, time.Millisecond)
	require.NoError(t, p.Cancel(ctx, "App1"))
	assert.True(t, shell.ran("scancel 31"))

	shell.mu.Lock()
	shell.replies["squeue"] = []string{""}
	shell.replies["sacct"] = []string{"CANCELLED"}
	shell.mu.Unlock()

	require.Error(t, <-done)
}

func TestProvider_ContextCancelStopsJob(t *testing.T) {
	t.Parallel()

	shell := newFakeShell()
	shell.reply("sbatch", "Submitted batch job 8\n")
	shell.reply("squeue", "RUNNING\n")

	ctx, cancel := context.WithCancel(context.Background())
	p := newProvider(shell)

	go func() {
		assert.Eventually(t, func() bool { return shell.ran("squeue") }, 5*time.Second, time.Millisecond)
		cancel()
	}()

	_, err := p.Execute(ctx, newContext())
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, shell.ran("scancel 8"))
}

func TestFactory(t *testing.T) {
	t.Parallel()

	_, err := batch.Factory(slog.Default(), map[string]string{batch.PropertyScheduler: "lsf"})
	require.Error(t, err)

	_, err = batch.Factory(slog.Default(), map[string]string{batch.PropertyPollInterval: "soon"})
	require.Error(t, err)

	p, err := batch.Factory(slog.Default(), map[string]string{batch.PropertyScheduler: "PBS", batch.PropertyPollInterval: "1s"})
	require.NoError(t, err)
	assert.NotNil(t, p)
}
