package batch

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/scigateway/orchestrator/pkg/provider"
)

const (
	DialectSlurm = "slurm"
	DialectPBS   = "pbs"
	// DialectFork runs the job script in the background of the login shell.
	DialectFork = "fork"
)

const scriptBody = `{{define "body"}}
cd {{quote .WorkingDir}} || exit 1
{{- range .Env}}
export {{.}}
{{- end}}
{{.Command}}
echo $? > {{quote .ExitCodeFile}}
{{end}}`

const slurmScript = `#!/bin/bash
#SBATCH --job-name={{.JobName}}
#SBATCH --output={{.Stdout}}
#SBATCH --error={{.Stderr}}
{{- with .Queue}}
#SBATCH --partition={{.}}
{{- end}}
{{- with .Account}}
#SBATCH --account={{.}}
{{- end}}
{{- with .Walltime}}
#SBATCH --time={{.}}
{{- end}}
{{- with .Nodes}}
#SBATCH --nodes={{.}}
{{- end}}
{{- with .TasksPerNode}}
#SBATCH --ntasks-per-node={{.}}
{{- end}}
{{- with .CPUsPerTask}}
#SBATCH --cpus-per-task={{.}}
{{- end}}
{{- with .Memory}}
#SBATCH --mem={{.}}
{{- end}}
{{template "body" .}}`

const pbsScript = `#!/bin/bash
#PBS -N {{.JobName}}
#PBS -o {{.Stdout}}
#PBS -e {{.Stderr}}
{{- with .Queue}}
#PBS -q {{.}}
{{- end}}
{{- with .Account}}
#PBS -A {{.}}
{{- end}}
{{- with .Walltime}}
#PBS -l walltime={{.}}
{{- end}}
{{- if .Nodes}}
#PBS -l nodes={{.Nodes}}{{with .TasksPerNode}}:ppn={{.}}{{end}}
{{- end}}
{{- with .Memory}}
#PBS -l mem={{.}}
{{- end}}
{{template "body" .}}`

const forkScript = `#!/bin/bash
{{template "body" .}}`

// scriptData feeds the job script templates.
type scriptData struct {
	JobName      string
	Queue        string
	Account      string
	Walltime     string
	Nodes        string
	TasksPerNode string
	CPUsPerTask  string
	Memory       string
	WorkingDir   string
	Stdout       string
	Stderr       string
	Env          []string
	Command      string
	ExitCodeFile string
}

// dialect knows how one resource manager submits, polls and cancels jobs.
type dialect struct {
	name   string
	script *template.Template
	// submit returns the command that submits scriptPath and prints the job id.
	submit func(scriptPath string, inv provider.Invocation) string
	jobID  func(out string) (string, error)
	// status returns a command printing the job state, or nothing once the job left the queue.
	status func(jobID string) string
	// history returns a command printing the final state of a job no longer queued.
	history func(jobID string) string
	active  func(state string) bool
	cancel  func(jobID string) string
}

func newTemplate(name, text string) *template.Template {
	return template.Must(template.New(name).
		Funcs(template.FuncMap{"quote": provider.Quote}).
		Parse(text + scriptBody))
}

var dialects = map[string]*dialect{
	DialectSlurm: {
		name:   DialectSlurm,
		script: newTemplate(DialectSlurm, slurmScript),
		submit: func(script string, _ provider.Invocation) string {
			return "sbatch " + provider.Quote(script)
		},
		jobID: lastField,
		status: func(id string) string {
			return fmt.Sprintf("squeue -h -j %s -o %%T 2>/dev/null || true", provider.Quote(id))
		},
		history: func(id string) string {
			return fmt.Sprintf("sacct -n -X -P -j %s -o State 2>/dev/null || true", provider.Quote(id))
		},
		active: func(state string) bool {
			switch state {
			case "PENDING", "RUNNING", "CONFIGURING", "COMPLETING", "SUSPENDED", "REQUEUED", "RESIZING":
				return true
			}

			return false
		},
		cancel: func(id string) string { return "scancel " + provider.Quote(id) },
	},
	DialectPBS: {
		name:   DialectPBS,
		script: newTemplate(DialectPBS, pbsScript),
		submit: func(script string, _ provider.Invocation) string {
			return "qsub " + provider.Quote(script)
		},
		jobID: lastField,
		status: func(id string) string {
			return fmt.Sprintf("qstat -x -f %s 2>/dev/null | sed -n 's/^ *job_state = //p' || true", provider.Quote(id))
		},
		active: func(state string) bool {
			switch state {
			case "Q", "R", "H", "W", "T", "E", "S", "B":
				return true
			}

			return false
		},
		cancel: func(id string) string { return "qdel " + provider.Quote(id) },
	},
	DialectFork: {
		name:   DialectFork,
		script: newTemplate(DialectFork, forkScript),
		submit: func(script string, inv provider.Invocation) string {
			return fmt.Sprintf("nohup /bin/bash %s > %s 2> %s < /dev/null & echo $!",
				provider.Quote(script), provider.Quote(inv.Stdout), provider.Quote(inv.Stderr))
		},
		jobID: lastField,
		status: func(id string) string {
			return fmt.Sprintf("kill -0 %s 2>/dev/null && echo RUNNING || true", provider.Quote(id))
		},
		active: func(state string) bool { return state == "RUNNING" },
		cancel: func(id string) string {
			return fmt.Sprintf("pkill -P %[1]s; kill %[1]s", provider.Quote(id))
		},
	},
}

func lookupDialect(name string) (*dialect, error) {
	if name == "" {
		name = DialectSlurm
	}

	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("batch scheduler '%s' not registered", name)
	}

	return d, nil
}

// lastField extracts ids from "Submitted batch job 42", "42.pbs-server" or "4242".
func lastField(out string) (string, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("no job id in submission output %q", out)
	}

	return fields[len(fields)-1], nil
}

// firstState reads the first reported state, dropping details such as "CANCELLED by 0".
func firstState(out string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	state, _, _ := strings.Cut(strings.TrimSpace(line), " ")

	return strings.TrimRight(state, "+")
}
