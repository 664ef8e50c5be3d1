// ============================================================================
// Beaver-Runner Executors - command execution backends
// ============================================================================
//
// Package: internal/executors
// File: executor.go
// Purpose: One interface over the places a job's directives can run
//
// Backends:
//   shell         - a long-lived bash process on the agent host
//   dockercompose - a per-job network with service containers and a main
//                   container whose bash session receives the directives
//
// Lifecycle (driven by the job controller):
//   Prepare ─▶ Start ─▶ ExportEnvVars ─▶ InjectFiles ─▶ RunCommand* ─▶
//   ExportResult ─▶ RunCommand* (epilogue) ─▶ Stop ─▶ Cleanup
//
// Every operation returns an exit code. Operations that represent a step of
// the job (including synthetic ones such as "Injecting Files") log their own
// cmd_started / cmd_output / cmd_finished events; a directive's output is
// always flushed before its cmd_finished is written.
//
// Timeouts:
//   Each RunCommand is bounded by the per-command timeout (when set) and by
//   the caller's context. Expiry kills the session and reports
//   ExitCodeTimeout.
// ============================================================================

package executors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-runner/internal/eventlogger"
	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// ExitCodeTimeout is reported for a directive stopped by a timeout.
const ExitCodeTimeout = 124

// Synthetic directives.
const (
	DirectivePullImages    = "Pulling docker images..."
	DirectiveStartImage    = "Starting the docker image..."
	DirectiveExportEnvVars = "Exporting environment variables"
	DirectiveInjectFiles   = "Injecting Files"
)

var ErrUnknownExecutor = errors.New("executors: unknown executor kind")

// Executor runs the directives of one job.
type Executor interface {
	Prepare(ctx context.Context) int
	Start(ctx context.Context) int
	ExportEnvVars(ctx context.Context, vars []types.EnvVar) int
	ExportResult(ctx context.Context, name string, result types.JobResult) int
	InjectFiles(ctx context.Context, files []types.File) int
	RunCommand(ctx context.Context, directive string, silent bool) int
	Stop(ctx context.Context) int
	Cleanup(ctx context.Context) int
}

// Options are the agent side settings shared by all backends.
type Options struct {
	Logger  *eventlogger.Logger
	Metrics *metrics.Collector

	// WorkDir is where the shell backend starts and where relative file
	// paths resolve. Defaults to the user's home directory.
	WorkDir   string
	Shell     string
	ShellArgs []string

	CommandTimeout time.Duration

	// HostEnvVars are exported by ExportEnvVars together with the job's
	// variables. Values are plain text; a job variable with the same name
	// wins.
	HostEnvVars []types.EnvVar

	// Docker is used by the dockercompose backend; when nil a client is
	// created from the environment.
	Docker DockerAPI

	// ExposeDockerSocket mounts the host's Docker socket into the main
	// container.
	ExposeDockerSocket bool
}

func (o Options) shell() (string, []string) {
	path := o.Shell
	if path == "" {
		path = "bash"
	}

	args := o.ShellArgs
	if args == nil {
		args = []string{"--login"}
	}

	return path, args
}

// New selects the backend named by the job request.
func New(job *types.JobRequest, opts Options) (Executor, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("executors: a logger is required")
	}

	switch job.Executor {
	case "", types.ExecutorShell:
		return NewShellExecutor(opts), nil
	case types.ExecutorDockerCompose:
		e, err := NewDockerComposeExecutor(job, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, job.Executor)
	}
}
