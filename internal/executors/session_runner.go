package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/beaver-runner/internal/eventlogger"
	"github.com/ChuLiYu/beaver-runner/internal/injector"
	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/internal/shell"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// sessionRunner is the part of a backend that only needs a shell session:
// directives, exports and event bookkeeping. Both backends embed it.
type sessionRunner struct {
	logger         *eventlogger.Logger
	metrics        *metrics.Collector
	commandTimeout time.Duration
	hostEnvVars    []types.EnvVar
	session        *shell.Session
}

func newSessionRunner(opts Options) *sessionRunner {
	return &sessionRunner{
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		commandTimeout: opts.CommandTimeout,
		hostEnvVars:    opts.HostEnvVars,
	}
}

// stepOutput is the writer a recorded step sees. Process output goes through
// the chunking buffer; status lines written with Statusf become one
// cmd_output event each.
type stepOutput struct {
	buffer *shell.OutputBuffer
	logger *eventlogger.Logger
}

func (o *stepOutput) Write(p []byte) (int, error) {
	return o.buffer.Write(p)
}

func (o *stepOutput) Statusf(format string, args ...any) {
	o.buffer.Flush()
	o.logger.LogCommandOutput(fmt.Sprintf(format, args...))
}

// statusf writes one agent status line to out.
func statusf(out io.Writer, format string, args ...any) {
	if o, ok := out.(*stepOutput); ok {
		o.Statusf(format, args...)
		return
	}
	fmt.Fprintf(out, format, args...)
}

// record wraps fn in cmd_started / cmd_output / cmd_finished events. Output
// written by fn is drained before cmd_finished is logged.
func (r *sessionRunner) record(directive string, fn func(out io.Writer) int) int {
	start := time.Now()
	startedAt := r.logger.LogCommandStarted(directive)

	out := &stepOutput{buffer: shell.NewOutputBuffer(r.logger.LogCommandOutput), logger: r.logger}
	exitCode := fn(out)
	out.buffer.Close()

	r.logger.LogCommandFinished(directive, exitCode, startedAt)
	r.metrics.RecordCommand(exitCode, time.Since(start))

	return exitCode
}

func (r *sessionRunner) RunCommand(ctx context.Context, directive string, silent bool) int {
	if silent {
		code, _ := r.runSilent(ctx, directive)
		return code
	}

	return r.record(directive, func(out io.Writer) int {
		return r.exec(ctx, directive, out)
	})
}

func (r *sessionRunner) runSilent(ctx context.Context, directive string) (int, string) {
	var buf bytes.Buffer
	code := r.exec(ctx, directive, &buf)
	return code, buf.String()
}

func (r *sessionRunner) exec(ctx context.Context, directive string, out io.Writer) int {
	if r.session == nil {
		statusf(out, "Shell session is not running\n")
		return 1
	}

	runCtx := ctx
	if r.commandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.commandTimeout)
		defer cancel()
	}

	code, err := r.session.Run(runCtx, directive, out)
	switch {
	case err == nil:
		return code

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			statusf(out, "Job timed out\n")
		case ctx.Err() != nil:
			statusf(out, "Job was stopped\n")
		default:
			statusf(out, "Command timed out after %s\n", r.commandTimeout)
		}
		return ExitCodeTimeout

	case errors.Is(err, shell.ErrSessionClosed):
		statusf(out, "Shell session is no longer running\n")
		return 1

	default:
		slog.Error("directive failed to run", "error", err)
		statusf(out, "%v\n", err)
		return 1
	}
}

func (r *sessionRunner) ExportEnvVars(ctx context.Context, vars []types.EnvVar) int {
	return r.record(DirectiveExportEnvVars, func(out io.Writer) int {
		env, err := injector.CreateEnvironment(vars)
		if err != nil {
			statusf(out, "Failed to decode environment variables: %v\n", err)
			return 1
		}

		for _, v := range r.hostEnvVars {
			if _, ok := env.Get(v.Name); ok {
				continue
			}
			if err := env.Set(v.Name, v.Value); err != nil {
				statusf(out, "%v\n", err)
				return 1
			}
		}

		return r.exportEnvironment(ctx, env, out)
	})
}

func (r *sessionRunner) ExportResult(ctx context.Context, name string, result types.JobResult) int {
	return r.record(DirectiveExportEnvVars, func(out io.Writer) int {
		env := injector.NewEnvironment()
		if err := env.Set(name, string(result)); err != nil {
			statusf(out, "%v\n", err)
			return 1
		}

		return r.exportEnvironment(ctx, env, out)
	})
}

func (r *sessionRunner) exportEnvironment(ctx context.Context, env *injector.Environment, out io.Writer) int {
	for _, name := range env.Keys() {
		statusf(out, "Exporting %s\n", name)
	}

	if env.IsEmpty() {
		return 0
	}

	code, output := r.runSilent(ctx, env.ExportScript())
	if code != 0 {
		io.WriteString(out, output)
		statusf(out, "Failed to export environment variables\n")
	}

	return code
}

// injectFiles decodes every file and hands it to write. The first failure
// stops the loop.
func (r *sessionRunner) injectFiles(files []types.File, write func(path string, content []byte, mode os.FileMode) error) int {
	return r.record(DirectiveInjectFiles, func(out io.Writer) int {
		for _, f := range files {
			statusf(out, "Injecting %s with file mode %s\n", f.Path, injector.DisplayMode(f.Mode))

			content, mode, err := injector.DecodeFile(f)
			if err != nil {
				statusf(out, "Failed to decode %s: %v\n", f.Path, err)
				return 1
			}

			if err := write(f.Path, content, mode); err != nil {
				statusf(out, "Failed to write %s: %v\n", f.Path, err)
				return 1
			}
		}

		return 0
	})
}

func (r *sessionRunner) closeSession(ctx context.Context) int {
	if r.session == nil {
		return 0
	}

	if _, err := r.session.Close(ctx); err != nil {
		slog.Warn("failed to close shell session", "error", err)
		return 1
	}

	return 0
}
