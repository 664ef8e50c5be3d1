package executors

import (
	"context"
	"log/slog"
	"os"

	"github.com/ChuLiYu/beaver-runner/internal/injector"
	"github.com/ChuLiYu/beaver-runner/internal/shell"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// ShellExecutor runs directives in a bash process on the agent host.
type ShellExecutor struct {
	*sessionRunner

	workDir   string
	shellPath string
	shellArgs []string
}

func NewShellExecutor(opts Options) *ShellExecutor {
	path, args := opts.shell()

	return &ShellExecutor{
		sessionRunner: newSessionRunner(opts),
		workDir:       opts.WorkDir,
		shellPath:     path,
		shellArgs:     args,
	}
}

// Prepare resolves the working directory.
func (e *ShellExecutor) Prepare(ctx context.Context) int {
	if e.workDir != "" {
		return 0
	}

	home, err := os.UserHomeDir()
	if err != nil {
		slog.Error("failed to resolve home directory", "error", err)
		return 1
	}
	e.workDir = home

	return 0
}

// Start launches the shell. The shell backend logs no event for this step.
func (e *ShellExecutor) Start(ctx context.Context) int {
	transport, err := shell.NewLocalTransport(e.shellPath, e.shellArgs, e.workDir, os.Environ())
	if err != nil {
		slog.Error("failed to start shell", "shell", e.shellPath, "error", err)
		return 1
	}

	session, err := shell.Start(ctx, transport)
	if err != nil {
		slog.Error("shell session did not start", "error", err)
		return 1
	}

	e.session = session
	return 0
}

// InjectFiles writes files on the host; relative paths resolve against the
// working directory.
func (e *ShellExecutor) InjectFiles(ctx context.Context, files []types.File) int {
	return e.injectFiles(files, func(path string, content []byte, mode os.FileMode) error {
		return injector.WriteFileAtomic(injector.ResolvePath(e.workDir, path), content, mode)
	})
}

func (e *ShellExecutor) Stop(ctx context.Context) int {
	return e.closeSession(ctx)
}

func (e *ShellExecutor) Cleanup(ctx context.Context) int {
	return 0
}
