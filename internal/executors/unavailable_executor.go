package executors

import (
	"context"
	"errors"
	"os"

	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

var errNoBackend = errors.New("no executor backend is available")

// UnavailableExecutor stands in for a backend that could not be created. It
// never has a shell session, so every recorded step fails the same way a
// step after a failed Start does.
type UnavailableExecutor struct {
	*sessionRunner
}

func NewUnavailableExecutor(opts Options) *UnavailableExecutor {
	return &UnavailableExecutor{sessionRunner: newSessionRunner(opts)}
}

func (e *UnavailableExecutor) Prepare(ctx context.Context) int { return 1 }

func (e *UnavailableExecutor) Start(ctx context.Context) int { return 1 }

func (e *UnavailableExecutor) InjectFiles(ctx context.Context, files []types.File) int {
	return e.injectFiles(files, func(string, []byte, os.FileMode) error {
		return errNoBackend
	})
}

func (e *UnavailableExecutor) Stop(ctx context.Context) int { return 0 }

func (e *UnavailableExecutor) Cleanup(ctx context.Context) int { return 0 }
