package eventlogger

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gosimple/slug"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// Options carries the agent side settings needed to build a job's logger.
type Options struct {
	Dir          string // directory for the local JSON lines file
	SyncOnWrite  bool
	HTTPClient   *http.Client
	PushInterval time.Duration
	Redis        redis.UniversalClient
	RedisTTL     time.Duration
}

// New builds the logger for job. Every method keeps a local file so the
// log can always be pulled; "push" adds an HTTPBackend and "redis" a
// RedisBackend on top of it.
func New(job *types.JobRequest, opts Options) (*Logger, *FileBackend, error) {
	dir := opts.Dir
	if dir == "" {
		dir = os.TempDir()
	}

	var fileOpts []FileBackendOption
	if opts.SyncOnWrite {
		fileOpts = append(fileOpts, WithSyncOnWrite())
	}
	file := NewFileBackend(filepath.Join(dir, LogFileName(job.ID)), fileOpts...)

	switch job.Logger.Method {
	case "", types.LoggerMethodPull:
		return NewLogger(file), file, nil

	case types.LoggerMethodPush:
		var httpOpts []HTTPBackendOption
		if opts.HTTPClient != nil {
			httpOpts = append(httpOpts, WithHTTPClient(opts.HTTPClient))
		}
		if opts.PushInterval > 0 {
			httpOpts = append(httpOpts, WithPushInterval(opts.PushInterval))
		}

		push, err := NewHTTPBackend(file, job.Logger.URL, job.Logger.Token, httpOpts...)
		if err != nil {
			return nil, nil, err
		}
		return NewLogger(file, push), file, nil

	case types.LoggerMethodRedis:
		prefix := job.Logger.KeyPrefix
		if prefix == "" {
			prefix = DefaultRedisKeyPrefix
		}

		backend, err := NewRedisBackend(opts.Redis, prefix+":"+string(job.ID), opts.RedisTTL)
		if err != nil {
			return nil, nil, err
		}
		return NewLogger(file, backend), file, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMethod, job.Logger.Method)
	}
}

// LogFileName is the file name used for a job's local event log.
func LogFileName(id types.JobID) string {
	return "job_log_" + slug.Make(string(id)) + ".json"
}
