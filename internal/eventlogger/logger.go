// ============================================================================
// Beaver-Runner Event Logger - job event stream
// ============================================================================
//
// Package: internal/eventlogger
// File: logger.go
// Purpose: The single sink every component writes job events to
//
// Event stream:
//   job_started
//   ├─ cmd_started(directive)
//   │  ├─ cmd_output(output) ...
//   │  └─ cmd_finished(directive, exit_code, started_at, finished_at)
//   │  ... one group per directive, synthetic ones included
//   └─ job_finished(result)
//
// Ordering:
//   All writes go through one mutex, so the stream order is the order in
//   which components called the Log* methods. The executors guarantee that a
//   directive's output is logged before its cmd_finished.
//
// Backends:
//   FileBackend  - JSON lines on local disk, served to pulling clients
//   HTTPBackend  - pushes new lines of a FileBackend to a remote endpoint
//   RedisBackend - appends every line to a Redis list
//
//   A Logger fans out to several backends. Backends are opened in the order
//   given and closed in reverse.
//
// Command records:
//   Every cmd_finished is also kept as a types.Command so the job report can
//   be built from the stream alone.
// ============================================================================

package eventlogger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// Backend persists or forwards serialized events.
type Backend interface {
	Open() error
	Write(event any) error
	Close() error
}

// Logger serializes job events into its backends.
type Logger struct {
	mu       sync.Mutex
	backends []Backend
	opened   bool
	closed   bool
	commands []types.Command
	now      func() time.Time
}

// NewLogger creates a logger writing to backends.
func NewLogger(backends ...Backend) *Logger {
	return &Logger{
		backends: backends,
		now:      time.Now,
	}
}

// Open opens every backend; a failure closes the ones already opened.
func (l *Logger) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLoggerClosed
	}

	for i, b := range l.backends {
		if err := b.Open(); err != nil {
			for j := i - 1; j >= 0; j-- {
				l.backends[j].Close()
			}
			return err
		}
	}

	l.opened = true
	return nil
}

// LogJobStarted records the beginning of the job.
func (l *Logger) LogJobStarted() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writeLocked(&JobStartedEvent{
		Timestamp: l.now().Unix(),
		Event:     EventJobStarted,
	})
}

// LogJobFinished records the job result.
func (l *Logger) LogJobFinished(result types.JobResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writeLocked(&JobFinishedEvent{
		Timestamp: l.now().Unix(),
		Event:     EventJobFinished,
		Result:    string(result),
	})
}

// LogCommandStarted records the start of a directive and returns its
// started_at timestamp.
func (l *Logger) LogCommandStarted(directive string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().Unix()
	l.writeLocked(&CommandStartedEvent{
		Timestamp: ts,
		Event:     EventCmdStarted,
		Directive: directive,
	})

	return ts
}

// LogCommandOutput records one chunk of directive output.
func (l *Logger) LogCommandOutput(output string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writeLocked(&CommandOutputEvent{
		Timestamp: l.now().Unix(),
		Event:     EventCmdOutput,
		Output:    output,
	})
}

// LogCommandFinished records the end of a directive started at startedAt.
func (l *Logger) LogCommandFinished(directive string, exitCode int, startedAt int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	finishedAt := l.now().Unix()
	if finishedAt < startedAt {
		finishedAt = startedAt
	}

	l.writeLocked(&CommandFinishedEvent{
		Timestamp:  finishedAt,
		Event:      EventCmdFinished,
		Directive:  directive,
		ExitCode:   exitCode,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	})

	l.commands = append(l.commands, types.Command{
		Directive:  directive,
		ExitCode:   exitCode,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	})
}

// Commands returns every finished directive in stream order.
func (l *Logger) Commands() []types.Command {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]types.Command(nil), l.commands...)
}

// Close closes every backend in reverse order and returns the first error.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if !l.opened {
		return nil
	}

	var firstErr error
	for i := len(l.backends) - 1; i >= 0; i-- {
		if err := l.backends[i].Close(); err != nil {
			slog.Error("failed to close event log backend", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

func (l *Logger) writeLocked(event any) {
	if l.closed {
		slog.Warn("dropping event written after close", "error", ErrLoggerClosed)
		return
	}

	for _, b := range l.backends {
		if err := b.Write(event); err != nil {
			slog.Error("failed to write event", "error", err)
		}
	}
}
