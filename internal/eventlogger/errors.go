package eventlogger

// ============================================================================
// Event Logger Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrLoggerClosed indicates the logger no longer accepts events
	ErrLoggerClosed = errors.New("eventlogger: already closed")

	// ErrBackendNotOpen indicates Write was called before Open
	ErrBackendNotOpen = errors.New("eventlogger: backend is not open")

	// ErrUnknownMethod indicates an unsupported logger method in the job request
	ErrUnknownMethod = errors.New("eventlogger: unknown logger method")

	// ErrMissingURL indicates a push logger without a destination
	ErrMissingURL = errors.New("eventlogger: push logger requires a url")

	// ErrMissingRedis indicates a redis logger without a configured client
	ErrMissingRedis = errors.New("eventlogger: redis logger requires a redis client")
)

// PushError is returned when the remote log endpoint rejects a batch
type PushError struct {
	StartFrom  int // first line of the rejected batch
	StatusCode int
}

func (e *PushError) Error() string {
	return fmt.Sprintf("eventlogger: push from line %d rejected with status %d", e.StartFrom, e.StatusCode)
}
