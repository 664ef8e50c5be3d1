package shell

// ============================================================================
// Shell Session - one long-lived shell shared by every directive of a job
// ============================================================================
//
// Protocol:
//   Each directive is written to the shell's stdin wrapped between two
//   marker lines that only this session can produce:
//
//     printf '\001%s\n' '<id>-start'
//     eval "$(cat <<'<delimiter>'
//     <directive>
//     <delimiter>
//     )" </dev/null
//     printf '\001%s %d\n' '<id>-end' "$?"
//
//   Output between the markers belongs to the directive and is forwarded as
//   it arrives. The number after the end marker is the directive's exit
//   code. If the shell dies instead (e.g. the directive ran `exit 3`), the
//   shell's own exit status is reported and the session is closed.
//
//   Working directory and exported variables persist between directives
//   because every directive is evaluated by the same shell process.
//
// Startup:
//   Before the readiness marker the session defines command_not_found_handle
//   so a missing command reads "bash: <name>: command not found" instead of
//   carrying the line number of the wrapper script fed through stdin.
//
// Concurrency:
//   readLoop is the only reader of the transport; Run consumes its chunks.
//   Run calls are serialized.
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when the shell process is no longer running.
	ErrSessionClosed = errors.New("shell: session is closed")

	// ErrSessionNotReady is returned when the shell never answered the
	// readiness probe.
	ErrSessionNotReady = errors.New("shell: session did not become ready")
)

// notFoundHandler 取代 bash 預設的 "bash: line N: x: command not found"
const notFoundHandler = `command_not_found_handle() {
  local shell_name="${0##*/}"
  printf '%s: %s: command not found\n' "${shell_name#-}" "$1" >&2
  return 127
}
`

const (
	markerPrefix        = "\x01"
	defaultReadyTimeout = 30 * time.Second
	defaultCloseGrace   = 5 * time.Second
)

// Session is a persistent shell driven through a Transport.
type Session struct {
	transport Transport

	output chan []byte
	exited chan struct{}

	exitCode int

	mu     sync.Mutex
	closed bool
}

// Start begins reading from t and waits until the shell answers a readiness
// probe. Anything printed before that (login banners, profile noise) is
// discarded.
func Start(ctx context.Context, t Transport) (*Session, error) {
	s := &Session{
		transport: t,
		output:    make(chan []byte, 64),
		exited:    make(chan struct{}),
	}

	go s.readLoop()

	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.waitReady(readyCtx); err != nil {
		s.Kill()
		return nil, err
	}

	return s, nil
}

func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	out := s.transport.Output()

	for {
		n, err := out.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.output <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("shell output read ended", "error", err)
			}
			break
		}
	}

	close(s.output)

	code, err := s.transport.Wait()
	if err != nil {
		slog.Warn("failed to collect shell exit status", "error", err)
	}
	s.exitCode = code
	close(s.exited)
}

func (s *Session) waitReady(ctx context.Context) error {
	readyID := uuid.NewString() + "-ready"
	mark := []byte(markerPrefix + readyID + "\n")

	if _, err := fmt.Fprintf(s.transport, "%sprintf '\\001%%s\\n' '%s'\n", notFoundHandler, readyID); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionNotReady, err)
	}

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrSessionNotReady, ctx.Err())
		case chunk, ok := <-s.output:
			if !ok {
				return fmt.Errorf("%w: shell exited during startup", ErrSessionNotReady)
			}
			pending = append(pending, chunk...)
			if idx := bytes.Index(pending, mark); idx >= 0 {
				return nil
			}
		}
	}
}

// Run evaluates directive in the shell and streams its output to out. It
// returns the directive's exit code. When ctx ends first the shell is
// killed, the session becomes closed and ctx.Err() is returned.
func (s *Session) Run(ctx context.Context, directive string, out io.Writer) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 1, ErrSessionClosed
	}

	id := uuid.NewString()
	startLine := []byte(markerPrefix + id + "-start\n")
	endPrefix := []byte(markerPrefix + id + "-end ")

	if _, err := io.WriteString(s.transport, wrapDirective(id, directive)); err != nil {
		s.closed = true
		return 1, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}

	started := false
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			s.closed = true
			go drain(s.output)
			if err := s.transport.Kill(); err != nil {
				slog.Warn("failed to kill shell after cancellation", "error", err)
			}
			if started && len(pending) > 0 {
				out.Write(pending)
			}
			return 1, ctx.Err()

		case chunk, ok := <-s.output:
			if !ok {
				// the shell went away in the middle of the directive
				s.closed = true
				if started && len(pending) > 0 {
					out.Write(pending)
				}
				<-s.exited
				return s.exitCode, nil
			}

			pending = append(pending, chunk...)

			if !started {
				idx := bytes.Index(pending, startLine)
				if idx < 0 {
					pending = keepTail(pending, len(startLine)-1)
					continue
				}
				pending = pending[idx+len(startLine):]
				started = true
			}

			if idx := bytes.Index(pending, endPrefix); idx >= 0 {
				nl := bytes.IndexByte(pending[idx:], '\n')
				if nl < 0 {
					continue
				}
				if idx > 0 {
					out.Write(pending[:idx])
				}
				code, err := strconv.Atoi(string(pending[idx+len(endPrefix) : idx+nl]))
				if err != nil {
					return 1, fmt.Errorf("shell: malformed exit marker: %w", err)
				}
				return code, nil
			}

			// hold back a possible partial end marker
			flushUpTo := len(pending)
			if last := bytes.LastIndex(pending, []byte(markerPrefix)); last >= 0 && bytes.HasPrefix(endPrefix, pending[last:]) {
				flushUpTo = last
			}
			if flushUpTo > 0 {
				out.Write(pending[:flushUpTo])
				pending = append([]byte(nil), pending[flushUpTo:]...)
			}
		}
	}
}

// Closed reports whether the shell has exited or was killed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Close asks the shell to exit and kills it if it does not within the grace
// period. It returns the shell's exit status.
func (s *Session) Close(ctx context.Context) (int, error) {
	s.mu.Lock()
	if !s.closed {
		io.WriteString(s.transport, "exit 0\n")
	}
	s.closed = true
	s.mu.Unlock()

	s.transport.CloseInput()
	go drain(s.output)

	grace := time.NewTimer(defaultCloseGrace)
	defer grace.Stop()

	select {
	case <-s.exited:
		return s.exitCode, nil
	case <-ctx.Done():
	case <-grace.C:
	}

	if err := s.transport.Kill(); err != nil {
		return 1, err
	}
	<-s.exited

	return s.exitCode, nil
}

// Kill terminates the shell immediately.
func (s *Session) Kill() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	go drain(s.output)

	return s.transport.Kill()
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}

func keepTail(p []byte, n int) []byte {
	if len(p) <= n {
		return p
	}
	return append([]byte(nil), p[len(p)-n:]...)
}

func wrapDirective(id, directive string) string {
	delimiter := "BEAVER_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	var b strings.Builder
	fmt.Fprintf(&b, "printf '\\001%%s\\n' '%s-start'\n", id)
	fmt.Fprintf(&b, "eval \"$(cat <<'%s'\n%s\n%s\n)\" </dev/null\n", delimiter, directive, delimiter)
	fmt.Fprintf(&b, "printf '\\001%%s %%d\\n' '%s-end' \"$?\"\n", id)

	return b.String()
}
