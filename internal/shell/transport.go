package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Transport is the byte pipe to a running shell process. Writes go to the
// shell's stdin; Output yields stdout and stderr interleaved in the order the
// process wrote them.
type Transport interface {
	io.Writer
	Output() io.Reader
	CloseInput() error
	Wait() (int, error)
	Kill() error
}

// LocalTransport runs the shell as a child process of the agent.
type LocalTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *os.File

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// NewLocalTransport starts path with args in dir. stdout and stderr share a
// single pipe so ordering between them is preserved.
func NewLocalTransport(path string, args []string, dir string, env []string) (*LocalTransport, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	stdin, err := cmd.StdinPipe()
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	// the child holds its own copy of the write end
	writer.Close()

	return &LocalTransport{
		cmd:    cmd,
		stdin:  stdin,
		output: reader,
	}, nil
}

func (t *LocalTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

func (t *LocalTransport) Output() io.Reader {
	return t.output
}

func (t *LocalTransport) CloseInput() error {
	return t.stdin.Close()
}

// Wait blocks until the shell exits and returns its exit status. A shell
// killed by a signal reports 1.
func (t *LocalTransport) Wait() (int, error) {
	t.waitOnce.Do(func() {
		err := t.cmd.Wait()
		t.output.Close()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			t.exitCode = 0
		case errors.As(err, &exitErr):
			t.exitCode = exitErr.ExitCode()
			if t.exitCode < 0 {
				t.exitCode = 1
			}
		default:
			t.exitCode = 1
			t.waitErr = err
		}
	})

	return t.exitCode, t.waitErr
}

// Kill terminates the shell and everything it started.
func (t *LocalTransport) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}

	err := syscall.Kill(-t.cmd.Process.Pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to kill shell: %w", err)
	}

	return nil
}
