package executors

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

const dockerKillTimeout = 10 * time.Second

// dockerTransport speaks to a bash process inside a container through an
// attach stream. The multiplexed stdout/stderr frames are merged back into
// one ordered stream.
type dockerTransport struct {
	api         DockerAPI
	containerID string
	hijack      dockertypes.HijackedResponse
	output      *io.PipeReader

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func newDockerTransport(api DockerAPI, containerID string, hijack dockertypes.HijackedResponse) *dockerTransport {
	reader, writer := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(writer, writer, hijack.Reader)
		writer.CloseWithError(err)
	}()

	return &dockerTransport{
		api:         api,
		containerID: containerID,
		hijack:      hijack,
		output:      reader,
	}
}

func (t *dockerTransport) Write(p []byte) (int, error) {
	return t.hijack.Conn.Write(p)
}

func (t *dockerTransport) Output() io.Reader {
	return t.output
}

func (t *dockerTransport) CloseInput() error {
	return t.hijack.CloseWrite()
}

// Wait returns the exit status of the container's main process.
func (t *dockerTransport) Wait() (int, error) {
	t.waitOnce.Do(func() {
		statusCh, errCh := t.api.ContainerWait(context.Background(), t.containerID, container.WaitConditionNotRunning)

		select {
		case status := <-statusCh:
			t.exitCode = int(status.StatusCode)
			if status.Error != nil {
				t.waitErr = fmt.Errorf("container wait: %s", status.Error.Message)
			}
		case err := <-errCh:
			t.exitCode = 1
			t.waitErr = err
		}
	})

	return t.exitCode, t.waitErr
}

func (t *dockerTransport) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), dockerKillTimeout)
	defer cancel()

	err := t.api.ContainerKill(ctx, t.containerID, "KILL")
	t.hijack.Close()

	if err != nil {
		return fmt.Errorf("failed to kill container %s: %w", t.containerID, err)
	}
	return nil
}

func (t *dockerTransport) Close() {
	t.hijack.Close()
}
