package executors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/gosimple/slug"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ChuLiYu/beaver-runner/internal/injector"
	"github.com/ChuLiYu/beaver-runner/internal/shell"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

const (
	jobLabel         = "io.beaver-runner.job"
	dockerSocketPath = "/var/run/docker.sock"
	cleanupTimeout   = 30 * time.Second
)

var ErrNoContainers = errors.New("executors: compose configuration has no containers")

// DockerAPI is the part of the Docker Engine client the compose backend
// uses. *client.Client satisfies it.
type DockerAPI interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (dockertypes.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ DockerAPI = (*client.Client)(nil)

// DockerComposeExecutor runs the job in the first container of the compose
// configuration; the remaining containers are services reachable by name on
// a per-job network.
type DockerComposeExecutor struct {
	*sessionRunner

	api        DockerAPI
	ownsAPI    bool
	jobID      types.JobID
	compose    types.Compose
	shellPath  string
	shellArgs  []string
	exposeSock bool

	networkName string
	networkID   string
	created     []string
	transport   *dockerTransport
}

func NewDockerComposeExecutor(job *types.JobRequest, opts Options) (*DockerComposeExecutor, error) {
	api := opts.Docker
	ownsAPI := false
	if api == nil {
		c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to create docker client: %w", err)
		}
		api = c
		ownsAPI = true
	}

	path, args := opts.shell()

	return &DockerComposeExecutor{
		sessionRunner: newSessionRunner(opts),
		api:           api,
		ownsAPI:       ownsAPI,
		jobID:         job.ID,
		compose:       job.Compose,
		shellPath:     path,
		shellArgs:     args,
		exposeSock:    opts.ExposeDockerSocket,
		networkName:   "beaver-" + slug.Make(string(job.ID)),
	}, nil
}

// Prepare pulls every image of the compose configuration.
func (e *DockerComposeExecutor) Prepare(ctx context.Context) int {
	return e.record(DirectivePullImages, func(out io.Writer) int {
		if len(e.compose.Containers) == 0 {
			statusf(out, "%v\n", ErrNoContainers)
			return 1
		}

		pulled := make(map[string]bool)
		for _, c := range e.compose.Containers {
			if pulled[c.Image] {
				continue
			}

			start := time.Now()
			err := e.pullImage(ctx, c.Image, out)
			e.metrics.RecordImagePull(err == nil, time.Since(start))
			if err != nil {
				statusf(out, "Failed to pull image %s: %v\n", c.Image, err)
				return 1
			}
			pulled[c.Image] = true
		}

		return 0
	})
}

func (e *DockerComposeExecutor) pullImage(ctx context.Context, ref string, out io.Writer) error {
	statusf(out, "Pulling %s\n", ref)

	rc, err := e.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()

	return jsonmessage.DisplayJSONMessagesStream(rc, out, 0, false, nil)
}

// Start creates the network, starts the service containers and opens a bash
// session in the main container.
func (e *DockerComposeExecutor) Start(ctx context.Context) int {
	return e.record(DirectiveStartImage, func(out io.Writer) int {
		statusf(out, "Starting a new bash session.\n")

		if err := e.startContainers(ctx); err != nil {
			slog.Error("failed to start containers", "job", e.jobID, "error", err)
			statusf(out, "Failed to start the docker image: %v\n", err)
			return 1
		}

		return 0
	})
}

func (e *DockerComposeExecutor) startContainers(ctx context.Context) error {
	if len(e.compose.Containers) == 0 {
		return ErrNoContainers
	}

	net, err := e.api.NetworkCreate(ctx, e.networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: e.labels(),
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", e.networkName, err)
	}
	e.networkID = net.ID

	for _, svc := range e.compose.Containers[1:] {
		cfg, err := e.containerConfig(svc)
		if err != nil {
			return err
		}
		if svc.Command != "" {
			cfg.Cmd = []string{"/bin/sh", "-c", svc.Command}
		}

		id, err := e.createContainer(ctx, svc.Name, cfg, &container.HostConfig{})
		if err != nil {
			return err
		}

		if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
			return fmt.Errorf("start service %s: %w", svc.Name, err)
		}
	}

	main := e.compose.Containers[0]
	cfg, err := e.containerConfig(main)
	if err != nil {
		return err
	}
	cfg.Cmd = append([]string{e.shellPath}, e.shellArgs...)
	cfg.OpenStdin = true
	cfg.AttachStdin = true
	cfg.AttachStdout = true
	cfg.AttachStderr = true
	cfg.Tty = false

	hostConfig := &container.HostConfig{}
	if e.exposeSock {
		hostConfig.Binds = []string{dockerSocketPath + ":" + dockerSocketPath}
	}

	id, err := e.createContainer(ctx, main.Name, cfg, hostConfig)
	if err != nil {
		return err
	}

	// attach before start so no output is lost
	hijack, err := e.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fmt.Errorf("attach to %s: %w", main.Name, err)
	}
	e.transport = newDockerTransport(e.api, id, hijack)

	if err := e.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", main.Name, err)
	}

	session, err := shell.Start(ctx, e.transport)
	if err != nil {
		return err
	}
	e.session = session

	return nil
}

func (e *DockerComposeExecutor) containerConfig(c types.Container) (*container.Config, error) {
	env, err := injector.CreateEnvironment(c.EnvVars)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", c.Name, err)
	}

	return &container.Config{
		Image:  c.Image,
		Env:    env.Environ(),
		Labels: e.labels(),
	}, nil
}

func (e *DockerComposeExecutor) createContainer(ctx context.Context, name string, cfg *container.Config, hostConfig *container.HostConfig) (string, error) {
	networking := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			e.networkName: {Aliases: []string{name}},
		},
	}

	created, err := e.api.ContainerCreate(ctx, cfg, hostConfig, networking, nil, e.networkName+"-"+slug.Make(name))
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	e.created = append(e.created, created.ID)

	return created.ID, nil
}

func (e *DockerComposeExecutor) labels() map[string]string {
	return map[string]string{jobLabel: string(e.jobID)}
}

// InjectFiles writes files inside the main container through the session.
func (e *DockerComposeExecutor) InjectFiles(ctx context.Context, files []types.File) int {
	return e.injectFiles(files, func(path string, content []byte, mode os.FileMode) error {
		code, output := e.runSilent(ctx, injector.InjectScript(path, content, mode))
		if code != 0 {
			return fmt.Errorf("exit code %d: %s", code, output)
		}
		return nil
	})
}

// Stop ends the bash session in the main container.
func (e *DockerComposeExecutor) Stop(ctx context.Context) int {
	code := e.closeSession(ctx)
	if e.transport != nil {
		e.transport.Close()
	}
	return code
}

// Cleanup removes every container created for the job, then the network.
// It runs even when Start failed halfway.
func (e *DockerComposeExecutor) Cleanup(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	code := 0
	for i := len(e.created) - 1; i >= 0; i-- {
		err := e.api.ContainerRemove(ctx, e.created[i], container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil {
			slog.Warn("failed to remove container", "container", e.created[i], "error", err)
			code = 1
		}
	}
	e.created = nil

	if e.networkID != "" {
		if err := e.api.NetworkRemove(ctx, e.networkID); err != nil {
			slog.Warn("failed to remove network", "network", e.networkName, "error", err)
			code = 1
		}
		e.networkID = ""
	}

	if e.ownsAPI {
		e.api.Close()
	}

	return code
}
