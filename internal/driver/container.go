//go:build !nocontainer

package driver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/logbuf"
)

// ContainerConfig holds configuration for a Docker container.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string          // command/args to pass to the container
	NetworkMode string            // "host", "bridge", etc. Default: "host"
	Volumes     map[string]string // host:container mount mappings
	BufSize     int               // log ring buffer size (lines)
	Output      OutputFunc
}

// ContainerDriver runs a process inside a Docker container. It is used for
// the optional local model runtime when no native binary is installed.
type ContainerDriver struct {
	id  string
	cfg ContainerConfig

	mu            sync.Mutex
	closeOnce     sync.Once
	client        *dockerclient.Client
	containerID   string
	spawned       bool
	state         State
	startedAt     time.Time
	exitCode      *int
	exitErr       string
	stopRequested bool
	buf           *logbuf.Ring[string]
	done          chan struct{}
	cancelLogs    context.CancelFunc
}

// NewContainer creates a new Docker container handle.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "host"
	}

	return &ContainerDriver{
		id:     uuid.NewString(),
		cfg:    cfg,
		client: cli,
		state:  StateStarting,
		buf:    logbuf.New[string](cfg.BufSize),
		done:   make(chan struct{}),
	}, nil
}

func (d *ContainerDriver) ID() string { return d.id }

func (d *ContainerDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.spawned || d.stopRequested {
		return ErrHandleUsed
	}
	d.spawned = true

	containerName := fmt.Sprintf("lyceum-%s", d.cfg.Name)

	// A container left behind by a previous session would block the name
	d.client.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true})

	config := &container.Config{
		Image: d.cfg.Image,
		Env:   d.cfg.Env,
		Cmd:   d.cfg.Cmd,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
	}

	if len(d.cfg.Volumes) > 0 {
		binds := make([]string, 0, len(d.cfg.Volumes))
		for host, cont := range d.cfg.Volumes {
			binds = append(binds, fmt.Sprintf("%s:%s", host, cont))
		}
		hostConfig.Binds = binds
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if dockerclient.IsErrNotFound(err) {
		// First run on this machine: fetch the image, then try once more
		if perr := d.pullLocked(ctx); perr != nil {
			return d.spawnFailedLocked(perr)
		}
		resp, err = d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	}
	if err != nil {
		return d.spawnFailedLocked(fmt.Errorf("creating container: %w", err))
	}
	d.containerID = resp.ID

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		return d.spawnFailedLocked(fmt.Errorf("starting container: %w", err))
	}

	d.state = StateRunning
	d.startedAt = time.Now()

	logCtx, cancel := context.WithCancel(context.Background())
	d.cancelLogs = cancel
	go d.streamLogs(logCtx)
	go d.waitForExit()

	return nil
}

// pullLocked downloads the configured image. Progress messages are
// discarded; the pull is complete once the stream is drained.
func (d *ContainerDriver) pullLocked(ctx context.Context) error {
	if d.cfg.Output != nil {
		d.cfg.Output(events.Stderr, "pulling image "+d.cfg.Image)
	}
	rc, err := d.client.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", d.cfg.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling %s: %w", d.cfg.Image, err)
	}
	return nil
}

func (d *ContainerDriver) spawnFailedLocked(err error) error {
	d.state = StateExited
	d.exitErr = err.Error()
	close(d.done)
	d.closeClient()
	return &SpawnError{Command: d.cfg.Image, Err: err}
}

func (d *ContainerDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	d.stopRequested = true
	if !d.spawned || d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}
	containerID := d.containerID
	d.mu.Unlock()

	// Docker stop sends SIGTERM and waits for timeout before SIGKILL
	timeoutSec := int(timeout.Seconds())
	d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSec})

	var err error
	select {
	case <-d.done:
	case <-time.After(timeout + killWait):
		d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
		err = fmt.Errorf("container %s: %w", containerID, ErrTerminationTimeout)
	}

	d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{})
	d.closeClient()
	return err
}

func (d *ContainerDriver) closeClient() {
	d.closeOnce.Do(func() {
		d.client.Close()
	})
}

func (d *ContainerDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		ID:            d.id,
		Command:       d.cfg.Image,
		Args:          append([]string(nil), d.cfg.Cmd...),
		State:         d.state,
		StartedAt:     d.startedAt,
		Error:         d.exitErr,
		StopRequested: d.stopRequested,
	}
	if d.exitCode != nil {
		info.ExitCode = exitCodePtr(*d.exitCode)
	}
	return info
}

func (d *ContainerDriver) Wait() (int, error) {
	d.mu.Lock()
	spawned := d.spawned
	d.mu.Unlock()
	if !spawned {
		return -1, fmt.Errorf("container not started")
	}
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exitCode == nil {
		return -1, fmt.Errorf("container never ran: %s", d.exitErr)
	}
	return *d.exitCode, nil
}

func (d *ContainerDriver) Done() <-chan struct{} { return d.done }

func (d *ContainerDriver) StopRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopRequested
}

func (d *ContainerDriver) LogLines(n int) []string {
	return d.buf.Tail(n)
}

func (d *ContainerDriver) streamLogs(ctx context.Context) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	}

	reader, err := d.client.ContainerLogs(ctx, d.containerID, opts)
	if err != nil {
		return
	}
	defer reader.Close()

	stdout := newLineWriter(events.Stdout, d.buf, d.cfg.Output)
	stderr := newLineWriter(events.Stderr, d.buf, d.cfg.Output)

	// Docker multiplexes stdout/stderr with 8-byte frame headers.
	stdcopy.StdCopy(stdout, stderr, reader)
	stdout.flush()
	stderr.flush()
}

func (d *ContainerDriver) waitForExit() {
	statusCh, errCh := d.client.ContainerWait(
		context.Background(),
		d.containerID,
		container.WaitConditionNotRunning,
	)

	code := -1
	var exitErr string
	select {
	case err := <-errCh:
		if err != nil {
			exitErr = err.Error()
		}
	case status := <-statusCh:
		code = int(status.StatusCode)
		if status.Error != nil {
			exitErr = status.Error.Message
		}
	}

	d.mu.Lock()
	d.exitCode = exitCodePtr(code)
	d.exitErr = exitErr
	d.state = StateExited
	wasStopping := d.stopRequested
	cancel := d.cancelLogs
	close(d.done)
	d.mu.Unlock()

	// Give the log stream a moment to drain the final lines
	time.AfterFunc(time.Second, cancel)

	// Stop closes the client itself
	if !wasStopping {
		d.closeClient()
	}
}

// ContainerID returns the Docker container ID (for external inspection).
func (d *ContainerDriver) ContainerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containerID
}
