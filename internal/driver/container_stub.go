//go:build nocontainer

package driver

import (
	"context"
	"errors"
	"time"
)

var errNoContainer = errors.New("container support excluded (built with nocontainer tag)")

// ContainerConfig holds configuration for a Docker container.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	NetworkMode string
	Volumes     map[string]string
	BufSize     int
	Output      OutputFunc
}

// ContainerDriver is a stub when container support is excluded.
type ContainerDriver struct{}

// NewContainer returns an error when built with the nocontainer tag.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	return nil, errNoContainer
}

func (d *ContainerDriver) ID() string                                      { return "" }
func (d *ContainerDriver) Start(ctx context.Context) error                 { return &SpawnError{Err: errNoContainer} }
func (d *ContainerDriver) Stop(ctx context.Context, _ time.Duration) error { return nil }
func (d *ContainerDriver) Info() ProcessInfo                               { return ProcessInfo{State: StateExited} }
func (d *ContainerDriver) Wait() (int, error)                              { return -1, errNoContainer }
func (d *ContainerDriver) Done() <-chan struct{}                           { return closedChan }
func (d *ContainerDriver) StopRequested() bool                             { return false }
func (d *ContainerDriver) LogLines(n int) []string                         { return nil }
func (d *ContainerDriver) ContainerID() string                             { return "" }

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()
