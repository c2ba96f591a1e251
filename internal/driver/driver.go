package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benaskins/lyceum/internal/events"
)

// State represents the lifecycle state of a process handle.
// Starting moves to Running only once the OS has assigned a pid; Exited is
// terminal.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
)

var (
	// ErrHandleUsed is returned when Start is called on a handle that has
	// already spawned (or tried to spawn) a process.
	ErrHandleUsed = errors.New("process handle already used")

	// ErrTerminationTimeout is returned when a process is still alive after
	// forceful termination.
	ErrTerminationTimeout = errors.New("process did not exit after forceful termination")
)

// SpawnError reports that the OS refused to create the process, for example
// because the executable is missing. Spawn failures are never retried by
// the driver.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err was caused by a failed spawn.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

// OutputFunc receives every complete line a process writes. It is called
// from the goroutine draining that stream and must not block.
type OutputFunc func(stream events.Stream, line string)

// ProcessInfo is a snapshot of a handle.
type ProcessInfo struct {
	ID            string    `json:"id"`
	Command       string    `json:"command"`
	Args          []string  `json:"args,omitempty"`
	WorkingDir    string    `json:"working_dir,omitempty"`
	PID           int       `json:"pid,omitempty"`
	State         State     `json:"state"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Error         string    `json:"error,omitempty"`
	StopRequested bool      `json:"stop_requested,omitempty"`
}

// Driver is one process handle. A handle spawns at most one process over
// its lifetime; restarting means creating a new handle.
// Native and container drivers both implement this.
type Driver interface {
	// ID is unique per spawn attempt.
	ID() string

	// Start spawns the process and returns as soon as the spawn has
	// succeeded or failed. It does not wait for readiness.
	Start(ctx context.Context) error

	// Stop marks the exit as expected, requests graceful termination,
	// waits up to timeout, then terminates forcefully. Stopping a handle
	// that never started or already exited is a no-op.
	Stop(ctx context.Context, timeout time.Duration) error

	// Info returns a snapshot of the handle.
	Info() ProcessInfo

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)

	// Done is closed once the process has exited or the spawn failed.
	Done() <-chan struct{}

	// StopRequested reports whether Stop was called on this handle.
	StopRequested() bool

	// LogLines returns the last n lines of captured output.
	LogLines(n int) []string
}

func exitCodePtr(code int) *int {
	return &code
}
