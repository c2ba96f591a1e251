package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/logbuf"
)

// killWait bounds how long Stop waits for exit after forceful termination.
const killWait = 5 * time.Second

// NativeDriver manages a native (fork/exec) process.
type NativeDriver struct {
	id         string
	command    string
	args       []string
	env        []string
	workingDir string
	output     OutputFunc
	waitDelay  time.Duration

	mu            sync.Mutex
	cmd           *exec.Cmd
	spawned       bool
	state         State
	pid           int
	startedAt     time.Time
	exitCode      *int
	exitErr       string
	stopRequested bool
	buf           *logbuf.Ring[string]
	done          chan struct{}
}

// NativeConfig holds configuration for a native process.
type NativeConfig struct {
	// Command may carry leading arguments ("sleep 60"); Args are appended.
	Command    string
	Args       []string
	Env        []string // added to the inherited environment
	WorkingDir string
	BufSize    int // log ring buffer size (lines), 0 for default
	Output     OutputFunc

	// WaitDelay bounds how long output draining may outlive the process,
	// e.g. when a grandchild keeps the pipe open. 0 for default.
	WaitDelay time.Duration
}

// NewNative creates a new native process handle in the Starting state.
func NewNative(cfg NativeConfig) *NativeDriver {
	parts := strings.Fields(cfg.Command)
	var command string
	var args []string
	if len(parts) > 0 {
		command = parts[0]
		args = parts[1:]
	}
	args = append(args, cfg.Args...)

	waitDelay := cfg.WaitDelay
	if waitDelay <= 0 {
		waitDelay = 2 * time.Second
	}

	return &NativeDriver{
		id:         uuid.NewString(),
		command:    command,
		args:       args,
		env:        cfg.Env,
		workingDir: cfg.WorkingDir,
		output:     cfg.Output,
		waitDelay:  waitDelay,
		state:      StateStarting,
		buf:        logbuf.New[string](cfg.BufSize),
		done:       make(chan struct{}),
	}
}

func (d *NativeDriver) ID() string { return d.id }

// Start spawns the process. The context only gates the spawn itself:
// cancelling it later does not kill the process, Stop does.
func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.spawned || d.stopRequested {
		return ErrHandleUsed
	}
	d.spawned = true

	if d.command == "" {
		return d.spawnFailedLocked(errors.New("empty command"))
	}
	if err := ctx.Err(); err != nil {
		return d.spawnFailedLocked(err)
	}

	stdout := newLineWriter(events.Stdout, d.buf, d.output)
	stderr := newLineWriter(events.Stderr, d.buf, d.output)

	d.cmd = exec.Command(d.command, d.args...)
	if len(d.env) > 0 {
		d.cmd.Env = append(os.Environ(), d.env...)
	}
	if d.workingDir != "" {
		d.cmd.Dir = d.workingDir
	}
	d.cmd.Stdout = stdout
	d.cmd.Stderr = stderr
	d.cmd.WaitDelay = d.waitDelay

	// New process group so the whole tree can be terminated
	configureProcAttr(d.cmd)

	if err := d.cmd.Start(); err != nil {
		return d.spawnFailedLocked(err)
	}

	d.pid = d.cmd.Process.Pid
	d.state = StateRunning
	d.startedAt = time.Now()

	go func() {
		err := d.cmd.Wait()
		stdout.flush()
		stderr.flush()

		d.mu.Lock()
		defer d.mu.Unlock()

		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
			d.exitErr = err.Error()
		}
		d.exitCode = exitCodePtr(code)
		d.state = StateExited
		close(d.done)
	}()

	return nil
}

func (d *NativeDriver) spawnFailedLocked(err error) error {
	d.state = StateExited
	d.exitErr = err.Error()
	close(d.done)
	return &SpawnError{Command: d.command, Err: err}
}

// Stop terminates the process tree: graceful first, forceful once timeout
// elapses or ctx is cancelled.
func (d *NativeDriver) Stop(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	d.stopRequested = true
	if !d.spawned || d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}
	pid := d.pid
	d.mu.Unlock()

	_ = terminate(pid, true)

	var ctxErr error
	select {
	case <-d.done:
		return nil
	case <-time.After(timeout):
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	_ = terminate(pid, false)

	select {
	case <-d.done:
		return ctxErr
	case <-time.After(killWait):
		return fmt.Errorf("pid %d: %w", pid, ErrTerminationTimeout)
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		ID:            d.id,
		Command:       d.command,
		Args:          append([]string(nil), d.args...),
		WorkingDir:    d.workingDir,
		PID:           d.pid,
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

func (d *NativeDriver) Wait() (int, error) {
	d.mu.Lock()
	spawned := d.spawned
	d.mu.Unlock()
	if !spawned {
		return -1, fmt.Errorf("process not started")
	}
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exitCode == nil {
		return -1, fmt.Errorf("process never ran: %s", d.exitErr)
	}
	return *d.exitCode, nil
}

func (d *NativeDriver) Done() <-chan struct{} { return d.done }

func (d *NativeDriver) StopRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopRequested
}

func (d *NativeDriver) LogLines(n int) []string {
	return d.buf.Tail(n)
}

// lineWriter splits one output stream into lines, stores them in the
// handle's ring and hands them to the output callback. exec drains stdout
// and stderr on separate goroutines, so each stream has its own writer.
type lineWriter struct {
	stream  events.Stream
	buf     *logbuf.Ring[string]
	output  OutputFunc
	mu      sync.Mutex
	partial bytes.Buffer
}

func newLineWriter(stream events.Stream, buf *logbuf.Ring[string], output OutputFunc) *lineWriter {
	return &lineWriter{stream: stream, buf: buf, output: output}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// flush emits a trailing line that had no newline.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial.Len() == 0 {
		return
	}
	line := strings.TrimRight(w.partial.String(), "\r")
	w.partial.Reset()
	w.emit(line)
}

func (w *lineWriter) emit(line string) {
	w.buf.Push(line)
	if w.output != nil {
		w.output(w.stream, line)
	}
}
