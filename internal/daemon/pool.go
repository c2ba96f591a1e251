package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benaskins/lyceum/internal/classify"
	"github.com/benaskins/lyceum/internal/driver"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/metrics"
)

// ErrPoolConfig is returned when a pool start request is unusable.
var ErrPoolConfig = errors.New("invalid pool configuration")

// Pool lifecycle states reported in status events.
const (
	PoolStarted = "started"
	PoolStopped = "stopped"
	PoolFailed  = "failed"
)

// MaxWorkers bounds the requested pool size.
const MaxWorkers = 8

// WorkerConfig is what the pool needs to spawn one worker.
type WorkerConfig struct {
	Command         string
	Args            []string
	WorkingDir      string
	Env             []string
	InputArg        string
	IDArg           string
	AccelerationArg string
	StopTimeout     time.Duration
}

// WorkerStatus describes one live worker.
type WorkerStatus struct {
	ID     string `json:"id"`
	PID    int    `json:"pid"`
	Uptime string `json:"uptime,omitempty"`
}

// PoolStatus is the externally-visible state of the worker pool.
type PoolStatus struct {
	Running             bool           `json:"running"`
	WorkerCount         int            `json:"worker_count"`
	TargetCount         int            `json:"target_count"`
	IDs                 []string       `json:"ids"`
	Workers             []WorkerStatus `json:"workers"`
	AccelerationEnabled bool           `json:"acceleration_enabled"`
	InputDirectories    []string       `json:"input_directories,omitempty"`
	LastExitCode        *int           `json:"last_exit_code,omitempty"`
}

type worker struct {
	id  string
	drv driver.Driver
}

// WorkerPool runs a set of identical worker processes. Workers are not
// restarted; when the last one exits the pool reports itself stopped.
type WorkerPool struct {
	relay      *events.Relay
	classifier *classify.Classifier
	logger     *slog.Logger

	// opMu serializes StartPool, StopPool and Shutdown
	opMu sync.Mutex

	mu           sync.Mutex
	cfg          WorkerConfig
	workers      []*worker
	retired      map[string]driver.Driver // exited workers, kept for logs
	target       int
	accel        bool
	dirs         []string
	lastExitCode *int
	lastStamp    int64
	shuttingDown bool

	// startWorker is spawn, replaceable in tests
	startWorker func(ctx context.Context, cfg WorkerConfig, id string, accel bool, dir string) (*worker, error)
}

// NewWorkerPool creates an empty pool.
func NewWorkerPool(cfg WorkerConfig, relay *events.Relay, c *classify.Classifier) *WorkerPool {
	p := &WorkerPool{
		cfg:        cfg,
		relay:      relay,
		classifier: c,
		logger:     slog.With("component", "pool"),
		retired:    make(map[string]driver.Driver),
	}
	p.startWorker = p.spawn
	return p
}

// UpdateConfig replaces the worker spawn configuration. Running workers
// keep the configuration they were started with.
func (p *WorkerPool) UpdateConfig(cfg WorkerConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// StartPool launches count workers reading from the first of dirs. It is a
// no-op returning the current IDs while any worker is alive. Workers that
// fail to spawn are reported and skipped.
func (p *WorkerPool) StartPool(ctx context.Context, count int, accel bool, dirs []string) ([]string, error) {
	if count < 1 || count > MaxWorkers {
		return nil, fmt.Errorf("%w: worker count %d outside 1..%d", ErrPoolConfig, count, MaxWorkers)
	}
	if len(dirs) == 0 || dirs[0] == "" {
		return nil, fmt.Errorf("%w: no input directory", ErrPoolConfig)
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(p.workers) > 0 {
		ids := p.idsLocked()
		p.mu.Unlock()
		return ids, nil
	}
	cfg := p.cfg
	p.target = count
	p.accel = accel
	p.dirs = slices.Clone(dirs)
	p.lastExitCode = nil
	clear(p.retired)
	p.mu.Unlock()

	p.logger.Info("starting worker pool", "count", count, "acceleration", accel, "input", dirs[0])

	var started []*worker
	for i := 1; i <= count; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		id := p.nextID(i)
		w, err := p.startWorker(ctx, cfg, id, accel, dirs[0])
		if err != nil {
			metrics.SpawnFailures.WithLabelValues("worker").Inc()
			p.logger.Error("failed to start worker", "worker", id, "error", err)
			note(p.relay, events.WorkerSource(id), events.Error,
				fmt.Sprintf("worker %s failed to start: %v", id, err))
			continue
		}

		p.mu.Lock()
		p.workers = append(p.workers, w)
		n := len(p.workers)
		p.mu.Unlock()
		metrics.WorkersRunning.Set(float64(n))

		started = append(started, w)
	}

	if len(started) == 0 {
		p.emit(PoolFailed, "no worker could be started", nil)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no worker could be started")
	}

	// Watchers start after the started event so it precedes any stopped event
	p.emit(PoolStarted, fmt.Sprintf("%d of %d workers", len(started), count), nil)
	ids := make([]string, 0, len(started))
	for _, w := range started {
		ids = append(ids, w.id)
		go p.watch(w)
	}
	return ids, nil
}

// nextID returns "<ordinal>-<stamp>" where stamp strictly increases
// across the pool's lifetime, so IDs never repeat.
func (p *WorkerPool) nextID(ordinal int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	stamp := time.Now().UnixMilli()
	if stamp <= p.lastStamp {
		stamp = p.lastStamp + 1
	}
	p.lastStamp = stamp
	return strconv.Itoa(ordinal) + "-" + strconv.FormatInt(stamp, 10)
}

func (p *WorkerPool) spawn(ctx context.Context, cfg WorkerConfig, id string, accel bool, dir string) (*worker, error) {
	args := slices.Clone(cfg.Args)
	args = append(args, cfg.InputArg, dir, cfg.IDArg, id)
	if accel && cfg.AccelerationArg != "" {
		args = append(args, cfg.AccelerationArg)
	}

	drv := driver.NewNative(driver.NativeConfig{
		Command:    cfg.Command,
		Args:       args,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Output:     relayOutput(p.relay, p.classifier, events.WorkerSource(id)),
	})
	if err := drv.Start(ctx); err != nil {
		return nil, err
	}
	p.logger.Info("worker started", "worker", id, "pid", drv.Info().PID)
	return &worker{id: id, drv: drv}, nil
}

// watch waits for one worker to exit. Unrequested exits are reported but
// not restarted.
func (p *WorkerPool) watch(w *worker) {
	<-w.drv.Done()
	info := w.drv.Info()

	if !w.drv.StopRequested() {
		code := -1
		if info.ExitCode != nil {
			code = *info.ExitCode
		}
		class := events.Info
		if code != 0 {
			class = events.Warning
		}
		p.logger.Info("worker exited", "worker", w.id, "exit_code", code)
		note(p.relay, events.WorkerSource(w.id), class,
			fmt.Sprintf("worker %s exited (exit code %d)", w.id, code))
	}
	p.remove(w, info.ExitCode)
}

// remove drops w from the live set. It is safe to call more than once for
// the same worker; only the call that empties the set emits "stopped".
func (p *WorkerPool) remove(w *worker, exitCode *int) {
	p.mu.Lock()
	i := slices.Index(p.workers, w)
	if i < 0 {
		p.mu.Unlock()
		return
	}
	p.workers = slices.Delete(p.workers, i, i+1)
	p.retired[w.id] = w.drv
	if exitCode != nil {
		code := *exitCode
		p.lastExitCode = &code
	}
	n := len(p.workers)
	last := p.lastExitCode
	p.mu.Unlock()

	metrics.WorkersRunning.Set(float64(n))
	if n == 0 {
		p.logger.Info("worker pool stopped")
		p.emit(PoolStopped, "", last)
	}
}

// StopPool stops every worker in parallel and waits for them to exit.
// Stopping an empty pool is a no-op.
func (p *WorkerPool) StopPool(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stopLocked(ctx)
}

func (p *WorkerPool) stopLocked(ctx context.Context) error {
	p.mu.Lock()
	ws := slices.Clone(p.workers)
	timeout := p.cfg.StopTimeout
	p.mu.Unlock()

	if len(ws) == 0 {
		return nil
	}
	p.logger.Info("stopping worker pool", "count", len(ws))

	var g errgroup.Group
	for _, w := range ws {
		g.Go(func() error {
			err := w.drv.Stop(ctx, timeout)
			p.remove(w, w.drv.Info().ExitCode)
			if err != nil {
				return fmt.Errorf("stopping worker %s: %w", w.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops all workers and refuses further starts.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	p.mu.Unlock()

	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stopLocked(ctx)
}

// Status returns a snapshot of the pool.
func (p *WorkerPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStatus{
		Running:             len(p.workers) > 0,
		WorkerCount:         len(p.workers),
		TargetCount:         p.target,
		IDs:                 p.idsLocked(),
		Workers:             []WorkerStatus{},
		AccelerationEnabled: p.accel,
		InputDirectories:    slices.Clone(p.dirs),
	}
	if p.lastExitCode != nil {
		code := *p.lastExitCode
		st.LastExitCode = &code
	}
	for _, w := range p.workers {
		info := w.drv.Info()
		ws := WorkerStatus{ID: w.id, PID: info.PID}
		if !info.StartedAt.IsZero() {
			ws.Uptime = time.Since(info.StartedAt).Truncate(time.Second).String()
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}

// WorkerLogs returns the last n lines of a live or exited worker.
func (p *WorkerPool) WorkerLogs(id string, n int) ([]string, bool) {
	p.mu.Lock()
	var drv driver.Driver
	for _, w := range p.workers {
		if w.id == id {
			drv = w.drv
		}
	}
	if drv == nil {
		drv = p.retired[id]
	}
	p.mu.Unlock()

	if drv == nil {
		return nil, false
	}
	return drv.LogLines(n), true
}

func (p *WorkerPool) idsLocked() []string {
	ids := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		ids = append(ids, w.id)
	}
	return ids
}

func (p *WorkerPool) emit(state, detail string, exitCode *int) {
	p.mu.Lock()
	ids := p.idsLocked()
	p.mu.Unlock()
	p.relay.Status(events.StatusChange{
		Component: events.SourcePool,
		State:     state,
		ExitCode:  exitCode,
		Workers:   ids,
		Detail:    detail,
	})
}
