package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benaskins/lyceum/internal/backend"
	"github.com/benaskins/lyceum/internal/classify"
	"github.com/benaskins/lyceum/internal/config"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/gpu"
	"github.com/benaskins/lyceum/internal/health"
	"github.com/benaskins/lyceum/internal/port"
)

const (
	// defaultPortMin is the lower bound of the dynamic port allocation range.
	defaultPortMin = 20000

	// defaultPortMax is the upper bound of the dynamic port allocation range.
	defaultPortMax = 32000

	defaultReadyTimeout = 90 * time.Second
	defaultRuntimeURL   = "http://127.0.0.1:11434"
	defaultRuntimeProbe = "/api/tags"
	gpuPollInterval     = 30 * time.Second
)

// Status is the combined snapshot served to the UI.
type Status struct {
	Service ServiceStatus `json:"service"`
	Pool    PoolStatus    `json:"pool"`
	Runtime RuntimeStatus `json:"runtime"`

	// EventSeq is the sequence number of the latest published event, so a
	// client can line the snapshot up against the event stream.
	EventSeq uint64 `json:"event_seq"`
}

// Daemon wires the service supervisor, worker pool and model runtime to the
// persisted configuration and runs the startup sequence.
type Daemon struct {
	store        *config.Store
	relay        *events.Relay
	ports        *port.Allocator
	service      *ServiceSupervisor
	pool         *WorkerPool
	runtime      *ModelRuntime
	backend      *backend.Client
	gpu          *gpu.Observer
	gpuProbe     func() gpu.Info
	readyTimeout time.Duration
	watch        bool
	logger       *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	bootDone chan struct{}
	bg       sync.WaitGroup
}

// Option configures the daemon.
type Option func(*Daemon)

// WithRelay sets the event relay. By default events are echoed to stderr
// only.
func WithRelay(r *events.Relay) Option {
	return func(d *Daemon) { d.relay = r }
}

// WithPortRange sets the dynamic port allocation range.
func WithPortRange(min, max int) Option {
	return func(d *Daemon) { d.ports = port.NewAllocator(min, max) }
}

// WithReadyTimeout bounds how long startup waits for the service to become
// healthy before giving up on the pending-work check.
func WithReadyTimeout(timeout time.Duration) Option {
	return func(d *Daemon) { d.readyTimeout = timeout }
}

// WithGPUProbe replaces accelerator detection.
func WithGPUProbe(probe func() gpu.Info) Option {
	return func(d *Daemon) { d.gpuProbe = probe }
}

// WithoutWatcher disables reloading the config file on external edits.
func WithoutWatcher() Option {
	return func(d *Daemon) { d.watch = false }
}

// NewDaemon creates a daemon over the given config store.
func NewDaemon(store *config.Store, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		store:        store,
		ports:        port.NewAllocator(defaultPortMin, defaultPortMax),
		gpu:          gpu.NewObserver(gpuPollInterval),
		readyTimeout: defaultReadyTimeout,
		watch:        true,
		logger:       slog.With("component", "daemon"),
		bootDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.relay == nil {
		d.relay = events.NewRelay(nil)
	}

	cfg := store.Config()
	serviceClassifier, err := classify.New(nil)
	if err != nil {
		return nil, err
	}
	workerClassifier, err := classify.New(cfg.Worker.NoisePatterns)
	if err != nil {
		return nil, fmt.Errorf("worker noise patterns: %w", err)
	}

	d.service = NewServiceSupervisor(serviceConfig(cfg), d.relay, serviceClassifier, d.ports)
	d.pool = NewWorkerPool(workerConfig(cfg), d.relay, workerClassifier)
	d.runtime = NewModelRuntime(runtimeConfig(cfg), d.relay, serviceClassifier)
	d.backend = backend.NewClient(cfg.Service.StatusPath, cfg.Service.HealthTimeout.Or(5*time.Second))
	return d, nil
}

func serviceConfig(cfg *config.Config) ServiceConfig {
	s := cfg.Service
	return ServiceConfig{
		Command:    s.Command,
		Args:       s.Args,
		WorkingDir: s.WorkingDir,
		Env:        config.EnvList(s.Env),
		Port:       cfg.Settings.ServicePort,
		PortArg:    s.PortArg,
		Health: health.Config{
			Type:        "http",
			Path:        s.HealthPath,
			Interval:    s.HealthInterval.Duration,
			Timeout:     s.HealthTimeout.Duration,
			MaxAttempts: s.HealthAttempts,
		},
		RestartDelay: s.RestartDelay.Duration,
		StopTimeout:  s.StopTimeout.Duration,
	}
}

func workerConfig(cfg *config.Config) WorkerConfig {
	w := cfg.Worker
	return WorkerConfig{
		Command:         w.Command,
		Args:            w.Args,
		WorkingDir:      w.WorkingDir,
		Env:             config.EnvList(w.Env),
		InputArg:        w.InputArg,
		IDArg:           w.IDArg,
		AccelerationArg: w.AccelerationArg,
		StopTimeout:     w.StopTimeout.Duration,
	}
}

func runtimeConfig(cfg *config.Config) RuntimeConfig {
	r := cfg.Runtime
	rc := RuntimeConfig{
		Type:      r.Type,
		Command:   r.Command,
		Image:     r.Image,
		URL:       r.URL,
		ProbePath: r.ProbePath,
		Probe: health.Config{
			Interval:    cfg.Service.HealthInterval.Duration,
			Timeout:     cfg.Service.HealthTimeout.Duration,
			MaxAttempts: cfg.Service.HealthAttempts,
		},
	}
	if rc.URL == "" {
		rc.URL = defaultRuntimeURL
	}
	if rc.ProbePath == "" {
		rc.ProbePath = defaultRuntimeProbe
	}
	if len(r.Volumes) > 0 {
		rc.Volumes = make(map[string]string, len(r.Volumes))
		for _, v := range r.Volumes {
			host, ctr, ok := strings.Cut(v, ":")
			if ok {
				rc.Volumes[host] = ctr
			}
		}
	}
	return rc
}

// Start runs the startup sequence in the background and returns at once,
// so the control API can serve requests while the service comes up.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		defer close(d.bootDone)
		d.bootstrap(ctx)
	}()

	if d.watch && d.store.Path() != "" {
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			if err := d.WatchConfig(ctx); err != nil {
				d.logger.Error("config file watcher failed", "error", err)
			}
		}()
	}
	return nil
}

// Bootstrapped is closed once the startup sequence has finished, whatever
// its outcome.
func (d *Daemon) Bootstrapped() <-chan struct{} { return d.bootDone }

// bootstrap starts the service, waits for it to become healthy, starts the
// pool if there is pending work, and brings up the model runtime. Every step
// after the first is best effort; failures become events.
func (d *Daemon) bootstrap(ctx context.Context) {
	if d.gpuProbe == nil {
		d.gpu.Start(ctx)
	}

	if _, err := d.service.Start(ctx); err != nil {
		// already reported by the supervisor
		d.logger.Error("service did not start", "error", err)
	} else if d.waitHealthy(ctx) {
		d.startPoolIfPending(ctx)
	} else if ctx.Err() == nil {
		d.note(events.Warning, "service not ready; skipping the pending work check")
	}

	if ctx.Err() != nil {
		return
	}
	if err := d.runtime.EnsureRunning(ctx); err != nil {
		d.logger.Warn("model runtime unavailable", "error", err)
		d.note(events.Warning, "model runtime unavailable: "+err.Error())
	}
}

// waitHealthy polls the supervisor until the service is healthy, the probe
// gave up, or the ready timeout elapsed.
func (d *Daemon) waitHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, d.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := d.service.Status()
		switch {
		case st.Health == health.StatusHealthy:
			return true
		case st.Health == health.StatusUnhealthy, st.State == ServiceFailed:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (d *Daemon) startPoolIfPending(ctx context.Context) {
	settings := d.store.Settings()

	st, err := d.backend.Status(ctx, d.service.Port())
	if err != nil {
		d.logger.Warn("pending work query failed", "error", err)
		d.note(events.Warning, "could not query pending work: "+err.Error())
		return
	}
	pending := st.Outstanding()
	d.logger.Info("pending work", "pending", st.Pending, "in_progress", st.InProgress, "total", st.TotalCourses)

	if pending == 0 {
		d.note(events.Info, "no pending courses; workers not started")
		return
	}
	if !settings.AutoStartWorkers {
		d.note(events.Info, fmt.Sprintf("%d courses pending; automatic worker start is disabled", pending))
		return
	}

	d.note(events.Info, fmt.Sprintf("%d courses pending; starting %d workers", pending, settings.WorkerCount))
	if _, err := d.StartPool(ctx, 0); err != nil {
		d.logger.Warn("automatic pool start failed", "error", err)
	}
}

// Stop ends the startup sequence and shuts everything down in parallel.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	d.gpu.Stop()

	cfg := d.store.Config()
	var g errgroup.Group
	g.Go(func() error { return d.pool.Shutdown(ctx) })
	g.Go(func() error { return d.service.Shutdown(ctx) })
	g.Go(func() error { return d.runtime.Stop(ctx, cfg.Service.StopTimeout.Or(5*time.Second)) })
	err := g.Wait()

	waited := make(chan struct{})
	go func() {
		d.bg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	d.logger.Info("all processes stopped")
	return err
}

// StartService starts the backend service.
func (d *Daemon) StartService(ctx context.Context) (ServiceStatus, error) {
	_, err := d.service.Start(ctx)
	return d.service.Status(), err
}

// StopService stops the backend service.
func (d *Daemon) StopService(ctx context.Context) (ServiceStatus, error) {
	err := d.service.Stop(ctx)
	return d.service.Status(), err
}

// RestartService replaces the backend service process.
func (d *Daemon) RestartService(ctx context.Context) (ServiceStatus, error) {
	_, err := d.service.Restart(ctx)
	return d.service.Status(), err
}

// StartPool starts count workers with the stored acceleration and input
// settings. A count of 0 uses the stored worker count.
func (d *Daemon) StartPool(ctx context.Context, count int) (PoolStatus, error) {
	settings := d.store.Settings()
	if count == 0 {
		count = settings.WorkerCount
	}
	if settings.AccelerationEnabled && !d.GPU().Available {
		d.note(events.Warning, "acceleration is enabled but no accelerator was detected")
	}
	_, err := d.pool.StartPool(ctx, count, settings.AccelerationEnabled, settings.InputDirectories)
	return d.pool.Status(), err
}

// StopPool stops every worker.
func (d *Daemon) StopPool(ctx context.Context) (PoolStatus, error) {
	err := d.pool.StopPool(ctx)
	return d.pool.Status(), err
}

// ConfigChanged pushes the stored configuration to the supervisors. It
// takes effect on their next spawn.
func (d *Daemon) ConfigChanged() {
	cfg := d.store.Config()
	d.service.UpdateConfig(serviceConfig(cfg))
	d.pool.UpdateConfig(workerConfig(cfg))
	d.runtime.UpdateConfig(runtimeConfig(cfg))
}

// Status returns the combined snapshot.
func (d *Daemon) Status() Status {
	return Status{
		Service:  d.service.Status(),
		Pool:     d.pool.Status(),
		Runtime:  d.runtime.Status(),
		EventSeq: d.relay.Seq(),
	}
}

// ServiceStatus returns the backend service snapshot.
func (d *Daemon) ServiceStatus() ServiceStatus { return d.service.Status() }

// PoolStatus returns the worker pool snapshot.
func (d *Daemon) PoolStatus() PoolStatus { return d.pool.Status() }

// ServiceLogs returns the last n lines of backend output.
func (d *Daemon) ServiceLogs(n int) []string { return d.service.Logs(n) }

// WorkerLogs returns the last n lines of a worker's output.
func (d *Daemon) WorkerLogs(id string, n int) ([]string, error) {
	lines, ok := d.pool.WorkerLogs(id, n)
	if !ok {
		return nil, fmt.Errorf("worker %q not found", id)
	}
	return lines, nil
}

// GPU returns the latest accelerator snapshot.
func (d *Daemon) GPU() gpu.Info {
	if d.gpuProbe != nil {
		return d.gpuProbe()
	}
	return d.gpu.Info()
}

// Relay returns the event relay.
func (d *Daemon) Relay() *events.Relay { return d.relay }

// Store returns the config store.
func (d *Daemon) Store() *config.Store { return d.store }

func (d *Daemon) note(class events.Classification, text string) {
	note(d.relay, events.SourceDaemon, class, text)
}
