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

	"github.com/benaskins/lyceum/internal/classify"
	"github.com/benaskins/lyceum/internal/driver"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/health"
	"github.com/benaskins/lyceum/internal/metrics"
	"github.com/benaskins/lyceum/internal/port"
)

// ErrShuttingDown is returned when a start is requested after Shutdown.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Service lifecycle states reported in ServiceStatus and status events.
const (
	ServiceStopped    = "stopped"
	ServiceStarting   = "starting"
	ServiceRunning    = "running"
	ServiceRestarting = "restarting"
	ServiceFailed     = "failed"
)

const portOwnerService = "service"

// ServiceConfig is what the supervisor needs to spawn the backend.
type ServiceConfig struct {
	Command    string
	Args       []string
	WorkingDir string
	Env        []string

	// Port 0 means allocate one dynamically.
	Port    int
	PortArg string

	Health       health.Config // Port is filled in per spawn
	RestartDelay time.Duration
	StopTimeout  time.Duration
}

// ServiceStatus is the externally-visible state of the backend service.
type ServiceStatus struct {
	Running       bool          `json:"running"`
	State         string        `json:"state"`
	Health        health.Status `json:"health"`
	HandleID      string        `json:"handle_id,omitempty"`
	PID           int           `json:"pid,omitempty"`
	Port          int           `json:"port,omitempty"`
	Uptime        string        `json:"uptime,omitempty"`
	RestartCount  int           `json:"restart_count"`
	LastRestartAt *time.Time    `json:"last_restart_at,omitempty"`
	LastExitCode  *int          `json:"last_exit_code,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	ProbeAttempts int           `json:"probe_attempts"`
}

// ServiceSupervisor owns the single backend service process. It keeps at
// most one active handle, restarts it after unexpected exits with a fixed
// delay, and probes its liveness after every spawn.
type ServiceSupervisor struct {
	relay      *events.Relay
	classifier *classify.Classifier
	ports      *port.Allocator
	logger     *slog.Logger

	// opMu serializes start, stop, restart and crash respawns
	opMu sync.Mutex

	mu            sync.Mutex
	cfg           ServiceConfig
	drv           driver.Driver // active handle
	last          driver.Driver // most recent handle, kept for logs
	monitor       *health.Monitor
	health        health.Status
	port          int
	restartCount  int
	lastRestartAt time.Time
	lastExitCode  *int
	lastError     string
	restarting    bool
	failed        bool
	shuttingDown  bool

	// The run context spans one start..stop session. Cancelling it aborts
	// a pending restart delay and the health monitor.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewServiceSupervisor creates a supervisor. ports may be nil when the
// configured port is always fixed.
func NewServiceSupervisor(cfg ServiceConfig, relay *events.Relay, c *classify.Classifier, ports *port.Allocator) *ServiceSupervisor {
	return &ServiceSupervisor{
		cfg:        cfg,
		relay:      relay,
		classifier: c,
		ports:      ports,
		logger:     slog.With("component", "service"),
		health:     health.StatusUnknown,
	}
}

// UpdateConfig replaces the spawn configuration. It applies from the next
// spawn; a running process is left alone.
func (s *ServiceSupervisor) UpdateConfig(cfg ServiceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Start spawns the service if no handle is active and returns the active
// handle's ID. It returns once the spawn succeeded or failed; readiness is
// tracked separately by the health monitor. A spawn failure is returned to
// the caller and not retried.
func (s *ServiceSupervisor) Start(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startLocked(ctx)
}

// Stop terminates the active process and ends the restart loop. Stopping
// with nothing active is a no-op.
func (s *ServiceSupervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

// Restart stops the active process, if any, and starts a new one. The
// crash handler does not fire for the stopped process.
func (s *ServiceSupervisor) Restart(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		s.logger.Warn("error stopping service for restart", "error", err)
	}
	return s.startLocked(ctx)
}

// Shutdown stops the service and refuses further starts, including
// pending crash restarts.
func (s *ServiceSupervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()
	return s.Stop(ctx)
}

// caller holds opMu
func (s *ServiceSupervisor) startLocked(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	if s.drv != nil {
		if st := s.drv.Info().State; st == driver.StateStarting || st == driver.StateRunning {
			id := s.drv.ID()
			s.mu.Unlock()
			return id, nil
		}
	}
	// A manual start supersedes a pending crash restart
	if s.restarting && s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
		s.restarting = false
	}
	if s.runCancel == nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	drv, err := s.spawn(ctx)
	if err != nil {
		s.endRun()
		return "", err
	}

	go s.supervise(runCtx, drv)
	return drv.ID(), nil
}

// caller holds opMu
func (s *ServiceSupervisor) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	drv := s.drv
	monitor := s.monitor
	cancel := s.runCancel
	timeout := s.cfg.StopTimeout
	s.mu.Unlock()

	if drv == nil && cancel == nil {
		return nil
	}

	s.logger.Info("stopping service")

	if monitor != nil {
		monitor.Stop()
	}

	var err error
	if drv != nil {
		if err = drv.Stop(ctx, timeout); err != nil {
			s.logger.Warn("error stopping service", "error", err)
		}
	}

	s.endRun()
	if s.ports != nil {
		s.ports.Release(portOwnerService)
	}

	s.mu.Lock()
	if s.drv == drv && drv != nil {
		s.lastExitCode = drv.Info().ExitCode
		s.drv = nil
		s.monitor = nil
	}
	s.health = health.StatusUnknown
	s.failed = false
	s.mu.Unlock()

	metrics.ServiceUp.Set(0)
	metrics.ServiceHealthy.Set(0)
	s.emit(ServiceStopped, "", nil)
	return err
}

func (s *ServiceSupervisor) endRun() {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.runCtx = nil
	s.restarting = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// spawn creates and starts a new handle and its health monitor. The caller
// holds opMu.
func (s *ServiceSupervisor) spawn(ctx context.Context) (driver.Driver, error) {
	s.mu.Lock()
	cfg := s.cfg
	runCtx := s.runCtx
	s.mu.Unlock()

	p, err := s.resolvePort(cfg.Port)
	if err != nil {
		s.spawnFailed(err)
		return nil, err
	}

	args := slices.Clone(cfg.Args)
	if cfg.PortArg != "" {
		args = append(args, cfg.PortArg, strconv.Itoa(p))
	}
	env := append(slices.Clone(cfg.Env), "PORT="+strconv.Itoa(p))

	drv := driver.NewNative(driver.NativeConfig{
		Command:    cfg.Command,
		Args:       args,
		Env:        env,
		WorkingDir: cfg.WorkingDir,
		Output:     relayOutput(s.relay, s.classifier, events.SourceService),
	})

	s.emit(ServiceStarting, "", nil)
	s.logger.Info("starting service", "command", cfg.Command, "port", p, "handle", drv.ID())

	if err := drv.Start(ctx); err != nil {
		s.spawnFailed(err)
		return nil, err
	}

	hc := cfg.Health
	hc.Port = p
	monitor := health.NewMonitor(hc, s.logger, health.Hooks{
		OnProbeFailed: func(attempt int, err error) {
			note(s.relay, events.SourceService, events.Info,
				fmt.Sprintf("waiting for service (probe %d failed: %v)", attempt, err))
		},
		OnChange: func(status health.Status) {
			s.setHealth(drv, status)
		},
	})

	info := drv.Info()
	s.mu.Lock()
	prev := s.monitor
	s.drv = drv
	s.last = drv
	s.monitor = monitor
	s.port = p
	s.health = health.StatusUnknown
	s.lastError = ""
	s.restarting = false
	s.failed = false
	s.mu.Unlock()

	// An exited handle replaced before its crash was evaluated still owns
	// a monitor
	if prev != nil {
		prev.Stop()
	}

	if runCtx == nil {
		runCtx = context.Background()
	}
	monitor.Start(runCtx)

	metrics.ServiceUp.Set(1)
	metrics.ServiceHealthy.Set(0)
	s.emit(ServiceRunning, "", nil)
	s.logger.Info("service started", "pid", info.PID)
	return drv, nil
}

func (s *ServiceSupervisor) spawnFailed(err error) {
	s.mu.Lock()
	s.lastError = err.Error()
	s.failed = true
	s.restarting = false
	s.mu.Unlock()

	s.logger.Error("failed to start service", "error", err)
	metrics.SpawnFailures.WithLabelValues(portOwnerService).Inc()
	note(s.relay, events.SourceService, events.Error, "service failed to start: "+err.Error())
	s.emit(ServiceFailed, err.Error(), nil)
}

func (s *ServiceSupervisor) resolvePort(fixed int) (int, error) {
	if fixed != 0 {
		// Dynamic allocations for other owners must not land on it
		if s.ports != nil {
			if err := s.ports.Reserve(portOwnerService, fixed); err != nil {
				return 0, err
			}
		}
		return fixed, nil
	}
	if s.ports == nil {
		return 0, fmt.Errorf("no port configured and no allocator available")
	}
	p, err := s.ports.Allocate(portOwnerService)
	if err != nil {
		return 0, err
	}
	// Keep the same port across restarts unless something else took it
	if !port.Available(p) {
		return s.ports.Reallocate(portOwnerService)
	}
	return p, nil
}

func (s *ServiceSupervisor) setHealth(drv driver.Driver, status health.Status) {
	s.mu.Lock()
	if s.drv != drv {
		s.mu.Unlock()
		return
	}
	s.health = status
	s.mu.Unlock()

	if status == health.StatusHealthy {
		metrics.ServiceHealthy.Set(1)
	} else {
		note(s.relay, events.SourceService, events.Warning,
			"service did not pass its liveness check; it keeps running")
	}
	s.emit(ServiceRunning, "", nil)
}

// supervisionPhase represents a phase in the service supervision lifecycle.
type supervisionPhase int

const (
	phaseStarting   supervisionPhase = iota // Respawn after a crash
	phaseRunning                            // Wait for process exit
	phaseEvaluating                         // Decide whether the exit was expected
	phaseRestarting                         // Wait for restart delay, then loop back to starting
	phaseStopped                            // Terminal: supervision of this run is done
)

// supervise follows one handle, and its crash replacements, until the run
// is stopped, a respawn fails, or another start superseded it.
func (s *ServiceSupervisor) supervise(ctx context.Context, drv driver.Driver) {
	phase := phaseRunning
	for phase != phaseStopped {
		switch phase {
		case phaseRunning:
			phase = s.handleRunning(ctx, drv)
		case phaseEvaluating:
			phase = s.handleEvaluating(ctx, drv)
		case phaseRestarting:
			phase = s.handleRestarting(ctx)
		case phaseStarting:
			drv, phase = s.handleStarting(ctx)
		}
	}
}

func (s *ServiceSupervisor) handleRunning(ctx context.Context, drv driver.Driver) supervisionPhase {
	select {
	case <-drv.Done():
		return phaseEvaluating
	case <-ctx.Done():
		return phaseStopped
	}
}

// handleEvaluating separates requested stops from crashes. Only a crash of
// the currently active handle leads to a restart.
func (s *ServiceSupervisor) handleEvaluating(ctx context.Context, drv driver.Driver) supervisionPhase {
	info := drv.Info()

	s.mu.Lock()
	if drv.StopRequested() || ctx.Err() != nil || s.drv != drv {
		s.mu.Unlock()
		return phaseStopped
	}

	monitor := s.monitor
	s.drv = nil
	s.monitor = nil
	s.health = health.StatusUnknown
	s.lastExitCode = info.ExitCode
	shuttingDown := s.shuttingDown
	if !shuttingDown {
		s.restartCount++
		s.lastRestartAt = time.Now()
		s.restarting = true
	}
	count := s.restartCount
	s.mu.Unlock()

	lastHealth := health.StatusUnknown
	if monitor != nil {
		monitor.Stop()
		lastHealth = monitor.CurrentStatus()
	}
	metrics.ServiceUp.Set(0)
	metrics.ServiceHealthy.Set(0)

	code := -1
	if info.ExitCode != nil {
		code = *info.ExitCode
	}
	s.logger.Warn("service exited unexpectedly", "exit_code", code, "restart_count", count, "last_health", lastHealth)
	note(s.relay, events.SourceService, events.Error,
		fmt.Sprintf("service exited unexpectedly (exit code %d)", code))

	if shuttingDown {
		s.emit(ServiceStopped, "exited during shutdown", info.ExitCode)
		return phaseStopped
	}
	metrics.ServiceRestarts.Inc()
	return phaseRestarting
}

// handleRestarting waits for the restart delay before transitioning back to starting.
func (s *ServiceSupervisor) handleRestarting(ctx context.Context) supervisionPhase {
	s.mu.Lock()
	delay := s.cfg.RestartDelay
	count := s.restartCount
	exitCode := s.lastExitCode
	s.mu.Unlock()
	if delay <= 0 {
		delay = 2 * time.Second
	}

	s.logger.Info("restarting after delay", "delay", delay, "restart_count", count)
	s.emit(ServiceRestarting, fmt.Sprintf("restart %d in %s", count, delay), exitCode)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return phaseStarting
	case <-ctx.Done():
		return phaseStopped
	}
}

// handleStarting respawns after a crash. A failed respawn is terminal for
// the run, like any other spawn failure.
func (s *ServiceSupervisor) handleStarting(ctx context.Context) (driver.Driver, supervisionPhase) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	// Stop or a manual start may have happened during the delay
	s.mu.Lock()
	superseded := ctx.Err() != nil || s.drv != nil || s.shuttingDown
	s.mu.Unlock()
	if superseded {
		return nil, phaseStopped
	}

	drv, err := s.spawn(ctx)
	if err != nil {
		s.endRun()
		return nil, phaseStopped
	}
	return drv, phaseRunning
}

func (s *ServiceSupervisor) emit(state, detail string, exitCode *int) {
	s.mu.Lock()
	h := s.health
	s.mu.Unlock()
	s.relay.Status(events.StatusChange{
		Component: events.SourceService,
		State:     state,
		Health:    string(h),
		ExitCode:  exitCode,
		Detail:    detail,
	})
}

// Status returns a snapshot of the service state.
func (s *ServiceSupervisor) Status() ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := ServiceStatus{
		State:        ServiceStopped,
		Health:       s.health,
		RestartCount: s.restartCount,
		LastError:    s.lastError,
	}
	if s.lastExitCode != nil {
		code := *s.lastExitCode
		st.LastExitCode = &code
	}
	if !s.lastRestartAt.IsZero() {
		t := s.lastRestartAt
		st.LastRestartAt = &t
	}

	if s.monitor != nil {
		st.ProbeAttempts = s.monitor.Attempts()
	}

	switch {
	case s.drv != nil:
		info := s.drv.Info()
		st.HandleID = info.ID
		st.PID = info.PID
		st.Port = s.port
		switch info.State {
		case driver.StateRunning:
			st.Running = true
			st.State = ServiceRunning
			if !info.StartedAt.IsZero() {
				st.Uptime = time.Since(info.StartedAt).Truncate(time.Second).String()
			}
		case driver.StateStarting:
			st.State = ServiceStarting
		default:
			// exited, crash not yet evaluated
			st.State = ServiceRestarting
		}
	case s.restarting:
		st.State = ServiceRestarting
	case s.failed:
		st.State = ServiceFailed
	}
	return st
}

// Logs returns the last n lines of output from the most recent process.
func (s *ServiceSupervisor) Logs(n int) []string {
	s.mu.Lock()
	drv := s.last
	s.mu.Unlock()

	if drv == nil {
		return nil
	}
	return drv.LogLines(n)
}

// Port returns the port of the active process, or 0.
func (s *ServiceSupervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drv == nil {
		return 0
	}
	return s.port
}
