package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/benaskins/lyceum/internal/classify"
	"github.com/benaskins/lyceum/internal/driver"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/health"
)

// Runtime kinds.
const (
	RuntimeNative    = "native"
	RuntimeContainer = "container"
)

// RuntimeConfig describes the optional local model runtime used by the
// backend for summarisation.
type RuntimeConfig struct {
	Type      string // "" disables the runtime
	Command   string
	Image     string
	URL       string
	ProbePath string
	Volumes   map[string]string // host path -> container path
	Probe     health.Config     // interval, timeout and attempts; address comes from URL
}

// RuntimeStatus reports whether the runtime is reachable and who owns it.
type RuntimeStatus struct {
	Enabled bool          `json:"enabled"`
	Type    string        `json:"type,omitempty"`
	URL     string        `json:"url,omitempty"`
	Managed bool          `json:"managed"`
	Running bool          `json:"running"`
	Health  health.Status `json:"health"`
	PID     int           `json:"pid,omitempty"`
}

// ModelRuntime starts the model runtime if nothing is serving its URL yet,
// and stops it on shutdown only if it was started here.
type ModelRuntime struct {
	relay      *events.Relay
	classifier *classify.Classifier
	logger     *slog.Logger

	mu      sync.Mutex
	cfg     RuntimeConfig
	drv     driver.Driver
	monitor *health.Monitor
	health  health.Status
}

// NewModelRuntime creates a runtime manager.
func NewModelRuntime(cfg RuntimeConfig, relay *events.Relay, c *classify.Classifier) *ModelRuntime {
	return &ModelRuntime{
		cfg:        cfg,
		relay:      relay,
		classifier: c,
		logger:     slog.With("component", "runtime"),
		health:     health.StatusUnknown,
	}
}

// UpdateConfig replaces the runtime configuration. A runtime already
// started keeps running until Stop.
func (m *ModelRuntime) UpdateConfig(cfg RuntimeConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// probeConfig derives the liveness probe from the runtime URL.
func (r RuntimeConfig) probeConfig() (health.Config, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return health.Config{}, fmt.Errorf("parsing runtime url: %w", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return health.Config{}, fmt.Errorf("runtime url %q needs an explicit port: %w", r.URL, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return health.Config{}, fmt.Errorf("runtime url port %q: %w", portStr, err)
	}

	hc := r.Probe
	hc.Type = "http"
	hc.Host = host
	hc.Port = port
	hc.Path = r.ProbePath
	if hc.Path == "" {
		hc.Path = "/"
	}
	return hc, nil
}

// Reachable runs a single probe against the runtime URL.
func (m *ModelRuntime) Reachable(ctx context.Context) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	hc, err := cfg.probeConfig()
	if err != nil {
		return err
	}
	return health.SingleCheck(ctx, hc)
}

// EnsureRunning starts the runtime when it is enabled and not already
// reachable. An externally running runtime is left alone.
func (m *ModelRuntime) EnsureRunning(ctx context.Context) error {
	m.mu.Lock()
	cfg := m.cfg
	running := m.drv != nil
	m.mu.Unlock()

	if cfg.Type == "" || running {
		return nil
	}

	if err := m.Reachable(ctx); err == nil {
		m.logger.Info("model runtime already reachable", "url", cfg.URL)
		m.setHealth(nil, health.StatusHealthy)
		return nil
	}

	hc, err := cfg.probeConfig()
	if err != nil {
		return err
	}

	output := relayOutput(m.relay, m.classifier, events.SourceRuntime)
	var drv driver.Driver
	switch cfg.Type {
	case RuntimeNative:
		drv = driver.NewNative(driver.NativeConfig{
			Command: cfg.Command,
			Output:  output,
		})
	case RuntimeContainer:
		cd, err := driver.NewContainer(driver.ContainerConfig{
			Name:    "runtime",
			Image:   cfg.Image,
			Volumes: cfg.Volumes,
			Output:  output,
		})
		if err != nil {
			return fmt.Errorf("creating runtime container: %w", err)
		}
		drv = cd
	default:
		return fmt.Errorf("unknown runtime type %q", cfg.Type)
	}

	m.logger.Info("starting model runtime", "type", cfg.Type, "url", cfg.URL)
	if err := drv.Start(ctx); err != nil {
		note(m.relay, events.SourceRuntime, events.Error, "model runtime failed to start: "+err.Error())
		m.emit("failed", err.Error())
		return err
	}

	monitor := health.NewMonitor(hc, m.logger, health.Hooks{
		OnChange: func(st health.Status) { m.setHealth(drv, st) },
	})

	m.mu.Lock()
	m.drv = drv
	m.monitor = monitor
	m.health = health.StatusUnknown
	m.mu.Unlock()

	monitor.Start(context.WithoutCancel(ctx))
	m.emit("running", "")
	go m.watch(drv)
	return nil
}

func (m *ModelRuntime) watch(drv driver.Driver) {
	<-drv.Done()
	if drv.StopRequested() {
		return
	}

	m.mu.Lock()
	if m.drv != drv {
		m.mu.Unlock()
		return
	}
	monitor := m.monitor
	m.drv = nil
	m.monitor = nil
	m.health = health.StatusUnknown
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	code := -1
	if ec := drv.Info().ExitCode; ec != nil {
		code = *ec
	}
	m.logger.Warn("model runtime exited", "exit_code", code)
	note(m.relay, events.SourceRuntime, events.Warning,
		fmt.Sprintf("model runtime exited (exit code %d)", code))
	m.emit("stopped", "exited")
}

func (m *ModelRuntime) setHealth(drv driver.Driver, st health.Status) {
	m.mu.Lock()
	if m.drv != drv {
		m.mu.Unlock()
		return
	}
	m.health = st
	m.mu.Unlock()

	if drv == nil {
		m.emit("external", "")
		return
	}
	m.emit("running", "")
}

// Stop terminates a runtime started by EnsureRunning.
func (m *ModelRuntime) Stop(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	drv := m.drv
	monitor := m.monitor
	m.drv = nil
	m.monitor = nil
	m.health = health.StatusUnknown
	m.mu.Unlock()

	if monitor != nil {
		monitor.Stop()
	}
	if drv == nil {
		return nil
	}

	m.logger.Info("stopping model runtime")
	err := drv.Stop(ctx, timeout)
	if errors.Is(err, driver.ErrTerminationTimeout) {
		m.logger.Warn("model runtime did not exit", "error", err)
	}
	m.emit("stopped", "")
	return err
}

// Status returns a snapshot of the runtime.
func (m *ModelRuntime) Status() RuntimeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := RuntimeStatus{
		Enabled: m.cfg.Type != "",
		Type:    m.cfg.Type,
		URL:     m.cfg.URL,
		Health:  m.health,
	}
	if m.drv != nil {
		info := m.drv.Info()
		st.Managed = true
		st.Running = info.State == driver.StateRunning
		st.PID = info.PID
	} else if m.health == health.StatusHealthy {
		st.Running = true
	}
	return st
}

func (m *ModelRuntime) emit(state, detail string) {
	m.mu.Lock()
	h := m.health
	m.mu.Unlock()
	m.relay.Status(events.StatusChange{
		Component: events.SourceRuntime,
		State:     state,
		Health:    string(h),
		Detail:    detail,
	})
}
