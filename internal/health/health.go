package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Status represents the health state of a service.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config holds liveness probe configuration.
type Config struct {
	Type        string        // "http" | "tcp"
	Host        string        // default 127.0.0.1
	Port        int           // http and tcp
	Path        string        // http only
	Interval    time.Duration // time between probes
	Timeout     time.Duration // max time per probe
	GracePeriod time.Duration // delay before first probe
	MaxAttempts int           // probes before giving up
}

func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = "http"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 30
	}
	return c
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Hooks receive monitor notifications. Both are optional and are called
// from the monitor goroutine.
type Hooks struct {
	// OnProbeFailed is called for every failed probe.
	OnProbeFailed func(attempt int, err error)
	// OnChange is called once, when the status leaves Unknown.
	OnChange func(Status)
}

// Monitor probes a freshly started process until it answers or the attempt
// bound is reached. It settles exactly once: Unknown becomes Healthy on the
// first successful probe, or Unhealthy after MaxAttempts failures, and no
// further probes are made either way.
type Monitor struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
	hooks      Hooks

	mu       sync.Mutex
	status   Status
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMonitor creates a health check monitor.
func NewMonitor(cfg Config, logger *slog.Logger, hooks Hooks) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		hooks:      hooks,
		status:     StatusUnknown,
	}
}

// Start begins probing in the background.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts probing and waits for the probe goroutine to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current health status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns how many probes have completed.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if m.probe(ctx) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// probe runs one check and reports whether the monitor has settled.
func (m *Monitor) probe(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := check(checkCtx, m.httpClient, m.cfg)

	// Results from a cancelled probe are not recorded: the monitor is stopping
	if ctx.Err() != nil {
		return true
	}

	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	if err == nil {
		m.status = StatusHealthy
	} else if attempt >= m.cfg.MaxAttempts {
		m.status = StatusUnhealthy
	}
	status := m.status
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("health probe failed",
			"error", err,
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
		)
		if m.hooks.OnProbeFailed != nil {
			m.hooks.OnProbeFailed(attempt, err)
		}
	}

	if status == StatusUnknown {
		return false
	}

	if status == StatusHealthy {
		m.logger.Info("service is healthy", "attempts", attempt)
	} else {
		m.logger.Error("service never became healthy", "attempts", attempt)
	}
	if m.hooks.OnChange != nil {
		m.hooks.OnChange(status)
	}
	return true
}

// SingleCheck runs one probe with the given config and returns nil if healthy.
// Unlike Monitor, it does not track state or run periodically.
func SingleCheck(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	return check(ctx, &http.Client{Timeout: cfg.Timeout}, cfg)
}

func check(ctx context.Context, client *http.Client, cfg Config) error {
	switch cfg.Type {
	case "http":
		return checkHTTP(ctx, client, cfg)
	case "tcp":
		return checkTCP(ctx, cfg)
	default:
		return fmt.Errorf("unknown health check type: %s", cfg.Type)
	}
}

func checkHTTP(ctx context.Context, client *http.Client, cfg Config) error {
	url := "http://" + cfg.addr() + cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func checkTCP(ctx context.Context, cfg Config) error {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}
