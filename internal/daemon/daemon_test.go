//go:build !windows

package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/lyceum/internal/backend"
	"github.com/benaskins/lyceum/internal/config"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/gpu"
)

// fakeBackend answers liveness and pending-work queries on a loopback port
// so the supervised process itself can be a plain sleep.
type fakeBackend struct {
	port    int
	pending atomic.Int32
	queries atomic.Int32
}

func startFakeBackend(t *testing.T, pending int) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.pending.Store(int32(pending))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/transcription-status", func(w http.ResponseWriter, r *http.Request) {
		fb.queries.Add(1)
		json.NewEncoder(w).Encode(backend.TranscriptionStatus{
			TotalCourses: 10,
			Completed:    10 - int(fb.pending.Load()),
			Pending:      int(fb.pending.Load()),
		})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	fb.port = ln.Addr().(*net.TCPAddr).Port
	return fb
}

func testConfig(t *testing.T, servicePort int) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Service.Command = "sleep 60"
	cfg.Service.PortArg = ""
	cfg.Service.HealthInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Service.HealthTimeout = config.Duration{Duration: time.Second}
	cfg.Service.HealthAttempts = 5
	cfg.Service.RestartDelay = config.Duration{Duration: 100 * time.Millisecond}
	cfg.Service.StopTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Worker.Command = "sh"
	cfg.Worker.Args = []string{"-c", testWorkerScript, "worker"}
	cfg.Worker.StopTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Settings.ServicePort = servicePort
	cfg.Settings.InputDirectories = []string{t.TempDir()}
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) (*Daemon, *collector) {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"), cfg)
	relay := events.NewRelay(nil)
	col, closeCol := collect(relay)

	opts = append([]Option{
		WithRelay(relay),
		WithReadyTimeout(3 * time.Second),
		WithGPUProbe(func() gpu.Info { return gpu.Info{} }),
		WithoutWatcher(),
	}, opts...)
	d, err := NewDaemon(store, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.Stop(ctx)
		closeCol()
	})
	return d, col
}

func waitBootstrapped(t *testing.T, d *Daemon) {
	t.Helper()
	select {
	case <-d.Bootstrapped():
	case <-time.After(10 * time.Second):
		t.Fatal("bootstrap did not finish")
	}
}

func hasNote(col *collector, substr string) bool {
	for _, ev := range col.logs(events.SourceDaemon, "") {
		if strings.Contains(ev.Text, substr) {
			return true
		}
	}
	return false
}

func TestDaemonStartReturnsImmediately(t *testing.T) {
	fb := startFakeBackend(t, 0)
	d, _ := newTestDaemon(t, testConfig(t, fb.port))

	start := time.Now()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Start blocked for %v", elapsed)
	}
	waitBootstrapped(t, d)
}

func TestDaemonStartsPoolWhenWorkPending(t *testing.T) {
	fb := startFakeBackend(t, 3)
	cfg := testConfig(t, fb.port)
	cfg.Settings.WorkerCount = 2
	d, col := newTestDaemon(t, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitBootstrapped(t, d)

	st := d.Status()
	if !st.Service.Running {
		t.Errorf("service not running: %+v", st.Service)
	}
	if st.Pool.WorkerCount != 2 {
		t.Errorf("expected 2 workers, got %d", st.Pool.WorkerCount)
	}
	if fb.queries.Load() != 1 {
		t.Errorf("expected one pending-work query, got %d", fb.queries.Load())
	}
	if st.EventSeq == 0 {
		t.Error("status does not carry the event sequence")
	}
	if !hasNote(col, "3 courses pending") {
		t.Error("expected a pending work event")
	}
}

func TestDaemonSkipsPoolWithoutPendingWork(t *testing.T) {
	fb := startFakeBackend(t, 0)
	d, col := newTestDaemon(t, testConfig(t, fb.port))

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitBootstrapped(t, d)

	if d.PoolStatus().Running {
		t.Error("pool started with no pending work")
	}
	if !hasNote(col, "no pending courses") {
		t.Error("expected a no-pending-work event")
	}
}

func TestDaemonRespectsAutoStartSetting(t *testing.T) {
	fb := startFakeBackend(t, 5)
	cfg := testConfig(t, fb.port)
	cfg.Settings.AutoStartWorkers = false
	d, col := newTestDaemon(t, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitBootstrapped(t, d)

	if d.PoolStatus().Running {
		t.Error("pool started with auto start disabled")
	}
	if !hasNote(col, "automatic worker start is disabled") {
		t.Error("expected an auto start disabled event")
	}
}

func TestDaemonToleratesServiceSpawnFailure(t *testing.T) {
	fb := startFakeBackend(t, 5)
	cfg := testConfig(t, fb.port)
	cfg.Service.Command = "/nonexistent/course-library-server"
	d, _ := newTestDaemon(t, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("spawn failure must not fail startup: %v", err)
	}
	waitBootstrapped(t, d)

	if st := d.ServiceStatus(); st.State != ServiceFailed {
		t.Errorf("expected failed service, got %q", st.State)
	}
	if d.PoolStatus().Running {
		t.Error("pool started without a service")
	}
	if fb.queries.Load() != 0 {
		t.Error("pending work queried without a service")
	}
}

func TestDaemonSkipsPendingCheckWhenNeverHealthy(t *testing.T) {
	cfg := testConfig(t, freePort(t))
	d, col := newTestDaemon(t, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitBootstrapped(t, d)

	if !d.ServiceStatus().Running {
		t.Error("unhealthy service should keep running")
	}
	if !hasNote(col, "service not ready") {
		t.Error("expected a not-ready event")
	}
}

func TestDaemonRuntimeFailureTolerated(t *testing.T) {
	fb := startFakeBackend(t, 0)
	cfg := testConfig(t, fb.port)
	cfg.Runtime = config.RuntimeConfig{
		Type:    "native",
		Command: "/nonexistent/ollama serve",
		URL:     "http://127.0.0.1:" + strconv.Itoa(freePort(t)),
	}
	d, col := newTestDaemon(t, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitBootstrapped(t, d)

	if !d.ServiceStatus().Running {
		t.Error("service should be unaffected by the runtime")
	}
	if !hasNote(col, "model runtime unavailable") {
		t.Error("expected a runtime warning")
	}
}

func TestDaemonStartPoolDefaultsAndAccelerationWarning(t *testing.T) {
	fb := startFakeBackend(t, 0)
	cfg := testConfig(t, fb.port)
	cfg.Settings.WorkerCount = 3
	cfg.Settings.AccelerationEnabled = true
	d, col := newTestDaemon(t, cfg)

	st, err := d.StartPool(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.WorkerCount != 3 {
		t.Errorf("expected stored worker count 3, got %d", st.WorkerCount)
	}
	if !st.AccelerationEnabled {
		t.Error("acceleration flag should still be passed through")
	}
	if !hasNote(col, "no accelerator was detected") {
		t.Error("expected an acceleration warning")
	}

	st, err = d.StopPool(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Running {
		t.Error("pool still running after stop")
	}
}

func TestDaemonServiceControl(t *testing.T) {
	fb := startFakeBackend(t, 0)
	d, _ := newTestDaemon(t, testConfig(t, fb.port))
	ctx := context.Background()

	st, err := d.StartService(ctx)
	if err != nil || !st.Running {
		t.Fatalf("start: %+v, %v", st, err)
	}
	first := st.HandleID

	st, err = d.RestartService(ctx)
	if err != nil || !st.Running || st.HandleID == first {
		t.Fatalf("restart: %+v, %v", st, err)
	}

	st, err = d.StopService(ctx)
	if err != nil || st.Running {
		t.Fatalf("stop: %+v, %v", st, err)
	}
}

func TestDaemonConfigChangedAppliesOnNextSpawn(t *testing.T) {
	fb := startFakeBackend(t, 0)
	d, _ := newTestDaemon(t, testConfig(t, fb.port))
	ctx := context.Background()

	if _, err := d.StartService(ctx); err != nil {
		t.Fatal(err)
	}

	newPort := freePort(t)
	err := d.Store().Update(func(c *config.Config) error {
		c.Settings.ServicePort = newPort
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	d.ConfigChanged()

	if got := d.ServiceStatus().Port; got != fb.port {
		t.Errorf("running process moved to port %d", got)
	}
	st, err := d.RestartService(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Port != newPort {
		t.Errorf("port after restart = %d, want %d", st.Port, newPort)
	}
}

func TestDaemonStopShutsEverythingDown(t *testing.T) {
	fb := startFakeBackend(t, 2)
	d, _ := newTestDaemon(t, testConfig(t, fb.port))

	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitBootstrapped(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := d.Status()
	if st.Service.Running || st.Pool.Running {
		t.Errorf("processes survived shutdown: %+v", st)
	}
	if _, err := d.StartService(context.Background()); err == nil {
		t.Error("expected start after shutdown to be refused")
	}
}

func TestDaemonWatcherReloadsConfig(t *testing.T) {
	fb := startFakeBackend(t, 0)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	store := config.NewStore(path, testConfig(t, fb.port))
	if err := store.Update(func(*config.Config) error { return nil }); err != nil {
		t.Fatal(err)
	}
	relay := events.NewRelay(nil)
	col, closeCol := collect(relay)
	defer closeCol()

	d, err := NewDaemon(store, WithRelay(relay), WithGPUProbe(func() gpu.Info { return gpu.Info{} }))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go d.WatchConfig(ctx)
	defer cancel()
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	edited := strings.Replace(string(data), "worker_count: 2", "worker_count: 5", 1)
	if edited == string(data) {
		t.Fatal("fixture does not contain worker_count: 2")
	}
	if err := os.WriteFile(path, []byte(edited), 0600); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "reload", func() bool { return store.Settings().WorkerCount == 5 })
	waitFor(t, time.Second, "reload event", func() bool { return hasNote(col, "configuration reloaded") })

	// An invalid edit is reported and the previous value kept
	if err := os.WriteFile(path, []byte(strings.Replace(edited, "worker_count: 5", "worker_count: 99", 1)), 0600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "rejection event", func() bool { return hasNote(col, "config file edit ignored") })
	if got := store.Settings().WorkerCount; got != 5 {
		t.Errorf("invalid edit applied: worker count %d", got)
	}
}
