//go:build !windows

package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/benaskins/lyceum/internal/config"
	"github.com/benaskins/lyceum/internal/daemon"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/gateway"
	"github.com/benaskins/lyceum/internal/gpu"
)

type testEnv struct {
	daemon *daemon.Daemon
	client *http.Client
	sock   string
	opened []string
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	cfg.Service.Command = "sleep 30"
	cfg.Service.PortArg = ""
	cfg.Service.HealthInterval = config.Duration{Duration: 50 * time.Millisecond}
	cfg.Service.HealthAttempts = 2
	cfg.Service.StopTimeout = config.Duration{Duration: 2 * time.Second}
	cfg.Worker.Command = "sh"
	cfg.Worker.Args = []string{"-c", `echo "worker $4 ready"; exec sleep 30`, "worker"}
	cfg.Settings.ServicePort = freePort(t)
	cfg.Settings.InputDirectories = []string{t.TempDir()}
	store := config.NewStore(filepath.Join(t.TempDir(), "config.yaml"), cfg)

	relay := events.NewRelay(nil)
	d, err := daemon.NewDaemon(store,
		daemon.WithRelay(relay),
		daemon.WithGPUProbe(func() gpu.Info { return gpu.Info{Available: true, Backend: gpu.BackendCUDA, Name: "test"} }),
		daemon.WithoutWatcher(),
	)
	require.NoError(t, err)

	env := &testEnv{daemon: d}
	gw := gateway.New(store, d,
		gateway.WithOpener(func(_ context.Context, u string) error {
			env.opened = append(env.opened, u)
			return nil
		}),
		gateway.WithRateLimit(rate.Inf, 1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ctx, d, gw, cfg.AllowedOrigins)

	env.sock = filepath.Join(t.TempDir(), "test.sock")
	go srv.ListenUnix(env.sock)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		cancel()
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		d.Stop(stopCtx)
	})

	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("unix", env.sock); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", env.sock)
			},
		},
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://lyceum"+path, rd)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	json.Unmarshal(data, &out)
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t)

	resp, body := env.do(t, "GET", "/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestServiceLifecycle(t *testing.T) {
	env := setupTestServer(t)

	resp, body := env.do(t, "GET", "/v1/service", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, "unknown", body["health"])

	resp, body = env.do(t, "POST", "/v1/service/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	svc := body["service"].(map[string]any)
	assert.Equal(t, true, svc["running"])

	resp, body = env.do(t, "GET", "/v1/service", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["running"])

	resp, body = env.do(t, "POST", "/v1/service/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["service"].(map[string]any)["running"])

	// Stopping again is a no-op
	resp, _ = env.do(t, "POST", "/v1/service/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPoolEndpoints(t *testing.T) {
	env := setupTestServer(t)

	resp, body := env.do(t, "POST", "/v1/pool/start", `{"count": 9}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, body)

	resp, body = env.do(t, "POST", "/v1/pool/start", `{"count": 2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	pool := body["pool"].(map[string]any)
	assert.EqualValues(t, 2, pool["worker_count"])

	resp, body = env.do(t, "GET", "/v1/pool", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ids := body["ids"].([]any)
	require.Len(t, ids, 2)

	id := ids[0].(string)
	require.Eventually(t, func() bool {
		_, body := env.do(t, "GET", "/v1/pool/workers/"+id+"/logs?n=5", "")
		lines, _ := body["lines"].([]any)
		return len(lines) == 1 && lines[0] == "worker "+id+" ready"
	}, 2*time.Second, 20*time.Millisecond)

	resp, _ = env.do(t, "GET", "/v1/pool/workers/nope/logs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, "GET", "/v1/pool/workers/"+id+"/logs?n=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, "POST", "/v1/pool/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["pool"].(map[string]any)["running"])
}

func TestPoolStartWithoutBodyUsesStoredCount(t *testing.T) {
	env := setupTestServer(t)

	resp, body := env.do(t, "POST", "/v1/pool/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.EqualValues(t, 2, body["pool"].(map[string]any)["worker_count"])
}

func TestSettingsEndpoints(t *testing.T) {
	env := setupTestServer(t)

	resp, body := env.do(t, "GET", "/v1/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["workerCount"])

	resp, body = env.do(t, "PUT", "/v1/settings/workerCount", `{"value": 999}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["error"], "at most 8")

	resp, _ = env.do(t, "PUT", "/v1/settings/theme", `{"value": "ultraviolet"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = env.do(t, "PUT", "/v1/settings/theme", `{"value": "light"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "light", body["theme"])
	assert.EqualValues(t, 2, body["workerCount"], "rejected write left no trace")

	resp, _ = env.do(t, "PUT", "/v1/settings/service.command", `{"value": "sh"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, "PUT", "/v1/settings/theme", `{"value": "dark", "extra": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActionsEndpoint(t *testing.T) {
	env := setupTestServer(t)

	resp, _ := env.do(t, "POST", "/v1/actions", `{"action": "service.exec"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, "POST", "/v1/actions", `{"action": "service.start"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["service"].(map[string]any)["running"])
}

func TestOpenEndpoint(t *testing.T) {
	env := setupTestServer(t)

	resp, _ := env.do(t, "POST", "/v1/open", `{"url": "javascript:alert(1)"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/v1/open", `{"url": "http://127.0.0.1:8080/admin"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = env.do(t, "POST", "/v1/open", `{"url": "https://example.com"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"https://example.com"}, env.opened)
}

func TestOriginCheck(t *testing.T) {
	env := setupTestServer(t)

	resp, _ := env.do(t, "POST", "/v1/service/start", "", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, env.daemon.ServiceStatus().Running)

	resp, _ = env.do(t, "GET", "/v1/health", "", "Origin", "http://localhost:5173")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGPUEndpoint(t *testing.T) {
	env := setupTestServer(t)

	resp, body := env.do(t, "GET", "/v1/gpu", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["available"])
	assert.Equal(t, gpu.BackendCUDA, body["backend"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, "PUT", "/v1/settings/theme", `{"value": "ultraviolet"}`)

	resp, err := env.client.Get("http://lyceum/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `lyceum_gateway_requests_total{operation="setting",result="rejected"}`)
}

func dialEvents(t *testing.T, env *testEnv, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return net.Dial("unix", env.sock)
		},
		HandshakeTimeout: 2 * time.Second,
	}
	return dialer.Dial("ws://lyceum/v1/events", header)
}

func TestEventStream(t *testing.T) {
	env := setupTestServer(t)

	conn, _, err := dialEvents(t, env, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Let the subscription register before publishing
	time.Sleep(50 * time.Millisecond)

	relay := env.daemon.Relay()
	relay.Log(events.LogEvent{Source: "worker:1-1", Stream: events.Stdout, Classification: events.Success, Text: "COMPLETED: intro"})
	relay.Status(events.StatusChange{Component: events.SourcePool, State: "stopped"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second events.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))

	require.NotNil(t, first.Log)
	assert.Equal(t, events.KindLog, first.Kind)
	assert.Equal(t, "worker:1-1", first.Log.Source)
	assert.Equal(t, events.Success, first.Log.Classification)

	require.NotNil(t, second.Status)
	assert.Equal(t, "stopped", second.Status.State)
	assert.Equal(t, first.Seq+1, second.Seq)
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	env := setupTestServer(t)

	_, resp, err := dialEvents(t, env, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
