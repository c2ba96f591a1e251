//go:build !windows

package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/health"
)

func fastProbe() health.Config {
	return health.Config{Interval: 50 * time.Millisecond, Timeout: time.Second, MaxAttempts: 2}
}

func TestRuntimeDisabled(t *testing.T) {
	m := NewModelRuntime(RuntimeConfig{}, events.NewRelay(nil), testClassifier(t))

	require.NoError(t, m.EnsureRunning(context.Background()))
	st := m.Status()
	assert.False(t, st.Enabled)
	assert.False(t, st.Managed)
}

func TestRuntimeAlreadyReachableIsLeftAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	m := NewModelRuntime(RuntimeConfig{
		Type:      RuntimeNative,
		Command:   "/nonexistent/ollama serve",
		URL:       srv.URL,
		ProbePath: "/api/tags",
		Probe:     fastProbe(),
	}, events.NewRelay(nil), testClassifier(t))

	require.NoError(t, m.EnsureRunning(context.Background()))
	st := m.Status()
	assert.True(t, st.Running)
	assert.False(t, st.Managed, "an external runtime must not be adopted")
	assert.Equal(t, health.StatusHealthy, st.Health)

	require.NoError(t, m.Stop(context.Background(), time.Second))
}

func TestRuntimeStartsNativeWhenUnreachable(t *testing.T) {
	relay := events.NewRelay(nil)
	m := NewModelRuntime(RuntimeConfig{
		Type:    RuntimeNative,
		Command: "sleep 60",
		URL:     "http://127.0.0.1:" + strconv.Itoa(freePort(t)),
		Probe:   fastProbe(),
	}, relay, testClassifier(t))
	col, closeCol := collect(relay)

	require.NoError(t, m.EnsureRunning(context.Background()))
	st := m.Status()
	assert.True(t, st.Managed)
	assert.True(t, st.Running)
	assert.Positive(t, st.PID)

	// Nothing listens, so the probe gives up
	waitFor(t, 2*time.Second, "unhealthy", func() bool { return m.Status().Health == health.StatusUnhealthy })

	require.NoError(t, m.Stop(context.Background(), 2*time.Second))
	assert.False(t, m.Status().Managed)
	closeCol()

	states := col.statuses(events.SourceRuntime)
	require.NotEmpty(t, states)
	assert.Equal(t, "stopped", states[len(states)-1].State)
}

func TestRuntimeSpawnFailure(t *testing.T) {
	relay := events.NewRelay(nil)
	m := NewModelRuntime(RuntimeConfig{
		Type:    RuntimeNative,
		Command: "/nonexistent/ollama serve",
		URL:     "http://127.0.0.1:" + strconv.Itoa(freePort(t)),
		Probe:   fastProbe(),
	}, relay, testClassifier(t))
	col, closeCol := collect(relay)

	require.Error(t, m.EnsureRunning(context.Background()))
	closeCol()

	assert.Len(t, col.logs(events.SourceRuntime, events.Error), 1)
	assert.False(t, m.Status().Running)
}

func TestRuntimeURLNeedsPort(t *testing.T) {
	m := NewModelRuntime(RuntimeConfig{Type: RuntimeNative, Command: "sleep 60", URL: "http://localhost"},
		events.NewRelay(nil), testClassifier(t))
	assert.Error(t, m.Reachable(context.Background()))
}
