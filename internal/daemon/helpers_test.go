//go:build !windows

package daemon

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/lyceum/internal/classify"
	"github.com/benaskins/lyceum/internal/events"
	"github.com/benaskins/lyceum/internal/health"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	c, err := classify.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testServiceConfig(t *testing.T, command string, args ...string) ServiceConfig {
	return ServiceConfig{
		Command: command,
		Args:    args,
		Port:    freePort(t),
		Health: health.Config{
			Path:        "/health",
			Interval:    50 * time.Millisecond,
			Timeout:     time.Second,
			MaxAttempts: 2,
		},
		RestartDelay: 100 * time.Millisecond,
		StopTimeout:  2 * time.Second,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// collector drains a relay subscription in the background.
type collector struct {
	mu     sync.Mutex
	events []events.Event
	done   chan struct{}
}

func collect(r *events.Relay) (*collector, func()) {
	sub := r.Subscribe(4096)
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range sub.C {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c, func() {
		sub.Close()
		<-c.done
	}
}

func (c *collector) logs(source string, class events.Classification) []events.LogEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.LogEvent
	for _, ev := range c.events {
		if ev.Log != nil && ev.Log.Source == source && (class == "" || ev.Log.Classification == class) {
			out = append(out, *ev.Log)
		}
	}
	return out
}

func (c *collector) statuses(component string) []events.StatusChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.StatusChange
	for _, ev := range c.events {
		if ev.Status != nil && ev.Status.Component == component {
			out = append(out, *ev.Status)
		}
	}
	return out
}
