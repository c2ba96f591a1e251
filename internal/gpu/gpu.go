// Package gpu detects hardware acceleration for the transcription workers.
//
// Detection is polled periodically and cached; it is not real-time.
package gpu

import (
	"context"
	"sync"
	"time"
)

// Acceleration backends.
const (
	BackendMetal = "metal"
	BackendCUDA  = "cuda"
)

// Info holds a snapshot of the accelerator, if any.
type Info struct {
	Available   bool      `json:"available"`
	Backend     string    `json:"backend,omitempty"`
	Name        string    `json:"name,omitempty"`
	MemoryUsed  uint64    `json:"memory_used_bytes,omitempty"`
	MemoryTotal uint64    `json:"memory_total_bytes,omitempty"`
	Unified     bool      `json:"unified_memory"`
	Timestamp   time.Time `json:"timestamp"`
}

// UsagePercent returns device memory in use as a percentage, or 0 when
// the total is unknown.
func (i Info) UsagePercent() float64 {
	if i.MemoryTotal == 0 {
		return 0
	}
	return float64(i.MemoryUsed) / float64(i.MemoryTotal) * 100
}

// TotalGB returns device memory in gigabytes.
func (i Info) TotalGB() float64 {
	return float64(i.MemoryTotal) / (1024 * 1024 * 1024)
}

// Observer periodically polls the accelerator and caches the result.
type Observer struct {
	mu       sync.RWMutex
	info     Info
	interval time.Duration
	query    func(context.Context) Info
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewObserver creates an observer that polls at the given interval.
func NewObserver(interval time.Duration) *Observer {
	return &Observer{interval: interval, query: query}
}

// Start takes an initial snapshot, then polls in the background.
func (o *Observer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	o.mu.Lock()
	o.cancel = cancel
	o.done = done
	o.mu.Unlock()

	o.poll(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.poll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends polling and waits for the poll loop to exit.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Info returns the latest cached snapshot.
func (o *Observer) Info() Info {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.info
}

// Detect returns a one-shot snapshot.
func Detect(ctx context.Context) Info {
	info := query(ctx)
	info.Timestamp = time.Now()
	return info
}

func (o *Observer) poll(ctx context.Context) {
	info := o.query(ctx)
	info.Timestamp = time.Now()

	o.mu.Lock()
	o.info = info
	o.mu.Unlock()
}
