package events

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benaskins/lyceum/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length used when Subscribe is
// called with a non-positive size.
const DefaultBuffer = 256

// Relay multiplexes output and status events from every supervised process
// into one sequenced stream. Publishing never blocks: a subscriber whose
// queue is full loses the event and its drop counter is incremented.
type Relay struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[*Subscription]struct{}
	console io.Writer
	closed  bool
}

// NewRelay creates a relay that also echoes every line to console.
// A nil console disables echoing.
func NewRelay(console io.Writer) *Relay {
	return &Relay{
		subs:    make(map[*Subscription]struct{}),
		console: console,
	}
}

// Log publishes one line of process output.
func (r *Relay) Log(ev LogEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.publish(Event{Kind: KindLog, Log: &ev})
}

// Status publishes a lifecycle notification.
func (r *Relay) Status(sc StatusChange) {
	if sc.Timestamp.IsZero() {
		sc.Timestamp = time.Now()
	}
	r.publish(Event{Kind: KindStatus, Status: &sc})
}

// Echo writes a line to the local console without forwarding it to
// subscribers. Used for suppressed noise.
func (r *Relay) Echo(ev LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.echoLocked(ev.Source, ev.Text)
}

func (r *Relay) publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	r.seq++
	e.Seq = r.seq
	metrics.EventsPublished.WithLabelValues(string(e.Kind)).Inc()

	switch {
	case e.Log != nil:
		r.echoLocked(e.Log.Source, e.Log.Text)
	case e.Status != nil:
		r.echoLocked(e.Status.Component, "status "+e.Status.State+detailSuffix(e.Status.Detail))
	}

	for sub := range r.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			metrics.EventsDropped.Inc()
		}
	}
}

func (r *Relay) echoLocked(source, text string) {
	if r.console == nil {
		return
	}
	fmt.Fprintf(r.console, "[%s] %s\n", source, text)
}

func detailSuffix(detail string) string {
	if detail == "" {
		return ""
	}
	return ": " + detail
}

// Subscribe registers a new consumer. Events published after this call are
// delivered on the returned subscription's channel in sequence order.
func (r *Relay) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, relay: r}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return sub
	}
	r.subs[sub] = struct{}{}
	metrics.Subscribers.Inc()
	return sub
}

// Close detaches every subscriber and closes their channels. Later
// publishes are discarded.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for sub := range r.subs {
		r.removeLocked(sub)
	}
}

// Seq returns the sequence number of the most recently published event.
func (r *Relay) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

func (r *Relay) removeLocked(sub *Subscription) {
	if _, ok := r.subs[sub]; !ok {
		return
	}
	delete(r.subs, sub)
	close(sub.ch)
	metrics.Subscribers.Dec()
}

// Subscription is one consumer's view of the relay.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	relay   *Relay
	dropped atomic.Uint64
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.relay.mu.Lock()
	defer s.relay.mu.Unlock()
	s.relay.removeLocked(s)
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
