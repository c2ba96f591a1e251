// Package port hands out loopback ports for supervised processes that are
// configured without a fixed one.
package port

import (
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

// Allocator tracks which component owns which dynamically chosen port.
// Keys are component names such as "service".
type Allocator struct {
	mu      sync.Mutex
	minPort int
	maxPort int
	byOwner map[string]int
	byPort  map[int]string
}

// NewAllocator creates a port allocator for the given range [min, max].
func NewAllocator(minPort, maxPort int) *Allocator {
	return &Allocator{
		minPort: minPort,
		maxPort: maxPort,
		byOwner: make(map[string]int),
		byPort:  make(map[int]string),
	}
}

// Allocate picks a free port for owner. It is idempotent: an owner keeps
// its port across restarts until Release or Reallocate.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byOwner[owner]; ok {
		return p, nil
	}
	return a.pickLocked(owner)
}

// Reallocate drops owner's current port, for example because another
// program has bound it in the meantime, and picks a new one.
func (a *Allocator) Reallocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byOwner[owner]; ok {
		delete(a.byPort, p)
		delete(a.byOwner, owner)
	}
	return a.pickLocked(owner)
}

func (a *Allocator) pickLocked(owner string) (int, error) {
	rangeSize := a.maxPort - a.minPort + 1
	if len(a.byPort) >= rangeSize {
		return 0, fmt.Errorf("port range exhausted (%d-%d)", a.minPort, a.maxPort)
	}

	// Random probing first, then an exhaustive scan
	for range rangeSize * 2 {
		p := a.minPort + rand.IntN(rangeSize)
		if a.claimLocked(owner, p) {
			return p, nil
		}
	}
	for p := a.minPort; p <= a.maxPort; p++ {
		if a.claimLocked(owner, p) {
			return p, nil
		}
	}

	return 0, fmt.Errorf("no available ports in range %d-%d", a.minPort, a.maxPort)
}

func (a *Allocator) claimLocked(owner string, p int) bool {
	if _, taken := a.byPort[p]; taken {
		return false
	}
	if !Available(p) {
		return false
	}
	a.byOwner[owner] = p
	a.byPort[p] = owner
	return true
}

// Reserve records a port chosen elsewhere, such as a fixed configured port,
// so dynamic allocation avoids it.
func (a *Allocator) Reserve(owner string, p int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.byPort[p]; ok && existing != owner {
		return fmt.Errorf("port %d already allocated to %q", p, existing)
	}
	if old, ok := a.byOwner[owner]; ok && old != p {
		delete(a.byPort, old)
	}

	a.byOwner[owner] = p
	a.byPort[p] = owner
	return nil
}

// Release frees the port held by owner.
func (a *Allocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byOwner[owner]; ok {
		delete(a.byPort, p)
		delete(a.byOwner, owner)
	}
}

// Available reports whether p can currently be bound on loopback.
func Available(p int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
