// Package port hands out loopback ports for the per-process shutdown
// endpoints. A process whose spec asks for a dynamic port gets one from
// the configured range, verified free by a probe bind at allocation time.
package port

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// Allocator assigns shutdown ports to process names within [min, max].
type Allocator struct {
	mu       sync.Mutex
	min, max int
	byName   map[string]int
	byPort   map[int]string
}

// NewAllocator creates an allocator over the inclusive range [min, max].
func NewAllocator(min, max int) *Allocator {
	return &Allocator{
		min:    min,
		max:    max,
		byName: make(map[string]int),
		byPort: make(map[int]string),
	}
}

// Allocate picks a free port for the named process. Allocating again for
// the same name returns the existing port.
func (a *Allocator) Allocate(name string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byName[name]; ok {
		return p, nil
	}

	span := a.max - a.min + 1
	if len(a.byPort) >= span {
		return 0, fmt.Errorf("shutdown port range %d-%d exhausted", a.min, a.max)
	}

	// Random probing first so restarts do not pile every process onto
	// the bottom of the range, then a linear sweep as the fallback.
	for attempt := 0; attempt < span; attempt++ {
		if p := a.min + rand.Intn(span); a.claim(name, p) {
			return p, nil
		}
	}
	for p := a.min; p <= a.max; p++ {
		if a.claim(name, p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.min, a.max)
}

// claim records a port for name if it is untracked and bindable.
// Caller holds the lock.
func (a *Allocator) claim(name string, p int) bool {
	if _, taken := a.byPort[p]; taken {
		return false
	}
	if !bindable(p) {
		return false
	}
	a.byName[name] = p
	a.byPort[p] = name
	return true
}

// Reserve pins a specific port to a process, used when a spec names a
// fixed shutdown port. It fails if another process holds the port.
func (a *Allocator) Reserve(name string, p int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if holder, ok := a.byPort[p]; ok && holder != name {
		return fmt.Errorf("port %d already held by %q", p, holder)
	}
	if old, ok := a.byName[name]; ok && old != p {
		delete(a.byPort, old)
	}
	a.byName[name] = p
	a.byPort[p] = name
	return nil
}

// Release frees whatever port the named process holds.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byName[name]; ok {
		delete(a.byPort, p)
		delete(a.byName, name)
	}
}

// Port returns the port held by name, or 0.
func (a *Allocator) Port(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byName[name]
}

func bindable(p int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
