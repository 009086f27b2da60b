// Package ports hands out unique host TCP ports for persistent sandboxes.
package ports

import (
	"errors"
	"sync"
)

// ErrExhausted indicates no free port remains in the configured range.
var ErrExhausted = errors.New("port range exhausted")

// Allocator manages a fixed inclusive range of host ports.
type Allocator struct {
	mu    sync.Mutex
	first int
	last  int
	// free is kept sorted ascending so Allocate returns the lowest port.
	free  []int
	inUse map[int]bool
}

// NewAllocator creates an allocator over [first, last].
func NewAllocator(first, last int) *Allocator {
	free := make([]int, 0, last-first+1)
	for p := first; p <= last; p++ {
		free = append(free, p)
	}
	return &Allocator{
		first: first,
		last:  last,
		free:  free,
		inUse: make(map[int]bool),
	}
}

// Allocate removes and returns the lowest free port.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, ErrExhausted
	}
	p := a.free[0]
	a.free = a.free[1:]
	a.inUse[p] = true
	return p, nil
}

// Release returns a port to the free set. Releasing a port that is not in use
// (or outside the range) is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.inUse[port] {
		return
	}
	delete(a.inUse, port)

	// Insert keeping ascending order.
	i := 0
	for i < len(a.free) && a.free[i] < port {
		i++
	}
	a.free = append(a.free, 0)
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = port
}

// InUse returns the number of allocated ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// Free returns the number of available ports.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
