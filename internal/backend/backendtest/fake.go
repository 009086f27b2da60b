// Package backendtest provides an in-memory Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vaderyang/voidrun/internal/backend"
)

// WrittenFile records one WriteFile call.
type WrittenFile struct {
	Path       string
	Data       []byte
	Executable bool
}

// Fake is a scriptable in-memory backend. Exec results are served from the
// queue in FIFO order; an empty queue yields a zero-exit result.
type Fake struct {
	mu       sync.Mutex
	isolates map[string]bool // id -> started
	files    map[string][]WrittenFile
	execs    []ExecCall
	queue    []backend.ExecResult

	// CreateErr, when set, fails the next Create.
	CreateErr error
	// ExecErr, when set, fails every Exec.
	ExecErr error
}

// ExecCall records one Exec invocation.
type ExecCall struct {
	ID     string
	Argv   []string
	Detach bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		isolates: make(map[string]bool),
		files:    make(map[string][]WrittenFile),
	}
}

// QueueResult schedules the result for a future Exec call.
func (f *Fake) QueueResult(res backend.ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, res)
}

// Files returns the writes recorded for the isolate.
func (f *Fake) Files(id string) []WrittenFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WrittenFile(nil), f.files[id]...)
}

// Execs returns all recorded Exec calls.
func (f *Fake) Execs() []ExecCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecCall(nil), f.execs...)
}

// Live returns the number of isolates that have not been destroyed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.isolates)
}

func (f *Fake) Name() string                        { return "fake" }
func (f *Fake) Available(ctx context.Context) error { return nil }
func (f *Fake) Close() error                        { return nil }

func (f *Fake) Create(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	if err := spec.Validate(); err != nil {
		return backend.Handle{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return backend.Handle{}, err
	}
	id := uuid.NewString()
	f.isolates[id] = false
	return backend.Handle{ID: id}, nil
}

func (f *Fake) Start(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.isolates[h.ID]; !ok {
		return backend.ErrNotFound
	}
	f.isolates[h.ID] = true
	return nil
}

func (f *Fake) WriteFile(ctx context.Context, h backend.Handle, path string, data []byte, executable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.isolates[h.ID]; !ok {
		return backend.ErrNotFound
	}
	f.files[h.ID] = append(f.files[h.ID], WrittenFile{Path: path, Data: data, Executable: executable})
	return nil
}

func (f *Fake) Exec(ctx context.Context, h backend.Handle, argv []string, opts backend.ExecOptions) (backend.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	started, ok := f.isolates[h.ID]
	if !ok {
		return backend.ExecResult{}, backend.ErrNotFound
	}
	if !started {
		return backend.ExecResult{}, backend.ErrNotRunning
	}
	if f.ExecErr != nil {
		return backend.ExecResult{}, f.ExecErr
	}
	f.execs = append(f.execs, ExecCall{ID: h.ID, Argv: argv, Detach: opts.Detach})
	if len(f.queue) == 0 {
		return backend.ExecResult{}, nil
	}
	res := f.queue[0]
	f.queue = f.queue[1:]
	return res, nil
}

func (f *Fake) ForceStop(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.isolates[h.ID]; ok {
		f.isolates[h.ID] = false
	}
	return nil
}

func (f *Fake) Destroy(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.isolates, h.ID)
	return nil
}

func (f *Fake) Stats(ctx context.Context, h backend.Handle) (backend.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.isolates[h.ID]; !ok {
		return backend.Stats{}, backend.ErrNotFound
	}
	return backend.Stats{MemBytes: 1 << 20}, nil
}

var _ backend.Backend = (*Fake)(nil)

// ErrScripted is a convenience error for scripting failures in tests.
var ErrScripted = fmt.Errorf("scripted failure")
