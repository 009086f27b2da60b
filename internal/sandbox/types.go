// Package sandbox implements the sandbox lifecycle: the shared registry, the
// state machine, setup (file materialisation, dependency install, dev-server
// launch), execution, and teardown.
package sandbox

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/runtime"
)

// Errors surfaced by the lifecycle manager.
var (
	// ErrNotFound indicates an unknown sandbox id.
	ErrNotFound = errors.New("sandbox not found")

	// ErrBadState indicates an operation illegal for the current state.
	ErrBadState = errors.New("operation not allowed in current state")

	// ErrExhausted indicates the concurrent-sandbox cap or port range is full.
	ErrExhausted = errors.New("resource exhausted")

	// ErrValidation indicates a malformed create or update request.
	ErrValidation = errors.New("validation failed")
)

// Mode selects between a single captured run and a long-lived server sandbox.
type Mode string

const (
	ModeOneShot    Mode = "oneshot"
	ModePersistent Mode = "persistent"
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StateCreated    State = "created"
	StateInstalling State = "installing"
	StateRunning    State = "running"
	StateDevServer  State = "dev_server"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDestroyed  State = "destroyed"
)

// Terminal reports whether no further transitions may occur from s.
func (s State) Terminal() bool {
	return s == StateDestroyed
}

// FileSpec is one entry of a declarative file list.
type FileSpec struct {
	Path         string `json:"path"`
	Content      string `json:"content"`
	IsExecutable bool   `json:"is_executable,omitempty"`
}

// Spec is the client-supplied description of a sandbox.
type Spec struct {
	Runtime       runtime.Runtime   `json:"runtime"`
	Code          string            `json:"code,omitempty"`
	EntryPoint    string            `json:"entry_point,omitempty"`
	TimeoutMS     int               `json:"timeout_ms"`
	MemoryLimitMB int               `json:"memory_limit_mb"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
	Files         []FileSpec        `json:"files,omitempty"`
	Mode          Mode              `json:"mode"`
	InstallDeps   bool              `json:"install_deps"`
	DevServer     bool              `json:"dev_server"`
}

// Record is the authoritative per-sandbox entity. State, last result, and the
// setup log are guarded by mu; the last-activity stamp is atomic because the
// proxy updates it on every hit.
type Record struct {
	ID        string
	Spec      Spec
	Handle    backend.Handle
	Port      int // 0 when no host port is published
	CreatedAt time.Time

	// opMu serialises mutating operations (execute, file update) on this id.
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastResult   *backend.ExecResult
	setupLog     []string
	lastActivity atomic.Int64 // unix nano
}

// newRecord builds a record in StateCreated.
func newRecord(id string, spec Spec, h backend.Handle, port int) *Record {
	r := &Record{
		ID:        id,
		Spec:      spec,
		Handle:    h,
		Port:      port,
		CreatedAt: time.Now(),
		state:     StateCreated,
	}
	r.lastActivity.Store(r.CreatedAt.UnixNano())
	return r
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// setState transitions the record. Destroyed is absorbing.
func (r *Record) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = s
}

// Touch stamps the last-activity instant. Called by the proxy on every hit.
func (r *Record) Touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last-activity instant.
func (r *Record) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

// LastResult returns the most recent one-shot execution result, or nil.
func (r *Record) LastResult() *backend.ExecResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastResult
}

func (r *Record) setResult(res *backend.ExecResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastResult = res
}

// appendLog retains a line of setup/exec output for the admin log endpoints.
func (r *Record) appendLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setupLog = append(r.setupLog, line)
	// Bound retention so a chatty install cannot grow without limit.
	if len(r.setupLog) > 512 {
		r.setupLog = r.setupLog[len(r.setupLog)-512:]
	}
}

// Logs returns a copy of the retained setup/exec log lines.
func (r *Record) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.setupLog))
	copy(out, r.setupLog)
	return out
}

// Info is the JSON-facing snapshot of a record.
type Info struct {
	ID           string              `json:"id"`
	Runtime      runtime.Runtime     `json:"runtime"`
	Mode         Mode                `json:"mode"`
	State        State               `json:"state"`
	Port         int                 `json:"port,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
	LastResult   *backend.ExecResult `json:"last_result,omitempty"`
}

// Info returns a consistent snapshot for API responses.
func (r *Record) Info() Info {
	r.mu.Lock()
	state := r.state
	result := r.lastResult
	r.mu.Unlock()
	return Info{
		ID:           r.ID,
		Runtime:      r.Spec.Runtime,
		Mode:         r.Spec.Mode,
		State:        state,
		Port:         r.Port,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity(),
		LastResult:   result,
	}
}
