package sandbox

import (
	"context"
	"fmt"
	"net"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/metrics"
	"github.com/vaderyang/voidrun/internal/ports"
	"github.com/vaderyang/voidrun/internal/runtime"
)

// pidFile records the detached dev-server pid so a reload can replace it.
const pidFile = ".dev_server.pid"

// Options bound the lifecycle manager's behaviour. Zero fields take defaults.
type Options struct {
	DefaultTimeoutMS int
	MaxTimeoutMS     int
	DefaultMemoryMB  int
	MaxMemoryMB      int
	MaxSandboxes     int
	MaxFiles         int
	MaxFilesBytes    int
	InstallTimeout   time.Duration
	ProbeRetries     int
	ProbeInterval    time.Duration
	// WritablePrefixes is the allow-list for absolute file paths.
	WritablePrefixes []string
}

func (o *Options) defaults() {
	if o.DefaultTimeoutMS <= 0 {
		o.DefaultTimeoutMS = 30000
	}
	if o.MaxTimeoutMS <= 0 {
		o.MaxTimeoutMS = 3600000
	}
	if o.DefaultMemoryMB <= 0 {
		o.DefaultMemoryMB = 256
	}
	if o.MaxMemoryMB <= 0 {
		o.MaxMemoryMB = 2048
	}
	if o.MaxSandboxes <= 0 {
		o.MaxSandboxes = 10
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = 256
	}
	if o.MaxFilesBytes <= 0 {
		o.MaxFilesBytes = 32 * 1024 * 1024
	}
	if o.InstallTimeout < 30*time.Second {
		o.InstallTimeout = 30 * time.Second
	}
	if o.ProbeRetries <= 0 {
		o.ProbeRetries = 20
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 500 * time.Millisecond
	}
	if len(o.WritablePrefixes) == 0 {
		o.WritablePrefixes = []string{backend.SandboxRoot, "/tmp"}
	}
}

// Manager drives the sandbox state machine against an isolation backend.
type Manager struct {
	be       backend.Backend
	registry *Registry
	alloc    *ports.Allocator
	opts     Options
}

// NewManager wires the manager to its collaborators.
func NewManager(be backend.Backend, reg *Registry, alloc *ports.Allocator, opts Options) *Manager {
	opts.defaults()
	return &Manager{be: be, registry: reg, alloc: alloc, opts: opts}
}

// Registry exposes the shared registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Backend exposes the isolation backend for admin surfaces.
func (m *Manager) Backend() backend.Backend {
	return m.be
}

// ValidateSpec applies defaults and rejects specs outside configured bounds.
func (m *Manager) ValidateSpec(spec *Spec) error {
	rt, err := runtime.Parse(string(spec.Runtime))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	spec.Runtime = rt
	if spec.Mode == "" {
		spec.Mode = ModeOneShot
	}
	if spec.Mode != ModeOneShot && spec.Mode != ModePersistent {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, spec.Mode)
	}
	if spec.TimeoutMS == 0 {
		spec.TimeoutMS = m.opts.DefaultTimeoutMS
	}
	if spec.TimeoutMS < 0 || spec.TimeoutMS > m.opts.MaxTimeoutMS {
		return fmt.Errorf("%w: timeout_ms out of range (max %d)", ErrValidation, m.opts.MaxTimeoutMS)
	}
	if spec.MemoryLimitMB == 0 {
		spec.MemoryLimitMB = m.opts.DefaultMemoryMB
	}
	if spec.MemoryLimitMB < 0 || spec.MemoryLimitMB > m.opts.MaxMemoryMB {
		return fmt.Errorf("%w: memory_limit_mb out of range (max %d)", ErrValidation, m.opts.MaxMemoryMB)
	}
	if spec.DevServer && spec.Mode != ModePersistent {
		return fmt.Errorf("%w: dev_server requires persistent mode", ErrValidation)
	}
	if spec.Code == "" && len(spec.Files) == 0 {
		return fmt.Errorf("%w: code or files required", ErrValidation)
	}
	return m.validateFiles(spec.Files)
}

func (m *Manager) validateFiles(files []FileSpec) error {
	if len(files) > m.opts.MaxFiles {
		return fmt.Errorf("%w: too many files (max %d)", ErrValidation, m.opts.MaxFiles)
	}
	total := 0
	for _, f := range files {
		total += len(f.Content)
		if total > m.opts.MaxFilesBytes {
			return fmt.Errorf("%w: file list exceeds %d bytes", ErrValidation, m.opts.MaxFilesBytes)
		}
		if err := m.checkPath(f.Path); err != nil {
			return err
		}
	}
	return nil
}

// checkPath rejects traversal and absolute paths outside the allow-list.
func (m *Manager) checkPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty file path", ErrValidation)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%w: path escapes sandbox root: %s", ErrValidation, p)
	}
	if !path.IsAbs(cleaned) {
		return nil
	}
	for _, prefix := range m.opts.WritablePrefixes {
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return nil
		}
	}
	return fmt.Errorf("%w: absolute path outside writable prefixes: %s", ErrValidation, p)
}

// Create provisions a sandbox and runs the full setup: isolate creation, file
// materialisation, optional dependency install, optional dev-server launch.
// Any failure triggers destroy-and-release before returning.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Record, error) {
	if err := m.ValidateSpec(&spec); err != nil {
		metrics.SandboxCreates.WithLabelValues("invalid").Inc()
		return nil, err
	}

	// Admission control happens before any backend resource is acquired.
	if m.registry.Len() >= m.opts.MaxSandboxes {
		metrics.SandboxCreates.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("%w: concurrent sandbox cap (%d) reached", ErrExhausted, m.opts.MaxSandboxes)
	}

	port := 0
	if spec.Mode == ModePersistent && spec.DevServer {
		p, err := m.alloc.Allocate()
		if err != nil {
			metrics.SandboxCreates.WithLabelValues("exhausted").Inc()
			return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
		}
		port = p
	}

	beSpec := backend.Spec{
		Image:     spec.Runtime.Image(),
		MemoryMB:  spec.MemoryLimitMB,
		Env:       spec.EnvVars,
		Networked: spec.Mode == ModePersistent,
		HostPort:  port,
	}

	handle, err := m.be.Create(ctx, beSpec)
	if err != nil {
		// The allocation was held across Create; release synchronously.
		if port != 0 {
			m.alloc.Release(port)
		}
		metrics.SandboxCreates.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("backend create failed: %w", err)
	}
	if err := m.be.Start(ctx, handle); err != nil {
		m.be.Destroy(context.Background(), handle)
		if port != 0 {
			m.alloc.Release(port)
		}
		metrics.SandboxCreates.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("backend start failed: %w", err)
	}

	id := uuid.NewString()
	rec := newRecord(id, spec, handle, port)
	m.registry.Insert(rec)
	metrics.ActiveSandboxes.Set(float64(m.registry.Len()))

	if err := m.setup(ctx, rec); err != nil {
		m.teardown(rec, "setup_failure")
		metrics.SandboxCreates.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.SandboxCreates.WithLabelValues("ok").Inc()
	log.Info().
		Str("sandbox_id", id).
		Str("runtime", string(spec.Runtime)).
		Str("mode", string(spec.Mode)).
		Int("port", port).
		Msg("Sandbox created")
	return rec, nil
}

// setup materialises files, installs dependencies, and launches the dev
// server. A cancelled context aborts between steps.
func (m *Manager) setup(ctx context.Context, rec *Record) error {
	spec := rec.Spec

	if spec.Code != "" {
		if err := m.be.WriteFile(ctx, rec.Handle, mainFile(spec), []byte(spec.Code), false); err != nil {
			return fmt.Errorf("failed to write main source: %w", err)
		}
	}
	if err := m.writeFiles(ctx, rec, spec.Files); err != nil {
		return err
	}

	if spec.InstallDeps && hasPackageJSON(spec) {
		if err := m.installDeps(ctx, rec); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if spec.Mode == ModePersistent && spec.DevServer {
		if err := m.launchDevServer(ctx, rec); err != nil {
			rec.setState(StateFailed)
			return err
		}
		rec.setState(StateDevServer)
	}
	return nil
}

// writeFiles materialises the list in client order; parents are created by the
// backend. The first failure aborts.
func (m *Manager) writeFiles(ctx context.Context, rec *Record, files []FileSpec) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.be.WriteFile(ctx, rec.Handle, f.Path, []byte(f.Content), f.IsExecutable); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	return nil
}

func hasPackageJSON(spec Spec) bool {
	for _, f := range spec.Files {
		if path.Base(path.Clean(f.Path)) == "package.json" {
			return true
		}
	}
	return false
}

func (m *Manager) installDeps(ctx context.Context, rec *Record) error {
	rec.setState(StateInstalling)

	res, err := m.be.Exec(ctx, rec.Handle, rec.Spec.Runtime.InstallCommand(), backend.ExecOptions{
		Env:     rec.Spec.EnvVars,
		Timeout: m.opts.InstallTimeout,
	})
	if res.Stdout != "" {
		rec.appendLog(res.Stdout)
	}
	if res.Stderr != "" {
		rec.appendLog(res.Stderr)
	}
	if err != nil {
		rec.setState(StateFailed)
		return fmt.Errorf("dependency install failed: %w", err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		rec.setState(StateFailed)
		return fmt.Errorf("dependency install exited with code %d (timed_out=%v)", res.ExitCode, res.TimedOut)
	}

	rec.setState(StateCreated)
	return nil
}

// launchCommand resolves the dev-server / execute argv for the sandbox.
func launchCommand(spec Spec) []string {
	if spec.EntryPoint != "" {
		return []string{"sh", "-c", spec.EntryPoint}
	}
	return spec.Runtime.LaunchCommand(mainFile(spec))
}

// mainFile picks the entry source: the generated main when inline code was
// given, else the conventional index file from the supplied list.
func mainFile(spec Spec) string {
	if spec.Code != "" {
		return spec.Runtime.MainFile()
	}
	for _, f := range spec.Files {
		base := path.Base(f.Path)
		if strings.HasPrefix(base, "index.") || strings.HasPrefix(base, "main.") {
			return f.Path
		}
	}
	return spec.Runtime.MainFile()
}

// launchDevServer starts the guest server detached, records its pid for later
// reloads, and probes the published port until it accepts connections.
func (m *Manager) launchDevServer(ctx context.Context, rec *Record) error {
	cmdStr := rec.Spec.EntryPoint
	if cmdStr == "" {
		cmdStr = strings.Join(rec.Spec.Runtime.LaunchCommand(mainFile(rec.Spec)), " ")
	}
	wrapped := []string{"sh", "-c",
		fmt.Sprintf("echo $$ > %s && exec %s", pidFile, cmdStr)}

	if _, err := m.be.Exec(ctx, rec.Handle, wrapped, backend.ExecOptions{
		Env:    rec.Spec.EnvVars,
		Detach: true,
	}); err != nil {
		return fmt.Errorf("dev server launch failed: %w", err)
	}

	if err := m.probe(ctx, rec.Port); err != nil {
		return fmt.Errorf("dev server never became ready: %w", err)
	}
	return nil
}

// probe dials the host port with linear backoff until it connects.
func (m *Manager) probe(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	var lastErr error
	for i := 0; i < m.opts.ProbeRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, m.opts.ProbeInterval)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(m.opts.ProbeInterval)
	}
	return fmt.Errorf("%w: %v", backend.ErrTimeout, lastErr)
}

// Execute runs the one-shot launch command and records the result. Execution
// on the same id serialises through the record's operation mutex. A timed-out
// run tears the sandbox down; other failures leave it for inspection.
func (m *Manager) Execute(ctx context.Context, id string) (backend.ExecResult, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return backend.ExecResult{}, ErrNotFound
	}
	if rec.Spec.Mode != ModeOneShot {
		return backend.ExecResult{}, fmt.Errorf("%w: execute requires a one-shot sandbox", ErrBadState)
	}

	rec.opMu.Lock()
	defer rec.opMu.Unlock()

	switch rec.State() {
	case StateCreated, StateCompleted, StateFailed:
		// Re-execution is allowed on any non-destroyed settled state.
	default:
		return backend.ExecResult{}, fmt.Errorf("%w: state %s", ErrBadState, rec.State())
	}

	rec.setState(StateRunning)
	rec.Touch()

	res, err := m.be.Exec(ctx, rec.Handle, launchCommand(rec.Spec), backend.ExecOptions{
		Env:     rec.Spec.EnvVars,
		Timeout: time.Duration(rec.Spec.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		rec.setState(StateFailed)
		metrics.SandboxExecutes.WithLabelValues("error").Inc()
		return backend.ExecResult{}, fmt.Errorf("execution failed: %w", err)
	}

	rec.setResult(&res)
	if res.Stdout != "" {
		rec.appendLog(res.Stdout)
	}
	if res.Stderr != "" {
		rec.appendLog(res.Stderr)
	}

	switch {
	case res.TimedOut:
		rec.setState(StateFailed)
		metrics.SandboxExecutes.WithLabelValues("timeout").Inc()
		m.teardown(rec, "timeout")
	case res.ExitCode == 0:
		rec.setState(StateCompleted)
		metrics.SandboxExecutes.WithLabelValues("ok").Inc()
	default:
		rec.setState(StateFailed)
		metrics.SandboxExecutes.WithLabelValues("nonzero_exit").Inc()
	}
	return res, nil
}

// UpdateFiles overwrites files in a running sandbox and optionally restarts
// the dev server. After it returns, further requests observe the new code.
func (m *Manager) UpdateFiles(ctx context.Context, id string, files []FileSpec, restart bool) error {
	if err := m.validateFiles(files); err != nil {
		return err
	}
	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	if rec.State().Terminal() {
		return fmt.Errorf("%w: sandbox destroyed", ErrBadState)
	}

	rec.opMu.Lock()
	defer rec.opMu.Unlock()

	if err := m.writeFiles(ctx, rec, files); err != nil {
		return err
	}

	if restart && rec.Spec.Mode == ModePersistent && rec.Spec.DevServer {
		// Replace the recorded server process, then relaunch and re-probe.
		kill := fmt.Sprintf("kill -9 $(cat %s) 2>/dev/null || true", pidFile)
		m.be.Exec(ctx, rec.Handle, []string{"sh", "-c", kill}, backend.ExecOptions{})
		if err := m.launchDevServer(ctx, rec); err != nil {
			rec.setState(StateFailed)
			return err
		}
		rec.setState(StateDevServer)
	}
	return nil
}

// Destroy tears down the sandbox. Idempotent at the API level: a second call
// for the same id reports ErrNotFound. Teardown interrupts any in-flight
// setup or execution by killing the isolate under it.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	m.teardown(rec, "delete")
	return nil
}

// teardown is the single terminal path: mark Destroyed, backend.Destroy, then
// registry removal (which releases the port). Destroy failures are logged but
// never block the release.
func (m *Manager) teardown(rec *Record, reason string) {
	rec.setState(StateDestroyed)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.be.Destroy(ctx, rec.Handle); err != nil {
		log.Error().Str("sandbox_id", rec.ID).Err(err).Msg("Backend destroy failed")
	}

	if _, ok := m.registry.Remove(rec.ID); ok {
		metrics.SandboxTeardowns.WithLabelValues(reason).Inc()
		metrics.ActiveSandboxes.Set(float64(m.registry.Len()))
		log.Info().Str("sandbox_id", rec.ID).Str("reason", reason).Msg("Sandbox destroyed")
	}
}

// Get returns the record for id.
func (m *Manager) Get(id string) (*Record, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns snapshots of all live sandboxes.
func (m *Manager) List() []Info {
	recs := m.registry.List()
	out := make([]Info, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Info())
	}
	return out
}

// Stats samples backend resource usage for a sandbox.
func (m *Manager) Stats(ctx context.Context, id string) (backend.Stats, error) {
	rec, ok := m.registry.Get(id)
	if !ok {
		return backend.Stats{}, ErrNotFound
	}
	return m.be.Stats(ctx, rec.Handle)
}

// ForceStop kills a runaway guest from the admin surface. Like delete, it is
// a terminal transition: stop, destroy, release the port, evict the record.
func (m *Manager) ForceStop(ctx context.Context, id string) error {
	rec, ok := m.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	if err := m.be.ForceStop(ctx, rec.Handle); err != nil {
		log.Warn().Str("sandbox_id", id).Err(err).Msg("Force-stop signal failed")
	}
	m.teardown(rec, "force_stop")
	return nil
}

// Janitor destroys one-shot sandboxes that outlived their budget: records
// older than their wall-clock timeout plus a grace period, or older than
// maxAge. Persistent sandboxes are never aged out here; they are torn down by
// explicit delete, admin force-stop, and the FaaS idle autoscaler, which keys
// off last activity rather than creation time. Run it on a ticker from the
// server loop.
func (m *Manager) Janitor(maxAge time.Duration) {
	now := time.Now()
	for _, rec := range m.registry.List() {
		if rec.Spec.Mode != ModeOneShot {
			continue
		}
		age := now.Sub(rec.CreatedAt)
		budget := time.Duration(rec.Spec.TimeoutMS)*time.Millisecond + time.Minute
		stale := age > budget || (maxAge > 0 && age > maxAge)
		if stale && rec.State() != StateRunning {
			log.Info().Str("sandbox_id", rec.ID).Dur("age", age).Msg("Janitor reaping stale sandbox")
			m.teardown(rec, "janitor")
		}
	}
}

// Shutdown destroys every remaining sandbox, best effort, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, rec := range m.registry.List() {
		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout; leaving remaining sandboxes to orphan GC")
			return
		}
		m.teardown(rec, "shutdown")
	}
}
