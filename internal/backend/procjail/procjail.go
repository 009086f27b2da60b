// Package procjail implements the backend contract with plain host processes
// that run in a per-isolate temp directory (their working and home directory).
// It exists for environments without a container runtime. Guest processes are
// not chrooted and get no network isolation or memory/CPU limits; the only
// separation is that file writes land in the jail directory and each command
// runs in its own process group, so it should carry trusted workloads at most.
package procjail

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vaderyang/voidrun/internal/backend"
)

const BackendName = "procjail"

// DefaultRoot is the base directory for jail directories.
const DefaultRoot = "/tmp"

type jail struct {
	dir     string
	env     map[string]string
	started bool

	mu   sync.Mutex
	pgid int // process group of the detached dev server, 0 when none
}

// Backend implements backend.Backend with jailed host processes.
type Backend struct {
	root string

	mu    sync.Mutex
	jails map[string]*jail
}

// New creates a procjail Backend. cfg["root"] overrides the jail base dir.
func New(cfg map[string]any) (backend.Backend, error) {
	root := DefaultRoot
	if r, ok := cfg["root"].(string); ok && r != "" {
		root = r
	}
	return &Backend{
		root:  root,
		jails: make(map[string]*jail),
	}, nil
}

func init() {
	backend.Register(BackendName, New)
}

func (b *Backend) Name() string {
	return BackendName
}

func (b *Backend) Available(ctx context.Context) error {
	if err := os.MkdirAll(b.root, 0755); err != nil {
		return fmt.Errorf("%w: jail root not writable: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) Create(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	if err := spec.Validate(); err != nil {
		return backend.Handle{}, err
	}

	dir, err := os.MkdirTemp(b.root, "sandbox-")
	if err != nil {
		return backend.Handle{}, fmt.Errorf("failed to create jail dir: %w", err)
	}

	env := map[string]string{
		"HOME": dir,
		// Dev servers read PORT; the jail has no port mapping layer, so the
		// process binds the published host port directly.
		"PORT": strconv.Itoa(spec.HostPort),
	}
	if spec.HostPort == 0 {
		env["PORT"] = strconv.Itoa(backend.InternalPort)
	}
	for k, v := range spec.Env {
		env[k] = v
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.jails[id] = &jail{dir: dir, env: env}
	b.mu.Unlock()

	return backend.Handle{ID: id, Dir: dir}, nil
}

func (b *Backend) get(h backend.Handle) (*jail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jails[h.ID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return j, nil
}

func (b *Backend) Start(ctx context.Context, h backend.Handle) error {
	j, err := b.get(h)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.started = true
	j.mu.Unlock()
	return nil
}

func (b *Backend) WriteFile(ctx context.Context, h backend.Handle, path string, data []byte, executable bool) error {
	j, err := b.get(h)
	if err != nil {
		return err
	}

	// Absolute guest paths are re-rooted into the jail dir; the lifecycle
	// manager has already vetted them against the writable allow-list.
	target := filepath.Join(j.dir, filepath.Clean("/"+path))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent dirs: %w", err)
	}

	mode := os.FileMode(0644)
	if executable {
		mode = 0755
	}
	if err := os.WriteFile(target, data, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	// WriteFile does not chmod existing files.
	return os.Chmod(target, mode)
}

func (b *Backend) Exec(ctx context.Context, h backend.Handle, argv []string, opts backend.ExecOptions) (backend.ExecResult, error) {
	j, err := b.get(h)
	if err != nil {
		return backend.ExecResult{}, err
	}
	j.mu.Lock()
	started := j.started
	j.mu.Unlock()
	if !started {
		return backend.ExecResult{}, backend.ErrNotRunning
	}
	if len(argv) == 0 {
		return backend.ExecResult{}, fmt.Errorf("%w: empty argv", backend.ErrInvalidSpec)
	}

	env := os.Environ()
	for k, v := range j.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	start := time.Now()

	if opts.Detach {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = j.dir
		cmd.Env = env
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			return backend.ExecResult{}, fmt.Errorf("failed to launch: %w", err)
		}
		j.mu.Lock()
		j.pgid = cmd.Process.Pid
		j.mu.Unlock()
		// Reap on exit so the process does not linger as a zombie.
		go cmd.Wait()
		return backend.ExecResult{Elapsed: time.Since(start).Milliseconds()}, nil
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = j.dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole group so children cannot escape the timeout.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(opts.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	limit := opts.StreamCap
	if limit <= 0 {
		limit = backend.DefaultStreamCap
	}
	stdout := newCapBuffer(limit)
	stderr := newCapBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	result := backend.ExecResult{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start).Milliseconds(),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.TimedOut = true
		result.ExitCode = -1
	case err != nil:
		if exit, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exit.ExitCode()
		} else {
			return result, fmt.Errorf("exec failed: %w", err)
		}
	}
	return result, nil
}

func (b *Backend) ForceStop(ctx context.Context, h backend.Handle) error {
	j, err := b.get(h)
	if err != nil {
		return nil
	}
	j.mu.Lock()
	pgid := j.pgid
	j.pgid = 0
	j.started = false
	j.mu.Unlock()

	if pgid != 0 {
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err == nil {
			time.Sleep(100 * time.Millisecond)
		}
		syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, h backend.Handle) error {
	b.ForceStop(ctx, h)

	b.mu.Lock()
	j, ok := b.jails[h.ID]
	delete(b.jails, h.ID)
	b.mu.Unlock()

	dir := h.Dir
	if ok {
		dir = j.dir
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("Failed to remove jail dir")
		}
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context, h backend.Handle) (backend.Stats, error) {
	j, err := b.get(h)
	if err != nil {
		return backend.Stats{}, err
	}

	var stats backend.Stats
	filepath.Walk(j.dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			stats.DiskBytes += uint64(info.Size())
		}
		return nil
	})
	return stats, nil
}

// capBuffer mirrors the docker backend's capture bound.
type capBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.buf.Len() >= c.limit {
		c.truncated = true
		return n, nil
	}
	if c.buf.Len()+n > c.limit {
		p = p[:c.limit-c.buf.Len()]
		c.truncated = true
	}
	c.buf.Write(p)
	return n, nil
}

func (c *capBuffer) String() string {
	if c.truncated {
		return c.buf.String() + backend.TruncationMarker
	}
	return c.buf.String()
}
