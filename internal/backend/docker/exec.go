package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog/log"

	"github.com/vaderyang/voidrun/internal/backend"
)

// Exec implements backend.Backend. Output streams are demultiplexed from the
// attach connection and capped; on wall-clock expiry the container is killed so
// the guest command cannot outlive its budget.
func (b *Backend) Exec(ctx context.Context, h Handle, argv []string, opts backend.ExecOptions) (backend.ExecResult, error) {
	info, err := b.cli.ContainerInspect(ctx, h.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return backend.ExecResult{}, backend.ErrNotFound
		}
		return backend.ExecResult{}, err
	}
	if !info.State.Running {
		return backend.ExecResult{}, backend.ErrNotRunning
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execCfg := types.ExecConfig{
		Cmd:          argv,
		Env:          env,
		WorkingDir:   backend.SandboxRoot,
		AttachStdin:  len(opts.Stdin) > 0,
		AttachStdout: !opts.Detach,
		AttachStderr: !opts.Detach,
		Detach:       opts.Detach,
	}

	created, err := b.cli.ContainerExecCreate(ctx, h.ID, execCfg)
	if err != nil {
		return backend.ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	start := time.Now()

	if opts.Detach {
		if err := b.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{Detach: true}); err != nil {
			return backend.ExecResult{}, fmt.Errorf("failed to start exec: %w", err)
		}
		// Confirm the process came up at all; a dev server that dies within
		// the first instant is a launch failure, not a running isolate.
		insp, err := b.cli.ContainerExecInspect(ctx, created.ID)
		if err == nil && !insp.Running && insp.ExitCode != 0 {
			return backend.ExecResult{ExitCode: insp.ExitCode}, fmt.Errorf("detached command exited immediately with code %d", insp.ExitCode)
		}
		return backend.ExecResult{Elapsed: time.Since(start).Milliseconds()}, nil
	}

	attach, err := b.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return backend.ExecResult{}, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer attach.Close()

	if len(opts.Stdin) > 0 {
		if _, err := attach.Conn.Write(opts.Stdin); err != nil {
			log.Debug().Err(err).Msg("exec stdin write failed")
		}
		attach.CloseWrite()
	}

	limit := opts.StreamCap
	if limit <= 0 {
		limit = backend.DefaultStreamCap
	}
	stdout := newCapBuffer(limit)
	stderr := newCapBuffer(limit)

	done := make(chan error, 1)
	go func() {
		// The attach stream is multiplexed; stdcopy splits it back into the
		// two capture buffers.
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	var timeoutCh <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	result := backend.ExecResult{}

	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return backend.ExecResult{}, fmt.Errorf("exec stream error: %w", err)
		}
		insp, err := b.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return backend.ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
		}
		result.ExitCode = insp.ExitCode
	case <-timeoutCh:
		// No per-exec kill in the engine API; killing the container takes the
		// whole process tree with it. The lifecycle manager destroys the
		// isolate on timeout anyway.
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		b.cli.ContainerKill(killCtx, h.ID, "KILL")
		cancel()
		<-done
		result.TimedOut = true
		result.ExitCode = -1
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		b.cli.ContainerKill(killCtx, h.ID, "KILL")
		cancel()
		<-done
		return backend.ExecResult{}, ctx.Err()
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Elapsed = time.Since(start).Milliseconds()
	return result, nil
}

func decodeStats(r io.Reader, v *types.StatsJSON) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode stats: %w", err)
	}
	return nil
}

// capBuffer captures up to cap bytes, then swallows the rest and records the
// truncation.
type capBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func newCapBuffer(cap int) *capBuffer {
	return &capBuffer{cap: cap}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.buf.Len() >= c.cap {
		c.truncated = true
		return n, nil
	}
	if c.buf.Len()+n > c.cap {
		p = p[:c.cap-c.buf.Len()]
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
