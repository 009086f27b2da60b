// Package docker implements the backend contract on top of the Docker engine.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"github.com/vaderyang/voidrun/internal/backend"
)

const (
	BackendName  = "docker"
	ManagedLabel = "run.void.managed"

	internalPort = nat.Port("3000/tcp")
)

// Backend implements backend.Backend using the Docker engine.
type Backend struct {
	cli *client.Client
}

// New creates a docker Backend and garbage-collects containers left over from
// a previous process.
func New(cfg map[string]any) (backend.Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	go cleanupOrphans(cli)

	return &Backend{cli: cli}, nil
}

func init() {
	backend.Register(BackendName, New)
}

func (b *Backend) Name() string {
	return BackendName
}

func (b *Backend) Available(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker daemon unreachable: %v", backend.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.cli.Close()
}

// cleanupOrphans removes managed containers surviving a previous crash.
func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list orphaned containers")
		return
	}

	count := 0
	for _, c := range list {
		err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil {
			log.Warn().Str("id", c.ID).Err(err).Msg("Failed to remove orphan")
		} else {
			count++
		}
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("Removed orphaned containers")
	}
}

func (b *Backend) Create(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	if err := spec.Validate(); err != nil {
		return backend.Handle{}, err
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPUCores * 1e9),
			Memory:   int64(spec.MemoryMB) * 1024 * 1024,
		},
		// Untrusted guests: no capabilities, no privilege escalation, and a
		// read-only root with writable tmpfs overlays at /sandbox and /tmp.
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			backend.SandboxRoot: "rw,exec,size=512m",
			"/tmp":              "rw,exec,size=64m",
		},
	}

	if spec.Networked {
		hostConfig.NetworkMode = "bridge"
		if spec.HostPort != 0 {
			hostConfig.PortBindings = nat.PortMap{
				internalPort: []nat.PortBinding{{
					HostIP:   "127.0.0.1",
					HostPort: strconv.Itoa(spec.HostPort),
				}},
			}
		}
	} else {
		hostConfig.NetworkMode = "none"
	}

	env := []string{
		"HOME=" + backend.SandboxRoot,
		"PORT=" + strconv.Itoa(backend.InternalPort),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	// Ensure image exists locally, otherwise pull it.
	_, _, err := b.cli.ImageInspectWithRaw(ctx, spec.Image)
	if client.IsErrNotFound(err) {
		log.Info().Str("image", spec.Image).Msg("Image not found locally, pulling")
		reader, err := b.cli.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
		if err != nil {
			return backend.Handle{}, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	} else if err != nil {
		return backend.Handle{}, fmt.Errorf("failed to inspect image: %w", err)
	}

	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image: spec.Image,
		// Keep-alive entrypoint so commands can be exec'd later.
		Cmd:        []string{"tail", "-f", "/dev/null"},
		Env:        env,
		Labels:     labels,
		WorkingDir: backend.SandboxRoot,
	}
	if spec.HostPort != 0 {
		config.ExposedPorts = nat.PortSet{internalPort: struct{}{}}
	}

	resp, err := b.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return backend.Handle{}, fmt.Errorf("failed to create container: %w", err)
	}

	return backend.Handle{ID: resp.ID}, nil
}

func (b *Backend) Start(ctx context.Context, h Handle) error {
	if err := b.cli.ContainerStart(ctx, h.ID, types.ContainerStartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return backend.ErrNotFound
		}
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (b *Backend) ForceStop(ctx context.Context, h Handle) error {
	if err := b.cli.ContainerKill(ctx, h.ID, "KILL"); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		// Kill on an already-exited container errors; that still satisfies
		// "no longer running".
		if info, ierr := b.cli.ContainerInspect(ctx, h.ID); ierr == nil && !info.State.Running {
			return nil
		}
		return fmt.Errorf("failed to kill container: %w", err)
	}
	return nil
}

func (b *Backend) Destroy(ctx context.Context, h Handle) error {
	opts := types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}
	if err := b.cli.ContainerRemove(ctx, h.ID, opts); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context, h Handle) (backend.Stats, error) {
	resp, err := b.cli.ContainerStats(ctx, h.ID, false)
	if err != nil {
		if client.IsErrNotFound(err) {
			return backend.Stats{}, backend.ErrNotFound
		}
		return backend.Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := decodeStats(resp.Body, &raw); err != nil {
		return backend.Stats{}, err
	}

	stats := backend.Stats{
		MemBytes: raw.MemoryStats.Usage,
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	if sysDelta > 0 && cpuDelta > 0 {
		stats.CPUPercent = cpuDelta / sysDelta * float64(raw.CPUStats.OnlineCPUs) * 100.0
	}

	for _, nw := range raw.Networks {
		stats.NetBytesIn += nw.RxBytes
		stats.NetBytesOut += nw.TxBytes
	}

	return stats, nil
}

// Handle is an alias kept local so method signatures stay readable.
type Handle = backend.Handle
