package faas

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaderyang/voidrun/internal/backend/backendtest"
	"github.com/vaderyang/voidrun/internal/ports"
	"github.com/vaderyang/voidrun/internal/runtime"
	"github.com/vaderyang/voidrun/internal/sandbox"
)

func newTestStack(t *testing.T) (*Manager, *sandbox.Manager, *backendtest.Fake) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := l.Addr().(*net.TCPAddr).Port

	fake := backendtest.New()
	alloc := ports.NewAllocator(port, port)
	reg := sandbox.NewRegistry(alloc)
	sm := sandbox.NewManager(fake, reg, alloc, sandbox.Options{
		ProbeRetries:  3,
		ProbeInterval: 20 * time.Millisecond,
	})
	fm := NewManager(sm, "http://127.0.0.1:8070", time.Second)
	return fm, sm, fake
}

func devSpec() sandbox.Spec {
	return sandbox.Spec{
		Runtime: runtime.Bun,
		Files:   []sandbox.FileSpec{{Path: "index.ts", Content: "Bun.serve({})"}},
	}
}

func TestDeployAndResolve(t *testing.T) {
	fm, _, _ := newTestStack(t)
	ctx := context.Background()

	dep, err := fm.Deploy(ctx, "demo", devSpec(), Policy{IdleTimeoutMin: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, dep.ID)
	assert.NotEqual(t, dep.ID, dep.SandboxID)
	assert.Equal(t, "http://127.0.0.1:8070/faas/"+dep.ID, dep.URL)

	rec, err := fm.Resolve(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, dep.SandboxID, rec.ID)
	assert.Equal(t, sandbox.StateDevServer, rec.State())

	got, err := fm.Get(dep.ID)
	require.NoError(t, err)
	assert.Equal(t, dep, got)

	assert.Len(t, fm.List(), 1)
}

func TestUndeployTearsDownSandbox(t *testing.T) {
	fm, sm, fake := newTestStack(t)
	ctx := context.Background()

	dep, err := fm.Deploy(ctx, "demo", devSpec(), Policy{})
	require.NoError(t, err)

	require.NoError(t, fm.Undeploy(ctx, dep.ID))
	assert.Equal(t, 0, fake.Live())

	_, err = fm.Get(dep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sm.Get(dep.SandboxID)
	assert.ErrorIs(t, err, sandbox.ErrNotFound)

	assert.ErrorIs(t, fm.Undeploy(ctx, dep.ID), ErrNotFound)
}

func TestUpdateFiles(t *testing.T) {
	fm, _, fake := newTestStack(t)
	ctx := context.Background()

	dep, err := fm.Deploy(ctx, "demo", devSpec(), Policy{})
	require.NoError(t, err)

	err = fm.UpdateFiles(ctx, dep.ID, []sandbox.FileSpec{{Path: "index.ts", Content: "v2"}}, false)
	require.NoError(t, err)

	rec, err := fm.Resolve(dep.ID)
	require.NoError(t, err)
	files := fake.Files(rec.Handle.ID)
	assert.Equal(t, "v2", string(files[len(files)-1].Data))
}

func TestScaleIdleToZero(t *testing.T) {
	fm, _, fake := newTestStack(t)
	ctx := context.Background()

	dep, err := fm.Deploy(ctx, "demo", devSpec(), Policy{IdleTimeoutMin: 1})
	require.NoError(t, err)

	// Still fresh: nothing happens.
	fm.scaleIdle(ctx)
	_, err = fm.Get(dep.ID)
	require.NoError(t, err)

	// Pretend 90 seconds pass with no proxy activity.
	fm.now = func() time.Time { return time.Now().Add(90 * time.Second) }
	fm.scaleIdle(ctx)

	_, err = fm.Get(dep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, fake.Live())
}

func TestScaleIdleRespectsMinInstances(t *testing.T) {
	fm, _, _ := newTestStack(t)
	ctx := context.Background()

	dep, err := fm.Deploy(ctx, "demo", devSpec(), Policy{IdleTimeoutMin: 1, MinInstances: 1})
	require.NoError(t, err)

	fm.now = func() time.Time { return time.Now().Add(time.Hour) }
	fm.scaleIdle(ctx)

	_, err = fm.Get(dep.ID)
	assert.NoError(t, err)
}

func TestScaleIdleDropsStaleDeployment(t *testing.T) {
	fm, sm, _ := newTestStack(t)
	ctx := context.Background()

	dep, err := fm.Deploy(ctx, "demo", devSpec(), Policy{IdleTimeoutMin: 1})
	require.NoError(t, err)

	// The backing sandbox disappears out of band.
	require.NoError(t, sm.Destroy(ctx, dep.SandboxID))

	fm.scaleIdle(ctx)
	_, err = fm.Get(dep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
