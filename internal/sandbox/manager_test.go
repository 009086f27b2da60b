package sandbox

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/backend/backendtest"
	"github.com/vaderyang/voidrun/internal/ports"
	"github.com/vaderyang/voidrun/internal/runtime"
)

func newTestManager(fake *backendtest.Fake, first, last int, opts Options) (*Manager, *ports.Allocator) {
	alloc := ports.NewAllocator(first, last)
	reg := NewRegistry(alloc)
	if opts.ProbeRetries == 0 {
		opts.ProbeRetries = 3
	}
	if opts.ProbeInterval == 0 {
		opts.ProbeInterval = 20 * time.Millisecond
	}
	return NewManager(fake, reg, alloc, opts), alloc
}

// listenOn grabs an ephemeral port and keeps accepting so readiness probes
// succeed against it.
func listenOn(t *testing.T) (net.Listener, int) {
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
	return l, l.Addr().(*net.TCPAddr).Port
}

func TestCreateOneShotAndExecute(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})

	rec, err := m.Create(context.Background(), Spec{
		Runtime: runtime.Node,
		Code:    `console.log('hi');`,
		Mode:    ModeOneShot,
	})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rec.State())
	assert.Zero(t, rec.Port)

	files := fake.Files(rec.Handle.ID)
	require.Len(t, files, 1)
	assert.Equal(t, "index.js", files[0].Path)
	assert.Equal(t, `console.log('hi');`, string(files[0].Data))

	fake.QueueResult(backend.ExecResult{Stdout: "hi\n", ExitCode: 0})
	res, err := m.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, StateCompleted, rec.State())

	execs := fake.Execs()
	require.Len(t, execs, 1)
	assert.Equal(t, []string{"node", "index.js"}, execs[0].Argv)
}

func TestReExecuteAfterFailure(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})

	rec, err := m.Create(context.Background(), Spec{
		Runtime: runtime.Node,
		Code:    `process.exit(3);`,
		Mode:    ModeOneShot,
	})
	require.NoError(t, err)

	fake.QueueResult(backend.ExecResult{ExitCode: 3})
	res, err := m.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, StateFailed, rec.State())

	// A settled sandbox may run again.
	fake.QueueResult(backend.ExecResult{ExitCode: 0})
	_, err = m.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State())
}

func TestExecuteTimeoutTearsDown(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})

	rec, err := m.Create(context.Background(), Spec{
		Runtime:   runtime.Node,
		Code:      `while(true){}`,
		Mode:      ModeOneShot,
		TimeoutMS: 500,
	})
	require.NoError(t, err)

	fake.QueueResult(backend.ExecResult{TimedOut: true, ExitCode: -1, Elapsed: 500})
	res, err := m.Execute(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)

	// Timeout is terminal: handle gone, record evicted.
	assert.Equal(t, 0, fake.Live())
	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteBadState(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})

	_, err := m.Execute(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := m.Create(context.Background(), Spec{
		Runtime: runtime.Node,
		Code:    `console.log(1);`,
		Mode:    ModePersistent,
	})
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrBadState)
}

func TestValidation(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})
	ctx := context.Background()

	cases := []Spec{
		// path traversal
		{Runtime: runtime.Node, Mode: ModeOneShot, Files: []FileSpec{{Path: "../etc/passwd", Content: "x"}}},
		// absolute path outside the writable prefixes
		{Runtime: runtime.Node, Mode: ModeOneShot, Files: []FileSpec{{Path: "/etc/passwd", Content: "x"}}},
		// nothing to run
		{Runtime: runtime.Node, Mode: ModeOneShot},
		// dev server without persistence
		{Runtime: runtime.Node, Mode: ModeOneShot, Code: "1", DevServer: true},
		// unknown mode
		{Runtime: runtime.Node, Mode: "forever", Code: "1"},
		// timeout above cap
		{Runtime: runtime.Node, Mode: ModeOneShot, Code: "1", TimeoutMS: 999999999},
	}
	for i, spec := range cases {
		_, err := m.Create(ctx, spec)
		assert.ErrorIs(t, err, ErrValidation, fmt.Sprintf("case %d", i))
	}

	// No backend handle leaked from rejected creates.
	assert.Equal(t, 0, fake.Live())

	// Absolute paths under the allow-list pass validation.
	rec, err := m.Create(ctx, Spec{
		Runtime: runtime.Node,
		Mode:    ModeOneShot,
		Files:   []FileSpec{{Path: "/sandbox/app/ok.js", Content: "1"}},
	})
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestAdmissionCap(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{MaxSandboxes: 1})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot})
	require.NoError(t, err)

	_, err = m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, fake.Live())

	require.NoError(t, m.Destroy(ctx, rec.ID))

	_, err = m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot})
	require.NoError(t, err)
}

func TestDevServerLifecycle(t *testing.T) {
	_, port := listenOn(t)
	fake := backendtest.New()
	m, alloc := newTestManager(fake, port, port, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "Bun.serve({})"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StateDevServer, rec.State())
	assert.Equal(t, port, rec.Port)
	assert.Equal(t, 1, alloc.InUse())

	// The launch was detached and wrapped for later reload.
	execs := fake.Execs()
	require.Len(t, execs, 1)
	assert.True(t, execs[0].Detach)
	assert.Equal(t, "sh", execs[0].Argv[0])
	assert.Contains(t, execs[0].Argv[2], "bun run index.ts")

	// The single port is taken; the next dev-server create is refused.
	_, err = m.Create(ctx, Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "x"}},
	})
	assert.ErrorIs(t, err, ErrExhausted)

	// Destroy releases it for reuse.
	require.NoError(t, m.Destroy(ctx, rec.ID))
	assert.Equal(t, 0, alloc.InUse())
	assert.Equal(t, 0, fake.Live())

	rec2, err := m.Create(ctx, Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, port, rec2.Port)
}

func TestCreateFailureReleasesPort(t *testing.T) {
	fake := backendtest.New()
	fake.CreateErr = backendtest.ErrScripted
	m, alloc := newTestManager(fake, 9200, 9200, Options{})

	_, err := m.Create(context.Background(), Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "x"}},
	})
	require.Error(t, err)

	// The port was held across backend.Create and released on its failure.
	assert.Equal(t, 0, alloc.InUse())
	p, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 9200, p)
}

func TestDevServerProbeFailure(t *testing.T) {
	// Nothing listens on the allocated port; the probe must fail and the
	// create must clean up after itself.
	fake := backendtest.New()
	m, alloc := newTestManager(fake, 39999, 39999, Options{})

	_, err := m.Create(context.Background(), Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "x"}},
	})
	require.Error(t, err)
	assert.Equal(t, 0, fake.Live())
	assert.Equal(t, 0, alloc.InUse())
}

func TestInstallFailureDestroys(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})

	fake.QueueResult(backend.ExecResult{ExitCode: 1, Stderr: "npm ERR! boom"})
	_, err := m.Create(context.Background(), Spec{
		Runtime:     runtime.Node,
		Mode:        ModeOneShot,
		InstallDeps: true,
		Files: []FileSpec{
			{Path: "package.json", Content: "{}"},
			{Path: "index.js", Content: "1"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install")
	assert.Equal(t, 0, fake.Live())
}

func TestUpdateFilesAndReload(t *testing.T) {
	_, port := listenOn(t)
	fake := backendtest.New()
	m, _ := newTestManager(fake, port, port, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "v1"}},
	})
	require.NoError(t, err)

	err = m.UpdateFiles(ctx, rec.ID, []FileSpec{
		{Path: "index.ts", Content: "v2"},
		{Path: "lib/util.ts", Content: "x"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, StateDevServer, rec.State())

	files := fake.Files(rec.Handle.ID)
	require.Len(t, files, 3)
	assert.Equal(t, "v2", string(files[1].Data))
	assert.Equal(t, "lib/util.ts", files[2].Path)

	// launch, kill, relaunch
	execs := fake.Execs()
	require.Len(t, execs, 3)
	assert.Contains(t, execs[1].Argv[2], "kill")
	assert.True(t, execs[2].Detach)
}

func TestDestroyIdempotentAtAPILevel(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, rec.ID))
	assert.ErrorIs(t, m.Destroy(ctx, rec.ID), ErrNotFound)
	assert.Equal(t, 0, fake.Live())
}

func TestUniqueIDs(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{MaxSandboxes: 50})
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		rec, err := m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot})
		require.NoError(t, err)
		assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true
	}
}

func TestJanitorReapsStaleOneShots(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot, TimeoutMS: 1})
	require.NoError(t, err)

	// Age the record past its budget.
	rec.CreatedAt = time.Now().Add(-2 * time.Minute)
	m.Janitor(0)

	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, fake.Live())
}

func TestJanitorSparesPersistentSandboxes(t *testing.T) {
	_, port := listenOn(t)
	fake := backendtest.New()
	m, alloc := newTestManager(fake, port, port, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "Bun.serve({})"}},
	})
	require.NoError(t, err)

	// Old but alive: age caps never apply to persistent sandboxes, whatever
	// their last activity.
	rec.CreatedAt = time.Now().Add(-24 * time.Hour)
	m.Janitor(10 * time.Minute)

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDevServer, got.State())
	assert.Equal(t, 1, fake.Live())
	assert.Equal(t, 1, alloc.InUse())
}

func TestJanitorMaxAgeReapsIdleOneShot(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot, TimeoutMS: 3600000})
	require.NoError(t, err)

	// Within its hour-long timeout budget but past the max age cap.
	rec.CreatedAt = time.Now().Add(-15 * time.Minute)
	m.Janitor(10 * time.Minute)

	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, fake.Live())
}

func TestForceStopTearsDown(t *testing.T) {
	_, port := listenOn(t)
	fake := backendtest.New()
	m, alloc := newTestManager(fake, port, port, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{
		Runtime:   runtime.Bun,
		Mode:      ModePersistent,
		DevServer: true,
		Files:     []FileSpec{{Path: "index.ts", Content: "Bun.serve({})"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, alloc.InUse())

	// Force-stop is terminal: handle destroyed, port released, record gone.
	require.NoError(t, m.ForceStop(ctx, rec.ID))
	assert.Equal(t, 0, fake.Live())
	assert.Equal(t, 0, alloc.InUse())
	_, err = m.Get(rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.ForceStop(ctx, rec.ID), ErrNotFound)
}

func TestMainFileSelection(t *testing.T) {
	spec := Spec{Runtime: runtime.Bun, Files: []FileSpec{
		{Path: "lib/helper.ts"},
		{Path: "src/main.ts"},
	}}
	assert.Equal(t, "src/main.ts", mainFile(spec))

	spec.Code = "x"
	assert.Equal(t, "index.ts", mainFile(spec))

	none := Spec{Runtime: runtime.Node, Files: []FileSpec{{Path: "a.js"}}}
	assert.Equal(t, "index.js", mainFile(none))
}

func TestCheckPath(t *testing.T) {
	m, _ := newTestManager(backendtest.New(), 9200, 9210, Options{})

	require.NoError(t, m.checkPath("src/app.ts"))
	require.NoError(t, m.checkPath("/sandbox/app.ts"))
	require.NoError(t, m.checkPath("/tmp/scratch"))

	for _, p := range []string{"../x", "a/../../x", "/etc/passwd", "/sandboxes/evil", ""} {
		err := m.checkPath(p)
		assert.ErrorIs(t, err, ErrValidation, p)
	}
}

func TestShutdownDestroysAll(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot})
		require.NoError(t, err)
	}
	require.Equal(t, 3, fake.Live())

	m.Shutdown(context.Background())
	assert.Equal(t, 0, fake.Live())
	assert.Empty(t, m.List())
}

func TestConcurrentExecuteSerialises(t *testing.T) {
	fake := backendtest.New()
	m, _ := newTestManager(fake, 9200, 9210, Options{})
	ctx := context.Background()

	rec, err := m.Create(ctx, Spec{Runtime: runtime.Node, Code: "1", Mode: ModeOneShot})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		fake.QueueResult(backend.ExecResult{ExitCode: 0, Stdout: "ok"})
	}

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := m.Execute(ctx, rec.ID)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		err := <-done
		// Serialised through the record mutex; every call lands in a settled
		// state and is therefore accepted.
		assert.NoError(t, err)
	}
	assert.Equal(t, StateCompleted, rec.State())
}
