package cluster_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fixturelab/clusterharness/cluster"
	"github.com/fixturelab/clusterharness/driver"
	"github.com/fixturelab/clusterharness/registry"
	"github.com/fixturelab/clusterharness/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDriver struct {
	dir      string
	probeErr error
	count    int32
}

// AdminUp reports readiness only once the fake server script has written
// its ready file, so a script that exits on startup never probes healthy.
func (d *stubDriver) AdminUp(ctx context.Context, host string) bool {
	short := "server-" + host[strings.LastIndex(host, ".")+1:]
	_, err := os.Stat(filepath.Join(d.dir, short, "ready"))
	return err == nil
}

func (d *stubDriver) Probe(ctx context.Context, host string) (driver.Session, error) {
	if d.probeErr != nil {
		return nil, d.probeErr
	}
	return &stubSession{count: &d.count}, nil
}

type stubSession struct {
	count *int32
}

func (s *stubSession) NamespaceCount(ctx context.Context) (int, error) {
	return int(atomic.LoadInt32(s.count)), nil
}

func (s *stubSession) Close() error { return nil }

// harness wires a cluster factory to a scripted fake server process.
type harness struct {
	drv    *stubDriver
	vardir string
	exe    string
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	dir := t.TempDir()
	exe := filepath.Join(dir, "serverd")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return &harness{
		drv:    &stubDriver{dir: dir},
		vardir: dir,
		exe:    exe,
	}
}

func (h *harness) factory() cluster.Factory {
	hosts := registry.New("127.102")
	return func(clusterName string, seeds []string) *server.Server {
		return server.New(h.exe, h.vardir, hosts, h.drv, clusterName, seeds,
			server.WithStartTimeout(10*time.Second),
			server.WithPollInterval(5*time.Millisecond),
		)
	}
}

func newCluster(t *testing.T, replicas int) *cluster.Cluster {
	t.Helper()
	h := newHarness(t, "touch ready\nexec sleep 300")
	c := cluster.New(replicas, h.factory())
	require.NoError(t, c.InstallAndStart(context.Background()))
	t.Cleanup(func() { c.Uninstall(context.Background()) })
	return c
}

func TestInstallAndStart(t *testing.T) {
	c := newCluster(t, 3)
	running := c.Running()
	assert.Len(t, running, 3)
	assert.False(t, c.Dirty())
	assert.True(t, c.IsRunning())
	assert.Equal(t, 3, c.Replicas())

	// Ids are distinct addresses.
	seen := map[string]bool{}
	for _, id := range running {
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestServerStopIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	id := c.Running()[0]

	ret, err := c.ServerStop(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Contains(t, ret.Msg, "stopped")
	assert.True(t, c.Dirty())
	assert.Len(t, c.Stopped(), 1)

	ret, err = c.ServerStop(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Contains(t, ret.Msg, "already stopped")
	assert.Len(t, c.Stopped(), 1)
}

func TestServerStopUnknown(t *testing.T) {
	c := newCluster(t, 1)
	ret, err := c.ServerStop(context.Background(), "127.0.0.99", false)
	require.NoError(t, err)
	assert.False(t, ret.OK)
	assert.Contains(t, ret.Msg, "unknown")
}

func TestServerStartAndRestart(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	id := c.Running()[0]

	_, err := c.ServerStop(ctx, id, true)
	require.NoError(t, err)

	ret, err := c.ServerStart(ctx, id)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Contains(t, ret.Msg, "started")
	assert.Contains(t, c.Running(), id)

	ret, err = c.ServerStart(ctx, id)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Contains(t, ret.Msg, "already started")

	ret, err = c.ServerRestart(ctx, id)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Contains(t, c.Running(), id)

	ret, err = c.ServerRestart(ctx, "127.0.0.99")
	require.NoError(t, err)
	assert.False(t, ret.OK)
	assert.Contains(t, ret.Msg, "unknown")
}

func TestRemovedIsTerminal(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)
	id := c.Running()[0]

	ret, err := c.ServerRemove(ctx, id)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Contains(t, ret.Msg, "removed")
	assert.NotContains(t, c.Running(), id)

	before := append(c.Running(), c.Stopped()...)

	for _, op := range []func() (cluster.Action, error){
		func() (cluster.Action, error) { return c.ServerStop(ctx, id, false) },
		func() (cluster.Action, error) { return c.ServerStart(ctx, id) },
		func() (cluster.Action, error) { return c.ServerRestart(ctx, id) },
	} {
		ret, err := op()
		require.NoError(t, err)
		assert.False(t, ret.OK)
		assert.Contains(t, ret.Msg, "removed")
	}
	assert.Equal(t, before, append(c.Running(), c.Stopped()...))
}

func TestServerRemoveUnknown(t *testing.T) {
	c := newCluster(t, 1)
	ret, err := c.ServerRemove(context.Background(), "unknown-id")
	require.NoError(t, err)
	assert.False(t, ret.OK)
	assert.Contains(t, ret.Msg, "unknown")
}

func TestClusterStopMovesAllServers(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)
	runningBefore := c.Running()

	require.NoError(t, c.Stop(ctx))
	assert.Empty(t, c.Running())
	assert.Equal(t, runningBefore, c.Stopped())
	assert.True(t, c.Dirty())
	assert.False(t, c.IsRunning())

	// Stopping a stopped cluster is a no-op.
	require.NoError(t, c.Stop(ctx))
}

func TestStartStopped(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)

	ret, err := c.StartStopped(ctx)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Equal(t, "No stopped servers", ret.Msg)

	stayRunning := c.Running()[2]
	_, err = c.ServerStop(ctx, c.Running()[0], false)
	require.NoError(t, err)
	_, err = c.ServerStop(ctx, c.Running()[0], true)
	require.NoError(t, err)

	ret, err = c.StartStopped(ctx)
	require.NoError(t, err)
	assert.True(t, ret.OK)
	assert.Contains(t, ret.Msg, "Re-started servers")
	assert.Len(t, c.Running(), 3)
	assert.Empty(t, c.Stopped())
	assert.Contains(t, c.Running(), stayRunning)
}

func TestBeforeTestConsumesDeferredError(t *testing.T) {
	// A server that dies on startup is a deferrable failure: cluster
	// construction succeeds and the first test gets the error.
	h := newHarness(t, "echo boom\nexit 1")
	c := cluster.New(2, h.factory())
	require.NoError(t, c.InstallAndStart(context.Background()))
	assert.True(t, c.IsRunning())

	err := c.BeforeTest("test_one")
	var exitErr *server.ExitError
	require.ErrorAs(t, err, &exitErr)
	// Consuming the error rules the cluster out for reuse.
	assert.True(t, c.Dirty())

	require.NoError(t, c.BeforeTest("test_two"))
}

func TestAfterTestFailsWithPendingStartError(t *testing.T) {
	h := newHarness(t, "echo boom\nexit 1")
	c := cluster.New(1, h.factory())
	require.NoError(t, c.InstallAndStart(context.Background()))

	err := c.AfterTest(context.Background(), "unbracketed_test")
	var exitErr *server.ExitError
	require.ErrorAs(t, err, &exitErr)
}

func TestPartialStartIsNeverReusable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "touch ready\nexec sleep 300")
	bad := filepath.Join(h.vardir, "brokend")
	require.NoError(t, os.WriteFile(bad, []byte("#!/bin/sh\necho boom\nexit 1\n"), 0o755))

	// The first server comes up, the second dies on startup.
	hosts := registry.New("127.105")
	starts := 0
	factory := func(clusterName string, seeds []string) *server.Server {
		starts++
		exe := h.exe
		if starts > 1 {
			exe = bad
		}
		return server.New(exe, h.vardir, hosts, h.drv, clusterName, seeds,
			server.WithStartTimeout(10*time.Second),
			server.WithPollInterval(5*time.Millisecond),
		)
	}

	c := cluster.New(2, factory)
	require.NoError(t, c.InstallAndStart(ctx))
	t.Cleanup(func() { c.Uninstall(ctx) })
	assert.Len(t, c.Running(), 1)

	// Either bracket op on the half-built cluster rules out reuse.
	require.Error(t, c.AfterTest(ctx, "unbracketed"))
	require.Error(t, c.BeforeTest("first"))
	assert.True(t, c.Dirty())

	// Once consumed, the post-test check alone no longer fails, but the
	// dirty flag keeps the cluster out of the pool.
	require.NoError(t, c.AfterTest(ctx, "first"))
	assert.True(t, c.Dirty())
}

func TestBeforeTestWritesMarkers(t *testing.T) {
	c := newCluster(t, 1)
	require.NoError(t, c.BeforeTest("marker_test"))
	assert.Contains(t, c.ReadServerLog(), "------ Starting test marker_test ------")
}

func TestAfterTestDetectsNamespaceLeak(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "touch ready\nexec sleep 300")
	c := cluster.New(2, h.factory())
	require.NoError(t, c.InstallAndStart(ctx))
	t.Cleanup(func() { c.Uninstall(ctx) })

	require.NoError(t, c.AfterTest(ctx, "clean_test"))
	// Re-measuring an unchanged state never raises.
	require.NoError(t, c.AfterTest(ctx, "clean_test"))
	assert.Contains(t, c.ReadServerLog(), "------ Ending test clean_test ------")

	atomic.AddInt32(&h.drv.count, 1)
	err := c.AfterTest(ctx, "leaky_test")
	require.ErrorIs(t, err, cluster.ErrInvariantViolation)

	atomic.AddInt32(&h.drv.count, -1)
	require.NoError(t, c.AfterTest(ctx, "clean_again"))
}

func TestAddServer(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)

	id, err := c.AddServer(ctx)
	require.NoError(t, err)
	assert.Contains(t, c.Running(), id)
	assert.Len(t, c.Running(), 2)
	assert.True(t, c.Dirty())
}

func TestConfigErrorIsNotDeferred(t *testing.T) {
	h := newHarness(t, "touch ready\nexec sleep 300")
	require.NoError(t, os.Chmod(h.exe, 0o644))
	c := cluster.New(1, h.factory())

	err := c.InstallAndStart(context.Background())
	var cfgErr *server.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, errors.Is(err, cluster.ErrInvariantViolation))
}
