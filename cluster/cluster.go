// Package cluster tracks a named set of server supervisors through
// running, stopped, and removed states and exposes the per-server and bulk
// lifecycle operations the control plane maps onto. Clusters are not
// goroutine-safe; the control plane assumes a single caller at a time.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fixturelab/clusterharness/driver"
	"github.com/fixturelab/clusterharness/server"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInvariantViolation is returned by AfterTest when the monitored
// namespace count drifted from the baseline captured at cluster creation,
// meaning the test leaked namespaces it should have dropped.
var ErrInvariantViolation = errors.New("test post-condition failed, the test must drop all namespaces it creates")

// Factory builds one new member for the named cluster, seeded with the
// given peer addresses.
type Factory func(clusterName string, seeds []string) *server.Server

// Action is the structured result of a control-plane request. A failed
// Action is an ordinary result the remote driver can branch on, not an
// error.
type Action struct {
	OK  bool
	Msg string
}

// Cluster partitions its members by state. A server id, once in removed,
// never reappears in running or stopped; the union of running and stopped
// is exactly the set of non-removed servers ever added.
type Cluster struct {
	log      *zap.SugaredLogger
	name     string
	replicas int
	create   Factory

	running map[string]*server.Server
	stopped map[string]*server.Server
	removed map[string]struct{}

	// isRunning is cluster-level and distinct from the running partition:
	// a started cluster with every member stopped is still running.
	isRunning bool

	// dirty means the cluster was mutated since it was last known-clean
	// and must not be reused by a later test.
	dirty bool

	// startErr holds a bootstrap failure until the first BeforeTest
	// consumes it, so the failure is attributed to a test rather than to
	// cluster construction.
	startErr error

	namespaceCount int
}

type Option func(c *Cluster)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Cluster) {
		c.log = l.Named("cluster")
	}
}

func New(replicas int, create Factory, opts ...Option) *Cluster {
	c := &Cluster{
		log:      zap.NewNop().Sugar(),
		name:     uuid.NewString(),
		replicas: replicas,
		create:   create,
		running:  map[string]*server.Server{},
		stopped:  map[string]*server.Server{},
		removed:  map[string]struct{}{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cluster) Name() string { return c.name }

func (c *Cluster) Replicas() int { return c.replicas }

func (c *Cluster) IsRunning() bool { return c.isRunning }

func (c *Cluster) Dirty() bool { return c.dirty }

func (c *Cluster) MarkDirty() { c.dirty = true }

// Running returns the sorted ids of the running partition.
func (c *Cluster) Running() []string {
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stopped returns the sorted ids of the stopped partition.
func (c *Cluster) Stopped() []string {
	ids := make([]string, 0, len(c.stopped))
	for id := range c.stopped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Find returns the server with the given id from the running or stopped
// partition, or nil.
func (c *Cluster) Find(id string) *server.Server {
	if srv, ok := c.running[id]; ok {
		return srv
	}
	return c.stopped[id]
}

// Endpoint returns the id of some running server.
func (c *Cluster) Endpoint() (string, error) {
	for id := range c.running {
		return id, nil
	}
	return "", fmt.Errorf("cluster %s has no running servers", c)
}

func (c *Cluster) seeds() []string {
	seeds := make([]string, 0, len(c.running))
	for id := range c.running {
		seeds = append(seeds, id)
	}
	sort.Strings(seeds)
	return seeds
}

func (c *Cluster) String() string {
	return "{" + strings.Join(c.Running(), ", ") + "}"
}

// deferrable reports whether a bootstrap failure should be stored and
// attributed to the first test instead of propagating: startup timeouts,
// early process exits, and transient client-protocol failures are flaky
// starts; anything else is an environment or programming bug.
func deferrable(err error) bool {
	var exitErr *server.ExitError
	var timeoutErr *server.StartTimeoutError
	return driver.IsTransient(err) || errors.As(err, &exitErr) || errors.As(err, &timeoutErr)
}

// InstallAndStart sets up the initial members sequentially, each seeded
// with the members already running, then captures the namespace-count
// baseline used by AfterTest. Deferrable failures are stored for the first
// BeforeTest rather than returned.
func (c *Cluster) InstallAndStart(ctx context.Context) error {
	err := func() error {
		for i := 0; i < c.replicas; i++ {
			if _, err := c.AddServer(ctx); err != nil {
				return err
			}
		}
		count, err := c.measureNamespaceCount(ctx)
		if err != nil {
			return err
		}
		c.namespaceCount = count
		return nil
	}()
	if err != nil {
		if !deferrable(err) {
			return err
		}
		c.log.Warnf("cluster %s failed to start, deferring error to first test: %s", c.name, err)
		c.startErr = err
	}
	c.isRunning = true
	c.log.Infof("created cluster %s", c)
	c.dirty = false
	return nil
}

// AddServer installs and starts a new member seeded with the current
// running set. Unlike initial bootstrap, failures propagate directly.
func (c *Cluster) AddServer(ctx context.Context) (string, error) {
	srv := c.create(c.name, c.seeds())
	c.dirty = true
	c.log.Infof("cluster %s adding server", c)
	if err := srv.InstallAndStart(ctx); err != nil {
		c.log.Errorf("failed to start server at host %s: %s", srv.Host(), err)
		return "", err
	}
	c.running[srv.Host()] = srv
	return srv.Host(), nil
}

// ServerStop moves a running server to the stopped partition. Idempotent:
// stopping a stopped server succeeds without mutation.
func (c *Cluster) ServerStop(ctx context.Context, id string, graceful bool) (Action, error) {
	c.log.Infof("cluster %s stopping server %s", c, id)
	if _, ok := c.stopped[id]; ok {
		return Action{OK: true, Msg: fmt.Sprintf("Server %s already stopped", id)}, nil
	}
	if _, ok := c.removed[id]; ok {
		return Action{OK: false, Msg: fmt.Sprintf("Server %s removed", id)}, nil
	}
	srv, ok := c.running[id]
	if !ok {
		return Action{OK: false, Msg: fmt.Sprintf("Server %s unknown", id)}, nil
	}
	c.dirty = true
	var err error
	if graceful {
		err = srv.StopGracefully(ctx)
	} else {
		err = srv.Stop(ctx)
	}
	if err != nil {
		return Action{}, fmt.Errorf("stopping server %s: %w", id, err)
	}
	delete(c.running, id)
	c.stopped[id] = srv
	return Action{OK: true, Msg: fmt.Sprintf("Server %s stopped", id)}, nil
}

// ServerStart moves a stopped server back to the running partition,
// reseeding it from the currently running set first.
func (c *Cluster) ServerStart(ctx context.Context, id string) (Action, error) {
	c.log.Infof("cluster %s starting server %s", c, id)
	if _, ok := c.running[id]; ok {
		return Action{OK: true, Msg: fmt.Sprintf("Server %s already started", id)}, nil
	}
	if _, ok := c.removed[id]; ok {
		return Action{OK: false, Msg: fmt.Sprintf("Server %s removed", id)}, nil
	}
	srv, ok := c.stopped[id]
	if !ok {
		return Action{OK: false, Msg: fmt.Sprintf("Server %s unknown", id)}, nil
	}
	c.dirty = true
	srv.SetSeeds(c.seeds())
	if err := srv.Start(ctx); err != nil {
		return Action{}, fmt.Errorf("starting server %s: %w", id, err)
	}
	delete(c.stopped, id)
	c.running[id] = srv
	return Action{OK: true, Msg: fmt.Sprintf("Server %s started", id)}, nil
}

// ServerRestart gracefully stops then starts a server, short-circuiting on
// a failed stop.
func (c *Cluster) ServerRestart(ctx context.Context, id string) (Action, error) {
	ret, err := c.ServerStop(ctx, id, true)
	if err != nil || !ret.OK {
		return ret, err
	}
	return c.ServerStart(ctx, id)
}

// ServerRemove moves a server into the removed set permanently and
// uninstalls it. Running servers are gracefully stopped first.
func (c *Cluster) ServerRemove(ctx context.Context, id string) (Action, error) {
	c.log.Infof("cluster %s removing server %s", c, id)
	var srv *server.Server
	if running, ok := c.running[id]; ok {
		c.dirty = true
		if err := running.StopGracefully(ctx); err != nil {
			return Action{}, fmt.Errorf("stopping server %s: %w", id, err)
		}
		delete(c.running, id)
		srv = running
	} else if stoppedSrv, ok := c.stopped[id]; ok {
		c.dirty = true
		delete(c.stopped, id)
		srv = stoppedSrv
	} else {
		return Action{OK: false, Msg: fmt.Sprintf("Server %s unknown", id)}, nil
	}
	if err := srv.Uninstall(ctx); err != nil {
		return Action{}, fmt.Errorf("uninstalling server %s: %w", id, err)
	}
	c.removed[id] = struct{}{}
	return Action{OK: true, Msg: fmt.Sprintf("Server %s removed", id)}, nil
}

// StartStopped concurrently starts every stopped server, then moves the
// whole stopped partition into running. No-op success when nothing is
// stopped.
func (c *Cluster) StartStopped(ctx context.Context) (Action, error) {
	c.log.Infof("cluster %s starting all stopped servers", c)
	if len(c.stopped) == 0 {
		return Action{OK: true, Msg: "No stopped servers"}, nil
	}
	ids := make([]string, 0, len(c.stopped))
	for id := range c.stopped {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Zero-value group: every start runs to completion, Wait surfaces the
	// first failure.
	var group errgroup.Group
	for _, srv := range c.stopped {
		srv := srv
		group.Go(func() error {
			return srv.Start(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		return Action{}, fmt.Errorf("restarting stopped servers: %w", err)
	}
	for id, srv := range c.stopped {
		c.running[id] = srv
	}
	c.stopped = map[string]*server.Server{}
	return Action{OK: true, Msg: "Re-started servers " + strings.Join(ids, ",")}, nil
}

// Stop hard-stops every running server concurrently. The running partition
// moves to stopped only after every member stopped.
func (c *Cluster) Stop(ctx context.Context) error {
	return c.stopAll(ctx, false)
}

// StopGracefully stops every running server concurrently with SIGTERM.
func (c *Cluster) StopGracefully(ctx context.Context) error {
	return c.stopAll(ctx, true)
}

func (c *Cluster) stopAll(ctx context.Context, graceful bool) error {
	if !c.isRunning {
		return nil
	}
	if graceful {
		c.log.Infof("cluster %s stopping gracefully", c)
	} else {
		c.log.Infof("cluster %s stopping", c)
	}
	c.dirty = true

	var group errgroup.Group
	for _, srv := range c.running {
		srv := srv
		group.Go(func() error {
			if graceful {
				return srv.StopGracefully(ctx)
			}
			return srv.Stop(ctx)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("stopping cluster %s: %w", c.name, err)
	}
	for id, srv := range c.running {
		c.stopped[id] = srv
	}
	c.running = map[string]*server.Server{}
	c.isRunning = false
	return nil
}

// Uninstall stops everything, then uninstalls every remaining server and
// frees its resources.
func (c *Cluster) Uninstall(ctx context.Context) error {
	c.dirty = true
	c.log.Infof("uninstalling cluster %s", c.name)
	if err := c.Stop(ctx); err != nil {
		return err
	}
	var group errgroup.Group
	for _, srv := range c.stopped {
		srv := srv
		group.Go(func() error {
			return srv.Uninstall(ctx)
		})
	}
	return group.Wait()
}

func (c *Cluster) measureNamespaceCount(ctx context.Context) (int, error) {
	for _, srv := range c.running {
		return srv.NamespaceCount(ctx)
	}
	return 0, fmt.Errorf("cluster %s has no running servers", c.name)
}

// BeforeTest readies the cluster for a test. A deferred bootstrap failure
// is consumed and returned here, so it fails the test using the cluster
// rather than the run that built it. Otherwise a start marker is written to
// every running server's log.
func (c *Cluster) BeforeTest(name string) error {
	if c.startErr != nil {
		err := c.startErr
		c.startErr = nil
		// The cluster is partially bootstrapped; consuming the error
		// must not make it eligible for reuse.
		c.dirty = true
		return err
	}
	for _, srv := range c.running {
		srv.WriteLogMarker(fmt.Sprintf("------ Starting test %s ------\n", name))
	}
	return nil
}

// AfterTest verifies the test did not leak namespaces by re-measuring the
// monitored count against the baseline. End markers are written to every
// running and stopped server's log regardless of the outcome.
func (c *Cluster) AfterTest(ctx context.Context, name string) error {
	if c.startErr != nil {
		return fmt.Errorf("cluster %s has a pending start failure: %w", c.name, c.startErr)
	}
	count, err := c.measureNamespaceCount(ctx)
	if err != nil {
		return err
	}
	for _, srv := range c.running {
		srv.WriteLogMarker(fmt.Sprintf("------ Ending test %s ------\n", name))
	}
	for _, srv := range c.stopped {
		srv.WriteLogMarker(fmt.Sprintf("------ Ending test %s ------\n", name))
	}
	if count != c.namespaceCount {
		return fmt.Errorf("%w: namespace count %d, baseline %d", ErrInvariantViolation, count, c.namespaceCount)
	}
	return nil
}

// TakeLogSavepoint records the log size of every running server.
func (c *Cluster) TakeLogSavepoint() {
	for _, srv := range c.running {
		srv.TakeLogSavepoint()
	}
}

// ReadServerLog returns log data from some running server, for diagnosing
// a failed test.
func (c *Cluster) ReadServerLog() string {
	for _, srv := range c.running {
		return srv.ReadLog()
	}
	return ""
}

// ServerLogPath returns the log file name of some running server, or "".
func (c *Cluster) ServerLogPath() string {
	for _, srv := range c.running {
		return srv.LogPath()
	}
	return ""
}
