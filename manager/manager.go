// Package manager leases one cluster from the reuse pool for the duration
// of a test and exposes a local control-plane service that lets a remote
// test driver mutate it mid-test. The control plane assumes a single remote
// caller at a time and does not serialize concurrent requests; that is the
// caller's responsibility, by contract.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fixturelab/clusterharness/cluster"
	"github.com/fixturelab/clusterharness/pool"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Manager brackets exactly one test: Start leases a cluster and brings up
// the request listener, Stop runs the post-test invariant check and decides
// recycle-vs-discard. Created per test, destroyed when the test ends.
type Manager struct {
	log      *zap.SugaredLogger
	testName string
	clusters *pool.Pool[*cluster.Cluster]
	cluster  *cluster.Cluster

	managerDir string
	sockPath   string
	tcpAddr    string

	httpServer *http.Server
	serveErr   chan error

	isRunning      bool
	isBeforeTestOK bool
	isAfterTestOK  bool
}

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l.Named("manager")
	}
}

// WithTCPAddr serves the control plane on a TCP address instead of the
// default unix socket, for drivers on another host. Port 0 leases an
// ephemeral port.
func WithTCPAddr(addr string) Option {
	return func(m *Manager) {
		m.tcpAddr = addr
	}
}

// New creates a manager for testName with a scratch directory under
// baseDir holding the control-plane socket.
func New(testName string, clusters *pool.Pool[*cluster.Cluster], baseDir string, opts ...Option) (*Manager, error) {
	// The socket lives inside a private temp dir because temp-file
	// helpers cannot mint a safe socket name directly.
	dir, err := os.MkdirTemp(baseDir, "manager-")
	if err != nil {
		return nil, fmt.Errorf("creating manager dir: %w", err)
	}
	m := &Manager{
		log:        zap.NewNop().Sugar(),
		testName:   testName,
		clusters:   clusters,
		managerDir: dir,
		sockPath:   filepath.Join(dir, "api"),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// SockPath returns the unix socket path of the control plane.
func (m *Manager) SockPath() string { return m.sockPath }

// Addr returns the listen address: the socket path, or the TCP address
// once listening.
func (m *Manager) Addr() string {
	if m.tcpAddr != "" {
		return m.tcpAddr
	}
	return m.sockPath
}

// Cluster returns the currently leased cluster.
func (m *Manager) Cluster() *cluster.Cluster { return m.cluster }

// BeforeTestOK reports whether the start-of-test bracket completed.
func (m *Manager) BeforeTestOK() bool { return m.isBeforeTestOK }

// AfterTestOK reports whether the post-test check completed.
func (m *Manager) AfterTestOK() bool { return m.isAfterTestOK }

// Start leases the first cluster and brings up the request listener.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.leaseCluster(ctx); err != nil {
		return err
	}

	var listener net.Listener
	var err error
	if m.tcpAddr != "" {
		listener, err = net.Listen("tcp", m.tcpAddr)
		if err == nil {
			m.tcpAddr = listener.Addr().String()
		}
	} else {
		listener, err = net.Listen("unix", m.sockPath)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.Addr(), err)
	}

	m.httpServer = &http.Server{Handler: m.router()}
	m.serveErr = make(chan error, 1)
	go func() {
		err := m.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		m.serveErr <- err
	}()

	m.isRunning = true
	return nil
}

func (m *Manager) router() *httprouter.Router {
	router := httprouter.New()
	router.GET("/up", m.up)
	router.GET("/cluster/up", m.clusterUp)
	router.GET("/cluster/is-dirty", m.isDirty)
	router.GET("/cluster/replicas", m.replicas)
	router.GET("/cluster/servers", m.servers)
	router.GET("/cluster/before-test/:test_name", m.beforeTestReq)
	router.GET("/cluster/after-test/:test_name", m.afterTestReq)
	router.GET("/cluster/mark-dirty", m.markDirty)
	router.GET("/cluster/server/:id/stop", m.serverStop)
	router.GET("/cluster/server/:id/stop_gracefully", m.serverStopGracefully)
	router.GET("/cluster/server/:id/start", m.serverStart)
	router.GET("/cluster/server/:id/restart", m.serverRestart)
	router.GET("/cluster/server/:id/log", m.serverLog)
	router.GET("/cluster/server/:id/log/follow", m.serverLogFollow)
	router.GET("/cluster/addserver", m.addServer)
	router.GET("/cluster/removeserver/:id", m.removeServer)
	router.GET("/cluster/start_stopped", m.startStopped)
	return router
}

func (m *Manager) leaseCluster(ctx context.Context) error {
	c, err := m.clusters.Get(ctx)
	if err != nil {
		return fmt.Errorf("getting cluster from pool: %w", err)
	}
	m.cluster = c
	m.log.Infof("got cluster %s", c)
	return nil
}

// beforeTest readies a cluster for the next test, replacing the current
// lease when a previous test dirtied it. Dirty clusters are discarded via
// Stop, never returned to the pool.
func (m *Manager) beforeTest(ctx context.Context, testName string) error {
	if m.cluster.Dirty() {
		if err := m.cluster.Stop(ctx); err != nil {
			return err
		}
		m.clusters.Discard()
		if err := m.leaseCluster(ctx); err != nil {
			return err
		}
	}
	m.log.Infof("leasing cluster %s for test %s", m.cluster, testName)
	if err := m.cluster.BeforeTest(testName); err != nil {
		return err
	}
	m.isBeforeTestOK = true
	m.cluster.TakeLogSavepoint()
	return nil
}

// Stop tears down the listener, runs the post-test check, and recycles the
// cluster into the pool only when it is clean; a dirty or leaky cluster is
// stopped outright. The scratch directory is removed on every path.
func (m *Manager) Stop(ctx context.Context) error {
	defer os.RemoveAll(m.managerDir)

	if m.httpServer != nil {
		m.httpServer.Close()
		<-m.serveErr
		m.httpServer = nil
	}
	m.isRunning = false

	afterErr := m.cluster.AfterTest(ctx, m.testName)
	if afterErr == nil && !m.cluster.Dirty() {
		m.log.Infof("returning cluster %s", m.cluster)
		m.clusters.Put(m.cluster)
	} else {
		if err := m.cluster.Stop(ctx); err != nil && afterErr == nil {
			afterErr = err
		}
		m.clusters.Discard()
	}
	m.cluster = nil
	return afterErr
}

// writeAction renders a (success, message) pair the way every server route
// does: 200 with the message on success, 500 with the message on failure.
func writeAction(w http.ResponseWriter, ret cluster.Action, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ret.OK {
		http.Error(w, ret.Msg, http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, ret.Msg)
}

func (m *Manager) up(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fmt.Fprint(w, strconv.FormatBool(m.isRunning))
}

func (m *Manager) clusterUp(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fmt.Fprint(w, strconv.FormatBool(m.cluster != nil && m.cluster.IsRunning()))
}

func (m *Manager) isDirty(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if m.cluster == nil {
		http.Error(w, "No cluster active", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, strconv.FormatBool(m.cluster.Dirty()))
}

func (m *Manager) replicas(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if m.cluster == nil {
		http.Error(w, "No cluster active", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, strconv.Itoa(m.cluster.Replicas()))
}

func (m *Manager) servers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if m.cluster == nil {
		http.Error(w, "No cluster active", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, strings.Join(m.cluster.Running(), ","))
}

func (m *Manager) beforeTestReq(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := m.beforeTest(r.Context(), params.ByName("test_name")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "OK")
}

func (m *Manager) afterTestReq(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := m.cluster.AfterTest(r.Context(), params.ByName("test_name")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.isAfterTestOK = true
	fmt.Fprint(w, "OK")
}

func (m *Manager) markDirty(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	m.cluster.MarkDirty()
	fmt.Fprint(w, "OK")
}

func (m *Manager) serverStop(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ret, err := m.cluster.ServerStop(r.Context(), params.ByName("id"), false)
	writeAction(w, ret, err)
}

func (m *Manager) serverStopGracefully(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ret, err := m.cluster.ServerStop(r.Context(), params.ByName("id"), true)
	writeAction(w, ret, err)
}

func (m *Manager) serverStart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ret, err := m.cluster.ServerStart(r.Context(), params.ByName("id"))
	writeAction(w, ret, err)
}

func (m *Manager) serverRestart(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ret, err := m.cluster.ServerRestart(r.Context(), params.ByName("id"))
	writeAction(w, ret, err)
}

func (m *Manager) addServer(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, err := m.cluster.AddServer(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, id)
}

func (m *Manager) removeServer(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ret, err := m.cluster.ServerRemove(r.Context(), params.ByName("id"))
	writeAction(w, ret, err)
}

func (m *Manager) startStopped(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ret, err := m.cluster.StartStopped(r.Context())
	writeAction(w, ret, err)
}

func (m *Manager) serverLog(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	srv := m.cluster.Find(id)
	if srv == nil {
		http.Error(w, fmt.Sprintf("Server %s unknown", id), http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, srv.ReadLog())
}
