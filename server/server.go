// Package server supervises a single database server process: it installs
// its working directory and configuration, starts it with health polling,
// stops it, and uninstalls it. A Server is owned by exactly one cluster at
// a time and is not goroutine-safe.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fixturelab/clusterharness/driver"
	"go.uber.org/zap"
)

const (
	// DefaultStartTimeout bounds the whole readiness poll. A cluster of
	// slow debug builds on a loaded CI host can legitimately take minutes
	// to bootstrap.
	DefaultStartTimeout = 300 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

// HostRegistry leases and releases the unique addresses servers listen on.
type HostRegistry interface {
	LeaseHost(ctx context.Context) (string, error)
	ReleaseHost(host string) error
}

// Server owns one server process and its on-disk state. It is created by a
// cluster's factory, bound to a leased host on Install, and destroyed on
// Uninstall, after which it must not be reused.
type Server struct {
	log            *zap.SugaredLogger
	exe            string
	vardir         string
	hosts          HostRegistry
	drv            driver.Driver
	clusterName    string
	seeds          []string
	cmdlineOptions []string
	configOptions  map[string]string
	startTimeout   time.Duration
	pollInterval   time.Duration

	host       string
	workdir    string
	configPath string
	logPath    string
	logFile    *os.File

	logSavepoint int64

	cmd        *exec.Cmd
	procExited chan struct{}
	startTime  time.Time
	control    driver.Session
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("server")
	}
}

// WithCmdlineOptions sets per-suite command-line options appended to the
// baseline argument set on every start.
func WithCmdlineOptions(options ...string) Option {
	return func(s *Server) {
		s.cmdlineOptions = options
	}
}

// WithConfigOptions sets extra key/values rendered into the server's
// configuration file, e.g. authenticator and authorizer settings. They are
// not interpreted, only rendered.
func WithConfigOptions(options map[string]string) Option {
	return func(s *Server) {
		s.configOptions = options
	}
}

func WithStartTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.startTimeout = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pollInterval = d
	}
}

// New builds an uninstalled supervisor for one member of clusterName,
// seeded with the given peer addresses. An empty seed list means the
// server seeds from itself once its own host is leased.
func New(exe, vardir string, hosts HostRegistry, drv driver.Driver, clusterName string, seeds []string, opts ...Option) *Server {
	s := &Server{
		log:          zap.NewNop().Sugar(),
		exe:          exe,
		vardir:       vardir,
		hosts:        hosts,
		drv:          drv,
		clusterName:  clusterName,
		seeds:        seeds,
		startTimeout: DefaultStartTimeout,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Host returns the leased address, which doubles as the server's id.
func (s *Server) Host() string { return s.host }

func (s *Server) LogPath() string { return s.logPath }

func (s *Server) LogSavepoint() int64 { return s.logSavepoint }

func (s *Server) IsRunning() bool { return s.cmd != nil }

// SetSeeds replaces the seed list used by the next Start, so a restarted
// server rejoins through currently-live peers.
func (s *Server) SetSeeds(seeds []string) { s.seeds = seeds }

func (s *Server) String() string { return s.host }

func (s *Server) checkExecutable() error {
	info, err := os.Stat(s.exe)
	if err != nil || info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return &ConfigError{Exe: s.exe}
	}
	return nil
}

// Install leases a host, prepares the working directory and configuration
// file, and opens the log file. The previous run may have left a directory
// at the same path; it is wiped.
func (s *Server) Install(ctx context.Context) error {
	if err := s.checkExecutable(); err != nil {
		return err
	}

	host, err := s.hosts.LeaseHost(ctx)
	if err != nil {
		return fmt.Errorf("leasing host: %w", err)
	}
	s.host = host
	if len(s.seeds) == 0 {
		s.seeds = []string{host}
	}

	// The last octet is unique within a run, which keeps directory names
	// short without colliding.
	short := "server-" + host[strings.LastIndex(host, ".")+1:]
	s.workdir = filepath.Join(s.vardir, short)
	s.logPath = filepath.Join(s.vardir, short+".log")
	s.configPath = filepath.Join(s.workdir, "conf", "server.yaml")

	s.log.Infof("installing server in %s", s.workdir)

	os.RemoveAll(s.workdir)
	if err := os.MkdirAll(filepath.Dir(s.configPath), 0o755); err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}
	if err := s.writeConfig(); err != nil {
		return err
	}

	logFile, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	s.logFile = logFile
	return nil
}

// InstallAndStart sets up and starts this server.
func (s *Server) InstallAndStart(ctx context.Context) error {
	if err := s.Install(ctx); err != nil {
		return err
	}
	s.log.Infof("starting server at host %s in %s...", s.host, filepath.Base(s.workdir))
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.log.Infof("started server at host %s in %s, pid %d", s.host, filepath.Base(s.workdir), s.cmd.Process.Pid)
	return nil
}

// Start spawns the installed server and polls until it is serviceable. May
// be used for restarts. The process gets its own process group, both output
// streams on the log file, and an empty environment so ambient
// configuration cannot leak in.
func (s *Server) Start(ctx context.Context) error {
	args := append([]string{"--config", s.configPath}, s.cmdlineOptions...)
	cmd := exec.Command(s.exe, args...)
	cmd.Dir = s.workdir
	cmd.Stdout = s.logFile
	cmd.Stderr = s.logFile
	cmd.Env = []string{}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", s.exe, err)
	}
	s.cmd = cmd
	s.startTime = time.Now()

	procExited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(procExited)
	}()
	s.procExited = procExited

	deadline := s.startTime.Add(s.startTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-procExited:
			s.cmd = nil
			s.log.Errorf("failed to start server at host %s in %s", s.host, filepath.Base(s.workdir))
			return &ExitError{Host: s.host, LogPath: s.logPath, LastLogLine: s.lastLogLine()}
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.drv.AdminUp(ctx, s.host) {
			session, err := s.drv.Probe(ctx, s.host)
			if err == nil {
				s.control = session
				return nil
			}
			if !driver.IsTransient(err) {
				return fmt.Errorf("probing server %s: %w", s.host, err)
			}
			s.log.Debugf("server %s not yet serviceable: %s", s.host, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}

	return &StartTimeoutError{Host: s.host, LogPath: s.logPath}
}

// NamespaceCount measures the monitored invariant count over the retained
// control session.
func (s *Server) NamespaceCount(ctx context.Context) (int, error) {
	if s.control == nil {
		return 0, fmt.Errorf("server %s has no control session", s.host)
	}
	return s.control.NamespaceCount(ctx)
}

func (s *Server) shutdownControlSession() {
	if s.control == nil {
		return
	}
	if err := s.control.Close(); err != nil {
		s.log.Debugf("closing control session to %s: %s", s.host, err)
	}
	s.control = nil
}

// Stop kills a running server with SIGKILL and waits for the process to
// exit. No-op if not running.
func (s *Server) Stop(ctx context.Context) error {
	return s.stop(ctx, false)
}

// StopGracefully stops a running server with SIGTERM and waits for the
// process to exit. No-op if not running. There is no stop timeout.
func (s *Server) StopGracefully(ctx context.Context) error {
	return s.stop(ctx, true)
}

func (s *Server) stop(ctx context.Context, graceful bool) error {
	if s.cmd == nil {
		return nil
	}
	if graceful {
		s.log.Infof("gracefully stopping server at host %s", s.host)
	} else {
		s.log.Infof("stopping server at host %s in %s", s.host, filepath.Base(s.workdir))
	}

	s.shutdownControlSession()

	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	err := s.cmd.Process.Signal(sig)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling server %s: %w", s.host, err)
	}
	if err == nil {
		select {
		case <-s.procExited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Infof("stopped server at host %s", s.host)
	s.cmd = nil
	return nil
}

// Uninstall removes everything a stopped server left on disk and releases
// its host. Terminal: the server cannot be installed again.
func (s *Server) Uninstall(ctx context.Context) error {
	if s.host == "" {
		return nil
	}
	s.log.Infof("uninstalling server at %s", s.workdir)

	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	if err := os.RemoveAll(s.workdir); err != nil {
		return fmt.Errorf("removing workdir: %w", err)
	}
	if err := os.Remove(s.logPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing log file: %w", err)
	}
	if err := s.hosts.ReleaseHost(s.host); err != nil {
		return fmt.Errorf("releasing host: %w", err)
	}
	s.host = ""
	return nil
}

// TakeLogSavepoint records the current log size, so a later ReadLog only
// captures lines relevant to the failing test.
func (s *Server) TakeLogSavepoint() {
	if s.logFile == nil {
		return
	}
	// The child process writes through a dup of this descriptor, so the
	// shared offset tracks everything written so far.
	off, err := s.logFile.Seek(0, io.SeekCurrent)
	if err != nil {
		s.log.Debugf("taking log savepoint for %s: %s", s.host, err)
		return
	}
	s.logSavepoint = off
}

// ReadLog returns the first lines of the log (the startup banner) plus
// everything written since the last savepoint. This path is diagnostics
// only: any I/O failure yields a diagnostic string, never an error.
func (s *Server) ReadLog() string {
	f, err := os.Open(s.logPath)
	if err != nil {
		return fmt.Sprintf("error reading server log %s: %s", s.logPath, err)
	}
	defer f.Close()

	var b strings.Builder
	r := bufio.NewReader(f)
	for i := 0; i < 3; i++ {
		line, err := r.ReadString('\n')
		b.WriteString(line)
		if err != nil {
			return b.String()
		}
	}

	off := int64(b.Len())
	if s.logSavepoint > off {
		off = s.logSavepoint
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return fmt.Sprintf("error reading server log %s: %s", s.logPath, err)
	}
	rest, err := io.ReadAll(f)
	if err != nil {
		return fmt.Sprintf("error reading server log %s: %s", s.logPath, err)
	}
	b.Write(rest)
	return b.String()
}

// WriteLogMarker appends a marker line to the server's log, bracketing test
// boundaries for post-hoc inspection. Best effort.
func (s *Server) WriteLogMarker(text string) {
	if s.logFile == nil {
		return
	}
	if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
		s.log.Debugf("writing log marker for %s: %s", s.host, err)
		return
	}
	if _, err := s.logFile.WriteString(text); err != nil {
		s.log.Debugf("writing log marker for %s: %s", s.host, err)
	}
}

func (s *Server) lastLogLine() string {
	b, err := os.ReadFile(s.logPath)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	return lines[len(lines)-1]
}
