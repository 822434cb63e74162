// Package redisdrv implements the driver contract for servers speaking the
// RESP protocol. Namespaces map onto keys: the serviceability probe writes
// and deletes a throwaway probe key, and the monitored namespace count is
// the keyspace size.
package redisdrv

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fixturelab/clusterharness/driver"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const probeKey = "__harness_probe__"

// Driver probes RESP servers on a fixed port. All servers of a cluster
// share the port and differ by leased host address.
type Driver struct {
	log         *zap.SugaredLogger
	port        int
	password    string
	dialTimeout time.Duration
}

type Option func(d *Driver)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) {
		d.log = l.Named("redis_driver")
	}
}

func WithPassword(password string) Option {
	return func(d *Driver) {
		d.password = password
	}
}

func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		d.dialTimeout = timeout
	}
}

func New(port int, opts ...Option) *Driver {
	d := &Driver{
		log:         zap.NewNop().Sugar(),
		port:        port,
		dialTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) addr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(d.port))
}

// AdminUp reports whether the server accepts TCP connections on its port.
// Accepting a connection only proves the listener is up; Probe decides
// serviceability.
func (d *Driver) AdminUp(ctx context.Context, host string) bool {
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr(host))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Probe creates and immediately drops a throwaway key via a fresh client.
// A server can accept connections while still loading its dataset and
// refuse commands; that surfaces as a TransientError so the caller keeps
// polling.
func (d *Driver) Probe(ctx context.Context, host string) (driver.Session, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        d.addr(host),
		Password:    d.password,
		DialTimeout: d.dialTimeout,
	})
	if err := client.Set(ctx, probeKey, "1", 0).Err(); err != nil {
		client.Close()
		d.log.Debugf("probe of %s not serviceable: %s", host, err)
		return nil, driver.Transient(fmt.Sprintf("creating probe key on %s", host), err)
	}
	if err := client.Del(ctx, probeKey).Err(); err != nil {
		client.Close()
		d.log.Debugf("probe of %s not serviceable: %s", host, err)
		return nil, driver.Transient(fmt.Sprintf("dropping probe key on %s", host), err)
	}
	return &session{client: client}, nil
}

type session struct {
	client *redis.Client
}

func (s *session) NamespaceCount(ctx context.Context) (int, error) {
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("counting namespaces: %w", err)
	}
	return int(n), nil
}

func (s *session) Close() error {
	return s.client.Close()
}
