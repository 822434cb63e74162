package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fixturelab/clusterharness/cluster"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is the driver-side client of the control plane. It dials the
// manager's unix socket (or TCP address) and exposes one method per route.
// Transport-level failures are retried; a 500 response is a final result,
// not a retryable condition, since it carries a RequestError message the
// driver branches on.
type Client struct {
	Logger *zap.SugaredLogger

	baseURL    string
	dialCtx    func(ctx context.Context, network, addr string) (net.Conn, error)
	httpClient *retryablehttp.Client
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("manager_client")
	}
}

// WithCustomizeRetryableClient adjusts the underlying retrying HTTP client.
func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		f(c.httpClient)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the control plane at addr: a unix socket
// path, or host:port when the manager listens on TCP.
func NewClient(addr string, opts ...ClientOption) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	network := "unix"
	if strings.Contains(addr, ":") {
		network = "tcp"
	}
	dialCtx := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, addr)
	}

	c := &Client{
		Logger: zap.NewNop().Sugar(),
		// The host part is never resolved; the dialer ignores it and
		// connects straight to the manager.
		baseURL: "http://manager",
		dialCtx: dialCtx,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{DialContext: dialCtx},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	// Only transport errors are retried: every response, 500s included, is
	// a final control-plane result.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	c.httpClient = retryClient

	for _, opt := range opts {
		opt(c)
	}
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	return c
}

// get performs a request and returns the success flag and trimmed body.
func (c *Client) get(ctx context.Context, path string) (bool, string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, "", fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, "", fmt.Errorf("reading response for %s: %w", path, err)
	}
	return resp.StatusCode == http.StatusOK, strings.TrimSpace(string(b)), nil
}

// getOK performs a request that only succeeds, turning a failed response
// into an error.
func (c *Client) getOK(ctx context.Context, path string) (string, error) {
	ok, body, err := c.get(ctx, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New(body)
	}
	return body, nil
}

func (c *Client) getBool(ctx context.Context, path string) (bool, error) {
	body, err := c.getOK(ctx, path)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(body)
	if err != nil {
		return false, fmt.Errorf("parsing response %q for %s: %w", body, path, err)
	}
	return v, nil
}

// getAction performs a request whose failure is an ordinary result.
func (c *Client) getAction(ctx context.Context, path string) (cluster.Action, error) {
	ok, body, err := c.get(ctx, path)
	if err != nil {
		return cluster.Action{}, err
	}
	return cluster.Action{OK: ok, Msg: body}, nil
}

// Up reports whether the manager is serving.
func (c *Client) Up(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/up")
}

// ClusterUp reports whether the leased cluster is running.
func (c *Client) ClusterUp(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/cluster/up")
}

// IsDirty reports whether the leased cluster was mutated.
func (c *Client) IsDirty(ctx context.Context) (bool, error) {
	return c.getBool(ctx, "/cluster/is-dirty")
}

// Replicas returns the cluster's configured replica count.
func (c *Client) Replicas(ctx context.Context) (int, error) {
	body, err := c.getOK(ctx, "/cluster/replicas")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(body)
}

// Servers returns the sorted ids of the running servers.
func (c *Client) Servers(ctx context.Context) ([]string, error) {
	body, err := c.getOK(ctx, "/cluster/servers")
	if err != nil {
		return nil, err
	}
	if body == "" {
		return nil, nil
	}
	return strings.Split(body, ","), nil
}

// BeforeTest brackets the start of a test, re-leasing a fresh cluster if
// the current one is dirty.
func (c *Client) BeforeTest(ctx context.Context, testName string) error {
	_, err := c.getOK(ctx, "/cluster/before-test/"+testName)
	return err
}

// AfterTest runs the post-test invariant check.
func (c *Client) AfterTest(ctx context.Context, testName string) error {
	_, err := c.getOK(ctx, "/cluster/after-test/"+testName)
	return err
}

// MarkDirty marks the leased cluster as unfit for reuse.
func (c *Client) MarkDirty(ctx context.Context) error {
	_, err := c.getOK(ctx, "/cluster/mark-dirty")
	return err
}

// ServerStop hard-stops a server.
func (c *Client) ServerStop(ctx context.Context, id string) (cluster.Action, error) {
	return c.getAction(ctx, "/cluster/server/"+id+"/stop")
}

// ServerStopGracefully stops a server with SIGTERM.
func (c *Client) ServerStopGracefully(ctx context.Context, id string) (cluster.Action, error) {
	return c.getAction(ctx, "/cluster/server/"+id+"/stop_gracefully")
}

// ServerStart starts a stopped server.
func (c *Client) ServerStart(ctx context.Context, id string) (cluster.Action, error) {
	return c.getAction(ctx, "/cluster/server/"+id+"/start")
}

// ServerRestart gracefully stops then starts a server.
func (c *Client) ServerRestart(ctx context.Context, id string) (cluster.Action, error) {
	return c.getAction(ctx, "/cluster/server/"+id+"/restart")
}

// AddServer adds a new server and returns its id.
func (c *Client) AddServer(ctx context.Context) (string, error) {
	return c.getOK(ctx, "/cluster/addserver")
}

// RemoveServer removes a server permanently.
func (c *Client) RemoveServer(ctx context.Context, id string) (cluster.Action, error) {
	return c.getAction(ctx, "/cluster/removeserver/"+id)
}

// StartStopped starts all currently stopped servers.
func (c *Client) StartStopped(ctx context.Context) (cluster.Action, error) {
	return c.getAction(ctx, "/cluster/start_stopped")
}

// ServerLog fetches a server's startup banner plus everything written
// since its last savepoint.
func (c *Client) ServerLog(ctx context.Context, id string) (string, error) {
	return c.getOK(ctx, "/cluster/server/"+id+"/log")
}

// FollowLog streams a server's log from its savepoint until the returned
// reader is closed.
func (c *Client) FollowLog(ctx context.Context, id string) (io.ReadCloser, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{DialContext: c.dialCtx},
	}
	wsConn, _, err := websocket.Dial(ctx, c.baseURL+"/cluster/server/"+id+"/log/follow", &websocket.DialOptions{
		HTTPClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing log follow for %s: %w", id, err)
	}
	return &wsReader{ctx: ctx, conn: wsConn}, nil
}

// wsReader turns a stream of WebSocket messages into an io.ReadCloser.
type wsReader struct {
	ctx  context.Context
	conn *websocket.Conn
	cur  io.Reader
}

func (r *wsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			_, msg, err := r.conn.Reader(r.ctx)
			if err != nil {
				return 0, err
			}
			r.cur = msg
		}
		n, err := r.cur.Read(p)
		if errors.Is(err, io.EOF) {
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *wsReader) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}
