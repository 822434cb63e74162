package main

import (
	"context"
	"fmt"
	"log"
	stdnet "net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fixturelab/clusterharness/cluster"
	"github.com/fixturelab/clusterharness/driver/redisdrv"
	"github.com/fixturelab/clusterharness/internal/files"
	"github.com/fixturelab/clusterharness/internal/net"
	"github.com/fixturelab/clusterharness/manager"
	"github.com/fixturelab/clusterharness/pool"
	"github.com/fixturelab/clusterharness/registry"
	"github.com/fixturelab/clusterharness/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "harnessd",
		Usage: "runs a cluster manager and its control-plane service for one test",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "server-exe",
				Usage:    "The server executable. A bare name is searched for upward from the working directory.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "base-dir",
				Usage: "Directory for server working directories, logs, and the manager's scratch directory.",
			},
			&cli.IntFlag{
				Name:  "replicas",
				Usage: "Number of servers in a freshly built cluster.",
				Value: 3,
			},
			&cli.StringFlag{
				Name:  "test-name",
				Usage: "Name of the test this manager brackets.",
				Value: "interactive",
			},
			&cli.IntFlag{
				Name:  "client-port",
				Usage: "The client-protocol port servers listen on.",
				Value: 6379,
			},
			&cli.IntFlag{
				Name:  "pool-size",
				Usage: "Maximum number of live clusters in the reuse pool.",
				Value: 2,
			},
			&cli.StringFlag{
				Name:  "subnet",
				Usage: "Loopback subnet to lease server addresses from.",
				Value: "127.93",
			},
			&cli.StringSliceFlag{
				Name:  "server-arg",
				Usage: "Extra command-line option passed to every server. May be repeated.",
			},
			&cli.StringFlag{
				Name:  "control-tcp",
				Usage: "Serve the control plane on this TCP host[:port] instead of a unix socket.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cliCtx *cli.Context) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	if !cliCtx.Bool("verbose") {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}
	logSugared := logger.Sugar()

	exe := cliCtx.String("server-exe")
	if !strings.ContainsRune(exe, os.PathSeparator) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting wd: %w", err)
		}
		exe, err = files.FindUp(exe, wd)
		if err != nil {
			return fmt.Errorf("locating server executable: %w", err)
		}
	}
	exe, err = filepath.Abs(exe)
	if err != nil {
		return fmt.Errorf("resolving server executable: %w", err)
	}

	baseDir := cliCtx.String("base-dir")
	if baseDir == "" {
		baseDir, err = os.MkdirTemp("", "harness-")
		if err != nil {
			return fmt.Errorf("creating base dir: %w", err)
		}
		defer os.RemoveAll(baseDir)
	}

	hosts := registry.New(cliCtx.String("subnet"))
	drv := redisdrv.New(cliCtx.Int("client-port"), redisdrv.WithLogger(logSugared))
	serverArgs := cliCtx.StringSlice("server-arg")
	replicas := cliCtx.Int("replicas")

	factory := func(clusterName string, seeds []string) *server.Server {
		return server.New(exe, baseDir, hosts, drv, clusterName, seeds,
			server.WithLogger(logSugared),
			server.WithCmdlineOptions(serverArgs...),
		)
	}

	clusters := pool.New(cliCtx.Int("pool-size"), func(ctx context.Context) (*cluster.Cluster, error) {
		c := cluster.New(replicas, factory, cluster.WithLogger(logSugared))
		if err := c.InstallAndStart(ctx); err != nil {
			return nil, err
		}
		return c, nil
	})

	managerOpts := []manager.Option{manager.WithLogger(logSugared)}
	if tcpAddr := cliCtx.String("control-tcp"); tcpAddr != "" {
		if !strings.Contains(tcpAddr, ":") {
			port, err := net.GetEphemeralTCPPort(tcpAddr)
			if err != nil {
				return fmt.Errorf("leasing control-plane port: %w", err)
			}
			tcpAddr = stdnet.JoinHostPort(tcpAddr, strconv.Itoa(port))
		}
		managerOpts = append(managerOpts, manager.WithTCPAddr(tcpAddr))
	}

	mgr, err := manager.New(cliCtx.String("test-name"), clusters, baseDir, managerOpts...)
	if err != nil {
		return fmt.Errorf("building manager: %w", err)
	}

	ctx := cliCtx.Context
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}
	logSugared.Infof("control plane serving on %s", mgr.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := mgr.Stop(ctx); err != nil {
		logSugared.Errorf("stopping manager: %s", err)
	}
	for clusters.Len() > 0 {
		c, err := clusters.Get(ctx)
		if err != nil {
			break
		}
		if err := c.Uninstall(ctx); err != nil {
			logSugared.Errorf("uninstalling cluster %s: %s", c.Name(), err)
		}
		clusters.Discard()
	}
	return nil
}
