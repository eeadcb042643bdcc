// Command dfsnode is the long-running DHT participant: it opens a local
// store, joins the routing table, serves the RPC surface over libp2p,
// announces itself on the LAN discovery channel, and runs the background
// maintenance loop (SPEC_FULL.md §4.9, §6).
//
// Component wiring uses go.uber.org/fx, present in the dependency graph
// this project grew out of; each component is provided as a constructor
// and started/stopped through an fx.Lifecycle hook rather than a hand-
// sequenced main(), so the startup order falls out of the dependency
// graph instead of being maintained by hand as components are added.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kadefs/kadefs/internal/api"
	"github.com/kadefs/kadefs/internal/discovery"
	"github.com/kadefs/kadefs/internal/identifier"
	"github.com/kadefs/kadefs/internal/identity"
	"github.com/kadefs/kadefs/internal/logging"
	"github.com/kadefs/kadefs/internal/maintenance"
	"github.com/kadefs/kadefs/internal/metrics"
	"github.com/kadefs/kadefs/internal/node"
	"github.com/kadefs/kadefs/internal/replication"
	"github.com/kadefs/kadefs/internal/routing"
	"github.com/kadefs/kadefs/internal/rpc"
	"github.com/kadefs/kadefs/internal/store"
)

// basePort is the first TCP port dfsnode tries to bind; on failure it
// retries sequentially (SPEC_FULL.md §6: "TCP port default 8086 with
// sequential retry").
const basePort = 8086

// maxPortAttempts bounds the sequential retry so a misconfigured host
// doesn't spin forever looking for a free port.
const maxPortAttempts = 32

// CLIConfig is the flag-parsed process configuration, provided into the fx
// graph as a value rather than read from globals by each constructor.
type CLIConfig struct {
	HostIP     string
	LogLevel   string
	DataDir    string
	MetricsBnd string
	KSize      int
	Alpha      int
}

func parseFlags() CLIConfig {
	var cfg CLIConfig
	flag.StringVar(&cfg.HostIP, "host-ip", "127.0.0.1", "IP address this node advertises to peers")
	flag.StringVar(&cfg.LogLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARNING, ERROR")
	flag.StringVar(&cfg.DataDir, "data-dir", "./dfsnode-data", "directory for the local store and persisted identity")
	flag.StringVar(&cfg.MetricsBnd, "metrics-addr", ":9090", "bind address for the Prometheus metrics endpoint")
	flag.IntVar(&cfg.KSize, "ksize", routing.DefaultKSize, "replication factor / bucket size (spec default 2)")
	flag.IntVar(&cfg.Alpha, "alpha", 3, "crawl concurrency factor")
	// The server is started as `dfsnode start [flags]`; a leading "start"
	// command word is accepted and skipped before the flags are parsed.
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "start" {
		args = args[1:]
	}
	_ = flag.CommandLine.Parse(args)
	return cfg
}

func newLogger(cfg CLIConfig) (*zap.Logger, error) {
	return logging.New(logging.ParseLevel(cfg.LogLevel), "dfsnode")
}

func newMetricsRegistry() *metrics.Registry {
	return metrics.New()
}

func newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(50), 100)
}

func newSelfID(cfg CLIConfig) (identifier.ID, error) {
	return identity.LoadOrCreate(cfg.DataDir)
}

// newHost binds the libp2p host, retrying sequential TCP ports starting at
// basePort when the preceding one is already in use.
func newHost(cfg CLIConfig, lc fx.Lifecycle, logger *zap.Logger) (libp2phost.Host, int, error) {
	var h libp2phost.Host
	var port int
	var err error

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port = basePort + attempt
		addr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)
		h, err = libp2p.New(libp2p.ListenAddrStrings(addr))
		if err == nil {
			break
		}
		logger.Debug("port in use, retrying", zap.Int("port", port), zap.Error(err))
	}
	if err != nil {
		return nil, 0, fmt.Errorf("dfsnode: no free TCP port found from %d: %w", basePort, err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return h.Close()
		},
	})
	logger.Info("libp2p host bound", zap.Int("port", port), zap.String("peer_id", h.ID().String()))
	return h, port, nil
}

func newSelf(cfg CLIConfig, selfID identifier.ID, port int) node.Descriptor {
	return node.New(selfID, cfg.HostIP, port)
}

func newStore(cfg CLIConfig, logger *zap.Logger) (*store.Store, error) {
	return store.Open(cfg.DataDir, logger)
}

func newTable(cfg CLIConfig, self node.Descriptor) *routing.Table {
	return routing.New(self.ID, cfg.KSize)
}

func newRPCClient(host libp2phost.Host, self node.Descriptor, table *routing.Table, m *metrics.Registry, logger *zap.Logger) *rpc.Client {
	return rpc.NewClient(host, self, table, m, logger)
}

func newReplicationEngine(cfg CLIConfig, self node.Descriptor, st *store.Store, table *routing.Table, client *rpc.Client, m *metrics.Registry, limiter *rate.Limiter, logger *zap.Logger) *replication.Engine {
	return replication.New(self, st, table, client, replication.Config{KSize: cfg.KSize, Alpha: cfg.Alpha}, m, limiter, logger)
}

func newAPINode(cfg CLIConfig, self node.Descriptor, st *store.Store, table *routing.Table, client *rpc.Client, repl *replication.Engine, m *metrics.Registry, limiter *rate.Limiter, logger *zap.Logger) *api.Node {
	return api.New(self, st, table, client, repl, api.Config{KSize: cfg.KSize, Alpha: cfg.Alpha}, m, limiter, logger)
}

func newRPCServer(n *api.Node, logger *zap.Logger) *rpc.Server {
	return rpc.NewServer(api.NewHandlers(n), logger)
}

func newBootstrapper(self node.Descriptor, logger *zap.Logger) discovery.Bootstrapper {
	return discovery.Bootstrapper{SelfAddr: self.Addr(), Logger: logger}
}

func newMaintenanceLoop(cfg CLIConfig, self node.Descriptor, st *store.Store, table *routing.Table, client *rpc.Client, repl *replication.Engine, m *metrics.Registry, rejoiner discovery.Bootstrapper, limiter *rate.Limiter, logger *zap.Logger) *maintenance.Loop {
	return maintenance.New(self, st, table, client, repl, m, rejoiner, maintenance.Config{KSize: cfg.KSize, Alpha: cfg.Alpha}, limiter, logger)
}

// registerRPCServer wires the RPC server into the libp2p host's stream
// handler table for the node's lifetime.
func registerRPCServer(lc fx.Lifecycle, host libp2phost.Host, server *rpc.Server, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			server.Register(host)
			logger.Info("rpc server registered", zap.String("protocol", rpc.ProtocolID))
			return nil
		},
	})
}

// runMaintenanceLoop starts the background maintenance cycle on OnStart
// and cancels it on OnStop.
func runMaintenanceLoop(lc fx.Lifecycle, loop *maintenance.Loop, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go loop.Run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// runDiscoveryAnnounce broadcasts this node's address on the LAN discovery
// channel for the lifetime of the process.
func runDiscoveryAnnounce(lc fx.Lifecycle, self node.Descriptor, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := discovery.Announce(ctx, self.Host, self.Port, logger); err != nil {
					logger.Warn("discovery announce stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// runMetricsServer exposes the Prometheus registry over HTTP for the
// lifetime of the process.
func runMetricsServer(lc fx.Lifecycle, cfg CLIConfig, m *metrics.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.MetricsBnd, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.MetricsBnd)
			if err != nil {
				logger.Warn("metrics listener unavailable, skipping", zap.Error(err))
				return nil
			}
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Warn("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func logStartup(self node.Descriptor, logger *zap.Logger) {
	logger.Info("dfsnode ready",
		zap.String("self_id", self.ID.String()),
		zap.String("addr", self.Addr()),
	)
}

func fxLogger(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger}
}

func main() {
	cfg := parseFlags()

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newMetricsRegistry,
			newLimiter,
			newSelfID,
			newHost,
			newSelf,
			newStore,
			newTable,
			newRPCClient,
			newReplicationEngine,
			newAPINode,
			newRPCServer,
			newBootstrapper,
			newMaintenanceLoop,
		),
		fx.Invoke(
			registerRPCServer,
			runMaintenanceLoop,
			runDiscoveryAnnounce,
			runMetricsServer,
			logStartup,
		),
		fx.WithLogger(fxLogger),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "dfsnode: failed to start:", err)
		os.Exit(1)
	}

	<-app.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "dfsnode: failed to stop cleanly:", err)
		os.Exit(1)
	}
}
