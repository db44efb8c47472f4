// netcored serves HTTP/1.1 over pipelined keep-alive connections and keeps
// pooled connections to an upstream TCP service, an I2P destination and a
// MySQL server.
//
// Usage:
//
//	netcored [flags]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.netcore/netcored.toml")
//	-listen string
//	    TCP listen address (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-i2p/netcore/lib/config"
	"github.com/go-i2p/netcore/lib/dialer"
	"github.com/go-i2p/netcore/lib/drivers/mysqlconn"
	"github.com/go-i2p/netcore/lib/metrics"
	"github.com/go-i2p/netcore/lib/pool"
	"github.com/go-i2p/netcore/lib/server"
	"github.com/go-i2p/netcore/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".netcore", "netcored.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listen := flag.String("listen", "", "TCP listen address (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "netcored - pipelined HTTP/1.1 server with pooled upstream connections\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  netcored [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("netcored version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *listen != "" {
		cfg.Server.TCPAddress = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.RecordStartTime()
	deps := &deps{}

	if cfg.Pool.Host != "" {
		connector := dialer.NewConnector(nil, cfg.ToDialerConfig())
		upstream, err := pool.New(ctx, dialer.Factory(connector, cfg.Endpoint()), cfg.ToPoolConfig("upstream"))
		if err != nil {
			logger.Error("failed to create upstream pool", "error", err)
			return 1
		}
		defer upstream.Close()
		upstream.StartMaintenance(ctx)
		deps.upstream = upstream
		logger.Info("upstream pool ready", "endpoint", cfg.Endpoint().String(), "size", upstream.Size())
	}

	if cfg.MySQL.DSN != "" {
		connector, err := mysqlconn.New(cfg.MySQL.DSN)
		if err != nil {
			logger.Error("invalid mysql dsn", "error", err)
			return 1
		}
		db, err := pool.New(ctx, connector.Factory(), cfg.ToMySQLPoolConfig("mysql"))
		if err != nil {
			logger.Error("failed to create mysql pool", "error", err)
			return 1
		}
		defer db.Close()
		db.StartMaintenance(ctx)
		deps.mysql = db
		logger.Info("mysql pool ready", "addr", connector.Addr(), "size", db.Size())
	}

	var i2pListener net.Listener
	if cfg.I2P.TunnelName != "" {
		garlic, err := dialer.OpenGarlic(cfg.I2P.TunnelName, cfg.I2P.SAMAddress, nil)
		if err != nil {
			logger.Error("failed to open i2p tunnel", "error", err)
			return 1
		}
		defer garlic.Close()

		if cfg.I2P.Upstream != "" {
			connector := dialer.NewGarlicConnector(garlic, cfg.ToDialerConfig())
			p, err := pool.New(ctx, dialer.GarlicFactory(connector, cfg.I2PUpstream()), cfg.ToI2PPoolConfig("i2p_upstream"))
			if err != nil {
				logger.Error("failed to create i2p pool", "error", err)
				return 1
			}
			defer p.Close()
			p.StartMaintenance(ctx)
			deps.i2p = p
			logger.Info("i2p pool ready", "destination", cfg.I2P.Upstream, "size", p.Size())
		}
		if cfg.I2P.Listen {
			i2pListener, err = garlic.Listen()
			if err != nil {
				logger.Error("failed to listen on i2p", "error", err)
				return 1
			}
		}
	}

	reg := server.NewRegistry()
	if err := registerHandlers(reg, deps); err != nil {
		logger.Error("failed to register handlers", "error", err)
		return 1
	}

	srv, err := server.New(cfg.ToServerConfig(), reg)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}
	serverHeader := version.ServerHeader()
	srv.Handler().SetNewRequestHook(func(req *server.Request) {
		req.Response().Header().Set("Server", serverHeader)
	})
	if err := runServer(ctx, srv, logger, i2pListener); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}

	snap := srv.Stats().Snapshot()
	logger.Info("netcored stopped",
		"requests", snap.RequestsProcessed,
		"connections", snap.ConnectionsCreated)
	return 0
}

// runServer runs srv until ctx is done and then stops it. The server's base
// context is not derived from ctx, so a signal leaves in-flight handlers to
// Stop instead of cancelling them first. A non-nil i2p listener is served
// alongside the configured sockets.
func runServer(ctx context.Context, srv *server.Server, logger *slog.Logger, i2p net.Listener) error {
	if err := srv.Start(context.Background()); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if i2p != nil {
		if err := srv.Serve(i2p, "i2p"); err != nil {
			_ = srv.Stop()
			return fmt.Errorf("serve i2p: %w", err)
		}
		logger.Info("serving over i2p", "destination", i2p.Addr().String())
	}

	logger.Info("netcored started",
		"tcp", srv.TCPAddress(),
		"unix", srv.UnixSocketPath(),
		"version", version.Full())

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
