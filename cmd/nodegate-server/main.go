package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/nodegate/internal/cluster"
	"github.com/atvirokodosprendimai/nodegate/internal/clustersync"
	"github.com/atvirokodosprendimai/nodegate/internal/inventory"
	"github.com/atvirokodosprendimai/nodegate/internal/messaging"
	"github.com/atvirokodosprendimai/nodegate/internal/metrics"
	"github.com/atvirokodosprendimai/nodegate/internal/onboarding"
	"github.com/atvirokodosprendimai/nodegate/internal/server/api"
	"github.com/atvirokodosprendimai/nodegate/internal/server/discovery"
	"github.com/atvirokodosprendimai/nodegate/internal/verify"
	"github.com/go-logr/stdr"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "nodegate-server",
		Usage: "Onboard cluster nodes after verifying their environment.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the nodegate server and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address", Sources: cli.EnvVars("NODEGATE_HTTP_ADDR")},
					&cli.StringFlag{Name: "db-path", Value: "nodegate.db", Usage: "Path to the SQLite inventory database", Sources: cli.EnvVars("NODEGATE_DB_PATH")},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "NATS server bind address (host:port)", Sources: cli.EnvVars("NODEGATE_NATS_ADDR")},
					&cli.DurationFlag{Name: "verify-timeout", Value: 2 * time.Minute, Usage: "Upper bound for one node environment check", Sources: cli.EnvVars("NODEGATE_VERIFY_TIMEOUT")},
					&cli.DurationFlag{Name: "kube-timeout", Value: 15 * time.Second, Usage: "Timeout for Kubernetes API requests", Sources: cli.EnvVars("NODEGATE_KUBE_TIMEOUT")},
					&cli.DurationFlag{Name: "discovery-interval", Value: 5 * time.Minute, Usage: "Interval for looking for newly joined nodes (0 disables)", Sources: cli.EnvVars("NODEGATE_DISCOVERY_INTERVAL")},
					&cli.IntFlag{Name: "v", Value: 0, Usage: "Log verbosity"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	stdr.SetVerbosity(cmd.Int("v"))
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithName("nodegate-server")
	logger.Info("starting nodegate server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	// 2. Initialize Database
	gormDB, err := inventory.NewDatabase(cmd.String("db-path"), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// 3. Start Embedded NATS Server
	natsAddr := cmd.String("nats-addr")
	natsHost, natsPort, err := net.SplitHostPort(natsAddr)
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, err := strconv.Atoi(natsPort)
	if err != nil {
		return fmt.Errorf("invalid nats-addr port: %w", err)
	}
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	defer ns.Shutdown()
	if !ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	logger.Info("embedded NATS server started", "addr", natsAddr)

	// 4. Connect to our own embedded NATS
	nc, err := messaging.Connect(ns.ClientURL(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()
	publisher := messaging.NewPublisher(nc)

	// 5. Wire the controllers
	verifyTimeout := cmd.Duration("verify-timeout")
	store := inventory.NewStore(gormDB, publisher, recorder, logger)
	connector := cluster.NewConnector(logger, cmd.Duration("kube-timeout"))
	orchestrator := verify.NewOrchestrator(
		messaging.NewAgentVerifier(nc, verifyTimeout),
		verify.WithTimeout(verifyTimeout),
		verify.WithMetrics(recorder),
		verify.WithLogger(logger),
	)
	sessions := onboarding.NewManager(onboarding.Deps{
		Validator:    connector,
		Discoverer:   connector,
		Orchestrator: orchestrator,
		Inventory:    store,
	}, recorder, logger)
	syncer := clustersync.NewController(store, connector, orchestrator, recorder, logger)

	// 6. Start the join watcher
	if interval := cmd.Duration("discovery-interval"); interval > 0 {
		watcher := discovery.NewService(store, connector, publisher, interval, logger)
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	// 7. Start Chi HTTP Server
	apiServer := api.NewServer(api.Config{
		Sessions:  sessions,
		Sync:      syncer,
		Inventory: store,
		Gatherer:  reg,
		Log:       logger,
	})
	defer apiServer.Close()

	httpAddr := cmd.String("http-addr")
	httpServer := &http.Server{Addr: httpAddr, Handler: apiServer.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "HTTP server shutdown")
		}
	}()

	logger.Info("HTTP server listening", "addr", httpAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("nodegate server stopped")
	return nil
}
