// The gateway server: multi-channel request ingestion, supervised
// handler execution, streaming fan-out, and the cluster surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/dgfacade/gateway/internal/auth"
	"github.com/dgfacade/gateway/internal/chain"
	"github.com/dgfacade/gateway/internal/cluster"
	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/dispatch"
	"github.com/dgfacade/gateway/internal/execlog"
	"github.com/dgfacade/gateway/internal/handler/builtin"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/manager"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/prometheus"
	"github.com/dgfacade/gateway/internal/infrastructure/storage/artifacts"
	"github.com/dgfacade/gateway/internal/ingest"
	httpserver "github.com/dgfacade/gateway/internal/interfaces/http"
	"github.com/dgfacade/gateway/internal/interfaces/http/handlers"
	"github.com/dgfacade/gateway/internal/interfaces/ws"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/streaming"
	"github.com/dgfacade/gateway/internal/worker"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the gateway YAML config (empty reads DGF_* env only)")
	nodeID := flag.String("node-id", "", "cluster node id (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP listen port (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	if *httpPort > 0 {
		cfg.Server.Port = *httpPort
	}
	if *nodeID != "" {
		cfg.Cluster.NodeID = *nodeID
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.Named("gateway")
	logger.Info("starting data gateway",
		logging.String("version", version),
		logging.Int("port", cfg.Server.Port),
		logging.String("config_root", cfg.Dirs.Root),
	)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway failed", logging.Err(err))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func run(cfg *config.Config, logger logging.Logger) error {
	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	var (
		gw             *prometheus.GatewayMetrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{
			Namespace:            cfg.Metrics.Namespace,
			Subsystem:            cfg.Metrics.Subsystem,
			EnableProcessMetrics: cfg.Metrics.EnableProcessMetrics,
			EnableGoMetrics:      cfg.Metrics.EnableGoMetrics,
		}, logger)
		if err != nil {
			return err
		}
		gw = prometheus.NewGatewayMetrics(collector)
		metricsHandler = collector.Handler()
	}

	resolver := config.NewResolver()
	if cfg.Dirs.PropertiesFile != "" {
		if err := resolver.LoadPropertiesFile(cfg.Dirs.PropertiesFile); err != nil {
			return err
		}
	}
	store := config.NewStore(cfg.Dirs, resolver, logger)
	if _, err := store.Load(); err != nil {
		return err
	}
	defer store.Close()

	users := auth.NewStore(cfg.Dirs.UsersFile(), cfg.Dirs.APIKeysFile(), logger)
	if err := users.Load(); err != nil {
		return err
	}

	brokers := manager.NewManager(store, logger, gw)
	brokers.Start(rootCtx)
	brokers.StartConfigured(rootCtx)
	accessor := manager.NewChannelAccessor(brokers)

	factories := registry.NewFactories()
	if err := builtin.Register(factories); err != nil {
		return err
	}
	chainRT := chain.NewRuntime(store, logger, gw)
	if err := chainRT.Register(factories); err != nil {
		return err
	}
	reg := registry.NewHandlerRegistry(store, factories, logger)

	execWriter, err := execlog.New(cfg.ExecLog, logger)
	if err != nil {
		return err
	}
	defer execWriter.Close()
	sup := worker.NewSupervisor(cfg.History, execWriter, logger, gw)

	pub := streaming.NewResponsePublisher(brokers, cfg.Streaming.SessionQueueDepth, logger, gw)
	sessions := streaming.NewSessionManager(cfg.Streaming, pub, logger, gw)

	artifactStore, err := artifacts.New(cfg.Artifacts, logger)
	if err != nil {
		return err
	}

	disp := dispatch.New(dispatch.Options{
		Config:     cfg.Dispatch,
		Authorizer: users,
		Resolver:   reg,
		Supervisor: sup,
		Sessions:   sessions,
		Channels:   accessor,
		Artifacts:  artifactStore,
		Logger:     logger,
		Metrics:    gw,
	})
	chainRT.SetSubmitter(disp)

	ingesters := ingest.NewManager(accessor, disp, logger, gw)
	ingesters.StartAll(rootCtx)
	store.OnReload(func(*config.Snapshot) { ingesters.Refresh(rootCtx) })
	if err := store.StartWatching(); err != nil {
		logger.Warn("config watch unavailable", logging.Err(err))
	}

	clusterSvc := cluster.New(cluster.Options{
		Config:   cfg.Cluster,
		HTTPPort: cfg.Server.Port,
		Version:  version,
		Load:     clusterLoad{sup: sup, reg: reg},
		Logger:   logger,
		Metrics:  gw,
	})
	clusterSvc.Start()
	disp.SetForwarder(clusterSvc)

	hub := ws.NewHub(disp, logger, gw)
	pub.SetSocketTarget(hub)

	admin := handlers.NewAdminHandler(handlers.AdminDeps{
		Registry: reg,
		Workers:  sup,
		Ingest:   ingesters,
		Sessions: sessions,
		Reload:   reloadAll(store, users, ingesters),
		Version:  version,
		Logger:   logger,
	})
	router := httpserver.NewRouter(httpserver.Options{
		Server:         cfg.Server,
		Request:        handlers.NewRequestHandler(disp, clusterSvc, logger),
		Admin:          admin,
		Cluster:        handlers.NewClusterHandler(clusterSvc),
		Socket:         hub,
		MetricsHandler: metricsHandler,
		Metrics:        gw,
		Logger:         logger,
	})
	srv := httpserver.NewServer(cfg.Server, router, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", logging.String("signal", sig.String()))
	case err := <-serveErr:
		return err
	}

	// Shutdown runs front-to-back: stop taking work, let workers
	// finish, tear down fan-out, announce departure, then close the
	// transports and the listener.
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	ingesters.StopAll(stopCtx)
	if err := sup.Shutdown(stopCtx); err != nil {
		logger.Warn("workers stopped before finishing", logging.Err(err))
	}
	sessions.Shutdown()
	hub.Shutdown(stopCtx)
	clusterSvc.Stop(stopCtx)
	stopRoot()
	if err := brokers.Close(); err != nil {
		logger.Warn("transport close failed", logging.Err(err))
	}
	if artifactStore != nil {
		_ = artifactStore.Close()
	}
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("http stop failed", logging.Err(err))
	}

	logger.Info("gateway stopped")
	return nil
}
