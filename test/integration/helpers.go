// Package integration exercises a fully wired gateway end to end: the
// HTTP surface, dispatch, workers, chains, clustering and the broker
// fan-out. Every test needs DGF_INTEGRATION_TEST=1; the broker fan-out
// scenario additionally needs reachable Kafka and ActiveMQ endpoints.
package integration

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgfacade/gateway/internal/auth"
	"github.com/dgfacade/gateway/internal/chain"
	"github.com/dgfacade/gateway/internal/cluster"
	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/dispatch"
	"github.com/dgfacade/gateway/internal/handler/builtin"
	"github.com/dgfacade/gateway/internal/infrastructure/messaging/manager"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	"github.com/dgfacade/gateway/internal/ingest"
	httpserver "github.com/dgfacade/gateway/internal/interfaces/http"
	"github.com/dgfacade/gateway/internal/interfaces/http/handlers"
	"github.com/dgfacade/gateway/internal/interfaces/ws"
	"github.com/dgfacade/gateway/internal/registry"
	"github.com/dgfacade/gateway/internal/streaming"
	"github.com/dgfacade/gateway/internal/worker"
	"github.com/dgfacade/gateway/pkg/client"
	handlertypes "github.com/dgfacade/gateway/pkg/types/handler"
)

// ---------------------------------------------------------------------------
// Environment detection
// ---------------------------------------------------------------------------

const (
	// EnvIntegrationEnabled controls whether integration tests run.
	EnvIntegrationEnabled = "DGF_INTEGRATION_TEST"

	// EnvKafkaBrokers overrides the Kafka bootstrap address used by
	// the broker fan-out scenario.
	EnvKafkaBrokers = "DGF_TEST_KAFKA_BROKERS"

	// EnvStompAddr overrides the ActiveMQ STOMP address used by the
	// broker fan-out scenario.
	EnvStompAddr = "DGF_TEST_STOMP_ADDR"
)

// Credentials every harness gateway loads. The key maps to a user
// allowed to submit any request type.
const (
	TestAPIKey = "dgf-test-key-0001"
	TestUserID = "tester"
)

// SkipIfNoIntegration skips the calling test unless integration tests
// are explicitly enabled.
func SkipIfNoIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv(EnvIntegrationEnabled) != "1" {
		t.Skipf("skipping integration test: set %s=1 to enable", EnvIntegrationEnabled)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// requireService skips the test when the named TCP endpoint does not
// accept connections.
func requireService(t *testing.T, name, addr string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Skipf("skipping: %s not available at %s", name, addr)
	}
	conn.Close()
}

// ---------------------------------------------------------------------------
// Config tree fixtures
// ---------------------------------------------------------------------------

// WriteTree materializes a config tree under root. Keys are paths
// relative to root, values are file contents.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

// defaultAuthFiles returns the credential files every harness gateway
// starts with.
func defaultAuthFiles() map[string]string {
	return map[string]string{
		"users.json": `[
  {"user_id": "tester", "name": "Integration Tester", "enabled": true, "allowed_request_types": ["*"]}
]`,
		"apikeys.json": `[
  {"api_key": "dgf-test-key-0001", "user_id": "tester", "enabled": true, "description": "integration suite"}
]`,
	}
}

// baseConfig returns gateway settings suitable for an in-process test
// instance: short timeouts, generous concurrency, no metrics endpoint.
func baseConfig(root string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Mode:        "test",
			MaxBodySize: 4 << 20,
		},
		Dirs: config.DirsConfig{Root: root},
		Dispatch: config.DispatchConfig{
			MaxConcurrentRequests: 64,
			DefaultTTLMinutes:     1,
			MaxTTLMinutes:         10,
			Forwarding:            true,
			ForwardTimeout:        5 * time.Second,
		},
		Streaming: config.StreamingConfig{
			Enabled:               true,
			MaxConcurrentSessions: 16,
			DefaultTTLMinutes:     1,
			MaxTTLMinutes:         10,
			DefaultChannels:       []string{"websocket"},
			SessionQueueDepth:     32,
		},
		History: config.HistoryConfig{RingCapacity: 256},
	}
}

// ---------------------------------------------------------------------------
// In-process gateway
// ---------------------------------------------------------------------------

// GatewayOptions shapes one harness instance. Files lands on top of
// the default credential files; Mutate tweaks the config after the
// defaults are applied.
type GatewayOptions struct {
	Files  map[string]string
	Mutate func(cfg *config.Config)
}

// Gateway is one in-process gateway wired exactly like the production
// binary, fronted by an httptest server.
type Gateway struct {
	URL  string
	Port int
	Root string

	Store      *config.Store
	Users      *auth.Store
	Brokers    *manager.Manager
	Registry   *registry.HandlerRegistry
	Supervisor *worker.Supervisor
	Sessions   *streaming.SessionManager
	Dispatcher *dispatch.Dispatcher
	Cluster    *cluster.Service
}

// gatewayLoad adapts the supervisor and registry into the load figures
// heartbeats advertise.
type gatewayLoad struct {
	sup *worker.Supervisor
	reg *registry.HandlerRegistry
}

func (l gatewayLoad) ActiveHandlers() int64    { return int64(l.sup.LiveCount()) }
func (l gatewayLoad) RequestsProcessed() int64 { return l.sup.Completed() }
func (l gatewayLoad) HandlerTypes() []string   { return l.reg.Types() }

// StartGateway boots a gateway against a config tree written into a
// temp dir and returns it running. Teardown is registered on t.
func StartGateway(t *testing.T, opts GatewayOptions) *Gateway {
	t.Helper()

	root := t.TempDir()
	files := defaultAuthFiles()
	for rel, content := range opts.Files {
		files[rel] = content
	}
	WriteTree(t, root, files)

	cfg := baseConfig(root)
	if opts.Mutate != nil {
		opts.Mutate(cfg)
	}

	logger := logging.NewNopLogger()

	resolver := config.NewResolver()
	store := config.NewStore(cfg.Dirs, resolver, logger)
	_, err := store.Load()
	require.NoError(t, err, "config tree failed to load")

	users := auth.NewStore(cfg.Dirs.UsersFile(), cfg.Dirs.APIKeysFile(), logger)
	require.NoError(t, users.Load(), "auth files failed to load")

	rootCtx, stopRoot := context.WithCancel(context.Background())

	brokers := manager.NewManager(store, logger, nil)
	brokers.Start(rootCtx)
	brokers.StartConfigured(rootCtx)
	accessor := manager.NewChannelAccessor(brokers)

	factories := registry.NewFactories()
	require.NoError(t, builtin.Register(factories))
	chainRT := chain.NewRuntime(store, logger, nil)
	require.NoError(t, chainRT.Register(factories))
	reg := registry.NewHandlerRegistry(store, factories, logger)

	sup := worker.NewSupervisor(cfg.History, nil, logger, nil)

	pub := streaming.NewResponsePublisher(brokers, cfg.Streaming.SessionQueueDepth, logger, nil)
	sessions := streaming.NewSessionManager(cfg.Streaming, pub, logger, nil)

	disp := dispatch.New(dispatch.Options{
		Config:     cfg.Dispatch,
		Authorizer: users,
		Resolver:   reg,
		Supervisor: sup,
		Sessions:   sessions,
		Channels:   accessor,
		Logger:     logger,
	})
	chainRT.SetSubmitter(disp)

	ingesters := ingest.NewManager(accessor, disp, logger, nil)
	ingesters.StartAll(rootCtx)

	// The listener exists before Start, so the cluster service can
	// advertise the real port before the router is mounted.
	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	clusterSvc := cluster.New(cluster.Options{
		Config:   cfg.Cluster,
		HTTPPort: port,
		Version:  "integration",
		Load:     gatewayLoad{sup: sup, reg: reg},
		Logger:   logger,
	})
	clusterSvc.Start()
	disp.SetForwarder(clusterSvc)

	hub := ws.NewHub(disp, logger, nil)
	pub.SetSocketTarget(hub)

	admin := handlers.NewAdminHandler(handlers.AdminDeps{
		Registry: reg,
		Workers:  sup,
		Ingest:   ingesters,
		Sessions: sessions,
		Reload: func(ctx context.Context) (map[string]interface{}, error) {
			if err := store.Reload(); err != nil {
				return nil, err
			}
			if err := users.Reload(); err != nil {
				return nil, err
			}
			ingesters.Refresh(ctx)
			snap := store.Snapshot()
			return map[string]interface{}{
				"handlers": len(snap.Handlers),
				"brokers":  len(snap.Brokers),
				"chains":   len(snap.Chains),
			}, nil
		},
		Version: "integration",
		Logger:  logger,
	})
	router := httpserver.NewRouter(httpserver.Options{
		Server:  cfg.Server,
		Request: handlers.NewRequestHandler(disp, clusterSvc, logger),
		Admin:   admin,
		Cluster: handlers.NewClusterHandler(clusterSvc),
		Socket:  hub,
		Logger:  logger,
	})
	srv.Config.Handler = router
	srv.Start()

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ingesters.StopAll(stopCtx)
		_ = sup.Shutdown(stopCtx)
		sessions.Shutdown()
		hub.Shutdown(stopCtx)
		clusterSvc.Stop(stopCtx)
		stopRoot()
		_ = brokers.Close()
		store.Close()
		srv.Close()
	})

	return &Gateway{
		URL:        srv.URL,
		Port:       port,
		Root:       root,
		Store:      store,
		Users:      users,
		Brokers:    brokers,
		Registry:   reg,
		Supervisor: sup,
		Sessions:   sessions,
		Dispatcher: disp,
		Cluster:    clusterSvc,
	}
}

// Client returns an SDK client bound to this gateway with the test
// credentials.
func (g *Gateway) Client(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.NewClient(g.URL, TestAPIKey, client.WithTimeout(10*time.Second))
	require.NoError(t, err)
	return c
}

// WaitForPhase polls the status listing until the request's worker
// record reaches the wanted phase, then returns that record.
func WaitForPhase(t *testing.T, api *client.Client, requestID string, phase handlertypes.Phase) handlertypes.State {
	t.Helper()
	var got handlertypes.State
	require.Eventually(t, func() bool {
		res, err := api.Status(context.Background(), client.StatusQuery{RequestID: requestID})
		if err != nil || len(res.Entries) == 0 {
			return false
		}
		got = res.Entries[0]
		return got.Phase == phase
	}, 10*time.Second, 25*time.Millisecond, "request %s never reached phase %s", requestID, phase)
	return got
}
