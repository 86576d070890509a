// Copyright 2025 James Ross
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/client-go/rest"

	"github.com/trinolb/trino-lb/internal/adminapi"
	"github.com/trinolb/trino-lb/internal/adminapi/audit"
	"github.com/trinolb/trino-lb/internal/autoscaler"
	"github.com/trinolb/trino-lb/internal/autoscaler/stackable"
	"github.com/trinolb/trino-lb/internal/clustergroup"
	"github.com/trinolb/trino-lb/internal/clusterregistry"
	"github.com/trinolb/trino-lb/internal/config"
	"github.com/trinolb/trino-lb/internal/lifecycle"
	"github.com/trinolb/trino-lb/internal/maintenance"
	"github.com/trinolb/trino-lb/internal/obs"
	"github.com/trinolb/trino-lb/internal/persistence"
	"github.com/trinolb/trino-lb/internal/persistence/inmemory"
	"github.com/trinolb/trino-lb/internal/persistence/pgpersist"
	"github.com/trinolb/trino-lb/internal/persistence/redispersist"
	"github.com/trinolb/trino-lb/internal/routing"
)

var version = "dev"

// gracePeriod bounds how long in-flight connections get to finish on
// shutdown, per spec.md §5.
const gracePeriod = 5 * time.Second

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/trino-lb.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger("info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(obs.TracingConfig{
		Enabled:          cfg.TrinoLB.Tracing.Enabled,
		Endpoint:         cfg.TrinoLB.Tracing.Endpoint,
		Environment:      cfg.TrinoLB.Tracing.Environment,
		SamplingStrategy: cfg.TrinoLB.Tracing.SamplingStrategy,
		SamplingRate:     cfg.TrinoLB.Tracing.SamplingRate,
	})
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build persistence store", obs.Err(err))
	}
	defer store.Close()

	registry, err := clusterregistry.New(cfg.ClusterGroups)
	if err != nil {
		logger.Fatal("failed to build cluster registry", obs.Err(err))
	}

	knownGroups := make(map[string]bool, len(cfg.ClusterGroups))
	for g := range cfg.ClusterGroups {
		knownGroups[g] = true
	}
	pipeline, err := routing.Build(cfg, knownGroups, logger)
	if err != nil {
		logger.Fatal("failed to build routing pipeline", obs.Err(err))
	}

	backendClient := &http.Client{Timeout: 0}
	manager := clustergroup.New(registry, store, backendClient)

	engine := lifecycle.New(registry, pipeline, manager, store, cfg.TrinoLB.ExternalAddress, cfg.TrinoLB.ProxyMode, logger)

	var auditLogger *audit.Logger
	if cfg.TrinoLB.AdminAuthentication != nil {
		auditLogger = audit.NewLogger("logs/admin-audit.log", 50, 10, true)
	}
	var creds adminapi.Credentials
	if ba := adminBasicAuth(cfg); ba != nil {
		creds = adminapi.Credentials{Username: ba.Username, Password: ba.Password}
	}
	admin := adminapi.New(registry, store, creds, auditLogger, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper := maintenance.NewReaper(store, logger)
	go reaper.Run(ctx)

	refresher := maintenance.NewCounterRefresher(registry, store, cfg.TrinoLB.RefreshQueryCounterInterval, logger)
	go refresher.Run(ctx)

	if cfg.ClusterAutoscaler != nil {
		orch, err := buildOrchestrator(cfg)
		if err != nil {
			logger.Fatal("failed to build autoscaler orchestrator", obs.Err(err))
		}
		interval := cfg.ClusterAutoscaler.ReconcileInterval
		as, err := autoscaler.New(registry, store, orch, cfg.ClusterGroups, interval, logger)
		if err != nil {
			logger.Fatal("failed to build autoscaler", obs.Err(err))
		}
		go as.Run(ctx)
	} else {
		go autoscaler.RunUnmanaged(ctx, registry, store, logger)
	}

	readyCheck := func(c context.Context) error { return nil }
	metricsSrv := obs.StartHTTPServer(cfg.TrinoLB.Ports.Metrics, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	obs.StartMetricsSnapshotLoop(ctx, 5*time.Second, func(c context.Context) ([]obs.ClusterSnapshot, error) {
		stats, err := manager.AllStats(c)
		if err != nil {
			return nil, err
		}
		snaps := make([]obs.ClusterSnapshot, 0, len(stats))
		for _, s := range stats {
			snaps = append(snaps, obs.ClusterSnapshot{Name: s.Name, State: string(s.State), Counter: s.Counter})
		}
		return snaps, nil
	}, logger)

	root := mux.NewRouter()
	root.PathPrefix("/v1/").Handler(engine.Router())
	root.PathPrefix("/admin/").Handler(admin.Router())
	root.PathPrefix("/ui/").Handler(admin.Router())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.TrinoLB.Ports.HTTP),
		Handler: root,
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		var err error
		if cfg.TrinoLB.TLS.Enabled {
			httpSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = httpSrv.ListenAndServeTLS(cfg.TrinoLB.TLS.CertPEMFile, cfg.TrinoLB.TLS.KeyPEMFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", obs.Err(err))
			cancel()
		}
	}()

	logger.Info("trino-lb started",
		obs.Int("port", cfg.TrinoLB.Ports.HTTP),
		obs.String("proxyMode", cfg.TrinoLB.ProxyMode),
		obs.String("version", version),
	)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", obs.Err(err))
	}
}

func adminBasicAuth(cfg *config.Config) *config.BasicAuthConfig {
	if cfg.TrinoLB.AdminAuthentication == nil {
		return nil
	}
	return cfg.TrinoLB.AdminAuthentication.BasicAuth
}

// buildStore constructs the configured persistence.Store variant.
func buildStore(cfg *config.Config, logger *zap.Logger) (persistence.Store, error) {
	variant, err := cfg.TrinoLB.Persistence.Variant()
	if err != nil {
		return nil, err
	}
	switch variant {
	case "inMemory":
		return inmemory.New(logger), nil
	case "redis":
		rc := cfg.TrinoLB.Persistence.Redis
		var client redis.UniversalClient
		if rc.ClusterMode {
			client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{rc.Endpoint}})
		} else {
			client = redis.NewClient(&redis.Options{Addr: rc.Endpoint})
		}
		return redispersist.New(client), nil
	case "postgres":
		pc := cfg.TrinoLB.Persistence.Postgres
		db, err := sql.Open("postgres", pc.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if pc.MaxConnections > 0 {
			db.SetMaxOpenConns(pc.MaxConnections)
		}
		return pgpersist.New(db)
	default:
		return nil, fmt.Errorf("unsupported persistence variant %q", variant)
	}
}

// buildOrchestrator constructs the one concrete autoscaler.Orchestrator
// adapter this module ships, per config's clusterAutoscaler.implementation.
func buildOrchestrator(cfg *config.Config) (autoscaler.Orchestrator, error) {
	impl := cfg.ClusterAutoscaler.Implementation
	if impl.Stackable == nil {
		return nil, fmt.Errorf("clusterAutoscaler.implementation must set stackable")
	}
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("resolve in-cluster kubeconfig: %w", err)
	}
	return stackable.New(restCfg, *impl.Stackable, 1)
}
