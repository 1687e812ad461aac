package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cosmossdk.io/log"
	"github.com/prometheus/client_golang/prometheus"

	"dotbot-exec/internal/config"
	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/endpoint"
	"dotbot-exec/internal/logging"
	"dotbot-exec/internal/observability"
	"dotbot-exec/internal/pool"
	"dotbot-exec/internal/storage"
	chstore "dotbot-exec/internal/storage/clickhouse"
	"dotbot-exec/internal/storage/memory"
	"dotbot-exec/internal/storage/migrations"
	pgstore "dotbot-exec/internal/storage/postgres"
	"dotbot-exec/internal/storage/sqlite"
)

// app holds the long-lived components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	stores   *stores

	networks   map[string]domain.Network
	registries map[string]*endpoint.Registry
	pools      map[string]*pool.Pool

	metricsServer *http.Server
}

// stores holds the storage implementations selected by the config.
type stores struct {
	kv        storage.KVStore
	outcomes  storage.OutcomeStore
	snapshots storage.EndpointSnapshotStore
	cleanup   func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
	}, version)
	if err != nil {
		return nil, err
	}

	networks, err := cfg.DomainNetworks()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	a := &app{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		metrics:    observability.NewMetrics(cfg.Metrics.Namespace, reg),
		networks:   networks,
		registries: make(map[string]*endpoint.Registry),
		pools:      make(map[string]*pool.Pool),
	}

	a.stores, err = createStores(ctx, cfg, logging.Subsystem(logger, logging.SubsystemStorage))
	if err != nil {
		return nil, fmt.Errorf("create stores: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		a.startMetricsServer(cfg.Metrics.Addr)
	}
	return a, nil
}

// createStores opens the health KV store and the analytics stores.
func createStores(ctx context.Context, cfg *config.Config, logger log.Logger) (*stores, error) {
	logger = logging.OrNop(logger)
	s := &stores{
		kv:        memory.NewKVStore(),
		outcomes:  memory.NewOutcomeStore(),
		snapshots: memory.NewEndpointSnapshotStore(),
	}
	var closers []func()

	switch cfg.Persistence.Driver {
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Persistence.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		s.kv = sqlite.NewKVStore(db)
		closers = append(closers, func() { db.Close() })
	case config.DriverPostgres:
		pgPool, err := pgstore.NewPool(ctx, cfg.Persistence.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pgPool); err != nil {
			pgPool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		s.kv = pgstore.NewKVStore(pgPool)
		closers = append(closers, pgPool.Close)
	}

	if dsn := cfg.Analytics.ClickHouseDSN; dsn != "" {
		chConn, err := migrations.RunClickhouseMigrations(ctx, dsn)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		s.outcomes = chstore.NewOutcomeStore(chConn)
		s.snapshots = chstore.NewEndpointSnapshotStore(chConn)
		closers = append(closers, func() { chConn.Close() })
	}

	logger.Info("stores ready", "driver", cfg.Persistence.Driver, "analytics", cfg.Analytics.ClickHouseDSN != "")
	s.cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return s, nil
}

func (a *app) network(name string) (domain.Network, error) {
	n, ok := a.networks[name]
	if !ok {
		return domain.Network{}, fmt.Errorf("network %q is not configured", name)
	}
	return n, nil
}

func (a *app) dialer() pool.Dialer {
	return pool.DefaultDialer(logging.Subsystem(a.logger, logging.SubsystemPool))
}

// endpointRegistry returns the health registry of a network, loading
// persisted health on first use.
func (a *app) endpointRegistry(ctx context.Context, name string) (*endpoint.Registry, error) {
	if r, ok := a.registries[name]; ok {
		return r, nil
	}
	n, err := a.network(name)
	if err != nil {
		return nil, err
	}

	ec := a.cfg.Endpoints
	r, err := endpoint.NewRegistry(endpoint.RegistryOptions{
		Endpoints:           n.Endpoints,
		ManagerID:           ec.ManagerID + "/" + name,
		Cooldown:            ec.FailoverCooldown,
		HealthCheckInterval: ec.HealthCheckInterval,
		DisableHealthChecks: !ec.HealthChecks,
		ProbeTimeout:        ec.ConnectTimeout,
		Prober:              pool.NewProber(a.dialer()),
		Store:               a.stores.kv,
		Snapshots:           a.stores.snapshots,
		Metrics:             a.metrics,
		Logger:              logging.Subsystem(a.logger, logging.SubsystemEndpoints).With("network", name),
	})
	if err != nil {
		return nil, err
	}
	if err := r.Load(ctx); err != nil {
		a.logger.Warn("endpoint health not restored", append([]any{"network", name}, logging.ErrorFields(err)...)...)
	}
	a.registries[name] = r
	return r, nil
}

// pool returns the connection pool of a network.
func (a *app) pool(ctx context.Context, name string) (*pool.Pool, error) {
	if p, ok := a.pools[name]; ok {
		return p, nil
	}
	r, err := a.endpointRegistry(ctx, name)
	if err != nil {
		return nil, err
	}
	p, err := pool.New(pool.Options{
		Registry:           r,
		Dialer:             a.dialer(),
		ConnectTimeout:     a.cfg.Endpoints.ConnectTimeout,
		NegotiationTimeout: a.cfg.Endpoints.NegotiationTimeout,
		Metrics:            a.metrics,
		Logger:             logging.Subsystem(a.logger, logging.SubsystemPool).With("network", name),
	})
	if err != nil {
		return nil, err
	}
	r.Start(ctx)
	a.pools[name] = p
	return p, nil
}

func (a *app) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(a.registry))
	a.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger := logging.Subsystem(a.logger, logging.SubsystemMetrics)
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", logging.ErrorFields(err)...)
		}
	}()
}

// Close releases pools, flushes endpoint health and closes the stores.
func (a *app) Close() {
	for name, p := range a.pools {
		if err := p.Close(); err != nil {
			a.logger.Warn("close pool", append([]any{"network", name}, logging.ErrorFields(err)...)...)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for name, r := range a.registries {
		if err := r.RecordSnapshots(ctx); err != nil {
			a.logger.Warn("record endpoint snapshots", append([]any{"network", name}, logging.ErrorFields(err)...)...)
		}
		r.Close()
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}
	a.stores.cleanup()
}

func signerSeed() ([]byte, error) {
	raw := os.Getenv("DOTEXEC_SIGNER_SEED")
	if raw == "" {
		return nil, errors.New("DOTEXEC_SIGNER_SEED is not set")
	}
	return decodeSeed(raw)
}
