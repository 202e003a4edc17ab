// Package app wires the async query coordinator from configuration: state
// store, compute client, result sink, lifecycle services and HTTP handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	_ "github.com/duckdb/duckdb-go/v2" // register duckdb driver
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"duck-async/internal/agent"
	"duck-async/internal/api"
	"duck-async/internal/asyncquery"
	"duck-async/internal/classifier"
	"duck-async/internal/compute"
	"duck-async/internal/config"
	"duck-async/internal/db"
	"duck-async/internal/dispatcher"
	"duck-async/internal/domain"
	"duck-async/internal/indexmeta"
	"duck-async/internal/indexop"
	"duck-async/internal/leasemanager"
	"duck-async/internal/metrics"
	"duck-async/internal/middleware"
	"duck-async/internal/resultsink"
	"duck-async/internal/session"
	"duck-async/internal/statestore"
)

// Deps holds the external dependencies that main() must provide.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger
	// Registry receives the coordinator metrics. A fresh registry is used
	// when nil.
	Registry *prometheus.Registry
}

// App is the fully wired coordinator.
type App struct {
	Executor *asyncquery.Executor
	Sessions *session.Manager
	Handler  *api.Handler
	Metrics  *metrics.PrometheusSink
	Reporter *metrics.Reporter

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

// New wires every component from deps. Call Close to release what it opened.
func New(ctx context.Context, deps Deps) (a *App, err error) {
	cfg := deps.Cfg
	logger := deps.Logger
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	store, err := a.openStateStore()
	if err != nil {
		return nil, err
	}

	indexDB, err := sql.Open("duckdb", cfg.IndexDuckDBPath)
	if err != nil {
		return nil, fmt.Errorf("open index duckdb: %w", err)
	}
	a.closers = append(a.closers, indexDB.Close)
	indexStore := indexmeta.NewDuckDBIndexStore(indexDB, cfg.IndexSchema, logger)
	if err := indexStore.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	var s3Sink *resultsink.S3Sink
	if cfg.ResultSink == config.ResultSinkS3 {
		if !cfg.HasS3Config() {
			return nil, fmt.Errorf("result sink: s3 credentials are not configured")
		}
		s3Sink, err = resultsink.NewS3Sink(resultsink.Config{
			Bucket:   cfg.ResultBucket,
			Prefix:   cfg.ResultPrefix,
			Endpoint: *cfg.S3Endpoint,
			Region:   *cfg.S3Region,
			KeyID:    *cfg.S3KeyID,
			Secret:   *cfg.S3Secret,
		})
		if err != nil {
			return nil, fmt.Errorf("result sink: %w", err)
		}
	}

	client, err := a.computeClient(indexDB, s3Sink)
	if err != nil {
		return nil, err
	}

	var sink domain.ResultSink = compute.NewResultReader(client, 0, cfg.MaxResultRows)
	if s3Sink != nil {
		sink = s3Sink
	}

	a.Metrics = metrics.NewPrometheusSink(reg)

	sessionStore := statestore.NewSessionStore(store)
	statementStore := statestore.NewStatementStore(store)
	indexStates := statestore.NewIndexStateStore(store)
	dmlResults := statestore.NewDMLResultStore(store)
	jobs := statestore.NewJobMetadataStore(store)

	a.Sessions = session.NewManager(session.Config{
		ApplicationID:     cfg.ApplicationID,
		InactivityTimeout: cfg.SessionInactivityTimeout,
	}, sessionStore, statementStore, client, a.Metrics, logger)

	leases := leasemanager.New(leasemanager.Config{
		Defaults:      cfg.Limits,
		PerDataSource: cfg.TenantLimits,
	}, sessionStore, statementStore, indexStates, a.Metrics, logger)

	disp := dispatcher.New(dispatcher.Config{
		ApplicationID:   cfg.ApplicationID,
		SessionsEnabled: cfg.SessionEnabled,
	}, dispatcher.Deps{
		Classifier: classifier.Flint{},
		Leases:     leases,
		Sessions:   a.Sessions,
		Indexes:    indexop.NewDriver(indexStates, cfg.ApplicationID, a.Metrics, logger),
		DMLResults: dmlResults,
		Compute:    client,
		IndexMeta:  indexStore,
	}, logger)

	a.Executor = asyncquery.NewExecutor(asyncquery.Config{
		ApplicationID: cfg.ApplicationID,
		ResultIndex:   cfg.ResultIndex,
	}, asyncquery.Deps{
		Dispatcher: disp,
		Sessions:   a.Sessions,
		Jobs:       jobs,
		DMLResults: dmlResults,
		Compute:    client,
		Sink:       sink,
		Metrics:    a.Metrics,
	}, logger)

	a.Handler = api.NewHandler(a.Executor, a.Sessions, logger)
	a.Reporter = metrics.NewReporter(sessionStore, statementStore, a.Metrics, logger)

	logger.Info("coordinator wired",
		"state_store", cfg.StateStore,
		"result_sink", cfg.ResultSink,
		"sessions_enabled", cfg.SessionEnabled,
	)
	return a, nil
}

// Start begins periodic gauge reporting. It stops when ctx is done or on
// Close.
func (a *App) Start(ctx context.Context) error {
	if err := a.Reporter.Start(ctx, a.cfg.MetricsInterval); err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		a.Reporter.Stop()
		return nil
	})
	return nil
}

// Router returns the HTTP router for the app.
func (a *App) Router(ctx context.Context) http.Handler {
	return api.NewRouter(ctx, a.Handler, api.RouterConfig{
		CORSAllowedOrigins: a.cfg.CORSAllowedOrigins,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			Burst:             a.cfg.RateLimitBurst,
		},
		Metrics: a.Metrics.Handler(),
		Logger:  a.logger,
	})
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) openStateStore() (domain.VersionedStore, error) {
	switch a.cfg.StateStore {
	case config.StateStorePebble:
		store, err := statestore.OpenPebbleStore(a.cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		writeDB, readDB, err := db.OpenSQLitePair(a.cfg.StateDBPath, 4)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
		a.closers = append(a.closers, writeDB.Close, readDB.Close)
		if err := db.RunMigrations(writeDB); err != nil {
			return nil, fmt.Errorf("migrate state store: %w", err)
		}
		return statestore.NewSQLiteStore(writeDB, readDB), nil
	}
}

// computeClient connects to the configured job service, or starts an
// in-process agent on a loopback port when none is configured. The local
// agent runs on indexDB so index jobs and vacuum see the same tables.
func (a *App) computeClient(indexDB *sql.DB, exporter *resultsink.S3Sink) (*compute.Client, error) {
	endpoint, token := a.cfg.ComputeEndpoint, a.cfg.ComputeToken
	if endpoint == "" {
		if token == "" {
			token = uuid.NewString()
		}
		var err error
		endpoint, err = a.startLocalAgent(indexDB, token, exporter)
		if err != nil {
			return nil, err
		}
	}
	client, err := compute.NewClient(endpoint, token)
	if err != nil {
		return nil, fmt.Errorf("compute client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *App) startLocalAgent(duckDB *sql.DB, token string, exporter *resultsink.S3Sink) (string, error) {
	cfg := agent.Config{DB: duckDB, AgentToken: token, Logger: a.logger}
	if exporter != nil {
		cfg.Exporter = exporter
	}
	server := grpc.NewServer()
	agent.Register(server, agent.NewJobServer(cfg))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen for local agent: %w", err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("local agent stopped", "error", err)
		}
	}()
	a.closers = append(a.closers, func() error {
		server.GracefulStop()
		return nil
	})
	a.logger.Info("local compute agent started", "addr", ln.Addr().String())
	return "grpc://" + ln.Addr().String(), nil
}
