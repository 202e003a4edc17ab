// Package main is the entry point for the compute agent binary.
// The agent opens an in-memory DuckDB, optionally attaches a DuckLake catalog
// via PostgreSQL, and serves the job service over gRPC with GET /health on a
// separate HTTP port.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"google.golang.org/grpc"

	"duck-async/internal/agent"
	"duck-async/internal/resultsink"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadAgentConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := openDuckDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	agentCfg := agent.Config{
		DB:         db,
		AgentToken: cfg.AgentToken,
		StartTime:  time.Now(),
		ResultTTL:  cfg.QueryResultTTL,
		Logger:     logger,
	}
	if cfg.ResultBucket != "" {
		sink, err := resultsink.NewS3Sink(resultsink.Config{
			Bucket:   cfg.ResultBucket,
			Prefix:   cfg.ResultPrefix,
			Endpoint: cfg.S3Endpoint,
			Region:   cfg.S3Region,
			KeyID:    cfg.S3KeyID,
			Secret:   cfg.S3Secret,
		})
		if err != nil {
			return fmt.Errorf("result exporter: %w", err)
		}
		agentCfg.Exporter = sink
		logger.Info("exporting results to S3", "bucket", cfg.ResultBucket, "prefix", cfg.ResultPrefix)
	}
	jobs := agent.NewJobServer(agentCfg)

	grpcServer := grpc.NewServer()
	agent.Register(grpcServer, jobs)
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	healthSrv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           agent.NewHealthHandler(jobs),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("compute agent listening", "addr", cfg.ListenAddr)
		errCh <- grpcServer.Serve(ln)
	}()
	go func() {
		logger.Info("health endpoint listening", "addr", cfg.HealthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	logger.Info("shutting down agent")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// openDuckDB opens the in-memory database jobs run on and applies the
// memory limit, S3 secret and DuckLake attachment when configured.
func openDuckDB(ctx context.Context, cfg *AgentConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	fail := func(err error) (*sql.DB, error) {
		_ = db.Close()
		return nil, err
	}

	if cfg.MaxMemoryGB > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET max_memory='%dGB'", cfg.MaxMemoryGB)); err != nil {
			return fail(fmt.Errorf("set max_memory: %w", err))
		}
		logger.Info("memory limit set", "max_memory_gb", cfg.MaxMemoryGB)
	}

	var extensions []string
	if cfg.S3KeyID != "" || cfg.CatalogDSN != "" {
		extensions = append(extensions, "INSTALL httpfs; LOAD httpfs;")
	}
	if cfg.CatalogDSN != "" {
		extensions = append(extensions, "INSTALL ducklake; LOAD ducklake;", "INSTALL postgres; LOAD postgres;")
	}
	for _, ext := range extensions {
		if _, err := db.ExecContext(ctx, ext); err != nil {
			return fail(fmt.Errorf("extension setup (%s): %w", ext, err))
		}
	}

	if cfg.S3KeyID != "" {
		secretSQL := fmt.Sprintf(`CREATE SECRET agent_s3 (
			TYPE S3, KEY_ID '%s', SECRET '%s', ENDPOINT '%s', REGION '%s', URL_STYLE 'path'
		)`, cfg.S3KeyID, cfg.S3Secret, cfg.S3Endpoint, cfg.S3Region)
		if _, err := db.ExecContext(ctx, secretSQL); err != nil {
			return fail(fmt.Errorf("create S3 secret: %w", err))
		}
		logger.Info("S3 secret created")
	}

	if cfg.CatalogDSN != "" {
		dataPath := fmt.Sprintf("s3://%s/lake_data/", cfg.S3Bucket)
		attachSQL := fmt.Sprintf("ATTACH 'ducklake:postgres:%s' AS lake (DATA_PATH '%s')", cfg.CatalogDSN, dataPath)
		if _, err := db.ExecContext(ctx, attachSQL); err != nil {
			return fail(fmt.Errorf("attach ducklake: %w", err))
		}
		if _, err := db.ExecContext(ctx, "USE lake"); err != nil {
			return fail(fmt.Errorf("use lake: %w", err))
		}
		logger.Info("DuckLake attached via PostgreSQL", "catalog_dsn", "[redacted]", "data_path", dataPath)
	}
	return db, nil
}
