// Package leasemanager is the admission gate in front of new sessions,
// statements and streaming refresh jobs. It compares live counts from the
// state store against ceilings and rejects with ConcurrencyLimitExceeded.
// The count and the later write are not atomic, so concurrent admissions
// can overshoot a ceiling by a few; the limits are soft.
package leasemanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"duck-async/internal/domain"
	"duck-async/internal/statestore"
)

// DefaultRetryAfter is the backoff hint attached to a denial.
const DefaultRetryAfter = 5 * time.Second

// Limits are admission ceilings. Zero or negative means unlimited.
type Limits struct {
	SessionsPerDataSource    int `yaml:"sessions_per_datasource"`
	SessionsGlobal           int `yaml:"sessions_global"`
	StatementsPerDataSource  int `yaml:"statements_per_datasource"`
	RefreshJobsPerDataSource int `yaml:"refresh_jobs_per_datasource"`
}

// Config configures a Manager.
type Config struct {
	Defaults Limits
	// PerDataSource overrides Defaults field by field for a tenant; zero
	// fields fall back to the default.
	PerDataSource map[string]Limits
	RetryAfter    time.Duration
}

// Manager checks admission.
type Manager struct {
	sessions   *statestore.SessionStore
	statements *statestore.StatementStore
	indexes    *statestore.IndexStateStore
	cfg        Config
	metrics    domain.MetricsSink
	logger     *slog.Logger
}

// New creates a Manager.
func New(
	cfg Config,
	sessions *statestore.SessionStore,
	statements *statestore.StatementStore,
	indexes *statestore.IndexStateStore,
	metrics domain.MetricsSink,
	logger *slog.Logger,
) *Manager {
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = DefaultRetryAfter
	}
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Manager{
		sessions:   sessions,
		statements: statements,
		indexes:    indexes,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With("component", "leasemanager"),
	}
}

// LimitsFor returns the effective limits of a data source.
func (m *Manager) LimitsFor(dataSourceName string) Limits {
	l := m.cfg.Defaults
	o, ok := m.cfg.PerDataSource[dataSourceName]
	if !ok {
		return l
	}
	if o.SessionsPerDataSource != 0 {
		l.SessionsPerDataSource = o.SessionsPerDataSource
	}
	if o.StatementsPerDataSource != 0 {
		l.StatementsPerDataSource = o.StatementsPerDataSource
	}
	if o.RefreshJobsPerDataSource != 0 {
		l.RefreshJobsPerDataSource = o.RefreshJobsPerDataSource
	}
	return l
}

// AdmitSession checks the per-tenant and cluster-wide session ceilings.
func (m *Manager) AdmitSession(ctx context.Context, dataSourceName string) error {
	limits := m.LimitsFor(dataSourceName)

	var perTenant, global int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := m.sessions.CountActive(gctx, dataSourceName)
		perTenant = n
		return err
	})
	g.Go(func() error {
		n, err := m.sessions.CountActive(gctx, "")
		global = n
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}

	if err := m.check(dataSourceName, "sessions", perTenant, limits.SessionsPerDataSource); err != nil {
		return err
	}
	return m.check("", "sessions", global, m.cfg.Defaults.SessionsGlobal)
}

// AdmitStatement checks the per-tenant statement ceiling.
func (m *Manager) AdmitStatement(ctx context.Context, dataSourceName string) error {
	n, err := m.statements.CountActive(ctx, dataSourceName)
	if err != nil {
		return fmt.Errorf("count active statements: %w", err)
	}
	return m.check(dataSourceName, "statements", n, m.LimitsFor(dataSourceName).StatementsPerDataSource)
}

// AdmitRefreshJob checks the per-tenant ceiling on streaming refresh jobs,
// counted as indexes in REFRESHING.
func (m *Manager) AdmitRefreshJob(ctx context.Context, dataSourceName string) error {
	n, err := m.indexes.CountInStatus(ctx, dataSourceName, domain.IndexStatusRefreshing)
	if err != nil {
		return fmt.Errorf("count refreshing indexes: %w", err)
	}
	return m.check(dataSourceName, "refresh jobs", n, m.LimitsFor(dataSourceName).RefreshJobsPerDataSource)
}

func (m *Manager) check(dataSourceName, what string, active int64, limit int) error {
	if limit <= 0 || active < int64(limit) {
		return nil
	}
	scope := "cluster"
	if dataSourceName != "" {
		scope = "datasource " + dataSourceName
	}
	m.metrics.IncCounter(domain.MetricLeaseDenied)
	m.logger.Info("admission denied", "scope", scope, "kind", what, "active", active, "limit", limit)
	return domain.ErrConcurrencyLimitExceeded(m.cfg.RetryAfter,
		"%s has %d active %s, limit is %d", scope, active, what, limit)
}
