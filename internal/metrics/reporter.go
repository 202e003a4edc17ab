package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"duck-async/internal/domain"
	"duck-async/internal/statestore"
)

// DefaultSchedule is the reporting interval used when none is configured.
const DefaultSchedule = "@every 30s"

// Reporter periodically publishes cluster-wide session and statement
// gauges.
type Reporter struct {
	sessions   *statestore.SessionStore
	statements *statestore.StatementStore
	sink       domain.MetricsSink
	cron       *cron.Cron
	logger     *slog.Logger
}

// NewReporter creates a Reporter. Call Start to schedule it.
func NewReporter(sessions *statestore.SessionStore, statements *statestore.StatementStore, sink domain.MetricsSink, logger *slog.Logger) *Reporter {
	return &Reporter{
		sessions:   sessions,
		statements: statements,
		sink:       sink,
		cron:       cron.New(),
		logger:     logger.With("component", "metrics-reporter"),
	}
}

// Start reports once and then on every tick of schedule, a cron spec such
// as "@every 30s".
func (r *Reporter) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := r.cron.AddFunc(schedule, func() {
		r.report(ctx)
	}); err != nil {
		return fmt.Errorf("metrics schedule %q: %w", schedule, err)
	}
	r.report(ctx)
	r.cron.Start()
	r.logger.Info("metrics reporter started", "schedule", schedule)
	return nil
}

// Stop stops the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("metrics reporter stopped")
}

func (r *Reporter) report(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.Report(ctx); err != nil {
		r.logger.Warn("metrics report failed", "error", err)
	}
}

// Report counts active sessions and statements across all data sources and
// publishes both gauges.
func (r *Reporter) Report(ctx context.Context) error {
	var sessions, statements int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.sessions.CountActive(gctx, "")
		sessions = n
		return err
	})
	g.Go(func() error {
		n, err := r.statements.CountActive(gctx, "")
		statements = n
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("count active work: %w", err)
	}
	r.sink.SetGauge(domain.MetricActiveSessions, float64(sessions))
	r.sink.SetGauge(domain.MetricActiveStatements, float64(statements))
	return nil
}
