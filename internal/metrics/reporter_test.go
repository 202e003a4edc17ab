package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-async/internal/db"
	"duck-async/internal/domain"
	"duck-async/internal/statestore"
	"duck-async/internal/testutil"
)

func newReporter(t *testing.T) (*Reporter, *statestore.SessionStore, *statestore.StatementStore, *testutil.RecordingMetrics) {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t)
	store := statestore.NewSQLiteStore(writeDB, readDB)
	sessions := statestore.NewSessionStore(store)
	statements := statestore.NewStatementStore(store)
	rec := testutil.NewRecordingMetrics()
	return NewReporter(sessions, statements, rec, slog.New(slog.DiscardHandler)), sessions, statements, rec
}

func TestReporter_Report(t *testing.T) {
	t.Parallel()
	r, sessions, statements, rec := newReporter(t)
	ctx := context.Background()

	for i, ds := range []string{"glue", "glue", "s3"} {
		require.NoError(t, sessions.Create(ctx, &domain.Session{
			SessionID: fmt.Sprintf("s-%d", i), DataSourceName: ds, State: domain.SessionStateRunning,
		}))
	}
	require.NoError(t, sessions.Create(ctx, &domain.Session{SessionID: "s-dead", DataSourceName: "glue", State: domain.SessionStateDead}))

	states := []domain.StatementState{domain.StatementStateWaiting, domain.StatementStateRunning, domain.StatementStateSuccess}
	for i, st := range states {
		require.NoError(t, statements.Create(ctx, &domain.Statement{
			StatementID: fmt.Sprintf("st-%d", i), SessionID: "s-0", DataSourceName: "glue", State: st,
		}))
	}

	require.NoError(t, r.Report(ctx))
	assert.Equal(t, 3.0, rec.Gauge(domain.MetricActiveSessions))
	assert.Equal(t, 2.0, rec.Gauge(domain.MetricActiveStatements))
}

func TestReporter_StartReportsImmediately(t *testing.T) {
	t.Parallel()
	r, sessions, _, rec := newReporter(t)
	ctx := context.Background()
	require.NoError(t, sessions.Create(ctx, &domain.Session{SessionID: "s", DataSourceName: "glue", State: domain.SessionStateNotStarted}))

	require.NoError(t, r.Start(ctx, "@every 1h"))
	t.Cleanup(r.Stop)
	assert.Equal(t, 1.0, rec.Gauge(domain.MetricActiveSessions))
}

func TestReporter_InvalidSchedule(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newReporter(t)
	err := r.Start(context.Background(), "every now and then")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics schedule")
}
