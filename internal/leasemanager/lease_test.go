package leasemanager

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-async/internal/db"
	"duck-async/internal/domain"
	"duck-async/internal/statestore"
	"duck-async/internal/testutil"
)

type fixture struct {
	sessions   *statestore.SessionStore
	statements *statestore.StatementStore
	indexes    *statestore.IndexStateStore
	metrics    *testutil.RecordingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t)
	store := statestore.NewSQLiteStore(writeDB, readDB)
	return &fixture{
		sessions:   statestore.NewSessionStore(store),
		statements: statestore.NewStatementStore(store),
		indexes:    statestore.NewIndexStateStore(store),
		metrics:    testutil.NewRecordingMetrics(),
	}
}

func (f *fixture) manager(cfg Config) *Manager {
	return New(cfg, f.sessions, f.statements, f.indexes, f.metrics, slog.New(slog.DiscardHandler))
}

func (f *fixture) addSessions(t *testing.T, ds string, state domain.SessionState, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.sessions.Create(context.Background(), &domain.Session{
			SessionID: fmt.Sprintf("%s-%s-%d", ds, state, i), State: state, DataSourceName: ds,
		}))
	}
}

func TestAdmitSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		running    int
		dead       int
		otherDS    int
		perDS      int
		global     int
		wantDenied bool
	}{
		{name: "below ceiling", running: 1, perDS: 2, global: 10},
		{name: "at ceiling", running: 2, perDS: 2, global: 10, wantDenied: true},
		{name: "dead sessions do not count", running: 1, dead: 5, perDS: 2, global: 10},
		{name: "global ceiling", running: 1, otherDS: 2, perDS: 5, global: 3, wantDenied: true},
		{name: "unlimited", running: 50, perDS: 0, global: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.addSessions(t, "glue", domain.SessionStateRunning, tc.running)
			f.addSessions(t, "glue", domain.SessionStateDead, tc.dead)
			f.addSessions(t, "other", domain.SessionStateNotStarted, tc.otherDS)

			m := f.manager(Config{Defaults: Limits{SessionsPerDataSource: tc.perDS, SessionsGlobal: tc.global}, RetryAfter: time.Second})
			err := m.AdmitSession(context.Background(), "glue")
			if !tc.wantDenied {
				require.NoError(t, err)
				return
			}
			var limitErr *domain.ConcurrencyLimitExceededError
			require.ErrorAs(t, err, &limitErr)
			assert.Equal(t, time.Second, limitErr.RetryAfter)
			assert.Equal(t, 1, f.metrics.Counter(domain.MetricLeaseDenied))
		})
	}
}

func TestAdmitStatement_DenialDoesNotMutate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.statements.Create(ctx, &domain.Statement{
			StatementID: fmt.Sprintf("st-%d", i), SessionID: "s", State: domain.StatementStateRunning, DataSourceName: "glue",
		}))
	}
	before, err := f.statements.ListBySession(ctx, "glue", "s")
	require.NoError(t, err)

	m := f.manager(Config{Defaults: Limits{StatementsPerDataSource: 3}})
	err = m.AdmitStatement(ctx, "glue")
	require.True(t, domain.IsConcurrencyLimitExceeded(err))

	after, err := f.statements.ListBySession(ctx, "glue", "s")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Another tenant is unaffected.
	require.NoError(t, m.AdmitStatement(ctx, "other"))
}

func TestAdmitRefreshJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.indexes.Create(ctx, &domain.IndexState{LatestID: "a", Status: domain.IndexStatusRefreshing, DataSourceName: "glue"}))
	require.NoError(t, f.indexes.Create(ctx, &domain.IndexState{LatestID: "b", Status: domain.IndexStatusActive, DataSourceName: "glue"}))

	m := f.manager(Config{Defaults: Limits{RefreshJobsPerDataSource: 2}})
	require.NoError(t, m.AdmitRefreshJob(ctx, "glue"))

	require.NoError(t, f.indexes.Create(ctx, &domain.IndexState{LatestID: "c", Status: domain.IndexStatusRefreshing, DataSourceName: "glue"}))
	assert.True(t, domain.IsConcurrencyLimitExceeded(m.AdmitRefreshJob(ctx, "glue")))
}

func TestLimitsFor_Overrides(t *testing.T) {
	t.Parallel()
	m := newFixture(t).manager(Config{
		Defaults: Limits{SessionsPerDataSource: 10, StatementsPerDataSource: 10, RefreshJobsPerDataSource: 5, SessionsGlobal: 100},
		PerDataSource: map[string]Limits{
			"big": {SessionsPerDataSource: 50},
		},
	})
	assert.Equal(t, Limits{SessionsPerDataSource: 50, StatementsPerDataSource: 10, RefreshJobsPerDataSource: 5, SessionsGlobal: 100}, m.LimitsFor("big"))
	assert.Equal(t, 10, m.LimitsFor("small").SessionsPerDataSource)
}
