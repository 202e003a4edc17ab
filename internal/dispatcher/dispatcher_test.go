package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-async/internal/classifier"
	"duck-async/internal/db"
	"duck-async/internal/domain"
	"duck-async/internal/indexop"
	"duck-async/internal/leasemanager"
	"duck-async/internal/session"
	"duck-async/internal/statestore"
	"duck-async/internal/testutil"
)

type fixture struct {
	d          *Dispatcher
	compute    *testutil.FakeCompute
	meta       *testutil.MockIndexMetadata
	sessionMgr *session.Manager
	sessions   *statestore.SessionStore
	statements *statestore.StatementStore
	indexes    *statestore.IndexStateStore
	results    *statestore.DMLResultStore
}

func newFixture(t *testing.T, cfg Config, limits leasemanager.Limits) *fixture {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t)
	store := statestore.NewSQLiteStore(writeDB, readDB)
	logger := slog.New(slog.DiscardHandler)
	metrics := testutil.NewRecordingMetrics()

	f := &fixture{
		compute:    testutil.NewFakeCompute(),
		meta:       &testutil.MockIndexMetadata{},
		sessions:   statestore.NewSessionStore(store),
		statements: statestore.NewStatementStore(store),
		indexes:    statestore.NewIndexStateStore(store),
		results:    statestore.NewDMLResultStore(store),
	}
	f.sessionMgr = session.NewManager(session.Config{ApplicationID: "app-1"}, f.sessions, f.statements, f.compute, metrics, logger)
	cfg.ApplicationID = "app-1"
	f.d = New(cfg, Deps{
		Classifier: classifier.Flint{},
		Leases:     leasemanager.New(leasemanager.Config{Defaults: limits}, f.sessions, f.statements, f.indexes, metrics, logger),
		Sessions:   f.sessionMgr,
		Indexes:    indexop.NewDriver(f.indexes, "app-1", metrics, logger),
		DMLResults: f.results,
		Compute:    f.compute,
		IndexMeta:  f.meta,
	}, logger)
	return f
}

func (f *fixture) dispatch(t *testing.T, query string) (*Handle, error) {
	t.Helper()
	return f.d.Dispatch(context.Background(), Request{Query: query, DataSourceName: "glue"})
}

func (f *fixture) indexState(t *testing.T, physicalName string) *domain.IndexState {
	t.Helper()
	st, err := f.indexes.Get(context.Background(), "glue", domain.IndexLatestID(physicalName))
	if domain.IsNotFound(err) {
		return nil
	}
	require.NoError(t, err)
	return st
}

func TestDispatch_PlainQueryStartsSessionAndStatement(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionsEnabled: true}, leasemanager.Limits{})
	ctx := context.Background()

	h, err := f.dispatch(t, "SELECT * FROM default.http_logs")
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeInteractive, h.JobType)
	assert.NotEmpty(t, h.QueryID)

	sessions, err := f.sessions.ListActive(ctx, "glue")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionStateRunning, sessions[0].State)
	assert.Equal(t, h.SessionID, sessions[0].SessionID)

	statements, err := f.statements.ListBySession(ctx, "glue", h.SessionID)
	require.NoError(t, err)
	require.Len(t, statements, 1)
	assert.Equal(t, domain.StatementStateRunning, statements[0].State)
	assert.Equal(t, h.QueryID, statements[0].QueryID)
	assert.Equal(t, 2, f.compute.SubmittedCount())

	f.compute.SetStatus(h.JobID, domain.JobStatusSuccess, "")
	st, err := f.sessionMgr.PollStatement(ctx, "glue", h.StatementID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatementStateSuccess, st.State)

	sess, err := f.sessionMgr.PollSession(ctx, "glue", h.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateRunning, sess.State)
}

func TestDispatch_ReusesRunningSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionsEnabled: true}, leasemanager.Limits{SessionsPerDataSource: 1})

	first, err := f.dispatch(t, "select 1")
	require.NoError(t, err)
	second, err := f.dispatch(t, "select 2")
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.StatementID, second.StatementID)
	assert.Equal(t, 3, f.compute.SubmittedCount())
}

func TestDispatch_RequestedSessionNotReadyStartsNewOne(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionsEnabled: true}, leasemanager.Limits{})
	ctx := context.Background()

	old, err := f.sessionMgr.CreateSession(ctx, "glue")
	require.NoError(t, err)
	_, err = f.sessionMgr.CloseSession(ctx, "glue", old.SessionID)
	require.NoError(t, err)

	h, err := f.d.Dispatch(ctx, Request{Query: "select 1", DataSourceName: "glue", SessionID: old.SessionID})
	require.NoError(t, err)
	assert.NotEqual(t, old.SessionID, h.SessionID)

	closed, err := f.sessions.Get(ctx, "glue", old.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStateDead, closed.State)
}

func TestDispatch_ReplacesSessionWhoseJobEnded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		end  func(f *fixture, sessionJobID string)
	}{
		{name: "job cancelled on the cluster", end: func(f *fixture, id string) {
			f.compute.SetStatus(id, domain.JobStatusCancelled, "")
		}},
		{name: "cluster restarted", end: func(f *fixture, id string) {
			f.compute.Forget(id)
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{SessionsEnabled: true}, leasemanager.Limits{SessionsPerDataSource: 1})
			ctx := context.Background()

			first, err := f.dispatch(t, "select 1")
			require.NoError(t, err)
			old, err := f.sessions.Get(ctx, "glue", first.SessionID)
			require.NoError(t, err)
			tc.end(f, old.JobID)

			for i := 0; i < 3; i++ {
				h, err := f.dispatch(t, "select 2")
				require.NoError(t, err)
				assert.NotEqual(t, first.SessionID, h.SessionID)
			}

			ended, err := f.sessions.Get(ctx, "glue", first.SessionID)
			require.NoError(t, err)
			assert.Equal(t, domain.SessionStateFailed, ended.State)

			orphan, err := f.statements.Get(ctx, "glue", first.StatementID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatementStateFailed, orphan.State)

			active, err := f.sessions.CountActive(ctx, "glue")
			require.NoError(t, err)
			assert.Equal(t, int64(1), active)
		})
	}
}

func TestDispatch_StatementCeilingRejectsWithoutSideEffects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionsEnabled: true}, leasemanager.Limits{StatementsPerDataSource: 1})

	_, err := f.dispatch(t, "select 1")
	require.NoError(t, err)
	submitted := f.compute.SubmittedCount()

	_, err = f.dispatch(t, "select 2")
	var limitErr *domain.ConcurrencyLimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Positive(t, limitErr.RetryAfter)
	assert.Equal(t, submitted, f.compute.SubmittedCount())
}

func TestDispatch_SessionCeiling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionsEnabled: true}, leasemanager.Limits{SessionsGlobal: 1})
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, Request{Query: "select 1", DataSourceName: "other"})
	require.NoError(t, err)

	_, err = f.dispatch(t, "select 1")
	require.True(t, domain.IsConcurrencyLimitExceeded(err), "got %v", err)

	n, err := f.sessions.CountActive(ctx, "glue")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatch_SessionsDisabledRunsBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionsEnabled: false}, leasemanager.Limits{})

	h, err := f.dispatch(t, "select 1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeBatch, h.JobType)
	assert.Empty(t, h.SessionID)

	spec, jobID := f.compute.LastSubmitted()
	assert.Equal(t, jobID, h.JobID)
	assert.Equal(t, domain.JobTypeBatch, spec.JobType)
	assert.Equal(t, h.QueryID, spec.Tags["queryId"])

	all, err := f.sessions.List(context.Background(), "glue")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDispatch_CreateAutoRefreshIndex(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, leasemanager.Limits{})

	h, err := f.dispatch(t, "CREATE SKIPPING INDEX ON default.http_logs (status VALUE_SET) WITH (auto_refresh = true)")
	require.NoError(t, err)
	assert.Equal(t, domain.StatementKindIndexDDL, h.Kind)
	assert.Equal(t, domain.JobTypeStreaming, h.JobType)
	assert.Equal(t, "flint_glue_default_http_logs_skipping_index", h.IndexName)

	st := f.indexState(t, h.IndexName)
	require.NotNil(t, st)
	assert.Equal(t, domain.IndexStatusRefreshing, st.Status)
	assert.Equal(t, h.JobID, st.JobID)

	_, err = f.dispatch(t, "CREATE SKIPPING INDEX ON default.http_logs (status VALUE_SET)")
	assert.True(t, domain.IsIllegalStateTransition(err), "got %v", err)
}

func TestDispatch_RefreshJobCeiling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, leasemanager.Limits{RefreshJobsPerDataSource: 1})

	_, err := f.dispatch(t, "CREATE INDEX a ON default.t (c) WITH (auto_refresh = true)")
	require.NoError(t, err)
	_, err = f.dispatch(t, "CREATE INDEX b ON default.t (c) WITH (auto_refresh = true)")
	require.True(t, domain.IsConcurrencyLimitExceeded(err), "got %v", err)
	assert.Nil(t, f.indexState(t, "flint_glue_default_t_b_index"))

	// Manual refresh indexes are not counted.
	_, err = f.dispatch(t, "CREATE INDEX c ON default.t (c)")
	require.NoError(t, err)
}

func TestDispatch_DropAndVacuum(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, leasemanager.Limits{})
	ctx := context.Background()
	const name = "flint_glue_default_http_logs_skipping_index"

	_, err := f.dispatch(t, "CREATE SKIPPING INDEX ON default.http_logs (status VALUE_SET) WITH (auto_refresh = true)")
	require.NoError(t, err)
	created := f.indexState(t, name)

	// Vacuum is only legal after drop.
	_, err = f.dispatch(t, "VACUUM SKIPPING INDEX ON default.http_logs")
	require.True(t, domain.IsIllegalStateTransition(err), "got %v", err)
	assert.Equal(t, created.Version, f.indexState(t, name).Version)
	assert.Empty(t, f.meta.Deleted)

	h, err := f.dispatch(t, "DROP SKIPPING INDEX ON default.http_logs")
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeIndexDML, h.JobType)
	assert.Equal(t, domain.IndexStatusDeleted, h.IndexState.Status)
	assert.Equal(t, []string{created.JobID}, f.compute.Cancelled)

	res, err := f.results.Get(ctx, "glue", h.QueryID)
	require.NoError(t, err)
	assert.Equal(t, domain.DMLStatusSuccess, res.Status)

	h, err = f.dispatch(t, "VACUUM SKIPPING INDEX ON default.http_logs")
	require.NoError(t, err)
	assert.Nil(t, h.IndexState)
	assert.Equal(t, []string{name}, f.meta.Deleted)
	assert.Nil(t, f.indexState(t, name))

	// The name is free again.
	_, err = f.dispatch(t, "CREATE SKIPPING INDEX ON default.http_logs (status VALUE_SET)")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusActive, f.indexState(t, name).Status)
}

func TestDispatch_VacuumFailureIsRecordedAsResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, leasemanager.Limits{})
	ctx := context.Background()
	f.meta.DeleteIndexFn = func(context.Context, string) error { return errors.New("storage offline") }

	_, err := f.dispatch(t, "CREATE INDEX idx ON default.t (c)")
	require.NoError(t, err)
	_, err = f.dispatch(t, "DROP INDEX idx ON default.t")
	require.NoError(t, err)

	h, err := f.dispatch(t, "VACUUM INDEX idx ON default.t")
	require.NoError(t, err)
	require.NotNil(t, h.DMLResult)
	assert.Equal(t, domain.DMLStatusFailed, h.DMLResult.Status)
	assert.Contains(t, h.DMLResult.Error, "storage offline")

	stored, err := f.results.Get(ctx, "glue", h.QueryID)
	require.NoError(t, err)
	assert.Equal(t, domain.DMLStatusFailed, stored.Status)

	st := f.indexState(t, "flint_glue_default_t_idx_index")
	require.NotNil(t, st)
	assert.Equal(t, domain.IndexStatusDeleted, st.Status)
	assert.Contains(t, st.Error, "storage offline")
}

func TestDispatch_AlterRequiresAutoRefreshOption(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, leasemanager.Limits{})

	_, err := f.dispatch(t, "CREATE INDEX idx ON default.t (c)")
	require.NoError(t, err)

	_, err = f.dispatch(t, "ALTER INDEX idx ON default.t WITH (refresh_interval = '1 minute')")
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	h, err := f.dispatch(t, "ALTER INDEX idx ON default.t WITH (auto_refresh = true)")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexStatusRefreshing, h.IndexState.Status)
	assert.NotEmpty(t, h.IndexState.JobID)
}

func TestDispatch_ManualRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, leasemanager.Limits{})

	_, err := f.dispatch(t, "REFRESH INDEX idx ON default.t")
	require.True(t, domain.IsIllegalStateTransition(err), "got %v", err)

	_, err = f.dispatch(t, "CREATE INDEX idx ON default.t (c)")
	require.NoError(t, err)

	h, err := f.dispatch(t, "REFRESH INDEX idx ON default.t")
	require.NoError(t, err)
	assert.Equal(t, domain.JobTypeBatch, h.JobType)
	spec, _ := f.compute.LastSubmitted()
	assert.Equal(t, "flint_glue_default_t_idx_index", spec.Tags["index"])
}

func TestDispatch_RequiresDataSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{SessionsEnabled: true}, leasemanager.Limits{})

	_, err := f.d.Dispatch(context.Background(), Request{Query: "select 1"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, f.compute.SubmittedCount())
}
