package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-async/internal/asyncquery"
	"duck-async/internal/domain"
	"duck-async/internal/middleware"
)

// === Mocks ===

type mockQueries struct {
	createFn func(ctx context.Context, req asyncquery.CreateRequest) (*asyncquery.CreateResponse, error)
	getFn    func(ctx context.Context, queryID string) (*asyncquery.Results, error)
	cancelFn func(ctx context.Context, queryID string) error
}

func (m *mockQueries) CreateAsyncQuery(ctx context.Context, req asyncquery.CreateRequest) (*asyncquery.CreateResponse, error) {
	if m.createFn == nil {
		panic("unexpected call to mockQueries.CreateAsyncQuery")
	}
	return m.createFn(ctx, req)
}

func (m *mockQueries) GetAsyncQueryResults(ctx context.Context, queryID string) (*asyncquery.Results, error) {
	if m.getFn == nil {
		panic("unexpected call to mockQueries.GetAsyncQueryResults")
	}
	return m.getFn(ctx, queryID)
}

func (m *mockQueries) CancelQuery(ctx context.Context, queryID string) error {
	if m.cancelFn == nil {
		panic("unexpected call to mockQueries.CancelQuery")
	}
	return m.cancelFn(ctx, queryID)
}

type mockSessions struct {
	listFn  func(ctx context.Context, ds string) ([]*domain.Session, error)
	pollFn  func(ctx context.Context, ds, id string) (*domain.Session, error)
	closeFn func(ctx context.Context, ds, id string) (*domain.Session, error)
}

func (m *mockSessions) ListActiveSessions(ctx context.Context, ds string) ([]*domain.Session, error) {
	if m.listFn == nil {
		panic("unexpected call to mockSessions.ListActiveSessions")
	}
	return m.listFn(ctx, ds)
}

func (m *mockSessions) PollSession(ctx context.Context, ds, id string) (*domain.Session, error) {
	if m.pollFn == nil {
		panic("unexpected call to mockSessions.PollSession")
	}
	return m.pollFn(ctx, ds, id)
}

func (m *mockSessions) CloseSession(ctx context.Context, ds, id string) (*domain.Session, error) {
	if m.closeFn == nil {
		panic("unexpected call to mockSessions.CloseSession")
	}
	return m.closeFn(ctx, ds, id)
}

// === Helpers ===

func newServer(t *testing.T, q *mockQueries, s *mockSessions, cfg RouterConfig) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	if cfg.CORSAllowedOrigins == nil {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(NewRouter(ctx, NewHandler(q, s, logger), cfg))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// === Tests ===

func TestCreateAsyncQuery(t *testing.T) {
	t.Parallel()
	var got asyncquery.CreateRequest
	q := &mockQueries{createFn: func(_ context.Context, req asyncquery.CreateRequest) (*asyncquery.CreateResponse, error) {
		got = req
		return &asyncquery.CreateResponse{QueryID: "cXVlcnk=", SessionID: "sess-1"}, nil
	}}
	srv := newServer(t, q, &mockSessions{}, RouterConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/async_query", `{"query":"SELECT 1","datasource":"glue"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cXVlcnk=", body["queryId"])
	assert.Equal(t, "sess-1", body["sessionId"])
	assert.Equal(t, "sql", got.Lang)
	assert.Equal(t, "glue", got.DataSourceName)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCreateAsyncQuery_BadRequests(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &mockQueries{}, &mockSessions{}, RouterConfig{})

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{query`},
		{name: "no datasource", body: `{"query":"SELECT 1"}`},
		{name: "oversized", body: `{"query":"` + strings.Repeat("x", maxBodyBytes) + `","datasource":"glue"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/async_query", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			errBody := body["error"].(map[string]interface{})
			assert.Equal(t, "Validation", errBody["type"])
		})
	}
}

func TestCreateAsyncQuery_ConcurrencyLimit(t *testing.T) {
	t.Parallel()
	q := &mockQueries{createFn: func(context.Context, asyncquery.CreateRequest) (*asyncquery.CreateResponse, error) {
		return nil, domain.ErrConcurrencyLimitExceeded(2500*time.Millisecond, "datasource glue has 10 active sessions, limit is 10")
	}}
	srv := newServer(t, q, &mockSessions{}, RouterConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/async_query", `{"query":"SELECT 1","datasource":"glue"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("Retry-After"))
	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "ConcurrencyLimitExceeded", errBody["type"])
	assert.Contains(t, errBody["details"], "limit is 10")
}

func TestGetAsyncQueryResults(t *testing.T) {
	t.Parallel()
	q := &mockQueries{getFn: func(_ context.Context, id string) (*asyncquery.Results, error) {
		if id != "q1" {
			return nil, domain.ErrNotFound("query %s not found", id)
		}
		return &asyncquery.Results{
			Status: domain.QueryStatusSuccess,
			Schema: []string{"n"},
			Rows:   [][]interface{}{{1}},
		}, nil
	}}
	srv := newServer(t, q, &mockSessions{}, RouterConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/async_query/q1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "SUCCESS", body["status"])
	assert.Equal(t, []interface{}{"n"}, body["schema"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/async_query/q2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelAsyncQuery(t *testing.T) {
	t.Parallel()
	q := &mockQueries{cancelFn: func(_ context.Context, id string) error {
		if id == "done" {
			return domain.ErrIllegalStateTransition("statement is already success")
		}
		return nil
	}}
	srv := newServer(t, q, &mockSessions{}, RouterConfig{})

	resp, body := do(t, http.MethodDelete, srv.URL+"/async_query/q1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "q1", body["queryId"])

	resp, _ = do(t, http.MethodDelete, srv.URL+"/async_query/done", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()
	sess := &domain.Session{SessionID: "s1", SessionType: domain.SessionTypeInteractive, DataSourceName: "glue", State: domain.SessionStateRunning, JobID: "job-1"}
	s := &mockSessions{
		listFn: func(_ context.Context, ds string) ([]*domain.Session, error) {
			if ds != "glue" {
				return nil, domain.ErrNotFound("datasource %s", ds)
			}
			return []*domain.Session{sess}, nil
		},
		pollFn: func(context.Context, string, string) (*domain.Session, error) { return sess, nil },
		closeFn: func(context.Context, string, string) (*domain.Session, error) {
			closed := *sess
			closed.State = domain.SessionStateDead
			return &closed, nil
		},
	}
	srv := newServer(t, &mockQueries{}, s, RouterConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/async_query/sessions/glue", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["sessions"], 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/async_query/sessions/glue/s1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["state"])

	resp, body = do(t, http.MethodDelete, srv.URL+"/async_query/sessions/glue/s1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dead", body["state"])
}

func TestRateLimitAndPublicEndpoints(t *testing.T) {
	t.Parallel()
	q := &mockQueries{getFn: func(context.Context, string) (*asyncquery.Results, error) {
		return &asyncquery.Results{Status: domain.QueryStatusRunning}, nil
	}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"metrics": "ok"})
	})
	srv := newServer(t, q, &mockSessions{}, RouterConfig{
		RateLimit: middleware.RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
		Metrics:   metrics,
	})

	resp, _ := do(t, http.MethodGet, srv.URL+"/async_query/q1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/async_query/q1", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	for _, path := range []string{"/health", "/metrics", "/health"} {
		resp, _ = do(t, http.MethodGet, srv.URL+path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestHTTPStatusFromDomainError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound("x"), http.StatusNotFound},
		{domain.ErrValidation("x"), http.StatusBadRequest},
		{domain.ErrAlreadyExists("x"), http.StatusConflict},
		{domain.ErrVersionConflict("x"), http.StatusConflict},
		{domain.ErrIllegalStateTransition("x"), http.StatusConflict},
		{domain.ErrOperationConflict("x"), http.StatusTooManyRequests},
		{domain.ErrSessionNotReady("x"), http.StatusTooManyRequests},
		{domain.ErrConcurrencyLimitExceeded(time.Second, "x"), http.StatusTooManyRequests},
		{domain.ErrExternalCommunication("submit", errors.New("eof")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatusFromDomainError(tt.err), "%T", tt.err)
	}
	assert.Equal(t, 1, retryAfterSeconds(domain.ErrOperationConflict("x")))
	assert.Equal(t, 0, retryAfterSeconds(domain.ErrNotFound("x")))
}
