// Package asyncquery is the user-facing async query service: it submits
// statements through the dispatcher, remembers each query's job metadata
// and serves status, results and cancellation by query id.
package asyncquery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"duck-async/internal/dispatcher"
	"duck-async/internal/domain"
	"duck-async/internal/session"
	"duck-async/internal/statestore"
)

// Config holds executor settings.
type Config struct {
	ApplicationID string
	// ResultIndex names where the cluster writes results. It is recorded on
	// job metadata for operators.
	ResultIndex string
}

// CreateRequest is a new async query.
type CreateRequest struct {
	Query          string `json:"query"`
	DataSourceName string `json:"datasource"`
	Lang           string `json:"lang"`
	SessionID      string `json:"sessionId,omitempty"`
}

// CreateResponse identifies a submitted query.
type CreateResponse struct {
	QueryID   string `json:"queryId"`
	SessionID string `json:"sessionId,omitempty"`
}

// Results is the status of a query and, once it succeeded, its rows.
type Results struct {
	Status domain.QueryStatus `json:"status"`
	Error  string             `json:"error,omitempty"`
	Schema []string           `json:"schema,omitempty"`
	Rows   [][]interface{}    `json:"datarows,omitempty"`
}

// Executor serves async queries.
type Executor struct {
	cfg        Config
	dispatcher *dispatcher.Dispatcher
	sessions   *session.Manager
	jobs       *statestore.JobMetadataStore
	dmlResults *statestore.DMLResultStore
	compute    domain.ComputeClusterClient
	sink       domain.ResultSink
	metrics    domain.MetricsSink
	logger     *slog.Logger
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Sessions   *session.Manager
	Jobs       *statestore.JobMetadataStore
	DMLResults *statestore.DMLResultStore
	Compute    domain.ComputeClusterClient
	Sink       domain.ResultSink
	Metrics    domain.MetricsSink
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config, deps Deps, logger *slog.Logger) *Executor {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Executor{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		sessions:   deps.Sessions,
		jobs:       deps.Jobs,
		dmlResults: deps.DMLResults,
		compute:    deps.Compute,
		sink:       deps.Sink,
		metrics:    metrics,
		logger:     logger.With("component", "asyncquery"),
	}
}

// CreateAsyncQuery dispatches req and records its job metadata.
func (e *Executor) CreateAsyncQuery(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	e.metrics.IncCounter(domain.MetricCreateAPIRequests)
	if strings.TrimSpace(req.Query) == "" {
		return nil, domain.ErrValidation("query is required")
	}

	h, err := e.dispatcher.Dispatch(ctx, dispatcher.Request{
		Query:          req.Query,
		DataSourceName: req.DataSourceName,
		Lang:           req.Lang,
		SessionID:      req.SessionID,
	})
	if err != nil {
		return nil, err
	}

	meta := &domain.AsyncQueryJobMetadata{
		QueryID:        h.QueryID,
		ApplicationID:  e.cfg.ApplicationID,
		JobID:          h.JobID,
		ResultIndex:    e.cfg.ResultIndex,
		SessionID:      h.SessionID,
		StatementID:    h.StatementID,
		DataSourceName: h.DataSourceName,
		JobType:        h.JobType,
		IndexName:      h.IndexName,
	}
	if err := e.jobs.Create(ctx, meta); err != nil {
		return nil, fmt.Errorf("record job metadata: %w", err)
	}
	e.logger.Info("async query created", "query_id", h.QueryID, "datasource", h.DataSourceName, "job_type", h.JobType)
	return &CreateResponse{QueryID: h.QueryID, SessionID: h.SessionID}, nil
}

// GetAsyncQueryResults runs one poll cycle for the query and returns its
// status. Rows are read from the result sink once the query succeeded.
func (e *Executor) GetAsyncQueryResults(ctx context.Context, queryID string) (*Results, error) {
	meta, err := e.jobs.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}

	var res *Results
	switch meta.JobType {
	case domain.JobTypeInteractive:
		res, err = e.interactiveStatus(ctx, meta)
	case domain.JobTypeIndexDML:
		res, err = e.dmlStatus(ctx, meta)
	default:
		res, err = e.jobStatus(ctx, meta)
	}
	if err != nil || res.Status != domain.QueryStatusSuccess || meta.JobType == domain.JobTypeIndexDML {
		return res, err
	}

	rows, err := e.sink.GetResult(ctx, meta.JobID)
	if err != nil {
		return nil, fmt.Errorf("read results of %s: %w", queryID, err)
	}
	if rows != nil {
		res.Schema = rows.Columns
		res.Rows = rows.Rows
	}
	return res, nil
}

func (e *Executor) interactiveStatus(ctx context.Context, meta *domain.AsyncQueryJobMetadata) (*Results, error) {
	// The session goes first: a session that ends here resolves its
	// statements, and the statement read below then sees that. Session
	// errors do not affect the statement.
	if _, err := e.sessions.PollSession(ctx, meta.DataSourceName, meta.SessionID); err != nil {
		e.logger.Warn("poll session", "session_id", meta.SessionID, "error", err)
	}
	st, err := e.sessions.PollStatement(ctx, meta.DataSourceName, meta.StatementID)
	if err != nil {
		return nil, err
	}
	return &Results{Status: statementQueryStatus(st.State), Error: st.Error}, nil
}

func (e *Executor) dmlStatus(ctx context.Context, meta *domain.AsyncQueryJobMetadata) (*Results, error) {
	r, err := e.dmlResults.Get(ctx, meta.DataSourceName, meta.QueryID)
	if err != nil {
		return nil, err
	}
	status := domain.QueryStatusSuccess
	if r.Status != domain.DMLStatusSuccess {
		status = domain.QueryStatusFailed
	}
	return &Results{Status: status, Error: r.Error}, nil
}

func (e *Executor) jobStatus(ctx context.Context, meta *domain.AsyncQueryJobMetadata) (*Results, error) {
	run, err := e.compute.GetJobStatus(ctx, meta.JobID)
	if err != nil {
		return nil, domain.ErrExternalCommunication("get job status", err)
	}
	return &Results{Status: jobQueryStatus(run.Status), Error: run.Error}, nil
}

// CancelQuery stops a query. Interactive statements are recorded CANCELLED
// before the cluster is asked to stop them; batch and streaming jobs are
// cancelled on the cluster directly.
func (e *Executor) CancelQuery(ctx context.Context, queryID string) error {
	meta, err := e.jobs.Get(ctx, queryID)
	if err != nil {
		return err
	}
	switch meta.JobType {
	case domain.JobTypeInteractive:
		_, err = e.sessions.CancelStatement(ctx, meta.DataSourceName, meta.StatementID)
		return err
	case domain.JobTypeIndexDML:
		return domain.ErrValidation("index maintenance query %s cannot be cancelled", queryID)
	default:
		if err := e.compute.CancelJob(ctx, meta.JobID); err != nil {
			e.metrics.IncCounter(domain.MetricCancelJobFailures)
			return domain.ErrExternalCommunication("cancel job", err)
		}
		e.logger.Info("async query cancelled", "query_id", queryID, "job_id", meta.JobID)
		return nil
	}
}

func statementQueryStatus(s domain.StatementState) domain.QueryStatus {
	switch s {
	case domain.StatementStateWaiting:
		return domain.QueryStatusWaiting
	case domain.StatementStateSuccess:
		return domain.QueryStatusSuccess
	case domain.StatementStateFailed:
		return domain.QueryStatusFailed
	case domain.StatementStateCancelled:
		return domain.QueryStatusCancelled
	default:
		return domain.QueryStatusRunning
	}
}

func jobQueryStatus(s domain.JobStatus) domain.QueryStatus {
	switch s {
	case domain.JobStatusPending:
		return domain.QueryStatusWaiting
	case domain.JobStatusSuccess:
		return domain.QueryStatusSuccess
	case domain.JobStatusFailed:
		return domain.QueryStatusFailed
	case domain.JobStatusCancelled:
		return domain.QueryStatusCancelled
	default:
		return domain.QueryStatusRunning
	}
}
