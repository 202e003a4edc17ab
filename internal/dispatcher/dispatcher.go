// Package dispatcher is the entry point for incoming statements. It
// classifies the text, asks the lease manager for admission, and routes the
// statement to the session state machine, a batch job, or an index
// lifecycle operation. All tenant-scoped routing decisions live here.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"duck-async/internal/domain"
	"duck-async/internal/indexop"
	"duck-async/internal/leasemanager"
	"duck-async/internal/session"
	"duck-async/internal/statestore"
)

// Config holds routing settings.
type Config struct {
	ApplicationID string
	// SessionsEnabled routes plain queries through interactive sessions.
	// When false they run as standalone batch jobs.
	SessionsEnabled bool
}

// Request is one statement to dispatch.
type Request struct {
	Query          string
	DataSourceName string
	Lang           string
	// SessionID asks for a specific session. If it no longer accepts
	// statements a new one is started.
	SessionID string
	// QueryID is assigned when empty.
	QueryID string
}

// Handle identifies dispatched work for later polling.
type Handle struct {
	QueryID        string
	DataSourceName string
	Kind           domain.StatementKind
	JobType        domain.JobType
	SessionID      string
	StatementID    string
	JobID          string
	IndexName      string
	// IndexState is the outcome of an index operation; nil after a purge.
	IndexState *domain.IndexState
	DMLResult  *domain.DMLResult
}

// Dispatcher routes statements.
type Dispatcher struct {
	cfg        Config
	classifier domain.Classifier
	leases     *leasemanager.Manager
	sessions   *session.Manager
	indexes    *indexop.Driver
	results    *statestore.DMLResultStore
	compute    domain.ComputeClusterClient
	indexMeta  domain.IndexMetadataService
	logger     *slog.Logger
	now        func() time.Time
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Classifier domain.Classifier
	Leases     *leasemanager.Manager
	Sessions   *session.Manager
	Indexes    *indexop.Driver
	DMLResults *statestore.DMLResultStore
	Compute    domain.ComputeClusterClient
	IndexMeta  domain.IndexMetadataService
}

// New creates a Dispatcher.
func New(cfg Config, deps Deps, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		classifier: deps.Classifier,
		leases:     deps.Leases,
		sessions:   deps.Sessions,
		indexes:    deps.Indexes,
		results:    deps.DMLResults,
		compute:    deps.Compute,
		indexMeta:  deps.IndexMeta,
		logger:     logger.With("component", "dispatcher"),
		now:        time.Now,
	}
}

// Dispatch classifies req and routes it. Plain queries return once the
// statement is running; index operations complete synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	if strings.TrimSpace(req.DataSourceName) == "" {
		return nil, domain.ErrValidation("datasource is required")
	}
	c, err := d.classifier.Classify(req.Query)
	if err != nil {
		return nil, err
	}
	if req.QueryID == "" {
		req.QueryID = domain.NewAsyncQueryID(req.DataSourceName)
	}
	log := d.logger.With("datasource", req.DataSourceName, "query_id", req.QueryID, "kind", c.Kind.String())
	log.Debug("dispatching statement")

	switch c.Kind {
	case domain.StatementKindIndexDDL:
		return d.dispatchCreate(ctx, req, c)
	case domain.StatementKindIndexCommand:
		return d.dispatchIndexCommand(ctx, req, c)
	default:
		if d.cfg.SessionsEnabled {
			return d.dispatchInteractive(ctx, req)
		}
		return d.dispatchBatch(ctx, req, "")
	}
}

func (d *Dispatcher) dispatchInteractive(ctx context.Context, req Request) (*Handle, error) {
	if err := d.leases.AdmitStatement(ctx, req.DataSourceName); err != nil {
		return nil, err
	}

	sess, err := d.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	submit := session.SubmitRequest{Query: req.Query, Lang: req.Lang, QueryID: req.QueryID}
	st, err := d.sessions.Submit(ctx, sess, submit)
	if domain.IsSessionNotReady(err) {
		// The session ended between lookup and submit, or its job is gone
		// from the cluster; start a fresh one.
		if sess, err = d.startSession(ctx, req.DataSourceName); err != nil {
			return nil, err
		}
		st, err = d.sessions.Submit(ctx, sess, submit)
	}
	if err != nil {
		return nil, err
	}

	return &Handle{
		QueryID:        req.QueryID,
		DataSourceName: req.DataSourceName,
		Kind:           domain.StatementKindPlainQuery,
		JobType:        domain.JobTypeInteractive,
		SessionID:      sess.SessionID,
		StatementID:    st.StatementID,
		JobID:          st.JobID,
	}, nil
}

// resolveSession returns the requested session if a fresh poll shows it
// still accepts statements, else any reusable session of the tenant, else a
// new one.
func (d *Dispatcher) resolveSession(ctx context.Context, req Request) (*domain.Session, error) {
	if req.SessionID != "" {
		sess, err := d.sessions.PollSession(ctx, req.DataSourceName, req.SessionID)
		switch {
		case err == nil && sess.State.AcceptsStatements():
			return sess, nil
		case err != nil && !domain.IsNotFound(err):
			return nil, err
		}
		d.logger.Info("requested session unavailable, starting a new one", "session_id", req.SessionID)
		return d.startSession(ctx, req.DataSourceName)
	}

	sess, ok, err := d.sessions.FindReusableSession(ctx, req.DataSourceName)
	if err != nil {
		return nil, err
	}
	if ok {
		return sess, nil
	}
	return d.startSession(ctx, req.DataSourceName)
}

func (d *Dispatcher) startSession(ctx context.Context, dataSourceName string) (*domain.Session, error) {
	if err := d.leases.AdmitSession(ctx, dataSourceName); err != nil {
		return nil, err
	}
	return d.sessions.CreateSession(ctx, dataSourceName)
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, req Request, indexName string) (*Handle, error) {
	tags := map[string]string{"datasource": req.DataSourceName, "queryId": req.QueryID}
	if indexName != "" {
		tags["index"] = indexName
	}
	jobID, err := d.compute.SubmitJob(ctx, domain.JobSpec{
		Name:          req.DataSourceName + "-batch",
		ApplicationID: d.cfg.ApplicationID,
		JobType:       domain.JobTypeBatch,
		Query:         req.Query,
		Tags:          tags,
	})
	if err != nil {
		return nil, domain.ErrExternalCommunication("submit batch job", err)
	}
	return &Handle{
		QueryID:        req.QueryID,
		DataSourceName: req.DataSourceName,
		Kind:           domain.StatementKindPlainQuery,
		JobType:        domain.JobTypeBatch,
		JobID:          jobID,
		IndexName:      indexName,
	}, nil
}

func (d *Dispatcher) dispatchCreate(ctx context.Context, req Request, c domain.Classification) (*Handle, error) {
	details := c.Index.Qualified(req.DataSourceName)
	if details.AutoRefresh {
		if err := d.leases.AdmitRefreshJob(ctx, req.DataSourceName); err != nil {
			return nil, err
		}
	}
	target := indexop.Target{DataSourceName: req.DataSourceName, Details: details}
	st, err := d.indexes.Run(ctx, target, &indexop.Create{
		Compute:       d.compute,
		ApplicationID: d.cfg.ApplicationID,
		Query:         req.Query,
		Details:       details,
	})
	if err != nil {
		return nil, err
	}

	jobType := domain.JobTypeBatch
	if details.AutoRefresh {
		jobType = domain.JobTypeStreaming
	}
	return &Handle{
		QueryID:        req.QueryID,
		DataSourceName: req.DataSourceName,
		Kind:           domain.StatementKindIndexDDL,
		JobType:        jobType,
		JobID:          st.JobID,
		IndexName:      details.PhysicalName(),
		IndexState:     st,
	}, nil
}

// dispatchIndexCommand runs DROP, ALTER and VACUUM as lifecycle operations
// and records a DMLResult; REFRESH of a manually refreshed index runs as a
// batch job.
func (d *Dispatcher) dispatchIndexCommand(ctx context.Context, req Request, c domain.Classification) (*Handle, error) {
	details := c.Index.Qualified(req.DataSourceName)
	target := indexop.Target{DataSourceName: req.DataSourceName, Details: details}

	var op indexop.Operation
	switch c.Command {
	case domain.IndexCommandRefresh:
		return d.dispatchRefresh(ctx, req, target)
	case domain.IndexCommandDrop:
		op = &indexop.Drop{Compute: d.compute}
	case domain.IndexCommandVacuum:
		op = &indexop.Vacuum{Metadata: d.indexMeta, Details: details}
	case domain.IndexCommandAlter:
		if !details.AutoRefreshSet {
			return nil, domain.ErrValidation("alter of %s must set auto_refresh", details.PhysicalName())
		}
		if details.AutoRefresh {
			if err := d.leases.AdmitRefreshJob(ctx, req.DataSourceName); err != nil {
				return nil, err
			}
		}
		op = &indexop.Alter{Compute: d.compute, ApplicationID: d.cfg.ApplicationID, Query: req.Query, Details: details}
	default:
		return nil, domain.ErrValidation("unsupported index command %q", c.Command)
	}

	started := d.now()
	st, err := d.indexes.Run(ctx, target, op)
	if err != nil && !isSideEffectFailure(err) {
		return nil, err
	}

	result := &domain.DMLResult{
		QueryID:        req.QueryID,
		DataSourceName: req.DataSourceName,
		Status:         domain.DMLStatusSuccess,
		QueryRunTime:   d.now().Sub(started).Milliseconds(),
	}
	if err != nil {
		result.Status = domain.DMLStatusFailed
		result.Error = err.Error()
	}
	if werr := d.results.Create(ctx, result); werr != nil {
		return nil, fmt.Errorf("record %s result: %w", op.Name(), werr)
	}

	return &Handle{
		QueryID:        req.QueryID,
		DataSourceName: req.DataSourceName,
		Kind:           domain.StatementKindIndexCommand,
		JobType:        domain.JobTypeIndexDML,
		IndexName:      details.PhysicalName(),
		IndexState:     st,
		DMLResult:      result,
	}, nil
}

func (d *Dispatcher) dispatchRefresh(ctx context.Context, req Request, target indexop.Target) (*Handle, error) {
	cur, err := d.indexes.Current(ctx, target)
	if err != nil {
		return nil, err
	}
	if cur.Status != domain.IndexStatusActive {
		return nil, domain.ErrIllegalStateTransition("cannot refresh index %s in state %s", target.Details.PhysicalName(), cur.Status)
	}
	return d.dispatchBatch(ctx, req, target.Details.PhysicalName())
}

// isSideEffectFailure reports whether an index operation got as far as its
// external side effect. Rejections before that point are returned to the
// caller as errors instead of being recorded as results.
func isSideEffectFailure(err error) bool {
	return !domain.IsOperationConflict(err) &&
		!domain.IsIllegalStateTransition(err) &&
		!domain.IsNotFound(err)
}
