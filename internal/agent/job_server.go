// Package agent is the compute agent: a gRPC job service that runs jobs on
// an embedded DuckDB. Session jobs stay RUNNING until cancelled and host
// statement jobs; batch and statement jobs run their query once and keep
// the rows in memory for paging.
package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"duck-async/internal/compute"
	"duck-async/internal/domain"
)

// DefaultResultTTL is how long finished jobs are kept.
const DefaultResultTTL = 10 * time.Minute

// Config holds the parameters of a JobServer.
type Config struct {
	DB         *sql.DB
	AgentToken string
	StartTime  time.Time
	ResultTTL  time.Duration
	// MaxClockSkew bounds the age of signed calls.
	MaxClockSkew time.Duration
	// Exporter, when set, receives the rows of every succeeded job.
	Exporter ResultExporter
	Logger   *slog.Logger
}

// ResultExporter copies finished results to durable storage.
type ResultExporter interface {
	PutResult(ctx context.Context, jobID string, result *domain.QueryResult) error
}

type jobService interface {
	SubmitJob(context.Context, *compute.SubmitJobRequest) (*compute.SubmitJobResponse, error)
	GetJobStatus(context.Context, *compute.GetJobStatusRequest) (*compute.JobStatusResponse, error)
	CancelJob(context.Context, *compute.CancelJobRequest) (*compute.CancelJobResponse, error)
	FetchResults(context.Context, *compute.FetchResultsRequest) (*compute.FetchResultsResponse, error)
	Health(context.Context, *compute.HealthRequest) (*compute.HealthResponse, error)
}

var _ jobService = (*JobServer)(nil)

// JobServer implements the job service.
type JobServer struct {
	cfg    Config
	jobs   *jobStore
	logger *slog.Logger
	now    func() time.Time
}

// NewJobServer creates a JobServer.
func NewJobServer(cfg Config) *JobServer {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = compute.DefaultMaxClockSkew
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobServer{
		cfg:    cfg,
		jobs:   newJobStore(cfg.ResultTTL),
		logger: logger.With("component", "agent"),
		now:    time.Now,
	}
}

// Register registers the job service on registrar.
func Register(registrar grpc.ServiceRegistrar, s *JobServer) {
	compute.RegisterCodec()
	registrar.RegisterService(&jobServiceDesc, s)
}

// SubmitJob accepts a job and starts it.
func (s *JobServer) SubmitJob(ctx context.Context, req *compute.SubmitJobRequest) (*compute.SubmitJobResponse, error) {
	if err := s.authorize(ctx, compute.MethodSubmitJob, req); err != nil {
		return nil, err
	}
	if req == nil || req.JobType == "" {
		return nil, status.Error(codes.InvalidArgument, "job_type is required")
	}
	s.jobs.cleanup(s.now())

	j := &job{
		id:           s.jobs.nextID(),
		jobType:      domain.JobType(req.JobType),
		sessionJobID: req.SessionJobID,
		query:        req.Query,
		createdAt:    s.now(),
		status:       domain.JobStatusPending,
	}

	switch {
	case j.sessionJobID != "":
		host, ok := s.jobs.get(j.sessionJobID)
		if !ok {
			return nil, status.Error(codes.NotFound, "session job not found")
		}
		if st, _ := host.snapshot(); st != domain.JobStatusRunning {
			return nil, status.Errorf(codes.FailedPrecondition, "session job is %s", st)
		}
		fallthrough
	case j.jobType == domain.JobTypeBatch:
		if j.query == "" {
			return nil, status.Error(codes.InvalidArgument, "query is required")
		}
		s.jobs.add(j)
		go s.run(j)
	default:
		// Session and streaming jobs hold the slot until cancelled.
		j.status = domain.JobStatusRunning
		s.jobs.add(j)
	}

	s.logger.Info("job submitted", "job_id", j.id, "job_type", j.jobType, "name", req.Name, "session_job_id", j.sessionJobID)
	st, _ := j.snapshot()
	return &compute.SubmitJobResponse{JobID: j.id, Status: string(st)}, nil
}

func (s *JobServer) run(j *job) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !j.setRunning(cancel) {
		return
	}

	columns, rows, err := runQuery(ctx, s.cfg.DB, j.query)
	switch {
	case err == nil:
		s.export(ctx, j.id, columns, rows)
		j.succeed(columns, rows, s.now())
		s.logger.Info("job succeeded", "job_id", j.id, "row_count", len(rows))
	case errors.Is(ctx.Err(), context.Canceled):
		// stop already recorded CANCELLED.
	default:
		j.finish(domain.JobStatusFailed, err.Error(), s.now())
		s.logger.Warn("job failed", "job_id", j.id, "error", err)
	}
}

func (s *JobServer) export(ctx context.Context, jobID string, columns []string, rows [][]interface{}) {
	if s.cfg.Exporter == nil {
		return
	}
	if err := s.cfg.Exporter.PutResult(ctx, jobID, &domain.QueryResult{Columns: columns, Rows: rows}); err != nil {
		s.logger.Warn("result export failed", "job_id", jobID, "error", err)
	}
}

// GetJobStatus reports a job's status.
func (s *JobServer) GetJobStatus(ctx context.Context, req *compute.GetJobStatusRequest) (*compute.JobStatusResponse, error) {
	if err := s.authorize(ctx, compute.MethodGetJobStatus, req); err != nil {
		return nil, err
	}
	j, err := s.lookup(req.JobID)
	if err != nil {
		return nil, err
	}
	st, msg := j.snapshot()
	j.mu.RLock()
	defer j.mu.RUnlock()
	return &compute.JobStatusResponse{JobID: j.id, Status: string(st), Error: msg, Columns: j.columns, RowCount: len(j.rows)}, nil
}

// CancelJob stops a job. Cancelling a session job also cancels the
// statement jobs it hosts. Cancelling a finished job is a no-op.
func (s *JobServer) CancelJob(ctx context.Context, req *compute.CancelJobRequest) (*compute.CancelJobResponse, error) {
	if err := s.authorize(ctx, compute.MethodCancelJob, req); err != nil {
		return nil, err
	}
	j, err := s.lookup(req.JobID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if j.stop(now) {
		s.logger.Info("job cancelled", "job_id", j.id)
	}
	for _, child := range s.jobs.children(j.id) {
		child.stop(now)
	}
	st, _ := j.snapshot()
	return &compute.CancelJobResponse{JobID: j.id, Status: string(st)}, nil
}

// FetchResults returns a page of a succeeded job's rows.
func (s *JobServer) FetchResults(ctx context.Context, req *compute.FetchResultsRequest) (*compute.FetchResultsResponse, error) {
	if err := s.authorize(ctx, compute.MethodFetchResults, req); err != nil {
		return nil, err
	}
	j, err := s.lookup(req.JobID)
	if err != nil {
		return nil, err
	}
	switch st, msg := j.snapshot(); st {
	case domain.JobStatusSuccess:
	case domain.JobStatusFailed, domain.JobStatusCancelled:
		return nil, status.Errorf(codes.FailedPrecondition, "job %s: %s", st, msg)
	default:
		return nil, status.Error(codes.FailedPrecondition, "job is not finished")
	}

	limit := req.MaxResults
	if limit <= 0 {
		limit = compute.DefaultPageSize
	}
	if limit > compute.MaxPageSize {
		limit = compute.MaxPageSize
	}
	columns, rows, next := j.page(compute.DecodePageToken(req.PageToken), limit)
	return &compute.FetchResultsResponse{
		JobID:         j.id,
		Columns:       columns,
		Rows:          rows,
		NextPageToken: compute.EncodePageToken(next),
	}, nil
}

// Health reports agent status.
func (s *JobServer) Health(ctx context.Context, req *compute.HealthRequest) (*compute.HealthResponse, error) {
	if err := s.authorize(ctx, compute.MethodHealth, req); err != nil {
		return nil, err
	}
	return s.health(ctx), nil
}

func (s *JobServer) health(ctx context.Context) *compute.HealthResponse {
	var version string
	if s.cfg.DB != nil {
		_ = s.cfg.DB.QueryRowContext(ctx, "SELECT version()").Scan(&version)
	}
	running, stored := s.jobs.counts()
	return &compute.HealthResponse{
		Status:        "ok",
		UptimeSeconds: int(time.Since(s.cfg.StartTime).Seconds()),
		DuckDBVersion: version,
		RunningJobs:   running,
		StoredJobs:    stored,
	}
}

func (s *JobServer) lookup(jobID string) (*job, error) {
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	s.jobs.cleanup(s.now())
	j, ok := s.jobs.get(jobID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "job %s not found", jobID)
	}
	return j, nil
}

func (s *JobServer) authorize(ctx context.Context, method string, req interface{}) error {
	if s.cfg.AgentToken == "" {
		return nil
	}
	if err := compute.VerifyCall(ctx, method, req, s.cfg.AgentToken, s.now(), s.cfg.MaxClockSkew); err != nil {
		s.logger.Warn("rejected call", "method", method, "error", err)
		return status.Error(codes.Unauthenticated, "unauthorized")
	}
	return nil
}

// runQuery executes query and buffers its rows.
func runQuery(ctx context.Context, db *sql.DB, query string) ([]string, [][]interface{}, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read columns: %w", err)
	}
	out := make([][]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}
