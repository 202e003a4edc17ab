package domain

import (
	"context"
)

// VersionedStore is CAS-protected document storage keyed by (data source, id).
// It is the only component allowed to talk to the backing document storage.
// Every operation is a point operation; no multi-document atomicity exists.
type VersionedStore interface {
	// Get returns the document or a NotFoundError.
	Get(ctx context.Context, dataSourceName, id string) (*Document, error)
	// Create stores a new document and returns its first version, or an
	// AlreadyExistsError when the id is taken.
	Create(ctx context.Context, doc *Document) (Version, error)
	// Update replaces the document if expected is still current and returns
	// the new version; otherwise it returns a VersionConflictError and
	// applies nothing.
	Update(ctx context.Context, doc *Document, expected Version) (Version, error)
	// Delete removes the document if expected is still current.
	Delete(ctx context.Context, dataSourceName, id string, expected Version) error
	// List returns documents matching filter.
	List(ctx context.Context, filter DocumentFilter) ([]Document, error)
	// Count returns the number of documents matching filter.
	Count(ctx context.Context, filter DocumentFilter) (int64, error)
}

// JobStatus is the lifecycle state reported by the compute cluster.
type JobStatus string

// Compute job statuses.
const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSuccess   JobStatus = "SUCCESS"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the job can no longer change state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed || s == JobStatusCancelled
}

// JobSpec describes a job to submit to the compute cluster.
type JobSpec struct {
	Name          string
	ApplicationID string
	JobType       JobType
	Query         string
	// SessionJobID binds a statement run to the interactive session job
	// hosting it. Empty for session, batch and streaming jobs.
	SessionJobID string
	Tags         map[string]string
}

// JobRun is a point-in-time view of an external job.
type JobRun struct {
	JobID  string
	Status JobStatus
	Error  string
}

// ComputeClusterClient is the job-submission API of the compute cluster.
type ComputeClusterClient interface {
	SubmitJob(ctx context.Context, spec JobSpec) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (JobRun, error)
	CancelJob(ctx context.Context, jobID string) error
}

// QueryResult holds rows read back from a result sink.
type QueryResult struct {
	Columns []string
	Rows    [][]interface{}
}

// ResultSink gives read-only access to results keyed by job id. A missing
// result is an empty QueryResult, not an error.
type ResultSink interface {
	GetResult(ctx context.Context, jobID string) (*QueryResult, error)
}

// IndexMetadataService manages the physical storage of derived indexes.
type IndexMetadataService interface {
	DeleteIndex(ctx context.Context, physicalName string) error
}

// MetricsSink receives gauges and counters from components that report them.
type MetricsSink interface {
	SetGauge(name string, value float64)
	IncCounter(name string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

// SetGauge implements MetricsSink.
func (NopMetrics) SetGauge(string, float64) {}

// IncCounter implements MetricsSink.
func (NopMetrics) IncCounter(string) {}

// Metric names reported through MetricsSink.
const (
	MetricActiveSessions       = "active_async_query_sessions_count"
	MetricActiveStatements     = "active_async_query_statements_count"
	MetricCreateAPIRequests    = "async_query_create_api_request_count"
	MetricLeaseDenied          = "lease_denied_count"
	MetricCancelJobFailures    = "compute_cancel_job_failure_count"
	MetricIndexOpFailures      = "index_op_failure_count"
	MetricSessionTimeouts      = "async_query_session_timeout_count"
	MetricStatementJobFailures = "async_query_statement_failure_count"
)
