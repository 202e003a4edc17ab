package compute

import (
	"encoding/base64"
	"strconv"
)

// Wire types of the job service. The client in this package and the agent
// in internal/agent share them so both sides of the contract stay in sync
// at compile time.

// SubmitJobRequest starts a job on the cluster.
type SubmitJobRequest struct {
	Name          string            `json:"name"`
	ApplicationID string            `json:"application_id"`
	JobType       string            `json:"job_type"`
	Query         string            `json:"query,omitempty"`
	SessionJobID  string            `json:"session_job_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// SubmitJobResponse carries the id of an accepted job.
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// GetJobStatusRequest asks for the state of one job.
type GetJobStatusRequest struct {
	JobID string `json:"job_id"`
}

// JobStatusResponse is a point-in-time view of a job.
type JobStatusResponse struct {
	JobID    string   `json:"job_id"`
	Status   string   `json:"status"`
	Error    string   `json:"error,omitempty"`
	Columns  []string `json:"columns,omitempty"`
	RowCount int      `json:"row_count,omitempty"`
}

// CancelJobRequest stops a job.
type CancelJobRequest struct {
	JobID string `json:"job_id"`
}

// CancelJobResponse reports the status after a cancel.
type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// FetchResultsRequest reads one page of a finished job's rows.
type FetchResultsRequest struct {
	JobID      string `json:"job_id"`
	PageToken  string `json:"page_token,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

// FetchResultsResponse is a page of results.
type FetchResultsResponse struct {
	JobID         string          `json:"job_id"`
	Columns       []string        `json:"columns"`
	Rows          [][]interface{} `json:"rows"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// HealthRequest is empty.
type HealthRequest struct{}

// HealthResponse describes the agent.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int    `json:"uptime_seconds"`
	DuckDBVersion string `json:"duckdb_version,omitempty"`
	RunningJobs   int64  `json:"running_jobs"`
	StoredJobs    int64  `json:"stored_jobs"`
}

// Fully qualified gRPC method names of the job service.
const (
	ServiceName        = "duckasync.compute.v1.JobService"
	MethodSubmitJob    = "/" + ServiceName + "/SubmitJob"
	MethodGetJobStatus = "/" + ServiceName + "/GetJobStatus"
	MethodCancelJob    = "/" + ServiceName + "/CancelJob"
	MethodFetchResults = "/" + ServiceName + "/FetchResults"
	MethodHealth       = "/" + ServiceName + "/Health"
)

// Result paging limits.
const (
	DefaultPageSize = 1000
	MaxPageSize     = 5000
)

// DecodePageToken converts an opaque page token into a row offset.
func DecodePageToken(token string) int {
	if token == "" {
		return 0
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return 0
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}

// EncodePageToken converts a positive row offset into an opaque token.
func EncodePageToken(offset int) string {
	if offset <= 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}
