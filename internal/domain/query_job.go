package domain

import (
	"encoding/base64"
	"strings"
)

// JobType classifies how an async query is executed.
type JobType string

// Async query job types.
const (
	JobTypeInteractive JobType = "interactive"
	JobTypeBatch       JobType = "batch"
	JobTypeStreaming   JobType = "streaming"
	JobTypeIndexDML    JobType = "index_dml"
)

// AsyncQueryJobMetadata is the durable handle behind a user-facing query id.
type AsyncQueryJobMetadata struct {
	QueryID        string
	ApplicationID  string
	JobID          string
	ResultIndex    string
	SessionID      string
	StatementID    string
	DataSourceName string
	JobType        JobType
	IndexName      string
	LastUpdateTime int64
	Version        Version
}

// QueryStatus is the user-visible status of an async query.
type QueryStatus string

// Async query statuses.
const (
	QueryStatusWaiting   QueryStatus = "WAITING"
	QueryStatusRunning   QueryStatus = "RUNNING"
	QueryStatusSuccess   QueryStatus = "SUCCESS"
	QueryStatusFailed    QueryStatus = "FAILED"
	QueryStatusCancelled QueryStatus = "CANCELLED"
)

// NewAsyncQueryID returns a query id that embeds the data source name so a
// later lookup can find the right tenant namespace without a directory.
func NewAsyncQueryID(dataSourceName string) string {
	raw := dataSourceName + ":" + NewID()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DataSourceFromQueryID recovers the data source encoded by NewAsyncQueryID.
func DataSourceFromQueryID(queryID string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(queryID)
	if err != nil {
		return "", ErrValidation("malformed query id %q", queryID)
	}
	// The id half never contains ':', so split at the last one.
	i := strings.LastIndex(string(raw), ":")
	if i <= 0 {
		return "", ErrValidation("malformed query id %q", queryID)
	}
	return string(raw)[:i], nil
}
