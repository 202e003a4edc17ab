package compute

import (
	"context"
	"fmt"

	"duck-async/internal/domain"
)

var _ domain.ResultSink = (*ResultReader)(nil)

// ResultReader reads job results back from the job service, following page
// tokens until the last page.
type ResultReader struct {
	client   *Client
	pageSize int
	maxRows  int
}

// NewResultReader creates a ResultReader. maxRows caps the rows returned
// for one job; zero means no cap.
func NewResultReader(client *Client, pageSize, maxRows int) *ResultReader {
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = DefaultPageSize
	}
	return &ResultReader{client: client, pageSize: pageSize, maxRows: maxRows}
}

// GetResult implements domain.ResultSink. A job the service does not know
// yields an empty result.
func (r *ResultReader) GetResult(ctx context.Context, jobID string) (*domain.QueryResult, error) {
	out := &domain.QueryResult{}
	token := ""
	for {
		page, err := r.client.FetchResults(ctx, &FetchResultsRequest{JobID: jobID, PageToken: token, MaxResults: r.pageSize})
		if domain.IsNotFound(err) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("fetch results page: %w", err)
		}
		if out.Columns == nil {
			out.Columns = page.Columns
		}
		out.Rows = append(out.Rows, page.Rows...)
		if r.maxRows > 0 && len(out.Rows) >= r.maxRows {
			out.Rows = out.Rows[:r.maxRows]
			return out, nil
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		token = page.NextPageToken
	}
}
