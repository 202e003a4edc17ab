package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	HTTPStatus int
	Type       string
	Reason     string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (HTTP %d): %s", e.Type, e.HTTPStatus, e.Reason)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf("; retry after %s", e.RetryAfter)
	}
	return msg
}

// Client talks to the async query HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// CreateQueryRequest is the body of POST /async_query.
type CreateQueryRequest struct {
	Query      string `json:"query"`
	DataSource string `json:"datasource"`
	Lang       string `json:"lang,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// CreateQueryResponse identifies a submitted query.
type CreateQueryResponse struct {
	QueryID   string `json:"queryId"`
	SessionID string `json:"sessionId,omitempty"`
}

// QueryResults is the status and rows of a query.
type QueryResults struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Schema []string        `json:"schema,omitempty"`
	Rows   [][]interface{} `json:"datarows,omitempty"`
}

// Terminal reports whether the query has finished.
func (r *QueryResults) Terminal() bool {
	switch r.Status {
	case "SUCCESS", "FAILED", "CANCELLED":
		return true
	}
	return false
}

// Session is an interactive session as the server reports it.
type Session struct {
	SessionID      string `json:"sessionId"`
	SessionType    string `json:"sessionType"`
	DataSource     string `json:"datasource"`
	State          string `json:"state"`
	JobID          string `json:"jobId,omitempty"`
	Error          string `json:"error,omitempty"`
	LastUpdateTime int64  `json:"lastUpdateTime"`
}

// CreateQuery submits a query.
func (c *Client) CreateQuery(ctx context.Context, req CreateQueryRequest) (*CreateQueryResponse, error) {
	var out CreateQueryResponse
	if err := c.do(ctx, http.MethodPost, "/async_query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetResults fetches the status of a query and its rows once it succeeded.
func (c *Client) GetResults(ctx context.Context, queryID string) (*QueryResults, error) {
	var out QueryResults
	if err := c.do(ctx, http.MethodGet, "/async_query/"+url.PathEscape(queryID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelQuery cancels a query.
func (c *Client) CancelQuery(ctx context.Context, queryID string) error {
	return c.do(ctx, http.MethodDelete, "/async_query/"+url.PathEscape(queryID), nil, nil)
}

// ListSessions lists the active sessions of a data source.
func (c *Client) ListSessions(ctx context.Context, dataSource string) ([]Session, error) {
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/async_query/sessions/"+url.PathEscape(dataSource), nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GetSession refreshes and returns one session.
func (c *Client) GetSession(ctx context.Context, dataSource, sessionID string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, sessionPath(dataSource, sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession ends a session.
func (c *Client) CloseSession(ctx context.Context, dataSource, sessionID string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodDelete, sessionPath(dataSource, sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(dataSource, sessionID string) string {
	return "/async_query/sessions/" + url.PathEscape(dataSource) + "/" + url.PathEscape(sessionID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{HTTPStatus: resp.StatusCode, Type: http.StatusText(resp.StatusCode)}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	var env struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if json.Unmarshal(data, &env) == nil && env.Error.Type != "" {
		apiErr.Type = env.Error.Type
		apiErr.Reason = env.Error.Reason
	} else {
		apiErr.Reason = strings.TrimSpace(string(data))
	}
	return apiErr
}
