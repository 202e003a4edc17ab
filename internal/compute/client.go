// Package compute talks to the compute cluster's job service over gRPC with
// a JSON codec. Client implements domain.ComputeClusterClient and
// ResultReader implements domain.ResultSink on top of it.
package compute

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"duck-async/internal/domain"
)

var _ domain.ComputeClusterClient = (*Client)(nil)

// DefaultCallTimeout applies to calls whose context has no deadline.
const DefaultCallTimeout = 30 * time.Second

// Client is a job service client.
type Client struct {
	conn      *grpc.ClientConn
	authToken string
	now       func() time.Time
}

// NewClient connects to a grpc:// or grpcs:// endpoint. The connection is
// established lazily on first call.
func NewClient(endpointURL, authToken string) (*Client, error) {
	RegisterCodec()

	target, secure, err := dialTarget(endpointURL)
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if secure {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial job service: %w", err)
	}
	return &Client{conn: conn, authToken: authToken, now: time.Now}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func dialTarget(endpointURL string) (target string, secure bool, err error) {
	u, parseErr := url.Parse(endpointURL)
	if parseErr != nil {
		return "", false, fmt.Errorf("parse endpoint url: %w", parseErr)
	}

	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	switch scheme {
	case "grpc", "grpcs":
		if u.Host == "" {
			return "", false, fmt.Errorf("grpc endpoint host is required")
		}
		return u.Host, scheme == "grpcs", nil
	default:
		return "", false, fmt.Errorf("compute endpoint requires grpc:// or grpcs://, got %q", endpointURL)
	}
}

// SubmitJob implements domain.ComputeClusterClient.
func (c *Client) SubmitJob(ctx context.Context, spec domain.JobSpec) (string, error) {
	req := &SubmitJobRequest{
		Name:          spec.Name,
		ApplicationID: spec.ApplicationID,
		JobType:       string(spec.JobType),
		Query:         spec.Query,
		SessionJobID:  spec.SessionJobID,
		Tags:          spec.Tags,
	}
	var resp SubmitJobResponse
	if err := c.invoke(ctx, MethodSubmitJob, req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("job service returned no job id")
	}
	return resp.JobID, nil
}

// GetJobStatus implements domain.ComputeClusterClient.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (domain.JobRun, error) {
	var resp JobStatusResponse
	if err := c.invoke(ctx, MethodGetJobStatus, &GetJobStatusRequest{JobID: jobID}, &resp); err != nil {
		return domain.JobRun{}, err
	}
	return domain.JobRun{JobID: resp.JobID, Status: domain.JobStatus(resp.Status), Error: resp.Error}, nil
}

// CancelJob implements domain.ComputeClusterClient.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	var resp CancelJobResponse
	return c.invoke(ctx, MethodCancelJob, &CancelJobRequest{JobID: jobID}, &resp)
}

// FetchResults reads one page of a finished job's rows.
func (c *Client) FetchResults(ctx context.Context, req *FetchResultsRequest) (*FetchResultsResponse, error) {
	var resp FetchResultsResponse
	if err := c.invoke(ctx, MethodFetchResults, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports the agent's health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.invoke(ctx, MethodHealth, &HealthRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}

	md, err := SignCall(method, req, c.authToken, c.now())
	if err != nil {
		return err
	}
	md.Set(MetadataRequestID, uuid.NewString())
	ctx = metadata.NewOutgoingContext(ctx, md)

	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return fromStatus(err)
	}
	return nil
}

// fromStatus maps gRPC status codes onto domain errors where a caller needs
// to branch on them.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return domain.ErrNotFound("%s", st.Message())
	case codes.InvalidArgument:
		return domain.ErrValidation("%s", st.Message())
	default:
		return fmt.Errorf("job service: %w", err)
	}
}
