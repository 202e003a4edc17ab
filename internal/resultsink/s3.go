// Package resultsink stores query results as JSON objects in S3-compatible
// object storage, one object per job.
package resultsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"duck-async/internal/domain"
)

var _ domain.ResultSink = (*S3Sink)(nil)

// ObjectAPI is the subset of the S3 client the sink uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds the connection settings for an S3Sink.
type Config struct {
	Bucket   string
	Prefix   string
	Endpoint string
	Region   string
	KeyID    string
	Secret   string
}

// S3Sink reads and writes <prefix>/<jobId>.json.
type S3Sink struct {
	client ObjectAPI
	bucket string
	prefix string
}

// resultObject is the stored layout of one result.
type resultObject struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// NewS3Sink creates a sink with static credentials. Endpoints other than AWS
// are addressed path-style.
func NewS3Sink(cfg Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("result bucket is required")
	}
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, ""),
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return NewS3SinkWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient creates a sink over an existing client.
func NewS3SinkWithClient(client ObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key holding jobID's result.
func (s *S3Sink) Key(jobID string) string {
	if s.prefix == "" {
		return jobID + ".json"
	}
	return path.Join(s.prefix, jobID+".json")
}

// GetResult implements domain.ResultSink. A missing object is an empty
// result.
func (s *S3Sink) GetResult(ctx context.Context, jobID string) (*domain.QueryResult, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.Key(jobID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return &domain.QueryResult{}, nil
		}
		return nil, fmt.Errorf("get result object %s: %w", s.Key(jobID), err)
	}
	defer out.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read result object: %w", err)
	}
	var obj resultObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("decode result object %s: %w", s.Key(jobID), err)
	}
	return &domain.QueryResult{Columns: obj.Columns, Rows: obj.Rows}, nil
}

// PutResult writes result as jobID's object, replacing any earlier one.
func (s *S3Sink) PutResult(ctx context.Context, jobID string, result *domain.QueryResult) error {
	obj := resultObject{Columns: result.Columns, Rows: result.Rows}
	if obj.Rows == nil {
		obj.Rows = [][]interface{}{}
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(jobID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put result object %s: %w", s.Key(jobID), err)
	}
	return nil
}
