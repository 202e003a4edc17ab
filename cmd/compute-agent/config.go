package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AgentConfig holds configuration for the compute agent, loaded from environment variables.
type AgentConfig struct {
	CatalogDSN  string
	S3KeyID     string
	S3Secret    string
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	AgentToken  string
	ListenAddr  string // gRPC job service
	HealthAddr  string // plain HTTP /health
	MaxMemoryGB int

	// ResultBucket enables exporting finished results to S3 under
	// ResultPrefix.
	ResultBucket   string
	ResultPrefix   string
	QueryResultTTL time.Duration
}

func loadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{
		CatalogDSN:   os.Getenv("CATALOG_DSN"),
		S3KeyID:      os.Getenv("S3_KEY_ID"),
		S3Secret:     os.Getenv("S3_SECRET"),
		S3Endpoint:   os.Getenv("S3_ENDPOINT"),
		S3Region:     os.Getenv("S3_REGION"),
		S3Bucket:     os.Getenv("S3_BUCKET"),
		AgentToken:   os.Getenv("AGENT_TOKEN"),
		ListenAddr:   os.Getenv("LISTEN_ADDR"),
		HealthAddr:   os.Getenv("HEALTH_ADDR"),
		ResultBucket: os.Getenv("RESULT_BUCKET"),
		ResultPrefix: os.Getenv("RESULT_PREFIX"),
	}
	if v := os.Getenv("MAX_MEMORY_GB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_MEMORY_GB: %w", err)
		}
		cfg.MaxMemoryGB = n
	}
	cfg.QueryResultTTL = 10 * time.Minute
	if v := os.Getenv("QUERY_RESULT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid QUERY_RESULT_TTL %q", v)
		}
		cfg.QueryResultTTL = d
	}
	if cfg.AgentToken == "" {
		return nil, fmt.Errorf("AGENT_TOKEN is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9443"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":9444"
	}
	if cfg.S3Bucket == "" {
		cfg.S3Bucket = "duck-async"
	}
	if cfg.ResultBucket != "" && cfg.S3KeyID == "" {
		return nil, fmt.Errorf("RESULT_BUCKET requires S3_KEY_ID and S3_SECRET")
	}
	return cfg, nil
}
