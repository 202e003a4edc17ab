// Package testutil provides shared test doubles for the collaborator
// interfaces in domain.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"duck-async/internal/domain"
)

// === Compute Cluster Mock ===

// MockComputeClient implements domain.ComputeClusterClient for testing.
type MockComputeClient struct {
	SubmitJobFn    func(ctx context.Context, spec domain.JobSpec) (string, error)
	GetJobStatusFn func(ctx context.Context, jobID string) (domain.JobRun, error)
	CancelJobFn    func(ctx context.Context, jobID string) error
}

// SubmitJob implements the interface method for testing.
func (m *MockComputeClient) SubmitJob(ctx context.Context, spec domain.JobSpec) (string, error) {
	if m.SubmitJobFn != nil {
		return m.SubmitJobFn(ctx, spec)
	}
	panic("unexpected call to MockComputeClient.SubmitJob")
}

// GetJobStatus implements the interface method for testing.
func (m *MockComputeClient) GetJobStatus(ctx context.Context, jobID string) (domain.JobRun, error) {
	if m.GetJobStatusFn != nil {
		return m.GetJobStatusFn(ctx, jobID)
	}
	panic("unexpected call to MockComputeClient.GetJobStatus")
}

// CancelJob implements the interface method for testing.
func (m *MockComputeClient) CancelJob(ctx context.Context, jobID string) error {
	if m.CancelJobFn != nil {
		return m.CancelJobFn(ctx, jobID)
	}
	panic("unexpected call to MockComputeClient.CancelJob")
}

// FakeCompute is an in-memory compute cluster. Submitted jobs start
// RUNNING; tests move them with SetStatus. Like the agent, it rejects a
// statement whose session job is unknown or no longer RUNNING.
type FakeCompute struct {
	mu        sync.Mutex
	next      int
	jobs      map[string]*domain.JobRun
	Submitted []domain.JobSpec
	Cancelled []string
	// SubmitErr, when set, fails every submission.
	SubmitErr error
}

// NewFakeCompute returns an empty fake cluster.
func NewFakeCompute() *FakeCompute {
	return &FakeCompute{jobs: make(map[string]*domain.JobRun)}
}

// SubmitJob implements domain.ComputeClusterClient.
func (f *FakeCompute) SubmitJob(_ context.Context, spec domain.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	if spec.SessionJobID != "" {
		host, ok := f.jobs[spec.SessionJobID]
		if !ok {
			return "", domain.ErrNotFound("session job %q not found", spec.SessionJobID)
		}
		if host.Status != domain.JobStatusRunning {
			return "", fmt.Errorf("session job is %s", host.Status)
		}
	}
	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.jobs[id] = &domain.JobRun{JobID: id, Status: domain.JobStatusRunning}
	f.Submitted = append(f.Submitted, spec)
	return id, nil
}

// GetJobStatus implements domain.ComputeClusterClient.
func (f *FakeCompute) GetJobStatus(_ context.Context, jobID string) (domain.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.jobs[jobID]
	if !ok {
		return domain.JobRun{}, domain.ErrNotFound("job %q not found", jobID)
	}
	return *run, nil
}

// CancelJob implements domain.ComputeClusterClient.
func (f *FakeCompute) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.jobs[jobID]
	if !ok {
		return domain.ErrNotFound("job %q not found", jobID)
	}
	if !run.Status.IsTerminal() {
		run.Status = domain.JobStatusCancelled
	}
	f.Cancelled = append(f.Cancelled, jobID)
	return nil
}

// Forget drops a job, as a restarted cluster would.
func (f *FakeCompute) Forget(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
}

// SetStatus moves a job to status with an optional error message.
func (f *FakeCompute) SetStatus(jobID string, status domain.JobStatus, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = &domain.JobRun{JobID: jobID, Status: status, Error: errMsg}
}

// SubmittedCount returns how many jobs were accepted.
func (f *FakeCompute) SubmittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Submitted)
}

// LastSubmitted returns the most recent job spec and its id.
func (f *FakeCompute) LastSubmitted() (domain.JobSpec, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Submitted) == 0 {
		return domain.JobSpec{}, ""
	}
	return f.Submitted[len(f.Submitted)-1], fmt.Sprintf("job-%d", f.next)
}

// === Index Metadata Mock ===

// MockIndexMetadata implements domain.IndexMetadataService for testing.
type MockIndexMetadata struct {
	DeleteIndexFn func(ctx context.Context, physicalName string) error

	mu      sync.Mutex
	Deleted []string
}

// DeleteIndex implements the interface method for testing.
func (m *MockIndexMetadata) DeleteIndex(ctx context.Context, physicalName string) error {
	if m.DeleteIndexFn != nil {
		if err := m.DeleteIndexFn(ctx, physicalName); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deleted = append(m.Deleted, physicalName)
	return nil
}

// === Result Sink Mock ===

// MockResultSink implements domain.ResultSink for testing.
type MockResultSink struct {
	GetResultFn func(ctx context.Context, jobID string) (*domain.QueryResult, error)
}

// GetResult implements the interface method for testing.
func (m *MockResultSink) GetResult(ctx context.Context, jobID string) (*domain.QueryResult, error) {
	if m.GetResultFn != nil {
		return m.GetResultFn(ctx, jobID)
	}
	panic("unexpected call to MockResultSink.GetResult")
}

// === Classifier Mock ===

// MockClassifier implements domain.Classifier for testing.
type MockClassifier struct {
	ClassifyFn func(sqlText string) (domain.Classification, error)
}

// Classify implements the interface method for testing.
func (m *MockClassifier) Classify(sqlText string) (domain.Classification, error) {
	if m.ClassifyFn != nil {
		return m.ClassifyFn(sqlText)
	}
	panic("unexpected call to MockClassifier.Classify")
}

// === Metrics Mock ===

// RecordingMetrics implements domain.MetricsSink and remembers every value.
type RecordingMetrics struct {
	mu       sync.Mutex
	gauges   map[string]float64
	counters map[string]int
}

// NewRecordingMetrics returns an empty recorder.
func NewRecordingMetrics() *RecordingMetrics {
	return &RecordingMetrics{gauges: make(map[string]float64), counters: make(map[string]int)}
}

// SetGauge implements domain.MetricsSink.
func (m *RecordingMetrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// IncCounter implements domain.MetricsSink.
func (m *RecordingMetrics) IncCounter(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
}

// Gauge returns the last value set for name.
func (m *RecordingMetrics) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Counter returns how often name was incremented.
func (m *RecordingMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}
