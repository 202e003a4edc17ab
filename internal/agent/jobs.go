package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"duck-async/internal/domain"
)

type job struct {
	id           string
	jobType      domain.JobType
	sessionJobID string
	query        string
	createdAt    time.Time

	mu         sync.RWMutex
	status     domain.JobStatus
	errMsg     string
	columns    []string
	rows       [][]interface{}
	finishedAt time.Time
	cancel     context.CancelFunc
}

func (j *job) snapshot() (domain.JobStatus, string) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status, j.errMsg
}

func (j *job) setRunning(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return false
	}
	j.status = domain.JobStatusRunning
	j.cancel = cancel
	return true
}

func (j *job) finish(status domain.JobStatus, errMsg string, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return
	}
	j.status = status
	j.errMsg = errMsg
	j.finishedAt = now
	j.cancel = nil
}

func (j *job) succeed(columns []string, rows [][]interface{}, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return
	}
	j.status = domain.JobStatusSuccess
	j.columns = columns
	j.rows = rows
	j.finishedAt = now
	j.cancel = nil
}

// stop cancels a running job. It reports false if the job had already ended.
func (j *job) stop(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() {
		return false
	}
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	j.status = domain.JobStatusCancelled
	j.finishedAt = now
	return true
}

func (j *job) page(offset, limit int) ([]string, [][]interface{}, int) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if offset > len(j.rows) {
		offset = len(j.rows)
	}
	end := offset + limit
	if end > len(j.rows) {
		end = len(j.rows)
	}
	next := 0
	if end < len(j.rows) {
		next = end
	}
	return j.columns, j.rows[offset:end], next
}

// jobStore keeps jobs in memory and forgets finished ones after ttl.
type jobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*job
	ttl     time.Duration
	counter atomic.Uint64
}

func newJobStore(ttl time.Duration) *jobStore {
	return &jobStore{jobs: make(map[string]*job), ttl: ttl}
}

func (s *jobStore) nextID() string {
	return fmt.Sprintf("job-%d-%d", time.Now().Unix(), s.counter.Add(1))
}

func (s *jobStore) add(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.id] = j
}

func (s *jobStore) get(id string) (*job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// children returns the statement jobs bound to a session job.
func (s *jobStore) children(sessionJobID string) []*job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*job
	for _, j := range s.jobs {
		if j.sessionJobID == sessionJobID {
			out = append(out, j)
		}
	}
	return out
}

func (s *jobStore) cleanup(now time.Time) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		j.mu.RLock()
		expired := j.status.IsTerminal() && now.Sub(j.finishedAt) > s.ttl
		j.mu.RUnlock()
		if expired {
			delete(s.jobs, id)
		}
	}
}

func (s *jobStore) counts() (running, stored int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if st, _ := j.snapshot(); !st.IsTerminal() {
			running++
		}
	}
	return running, int64(len(s.jobs))
}
