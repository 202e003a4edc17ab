package session

import (
	"context"
	"fmt"

	"duck-async/internal/domain"
)

// SubmitRequest is a query submitted into a session.
type SubmitRequest struct {
	Query   string
	Lang    string
	QueryID string
}

// Submit creates a statement in sess and hands it to the session's job.
// Sessions in COMPLETE, FAILED or DEAD reject new statements with
// SessionNotReady before anything is written. A submission the cluster
// rejects because the session job has ended also returns SessionNotReady,
// after the session is moved to its terminal state.
func (m *Manager) Submit(ctx context.Context, sess *domain.Session, req SubmitRequest) (*domain.Statement, error) {
	if !sess.State.AcceptsStatements() {
		return nil, domain.ErrSessionNotReady("session %s is %s", sess.SessionID, sess.State)
	}
	if req.Lang == "" {
		req.Lang = "sql"
	}

	st := &domain.Statement{
		StatementID:    domain.NewID(),
		SessionID:      sess.SessionID,
		ApplicationID:  sess.ApplicationID,
		Query:          req.Query,
		QueryID:        req.QueryID,
		Lang:           req.Lang,
		State:          domain.StatementStateWaiting,
		DataSourceName: sess.DataSourceName,
		SubmitTime:     domain.NowMillis(m.now()),
	}
	if err := m.statements.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("create statement: %w", err)
	}

	jobID, err := m.compute.SubmitJob(ctx, domain.JobSpec{
		Name:          sess.DataSourceName + "-" + st.StatementID,
		ApplicationID: sess.ApplicationID,
		JobType:       domain.JobTypeInteractive,
		Query:         req.Query,
		SessionJobID:  sess.JobID,
		Tags: map[string]string{
			"datasource":  sess.DataSourceName,
			"sessionId":   sess.SessionID,
			"statementId": st.StatementID,
		},
	})
	if err != nil {
		if _, ferr := m.transitionStatement(ctx, st, domain.StatementStateFailed, func(s *domain.Statement) {
			s.Error = err.Error()
		}); ferr != nil {
			m.logger.Warn("mark statement failed", "statement_id", st.StatementID, "error", ferr)
		}
		if cur, perr := m.PollSession(ctx, sess.DataSourceName, sess.SessionID); perr == nil && !cur.State.AcceptsStatements() {
			*sess = *cur
			return nil, domain.ErrSessionNotReady("session %s is %s: %v", sess.SessionID, cur.State, err)
		}
		return nil, domain.ErrExternalCommunication("submit statement", err)
	}

	running, err := m.transitionStatement(ctx, st, domain.StatementStateRunning, func(s *domain.Statement) {
		s.JobID = jobID
	})
	if err != nil {
		return nil, err
	}
	m.touch(ctx, sess)
	m.logger.Info("statement submitted",
		"statement_id", st.StatementID, "session_id", sess.SessionID, "job_id", jobID)
	return running, nil
}

// PollStatement makes one status call to the compute cluster and applies at
// most one transition. A job failure lands in the statement as FAILED with
// the job's error; it is not returned as an error.
func (m *Manager) PollStatement(ctx context.Context, dataSourceName, statementID string) (*domain.Statement, error) {
	st, err := m.statements.Get(ctx, dataSourceName, statementID)
	if err != nil {
		return nil, err
	}
	if st.State.IsTerminal() || st.JobID == "" {
		return st, nil
	}

	run, err := m.compute.GetJobStatus(ctx, st.JobID)
	if err != nil {
		return nil, domain.ErrExternalCommunication("get statement job status", err)
	}

	switch {
	case st.State == domain.StatementStateWaiting && run.Status != domain.JobStatusPending:
		if run.Status == domain.JobStatusFailed {
			return m.failStatement(ctx, st, run)
		}
		return m.transitionStatement(ctx, st, domain.StatementStateRunning, nil)
	case st.State != domain.StatementStateRunning:
		return st, nil
	case run.Status == domain.JobStatusSuccess:
		return m.transitionStatement(ctx, st, domain.StatementStateSuccess, nil)
	case run.Status == domain.JobStatusFailed:
		return m.failStatement(ctx, st, run)
	case run.Status == domain.JobStatusCancelled:
		return m.transitionStatement(ctx, st, domain.StatementStateCancelled, nil)
	}
	return st, nil
}

// CancelStatement records CANCELLED and then asks the cluster to stop the
// job. The recorded state stands even if the cancel call fails.
func (m *Manager) CancelStatement(ctx context.Context, dataSourceName, statementID string) (*domain.Statement, error) {
	st, err := m.statements.Get(ctx, dataSourceName, statementID)
	if err != nil {
		return nil, err
	}
	cancelled, err := m.transitionStatement(ctx, st, domain.StatementStateCancelled, nil)
	if err != nil {
		return nil, err
	}
	m.cancelBestEffort(ctx, st.JobID)
	return cancelled, nil
}

func (m *Manager) failStatement(ctx context.Context, st *domain.Statement, run domain.JobRun) (*domain.Statement, error) {
	failure := &domain.ExternalJobFailureError{JobID: run.JobID, Message: jobErrorText(run)}
	m.metrics.IncCounter(domain.MetricStatementJobFailures)
	return m.transitionStatement(ctx, st, domain.StatementStateFailed, func(s *domain.Statement) {
		s.Error = failure.Error()
	})
}

var statementTransitions = map[domain.StatementState][]domain.StatementState{
	domain.StatementStateWaiting: {domain.StatementStateRunning, domain.StatementStateFailed, domain.StatementStateCancelled},
	domain.StatementStateRunning: {domain.StatementStateSuccess, domain.StatementStateFailed, domain.StatementStateCancelled},
}

func canTransitionStatement(from, to domain.StatementState) bool {
	for _, s := range statementTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Manager) transitionStatement(ctx context.Context, st *domain.Statement, to domain.StatementState, mutate func(*domain.Statement)) (*domain.Statement, error) {
	if !canTransitionStatement(st.State, to) {
		return nil, domain.ErrIllegalStateTransition("statement %s cannot move from %s to %s", st.StatementID, st.State, to)
	}
	next := *st
	next.State = to
	if mutate != nil {
		mutate(&next)
	}
	err := m.statements.Update(ctx, &next)
	if err == nil {
		m.logger.Debug("statement transition", "statement_id", st.StatementID, "from", st.State, "to", to)
		return &next, nil
	}
	if !domain.IsVersionConflict(err) {
		return nil, fmt.Errorf("update statement %s: %w", st.StatementID, err)
	}

	cur, gerr := m.statements.Get(ctx, st.DataSourceName, st.StatementID)
	if gerr != nil {
		return nil, fmt.Errorf("reload statement %s: %w", st.StatementID, gerr)
	}
	if cur.State == to {
		return cur, nil
	}
	return nil, fmt.Errorf("statement %s moved to %s concurrently: %w", st.StatementID, cur.State, err)
}
