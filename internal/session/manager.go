// Package session runs the interactive session and statement state
// machines. Every transition is a compare-and-swap write through the state
// store; a writer that loses the race re-reads and either accepts the state
// another actor already wrote or gives up. Nothing here blocks waiting for
// an external job: callers drive progress by polling.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"duck-async/internal/domain"
	"duck-async/internal/statestore"
)

// DefaultInactivityTimeout is used when Config leaves it unset.
const DefaultInactivityTimeout = 3 * time.Minute

// Config holds the settings of a Manager.
type Config struct {
	ApplicationID     string
	InactivityTimeout time.Duration
}

// Manager owns session and statement lifecycles.
type Manager struct {
	sessions   *statestore.SessionStore
	statements *statestore.StatementStore
	compute    domain.ComputeClusterClient
	metrics    domain.MetricsSink
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// NewManager creates a Manager.
func NewManager(
	cfg Config,
	sessions *statestore.SessionStore,
	statements *statestore.StatementStore,
	compute domain.ComputeClusterClient,
	metrics domain.MetricsSink,
	logger *slog.Logger,
) *Manager {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Manager{
		sessions:   sessions,
		statements: statements,
		compute:    compute,
		metrics:    metrics,
		logger:     logger.With("component", "session"),
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetClock replaces the clock used for inactivity checks.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateSession persists a NOT_STARTED session, starts its interactive job
// and moves it to RUNNING. If the job cannot be submitted the session is
// left FAILED with the error recorded.
func (m *Manager) CreateSession(ctx context.Context, dataSourceName string) (*domain.Session, error) {
	sess := &domain.Session{
		SessionID:      domain.NewID(),
		SessionType:    domain.SessionTypeInteractive,
		ApplicationID:  m.cfg.ApplicationID,
		State:          domain.SessionStateNotStarted,
		DataSourceName: dataSourceName,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	jobID, err := m.compute.SubmitJob(ctx, domain.JobSpec{
		Name:          dataSourceName + "-" + sess.SessionID,
		ApplicationID: sess.ApplicationID,
		JobType:       domain.JobTypeInteractive,
		Tags:          map[string]string{"datasource": dataSourceName, "sessionId": sess.SessionID},
	})
	if err != nil {
		if _, ferr := m.transitionSession(ctx, sess, domain.SessionStateFailed, func(s *domain.Session) {
			s.Error = err.Error()
		}); ferr != nil {
			m.logger.Warn("mark session failed", "session_id", sess.SessionID, "error", ferr)
		}
		return nil, domain.ErrExternalCommunication("submit session job", err)
	}

	running, err := m.transitionSession(ctx, sess, domain.SessionStateRunning, func(s *domain.Session) {
		s.JobID = jobID
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session started", "session_id", running.SessionID, "datasource", dataSourceName, "job_id", jobID)
	return running, nil
}

// ListActiveSessions returns the sessions of a data source that still
// accept statements.
func (m *Manager) ListActiveSessions(ctx context.Context, dataSourceName string) ([]*domain.Session, error) {
	return m.sessions.ListActive(ctx, dataSourceName)
}

// FindReusableSession returns an active session for the data source, preferring
// RUNNING over NOT_STARTED. Each candidate is polled first, so a session
// whose job already ended or whose inactivity timeout elapsed is never
// handed out. ok is false when none is left.
func (m *Manager) FindReusableSession(ctx context.Context, dataSourceName string) (sess *domain.Session, ok bool, err error) {
	active, err := m.sessions.ListActive(ctx, dataSourceName)
	if err != nil {
		return nil, false, fmt.Errorf("list active sessions: %w", err)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].State == domain.SessionStateRunning && active[j].State != domain.SessionStateRunning
	})
	for _, s := range active {
		cur, err := m.PollSession(ctx, dataSourceName, s.SessionID)
		if err != nil {
			m.logger.Warn("skip unreachable session", "session_id", s.SessionID, "error", err)
			continue
		}
		if cur.State.AcceptsStatements() {
			return cur, true, nil
		}
	}
	return nil, false, nil
}

// PollSession advances a session by at most one transition: DEAD when the
// inactivity timeout elapsed and none of its statements is still in flight,
// otherwise whatever the bound job reports. A bound job the cluster no
// longer knows fails the session. Statements left in flight by a session
// that ends here are resolved before returning.
func (m *Manager) PollSession(ctx context.Context, dataSourceName, sessionID string) (*domain.Session, error) {
	sess, err := m.sessions.Get(ctx, dataSourceName, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return sess, nil
	}

	idle := m.now().Sub(time.UnixMilli(sess.LastUpdateTime))
	if idle > m.cfg.InactivityTimeout {
		busy, err := m.activeStatements(ctx, sess)
		if err != nil {
			return nil, err
		}
		if len(busy) > 0 {
			// A running statement is activity.
			m.touch(ctx, sess)
		} else {
			dead, err := m.endSession(ctx, sess, domain.SessionStateDead, fmt.Sprintf("session inactive for %s", idle.Truncate(time.Second)))
			if err != nil {
				return nil, err
			}
			m.metrics.IncCounter(domain.MetricSessionTimeouts)
			m.logger.Info("session timed out", "session_id", sessionID, "idle", idle)
			return dead, nil
		}
	}

	if sess.JobID == "" {
		return sess, nil
	}
	run, err := m.compute.GetJobStatus(ctx, sess.JobID)
	if domain.IsNotFound(err) {
		return m.endSession(ctx, sess, domain.SessionStateFailed, fmt.Sprintf("session job %s no longer exists", sess.JobID))
	}
	if err != nil {
		return nil, domain.ErrExternalCommunication("get session job status", err)
	}

	switch run.Status {
	case domain.JobStatusRunning:
		if sess.State == domain.SessionStateNotStarted {
			return m.transitionSession(ctx, sess, domain.SessionStateRunning, nil)
		}
	case domain.JobStatusSuccess:
		return m.endSession(ctx, sess, domain.SessionStateComplete, "")
	case domain.JobStatusFailed, domain.JobStatusCancelled:
		return m.endSession(ctx, sess, domain.SessionStateFailed, jobErrorText(run))
	}
	return sess, nil
}

// CloseSession moves an active session to DEAD and cancels its job. Closing
// an already ended session returns it unchanged.
func (m *Manager) CloseSession(ctx context.Context, dataSourceName, sessionID string) (*domain.Session, error) {
	sess, err := m.sessions.Get(ctx, dataSourceName, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return sess, nil
	}
	return m.endSession(ctx, sess, domain.SessionStateDead, "")
}

// endSession moves sess to a terminal state. Ending in DEAD cancels the
// session job. Statements still in flight afterwards are CANCELLED when the
// session was killed and FAILED when its job ended on its own.
func (m *Manager) endSession(ctx context.Context, sess *domain.Session, to domain.SessionState, reason string) (*domain.Session, error) {
	ended, err := m.transitionSession(ctx, sess, to, func(s *domain.Session) {
		if reason != "" {
			s.Error = reason
		}
	})
	if err != nil {
		return nil, err
	}
	if to == domain.SessionStateDead {
		m.cancelBestEffort(ctx, sess.JobID)
	}

	leftover := domain.StatementStateFailed
	if to == domain.SessionStateDead {
		leftover = domain.StatementStateCancelled
	}
	m.releaseStatements(ctx, ended, leftover)
	return ended, nil
}

// activeStatements gives every non-terminal statement of sess one poll and
// returns those still WAITING or RUNNING. A statement whose poll fails
// counts as active.
func (m *Manager) activeStatements(ctx context.Context, sess *domain.Session) ([]*domain.Statement, error) {
	all, err := m.statements.ListBySession(ctx, sess.DataSourceName, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list statements of session %s: %w", sess.SessionID, err)
	}
	var active []*domain.Statement
	for _, st := range all {
		if st.State.IsTerminal() {
			continue
		}
		cur, err := m.PollStatement(ctx, st.DataSourceName, st.StatementID)
		if err != nil {
			m.logger.Warn("poll statement", "statement_id", st.StatementID, "error", err)
			cur = st
		}
		if !cur.State.IsTerminal() {
			active = append(active, cur)
		}
	}
	return active, nil
}

func (m *Manager) releaseStatements(ctx context.Context, sess *domain.Session, to domain.StatementState) {
	active, err := m.activeStatements(ctx, sess)
	if err != nil {
		m.logger.Warn("release statements", "session_id", sess.SessionID, "error", err)
		return
	}
	reason := fmt.Sprintf("session %s ended %s", sess.SessionID, sess.State)
	for _, st := range active {
		if _, err := m.transitionStatement(ctx, st, to, func(s *domain.Statement) {
			s.Error = reason
		}); err != nil {
			m.logger.Warn("release statement", "statement_id", st.StatementID, "error", err)
			continue
		}
		m.cancelBestEffort(ctx, st.JobID)
	}
}

// touch refreshes lastUpdateTime so the inactivity clock restarts. A lost
// race means someone else just wrote the session, which is just as good.
func (m *Manager) touch(ctx context.Context, sess *domain.Session) {
	next := *sess
	if err := m.sessions.Update(ctx, &next); err != nil {
		if !domain.IsVersionConflict(err) {
			m.logger.Warn("touch session", "session_id", sess.SessionID, "error", err)
		}
		return
	}
	*sess = next
}

var sessionTransitions = map[domain.SessionState][]domain.SessionState{
	domain.SessionStateNotStarted: {domain.SessionStateRunning, domain.SessionStateFailed, domain.SessionStateDead},
	domain.SessionStateRunning:    {domain.SessionStateComplete, domain.SessionStateFailed, domain.SessionStateDead},
}

func canTransitionSession(from, to domain.SessionState) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionSession writes sess in state to. On a version conflict it
// re-reads: if another actor already reached to, that result is returned;
// otherwise the conflict is returned.
func (m *Manager) transitionSession(ctx context.Context, sess *domain.Session, to domain.SessionState, mutate func(*domain.Session)) (*domain.Session, error) {
	if !canTransitionSession(sess.State, to) {
		return nil, domain.ErrIllegalStateTransition("session %s cannot move from %s to %s", sess.SessionID, sess.State, to)
	}
	next := *sess
	next.State = to
	if mutate != nil {
		mutate(&next)
	}
	err := m.sessions.Update(ctx, &next)
	if err == nil {
		m.logger.Debug("session transition", "session_id", sess.SessionID, "from", sess.State, "to", to)
		return &next, nil
	}
	if !domain.IsVersionConflict(err) {
		return nil, fmt.Errorf("update session %s: %w", sess.SessionID, err)
	}

	cur, gerr := m.sessions.Get(ctx, sess.DataSourceName, sess.SessionID)
	if gerr != nil {
		return nil, fmt.Errorf("reload session %s: %w", sess.SessionID, gerr)
	}
	if cur.State == to {
		return cur, nil
	}
	return nil, fmt.Errorf("session %s moved to %s concurrently: %w", sess.SessionID, cur.State, err)
}

func (m *Manager) cancelBestEffort(ctx context.Context, jobID string) {
	if jobID == "" {
		return
	}
	if err := m.compute.CancelJob(ctx, jobID); err != nil {
		m.metrics.IncCounter(domain.MetricCancelJobFailures)
		m.logger.Warn("cancel job", "job_id", jobID, "error", err)
	}
}

func jobErrorText(run domain.JobRun) string {
	if run.Error != "" {
		return run.Error
	}
	return fmt.Sprintf("job %s ended %s", run.JobID, run.Status)
}
