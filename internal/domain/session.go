package domain

// SessionState is the lifecycle state of an interactive session.
type SessionState string

// Session lifecycle states.
const (
	SessionStateNotStarted SessionState = "not_started"
	SessionStateRunning    SessionState = "running"
	SessionStateComplete   SessionState = "complete"
	SessionStateFailed     SessionState = "failed"
	SessionStateDead       SessionState = "dead"
)

// SessionTypeInteractive is the only session type the coordinator creates.
const SessionTypeInteractive = "interactive"

// ActiveSessionStates are the states counted against admission ceilings.
var ActiveSessionStates = []string{string(SessionStateNotStarted), string(SessionStateRunning)}

// AcceptsStatements reports whether a session in this state can take new work.
func (s SessionState) AcceptsStatements() bool {
	return s == SessionStateNotStarted || s == SessionStateRunning
}

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionStateComplete || s == SessionStateFailed || s == SessionStateDead
}

// Session binds a tenant's interactive query activity to one external job.
type Session struct {
	SessionID      string
	SessionType    string
	ApplicationID  string
	JobID          string
	State          SessionState
	DataSourceName string
	Error          string
	LastUpdateTime int64
	Version        Version
}

// StatementState is the lifecycle state of one query within a session.
type StatementState string

// Statement lifecycle states.
const (
	StatementStateWaiting   StatementState = "waiting"
	StatementStateRunning   StatementState = "running"
	StatementStateSuccess   StatementState = "success"
	StatementStateFailed    StatementState = "failed"
	StatementStateCancelled StatementState = "cancelled"
)

// ActiveStatementStates are the states counted against admission ceilings.
var ActiveStatementStates = []string{string(StatementStateWaiting), string(StatementStateRunning)}

// IsTerminal reports whether the statement reached SUCCESS, FAILED or CANCELLED.
func (s StatementState) IsTerminal() bool {
	return s == StatementStateSuccess || s == StatementStateFailed || s == StatementStateCancelled
}

// Statement is one query's execution lifecycle within a session. It holds a
// back-reference to its session and never outlives it.
type Statement struct {
	StatementID    string
	SessionID      string
	ApplicationID  string
	JobID          string // external run executing this statement
	Query          string
	QueryID        string
	Lang           string
	State          StatementState
	DataSourceName string
	SubmitTime     int64
	Error          string
	LastUpdateTime int64
	Version        Version
}
