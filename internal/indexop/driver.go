// Package indexop drives derived-index lifecycle changes. Each kind of change
// (create, alter, drop, vacuum) supplies its validation, its transitioning
// and stable states, and its external side effect; Driver.Run applies the
// shared compare-and-swap algorithm around them.
package indexop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"duck-async/internal/domain"
	"duck-async/internal/statestore"
)

// Operation is one kind of index lifecycle change.
type Operation interface {
	// Name identifies the operation in logs and errors.
	Name() string
	// Validate reports whether the operation applies to an index in status.
	Validate(status domain.IndexStatus) bool
	// TransitioningState is written before the side effect runs. It marks
	// the index as owned by this operation.
	TransitioningState() domain.IndexStatus
	// StableState is written once the side effect succeeded.
	// domain.IndexStatusNone purges the document instead.
	StableState() domain.IndexStatus
	// RunOp performs the external side effect. from is the status the index
	// had before the operation; RunOp may record a job id on st.
	RunOp(ctx context.Context, from domain.IndexStatus, st *domain.IndexState) error
}

// Target identifies the index an operation acts on.
type Target struct {
	DataSourceName string
	Details        domain.IndexDetails
}

// LatestID returns the id of the target's state document.
func (t Target) LatestID() string { return t.Details.LatestID() }

// Driver runs operations against IndexState documents.
type Driver struct {
	states        *statestore.IndexStateStore
	applicationID string
	metrics       domain.MetricsSink
	logger        *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(states *statestore.IndexStateStore, applicationID string, metrics domain.MetricsSink, logger *slog.Logger) *Driver {
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Driver{
		states:        states,
		applicationID: applicationID,
		metrics:       metrics,
		logger:        logger.With("component", "indexop"),
	}
}

// Current returns the state of target. A missing document reads as EMPTY
// with a zero version.
func (d *Driver) Current(ctx context.Context, target Target) (*domain.IndexState, error) {
	st, err := d.states.Get(ctx, target.DataSourceName, target.LatestID())
	if err == nil {
		return st, nil
	}
	if !domain.IsNotFound(err) {
		return nil, fmt.Errorf("load index state: %w", err)
	}
	return &domain.IndexState{
		LatestID:       target.LatestID(),
		ApplicationID:  d.applicationID,
		Status:         domain.IndexStatusEmpty,
		DataSourceName: target.DataSourceName,
	}, nil
}

// Run applies op to target. It returns the resulting state, or nil when the
// document was purged.
//
// The outcome is one of:
//   - OperationConflict: another operation holds the index; nothing written.
//   - IllegalStateTransition: op does not apply to the current state; nothing written.
//   - the side effect failed: the index is rolled back to its prior state
//     with the error recorded, or marked FAILED, and the error is returned.
//   - success: the index is in op's stable state, or purged.
func (d *Driver) Run(ctx context.Context, target Target, op Operation) (*domain.IndexState, error) {
	cur, err := d.Current(ctx, target)
	if err != nil {
		return nil, err
	}
	log := d.logger.With("op", op.Name(), "datasource", target.DataSourceName, "index", target.Details.PhysicalName())

	if cur.Status.IsTransitioning() {
		return nil, domain.ErrOperationConflict("index %s is %s by another operation", target.Details.PhysicalName(), cur.Status)
	}
	if !op.Validate(cur.Status) {
		return nil, domain.ErrIllegalStateTransition("cannot %s index %s in state %s", op.Name(), target.Details.PhysicalName(), cur.Status)
	}

	from := cur.Status
	working, err := d.enterTransition(ctx, cur, op)
	if err != nil {
		return nil, err
	}
	log.Info("index operation started", "from", from, "state", working.Status)

	if err := op.RunOp(ctx, from, working); err != nil {
		d.metrics.IncCounter(domain.MetricIndexOpFailures)
		log.Warn("index operation failed", "error", err)
		return nil, d.recover(ctx, working, from, op, err)
	}

	stable := op.StableState()
	if stable == domain.IndexStatusNone {
		if err := d.states.Delete(ctx, working); err != nil {
			return nil, d.markFailed(ctx, working, fmt.Errorf("purge index state: %w", err))
		}
		log.Info("index state purged")
		return nil, nil
	}

	done := *working
	done.Status = stable
	done.Error = ""
	if err := d.states.Update(ctx, &done); err != nil {
		return nil, d.markFailed(ctx, working, fmt.Errorf("commit %s: %w", stable, err))
	}
	log.Info("index operation finished", "state", stable)
	return &done, nil
}

// enterTransition CASes cur into op's transitioning state. Losing the race
// means another operation got there first.
func (d *Driver) enterTransition(ctx context.Context, cur *domain.IndexState, op Operation) (*domain.IndexState, error) {
	working := *cur
	working.Status = op.TransitioningState()
	working.Error = ""
	if working.ApplicationID == "" {
		working.ApplicationID = d.applicationID
	}

	var err error
	if cur.Version.IsZero() {
		err = d.states.Create(ctx, &working)
	} else {
		err = d.states.Update(ctx, &working)
	}
	switch {
	case err == nil:
		return &working, nil
	case domain.IsVersionConflict(err), domain.IsAlreadyExists(err), domain.IsNotFound(err):
		return nil, domain.ErrOperationConflict("index %s changed concurrently: %v", cur.LatestID, err)
	default:
		return nil, fmt.Errorf("enter %s: %w", working.Status, err)
	}
}

// recover undoes a failed side effect. A freshly created document has no
// prior state to return to, so it is marked FAILED; otherwise the prior
// state is restored with the error attached.
func (d *Driver) recover(ctx context.Context, working *domain.IndexState, from domain.IndexStatus, op Operation, cause error) error {
	opErr := fmt.Errorf("%s index: %w", op.Name(), cause)
	if from == domain.IndexStatusEmpty || from == domain.IndexStatusFailed {
		return d.markFailed(ctx, working, opErr)
	}

	back := *working
	back.Status = from
	back.Error = opErr.Error()
	if err := d.states.Update(ctx, &back); err != nil {
		d.logger.Warn("roll back index state", "index", working.LatestID, "error", err)
		return d.markFailed(ctx, working, opErr)
	}
	return opErr
}

// markFailed records cause on the index as FAILED and returns cause. If
// even that write fails both errors are returned.
func (d *Driver) markFailed(ctx context.Context, working *domain.IndexState, cause error) error {
	failed := *working
	failed.Status = domain.IndexStatusFailed
	failed.Error = cause.Error()
	if err := d.states.Update(ctx, &failed); err != nil {
		d.logger.Error("mark index failed", "index", working.LatestID, "error", err, "cause", cause)
		return errors.Join(cause, fmt.Errorf("mark index failed: %w", err))
	}
	return cause
}
