package indexop

import (
	"context"
	"fmt"

	"duck-async/internal/domain"
)

var (
	_ Operation = (*Create)(nil)
	_ Operation = (*Alter)(nil)
	_ Operation = (*Drop)(nil)
	_ Operation = (*Vacuum)(nil)
)

// Create submits the job that builds a new index. With auto refresh the job
// is a streaming job and the index settles in REFRESHING; otherwise it is a
// one-off batch build and the index settles in ACTIVE. A FAILED index may
// be created again.
type Create struct {
	Compute       domain.ComputeClusterClient
	ApplicationID string
	Query         string
	Details       domain.IndexDetails
}

// Name implements Operation.
func (c *Create) Name() string { return "create" }

// Validate implements Operation.
func (c *Create) Validate(s domain.IndexStatus) bool {
	return s == domain.IndexStatusEmpty || s == domain.IndexStatusFailed
}

// TransitioningState implements Operation.
func (c *Create) TransitioningState() domain.IndexStatus { return domain.IndexStatusCreating }

// StableState implements Operation.
func (c *Create) StableState() domain.IndexStatus {
	if c.Details.AutoRefresh {
		return domain.IndexStatusRefreshing
	}
	return domain.IndexStatusActive
}

// RunOp implements Operation.
func (c *Create) RunOp(ctx context.Context, _ domain.IndexStatus, st *domain.IndexState) error {
	jobID, err := submitIndexJob(ctx, c.Compute, c.ApplicationID, st.DataSourceName, c.Query, c.Details)
	if err != nil {
		return err
	}
	st.JobID = jobID
	return nil
}

// Alter changes the refresh mode of an index. Turning auto refresh off
// cancels the streaming job; turning it on starts one.
type Alter struct {
	Compute       domain.ComputeClusterClient
	ApplicationID string
	Query         string
	Details       domain.IndexDetails
}

// Name implements Operation.
func (a *Alter) Name() string { return "alter" }

// Validate implements Operation.
func (a *Alter) Validate(s domain.IndexStatus) bool {
	return s == domain.IndexStatusActive || s == domain.IndexStatusRefreshing
}

// TransitioningState implements Operation.
func (a *Alter) TransitioningState() domain.IndexStatus { return domain.IndexStatusUpdating }

// StableState implements Operation.
func (a *Alter) StableState() domain.IndexStatus {
	if a.Details.AutoRefresh {
		return domain.IndexStatusRefreshing
	}
	return domain.IndexStatusActive
}

// RunOp implements Operation.
func (a *Alter) RunOp(ctx context.Context, from domain.IndexStatus, st *domain.IndexState) error {
	switch {
	case from == domain.IndexStatusRefreshing && !a.Details.AutoRefresh:
		if err := cancelIndexJob(ctx, a.Compute, st.JobID); err != nil {
			return err
		}
		st.JobID = ""
	case from == domain.IndexStatusActive && a.Details.AutoRefresh:
		jobID, err := submitIndexJob(ctx, a.Compute, a.ApplicationID, st.DataSourceName, a.Query, a.Details)
		if err != nil {
			return err
		}
		st.JobID = jobID
	}
	return nil
}

// Drop marks an index DELETED after stopping its refresh job. The physical
// index stays until Vacuum.
type Drop struct {
	Compute domain.ComputeClusterClient
}

// Name implements Operation.
func (d *Drop) Name() string { return "drop" }

// Validate implements Operation.
func (d *Drop) Validate(s domain.IndexStatus) bool {
	return s == domain.IndexStatusActive || s == domain.IndexStatusRefreshing
}

// TransitioningState implements Operation.
func (d *Drop) TransitioningState() domain.IndexStatus { return domain.IndexStatusDeleting }

// StableState implements Operation.
func (d *Drop) StableState() domain.IndexStatus { return domain.IndexStatusDeleted }

// RunOp implements Operation.
func (d *Drop) RunOp(ctx context.Context, from domain.IndexStatus, st *domain.IndexState) error {
	if from != domain.IndexStatusRefreshing {
		return nil
	}
	return cancelIndexJob(ctx, d.Compute, st.JobID)
}

// Vacuum removes the physical storage of a DELETED index and then purges
// its state document.
type Vacuum struct {
	Metadata domain.IndexMetadataService
	Details  domain.IndexDetails
}

// Name implements Operation.
func (v *Vacuum) Name() string { return "vacuum" }

// Validate implements Operation.
func (v *Vacuum) Validate(s domain.IndexStatus) bool { return s == domain.IndexStatusDeleted }

// TransitioningState implements Operation.
func (v *Vacuum) TransitioningState() domain.IndexStatus { return domain.IndexStatusVacuuming }

// StableState implements Operation.
func (v *Vacuum) StableState() domain.IndexStatus { return domain.IndexStatusNone }

// RunOp implements Operation.
func (v *Vacuum) RunOp(ctx context.Context, _ domain.IndexStatus, _ *domain.IndexState) error {
	if err := v.Metadata.DeleteIndex(ctx, v.Details.PhysicalName()); err != nil {
		return fmt.Errorf("delete index %s: %w", v.Details.PhysicalName(), err)
	}
	return nil
}

func submitIndexJob(ctx context.Context, compute domain.ComputeClusterClient, applicationID, dataSourceName, query string, details domain.IndexDetails) (string, error) {
	jobType := domain.JobTypeBatch
	if details.AutoRefresh {
		jobType = domain.JobTypeStreaming
	}
	jobID, err := compute.SubmitJob(ctx, domain.JobSpec{
		Name:          dataSourceName + "-" + details.PhysicalName(),
		ApplicationID: applicationID,
		JobType:       jobType,
		Query:         query,
		Tags:          map[string]string{"datasource": dataSourceName, "index": details.PhysicalName()},
	})
	if err != nil {
		return "", domain.ErrExternalCommunication("submit index job", err)
	}
	return jobID, nil
}

func cancelIndexJob(ctx context.Context, compute domain.ComputeClusterClient, jobID string) error {
	if jobID == "" {
		return nil
	}
	if err := compute.CancelJob(ctx, jobID); err != nil {
		return domain.ErrExternalCommunication("cancel refresh job", err)
	}
	return nil
}
