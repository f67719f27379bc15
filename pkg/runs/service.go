/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	"github.com/mattrobinsonsre/terrapod/pkg/database"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

const (
	DefaultPoolName = "default"

	SourceAPI = "tfe-api"

	lockIdFormat = "run-%s"
)

var (
	selectRunForUpdateCmd = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 FOR UPDATE`, dbclient.TRun)

	claimNextRunCmd = fmt.Sprintf(`SELECT * FROM %s
		WHERE status = 'queued' AND pool_id = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, dbclient.TRun)

	updateRunCmd = fmt.Sprintf(`UPDATE %s SET
		status = :status,
		listener_id = :listener_id,
		error_message = :error_message,
		plan_started_at = :plan_started_at,
		plan_finished_at = :plan_finished_at,
		apply_started_at = :apply_started_at,
		apply_finished_at = :apply_finished_at,
		updated_at = :updated_at
		WHERE id = :id`, dbclient.TRun)

	lockWorkspaceCmd = fmt.Sprintf(`UPDATE %s SET locked = true, lock_id = $2, updated_at = $3
		WHERE id = $1 AND (locked = false OR lock_id = $2)`, dbclient.TWorkspace)

	releaseWorkspaceCmd = fmt.Sprintf(`UPDATE %s SET locked = false, lock_id = NULL, updated_at = $3
		WHERE id = $1 AND lock_id = $2`, dbclient.TWorkspace)
)

// LockId is the workspace lock holder token for a run.
func LockId(runId uuid.UUID) string {
	return fmt.Sprintf(lockIdFormat, runId)
}

// Service owns the run lifecycle: creation, the state machine, queue claims
// and presigned URL brokering. All multi-row invariants (phase timestamps,
// workspace lock flips, auto-apply bridging) are enforced here inside a
// single transaction, never by callers.
type Service struct {
	db    dbclient.Interface
	store storage.Interface
}

func NewService(db dbclient.Interface, store storage.Interface) *Service {
	return &Service{db: db, store: store}
}

type CreateRunOptions struct {
	Message                string
	IsDestroy              bool
	AutoApply              *bool
	PlanOnly               bool
	Source                 string
	TerraformVersion       string
	ConfigurationVersionId uuid.NullUUID
	CreatedBy              string
}

// CreateRun inserts a run in pending and queues it right away when it needs
// no configuration upload, or when its configuration version is already
// uploaded. Otherwise the upload completion queues it.
func (s *Service) CreateRun(ctx context.Context, workspace *dbclient.Workspace, opts CreateRunOptions) (*dbclient.Run, error) {
	autoApply := workspace.AutoApply
	if opts.AutoApply != nil {
		autoApply = *opts.AutoApply
	}
	source := opts.Source
	if source == "" {
		source = SourceAPI
	}
	terraformVersion := opts.TerraformVersion
	if terraformVersion == "" {
		terraformVersion = workspace.TerraformVersion
	}

	poolId := workspace.PoolId
	if !poolId.Valid {
		pool, err := s.db.GetAgentPoolByName(ctx, DefaultPoolName)
		if err != nil && !commonerrors.IsNotFound(err) {
			return nil, err
		}
		if pool != nil {
			poolId = uuid.NullUUID{UUID: pool.Id, Valid: true}
		}
	}

	now := time.Now().UTC()
	run := &dbclient.Run{
		Id:                     uuid.New(),
		WorkspaceId:            workspace.Id,
		ConfigurationVersionId: opts.ConfigurationVersionId,
		Status:                 StatusPending,
		Message:                database.NullString(opts.Message),
		IsDestroy:              opts.IsDestroy,
		AutoApply:              autoApply,
		PlanOnly:               opts.PlanOnly,
		Source:                 source,
		TerraformVersion:       terraformVersion,
		ResourceCpu:            workspace.ResourceCpu,
		ResourceMemory:         workspace.ResourceMemory,
		PoolId:                 poolId,
		CreatedBy:              database.NullString(opts.CreatedBy),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.db.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	klog.Infof("run created, run_id: %s, workspace: %s, status: %s", run.Id, workspace.Name, run.Status)

	queueNow := !opts.ConfigurationVersionId.Valid
	if opts.ConfigurationVersionId.Valid {
		cv, err := s.db.GetConfigurationVersion(ctx, opts.ConfigurationVersionId.UUID)
		if err != nil {
			return nil, err
		}
		queueNow = cv.Status == dbclient.ConfigurationUploaded
	}
	if queueNow {
		return s.Transition(ctx, run.Id, StatusQueued, "")
	}
	return run, nil
}

// Transition moves a run to target under a row lock, stamping phase
// timestamps and flipping the workspace lock as required. Entering planned
// on an auto-apply run bridges straight to confirmed in the same
// transaction, so pollers never observe an unconfirmed auto-apply plan.
func (s *Service) Transition(ctx context.Context, runId uuid.UUID, target, errorMessage string) (*dbclient.Run, error) {
	tx, err := s.db.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	run := &dbclient.Run{}
	if err = tx.Unsafe().GetContext(ctx, run, selectRunForUpdateCmd, runId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, commonerrors.NewNotFound("run", runId.String())
		}
		return nil, err
	}

	if run, err = s.transitionTx(ctx, tx, run, target, errorMessage); err != nil {
		return nil, err
	}
	if target == StatusPlanned && run.AutoApply && !run.PlanOnly {
		if run, err = s.transitionTx(ctx, tx, run, StatusConfirmed, ""); err != nil {
			return nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Service) transitionTx(ctx context.Context, tx *sqlx.Tx, run *dbclient.Run, target, errorMessage string) (*dbclient.Run, error) {
	if !CanTransition(run.Status, target) {
		return nil, commonerrors.NewConflict(commonerrors.IllegalTransition,
			fmt.Sprintf("Invalid transition: %s -> %s.", run.Status, target))
	}

	now := time.Now().UTC()
	from := run.Status
	run.Status = target
	run.UpdatedAt = now
	if errorMessage != "" {
		run.ErrorMessage = database.NullString(errorMessage)
	}
	stampPhaseTimestamps(run, target, now)

	if _, err := tx.NamedExecContext(ctx, updateRunCmd, run); err != nil {
		klog.ErrorS(err, "failed to update run", "id", run.Id)
		return nil, err
	}

	if target == StatusApplying {
		result, err := tx.ExecContext(ctx, lockWorkspaceCmd, run.WorkspaceId, LockId(run.Id), now)
		if err != nil {
			return nil, err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return nil, commonerrors.NewConflict(commonerrors.WorkspaceLocked,
				fmt.Sprintf("Workspace %s is locked by another holder.", run.WorkspaceId))
		}
	}
	if IsTerminal(target) {
		// Only the lock this run holds may be released.
		if _, err := tx.ExecContext(ctx, releaseWorkspaceCmd, run.WorkspaceId, LockId(run.Id), now); err != nil {
			return nil, err
		}
	}

	klog.Infof("run transitioned, run_id: %s, from: %s, to: %s", run.Id, from, target)
	return run, nil
}

// stampPhaseTimestamps mirrors the phase clock rules: a phase opens when its
// running state is entered and closes on success or on an error while open.
func stampPhaseTimestamps(run *dbclient.Run, target string, now time.Time) {
	switch {
	case target == StatusPlanning:
		run.PlanStartedAt = pq.NullTime{Time: now, Valid: true}
	case (target == StatusPlanned || target == StatusErrored) && run.PlanStartedAt.Valid && !run.PlanFinishedAt.Valid:
		run.PlanFinishedAt = pq.NullTime{Time: now, Valid: true}
	case target == StatusApplying:
		run.ApplyStartedAt = pq.NullTime{Time: now, Valid: true}
	case (target == StatusApplied || target == StatusErrored) && run.ApplyStartedAt.Valid && !run.ApplyFinishedAt.Valid:
		run.ApplyFinishedAt = pq.NullTime{Time: now, Valid: true}
	}
}

// Confirm approves a planned run for apply.
func (s *Service) Confirm(ctx context.Context, runId uuid.UUID) (*dbclient.Run, error) {
	run, err := s.db.GetRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	if run.PlanOnly {
		return nil, commonerrors.NewConflict(commonerrors.NotConfirmable, "Speculative runs cannot be confirmed.")
	}
	if run.Status != StatusPlanned {
		return nil, commonerrors.NewConflict(commonerrors.NotConfirmable,
			fmt.Sprintf("Can only confirm runs in 'planned' status, got '%s'.", run.Status))
	}
	return s.Transition(ctx, runId, StatusConfirmed, "")
}

// Discard drops a planned run without applying it.
func (s *Service) Discard(ctx context.Context, runId uuid.UUID) (*dbclient.Run, error) {
	run, err := s.db.GetRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusPlanned {
		return nil, commonerrors.NewConflict(commonerrors.NotDiscardable,
			fmt.Sprintf("Can only discard runs in 'planned' status, got '%s'.", run.Status))
	}
	return s.Transition(ctx, runId, StatusDiscarded, "")
}

// Cancel aborts a non-terminal run.
func (s *Service) Cancel(ctx context.Context, runId uuid.UUID) (*dbclient.Run, error) {
	return s.Transition(ctx, runId, StatusCanceled, "")
}

// ClaimNextRun hands the oldest queued run of the listener's pool to the
// listener. SKIP LOCKED keeps concurrent claimers off the same row; a nil
// run with nil error means the queue is empty.
func (s *Service) ClaimNextRun(ctx context.Context, listener *dbclient.RunnerListener) (*dbclient.Run, error) {
	tx, err := s.db.DB().BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	run := &dbclient.Run{}
	if err = tx.Unsafe().GetContext(ctx, run, claimNextRunCmd, listener.PoolId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	run.ListenerId = uuid.NullUUID{UUID: listener.Id, Valid: true}
	if run, err = s.transitionTx(ctx, tx, run, StatusPlanning, ""); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	klog.Infof("run claimed, run_id: %s, listener: %s", run.Id, listener.Name)
	return run, nil
}

// QueuePendingRuns queues every pending run waiting on the uploaded
// configuration version. Failures are logged and skipped so one bad run
// cannot block the rest.
func (s *Service) QueuePendingRuns(ctx context.Context, configurationVersionId uuid.UUID) {
	pending, err := s.db.SelectRuns(ctx, sqrl.Eq{
		"configuration_version_id": configurationVersionId,
		"status":                   StatusPending,
	}, []string{dbclient.CreatedAt + " " + dbclient.ASC}, 0, 0)
	if err != nil {
		klog.ErrorS(err, "failed to select pending runs", "configuration_version", configurationVersionId)
		return
	}
	for _, run := range pending {
		if _, err = s.Transition(ctx, run.Id, StatusQueued, ""); err != nil {
			klog.ErrorS(err, "failed to queue pending run", "run_id", run.Id)
		}
	}
}
