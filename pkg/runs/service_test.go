/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package runs

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	mockDb, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDb.Close() })
	db := sqlx.NewDb(mockDb, "postgres")
	return NewService(dbclient.NewClientWithDB(db), nil), mock
}

func runRow(id uuid.UUID, workspaceId uuid.UUID, status string, autoApply bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "workspace_id", "status", "auto_apply", "plan_only"}).
		AddRow(id.String(), workspaceId.String(), status, autoApply, false)
}

func TestTransitionPlanningToPlanned(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs(runId).
		WillReturnRows(runRow(runId, workspaceId, StatusPlanning, false))
	mock.ExpectExec(`UPDATE runs SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := svc.Transition(context.Background(), runId, StatusPlanned, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPlanned, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionAutoApplyBridgesToConfirmed(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs(runId).
		WillReturnRows(runRow(runId, workspaceId, StatusPlanning, true))
	// planned, then confirmed in the same transaction
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := svc.Transition(context.Background(), runId, StatusPlanned, "")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionApplyingLocksWorkspace(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs(runId).
		WillReturnRows(runRow(runId, workspaceId, StatusConfirmed, false))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE workspaces SET locked = true`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := svc.Transition(context.Background(), runId, StatusApplying, "")
	require.NoError(t, err)
	assert.Equal(t, StatusApplying, run.Status)
	assert.True(t, run.ApplyStartedAt.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionApplyingFailsWhenWorkspaceHeld(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs(runId).
		WillReturnRows(runRow(runId, workspaceId, StatusConfirmed, false))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	// Lock held by someone else: conditional update touches no rows.
	mock.ExpectExec(`UPDATE workspaces SET locked = true`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.Transition(context.Background(), runId, StatusApplying, "")
	require.Error(t, err)
	assert.Equal(t, commonerrors.WorkspaceLocked, commonerrors.GetErrorCode(err))
}

func TestTransitionTerminalReleasesLock(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs(runId).
		WillReturnRows(runRow(runId, workspaceId, StatusApplying, false))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE workspaces SET locked = false`).
		WithArgs(workspaceId, LockId(runId), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := svc.Transition(context.Background(), runId, StatusApplied, "")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionOutOfTerminalFails(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs(runId).
		WillReturnRows(runRow(runId, workspaceId, StatusApplied, false))
	mock.ExpectRollback()

	_, err := svc.Transition(context.Background(), runId, StatusQueued, "")
	require.Error(t, err)
	assert.Equal(t, commonerrors.IllegalTransition, commonerrors.GetErrorCode(err))
}

func TestTransitionRunNotFound(t *testing.T) {
	svc, mock := newTestService(t)
	runId := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WithArgs(runId).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.Transition(context.Background(), runId, StatusQueued, "")
	require.Error(t, err)
	assert.True(t, commonerrors.IsNotFound(err))
}

func TestClaimNextRun(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()
	listener := &dbclient.RunnerListener{Id: uuid.New(), PoolId: uuid.New(), Name: "worker-1"}

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(listener.PoolId).
		WillReturnRows(runRow(runId, workspaceId, StatusQueued, false))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := svc.ClaimNextRun(context.Background(), listener)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, StatusPlanning, run.Status)
	assert.True(t, run.PlanStartedAt.Valid)
	assert.Equal(t, listener.Id, run.ListenerId.UUID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextRunEmptyQueue(t *testing.T) {
	svc, mock := newTestService(t)
	listener := &dbclient.RunnerListener{Id: uuid.New(), PoolId: uuid.New(), Name: "worker-1"}

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(listener.PoolId).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	run, err := svc.ClaimNextRun(context.Background(), listener)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestConfirmRejectsSpeculative(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{"id", "workspace_id", "status", "auto_apply", "plan_only"}).
		AddRow(runId.String(), workspaceId.String(), StatusPlanned, false, true)
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 LIMIT 1`).
		WithArgs(runId).
		WillReturnRows(rows)

	_, err := svc.Confirm(context.Background(), runId)
	require.Error(t, err)
	assert.Equal(t, commonerrors.NotConfirmable, commonerrors.GetErrorCode(err))
}

func TestDiscardRequiresPlanned(t *testing.T) {
	svc, mock := newTestService(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 LIMIT 1`).
		WithArgs(runId).
		WillReturnRows(runRow(runId, workspaceId, StatusPlanning, false))

	_, err := svc.Discard(context.Background(), runId)
	require.Error(t, err)
	assert.Equal(t, commonerrors.NotDiscardable, commonerrors.GetErrorCode(err))
}
