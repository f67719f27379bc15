/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

const (
	TWorkspace = "workspaces"
)

var (
	getWorkspaceCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TWorkspace)
	getWorkspaceByNameCmd = fmt.Sprintf(`SELECT * FROM %s WHERE name = $1 LIMIT 1`, TWorkspace)
	lockWorkspaceCmd      = fmt.Sprintf(`UPDATE %s SET locked = true, lock_id = $2, updated_at = now()
		WHERE id = $1 AND locked = false`, TWorkspace)
	unlockWorkspaceCmd = fmt.Sprintf(`UPDATE %s SET locked = false, lock_id = NULL, updated_at = now()
		WHERE id = $1`, TWorkspace)
)

func (c *Client) GetWorkspace(ctx context.Context, id uuid.UUID) (*Workspace, error) {
	db := c.db.Unsafe()
	workspace := &Workspace{}
	err := db.GetContext(ctx, workspace, getWorkspaceCmd, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("workspace", id.String())
	}
	if err != nil {
		klog.ErrorS(err, "failed to select workspace", "id", id)
		return nil, err
	}
	return workspace, nil
}

func (c *Client) GetWorkspaceByName(ctx context.Context, name string) (*Workspace, error) {
	db := c.db.Unsafe()
	workspace := &Workspace{}
	err := db.GetContext(ctx, workspace, getWorkspaceByNameCmd, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("workspace", name)
	}
	if err != nil {
		klog.ErrorS(err, "failed to select workspace", "name", name)
		return nil, err
	}
	return workspace, nil
}

func (c *Client) SelectWorkspaces(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Workspace, error) {
	if c.db == nil {
		return nil, commonerrors.NewInternalError("The client of db has not been initialized")
	}
	db := c.db.Unsafe()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TWorkspace)
	if query != nil {
		builder = builder.Where(query)
	}
	if len(orderBy) > 0 {
		builder = builder.OrderBy(orderBy...)
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit)).Offset(uint64(max(offset, 0)))
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	var workspaces []*Workspace
	err = db.SelectContext(ctx, &workspaces, cmd, args...)
	return workspaces, err
}

// LockWorkspace flips the workspace lock with a transactional CAS.
// Returns false when the workspace is already locked.
func (c *Client) LockWorkspace(ctx context.Context, id uuid.UUID, lockId string) (bool, error) {
	result, err := c.db.ExecContext(ctx, lockWorkspaceCmd, id, lockId)
	if err != nil {
		klog.ErrorS(err, "failed to lock workspace", "id", id)
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (c *Client) UnlockWorkspace(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, unlockWorkspaceCmd, id)
	if err != nil {
		klog.ErrorS(err, "failed to unlock workspace", "id", id)
	}
	return err
}
