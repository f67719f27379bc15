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
	TStateVersion = "state_versions"
)

var (
	getStateVersionCmd         = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TStateVersion)
	getStateVersionBySerialCmd = fmt.Sprintf(`SELECT * FROM %s WHERE workspace_id = $1 AND serial = $2 LIMIT 1`, TStateVersion)
	getLatestStateVersionCmd   = fmt.Sprintf(`SELECT * FROM %s WHERE workspace_id = $1 ORDER BY serial DESC LIMIT 1`, TStateVersion)
	insertStateVersionFormat   = `INSERT INTO ` + TStateVersion + ` (%s) VALUES (%s)`
	setStateVersionContentCmd  = fmt.Sprintf(`UPDATE %s SET md5 = $2, size = $3 WHERE id = $1`, TStateVersion)
)

func (c *Client) InsertStateVersion(ctx context.Context, sv *StateVersion) error {
	if sv == nil {
		return nil
	}
	db := c.db.Unsafe()
	_, err := db.NamedExecContext(ctx, generateCommand(*sv, insertStateVersionFormat, ""), sv)
	if err != nil {
		klog.ErrorS(err, "failed to insert state version", "id", sv.Id, "workspace", sv.WorkspaceId)
	}
	return err
}

func (c *Client) GetStateVersion(ctx context.Context, id uuid.UUID) (*StateVersion, error) {
	db := c.db.Unsafe()
	sv := &StateVersion{}
	err := db.GetContext(ctx, sv, getStateVersionCmd, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("state-version", id.String())
	}
	if err != nil {
		klog.ErrorS(err, "failed to select state version", "id", id)
		return nil, err
	}
	return sv, nil
}

func (c *Client) GetStateVersionBySerial(ctx context.Context, workspaceId uuid.UUID, serial int64) (*StateVersion, error) {
	db := c.db.Unsafe()
	sv := &StateVersion{}
	err := db.GetContext(ctx, sv, getStateVersionBySerialCmd, workspaceId, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("state-version", fmt.Sprintf("%s/%d", workspaceId, serial))
	}
	if err != nil {
		return nil, err
	}
	return sv, nil
}

func (c *Client) GetLatestStateVersion(ctx context.Context, workspaceId uuid.UUID) (*StateVersion, error) {
	db := c.db.Unsafe()
	sv := &StateVersion{}
	err := db.GetContext(ctx, sv, getLatestStateVersionCmd, workspaceId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("state-version", workspaceId.String())
	}
	if err != nil {
		return nil, err
	}
	return sv, nil
}

func (c *Client) SelectStateVersions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*StateVersion, error) {
	db := c.db.Unsafe()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TStateVersion)
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
	var versions []*StateVersion
	err = db.SelectContext(ctx, &versions, cmd, args...)
	return versions, err
}

func (c *Client) SetStateVersionContent(ctx context.Context, id uuid.UUID, md5 string, size int64) error {
	_, err := c.db.ExecContext(ctx, setStateVersionContentCmd, id, md5, size)
	if err != nil {
		klog.ErrorS(err, "failed to update state version content", "id", id)
	}
	return err
}
