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
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

const (
	TRun = "runs"
)

var (
	getRunCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TRun)
	insertRunFormat = `INSERT INTO ` + TRun + ` (%s) VALUES (%s)`
)

func (c *Client) InsertRun(ctx context.Context, run *Run) error {
	if run == nil {
		return nil
	}
	db := c.db.Unsafe()
	_, err := db.NamedExecContext(ctx, generateCommand(*run, insertRunFormat, ""), run)
	if err != nil {
		klog.ErrorS(err, "failed to insert run", "id", run.Id, "workspace", run.WorkspaceId)
	}
	return err
}

func (c *Client) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	db := c.db.Unsafe()
	run := &Run{}
	err := db.GetContext(ctx, run, getRunCmd, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("run", id.String())
	}
	if err != nil {
		klog.ErrorS(err, "failed to select run", "id", id)
		return nil, err
	}
	return run, nil
}

func (c *Client) SelectRuns(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Run, error) {
	startTime := time.Now().UTC()
	defer func() {
		if query != nil {
			if strQuery, args, err := query.ToSql(); err == nil {
				klog.V(4).Infof("select runs, where: %s, args: %v, cost (%v)", strQuery, args, time.Since(startTime))
			}
		}
	}()

	if c.db == nil {
		return nil, commonerrors.NewInternalError("The client of db has not been initialized")
	}
	db := c.db.Unsafe()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TRun)
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
	var runs []*Run
	if c.RequestTimeout > 0 {
		ctx2, cancel := context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
		err = db.SelectContext(ctx2, &runs, cmd, args...)
	} else {
		err = db.SelectContext(ctx, &runs, cmd, args...)
	}
	return runs, err
}

func (c *Client) CountRuns(ctx context.Context, query sqrl.Sqlizer) (int, error) {
	builder := sqrl.Select("COUNT(*)").PlaceholderFormat(sqrl.Dollar).From(TRun)
	if query != nil {
		builder = builder.Where(query)
	}
	cmd, args, err := builder.ToSql()
	if err != nil {
		return 0, err
	}
	var count int
	err = c.db.GetContext(ctx, &count, cmd, args...)
	return count, err
}
