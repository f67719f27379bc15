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
	TRunnerListener = "runner_listeners"
)

var (
	getListenerCmd       = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TRunnerListener)
	getListenerByNameCmd = fmt.Sprintf(`SELECT * FROM %s WHERE name = $1 LIMIT 1`, TRunnerListener)
	insertListenerFormat = `INSERT INTO ` + TRunnerListener + ` (%s) VALUES (%s)`
	deleteListenerCmd    = fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, TRunnerListener)
	updateListenerCmd    = fmt.Sprintf(`UPDATE %s
		SET pool_id = :pool_id,
		    certificate_fingerprint = :certificate_fingerprint,
		    certificate_expires_at = :certificate_expires_at,
		    runner_definitions = :runner_definitions,
		    updated_at = now()
		WHERE name = :name`, TRunnerListener)
	setListenerCertCmd = fmt.Sprintf(`UPDATE %s
		SET certificate_fingerprint = $2, certificate_expires_at = $3, updated_at = now()
		WHERE id = $1`, TRunnerListener)
)

func (c *Client) InsertRunnerListener(ctx context.Context, listener *RunnerListener) error {
	if listener == nil {
		return nil
	}
	db := c.db.Unsafe()
	_, err := db.NamedExecContext(ctx, generateCommand(*listener, insertListenerFormat, ""), listener)
	if err != nil {
		klog.ErrorS(err, "failed to insert listener", "name", listener.Name)
	}
	return err
}

func (c *Client) GetRunnerListener(ctx context.Context, id uuid.UUID) (*RunnerListener, error) {
	db := c.db.Unsafe()
	listener := &RunnerListener{}
	err := db.GetContext(ctx, listener, getListenerCmd, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("listener", id.String())
	}
	if err != nil {
		return nil, err
	}
	return listener, nil
}

func (c *Client) GetRunnerListenerByName(ctx context.Context, name string) (*RunnerListener, error) {
	db := c.db.Unsafe()
	listener := &RunnerListener{}
	err := db.GetContext(ctx, listener, getListenerByNameCmd, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("listener", name)
	}
	if err != nil {
		return nil, err
	}
	return listener, nil
}

func (c *Client) SelectRunnerListeners(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*RunnerListener, error) {
	db := c.db.Unsafe()
	builder := sqrl.Select("*").PlaceholderFormat(sqrl.Dollar).From(TRunnerListener)
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
	var listeners []*RunnerListener
	err = db.SelectContext(ctx, &listeners, cmd, args...)
	return listeners, err
}

// UpsertRunnerListener inserts the listener or, when the name is already
// registered, refreshes its pool, certificate and runner definitions.
// Listener names are unique so the local registration path is idempotent.
func (c *Client) UpsertRunnerListener(ctx context.Context, listener *RunnerListener) (*RunnerListener, error) {
	if listener == nil {
		return nil, nil
	}
	db := c.db.Unsafe()
	existing, err := c.GetRunnerListenerByName(ctx, listener.Name)
	if err != nil && !commonerrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		if _, err = db.NamedExecContext(ctx, updateListenerCmd, listener); err != nil {
			klog.ErrorS(err, "failed to update listener", "name", listener.Name)
			return nil, err
		}
		return c.GetRunnerListenerByName(ctx, listener.Name)
	}
	if _, err = db.NamedExecContext(ctx, generateCommand(*listener, insertListenerFormat, ""), listener); err != nil {
		klog.ErrorS(err, "failed to insert listener", "name", listener.Name)
		return nil, err
	}
	return c.GetRunnerListenerByName(ctx, listener.Name)
}

func (c *Client) SetRunnerListenerCertificate(ctx context.Context, id uuid.UUID, fingerprint string, expiresAt time.Time) error {
	_, err := c.db.ExecContext(ctx, setListenerCertCmd, id, fingerprint, expiresAt)
	if err != nil {
		klog.ErrorS(err, "failed to update listener certificate", "id", id)
	}
	return err
}

func (c *Client) DeleteRunnerListener(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, deleteListenerCmd, id)
	return err
}
