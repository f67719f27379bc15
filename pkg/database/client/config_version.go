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

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

const (
	TConfigurationVersion = "configuration_versions"

	ConfigurationPending  = "pending"
	ConfigurationUploaded = "uploaded"
	ConfigurationErrored  = "errored"
)

var (
	getConfigurationVersionCmd  = fmt.Sprintf(`SELECT * FROM %s WHERE id = $1 LIMIT 1`, TConfigurationVersion)
	insertConfigurationFormat   = `INSERT INTO ` + TConfigurationVersion + ` (%s) VALUES (%s)`
	setConfigurationUploadedCmd = fmt.Sprintf(`UPDATE %s SET status = '%s' WHERE id = $1`, TConfigurationVersion, ConfigurationUploaded)
)

func (c *Client) InsertConfigurationVersion(ctx context.Context, cv *ConfigurationVersion) error {
	if cv == nil {
		return nil
	}
	db := c.db.Unsafe()
	_, err := db.NamedExecContext(ctx, generateCommand(*cv, insertConfigurationFormat, ""), cv)
	if err != nil {
		klog.ErrorS(err, "failed to insert configuration version", "id", cv.Id)
	}
	return err
}

func (c *Client) GetConfigurationVersion(ctx context.Context, id uuid.UUID) (*ConfigurationVersion, error) {
	db := c.db.Unsafe()
	cv := &ConfigurationVersion{}
	err := db.GetContext(ctx, cv, getConfigurationVersionCmd, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFound("configuration-version", id.String())
	}
	if err != nil {
		klog.ErrorS(err, "failed to select configuration version", "id", id)
		return nil, err
	}
	return cv, nil
}

func (c *Client) SetConfigurationUploaded(ctx context.Context, id uuid.UUID) error {
	_, err := c.db.ExecContext(ctx, setConfigurationUploadedCmd, id)
	if err != nil {
		klog.ErrorS(err, "failed to mark configuration uploaded", "id", id)
	}
	return err
}
