/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

const (
	TWorkspaceVariable = "workspace_variables"

	VariableCategoryEnv       = "env"
	VariableCategoryTerraform = "terraform"
)

var (
	selectVariablesCmd = fmt.Sprintf(`SELECT * FROM %s WHERE workspace_id = $1 ORDER BY key ASC`, TWorkspaceVariable)
)

func (c *Client) SelectWorkspaceVariables(ctx context.Context, workspaceId uuid.UUID) ([]*WorkspaceVariable, error) {
	db := c.db.Unsafe()
	var variables []*WorkspaceVariable
	err := db.SelectContext(ctx, &variables, selectVariablesCmd, workspaceId)
	return variables, err
}
