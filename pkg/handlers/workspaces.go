/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

type lockWorkspaceRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) GetWorkspace(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionRead); err != nil {
		return nil, err
	}
	workspaceId, err := parseExternalId(c.Param(ParamId), WorkspaceIDPrefix)
	if err != nil {
		return nil, err
	}
	workspace, err := h.dbClient.GetWorkspace(c.Request.Context(), workspaceId)
	if err != nil {
		return nil, err
	}
	return workspaceJSON(workspace), nil
}

// LockWorkspace takes the workspace lock on behalf of the caller. A lock held
// by anyone, user or run, makes this a conflict.
func (h *Handler) LockWorkspace(c *gin.Context) (interface{}, error) {
	principal, err := requirePermission(c, PermissionWrite)
	if err != nil {
		return nil, err
	}
	workspaceId, err := parseExternalId(c.Param(ParamId), WorkspaceIDPrefix)
	if err != nil {
		return nil, err
	}
	req := &lockWorkspaceRequest{}
	if _, err = ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}

	locked, err := h.dbClient.LockWorkspace(c.Request.Context(), workspaceId, "user-"+principal.Email)
	if err != nil {
		return nil, err
	}
	if !locked {
		workspace, err := h.dbClient.GetWorkspace(c.Request.Context(), workspaceId)
		if err != nil {
			return nil, err
		}
		return nil, commonerrors.NewConflict(commonerrors.WorkspaceLocked,
			fmt.Sprintf("Workspace is locked by %s.", workspace.LockId.String))
	}
	workspace, err := h.dbClient.GetWorkspace(c.Request.Context(), workspaceId)
	if err != nil {
		return nil, err
	}
	return workspaceJSON(workspace), nil
}

// UnlockWorkspace releases a user-held lock. A lock held by a run can only be
// released by that run reaching a terminal state.
func (h *Handler) UnlockWorkspace(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionWrite); err != nil {
		return nil, err
	}
	workspaceId, err := parseExternalId(c.Param(ParamId), WorkspaceIDPrefix)
	if err != nil {
		return nil, err
	}
	workspace, err := h.dbClient.GetWorkspace(c.Request.Context(), workspaceId)
	if err != nil {
		return nil, err
	}
	if workspace.Locked && workspace.LockId.Valid && strings.HasPrefix(workspace.LockId.String, RunIDPrefix) {
		return nil, commonerrors.NewConflict(commonerrors.WorkspaceLocked,
			fmt.Sprintf("Workspace is locked by %s.", workspace.LockId.String))
	}
	if err = h.dbClient.UnlockWorkspace(c.Request.Context(), workspaceId); err != nil {
		return nil, err
	}
	workspace, err = h.dbClient.GetWorkspace(c.Request.Context(), workspaceId)
	if err != nil {
		return nil, err
	}
	return workspaceJSON(workspace), nil
}
