/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
)

type createRunRequest struct {
	Data struct {
		Attributes struct {
			Message          string `json:"message"`
			IsDestroy        bool   `json:"is-destroy"`
			AutoApply        *bool  `json:"auto-apply"`
			PlanOnly         bool   `json:"plan-only"`
			TerraformVersion string `json:"terraform-version"`
		} `json:"attributes"`
		Relationships struct {
			Workspace struct {
				Data struct {
					Id string `json:"id"`
				} `json:"data"`
			} `json:"workspace"`
			ConfigurationVersion struct {
				Data struct {
					Id string `json:"id"`
				} `json:"data"`
			} `json:"configuration-version"`
		} `json:"relationships"`
	} `json:"data"`
}

// CreateRun creates a run in a workspace. Speculative (plan-only) runs need
// only plan permission, everything else needs write.
func (h *Handler) CreateRun(c *gin.Context) (interface{}, error) {
	req := &createRunRequest{}
	if _, err := ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}
	if req.Data.Relationships.Workspace.Data.Id == "" {
		return nil, commonerrors.NewValidationError("Missing workspace relationship.")
	}

	required := PermissionWrite
	if req.Data.Attributes.PlanOnly {
		required = PermissionPlan
	}
	principal, err := requirePermission(c, required)
	if err != nil {
		return nil, err
	}

	workspaceId, err := parseExternalId(req.Data.Relationships.Workspace.Data.Id, WorkspaceIDPrefix)
	if err != nil {
		return nil, err
	}
	workspace, err := h.dbClient.GetWorkspace(c.Request.Context(), workspaceId)
	if err != nil {
		return nil, err
	}

	opts := runs.CreateRunOptions{
		Message:          req.Data.Attributes.Message,
		IsDestroy:        req.Data.Attributes.IsDestroy,
		AutoApply:        req.Data.Attributes.AutoApply,
		PlanOnly:         req.Data.Attributes.PlanOnly,
		TerraformVersion: req.Data.Attributes.TerraformVersion,
		CreatedBy:        principal.Email,
	}
	if cvId := req.Data.Relationships.ConfigurationVersion.Data.Id; cvId != "" {
		id, err := parseExternalId(cvId, ConfigVersionIDPrefix)
		if err != nil {
			return nil, err
		}
		opts.ConfigurationVersionId = uuid.NullUUID{UUID: id, Valid: true}
	}

	run, err := h.runs.CreateRun(c.Request.Context(), workspace, opts)
	if err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return runJSON(run), nil
}

func (h *Handler) GetRun(c *gin.Context) (interface{}, error) {
	run, err := h.getRunWithPermission(c, PermissionRead)
	if err != nil {
		return nil, err
	}
	return runJSON(run), nil
}

// ConfirmRun approves a planned run for apply.
func (h *Handler) ConfirmRun(c *gin.Context) (interface{}, error) {
	run, err := h.getRunWithPermission(c, PermissionWrite)
	if err != nil {
		return nil, err
	}
	if run, err = h.runs.Confirm(c.Request.Context(), run.Id); err != nil {
		return nil, err
	}
	return runJSON(run), nil
}

func (h *Handler) DiscardRun(c *gin.Context) (interface{}, error) {
	run, err := h.getRunWithPermission(c, PermissionPlan)
	if err != nil {
		return nil, err
	}
	if run, err = h.runs.Discard(c.Request.Context(), run.Id); err != nil {
		return nil, err
	}
	return runJSON(run), nil
}

func (h *Handler) CancelRun(c *gin.Context) (interface{}, error) {
	run, err := h.getRunWithPermission(c, PermissionPlan)
	if err != nil {
		return nil, err
	}
	if run, err = h.runs.Cancel(c.Request.Context(), run.Id); err != nil {
		return nil, err
	}
	return runJSON(run), nil
}

// GetRunPlan serves the plan sub-resource, a projection of the run row.
func (h *Handler) GetRunPlan(c *gin.Context) (interface{}, error) {
	run, err := h.getRunWithPermission(c, PermissionRead)
	if err != nil {
		return nil, err
	}
	return planJSON(run), nil
}

func (h *Handler) GetRunApply(c *gin.Context) (interface{}, error) {
	run, err := h.getRunWithPermission(c, PermissionRead)
	if err != nil {
		return nil, err
	}
	return applyJSON(run), nil
}

// ListWorkspaceRuns lists a workspace's runs newest first, paginated.
func (h *Handler) ListWorkspaceRuns(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionRead); err != nil {
		return nil, err
	}
	workspaceId, err := parseExternalId(c.Param(ParamId), WorkspaceIDPrefix)
	if err != nil {
		return nil, err
	}
	if _, err = h.dbClient.GetWorkspace(c.Request.Context(), workspaceId); err != nil {
		return nil, err
	}

	pageNumber, pageSize := parsePagination(c)
	query := sqrl.Eq{"workspace_id": workspaceId}
	total, err := h.dbClient.CountRuns(c.Request.Context(), query)
	if err != nil {
		return nil, err
	}
	items, err := h.dbClient.SelectRuns(c.Request.Context(), query,
		[]string{dbclient.CreatedAt + " " + dbclient.DESC}, pageSize, (pageNumber-1)*pageSize)
	if err != nil {
		return nil, err
	}

	data := make([]gin.H, 0, len(items))
	for _, run := range items {
		data = append(data, runJSON(run)["data"].(gin.H))
	}
	totalPages := (total + pageSize - 1) / pageSize
	return gin.H{
		"data": data,
		"meta": gin.H{
			"pagination": gin.H{
				"current-page": pageNumber,
				"page-size":    pageSize,
				"total-pages":  totalPages,
				"total-count":  total,
			},
		},
	}, nil
}

// getRunWithPermission loads the run addressed by the route after checking
// the caller's workspace permission verdict.
func (h *Handler) getRunWithPermission(c *gin.Context, required string) (*dbclient.Run, error) {
	if _, err := requirePermission(c, required); err != nil {
		return nil, err
	}
	runId, err := parseExternalId(c.Param(ParamId), RunIDPrefix)
	if err != nil {
		return nil, err
	}
	return h.dbClient.GetRun(c.Request.Context(), runId)
}
