/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

const configTarContentType = "application/x-tar"

type createConfigVersionRequest struct {
	Data struct {
		Attributes struct {
			AutoQueueRuns *bool `json:"auto-queue-runs"`
			Speculative   bool  `json:"speculative"`
		} `json:"attributes"`
	} `json:"data"`
}

// CreateConfigurationVersion registers a pending configuration version for a
// workspace. The returned upload-url receives the tarball later.
func (h *Handler) CreateConfigurationVersion(c *gin.Context) (interface{}, error) {
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

	req := &createConfigVersionRequest{}
	if _, err = ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}
	autoQueueRuns := true
	if req.Data.Attributes.AutoQueueRuns != nil {
		autoQueueRuns = *req.Data.Attributes.AutoQueueRuns
	}

	cv := &dbclient.ConfigurationVersion{
		Id:            uuid.New(),
		WorkspaceId:   workspace.Id,
		Source:        runs.SourceAPI,
		Status:        dbclient.ConfigurationPending,
		AutoQueueRuns: autoQueueRuns,
		Speculative:   req.Data.Attributes.Speculative,
		CreatedAt:     time.Now().UTC(),
	}
	if err = h.dbClient.InsertConfigurationVersion(c.Request.Context(), cv); err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return configVersionJSON(cv), nil
}

func (h *Handler) GetConfigurationVersion(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionRead); err != nil {
		return nil, err
	}
	cvId, err := parseExternalId(c.Param(ParamId), ConfigVersionIDPrefix)
	if err != nil {
		return nil, err
	}
	cv, err := h.dbClient.GetConfigurationVersion(c.Request.Context(), cvId)
	if err != nil {
		return nil, err
	}
	return configVersionJSON(cv), nil
}

// UploadConfigurationVersion accepts the configuration tarball. The URL is a
// capability handed out by CreateConfigurationVersion, so there is no session
// check here. A version uploads at most once; completion queues every pending
// run waiting on it when auto-queue-runs is set.
func (h *Handler) UploadConfigurationVersion(c *gin.Context) (interface{}, error) {
	cvId, err := parseExternalId(c.Param(ParamId), ConfigVersionIDPrefix)
	if err != nil {
		return nil, err
	}
	cv, err := h.dbClient.GetConfigurationVersion(c.Request.Context(), cvId)
	if err != nil {
		return nil, err
	}
	if cv.Status == dbclient.ConfigurationUploaded {
		return nil, commonerrors.NewConflict(commonerrors.AlreadyExist,
			"Configuration version has already been uploaded.")
	}

	body, err := ReadBody(c.Request)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, commonerrors.NewValidationError("Empty configuration upload.")
	}

	key := storage.ConfigVersionKey(cv.WorkspaceId.String(), cv.Id.String())
	if _, err = h.store.Put(c.Request.Context(), key, body, configTarContentType, nil); err != nil {
		return nil, err
	}
	if err = h.dbClient.SetConfigurationUploaded(c.Request.Context(), cv.Id); err != nil {
		return nil, err
	}

	if cv.AutoQueueRuns {
		h.runs.QueuePendingRuns(c.Request.Context(), cv.Id)
	}
	return nil, nil
}
