/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mattrobinsonsre/terrapod/pkg/database"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

type createStateVersionRequest struct {
	Data struct {
		Attributes struct {
			Serial  *int64 `json:"serial"`
			Lineage string `json:"lineage"`
			Md5     string `json:"md5"`
			Force   bool   `json:"force"`
		} `json:"attributes"`
	} `json:"data"`
}

// ListStateVersions lists a workspace's state versions newest serial first.
func (h *Handler) ListStateVersions(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionRead); err != nil {
		return nil, err
	}
	workspaceId, err := parseExternalId(c.Param(ParamId), WorkspaceIDPrefix)
	if err != nil {
		return nil, err
	}
	pageNumber, pageSize := parsePagination(c)
	items, err := h.dbClient.SelectStateVersions(c.Request.Context(),
		sqrl.Eq{"workspace_id": workspaceId},
		[]string{"serial " + dbclient.DESC}, pageSize, (pageNumber-1)*pageSize)
	if err != nil {
		return nil, err
	}
	data := make([]gin.H, 0, len(items))
	for _, sv := range items {
		data = append(data, stateVersionJSON(sv)["data"].(gin.H))
	}
	return gin.H{"data": data}, nil
}

// CreateStateVersion registers a new state version. A duplicate serial is a
// conflict unless the caller forces it.
func (h *Handler) CreateStateVersion(c *gin.Context) (interface{}, error) {
	principal, err := requirePermission(c, PermissionWrite)
	if err != nil {
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

	req := &createStateVersionRequest{}
	if _, err = ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}
	if req.Data.Attributes.Serial == nil {
		return nil, commonerrors.NewValidationError("Missing serial.")
	}
	serial := *req.Data.Attributes.Serial

	if !req.Data.Attributes.Force {
		existing, err := h.dbClient.GetStateVersionBySerial(c.Request.Context(), workspace.Id, serial)
		if err != nil && !commonerrors.IsNotFound(err) {
			return nil, err
		}
		if existing != nil {
			return nil, commonerrors.NewConflict(commonerrors.SerialConflict,
				fmt.Sprintf("State version with serial %d already exists.", serial))
		}
	}

	sv := &dbclient.StateVersion{
		Id:          uuid.New(),
		WorkspaceId: workspace.Id,
		Serial:      serial,
		Lineage:     database.NullString(req.Data.Attributes.Lineage),
		Md5:         database.NullString(req.Data.Attributes.Md5),
		CreatedBy:   database.NullString(principal.Email),
		CreatedAt:   time.Now().UTC(),
	}
	if err = h.dbClient.InsertStateVersion(c.Request.Context(), sv); err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return stateVersionJSON(sv), nil
}

func (h *Handler) GetStateVersion(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionRead); err != nil {
		return nil, err
	}
	sv, err := h.getStateVersion(c)
	if err != nil {
		return nil, err
	}
	return stateVersionJSON(sv), nil
}

// GetCurrentStateVersion serves the workspace's highest-serial state version.
func (h *Handler) GetCurrentStateVersion(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionRead); err != nil {
		return nil, err
	}
	workspaceId, err := parseExternalId(c.Param(ParamId), WorkspaceIDPrefix)
	if err != nil {
		return nil, err
	}
	sv, err := h.dbClient.GetLatestStateVersion(c.Request.Context(), workspaceId)
	if err != nil {
		return nil, err
	}
	return stateVersionJSON(sv), nil
}

// UploadStateVersionContent accepts the raw state blob for a created state
// version. The URL is the hosted-state-upload-url capability, so there is no
// session check. The blob is envelope-encrypted at rest; md5 and size always
// describe the plaintext.
func (h *Handler) UploadStateVersionContent(c *gin.Context) (interface{}, error) {
	sv, err := h.getStateVersion(c)
	if err != nil {
		return nil, err
	}
	body, err := ReadBody(c.Request)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, commonerrors.NewValidationError("Empty state upload.")
	}

	sum := md5.Sum(body)
	plainMd5 := hex.EncodeToString(sum[:])
	plainSize := int64(len(body))

	sealed, err := h.envelope.EncryptState(body)
	if err != nil {
		return nil, err
	}
	key := storage.StateVersionKey(sv.WorkspaceId.String(), sv.Id.String())
	if _, err = h.store.Put(c.Request.Context(), key, sealed, jsonContentType, nil); err != nil {
		return nil, err
	}
	if err = h.dbClient.SetStateVersionContent(c.Request.Context(), sv.Id, plainMd5, plainSize); err != nil {
		return nil, err
	}
	return nil, nil
}

// UploadStateVersionJsonContent accepts the redacted JSON state Terraform
// also uploads. It is not served back, so the body is acknowledged and
// dropped.
func (h *Handler) UploadStateVersionJsonContent(c *gin.Context) (interface{}, error) {
	if _, err := h.getStateVersion(c); err != nil {
		return nil, err
	}
	if _, err := ReadBody(c.Request); err != nil {
		return nil, err
	}
	return nil, nil
}

// DownloadStateVersion streams the decrypted state blob.
func (h *Handler) DownloadStateVersion(c *gin.Context) (interface{}, error) {
	if _, err := requirePermission(c, PermissionPlan); err != nil {
		return nil, err
	}
	sv, err := h.getStateVersion(c)
	if err != nil {
		return nil, err
	}
	blob, err := h.store.Get(c.Request.Context(),
		storage.StateVersionKey(sv.WorkspaceId.String(), sv.Id.String()))
	if err != nil {
		return nil, err
	}
	plain, err := h.envelope.DecryptState(blob)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func (h *Handler) getStateVersion(c *gin.Context) (*dbclient.StateVersion, error) {
	svId, err := parseExternalId(c.Param(ParamId), StateVersionIDPrefix)
	if err != nil {
		return nil, err
	}
	return h.dbClient.GetStateVersion(c.Request.Context(), svId)
}
