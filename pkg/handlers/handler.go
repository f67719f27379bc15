/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mattrobinsonsre/terrapod/pkg/crypto"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/heartbeat"
	"github.com/mattrobinsonsre/terrapod/pkg/pki"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

var (
	jsonContentType = "application/json; charset=utf-8"
)

// External ID prefixes of the JSON:API surface.
const (
	RunIDPrefix           = "run-"
	WorkspaceIDPrefix     = "ws-"
	ConfigVersionIDPrefix = "cv-"
	StateVersionIDPrefix  = "sv-"
	PoolIDPrefix          = "apool-"
	TokenIDPrefix         = "at-"
	ListenerIDPrefix      = "listener-"
	PlanIDPrefix          = "plan-"
	ApplyIDPrefix         = "apply-"
)

// DefaultOrg is the single organization of this deployment. The TFE surface
// requires one in a few payloads; there is no multi-org model here.
const DefaultOrg = "default"

// Route parameter names.
const (
	ParamId         = "id"
	ParamRunId      = "run_id"
	ParamTokenId    = "token_id"
	ParamListenerId = "listener_id"
	ParamStorageKey = "key"
)

type Handler struct {
	dbClient  dbclient.Interface
	store     storage.Interface
	envelope  *crypto.Envelope
	authority *pki.Authority
	beat      heartbeat.Interface
	runs      *runs.Service
}

func NewHandler(dbClient dbclient.Interface, store storage.Interface, envelope *crypto.Envelope,
	authority *pki.Authority, beat heartbeat.Interface) *Handler {
	return &Handler{
		dbClient:  dbClient,
		store:     store,
		envelope:  envelope,
		authority: authority,
		beat:      beat,
		runs:      runs.NewService(dbClient, store),
	}
}

// RunService exposes the run service for the in-process listener.
func (h *Handler) RunService() *runs.Service {
	return h.runs
}

type handleFunc func(*gin.Context) (interface{}, error)

func handle(c *gin.Context, fn handleFunc) {
	rsp, err := fn(c)
	if err != nil {
		AbortWithApiError(c, err)
		return
	}
	code := http.StatusOK
	// If a status was previously set, use that status in the response.
	if c.Writer.Status() > 0 {
		code = c.Writer.Status()
	}
	switch rspType := rsp.(type) {
	case nil:
		c.Status(code)
	case []byte:
		c.Data(code, jsonContentType, rspType)
	case string:
		c.Data(code, jsonContentType, []byte(rspType))
	default:
		c.JSON(code, rspType)
	}
}

// parseExternalId strips the JSON:API prefix and parses the row UUID. The
// prefix is optional so internal callers can pass bare UUIDs.
func parseExternalId(value, prefix string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimPrefix(value, prefix))
	if err != nil {
		return uuid.Nil, commonerrors.NewBadRequest("invalid id " + value)
	}
	return id, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func parsePagination(c *gin.Context) (pageNumber, pageSize int) {
	pageNumber, _ = strconv.Atoi(c.Query("page[number]"))
	if pageNumber < 1 {
		pageNumber = 1
	}
	pageSize, _ = strconv.Atoi(c.Query("page[size]"))
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return pageNumber, pageSize
}
