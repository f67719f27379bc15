/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

const (
	logContentType  = "text/plain; charset=utf-8"
	defaultLogLimit = 65536
)

// GetPlanLog serves a chunk of the plan log with the control-character
// framing the CLI's streaming reader expects: STX before the first byte, ETX
// after the last once the phase is done. The URL is a capability addressed
// by the run's unguessable id, so there is no session check.
func (h *Handler) GetPlanLog(c *gin.Context) (interface{}, error) {
	return h.serveLog(c, storage.PlanLogKey, runs.PlanLogTerminal)
}

func (h *Handler) GetApplyLog(c *gin.Context) (interface{}, error) {
	return h.serveLog(c, storage.ApplyLogKey, runs.ApplyLogTerminal)
}

func (h *Handler) serveLog(c *gin.Context, keyFn func(workspaceId, runId string) string,
	terminalFn func(status string) bool) (interface{}, error) {
	runId, err := parseExternalId(c.Param(ParamId), RunIDPrefix)
	if err != nil {
		return nil, err
	}
	run, err := h.dbClient.GetRun(c.Request.Context(), runId)
	if err != nil {
		return nil, err
	}
	offset, limit := parseLogWindow(c)
	phaseDone := terminalFn(run.Status)

	data, err := h.store.Get(c.Request.Context(), keyFn(run.WorkspaceId.String(), run.Id.String()))
	var chunk []byte
	switch {
	case commonerrors.IsNotFound(err):
		// No blob yet: an empty window while running, a complete empty
		// framed log once the phase is over.
		chunk = runs.FrameMissingLog(phaseDone)
	case err != nil:
		return nil, err
	default:
		chunk = runs.FrameLogChunk(data, offset, limit, phaseDone)
	}
	c.Data(http.StatusOK, logContentType, chunk)
	return nil, nil
}

func parseLogWindow(c *gin.Context) (offset, limit int) {
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	limit, _ = strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = defaultLogLimit
	}
	return offset, limit
}
