/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

// InitRouters wires the v2 API onto the engine. Three trust zones:
//   - user routes behind Authorize(), the resolved-principal middleware;
//   - listener routes behind CertAuth(), mutual-auth by client certificate;
//   - capability routes with no middleware, either guarded by signed URLs
//     (storage), addressed by unguessable UUIDs handed out by authorized
//     calls (uploads, logs), or the join handshake which carries its own
//     token.
func (h *Handler) InitRouters(engine *gin.Engine) {
	engine.Use(Logger(), gin.Recovery())
	engine.NoRoute(func(c *gin.Context) {
		AbortWithApiError(c, commonerrors.NewNotFoundWithMessage("route not found"))
	})
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v2 := engine.Group("/api/v2")

	user := v2.Group("", Authorize())
	{
		user.POST("/runs", func(c *gin.Context) { handle(c, h.CreateRun) })
		user.GET("/runs/:id", func(c *gin.Context) { handle(c, h.GetRun) })
		user.POST("/runs/:id/actions/confirm", func(c *gin.Context) { handle(c, h.ConfirmRun) })
		user.POST("/runs/:id/actions/discard", func(c *gin.Context) { handle(c, h.DiscardRun) })
		user.POST("/runs/:id/actions/cancel", func(c *gin.Context) { handle(c, h.CancelRun) })
		user.GET("/runs/:id/plan", func(c *gin.Context) { handle(c, h.GetRunPlan) })
		user.GET("/runs/:id/apply", func(c *gin.Context) { handle(c, h.GetRunApply) })

		user.GET("/workspaces/:id", func(c *gin.Context) { handle(c, h.GetWorkspace) })
		user.GET("/workspaces/:id/runs", func(c *gin.Context) { handle(c, h.ListWorkspaceRuns) })
		user.POST("/workspaces/:id/actions/lock", func(c *gin.Context) { handle(c, h.LockWorkspace) })
		user.POST("/workspaces/:id/actions/unlock", func(c *gin.Context) { handle(c, h.UnlockWorkspace) })
		user.POST("/workspaces/:id/configuration-versions", func(c *gin.Context) { handle(c, h.CreateConfigurationVersion) })
		user.GET("/workspaces/:id/state-versions", func(c *gin.Context) { handle(c, h.ListStateVersions) })
		user.POST("/workspaces/:id/state-versions", func(c *gin.Context) { handle(c, h.CreateStateVersion) })
		user.GET("/workspaces/:id/current-state-version", func(c *gin.Context) { handle(c, h.GetCurrentStateVersion) })

		user.GET("/configuration-versions/:id", func(c *gin.Context) { handle(c, h.GetConfigurationVersion) })
		user.GET("/state-versions/:id", func(c *gin.Context) { handle(c, h.GetStateVersion) })
		user.GET("/state-versions/:id/download", func(c *gin.Context) { handle(c, h.DownloadStateVersion) })

		user.GET("/agent-pools", func(c *gin.Context) { handle(c, h.ListAgentPools) })
		user.POST("/agent-pools", func(c *gin.Context) { handle(c, h.CreateAgentPool) })
		user.GET("/agent-pools/:id", func(c *gin.Context) { handle(c, h.GetAgentPool) })
		user.DELETE("/agent-pools/:id", func(c *gin.Context) { handle(c, h.DeleteAgentPool) })
		user.GET("/agent-pools/:id/authentication-tokens", func(c *gin.Context) { handle(c, h.ListAgentPoolTokens) })
		user.POST("/agent-pools/:id/authentication-tokens", func(c *gin.Context) { handle(c, h.CreateAgentPoolToken) })
		user.DELETE("/agent-pools/:id/authentication-tokens/:token_id", func(c *gin.Context) { handle(c, h.RevokeAgentPoolToken) })
		user.GET("/agent-pools/:id/listeners", func(c *gin.Context) { handle(c, h.ListPoolListeners) })
		user.DELETE("/agent-pools/:id/listeners/:listener_id", func(c *gin.Context) { handle(c, h.DeletePoolListener) })
	}

	listener := v2.Group("/listeners/:id", h.CertAuth())
	{
		listener.POST("/heartbeat", func(c *gin.Context) { handle(c, h.ListenerHeartbeat) })
		listener.POST("/renew", func(c *gin.Context) { handle(c, h.RenewListenerCertificate) })
		listener.GET("/runs", func(c *gin.Context) { handle(c, h.ListListenerRuns) })
		// "next" shares the :run_id segment; gin's tree does not allow a
		// static sibling of a parameter route.
		listener.GET("/runs/:run_id", func(c *gin.Context) {
			if c.Param(ParamRunId) == "next" {
				handle(c, h.ClaimNextRun)
				return
			}
			handle(c, h.GetListenerRun)
		})
		listener.PATCH("/runs/:run_id", func(c *gin.Context) { handle(c, h.UpdateRunStatus) })
		listener.GET("/runs/:run_id/variables", func(c *gin.Context) { handle(c, h.GetRunVariables) })
		listener.GET("/runs/:run_id/plan-urls", func(c *gin.Context) { handle(c, h.GetRunPlanURLs) })
		listener.GET("/runs/:run_id/apply-urls", func(c *gin.Context) { handle(c, h.GetRunApplyURLs) })
	}

	// Capability routes. No session middleware; see the zone note above.
	v2.PUT("/configuration-versions/:id/upload", func(c *gin.Context) { handle(c, h.UploadConfigurationVersion) })
	v2.PUT("/state-versions/:id/content", func(c *gin.Context) { handle(c, h.UploadStateVersionContent) })
	v2.PUT("/state-versions/:id/json-content", func(c *gin.Context) { handle(c, h.UploadStateVersionJsonContent) })
	v2.GET("/plans/:id/log", func(c *gin.Context) { handle(c, h.GetPlanLog) })
	v2.GET("/applies/:id/log", func(c *gin.Context) { handle(c, h.GetApplyLog) })
	v2.POST("/agent-pools/:id/listeners/join", func(c *gin.Context) { handle(c, h.JoinAgentPool) })
	v2.GET("/storage/get/*key", func(c *gin.Context) { handle(c, h.StorageGet) })
	v2.PUT("/storage/put/*key", func(c *gin.Context) { handle(c, h.StoragePut) })
}
