/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"net/http"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"

	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/heartbeat"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
)

type heartbeatRequest struct {
	Capacity          int      `json:"capacity"`
	ActiveRuns        int      `json:"active_runs"`
	RunnerDefinitions []string `json:"runner_definitions"`
}

type updateRunStatusRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// ListenerHeartbeat publishes the listener's liveness and capacity into the
// TTL-bounded presence keys.
func (h *Handler) ListenerHeartbeat(c *gin.Context) (interface{}, error) {
	listener, err := h.routeListener(c)
	if err != nil {
		return nil, err
	}
	req := &heartbeatRequest{}
	if _, err = ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}
	err = h.beat.Publish(c.Request.Context(), listener.Id, heartbeat.State{
		Capacity:          req.Capacity,
		ActiveRuns:        req.ActiveRuns,
		RunnerDefinitions: req.RunnerDefinitions,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"status": "ok"}, nil
}

// RenewListenerCertificate reissues the listener's leaf. The old certificate
// authenticates this call; the new fingerprint replaces it atomically, so the
// old leaf stops working the moment the response is written.
func (h *Handler) RenewListenerCertificate(c *gin.Context) (interface{}, error) {
	listener, err := h.routeListener(c)
	if err != nil {
		return nil, err
	}
	pool, err := h.dbClient.GetAgentPool(c.Request.Context(), listener.PoolId)
	if err != nil {
		return nil, err
	}
	issued, err := h.authority.IssueListenerCertificate(listener.Name, pool.Name)
	if err != nil {
		return nil, err
	}
	err = h.dbClient.SetRunnerListenerCertificate(c.Request.Context(), listener.Id,
		issued.Fingerprint, issued.NotAfter)
	if err != nil {
		return nil, err
	}
	return gin.H{
		"certificate":    issued.CertificatePEM,
		"private_key":    issued.PrivateKeyPEM,
		"ca_certificate": h.authority.CACertificatePEM(),
	}, nil
}

// ClaimNextRun leases the oldest queued run of the listener's pool. An empty
// queue is 204, a claim is 200 with the run and its plan-phase URL bundle.
func (h *Handler) ClaimNextRun(c *gin.Context) (interface{}, error) {
	listener, err := h.routeListener(c)
	if err != nil {
		return nil, err
	}
	run, err := h.runs.ClaimNextRun(c.Request.Context(), listener)
	if err != nil {
		return nil, err
	}
	if run == nil {
		c.Status(http.StatusNoContent)
		return nil, nil
	}
	urls, err := h.runs.PlanURLs(c.Request.Context(), run)
	if err != nil {
		return nil, err
	}
	body := runJSON(run)
	body["data"].(gin.H)["attributes"].(gin.H)["presigned-urls"] = urls
	return body, nil
}

// ListListenerRuns returns the listener's claimed runs that are still in
// flight, oldest first. Listeners use it to recover orphans after a restart.
func (h *Handler) ListListenerRuns(c *gin.Context) (interface{}, error) {
	listener, err := h.routeListener(c)
	if err != nil {
		return nil, err
	}
	active, err := h.dbClient.SelectRuns(c.Request.Context(), sqrl.Eq{
		"listener_id": listener.Id,
		"status": []string{runs.StatusPlanning, runs.StatusPlanned,
			runs.StatusConfirmed, runs.StatusApplying},
	}, []string{dbclient.CreatedAt + " " + dbclient.ASC}, 0, 0)
	if err != nil {
		return nil, err
	}
	data := make([]gin.H, 0, len(active))
	for _, run := range active {
		data = append(data, runJSON(run)["data"].(gin.H))
	}
	return gin.H{"data": data}, nil
}

// GetListenerRun serves one of the listener's claimed runs, e.g. while it
// polls a planned run for confirmation.
func (h *Handler) GetListenerRun(c *gin.Context) (interface{}, error) {
	run, err := h.ownedRun(c)
	if err != nil {
		return nil, err
	}
	return runJSON(run), nil
}

// UpdateRunStatus moves a claimed run through the state machine on the
// listener's behalf. Only the claiming listener may report on a run.
func (h *Handler) UpdateRunStatus(c *gin.Context) (interface{}, error) {
	run, err := h.ownedRun(c)
	if err != nil {
		return nil, err
	}
	req := &updateRunStatusRequest{}
	if _, err = ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}
	if req.Status == "" {
		return nil, commonerrors.NewValidationError("Missing status.")
	}
	run, err = h.runs.Transition(c.Request.Context(), run.Id, req.Status, req.ErrorMessage)
	if err != nil {
		return nil, err
	}
	return runJSON(run), nil
}

// GetRunVariables hands the claimed run's workspace variables to the
// listener for Job env injection. Sensitive values are decrypted here; they
// only ever travel over the certificate-authenticated channel.
func (h *Handler) GetRunVariables(c *gin.Context) (interface{}, error) {
	run, err := h.ownedRun(c)
	if err != nil {
		return nil, err
	}
	variables, err := h.dbClient.SelectWorkspaceVariables(c.Request.Context(), run.WorkspaceId)
	if err != nil {
		return nil, err
	}
	data := make([]gin.H, 0, len(variables))
	for _, variable := range variables {
		value := ""
		if variable.Value.Valid {
			value = variable.Value.String
		}
		if variable.Sensitive {
			if value, err = h.envelope.DecryptValue(value); err != nil {
				return nil, err
			}
		}
		data = append(data, gin.H{
			"key":      variable.Key,
			"value":    value,
			"category": variable.Category,
			"hcl":      variable.Hcl,
		})
	}
	return gin.H{"data": data}, nil
}

func (h *Handler) GetRunPlanURLs(c *gin.Context) (interface{}, error) {
	run, err := h.ownedRun(c)
	if err != nil {
		return nil, err
	}
	urls, err := h.runs.PlanURLs(c.Request.Context(), run)
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func (h *Handler) GetRunApplyURLs(c *gin.Context) (interface{}, error) {
	run, err := h.ownedRun(c)
	if err != nil {
		return nil, err
	}
	urls, err := h.runs.ApplyURLs(c.Request.Context(), run)
	if err != nil {
		return nil, err
	}
	return urls, nil
}

func (h *Handler) routeListener(c *gin.Context) (*dbclient.RunnerListener, error) {
	listenerId, err := parseExternalId(c.Param(ParamId), ListenerIDPrefix)
	if err != nil {
		return nil, err
	}
	return getAuthenticatedListener(c, listenerId)
}

// ownedRun loads the route's run and checks the authenticated listener is the
// one that claimed it.
func (h *Handler) ownedRun(c *gin.Context) (*dbclient.Run, error) {
	listener, err := h.routeListener(c)
	if err != nil {
		return nil, err
	}
	runId, err := parseExternalId(c.Param(ParamRunId), RunIDPrefix)
	if err != nil {
		return nil, err
	}
	run, err := h.dbClient.GetRun(c.Request.Context(), runId)
	if err != nil {
		return nil, err
	}
	if !run.ListenerId.Valid || run.ListenerId.UUID != listener.Id {
		return nil, commonerrors.NewForbidden("Run is not claimed by this listener.")
	}
	return run, nil
}
