/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
	"github.com/mattrobinsonsre/terrapod/pkg/database"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
)

// JSON:API serialization, Terraform-Enterprise compatible. Attribute names
// use the dashed casing go-tfe expects.

func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func rfc3339Null(t pq.NullTime) string {
	if !t.Valid {
		return ""
	}
	return rfc3339(t.Time)
}

func externalBase() string {
	return strings.TrimRight(commonconfig.GetExternalURL(), "/")
}

func runJSON(run *dbclient.Run) gin.H {
	runId := RunIDPrefix + run.Id.String()
	terminal := runs.IsTerminal(run.Status)
	return gin.H{
		"data": gin.H{
			"id":   runId,
			"type": "runs",
			"attributes": gin.H{
				"status":                  run.Status,
				"message":                 database.ParseNullString(run.Message),
				"is-destroy":              run.IsDestroy,
				"auto-apply":              run.AutoApply,
				"plan-only":               run.PlanOnly,
				"source":                  run.Source,
				"terraform-version":       run.TerraformVersion,
				"resource-cpu":            run.ResourceCpu,
				"resource-memory":         run.ResourceMemory,
				"error-message":           database.ParseNullString(run.ErrorMessage),
				"vcs-commit-sha":          database.ParseNullString(run.VcsCommitSha),
				"vcs-branch":              database.ParseNullString(run.VcsBranch),
				"vcs-pull-request-number": database.ParseNullInt(run.VcsPrNumber),
				"status-timestamps": gin.H{
					"plan-queued-at": rfc3339(run.CreatedAt),
					"planning-at":    rfc3339Null(run.PlanStartedAt),
					"planned-at":     rfc3339Null(run.PlanFinishedAt),
					"applying-at":    rfc3339Null(run.ApplyStartedAt),
					"applied-at":     rfc3339Null(run.ApplyFinishedAt),
				},
				"created-at": rfc3339(run.CreatedAt),
				"updated-at": rfc3339(run.UpdatedAt),
				"actions": gin.H{
					"is-confirmable": run.Status == runs.StatusPlanned && !run.AutoApply,
					"is-discardable": run.Status == runs.StatusPlanned,
					"is-cancelable":  !terminal,
				},
				"permissions": gin.H{
					"can-apply":         run.Status == runs.StatusPlanned,
					"can-cancel":        !terminal,
					"can-discard":       run.Status == runs.StatusPlanned,
					"can-force-execute": false,
					"can-force-cancel":  false,
				},
			},
			"relationships": gin.H{
				"workspace": gin.H{
					"data": gin.H{"id": WorkspaceIDPrefix + run.WorkspaceId.String(), "type": "workspaces"},
				},
				"plan": gin.H{
					"data": gin.H{"id": PlanIDPrefix + run.Id.String(), "type": "plans"},
				},
				"apply": gin.H{
					"data": gin.H{"id": ApplyIDPrefix + run.Id.String(), "type": "applies"},
				},
			},
			"links": gin.H{
				"self": "/api/v2/runs/" + runId,
			},
		},
	}
}

func planJSON(run *dbclient.Run) gin.H {
	hasChanges := false
	switch run.Status {
	case runs.StatusPlanned, runs.StatusConfirmed, runs.StatusApplying, runs.StatusApplied:
		hasChanges = true
	}
	return gin.H{
		"data": gin.H{
			"id":   PlanIDPrefix + run.Id.String(),
			"type": "plans",
			"attributes": gin.H{
				"status":       runs.PlanStatus(run),
				"log-read-url": fmt.Sprintf("%s/api/v2/plans/%s/log", externalBase(), run.Id),
				"has-changes":  hasChanges,
			},
			"links": gin.H{
				"self": fmt.Sprintf("/api/v2/runs/%s%s/plan", RunIDPrefix, run.Id),
			},
		},
	}
}

func applyJSON(run *dbclient.Run) gin.H {
	return gin.H{
		"data": gin.H{
			"id":   ApplyIDPrefix + run.Id.String(),
			"type": "applies",
			"attributes": gin.H{
				"status":       runs.ApplyStatus(run),
				"log-read-url": fmt.Sprintf("%s/api/v2/applies/%s/log", externalBase(), run.Id),
			},
			"links": gin.H{
				"self": fmt.Sprintf("/api/v2/runs/%s%s/apply", RunIDPrefix, run.Id),
			},
		},
	}
}

func configVersionJSON(cv *dbclient.ConfigurationVersion) gin.H {
	cvId := ConfigVersionIDPrefix + cv.Id.String()
	return gin.H{
		"data": gin.H{
			"id":   cvId,
			"type": "configuration-versions",
			"attributes": gin.H{
				"source":          cv.Source,
				"status":          cv.Status,
				"auto-queue-runs": cv.AutoQueueRuns,
				"speculative":     cv.Speculative,
				"upload-url":      fmt.Sprintf("%s/api/v2/configuration-versions/%s/upload", externalBase(), cvId),
				"created-at":      rfc3339(cv.CreatedAt),
			},
			"relationships": gin.H{
				"workspace": gin.H{
					"data": gin.H{"id": WorkspaceIDPrefix + cv.WorkspaceId.String(), "type": "workspaces"},
				},
			},
			"links": gin.H{
				"self": "/api/v2/configuration-versions/" + cvId,
			},
		},
	}
}

func stateVersionJSON(sv *dbclient.StateVersion) gin.H {
	svId := StateVersionIDPrefix + sv.Id.String()
	base := externalBase()
	return gin.H{
		"data": gin.H{
			"id":   svId,
			"type": "state-versions",
			"attributes": gin.H{
				"serial":                       sv.Serial,
				"lineage":                      database.ParseNullString(sv.Lineage),
				"md5":                          database.ParseNullString(sv.Md5),
				"size":                         database.ParseNullInt(sv.Size),
				"created-at":                   rfc3339(sv.CreatedAt),
				"hosted-state-download-url":    fmt.Sprintf("%s/api/v2/state-versions/%s/download", base, svId),
				"hosted-state-upload-url":      fmt.Sprintf("%s/api/v2/state-versions/%s/content", base, svId),
				"hosted-json-state-upload-url": fmt.Sprintf("%s/api/v2/state-versions/%s/json-content", base, svId),
			},
			"links": gin.H{
				"self":     "/api/v2/state-versions/" + svId,
				"download": fmt.Sprintf("/api/v2/state-versions/%s/download", svId),
			},
		},
	}
}

func workspaceJSON(workspace *dbclient.Workspace) gin.H {
	return gin.H{
		"data": gin.H{
			"id":   WorkspaceIDPrefix + workspace.Id.String(),
			"type": "workspaces",
			"attributes": gin.H{
				"name":              workspace.Name,
				"execution-mode":    workspace.ExecutionMode,
				"auto-apply":        workspace.AutoApply,
				"terraform-version": workspace.TerraformVersion,
				"locked":            workspace.Locked,
				"lock-id":           database.ParseNullString(workspace.LockId),
				"created-at":        rfc3339(workspace.CreatedAt),
				"updated-at":        rfc3339(workspace.UpdatedAt),
			},
			"links": gin.H{
				"self": fmt.Sprintf("/api/v2/workspaces/%s%s", WorkspaceIDPrefix, workspace.Id),
			},
		},
	}
}

func poolJSON(pool *dbclient.AgentPool) gin.H {
	return gin.H{
		"id":   PoolIDPrefix + pool.Id.String(),
		"type": "agent-pools",
		"attributes": gin.H{
			"name":                 pool.Name,
			"description":          database.ParseNullString(pool.Description),
			"service-account-name": database.ParseNullString(pool.ServiceAccountName),
			"created-at":           rfc3339(pool.CreatedAt),
		},
		"relationships": gin.H{
			"organization": gin.H{
				"data": gin.H{"id": DefaultOrg, "type": "organizations"},
			},
		},
	}
}

func tokenJSON(token *dbclient.AgentPoolToken, rawToken string) gin.H {
	attributes := gin.H{
		"description": database.ParseNullString(token.Description),
		"is-revoked":  token.IsRevoked,
		"use-count":   token.UseCount,
		"created-at":  rfc3339(token.CreatedAt),
		"created-by":  database.ParseNullString(token.CreatedBy),
	}
	if token.MaxUses.Valid {
		attributes["max-uses"] = token.MaxUses.Int64
	}
	if token.ExpiresAt.Valid {
		attributes["expires-at"] = rfc3339Null(token.ExpiresAt)
	}
	if rawToken != "" {
		// Returned exactly once, at creation.
		attributes["token"] = rawToken
	}
	return gin.H{
		"id":         TokenIDPrefix + token.Id.String(),
		"type":       "authentication-tokens",
		"attributes": attributes,
	}
}

func listenerJSON(listener *dbclient.RunnerListener) gin.H {
	var definitions []string
	if listener.RunnerDefinitions.Valid {
		_ = json.Unmarshal([]byte(listener.RunnerDefinitions.String), &definitions)
	}
	return gin.H{
		"id":   ListenerIDPrefix + listener.Id.String(),
		"type": "runner-listeners",
		"attributes": gin.H{
			"name":                    listener.Name,
			"runner-definitions":      definitions,
			"certificate-fingerprint": database.ParseNullString(listener.CertificateFingerprint),
			"certificate-expires-at":  rfc3339Null(listener.CertificateExpiresAt),
			"created-at":              rfc3339(listener.CreatedAt),
			"updated-at":              rfc3339(listener.UpdatedAt),
		},
		"relationships": gin.H{
			"agent-pool": gin.H{
				"data": gin.H{"id": PoolIDPrefix + listener.PoolId.String(), "type": "agent-pools"},
			},
		},
	}
}
