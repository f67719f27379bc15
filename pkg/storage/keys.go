/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"fmt"
	"path"
	"strings"
)

// Artifact key conventions. A run exclusively owns its config, plan file,
// logs and output state; a state version exclusively owns its state blob.

func StateVersionKey(workspaceId, stateVersionId string) string {
	return fmt.Sprintf("state/%s/%s.tfstate", workspaceId, stateVersionId)
}

func PlanFileKey(workspaceId, runId string) string {
	return fmt.Sprintf("plans/%s/%s.tfplan", workspaceId, runId)
}

func PlanLogKey(workspaceId, runId string) string {
	return fmt.Sprintf("logs/%s/plans/%s.log", workspaceId, runId)
}

func ApplyLogKey(workspaceId, runId string) string {
	return fmt.Sprintf("logs/%s/applies/%s.log", workspaceId, runId)
}

func ConfigVersionKey(workspaceId, configVersionId string) string {
	return fmt.Sprintf("config/%s/%s.tar.gz", workspaceId, configVersionId)
}

// ValidateKey rejects absolute keys and keys escaping the store root.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty storage key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid storage key %q", key)
	}
	for _, part := range strings.Split(path.Clean(key), "/") {
		if part == ".." {
			return fmt.Errorf("invalid storage key %q", key)
		}
	}
	return nil
}
