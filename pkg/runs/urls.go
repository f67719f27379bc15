/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package runs

import (
	"context"
	"time"

	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

// Presigned URL bundle keys handed to runner Jobs.
const (
	URLConfigDownload   = "config_download_url"
	URLStateDownload    = "state_download_url"
	URLPlanLogUpload    = "plan_log_upload_url"
	URLPlanFileUpload   = "plan_file_upload_url"
	URLPlanFileDownload = "plan_file_download_url"
	URLApplyLogUpload   = "apply_log_upload_url"
	URLStateUpload      = "state_upload_url"
)

// newStateKey is where an apply uploads the state it produced; accepting the
// upload later promotes it into a real state version.
func newStateKey(run *dbclient.Run) string {
	return storage.StateVersionKey(run.WorkspaceId.String(), run.Id.String()+"-new")
}

// PlanURLs builds the presigned bundle a plan Job needs. URLs are generated
// server-side only; listeners never hold signing secrets.
func (s *Service) PlanURLs(ctx context.Context, run *dbclient.Run) (map[string]string, error) {
	expiry := storage.PresignExpiry()
	workspaceId := run.WorkspaceId.String()
	runId := run.Id.String()
	urls := map[string]string{}

	if run.ConfigurationVersionId.Valid {
		signed, err := s.store.PresignedGetURL(ctx,
			storage.ConfigVersionKey(workspaceId, run.ConfigurationVersionId.UUID.String()), expiry)
		if err != nil {
			return nil, err
		}
		urls[URLConfigDownload] = signed.URL
	}

	if err := s.addStateDownloadURL(ctx, run, urls, expiry); err != nil {
		return nil, err
	}

	for key, objectKey := range map[string]string{
		URLPlanLogUpload:  storage.PlanLogKey(workspaceId, runId),
		URLPlanFileUpload: storage.PlanFileKey(workspaceId, runId),
		URLApplyLogUpload: storage.ApplyLogKey(workspaceId, runId),
		URLStateUpload:    newStateKey(run),
	} {
		signed, err := s.store.PresignedPutURL(ctx, objectKey, "", expiry)
		if err != nil {
			return nil, err
		}
		urls[key] = signed.URL
	}
	return urls, nil
}

// ApplyURLs builds the presigned bundle an apply Job needs, including the
// download of the plan file its plan phase produced.
func (s *Service) ApplyURLs(ctx context.Context, run *dbclient.Run) (map[string]string, error) {
	expiry := storage.PresignExpiry()
	workspaceId := run.WorkspaceId.String()
	runId := run.Id.String()
	urls := map[string]string{}

	signed, err := s.store.PresignedGetURL(ctx, storage.PlanFileKey(workspaceId, runId), expiry)
	if err != nil {
		return nil, err
	}
	urls[URLPlanFileDownload] = signed.URL

	if run.ConfigurationVersionId.Valid {
		signed, err = s.store.PresignedGetURL(ctx,
			storage.ConfigVersionKey(workspaceId, run.ConfigurationVersionId.UUID.String()), expiry)
		if err != nil {
			return nil, err
		}
		urls[URLConfigDownload] = signed.URL
	}

	if err = s.addStateDownloadURL(ctx, run, urls, expiry); err != nil {
		return nil, err
	}

	for key, objectKey := range map[string]string{
		URLApplyLogUpload: storage.ApplyLogKey(workspaceId, runId),
		URLStateUpload:    newStateKey(run),
	} {
		signed, err = s.store.PresignedPutURL(ctx, objectKey, "", expiry)
		if err != nil {
			return nil, err
		}
		urls[key] = signed.URL
	}
	return urls, nil
}

// addStateDownloadURL points the Job at the workspace's latest state version,
// if one exists. A fresh workspace simply gets no URL.
func (s *Service) addStateDownloadURL(ctx context.Context, run *dbclient.Run, urls map[string]string, expiry time.Duration) error {
	sv, err := s.db.GetLatestStateVersion(ctx, run.WorkspaceId)
	if commonerrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	signed, err := s.store.PresignedGetURL(ctx,
		storage.StateVersionKey(run.WorkspaceId.String(), sv.Id.String()), expiry)
	if err != nil {
		return err
	}
	urls[URLStateDownload] = signed.URL
	return nil
}
