/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Interface interface {
	WorkspaceInterface
	RunInterface
	StateVersionInterface
	ConfigurationVersionInterface
	AgentPoolInterface
	AgentPoolTokenInterface
	RunnerListenerInterface
	CertificateAuthorityInterface
	WorkspaceVariableInterface

	DB() *sqlx.DB
}

type WorkspaceInterface interface {
	GetWorkspace(ctx context.Context, id uuid.UUID) (*Workspace, error)
	GetWorkspaceByName(ctx context.Context, name string) (*Workspace, error)
	SelectWorkspaces(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Workspace, error)
	LockWorkspace(ctx context.Context, id uuid.UUID, lockId string) (bool, error)
	UnlockWorkspace(ctx context.Context, id uuid.UUID) error
}

type RunInterface interface {
	InsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	SelectRuns(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*Run, error)
	CountRuns(ctx context.Context, query sqrl.Sqlizer) (int, error)
}

type StateVersionInterface interface {
	InsertStateVersion(ctx context.Context, sv *StateVersion) error
	GetStateVersion(ctx context.Context, id uuid.UUID) (*StateVersion, error)
	GetStateVersionBySerial(ctx context.Context, workspaceId uuid.UUID, serial int64) (*StateVersion, error)
	GetLatestStateVersion(ctx context.Context, workspaceId uuid.UUID) (*StateVersion, error)
	SelectStateVersions(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*StateVersion, error)
	SetStateVersionContent(ctx context.Context, id uuid.UUID, md5 string, size int64) error
}

type ConfigurationVersionInterface interface {
	InsertConfigurationVersion(ctx context.Context, cv *ConfigurationVersion) error
	GetConfigurationVersion(ctx context.Context, id uuid.UUID) (*ConfigurationVersion, error)
	SetConfigurationUploaded(ctx context.Context, id uuid.UUID) error
}

type AgentPoolInterface interface {
	InsertAgentPool(ctx context.Context, pool *AgentPool) error
	GetAgentPool(ctx context.Context, id uuid.UUID) (*AgentPool, error)
	GetAgentPoolByName(ctx context.Context, name string) (*AgentPool, error)
	SelectAgentPools(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*AgentPool, error)
	DeleteAgentPool(ctx context.Context, id uuid.UUID) error
}

type AgentPoolTokenInterface interface {
	InsertAgentPoolToken(ctx context.Context, token *AgentPoolToken) error
	GetAgentPoolTokenByHash(ctx context.Context, tokenHash string) (*AgentPoolToken, error)
	SelectAgentPoolTokens(ctx context.Context, poolId uuid.UUID) ([]*AgentPoolToken, error)
	ConsumeAgentPoolToken(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	RevokeAgentPoolToken(ctx context.Context, id uuid.UUID) error
}

type RunnerListenerInterface interface {
	InsertRunnerListener(ctx context.Context, listener *RunnerListener) error
	GetRunnerListener(ctx context.Context, id uuid.UUID) (*RunnerListener, error)
	GetRunnerListenerByName(ctx context.Context, name string) (*RunnerListener, error)
	SelectRunnerListeners(ctx context.Context, query sqrl.Sqlizer, orderBy []string, limit, offset int) ([]*RunnerListener, error)
	UpsertRunnerListener(ctx context.Context, listener *RunnerListener) (*RunnerListener, error)
	SetRunnerListenerCertificate(ctx context.Context, id uuid.UUID, fingerprint string, expiresAt time.Time) error
	DeleteRunnerListener(ctx context.Context, id uuid.UUID) error
}

type CertificateAuthorityInterface interface {
	GetCertificateAuthority(ctx context.Context) (*CertificateAuthority, error)
	InsertCertificateAuthority(ctx context.Context, ca *CertificateAuthority) error
}

type WorkspaceVariableInterface interface {
	SelectWorkspaceVariables(ctx context.Context, workspaceId uuid.UUID) ([]*WorkspaceVariable, error)
}
