/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	DESC = "desc"
	ASC  = "asc"

	CreatedAt = "created_at"
)

type Workspace struct {
	Id               uuid.UUID      `db:"id"`
	Name             string         `db:"name"`
	ExecutionMode    string         `db:"execution_mode"`
	AutoApply        bool           `db:"auto_apply"`
	TerraformVersion string         `db:"terraform_version"`
	ResourceCpu      string         `db:"resource_cpu"`
	ResourceMemory   string         `db:"resource_memory"`
	PoolId           uuid.NullUUID  `db:"pool_id"`
	Labels           sql.NullString `db:"labels"`
	OwnerEmail       sql.NullString `db:"owner_email"`
	Locked           bool           `db:"locked"`
	LockId           sql.NullString `db:"lock_id"`
	VcsRepo          sql.NullString `db:"vcs_repo"`
	VcsBranch        sql.NullString `db:"vcs_branch"`
	VcsProvider      sql.NullString `db:"vcs_provider"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

type Run struct {
	Id                     uuid.UUID      `db:"id"`
	WorkspaceId            uuid.UUID      `db:"workspace_id"`
	ConfigurationVersionId uuid.NullUUID  `db:"configuration_version_id"`
	Status                 string         `db:"status"`
	Message                sql.NullString `db:"message"`
	IsDestroy              bool           `db:"is_destroy"`
	AutoApply              bool           `db:"auto_apply"`
	PlanOnly               bool           `db:"plan_only"`
	Source                 string         `db:"source"`
	TerraformVersion       string         `db:"terraform_version"`
	ResourceCpu            string         `db:"resource_cpu"`
	ResourceMemory         string         `db:"resource_memory"`
	PoolId                 uuid.NullUUID  `db:"pool_id"`
	ListenerId             uuid.NullUUID  `db:"listener_id"`
	ErrorMessage           sql.NullString `db:"error_message"`
	PlanStartedAt          pq.NullTime    `db:"plan_started_at"`
	PlanFinishedAt         pq.NullTime    `db:"plan_finished_at"`
	ApplyStartedAt         pq.NullTime    `db:"apply_started_at"`
	ApplyFinishedAt        pq.NullTime    `db:"apply_finished_at"`
	VcsCommitSha           sql.NullString `db:"vcs_commit_sha"`
	VcsBranch              sql.NullString `db:"vcs_branch"`
	VcsPrNumber            sql.NullInt64  `db:"vcs_pr_number"`
	CreatedBy              sql.NullString `db:"created_by"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

type StateVersion struct {
	Id          uuid.UUID      `db:"id"`
	WorkspaceId uuid.UUID      `db:"workspace_id"`
	Serial      int64          `db:"serial"`
	Lineage     sql.NullString `db:"lineage"`
	Md5         sql.NullString `db:"md5"`
	Size        sql.NullInt64  `db:"size"`
	CreatedBy   sql.NullString `db:"created_by"`
	CreatedAt   time.Time      `db:"created_at"`
}

type ConfigurationVersion struct {
	Id            uuid.UUID `db:"id"`
	WorkspaceId   uuid.UUID `db:"workspace_id"`
	Source        string    `db:"source"`
	Status        string    `db:"status"`
	AutoQueueRuns bool      `db:"auto_queue_runs"`
	Speculative   bool      `db:"speculative"`
	CreatedAt     time.Time `db:"created_at"`
}

type AgentPool struct {
	Id                 uuid.UUID      `db:"id"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	ServiceAccountName sql.NullString `db:"service_account_name"`
	Organization       sql.NullString `db:"organization"`
	CreatedAt          time.Time      `db:"created_at"`
}

type AgentPoolToken struct {
	Id          uuid.UUID      `db:"id"`
	PoolId      uuid.UUID      `db:"pool_id"`
	TokenHash   string         `db:"token_hash"`
	Description sql.NullString `db:"description"`
	ExpiresAt   pq.NullTime    `db:"expires_at"`
	MaxUses     sql.NullInt64  `db:"max_uses"`
	UseCount    int            `db:"use_count"`
	IsRevoked   bool           `db:"is_revoked"`
	CreatedBy   sql.NullString `db:"created_by"`
	CreatedAt   time.Time      `db:"created_at"`
}

type RunnerListener struct {
	Id                     uuid.UUID      `db:"id"`
	PoolId                 uuid.UUID      `db:"pool_id"`
	Name                   string         `db:"name"`
	CertificateFingerprint sql.NullString `db:"certificate_fingerprint"`
	CertificateExpiresAt   pq.NullTime    `db:"certificate_expires_at"`
	RunnerDefinitions      sql.NullString `db:"runner_definitions"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

type CertificateAuthority struct {
	Id        uuid.UUID `db:"id"`
	CaCert    string    `db:"ca_cert"`
	CaKey     string    `db:"ca_key_encrypted"`
	CreatedAt time.Time `db:"created_at"`
}

type WorkspaceVariable struct {
	Id          uuid.UUID      `db:"id"`
	WorkspaceId uuid.UUID      `db:"workspace_id"`
	Key         string         `db:"key"`
	Value       sql.NullString `db:"value"`
	Category    string         `db:"category"`
	Sensitive   bool           `db:"sensitive"`
	Hcl         bool           `db:"hcl"`
	CreatedAt   time.Time      `db:"created_at"`
}

func getFieldTags(obj interface{}) map[string]string {
	result := make(map[string]string)
	t := reflect.TypeOf(obj)
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		result[strings.ToLower(field.Name)] = field.Tag.Get("db")
	}
	return result
}

// generateCommand generates SQL command string using reflection.
// Iterates through struct fields and builds column and value lists,
// skipping fields with the specified ignoreTag.
func generateCommand(obj interface{}, format, ignoreTag string) string {
	t := reflect.TypeOf(obj)
	columns := make([]string, 0, t.NumField())
	values := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("db")
		if tag == ignoreTag {
			continue
		}
		columns = append(columns, tag)
		values = append(values, fmt.Sprintf(":%s", tag))
	}
	return fmt.Sprintf(format, strings.Join(columns, ", "), strings.Join(values, ", "))
}

func GetFieldTag(tags map[string]string, name string) string {
	name = strings.ToLower(name)
	return tags[name]
}
