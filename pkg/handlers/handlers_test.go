/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattrobinsonsre/terrapod/pkg/crypto"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/runs"
	"github.com/mattrobinsonsre/terrapod/pkg/storage"
)

func newTestHandler(t *testing.T) (*Handler, *gin.Engine, sqlmock.Sqlmock) {
	gin.SetMode(gin.TestMode)
	mockDb, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDb.Close() })
	db := sqlx.NewDb(mockDb, "postgres")

	store, err := storage.NewFsStore(t.TempDir(), "test-signing-secret", "http://terrapod.local")
	require.NoError(t, err)

	h := NewHandler(dbclient.NewClientWithDB(db), store,
		crypto.NewEnvelopeWithKey("test-key"), nil, nil)
	engine := gin.New()
	h.InitRouters(engine)
	return h, engine, mock
}

func doRequest(engine *gin.Engine, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)
	return recorder
}

func userHeaders(permission string) map[string]string {
	return map[string]string{
		HeaderUser:       "dev@example.com",
		HeaderPermission: permission,
	}
}

func runColumns(id, workspaceId uuid.UUID, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "status", "auto_apply", "plan_only", "is_destroy",
		"source", "terraform_version", "created_at", "updated_at",
	}).AddRow(id.String(), workspaceId.String(), status, false, false, false,
		"tfe-api", "1.7.0", time.Now().UTC(), time.Now().UTC())
}

func TestGetRunRequiresPrincipal(t *testing.T) {
	_, engine, _ := newTestHandler(t)

	rec := doRequest(engine, http.MethodGet, "/api/v2/runs/run-"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body TerrapodApiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, commonerrors.Unauthorized, body.ErrorCode)
	assert.NotEmpty(t, body.ErrorMessage)
}

func TestGetRun(t *testing.T) {
	_, engine, mock := newTestHandler(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 LIMIT 1`).
		WithArgs(runId).
		WillReturnRows(runColumns(runId, workspaceId, runs.StatusPlanned))

	rec := doRequest(engine, http.MethodGet, "/api/v2/runs/run-"+runId.String(), "", userHeaders(PermissionRead))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			Id         string `json:"id"`
			Attributes struct {
				Status  string `json:"status"`
				Actions struct {
					IsConfirmable bool `json:"is-confirmable"`
					IsCancelable  bool `json:"is-cancelable"`
				} `json:"actions"`
			} `json:"attributes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-"+runId.String(), body.Data.Id)
	assert.Equal(t, runs.StatusPlanned, body.Data.Attributes.Status)
	assert.True(t, body.Data.Attributes.Actions.IsConfirmable)
	assert.True(t, body.Data.Attributes.Actions.IsCancelable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunBadId(t *testing.T) {
	_, engine, _ := newTestHandler(t)
	rec := doRequest(engine, http.MethodGet, "/api/v2/runs/run-not-a-uuid", "", userHeaders(PermissionRead))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunSpeculativeNeedsOnlyPlan(t *testing.T) {
	_, engine, mock := newTestHandler(t)
	workspaceId := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM workspaces WHERE id = \$1 LIMIT 1`).
		WithArgs(workspaceId).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "execution_mode", "auto_apply", "terraform_version",
			"resource_cpu", "resource_memory", "locked", "created_at", "updated_at",
		}).AddRow(workspaceId.String(), "ws-test", "agent", false, "1.7.0",
			"1", "2Gi", false, time.Now().UTC(), time.Now().UTC()))
	// default pool lookup, then insert, then the queue transition
	mock.ExpectQuery(`SELECT \* FROM agent_pools WHERE name = \$1 LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(uuid.NewString(), "default"))
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(runColumns(uuid.New(), workspaceId, runs.StatusPending))
	mock.ExpectExec(`UPDATE runs SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := fmt.Sprintf(`{"data": {"attributes": {"plan-only": true},
		"relationships": {"workspace": {"data": {"id": "ws-%s"}}}}}`, workspaceId)
	rec := doRequest(engine, http.MethodPost, "/api/v2/runs", body, userHeaders(PermissionPlan))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRunForbiddenWithoutWrite(t *testing.T) {
	_, engine, _ := newTestHandler(t)
	body := fmt.Sprintf(`{"data": {"attributes": {},
		"relationships": {"workspace": {"data": {"id": "ws-%s"}}}}}`, uuid.New())
	rec := doRequest(engine, http.MethodPost, "/api/v2/runs", body, userHeaders(PermissionPlan))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPlanLogFraming(t *testing.T) {
	h, engine, mock := newTestHandler(t)
	runId, workspaceId := uuid.New(), uuid.New()

	_, err := h.store.Put(t.Context(),
		storage.PlanLogKey(workspaceId.String(), runId.String()),
		[]byte("plan output"), "text/plain", nil)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 LIMIT 1`).
		WithArgs(runId).
		WillReturnRows(runColumns(runId, workspaceId, runs.StatusPlanned))

	rec := doRequest(engine, http.MethodGet, "/api/v2/plans/run-"+runId.String()+"/log", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "\x02plan output\x03", rec.Body.String())
}

func TestPlanLogMissingWhileRunning(t *testing.T) {
	_, engine, mock := newTestHandler(t)
	runId, workspaceId := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 LIMIT 1`).
		WithArgs(runId).
		WillReturnRows(runColumns(runId, workspaceId, runs.StatusPlanning))

	rec := doRequest(engine, http.MethodGet, "/api/v2/plans/run-"+runId.String()+"/log", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestApplyLogWindowing(t *testing.T) {
	h, engine, mock := newTestHandler(t)
	runId, workspaceId := uuid.New(), uuid.New()

	_, err := h.store.Put(t.Context(),
		storage.ApplyLogKey(workspaceId.String(), runId.String()),
		[]byte("0123456789"), "text/plain", nil)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM runs WHERE id = \$1 LIMIT 1`).
		WithArgs(runId).
		WillReturnRows(runColumns(runId, workspaceId, runs.StatusApplying))

	rec := doRequest(engine, http.MethodGet,
		"/api/v2/applies/run-"+runId.String()+"/log?offset=4&limit=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// mid-stream chunk: no STX (offset > 0), no ETX (phase still running)
	assert.Equal(t, "456", rec.Body.String())
}

func TestStorageRoundTrip(t *testing.T) {
	h, engine, _ := newTestHandler(t)
	fs := h.store.(*storage.FsStore)

	signed, err := fs.PresignedPutURL(t.Context(), "state/ws/demo.tfstate", "application/json", time.Minute)
	require.NoError(t, err)
	putPath := strings.TrimPrefix(signed.URL, "http://terrapod.local")
	rec := doRequest(engine, http.MethodPut, putPath, `{"serial": 1}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	signed, err = fs.PresignedGetURL(t.Context(), "state/ws/demo.tfstate", time.Minute)
	require.NoError(t, err)
	getPath := strings.TrimPrefix(signed.URL, "http://terrapod.local")
	rec = doRequest(engine, http.MethodGet, getPath, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"serial": 1}`, rec.Body.String())
}

func TestStorageRejectsBadSignature(t *testing.T) {
	_, engine, _ := newTestHandler(t)
	expires := time.Now().Add(time.Minute).Unix()
	rec := doRequest(engine, http.MethodGet,
		fmt.Sprintf("/api/v2/storage/get/state/ws/demo.tfstate?expires=%d&sig=forged", expires), "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStorageRejectsExpiredSignature(t *testing.T) {
	h, engine, _ := newTestHandler(t)
	fs := h.store.(*storage.FsStore)
	expires := time.Now().Add(-time.Minute).Unix()
	sig := fs.Sign(storage.OpGet, "state/ws/demo.tfstate", expires)
	rec := doRequest(engine, http.MethodGet,
		fmt.Sprintf("/api/v2/storage/get/state/ws/demo.tfstate?expires=%d&sig=%s", expires, sig), "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestJoinAgentPoolValidation(t *testing.T) {
	_, engine, _ := newTestHandler(t)
	rec := doRequest(engine, http.MethodPost, "/api/v2/agent-pools/default/listeners/join",
		`{"name": "listener-1"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body TerrapodApiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, commonerrors.ValidationError, body.ErrorCode)
}

func TestJoinAgentPoolInvalidToken(t *testing.T) {
	_, engine, mock := newTestHandler(t)

	mock.ExpectQuery(`SELECT \* FROM agent_pool_tokens WHERE token_hash = \$1 LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := doRequest(engine, http.MethodPost, "/api/v2/agent-pools/default/listeners/join",
		`{"join_token": "tpjt_bogus", "name": "listener-1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentPoolRoutesRequireAdmin(t *testing.T) {
	_, engine, _ := newTestHandler(t)
	rec := doRequest(engine, http.MethodGet, "/api/v2/agent-pools", "", userHeaders(PermissionWrite))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListenerRoutesRequireCertificate(t *testing.T) {
	_, engine, _ := newTestHandler(t)
	rec := doRequest(engine, http.MethodGet,
		"/api/v2/listeners/listener-"+uuid.NewString()+"/runs/next", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPaginationDefaults(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v2/runs?page[number]=0&page[size]=500", nil)
	number, size := parsePagination(c)
	assert.Equal(t, 1, number)
	assert.Equal(t, maxPageSize, size)

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/api/v2/runs", nil)
	number, size = parsePagination(c)
	assert.Equal(t, 1, number)
	assert.Equal(t, defaultPageSize, size)
}

func TestPermissionOrdering(t *testing.T) {
	principal := &Principal{Permission: PermissionWrite}
	assert.True(t, principal.HasPermission(PermissionRead))
	assert.True(t, principal.HasPermission(PermissionPlan))
	assert.True(t, principal.HasPermission(PermissionWrite))
	assert.False(t, principal.HasPermission(PermissionAdmin))
	assert.False(t, principal.IsAdmin())

	admin := &Principal{Permission: PermissionRead, Roles: []string{RoleAdmin}}
	assert.True(t, admin.IsAdmin())
}
