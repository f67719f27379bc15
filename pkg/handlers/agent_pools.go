/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	"github.com/mattrobinsonsre/terrapod/pkg/database"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

type createAgentPoolRequest struct {
	Data struct {
		Attributes struct {
			Name               string `json:"name"`
			Description        string `json:"description"`
			ServiceAccountName string `json:"service-account-name"`
		} `json:"attributes"`
	} `json:"data"`
}

type createPoolTokenRequest struct {
	Data struct {
		Attributes struct {
			Description string `json:"description"`
			ExpiresAt   string `json:"expires-at"`
			MaxUses     *int64 `json:"max-uses"`
		} `json:"attributes"`
	} `json:"data"`
}

type joinPoolRequest struct {
	JoinToken         string   `json:"join_token"`
	Name              string   `json:"name"`
	RunnerDefinitions []string `json:"runner_definitions"`
}

func (h *Handler) ListAgentPools(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	pageNumber, pageSize := parsePagination(c)
	pools, err := h.dbClient.SelectAgentPools(c.Request.Context(), nil,
		[]string{dbclient.CreatedAt + " " + dbclient.ASC}, pageSize, (pageNumber-1)*pageSize)
	if err != nil {
		return nil, err
	}
	data := make([]gin.H, 0, len(pools))
	for _, pool := range pools {
		data = append(data, poolJSON(pool))
	}
	return gin.H{"data": data}, nil
}

func (h *Handler) CreateAgentPool(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	req := &createAgentPoolRequest{}
	if _, err := ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}
	if req.Data.Attributes.Name == "" {
		return nil, commonerrors.NewValidationError("Missing agent pool name.")
	}
	existing, err := h.dbClient.GetAgentPoolByName(c.Request.Context(), req.Data.Attributes.Name)
	if err != nil && !commonerrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return nil, commonerrors.NewAlreadyExist("Agent pool with that name already exists.")
	}

	pool := &dbclient.AgentPool{
		Id:                 uuid.New(),
		Name:               req.Data.Attributes.Name,
		Description:        database.NullString(req.Data.Attributes.Description),
		ServiceAccountName: database.NullString(req.Data.Attributes.ServiceAccountName),
		Organization:       database.NullString(DefaultOrg),
		CreatedAt:          time.Now().UTC(),
	}
	if err = h.dbClient.InsertAgentPool(c.Request.Context(), pool); err != nil {
		return nil, err
	}
	c.Status(http.StatusCreated)
	return gin.H{"data": poolJSON(pool)}, nil
}

func (h *Handler) GetAgentPool(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	pool, err := h.getPool(c)
	if err != nil {
		return nil, err
	}
	return gin.H{"data": poolJSON(pool)}, nil
}

func (h *Handler) DeleteAgentPool(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	pool, err := h.getPool(c)
	if err != nil {
		return nil, err
	}
	if err = h.dbClient.DeleteAgentPool(c.Request.Context(), pool.Id); err != nil {
		return nil, err
	}
	c.Status(http.StatusNoContent)
	return nil, nil
}

func (h *Handler) ListAgentPoolTokens(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	pool, err := h.getPool(c)
	if err != nil {
		return nil, err
	}
	tokens, err := h.dbClient.SelectAgentPoolTokens(c.Request.Context(), pool.Id)
	if err != nil {
		return nil, err
	}
	data := make([]gin.H, 0, len(tokens))
	for _, token := range tokens {
		data = append(data, tokenJSON(token, ""))
	}
	return gin.H{"data": data}, nil
}

// CreateAgentPoolToken mints a join token. The raw value appears in this
// response only; the database keeps its SHA-256 hash.
func (h *Handler) CreateAgentPoolToken(c *gin.Context) (interface{}, error) {
	principal, err := requireAdmin(c)
	if err != nil {
		return nil, err
	}
	pool, err := h.getPool(c)
	if err != nil {
		return nil, err
	}
	req := &createPoolTokenRequest{}
	if _, err = ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}

	rawToken, err := newJoinToken()
	if err != nil {
		return nil, err
	}
	token := &dbclient.AgentPoolToken{
		Id:          uuid.New(),
		PoolId:      pool.Id,
		TokenHash:   HashJoinToken(rawToken),
		Description: database.NullString(req.Data.Attributes.Description),
		CreatedBy:   database.NullString(principal.Email),
		CreatedAt:   time.Now().UTC(),
	}
	if req.Data.Attributes.MaxUses != nil {
		token.MaxUses.Int64 = *req.Data.Attributes.MaxUses
		token.MaxUses.Valid = true
	}
	if req.Data.Attributes.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339, req.Data.Attributes.ExpiresAt)
		if err != nil {
			return nil, commonerrors.NewValidationError("Invalid expires-at, want RFC 3339.")
		}
		token.ExpiresAt = pq.NullTime{Time: expiresAt.UTC(), Valid: true}
	}
	if err = h.dbClient.InsertAgentPoolToken(c.Request.Context(), token); err != nil {
		return nil, err
	}
	klog.Infof("agent pool token created, pool: %s, token_id: %s, by: %s", pool.Name, token.Id, principal.Email)
	c.Status(http.StatusCreated)
	return gin.H{"data": tokenJSON(token, rawToken)}, nil
}

func (h *Handler) RevokeAgentPoolToken(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	if _, err := h.getPool(c); err != nil {
		return nil, err
	}
	tokenId, err := parseExternalId(c.Param(ParamTokenId), TokenIDPrefix)
	if err != nil {
		return nil, err
	}
	if err = h.dbClient.RevokeAgentPoolToken(c.Request.Context(), tokenId); err != nil {
		return nil, err
	}
	c.Status(http.StatusNoContent)
	return nil, nil
}

func (h *Handler) ListPoolListeners(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	pool, err := h.getPool(c)
	if err != nil {
		return nil, err
	}
	listeners, err := h.dbClient.SelectRunnerListeners(c.Request.Context(),
		sqrl.Eq{"pool_id": pool.Id}, []string{dbclient.CreatedAt + " " + dbclient.ASC}, 0, 0)
	if err != nil {
		return nil, err
	}
	data := make([]gin.H, 0, len(listeners))
	for _, listener := range listeners {
		item := listenerJSON(listener)
		online, err := h.beat.IsOnline(c.Request.Context(), listener.Id)
		if err == nil {
			item["attributes"].(gin.H)["online"] = online
		}
		data = append(data, item)
	}
	return gin.H{"data": data}, nil
}

// DeletePoolListener deregisters a listener. Its certificate stops matching a
// row, so it also stops authenticating.
func (h *Handler) DeletePoolListener(c *gin.Context) (interface{}, error) {
	if _, err := requireAdmin(c); err != nil {
		return nil, err
	}
	pool, err := h.getPool(c)
	if err != nil {
		return nil, err
	}
	listenerId, err := parseExternalId(c.Param(ParamListenerId), ListenerIDPrefix)
	if err != nil {
		return nil, err
	}
	listener, err := h.dbClient.GetRunnerListener(c.Request.Context(), listenerId)
	if err != nil {
		return nil, err
	}
	if listener.PoolId != pool.Id {
		return nil, commonerrors.NewNotFound("listener", listenerId.String())
	}
	if err = h.dbClient.DeleteRunnerListener(c.Request.Context(), listenerId); err != nil {
		return nil, err
	}
	c.Status(http.StatusNoContent)
	return nil, nil
}

// JoinAgentPool is the bootstrap handshake: a valid join token buys one
// listener registration and a client certificate. The path names the pool;
// the token must belong to it. Token consumption is atomic, so a maxed-out
// or expired token cannot be raced past its budget.
func (h *Handler) JoinAgentPool(c *gin.Context) (interface{}, error) {
	req := &joinPoolRequest{}
	if _, err := ParseRequestBody(c.Request, req); err != nil {
		return nil, err
	}
	if req.JoinToken == "" || req.Name == "" {
		return nil, commonerrors.NewValidationError("Missing join_token or name.")
	}

	ctx := c.Request.Context()
	token, err := h.dbClient.GetAgentPoolTokenByHash(ctx, HashJoinToken(req.JoinToken))
	if err != nil {
		return nil, commonerrors.NewUnauthorized("Invalid join token.")
	}
	pool, err := h.dbClient.GetAgentPool(ctx, token.PoolId)
	if err != nil {
		return nil, err
	}
	if c.Param(ParamId) != pool.Name {
		return nil, commonerrors.NewForbidden("Join token does not belong to the requested pool.")
	}

	consumed, err := h.dbClient.ConsumeAgentPoolToken(ctx, token.Id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, commonerrors.NewUnauthorized("Invalid join token.")
	}

	issued, err := h.authority.IssueListenerCertificate(req.Name, pool.Name)
	if err != nil {
		return nil, err
	}
	definitions := database.NullString("")
	if len(req.RunnerDefinitions) > 0 {
		raw, err := json.Marshal(req.RunnerDefinitions)
		if err != nil {
			return nil, err
		}
		definitions = database.NullString(string(raw))
	}
	now := time.Now().UTC()
	listener, err := h.dbClient.UpsertRunnerListener(ctx, &dbclient.RunnerListener{
		Id:                     uuid.New(),
		PoolId:                 pool.Id,
		Name:                   req.Name,
		CertificateFingerprint: database.NullString(issued.Fingerprint),
		CertificateExpiresAt:   pq.NullTime{Time: issued.NotAfter, Valid: true},
		RunnerDefinitions:      definitions,
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("listener joined, listener: %s, pool: %s", req.Name, pool.Name)
	c.Status(http.StatusCreated)
	return gin.H{
		"listener_id":    ListenerIDPrefix + listener.Id.String(),
		"certificate":    issued.CertificatePEM,
		"private_key":    issued.PrivateKeyPEM,
		"ca_certificate": h.authority.CACertificatePEM(),
	}, nil
}

func (h *Handler) getPool(c *gin.Context) (*dbclient.AgentPool, error) {
	poolId, err := parseExternalId(c.Param(ParamId), PoolIDPrefix)
	if err != nil {
		return nil, err
	}
	return h.dbClient.GetAgentPool(c.Request.Context(), poolId)
}

// newJoinToken mints a 256-bit token, URL-safe for easy shipping.
func newJoinToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", commonerrors.NewInternalError(err.Error())
	}
	return "tpjt_" + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashJoinToken is the at-rest form of a join token.
func HashJoinToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
