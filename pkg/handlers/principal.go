/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/pki"
)

// The authentication facade in front of this service resolves sessions and
// tokens into a principal and a per-request workspace permission verdict,
// forwarded in trusted headers. This core never sees raw credentials.
const (
	HeaderUser       = "X-Terrapod-User"
	HeaderRoles      = "X-Terrapod-Roles"
	HeaderPermission = "X-Terrapod-Permission"
	HeaderAuthMethod = "X-Terrapod-Auth-Method"
	HeaderClientCert = "X-Terrapod-Client-Cert"
)

const (
	PermissionRead  = "read"
	PermissionPlan  = "plan"
	PermissionWrite = "write"
	PermissionAdmin = "admin"

	RoleAdmin = "admin"

	principalContextKey = "terrapod/principal"
	listenerContextKey  = "terrapod/listener"
)

var permissionRank = map[string]int{
	PermissionRead:  1,
	PermissionPlan:  2,
	PermissionWrite: 3,
	PermissionAdmin: 4,
}

type Principal struct {
	Email      string
	Roles      []string
	Permission string
	AuthMethod string
}

func (p *Principal) IsAdmin() bool {
	if p.Permission == PermissionAdmin {
		return true
	}
	for _, role := range p.Roles {
		if role == RoleAdmin {
			return true
		}
	}
	return false
}

// HasPermission reports whether the resolved verdict covers the required
// level. Levels are strictly ordered: read < plan < write < admin.
func (p *Principal) HasPermission(required string) bool {
	return permissionRank[p.Permission] >= permissionRank[required]
}

// Authorize rejects requests without a resolved principal and stores it on
// the context for handlers.
func Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := c.GetHeader(HeaderUser)
		if email == "" {
			AbortWithApiError(c, commonerrors.NewUnauthorized("Missing authenticated principal."))
			return
		}
		principal := &Principal{
			Email:      email,
			Permission: c.GetHeader(HeaderPermission),
			AuthMethod: c.GetHeader(HeaderAuthMethod),
		}
		if roles := c.GetHeader(HeaderRoles); roles != "" {
			principal.Roles = strings.Split(roles, ",")
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

func getPrincipal(c *gin.Context) (*Principal, error) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return nil, commonerrors.NewUnauthorized("Missing authenticated principal.")
	}
	principal, ok := value.(*Principal)
	if !ok {
		return nil, commonerrors.NewInternalError("unexpected principal type")
	}
	return principal, nil
}

func requirePermission(c *gin.Context, required string) (*Principal, error) {
	principal, err := getPrincipal(c)
	if err != nil {
		return nil, err
	}
	if !principal.HasPermission(required) {
		return nil, commonerrors.NewForbidden(
			fmt.Sprintf("Requires %s permission on workspace.", required))
	}
	return principal, nil
}

func requireAdmin(c *gin.Context) (*Principal, error) {
	principal, err := getPrincipal(c)
	if err != nil {
		return nil, err
	}
	if !principal.IsAdmin() {
		return nil, commonerrors.NewForbidden("Requires admin.")
	}
	return principal, nil
}

// CertAuth authenticates listeners by the client certificate header: leaf
// signature against the CA, validity window, then CN lookup and fingerprint
// equality against the listener row. Every failure is a plain 401.
func (h *Handler) CertAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(HeaderClientCert)
		if header == "" {
			AbortWithApiError(c, commonerrors.NewUnauthorized("Missing client certificate."))
			return
		}
		cert, err := h.authority.VerifyClientCertificate(header, time.Now())
		if err != nil {
			AbortWithApiError(c, err)
			return
		}
		listener, err := h.dbClient.GetRunnerListenerByName(c.Request.Context(), cert.Subject.CommonName)
		if err != nil {
			AbortWithApiError(c, commonerrors.NewUnauthorized("Unknown listener."))
			return
		}
		if !listener.CertificateFingerprint.Valid ||
			listener.CertificateFingerprint.String != pki.Fingerprint(cert) {
			AbortWithApiError(c, commonerrors.NewUnauthorized("Certificate fingerprint mismatch."))
			return
		}
		c.Set(listenerContextKey, listener)
		c.Next()
	}
}

// getAuthenticatedListener returns the cert-authenticated listener and
// checks it matches the listener the route addresses.
func getAuthenticatedListener(c *gin.Context, routeListenerId uuid.UUID) (*dbclient.RunnerListener, error) {
	value, ok := c.Get(listenerContextKey)
	if !ok {
		return nil, commonerrors.NewUnauthorized("Missing client certificate.")
	}
	listener, ok := value.(*dbclient.RunnerListener)
	if !ok {
		return nil, commonerrors.NewInternalError("unexpected listener type")
	}
	if listener.Id != routeListenerId {
		return nil, commonerrors.NewForbidden("Certificate does not match the addressed listener.")
	}
	return listener, nil
}
