/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package pki

import (
	"crypto/x509"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) *Authority {
	authority, _, _, err := generateAuthority()
	require.NoError(t, err)
	return authority
}

func TestGenerateAuthority(t *testing.T) {
	authority, certPEM, keyPEM, err := generateAuthority()
	require.NoError(t, err)

	ca := authority.CACertificate()
	assert.Equal(t, caCommonName, ca.Subject.CommonName)
	assert.True(t, ca.IsCA)
	assert.True(t, ca.MaxPathLenZero)
	assert.NotZero(t, ca.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, ca.KeyUsage&x509.KeyUsageCRLSign)

	// The PEM pair round-trips into an equivalent authority.
	parsed, err := parseAuthority(certPEM, keyPEM)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(ca), Fingerprint(parsed.CACertificate()))
}

func TestIssueListenerCertificate(t *testing.T) {
	authority := newTestAuthority(t)

	issued, err := authority.IssueListenerCertificate("worker-1", "default")
	require.NoError(t, err)

	header := EncodeCertificateHeader(issued.CertificatePEM)
	cert, err := authority.VerifyClientCertificate(header, time.Now())
	require.NoError(t, err)

	assert.Equal(t, "worker-1", cert.Subject.CommonName)
	assert.Equal(t, issued.Fingerprint, Fingerprint(cert))
	assert.False(t, cert.IsCA)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageClientAuth)

	uris := make([]string, 0, len(cert.URIs))
	for _, u := range cert.URIs {
		uris = append(uris, u.String())
	}
	assert.Contains(t, uris, "terrapod://listener/worker-1")
	assert.Contains(t, uris, "terrapod://pool/default")
}

func TestVerifyRejectsForeignCertificate(t *testing.T) {
	authority := newTestAuthority(t)
	foreign := newTestAuthority(t)

	// Valid-format leaf signed by a different CA must be rejected.
	issued, err := foreign.IssueListenerCertificate("attacker", "default")
	require.NoError(t, err)
	_, err = authority.VerifyClientCertificate(EncodeCertificateHeader(issued.CertificatePEM), time.Now())
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	authority := newTestAuthority(t)

	_, err := authority.VerifyClientCertificate("not-base64!!", time.Now())
	assert.Error(t, err)
	_, err = authority.VerifyClientCertificate(EncodeCertificateHeader("not a pem"), time.Now())
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	authority := newTestAuthority(t)
	issued, err := authority.IssueListenerCertificate("worker-1", "default")
	require.NoError(t, err)

	future := time.Now().Add(leafLifetime + 24*time.Hour)
	_, err = authority.VerifyClientCertificate(EncodeCertificateHeader(issued.CertificatePEM), future)
	assert.Error(t, err)
}

func TestFingerprintFormat(t *testing.T) {
	authority := newTestAuthority(t)
	fingerprint := Fingerprint(authority.CACertificate())
	assert.Len(t, fingerprint, 64)
	decoded, err := hex.DecodeString(fingerprint)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
}
