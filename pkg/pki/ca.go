/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package pki

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/mattrobinsonsre/terrapod/pkg/crypto"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

const (
	caCommonName   = "Terrapod Certificate Authority"
	caOrganization = "Terrapod"

	caLifetime   = 3650 * 24 * time.Hour
	leafLifetime = 8760 * time.Hour

	listenerURIFormat = "terrapod://listener/%s"
	poolURIFormat     = "terrapod://pool/%s"

	certPEMBlock = "CERTIFICATE"
	keyPEMBlock  = "PRIVATE KEY"
)

// Authority is the control plane's certificate authority. The database row is
// authoritative; a filesystem cache is written best-effort for operators.
type Authority struct {
	caCert *x509.Certificate
	caKey  ed25519.PrivateKey

	caCertPEM []byte
}

// IssuedCertificate is a leaf issued to a runner listener.
type IssuedCertificate struct {
	CertificatePEM string
	PrivateKeyPEM  string
	Fingerprint    string
	NotAfter       time.Time
}

// LoadOrCreate loads the persisted CA or generates and persists a new one on
// first startup. The private key is sealed with the envelope when an
// encryption key is configured.
func LoadOrCreate(ctx context.Context, db dbclient.CertificateAuthorityInterface, envelope *crypto.Envelope, cacheDir string) (*Authority, error) {
	row, err := db.GetCertificateAuthority(ctx)
	if err != nil && !commonerrors.IsNotFound(err) {
		return nil, err
	}
	if row != nil {
		keyPEM := row.CaKey
		if envelope.HasKey() {
			if keyPEM, err = envelope.DecryptValue(row.CaKey); err != nil {
				return nil, err
			}
		}
		authority, err := parseAuthority([]byte(row.CaCert), []byte(keyPEM))
		if err != nil {
			return nil, err
		}
		authority.writeCache(cacheDir, []byte(keyPEM))
		return authority, nil
	}

	authority, certPEM, keyPEM, err := generateAuthority()
	if err != nil {
		return nil, err
	}
	storedKey := string(keyPEM)
	if envelope.HasKey() {
		if storedKey, err = envelope.EncryptValue(storedKey); err != nil {
			return nil, err
		}
	}
	row = &dbclient.CertificateAuthority{
		Id:        uuid.New(),
		CaCert:    string(certPEM),
		CaKey:     storedKey,
		CreatedAt: time.Now().UTC(),
	}
	if err = db.InsertCertificateAuthority(ctx, row); err != nil {
		return nil, err
	}
	klog.Infof("generated certificate authority, fingerprint: %s", Fingerprint(authority.caCert)[:16])
	authority.writeCache(cacheDir, keyPEM)
	return authority, nil
}

func generateAuthority() (*Authority, []byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, err
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caCommonName,
			Organization: []string{caOrganization},
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caLifetime),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: certPEMBlock, Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: keyPEMBlock, Bytes: keyDER})
	return &Authority{caCert: cert, caKey: priv, caCertPEM: certPEM}, certPEM, keyPEM, nil
}

func parseAuthority(certPEM, keyPEM []byte) (*Authority, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is not an Ed25519 key")
	}
	return &Authority{caCert: cert, caKey: key, caCertPEM: certPEM}, nil
}

func (a *Authority) CACertificatePEM() string {
	return string(a.caCertPEM)
}

func (a *Authority) CACertificate() *x509.Certificate {
	return a.caCert
}

// IssueListenerCertificate issues an Ed25519 client leaf bound to the
// listener and its pool through SAN URIs.
func (a *Authority) IssueListenerCertificate(listenerName, poolName string) (*IssuedCertificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	listenerURI, err := url.Parse(fmt.Sprintf(listenerURIFormat, listenerName))
	if err != nil {
		return nil, err
	}
	poolURI, err := url.Parse(fmt.Sprintf(poolURIFormat, poolName))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   listenerName,
			Organization: []string{caOrganization},
		},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(leafLifetime),
		IsCA:                  false,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		URIs:                  []*url.URL{listenerURI, poolURI},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, pub, a.caKey)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	fingerprint := Fingerprint(cert)
	klog.Infof("issued listener certificate, listener: %s, pool: %s, fingerprint: %s",
		listenerName, poolName, fingerprint[:16])
	return &IssuedCertificate{
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{Type: certPEMBlock, Bytes: der})),
		PrivateKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: keyPEMBlock, Bytes: keyDER})),
		Fingerprint:    fingerprint,
		NotAfter:       cert.NotAfter,
	}, nil
}

// VerifyClientCertificate verifies a base64-encoded PEM leaf against the CA:
// signature, validity window, and a parseable subject.
func (a *Authority) VerifyClientCertificate(headerValue string, now time.Time) (*x509.Certificate, error) {
	cert, err := ParseCertificate(headerValue)
	if err != nil {
		return nil, commonerrors.NewUnauthorized("failed to parse client certificate")
	}
	if err = cert.CheckSignatureFrom(a.caCert); err != nil {
		return nil, commonerrors.NewUnauthorized("client certificate is not signed by the certificate authority")
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, commonerrors.NewUnauthorized("client certificate is outside its validity window")
	}
	return cert, nil
}

// ParseCertificate parses a base64-encoded PEM certificate.
func ParseCertificate(encoded string) (*x509.Certificate, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

// Fingerprint returns the lowercase hex SHA-256 digest of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// EncodeCertificateHeader encodes a PEM certificate for the client cert header.
func EncodeCertificateHeader(certPEM string) string {
	return base64.StdEncoding.EncodeToString([]byte(certPEM))
}

// writeCache persists the CA pair under cacheDir best-effort; failures only log.
func (a *Authority) writeCache(cacheDir string, keyPEM []byte) {
	if cacheDir == "" {
		return
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		klog.ErrorS(err, "failed to create CA cache dir", "dir", cacheDir)
		return
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "ca.crt"), a.caCertPEM, 0o644); err != nil {
		klog.ErrorS(err, "failed to cache CA certificate")
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "ca.key"), keyPEM, 0o600); err != nil {
		klog.ErrorS(err, "failed to cache CA key")
	}
}
