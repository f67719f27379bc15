/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
	"github.com/mattrobinsonsre/terrapod/pkg/crypto"
	"github.com/mattrobinsonsre/terrapod/pkg/database"
	dbclient "github.com/mattrobinsonsre/terrapod/pkg/database/client"
	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
	"github.com/mattrobinsonsre/terrapod/pkg/pki"
)

const (
	ModeLocal  = "local"
	ModeRemote = "remote"

	certFileName     = "listener.crt"
	keyFileName      = "listener.key"
	caFileName       = "ca.crt"
	identityFileName = "identity.json"
)

// Identity is the listener's registered identity and credentials.
type Identity struct {
	ListenerId string `json:"listener_id"`
	Name       string `json:"name"`
	PoolName   string `json:"pool_name"`

	CertificatePEM string `json:"-"`
	PrivateKeyPEM  string `json:"-"`
	CACertPEM      string `json:"-"`
}

// LoadOrRegister resolves the listener identity. A persisted identity with a
// still-valid certificate is reused; otherwise the listener registers again:
// directly against the database in local mode, through the join handshake in
// remote mode.
func LoadOrRegister(ctx context.Context) (*Identity, error) {
	certDir := commonconfig.GetListenerCertDir()
	name := commonconfig.GetListenerName()
	poolName := commonconfig.GetListenerPool()

	if identity, err := loadPersisted(certDir, name); err == nil {
		return identity, nil
	} else if !commonerrors.IsNotFound(err) {
		klog.ErrorS(err, "persisted listener identity unusable, re-registering")
	}

	var identity *Identity
	var err error
	switch commonconfig.GetListenerMode() {
	case ModeLocal:
		identity, err = registerLocal(ctx, name, poolName)
	case ModeRemote:
		identity, err = registerRemote(ctx, name, poolName)
	default:
		return nil, fmt.Errorf("unknown listener mode %q", commonconfig.GetListenerMode())
	}
	if err != nil {
		return nil, err
	}
	if err = identity.persist(certDir); err != nil {
		klog.ErrorS(err, "failed to persist listener identity", "dir", certDir)
	}
	return identity, nil
}

// registerLocal registers the in-process listener straight into the database
// and mints its leaf from the shared certificate authority. Used when the
// listener runs next to the control plane.
func registerLocal(ctx context.Context, name, poolName string) (*Identity, error) {
	db := dbclient.NewClient()
	if db == nil {
		return nil, fmt.Errorf("failed to init the database client")
	}
	authority, err := pki.LoadOrCreate(ctx, db, crypto.NewEnvelope(), commonconfig.GetCACacheDir())
	if err != nil {
		return nil, err
	}
	pool, err := db.GetAgentPoolByName(ctx, poolName)
	if err != nil {
		return nil, err
	}
	issued, err := authority.IssueListenerCertificate(name, pool.Name)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	listener, err := db.UpsertRunnerListener(ctx, &dbclient.RunnerListener{
		Id:                     uuid.New(),
		PoolId:                 pool.Id,
		Name:                   name,
		CertificateFingerprint: database.NullString(issued.Fingerprint),
		CertificateExpiresAt:   pq.NullTime{Time: issued.NotAfter, Valid: true},
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	if err != nil {
		return nil, err
	}
	klog.Infof("registered local listener, listener: %s, pool: %s", name, pool.Name)
	return &Identity{
		ListenerId:     "listener-" + listener.Id.String(),
		Name:           name,
		PoolName:       pool.Name,
		CertificatePEM: issued.CertificatePEM,
		PrivateKeyPEM:  issued.PrivateKeyPEM,
		CACertPEM:      authority.CACertificatePEM(),
	}, nil
}

// registerRemote joins the pool over the API with the configured join token.
func registerRemote(ctx context.Context, name, poolName string) (*Identity, error) {
	joinToken := commonconfig.GetListenerJoinToken()
	if joinToken == "" {
		return nil, fmt.Errorf("the listener join token is not configured")
	}
	rsp, err := Join(ctx, commonconfig.GetListenerAPIURL(), joinToken, name, poolName, nil)
	if err != nil {
		return nil, err
	}
	klog.Infof("joined agent pool, listener: %s, pool: %s", name, poolName)
	return &Identity{
		ListenerId:     rsp.ListenerId,
		Name:           name,
		PoolName:       poolName,
		CertificatePEM: rsp.Certificate,
		PrivateKeyPEM:  rsp.PrivateKey,
		CACertPEM:      rsp.CACertificate,
	}, nil
}

// loadPersisted reloads an identity written by a previous run. A missing dir
// or an expired certificate reports not-found so the caller re-registers.
func loadPersisted(certDir, name string) (*Identity, error) {
	raw, err := os.ReadFile(filepath.Join(certDir, identityFileName))
	if os.IsNotExist(err) {
		return nil, commonerrors.NewNotFound("listener", name)
	}
	if err != nil {
		return nil, err
	}
	identity := &Identity{}
	if err = json.Unmarshal(raw, identity); err != nil {
		return nil, err
	}
	if identity.Name != name {
		return nil, commonerrors.NewNotFound("listener", name)
	}

	certPEM, err := os.ReadFile(filepath.Join(certDir, certFileName))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(certDir, keyFileName))
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(filepath.Join(certDir, caFileName))
	if err != nil {
		return nil, err
	}

	cert, err := pki.ParseCertificate(pki.EncodeCertificateHeader(string(certPEM)))
	if err != nil {
		return nil, err
	}
	// Leave a renewal margin so a reloaded cert does not expire mid-run.
	if time.Now().After(cert.NotAfter.Add(-24 * time.Hour)) {
		return nil, commonerrors.NewNotFound("listener", name)
	}

	identity.CertificatePEM = string(certPEM)
	identity.PrivateKeyPEM = string(keyPEM)
	identity.CACertPEM = string(caPEM)
	klog.Infof("reusing persisted listener identity, listener: %s, expires: %s",
		name, cert.NotAfter.Format(time.RFC3339))
	return identity, nil
}

// persist writes the identity and key material; the key is owner-readable
// only.
func (i *Identity) persist(certDir string) error {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(i)
	if err != nil {
		return err
	}
	files := []struct {
		name string
		data string
		mode os.FileMode
	}{
		{identityFileName, string(raw), 0o644},
		{certFileName, i.CertificatePEM, 0o644},
		{keyFileName, i.PrivateKeyPEM, 0o600},
		{caFileName, i.CACertPEM, 0o644},
	}
	for _, file := range files {
		if err = os.WriteFile(filepath.Join(certDir, file.name), []byte(file.data), file.mode); err != nil {
			return err
		}
	}
	return nil
}

// UpdateCertificate swaps in a renewed leaf and persists it.
func (i *Identity) UpdateCertificate(certPEM, keyPEM string) {
	i.CertificatePEM = certPEM
	i.PrivateKeyPEM = keyPEM
	if err := i.persist(commonconfig.GetListenerCertDir()); err != nil {
		klog.ErrorS(err, "failed to persist renewed certificate")
	}
}

// RunnerDefinitions reports what this listener can execute; today a single
// kubernetes runner whose workloads are namespaced by configuration.
func RunnerDefinitions() []string {
	return []string{fmt.Sprintf("kubernetes/%s", strings.TrimSpace(commonconfig.GetRunnerNamespace()))}
}
