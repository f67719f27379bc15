/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package client

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

const (
	TCertificateAuthority = "certificate_authority"
)

var (
	getCertificateAuthorityCmd    = fmt.Sprintf(`SELECT * FROM %s ORDER BY created_at ASC LIMIT 1`, TCertificateAuthority)
	insertCertificateAuthorityFmt = `INSERT INTO ` + TCertificateAuthority + ` (%s) VALUES (%s)`
)

func (c *Client) GetCertificateAuthority(ctx context.Context) (*CertificateAuthority, error) {
	db := c.db.Unsafe()
	ca := &CertificateAuthority{}
	err := db.GetContext(ctx, ca, getCertificateAuthorityCmd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.NewNotFoundWithMessage("certificate authority is not initialized")
	}
	if err != nil {
		return nil, err
	}
	return ca, nil
}

func (c *Client) InsertCertificateAuthority(ctx context.Context, ca *CertificateAuthority) error {
	if ca == nil {
		return nil
	}
	db := c.db.Unsafe()
	_, err := db.NamedExecContext(ctx, generateCommand(*ca, insertCertificateAuthorityFmt, ""), ca)
	if err != nil {
		klog.ErrorS(err, "failed to insert certificate authority")
	}
	return err
}
