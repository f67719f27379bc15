/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

const (
	OpGet = "get"
	OpPut = "put"

	metaSuffix = ".meta"
)

// FsStore keeps artifacts on a local filesystem and synthesises capability
// URLs by HMAC-signing them with a process-owned secret. The signed URLs are
// served by the control plane's own storage routes.
type FsStore struct {
	root    string
	secret  []byte
	baseURL string
}

type fsMeta struct {
	ContentType string            `json:"content_type"`
	ETag        string            `json:"etag"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func NewFsStore(root, secret, baseURL string) (*FsStore, error) {
	if secret == "" {
		return nil, fmt.Errorf("the fs storage signing key is not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FsStore{
		root:    root,
		secret:  []byte(secret),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (s *FsStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FsStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}

	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	// Write-then-rename keeps readers from observing partial blobs.
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, err
	}

	meta := fsMeta{ContentType: contentType, ETag: etag, Metadata: metadata}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(target+metaSuffix, raw, 0o644); err != nil {
		klog.ErrorS(err, "failed to write sidecar metadata", "key", key)
	}

	return &ObjectMeta{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		ETag:         etag,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}, nil
}

func (s *FsStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, commonerrors.NewNotFound("object", key)
	}
	return data, err
}

func (s *FsStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return commonerrors.NewBadRequest(err.Error())
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.path(key) + metaSuffix); err != nil && !os.IsNotExist(err) {
		klog.ErrorS(err, "failed to remove sidecar metadata", "key", key)
	}
	return nil
}

func (s *FsStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, commonerrors.NewBadRequest(err.Error())
	}
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *FsStore) Head(ctx context.Context, key string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	info, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return nil, commonerrors.NewNotFound("object", key)
	}
	if err != nil {
		return nil, err
	}
	meta := s.readMeta(key)
	return &ObjectMeta{
		Key:          key,
		Size:         info.Size(),
		ContentType:  meta.ContentType,
		ETag:         meta.ETag,
		LastModified: info.ModTime().UTC(),
		Metadata:     meta.Metadata,
	}, nil
}

func (s *FsStore) ListPrefix(ctx context.Context, prefix string) ([]*ObjectMeta, error) {
	if err := ValidateKey(prefix); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	var result []*ObjectMeta
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, metaSuffix) || strings.HasSuffix(path, ".tmp") {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta := s.readMeta(key)
		result = append(result, &ObjectMeta{
			Key:          key,
			Size:         info.Size(),
			ContentType:  meta.ContentType,
			ETag:         meta.ETag,
			LastModified: info.ModTime().UTC(),
			Metadata:     meta.Metadata,
		})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return result, err
}

func (s *FsStore) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (*PresignedURL, error) {
	return s.presign(OpGet, key, "", expiry)
}

func (s *FsStore) PresignedPutURL(ctx context.Context, key, contentType string, expiry time.Duration) (*PresignedURL, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}
	signed, err := s.presign(OpPut, key, contentType, expiry)
	if err != nil {
		return nil, err
	}
	signed.Headers = map[string]string{"Content-Type": contentType}
	return signed, nil
}

func (s *FsStore) presign(op, key, contentType string, expiry time.Duration) (*PresignedURL, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	expiresAt := time.Now().UTC().Add(expiry)
	expires := expiresAt.Unix()
	sig := s.Sign(op, key, expires)

	query := url.Values{}
	query.Set("expires", strconv.FormatInt(expires, 10))
	query.Set("sig", sig)
	if contentType != "" {
		query.Set("content_type", contentType)
	}
	raw := fmt.Sprintf("%s/api/v2/storage/%s/%s?%s", s.baseURL, op, url.PathEscape(key), query.Encode())
	return &PresignedURL{URL: raw, ExpiresAt: expiresAt}, nil
}

// Sign computes the HMAC-SHA256 signature over "{op}:{key}:{expires}".
func (s *FsStore) Sign(op, key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%d", op, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a capability URL signature in constant time and rejects
// expired URLs.
func (s *FsStore) Verify(op, key, sig string, expires int64, now time.Time) bool {
	if now.Unix() > expires {
		return false
	}
	expected := s.Sign(op, key, expires)
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (s *FsStore) Close() error {
	return nil
}

func (s *FsStore) readMeta(key string) fsMeta {
	meta := fsMeta{ContentType: DefaultContentType}
	raw, err := os.ReadFile(s.path(key) + metaSuffix)
	if err != nil {
		return meta
	}
	if err = json.Unmarshal(raw, &meta); err != nil {
		klog.ErrorS(err, "failed to parse sidecar metadata", "key", key)
	}
	return meta
}
