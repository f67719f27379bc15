/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

// GcsStore keeps artifacts in a Google Cloud Storage bucket. Signed URLs use
// the ambient service-account credentials via the IAM signBlob flow.
type GcsStore struct {
	bucket    string
	prefix    string
	gcsClient *gcstorage.Client
}

func NewGcsStore(ctx context.Context, bucket, prefix string) (*GcsStore, error) {
	gcsClient, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	klog.Infof("init gcs store, bucket: %s", bucket)
	return &GcsStore{
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		gcsClient: gcsClient,
	}, nil
}

func (s *GcsStore) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *GcsStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	writer := s.gcsClient.Bucket(s.bucket).Object(s.fullKey(key)).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return nil, cvtGcsError(err, key)
	}
	if err := writer.Close(); err != nil {
		return nil, cvtGcsError(err, key)
	}
	return &ObjectMeta{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		ETag:         writer.Attrs().Etag,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}, nil
}

func (s *GcsStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	reader, err := s.gcsClient.Bucket(s.bucket).Object(s.fullKey(key)).NewReader(ctx)
	if err != nil {
		return nil, cvtGcsError(err, key)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func (s *GcsStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return commonerrors.NewBadRequest(err.Error())
	}
	err := s.gcsClient.Bucket(s.bucket).Object(s.fullKey(key)).Delete(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return cvtGcsError(err, key)
	}
	return nil
}

func (s *GcsStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if commonerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *GcsStore) Head(ctx context.Context, key string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	attrs, err := s.gcsClient.Bucket(s.bucket).Object(s.fullKey(key)).Attrs(ctx)
	if err != nil {
		return nil, cvtGcsError(err, key)
	}
	contentType := attrs.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &ObjectMeta{
		Key:          key,
		Size:         attrs.Size,
		ContentType:  contentType,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated,
		Metadata:     attrs.Metadata,
	}, nil
}

func (s *GcsStore) ListPrefix(ctx context.Context, prefix string) ([]*ObjectMeta, error) {
	if err := ValidateKey(prefix); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	var result []*ObjectMeta
	it := s.gcsClient.Bucket(s.bucket).Objects(ctx, &gcstorage.Query{Prefix: s.fullKey(prefix)})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, cvtGcsError(err, prefix)
		}
		key := attrs.Name
		if s.prefix != "" {
			key = strings.TrimPrefix(key, s.prefix+"/")
		}
		result = append(result, &ObjectMeta{
			Key:          key,
			Size:         attrs.Size,
			ContentType:  DefaultContentType,
			ETag:         attrs.Etag,
			LastModified: attrs.Updated,
		})
	}
	return result, nil
}

func (s *GcsStore) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (*PresignedURL, error) {
	return s.presign(key, "GET", "", expiry)
}

func (s *GcsStore) PresignedPutURL(ctx context.Context, key, contentType string, expiry time.Duration) (*PresignedURL, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}
	signed, err := s.presign(key, "PUT", contentType, expiry)
	if err != nil {
		return nil, err
	}
	signed.Headers = map[string]string{"Content-Type": contentType}
	return signed, nil
}

func (s *GcsStore) presign(key, method, contentType string, expiry time.Duration) (*PresignedURL, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	expiresAt := time.Now().UTC().Add(expiry)
	opts := &gcstorage.SignedURLOptions{
		Scheme:  gcstorage.SigningSchemeV4,
		Method:  method,
		Expires: expiresAt,
	}
	if contentType != "" {
		opts.ContentType = contentType
	}
	signed, err := s.gcsClient.Bucket(s.bucket).SignedURL(s.fullKey(key), opts)
	if err != nil {
		return nil, commonerrors.NewUpstreamFailure(err.Error())
	}
	return &PresignedURL{URL: signed, ExpiresAt: expiresAt}, nil
}

func (s *GcsStore) Close() error {
	return s.gcsClient.Close()
}

func cvtGcsError(err error, key string) error {
	if errors.Is(err, gcstorage.ErrObjectNotExist) || errors.Is(err, gcstorage.ErrBucketNotExist) {
		return commonerrors.NewNotFound("object", key)
	}
	return commonerrors.NewUpstreamFailure(err.Error())
}
