/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"context"
	"time"
)

// ObjectMeta describes a stored artifact.
type ObjectMeta struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// PresignedURL is a time-bounded capability authorising one GET or PUT on
// one artifact key. Holders need no further credentials.
type PresignedURL struct {
	URL       string
	ExpiresAt time.Time
	Headers   map[string]string
}

// Interface is the artifact store contract shared by every backend.
//
// Put is overwrite-or-create and atomic from readers' point of view.
// Delete is idempotent and succeeds on absent keys.
type Interface interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*ObjectMeta, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Head(ctx context.Context, key string) (*ObjectMeta, error)
	ListPrefix(ctx context.Context, prefix string) ([]*ObjectMeta, error)
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (*PresignedURL, error)
	PresignedPutURL(ctx context.Context, key, contentType string, expiry time.Duration) (*PresignedURL, error)
	Close() error
}

const DefaultContentType = "application/octet-stream"
