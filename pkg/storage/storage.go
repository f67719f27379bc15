/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	commonconfig "github.com/mattrobinsonsre/terrapod/pkg/config"
)

var (
	once     sync.Once
	instance Interface
)

// NewStore creates the singleton artifact store selected by configuration.
// A nil return means the configured backend could not be initialized.
func NewStore(ctx context.Context) Interface {
	once.Do(func() {
		store, err := newStore(ctx)
		if err != nil {
			klog.ErrorS(err, "failed to init artifact store", "backend", commonconfig.GetStorageBackend())
			return
		}
		instance = store
	})
	return instance
}

func newStore(ctx context.Context) (Interface, error) {
	backend := commonconfig.GetStorageBackend()
	switch backend {
	case "fs":
		return NewFsStore(commonconfig.GetFsStorageRoot(), commonconfig.GetFsStorageSecret(), commonconfig.GetExternalURL())
	case "s3":
		return NewS3Store(ctx, commonconfig.GetS3Bucket(), commonconfig.GetS3Region(),
			commonconfig.GetS3Prefix(), commonconfig.GetS3Endpoint())
	case "azure":
		return NewAzureStore(commonconfig.GetAzureAccount(), commonconfig.GetAzureAccountKey(),
			commonconfig.GetAzureContainer(), commonconfig.GetAzurePrefix())
	case "gcs":
		return NewGcsStore(ctx, commonconfig.GetGcsBucket(), commonconfig.GetGcsPrefix())
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// PresignExpiry returns the configured default TTL for capability URLs.
// TTLs past one hour may outlive web-identity credentials, so warn.
func PresignExpiry() time.Duration {
	seconds := commonconfig.GetPresignExpirySeconds()
	if seconds > 3600 {
		klog.Warningf("presigned URL expiry %ds exceeds 1 hour, may outlive backend credentials", seconds)
	}
	return time.Duration(seconds) * time.Second
}
