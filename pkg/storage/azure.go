/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

// AzureStore keeps artifacts in an Azure Blob container. A shared-key
// credential is required because capability URLs are service SAS tokens.
type AzureStore struct {
	account    string
	container  string
	prefix     string
	credential *azblob.SharedKeyCredential
	blobClient *azblob.Client
}

func NewAzureStore(account, accountKey, container, prefix string) (*AzureStore, error) {
	credential, err := azblob.NewSharedKeyCredential(account, accountKey)
	if err != nil {
		return nil, err
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	blobClient, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
	if err != nil {
		return nil, err
	}
	klog.Infof("init azure store, account: %s, container: %s", account, container)
	return &AzureStore{
		account:    account,
		container:  container,
		prefix:     strings.Trim(prefix, "/"),
		credential: credential,
		blobClient: blobClient,
	}, nil
}

func (s *AzureStore) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *AzureStore) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	}
	if len(metadata) > 0 {
		opts.Metadata = make(map[string]*string, len(metadata))
		for k, v := range metadata {
			value := v
			opts.Metadata[k] = &value
		}
	}
	resp, err := s.blobClient.UploadBuffer(ctx, s.container, s.fullKey(key), data, opts)
	if err != nil {
		return nil, cvtAzureError(err, key)
	}
	etag := ""
	if resp.ETag != nil {
		etag = strings.Trim(string(*resp.ETag), `"`)
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

func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	resp, err := s.blobClient.DownloadStream(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		return nil, cvtAzureError(err, key)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return commonerrors.NewBadRequest(err.Error())
	}
	_, err := s.blobClient.DeleteBlob(ctx, s.container, s.fullKey(key), nil)
	if err != nil {
		if converted := cvtAzureError(err, key); commonerrors.IsNotFound(converted) {
			return nil
		}
		return cvtAzureError(err, key)
	}
	return nil
}

func (s *AzureStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if commonerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *AzureStore) Head(ctx context.Context, key string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	blobRef := s.blobClient.ServiceClient().NewContainerClient(s.container).NewBlobClient(s.fullKey(key))
	resp, err := blobRef.GetProperties(ctx, nil)
	if err != nil {
		return nil, cvtAzureError(err, key)
	}
	meta := make(map[string]string)
	for k, v := range resp.Metadata {
		if v != nil {
			meta[k] = *v
		}
	}
	etag := ""
	if resp.ETag != nil {
		etag = strings.Trim(string(*resp.ETag), `"`)
	}
	contentType := DefaultContentType
	if resp.ContentType != nil {
		contentType = *resp.ContentType
	}
	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	lastModified := time.Now().UTC()
	if resp.LastModified != nil {
		lastModified = *resp.LastModified
	}
	return &ObjectMeta{
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		ETag:         etag,
		LastModified: lastModified,
		Metadata:     meta,
	}, nil
}

func (s *AzureStore) ListPrefix(ctx context.Context, prefix string) ([]*ObjectMeta, error) {
	if err := ValidateKey(prefix); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	fullPrefix := s.fullKey(prefix)
	var result []*ObjectMeta
	pager := s.blobClient.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, cvtAzureError(err, prefix)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := *item.Name
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			meta := &ObjectMeta{Key: key, ContentType: DefaultContentType}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					meta.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					meta.LastModified = *item.Properties.LastModified
				}
				if item.Properties.ETag != nil {
					meta.ETag = strings.Trim(string(*item.Properties.ETag), `"`)
				}
			}
			result = append(result, meta)
		}
	}
	return result, nil
}

func (s *AzureStore) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (*PresignedURL, error) {
	return s.presign(key, "", expiry, sas.BlobPermissions{Read: true})
}

func (s *AzureStore) PresignedPutURL(ctx context.Context, key, contentType string, expiry time.Duration) (*PresignedURL, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}
	signed, err := s.presign(key, contentType, expiry, sas.BlobPermissions{Write: true, Create: true})
	if err != nil {
		return nil, err
	}
	signed.Headers = map[string]string{
		"Content-Type":   contentType,
		"x-ms-blob-type": "BlockBlob",
	}
	return signed, nil
}

func (s *AzureStore) presign(key, contentType string, expiry time.Duration, permissions sas.BlobPermissions) (*PresignedURL, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	expiresAt := time.Now().UTC().Add(expiry)
	values := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    expiresAt,
		Permissions:   permissions.String(),
		ContainerName: s.container,
		BlobName:      s.fullKey(key),
	}
	if contentType != "" {
		values.ContentType = contentType
	}
	query, err := values.SignWithSharedKey(s.credential)
	if err != nil {
		return nil, commonerrors.NewUpstreamFailure(err.Error())
	}
	blobURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s?%s",
		s.account, s.container, s.fullKey(key), query.Encode())
	return &PresignedURL{URL: blobURL, ExpiresAt: expiresAt}, nil
}

func (s *AzureStore) Close() error {
	return nil
}

func cvtAzureError(err error, key string) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return commonerrors.NewNotFound("object", key)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 403 {
		return commonerrors.NewForbidden(err.Error())
	}
	return commonerrors.NewUpstreamFailure(err.Error())
}
