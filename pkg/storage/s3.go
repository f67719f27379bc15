/*
 * Copyright (c) 2025, Terrapod Authors. All rights reserved.
 * See LICENSE for license information.
 */

package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"k8s.io/klog/v2"

	commonerrors "github.com/mattrobinsonsre/terrapod/pkg/errors"
)

// S3Store keeps artifacts in an S3 bucket. Credentials come from the SDK
// default chain (IRSA in cluster, env vars or profile locally).
type S3Store struct {
	bucket   string
	prefix   string
	s3Client *s3.Client
}

func NewS3Store(ctx context.Context, bucket, region, prefix, endpoint string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	klog.Infof("init s3 store, bucket: %s, region: %s", bucket, region)
	return &S3Store{
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		s3Client: s3Client,
	}, nil
}

func (s *S3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) stripPrefix(fullKey string) string {
	if s.prefix != "" {
		return strings.TrimPrefix(fullKey, s.prefix+"/")
	}
	return fullKey
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if len(metadata) > 0 {
		input.Metadata = metadata
	}
	resp, err := s.s3Client.PutObject(ctx, input)
	if err != nil {
		return nil, cvtS3Error(err, key)
	}
	return &ObjectMeta{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  contentType,
		ETag:         strings.Trim(aws.ToString(resp.ETag), `"`),
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, cvtS3Error(err, key)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return commonerrors.NewBadRequest(err.Error())
	}
	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return cvtS3Error(err, key)
	}
	return nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if commonerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectMeta, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	resp, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		return nil, cvtS3Error(err, key)
	}
	return &ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ContentType:  aws.ToString(resp.ContentType),
		ETag:         strings.Trim(aws.ToString(resp.ETag), `"`),
		LastModified: aws.ToTime(resp.LastModified),
		Metadata:     resp.Metadata,
	}, nil
}

func (s *S3Store) ListPrefix(ctx context.Context, prefix string) ([]*ObjectMeta, error) {
	if err := ValidateKey(prefix); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	var result []*ObjectMeta
	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, cvtS3Error(err, prefix)
		}
		for _, obj := range page.Contents {
			result = append(result, &ObjectMeta{
				Key:          s.stripPrefix(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				ContentType:  DefaultContentType,
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return result, nil
}

func (s *S3Store) PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (*PresignedURL, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	presigner := s3.NewPresignClient(s.s3Client)
	resp, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return nil, cvtS3Error(err, key)
	}
	return &PresignedURL{URL: resp.URL, ExpiresAt: time.Now().UTC().Add(expiry)}, nil
}

func (s *S3Store) PresignedPutURL(ctx context.Context, key, contentType string, expiry time.Duration) (*PresignedURL, error) {
	if err := ValidateKey(key); err != nil {
		return nil, commonerrors.NewBadRequest(err.Error())
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	presigner := s3.NewPresignClient(s.s3Client)
	resp, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.fullKey(key)),
		ContentType: aws.String(contentType),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return nil, cvtS3Error(err, key)
	}
	return &PresignedURL{
		URL:       resp.URL,
		ExpiresAt: time.Now().UTC().Add(expiry),
		Headers:   map[string]string{"Content-Type": contentType},
	}, nil
}

func (s *S3Store) Close() error {
	return nil
}

func cvtS3Error(err error, key string) error {
	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return commonerrors.NewNotFound("object", key)
	}
	var notFoundHead *types.NotFound
	if errors.As(err, &notFoundHead) {
		return commonerrors.NewNotFound("object", key)
	}
	return commonerrors.NewUpstreamFailure(err.Error())
}
