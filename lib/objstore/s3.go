// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"git.arvados.org/spotrelay.git/sdk/go/spotrelay"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

const (
	s3DefaultPartSize    = 16 * 1024 * 1024
	s3DefaultConcurrency = 4
)

// S3 is a Store backed by an S3-compatible bucket.
type S3 struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
	logger   logrus.FieldLogger
}

// NewS3 returns a Store using the given bucket. If the access key is
// empty, the default AWS credential chain is used.
func NewS3(ctx context.Context, params spotrelay.S3StorageParameters, logger logrus.FieldLogger) (*S3, error) {
	if params.Bucket == "" {
		return nil, errors.New("s3 storage: Bucket must not be empty")
	}
	region := params.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if params.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})
	partSize := int64(params.PartSize)
	if partSize < manager.MinUploadPartSize {
		partSize = s3DefaultPartSize
	}
	concurrency := params.Concurrency
	if concurrency < 1 {
		concurrency = s3DefaultConcurrency
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})
	return &S3{
		bucket:   params.Bucket,
		client:   client,
		uploader: uploader,
		logger:   logger.WithField("Bucket", params.Bucket),
	}, nil
}

func (s *S3) Put(ctx context.Context, key string, data io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.translateError(key, err)
	}
	return resp.Body, nil
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return sortedKeys(keys), nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	err = s.translateError(key, err)
	if errors.Is(err, ErrNotExist) {
		return nil
	}
	return err
}

func (s *S3) translateError(key string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", key, ErrNotExist)
		}
	}
	return fmt.Errorf("s3 %s: %w", key, err)
}
