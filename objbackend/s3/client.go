// Package s3 adapts an Amazon S3 bucket (or an S3-compatible store) to
// objbackend.Namespace using github.com/aws/aws-sdk-go-v2.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/openvstorage/govoldrv/objbackend"
)

// Namespace stores every key under bucket/prefix/key.
type Namespace struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ objbackend.Namespace = (*Namespace)(nil)

func New(client *s3.Client, bucket, prefix string) *Namespace {
	return &Namespace{client: client, uploader: manager.NewUploader(client), bucket: bucket, prefix: prefix}
}

func (n *Namespace) fullKey(key string) string {
	if key == "" {
		return n.prefix
	}
	return n.prefix + key
}

func (n *Namespace) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := n.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(n.fullKey(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 open %s: %w", key, err)
	}
	return out.Body, nil
}

func (n *Namespace) Write(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := n.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(n.fullKey(key)),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("s3 write %s: %w", key, err)
	}
	return nil
}

func (n *Namespace) WriteTag(ctx context.Context, key, tagName, value string) error {
	_, err := n.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(n.fullKey(key)),
		Tagging: &types.Tagging{
			TagSet: []types.Tag{{Key: aws.String(tagName), Value: aws.String(value)}},
		},
	})
	if err != nil {
		return fmt.Errorf("s3 write-tag %s/%s: %w", key, tagName, err)
	}
	return nil
}

func (n *Namespace) GetTag(ctx context.Context, key, tagName string) (string, bool, error) {
	out, err := n.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(n.fullKey(key)),
	})
	if err != nil {
		return "", false, fmt.Errorf("s3 get-tag %s/%s: %w", key, tagName, err)
	}
	for _, tag := range out.TagSet {
		if aws.ToString(tag.Key) == tagName {
			return aws.ToString(tag.Value), true, nil
		}
	}
	return "", false, nil
}

func (n *Namespace) Exists(ctx context.Context, key string) (bool, error) {
	_, err := n.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(n.bucket),
		Key:    aws.String(n.fullKey(key)),
	})
	if err != nil {
		var nf *types.NotFound
		if ok := asNotFound(err, &nf); ok {
			return false, nil
		}
		return false, fmt.Errorf("s3 exists %s: %w", key, err)
	}
	return true, nil
}

func asNotFound(err error, target **types.NotFound) bool {
	type notFounder interface{ ErrorCode() string }
	if nf, ok := err.(notFounder); ok {
		return nf.ErrorCode() == "NotFound"
	}
	return false
}

func (n *Namespace) ForEach(ctx context.Context, prefix string, fn func(key string) error) error {
	paginator := s3.NewListObjectsV2Paginator(n.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(n.bucket),
		Prefix: aws.String(n.fullKey(prefix)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3 for-each %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)[len(n.prefix):]
			if err := fn(key); err != nil {
				return err
			}
		}
	}
	return nil
}
