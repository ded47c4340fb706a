// Package gcs adapts a Google Cloud Storage bucket to objbackend.Namespace
// using cloud.google.com/go/storage. GCS has no first-class object tags;
// WriteTag/GetTag ride on the object's custom metadata map instead.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/openvstorage/govoldrv/objbackend"
)

// Namespace stores every key as an object under bucket/prefix+key.
type Namespace struct {
	bucket *storage.BucketHandle
	prefix string
}

var _ objbackend.Namespace = (*Namespace)(nil)

func New(client *storage.Client, bucketName, prefix string) *Namespace {
	return &Namespace{bucket: client.Bucket(bucketName), prefix: prefix}
}

func (n *Namespace) fullKey(key string) string {
	if key == "" {
		return n.prefix
	}
	return n.prefix + key
}

func (n *Namespace) obj(key string) *storage.ObjectHandle {
	return n.bucket.Object(n.fullKey(key))
}

func (n *Namespace) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := n.obj(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs open %s: %w", key, err)
	}
	return r, nil
}

func (n *Namespace) Write(ctx context.Context, key string, r io.Reader, _ int64) error {
	w := n.obj(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	return nil
}

func (n *Namespace) WriteTag(ctx context.Context, key, tagName, value string) error {
	_, err := n.obj(key).Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{tagName: value},
	})
	if err != nil {
		return fmt.Errorf("gcs write-tag %s/%s: %w", key, tagName, err)
	}
	return nil
}

func (n *Namespace) GetTag(ctx context.Context, key, tagName string) (string, bool, error) {
	attrs, err := n.obj(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("gcs get-tag %s/%s: %w", key, tagName, err)
	}
	v, ok := attrs.Metadata[tagName]
	return v, ok, nil
}

func (n *Namespace) Exists(ctx context.Context, key string) (bool, error) {
	_, err := n.obj(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs exists %s: %w", key, err)
	}
	return true, nil
}

func (n *Namespace) ForEach(ctx context.Context, prefix string, fn func(key string) error) error {
	it := n.bucket.Objects(ctx, &storage.Query{Prefix: n.fullKey(prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gcs for-each %s: %w", prefix, err)
		}
		key := attrs.Name[len(n.prefix):]
		if err := fn(key); err != nil {
			return err
		}
	}
}
