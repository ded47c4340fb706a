// Package azure adapts an Azure Blob Storage container to
// objbackend.Namespace using the azure-sdk-for-go v2 azblob client. Like
// GCS, Azure has no first-class tag concept in the object_storage_tag
// sense used here; WriteTag/GetTag use blob metadata.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package azure

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/openvstorage/govoldrv/objbackend"
)

// Namespace stores every key as a blob under container/prefix+key.
type Namespace struct {
	client    *azblob.Client
	container string
	prefix    string
}

var _ objbackend.Namespace = (*Namespace)(nil)

func New(client *azblob.Client, container, prefix string) *Namespace {
	return &Namespace{client: client, container: container, prefix: prefix}
}

func (n *Namespace) fullKey(key string) string {
	if key == "" {
		return n.prefix
	}
	return n.prefix + key
}

func (n *Namespace) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := n.client.DownloadStream(ctx, n.container, n.fullKey(key), nil)
	if err != nil {
		return nil, fmt.Errorf("azure open %s: %w", key, err)
	}
	return resp.Body, nil
}

func (n *Namespace) Write(ctx context.Context, key string, r io.Reader, _ int64) error {
	_, err := n.client.UploadStream(ctx, n.container, n.fullKey(key), r, nil)
	if err != nil {
		return fmt.Errorf("azure write %s: %w", key, err)
	}
	return nil
}

func (n *Namespace) WriteTag(ctx context.Context, key, tagName, value string) error {
	blobClient := n.client.ServiceClient().NewContainerClient(n.container).NewBlobClient(n.fullKey(key))
	v := value
	_, err := blobClient.SetMetadata(ctx, map[string]*string{tagName: &v}, nil)
	if err != nil {
		return fmt.Errorf("azure write-tag %s/%s: %w", key, tagName, err)
	}
	return nil
}

func (n *Namespace) GetTag(ctx context.Context, key, tagName string) (string, bool, error) {
	blobClient := n.client.ServiceClient().NewContainerClient(n.container).NewBlobClient(n.fullKey(key))
	props, err := blobClient.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("azure get-tag %s/%s: %w", key, tagName, err)
	}
	v, ok := props.Metadata[tagName]
	if !ok || v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (n *Namespace) Exists(ctx context.Context, key string) (bool, error) {
	blobClient := n.client.ServiceClient().NewContainerClient(n.container).NewBlobClient(n.fullKey(key))
	_, err := blobClient.GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("azure exists %s: %w", key, err)
	}
	return true, nil
}

func (n *Namespace) ForEach(ctx context.Context, prefix string, fn func(key string) error) error {
	full := n.fullKey(prefix)
	pager := n.client.NewListBlobsFlatPager(n.container, &azblob.ListBlobsFlatOptions{Prefix: &full})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("azure for-each %s: %w", prefix, err)
		}
		for _, b := range page.Segment.BlobItems {
			if b.Name == nil {
				continue
			}
			key := (*b.Name)[len(n.prefix):]
			if err := fn(key); err != nil {
				return err
			}
		}
	}
	return nil
}
