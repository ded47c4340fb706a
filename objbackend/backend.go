// Package objbackend defines the object-storage namespace handle (spec
// §6): the minimal read/write/list surface MetadataStoreBuilder,
// LocalTLogScanner, and the snapshot layer use to reach the durable TLog
// stream and tag objects, independent of which cloud object store backs a
// given cluster. Concrete transport/retry/multipart-upload logic for each
// provider is a non-goal; the adapters in s3/gcs/azure/hdfs wrap just
// enough of each SDK's public client to satisfy Namespace.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package objbackend

import (
	"context"
	"io"

	"github.com/openvstorage/govoldrv/cmn"
)

// Namespace is one volume's object-storage namespace: every TLog, the
// current snapshot document, and the owner tag used to detect
// split-brain live as objects/tags under here.
type Namespace interface {
	// Open returns a reader for key (spec's "read" contract). A missing
	// key is reported through the adapter's own wrapped error; adapters
	// do not map it to a common sentinel such as os.ErrNotExist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Write uploads the full contents of r as key, replacing any
	// existing object.
	Write(ctx context.Context, key string, r io.Reader, size int64) error

	// WriteTag sets a small string-valued tag on key (or on the
	// namespace root if key is empty), used for the owner tag and for
	// scrub_id/cork markers that ride alongside an object rather than
	// inside it.
	WriteTag(ctx context.Context, key, tagName, value string) error

	// GetTag reads a tag previously set with WriteTag; found is false if
	// the tag (or the object) doesn't exist.
	GetTag(ctx context.Context, key, tagName string) (value string, found bool, err error)

	Exists(ctx context.Context, key string) (bool, error)

	// ForEach lists every object key under prefix, in implementation-
	// defined order; fn's error aborts the listing.
	ForEach(ctx context.Context, prefix string, fn func(key string) error) error
}

const ownerTag = "owner"

// ClaimOwner writes this process's owner tag to the namespace root, so a
// later VerifyOwner by another instance detects a shared namespace. The
// write is unconditional: an existing owner tag is overwritten.
func ClaimOwner(ctx context.Context, ns Namespace, namespaceName, ownerID string) error {
	return ns.WriteTag(ctx, "", ownerTag, ownerID)
}

// VerifyOwner checks the namespace root's owner tag matches expected,
// returning *cmn.ErrOwnerTagMismatch (a KindOwnership error) when the tag
// holds a different value. A namespace with no owner tag passes.
func VerifyOwner(ctx context.Context, ns Namespace, namespaceName, expected string) error {
	actual, found, err := ns.GetTag(ctx, "", ownerTag)
	if err != nil {
		return err
	}
	if !found || actual == expected {
		return nil
	}
	return &cmn.ErrOwnerTagMismatch{Namespace: namespaceName, Expected: expected, Actual: actual}
}
