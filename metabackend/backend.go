// Package metabackend defines the pluggable MetadataBackend contract (C2):
// the uniform interface every persistence variant (embedded KV, replicated
// external server, coordination service) implements, plus the small set of
// system keys (cork_uuid, used_clusters, scrub_id, emancipated) that live
// alongside page data in every variant's key space.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package metabackend

import (
	"context"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/page"
)

// MaxReservedAddress is the page.Address value at/above which a key is a
// reserved system key rather than a real page - the "set the reserved
// key's page-address value to u64::MAX - k" approach from the design
// notes. A page insert targeting one of these addresses is a programming
// error (cmn.KindPermanent).
const MaxReservedAddress = ^page.Address(0) - 16

// Backend is the uniform contract every MetadataBackend variant
// implements. Every operation that can fail returns a *cmn.BackendError so
// the caller (cachedstore.Store) can decide whether to halt the volume.
//
// Numeric semantics are bit-exact: bytes written by PutPage must equal the
// bytes GetPage returns.
type Backend interface {
	// GetPage returns (true, page filled) if persisted, (false, untouched)
	// if absent - the caller must zero-fill on a miss.
	GetPage(ctx context.Context, addr page.Address, out *page.Page) (bool, error)

	// PutPage durably persists a page and applies usedClustersDelta to the
	// used_clusters system key in the same atomic group.
	PutPage(ctx context.Context, p *page.Page, usedClustersDelta int32) error

	// DiscardPage deletes the page's key and applies usedClustersDelta in
	// the same atomic group. existed reports whether the key was actually
	// present (a missing key is not an error, but used_clusters must only
	// move when the key existed - SPEC_FULL.md open question).
	DiscardPage(ctx context.Context, addr page.Address, usedClustersDelta int32) (existed bool, err error)

	// PageExistsInParent is only meaningful when a parent is attached;
	// false otherwise.
	PageExistsInParent(ctx context.Context, addr page.Address) (bool, error)

	GetCorkUUID(ctx context.Context) (cmn.UUID, bool, error)
	SetCorkUUID(ctx context.Context, id cmn.UUID, barrier bool) error

	GetScrubID(ctx context.Context) (cmn.UUID, bool, error)
	SetScrubID(ctx context.Context, id cmn.UUID, barrier bool) error

	ClearAllKeys(ctx context.Context) error

	// GetUsedClusters returns the in-memory mirror of the used_clusters
	// key, verified from the backend on open.
	GetUsedClusters() uint64

	// Freezeable is true only for the coordination-service variant, which
	// participates in the two-phase emancipation of clones.
	Freezeable() bool
	HasFrozenParent() bool
	IsEmancipated() bool

	// SetCorkFromFrozenParent copies the parent backend's current
	// cork_uuid into this backend's cork_uuid with a barrier. Returns
	// cmn.ErrFrozenParentRequired if the parent has no cork.
	SetCorkFromFrozenParent(ctx context.Context) error

	// ForEach iterates every non-null entry with CA < caMax, in
	// page-ascending order.
	ForEach(ctx context.Context, caMax cmn.CA, fn func(cmn.CA, page.CLH) error) error

	GetConfig() cmn.BackendConfig

	MarkDeleteLocalArtifactsOnDrop()
	MarkDeleteGlobalArtifactsOnDrop()

	// Close releases resources; a destructor that cannot sync logs and
	// swallows the error, per spec. Never returns an error the caller must
	// act on - failures are logged.
	Close()
}

// Freezeable is the narrower capability set the coordination-service
// variant exposes for clone-parent chains (spec §4.2 variant 3, §9).
type Freezeable interface {
	ParentKeys() []page.Address
	DropParent()
}

// PageWrite is one page mutation inside a batch: either a put (Discard ==
// false) or a discard.
type PageWrite struct {
	Page              *page.Page
	Discard           bool
	UsedClustersDelta int32
}

// BatchWriter is an optional capability a MetadataBackend variant can
// implement to submit an entire uncork's page writes, used_clusters
// delta, and cork advance as a single atomic/barriered "multiset" RPC
// instead of one call per page - this is how the replicated variant
// satisfies the "one RPC per batch group" contract in spec §4.2 variant
// 2. cachedstore.Store type-asserts for this capability and falls back to
// looping PutPage/DiscardPage when a backend doesn't implement it.
type BatchWriter interface {
	MultiSet(ctx context.Context, writes []PageWrite, corkUUID cmn.UUID, barrier bool) error
}
