// Package volumemeta is the facade a volume's data path holds onto: one
// Volume composes the C3 cache/cork store with the C5 rebuilder, the C6
// local-tlog scanner, and the C7 scrub applier, and exposes exactly the
// operation set spec.md §6 lists as "interfaces the core exposes to
// volumes." Nothing here implements its own algorithm - it is wiring, in
// the same spirit as the reference stack's thin facade types over its
// fs-layer internals.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package volumemeta

import (
	"context"
	"fmt"

	glog "github.com/openvstorage/govoldrv/3rdparty/glog"
	"github.com/openvstorage/govoldrv/cachedstore"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/objbackend"
	"github.com/openvstorage/govoldrv/page"
	"github.com/openvstorage/govoldrv/scrub"
	"github.com/openvstorage/govoldrv/snapshot"
	"github.com/openvstorage/govoldrv/storebuilder"
	"github.com/openvstorage/govoldrv/tlogscan"
)

// configUpdater is the capability a MetadataBackend variant can implement
// to accept a config change without being recreated - the replicated
// client's replica-list hot-swap is the only variant that needs it today.
type configUpdater interface {
	UpdateConfig(cmn.BackendConfig)
}

// Options gathers everything Open needs to assemble one volume's metadata
// stack.
type Options struct {
	Name         string
	Backend      metabackend.Backend
	Persistor    snapshot.Persistor
	Namespace    objbackend.Namespace
	Cache        cmn.CacheConfig
	ClusterSize  int
	LocalTLogDir string
	ScratchDir   string

	// ParentBackend, when set, makes this Open a clone-construction: Open
	// attaches Backend to it as a frozen ancestor and inherits its cork_uuid
	// before anything else touches the store (spec §4.2 variant 3, §9).
	// Backend must implement attacher or Open fails.
	ParentBackend metabackend.Backend
}

// attacher is the capability a Freezeable backend's concrete type exposes
// to accept a frozen parent - narrower than metabackend.Freezeable because
// Attach itself isn't part of the uniform Backend contract.
type attacher interface {
	Attach(parent metabackend.Backend)
}

// Volume is the facade over one volume's C3+C5+C6+C7 stack.
type Volume struct {
	name        string
	store       *cachedstore.Store
	builder     *storebuilder.Builder
	scanner     *tlogscan.Scanner
	applier     *scrub.Applier
	clusterSize int
}

// Open opens the underlying store, replays any local TLogs the scanner
// finds (crash recovery, spec §4.6), and returns a ready-to-use Volume.
func Open(ctx context.Context, opts Options) (*Volume, error) {
	if opts.ParentBackend != nil {
		a, ok := opts.Backend.(attacher)
		if !ok {
			return nil, fmt.Errorf("volumemeta: %s: backend does not support clone attachment", opts.Name)
		}
		a.Attach(opts.ParentBackend)
		if err := opts.Backend.SetCorkFromFrozenParent(ctx); err != nil {
			return nil, fmt.Errorf("volumemeta: %s: inherit parent cork: %w", opts.Name, err)
		}
	}

	store, err := cachedstore.Open(ctx, opts.Name, opts.Backend, opts.Cache)
	if err != nil {
		return nil, fmt.Errorf("volumemeta: open store for %s: %w", opts.Name, err)
	}

	v := &Volume{
		name:        opts.Name,
		store:       store,
		builder:     storebuilder.New(store, opts.Persistor, opts.Namespace),
		scanner:     tlogscan.NewScanner(opts.LocalTLogDir, store),
		applier:     scrub.New(store),
		clusterSize: opts.ClusterSize,
	}

	if opts.LocalTLogDir != "" {
		res, err := v.scanner.Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("volumemeta: scan local tlogs for %s: %w", opts.Name, err)
		}
		glog.Infof("volumemeta: %s: replayed %d local tlogs (trimmed %d) on open", opts.Name, res.FilesScanned, res.FilesTrimmed)
	}
	return v, nil
}

// ReadCluster reads the cluster a CA currently resolves to.
func (v *Volume) ReadCluster(ctx context.Context, ca cmn.CA) (page.CLH, error) {
	return v.store.ReadCluster(ctx, ca, v.clusterSize)
}

// WriteCluster stages a write into the active cork group.
func (v *Volume) WriteCluster(ca cmn.CA, clh page.CLH) {
	v.store.WriteCluster(ca, clh)
}

// DiscardCluster stages a discard into the active cork group.
func (v *Volume) DiscardCluster(ca cmn.CA) {
	v.store.DiscardCluster(ca)
}

// Sync flushes every dirty page to the backend without advancing the
// active cork group, for callers that need durability without an uncork.
func (v *Volume) Sync(ctx context.Context) error {
	return v.store.Sync(ctx)
}

// Cork opens a new cork group identified by uuid; the previously active
// group becomes eligible for Uncork.
func (v *Volume) Cork(uuid cmn.UUID) {
	v.store.Cork(uuid)
}

// Uncork flushes and barriers the oldest pending cork group. If checkUUID
// is set, maybeUUID must match that group's uuid or the call fails.
func (v *Volume) Uncork(ctx context.Context, maybeUUID cmn.UUID, checkUUID bool) error {
	return v.store.Uncork(ctx, maybeUUID, checkUUID)
}

// LastCork returns the most recently durable cork uuid, if any.
func (v *Volume) LastCork() (cmn.UUID, bool) {
	return v.store.LastCork()
}

// ClearAllKeys wipes the volume's entire metadata store - used when a
// stale scrub_id (or a missing parent) means the local state cannot be
// trusted and must be rebuilt from scratch via ProcessCloneTLogs.
func (v *Volume) ClearAllKeys(ctx context.Context) error {
	return v.store.ClearAllKeys(ctx)
}

// ProcessCloneTLogs runs the C5 rebuild: replaying the backend's TLog
// history (optionally across a clone chain) into this volume's store.
func (v *Volume) ProcessCloneTLogs(ctx context.Context, opts storebuilder.Options) (storebuilder.Result, error) {
	return v.builder.Build(ctx, opts)
}

// ApplyRelocs runs the C7 scrub-apply sequence for a decoded scrub reply,
// then checks whether this relocation run emptied a frozen parent's
// remaining pages out of the clone - if so the clone is emancipated, per
// spec §4.2 variant 3: "the clone becomes emancipated when parent_keys
// becomes empty."
func (v *Volume) ApplyRelocs(ctx context.Context, reply scrub.Reply, cloneIDDelta int) (int, error) {
	n, err := v.applier.Apply(ctx, reply, cloneIDDelta)
	if err != nil {
		return n, err
	}
	v.MaybeEmancipate()
	return n, nil
}

// MaybeEmancipate drops a frozen parent once ParentKeys() is empty,
// reporting whether it did so. A no-op for backends that aren't Freezeable
// or that have no parent attached.
func (v *Volume) MaybeEmancipate() bool {
	b := v.backend()
	if !b.Freezeable() || !b.HasFrozenParent() {
		return false
	}
	f, ok := b.(metabackend.Freezeable)
	if !ok || len(f.ParentKeys()) > 0 {
		return false
	}
	f.DropParent()
	return true
}

// failoverCatchUpper is the capability a replicated backend's client
// exposes for driving spec §4.2 variant 2's failover protocol against a
// specific candidate host - distinct from the data-path RPCs, which
// always address whichever replica currently leads the config's list.
type failoverCatchUpper interface {
	CatchUp(ctx context.Context, host string, dryRun bool) (int, error)
	Promote(ctx context.Context, host string) error
}

// Failover promotes nextMaster to master once it has fully drained its
// replay backlog: CatchUp(dryRun=false) is called against it repeatedly
// until it reports nothing left applied, and only then is it promoted -
// so the new master is never missing a write the old one accepted.
func (v *Volume) Failover(ctx context.Context, nextMaster string) error {
	fc, ok := v.backend().(failoverCatchUpper)
	if !ok {
		return fmt.Errorf("volumemeta: %s: backend does not support failover", v.name)
	}
	for {
		applied, err := fc.CatchUp(ctx, nextMaster, false)
		if err != nil {
			return fmt.Errorf("volumemeta: %s: failover catch-up %s: %w", v.name, nextMaster, err)
		}
		if applied == 0 {
			break
		}
	}
	if err := fc.Promote(ctx, nextMaster); err != nil {
		return fmt.Errorf("volumemeta: %s: failover promote %s: %w", v.name, nextMaster, err)
	}
	return nil
}

// SetCacheCapacity resizes the page cache, evicting clean pages as needed.
func (v *Volume) SetCacheCapacity(ctx context.Context, n int) error {
	return v.store.SetCacheCapacity(ctx, n)
}

// GetPage returns a copy of one page's cluster-location table, loading it
// from the backend first if it isn't cache-resident.
func (v *Volume) GetPage(ctx context.Context, ca cmn.CA) ([page.Capacity]page.CLH, error) {
	return v.store.GetPage(ctx, ca)
}

// ScrubID returns the scrub_id this volume's store last converged on.
func (v *Volume) ScrubID() (cmn.UUID, bool) {
	return v.store.ScrubID()
}

// SetScrubID barrier-writes a new scrub_id, independent of any scrub
// apply (e.g. to mark a freshly rebuilt store as caught up to S').
func (v *Volume) SetScrubID(ctx context.Context, id cmn.UUID) error {
	return v.store.SetScrubID(ctx, id)
}

// Stats reports the store's running counters.
func (v *Volume) Stats() cachedstore.Stats {
	return v.store.Stats()
}

// UpdateBackendConfig applies a new backend configuration in place when
// the bound MetadataBackend supports hot reconfiguration (today, only the
// replicated variant's replica list); any other backend returns an error
// since changing e.g. an embedded KV's on-disk path requires reopening
// the volume entirely, which is out of this facade's scope.
func (v *Volume) UpdateBackendConfig(cfg cmn.BackendConfig) error {
	u, ok := v.backendAsConfigUpdater()
	if !ok {
		return fmt.Errorf("volumemeta: %s: backend does not support live config updates", v.name)
	}
	u.UpdateConfig(cfg)
	return nil
}

// GetBackendConfig returns the bound backend's current configuration.
func (v *Volume) GetBackendConfig() cmn.BackendConfig {
	return v.backend().GetConfig()
}

func (v *Volume) backend() metabackend.Backend {
	return v.store.Backend()
}

func (v *Volume) backendAsConfigUpdater() (configUpdater, bool) {
	u, ok := v.backend().(configUpdater)
	return u, ok
}

// Close releases the underlying backend.
func (v *Volume) Close() {
	v.store.Close()
}
