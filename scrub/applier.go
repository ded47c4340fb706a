// Package scrub implements C7, ScrubApplier: applying one scrub result to
// a volume's metadata atomically, and tagging the store with a fresh
// scrub_id every replica converges on independently (spec §4.7).
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package scrub

import (
	"context"
	"fmt"

	glog "github.com/openvstorage/govoldrv/3rdparty/glog"
	"github.com/openvstorage/govoldrv/cachedstore"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/page"
)

// Relocation is one (CA, CL_old, CL_new) triple recorded in a scrub
// result's relocation TLog.
type Relocation struct {
	CA  cmn.CA
	Old page.CLH
	New page.CLH
}

// Reply is the decoded scrub result ScrubApplier.Apply consumes: the set
// of relocations to attempt plus the new scrub_id every replica must
// converge on. Deletions and new-SCO bookkeeping belong to the data path
// (non-goal); only the metadata-relevant relocations and scrub_id survive
// into this type.
type Reply struct {
	NewScrubID  cmn.UUID
	Relocations []Relocation
}

// Applier is C7, bound to one volume's CachedMetadataStore.
type Applier struct {
	store *cachedstore.Store
}

func New(store *cachedstore.Store) *Applier {
	return &Applier{store: store}
}

// Apply runs the six-step sequence of spec §4.7. cloneIDDelta stamps both
// the expected old and the candidate new location before compare/write,
// so a clone volume relocating through a shared relocation TLog applies
// the change at its own position in the clone chain (spec §4.7 step 3,
// "stamped with the appropriate clone-id"). It returns the number of
// relocations actually applied - entries whose current location no
// longer matches CL_old were overwritten by newer application data and
// are skipped, not an error.
func (a *Applier) Apply(ctx context.Context, reply Reply, cloneIDDelta int) (int, error) {
	// Step 2: a temporary scrub_id makes any crash mid-apply self-healing
	// - on restart the snapshot layer's scrub_id won't match this one
	// (or the real S'), so the metadata store is recognized as stale and
	// wiped rather than trusted half-applied.
	if err := a.store.SetScrubID(ctx, cmn.NewUUID()); err != nil {
		return 0, fmt.Errorf("scrub: set temporary scrub_id: %w", err)
	}

	applied := 0
	for _, r := range reply.Relocations {
		wantOld := r.Old
		wantOld.CL = wantOld.CL.WithCloneDelta(cloneIDDelta)
		candidate := r.New
		candidate.CL = candidate.CL.WithCloneDelta(cloneIDDelta)

		cur, err := a.store.GetClusterLocation(ctx, r.CA)
		if err != nil {
			return applied, fmt.Errorf("scrub: read ca %d: %w", r.CA, err)
		}
		if cur.CL != wantOld.CL {
			// Overwritten by newer application data since the scrub was
			// computed - must not relocate over it (spec §4.7 step 3).
			glog.Infof("scrub: ca %d no longer at %v (now %v), skipping relocation", r.CA, wantOld.CL, cur.CL)
			continue
		}
		if err := a.store.WriteClusterDirect(ctx, r.CA, candidate); err != nil {
			return applied, fmt.Errorf("scrub: relocate ca %d: %w", r.CA, err)
		}
		applied++
	}

	// Step 4: flush relocated pages, keeping them resident in cache.
	if err := a.store.Sync(ctx); err != nil {
		return applied, fmt.Errorf("scrub: flush relocations: %w", err)
	}

	// Step 5: barrier-write the real S', strictly after every dirty page
	// touched by the scrub has been flushed.
	if err := a.store.SetScrubID(ctx, reply.NewScrubID); err != nil {
		return applied, fmt.Errorf("scrub: set scrub_id %s: %w", reply.NewScrubID, err)
	}

	// Step 6.
	if err := a.store.Sync(ctx); err != nil {
		return applied, fmt.Errorf("scrub: final sync: %w", err)
	}

	glog.Infof("scrub: applied %d/%d relocations, scrub_id now %s", applied, len(reply.Relocations), reply.NewScrubID)
	return applied, nil
}
