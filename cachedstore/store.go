// Package cachedstore implements C3, CachedMetadataStore: an in-memory
// page cache and cork/uncork transaction-log pipeline in front of exactly
// one metabackend.Backend. It is the busiest component in the engine -
// every cluster read and write on the data path passes through a Store.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package cachedstore

import (
	"context"
	"fmt"
	"sync"

	glog "github.com/openvstorage/govoldrv/3rdparty/glog"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/cmn/debug"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/page"
)

// Store is C3. Zero value is not valid; use Open.
//
// Lock order, enforced by convention (never acquired in reverse):
//  1. corksLock
//  2. cacheLock
//  3. backendLock
type Store struct {
	backend metabackend.Backend
	volume  string

	corksLock sync.RWMutex
	corks     []*cork // oldest-first; corks[len-1] is active

	uncorkMu sync.Mutex // serializes Uncork per volume, per spec §4.3

	cacheLock sync.RWMutex
	pages     map[page.Address]*page.Page
	lru       *lru
	capacity  int

	backendLock sync.Mutex

	cornerCaseMu       sync.Mutex // guards corkUUIDLastDurable/scrubID below
	corkUUIDLastDurable cmn.UUID
	hasCorkUUID         bool
	scrubID             cmn.UUID
	hasScrubID          bool

	ignoreErrors bool

	st *stats
}

// Open constructs a Store over backend, priming cork_uuid/scrub_id from it.
func Open(ctx context.Context, volume string, backend metabackend.Backend, cfg cmn.CacheConfig) (*Store, error) {
	s := &Store{
		backend:      backend,
		volume:       volume,
		pages:        make(map[page.Address]*page.Page),
		lru:          newLRU(),
		capacity:     cfg.CapacityPages,
		ignoreErrors: cfg.IgnoreErrors,
		st:           newStats(volume),
	}
	if s.capacity <= 0 {
		s.capacity = 4096
	}
	id, found, err := backend.GetCorkUUID(ctx)
	if err != nil {
		return nil, err
	}
	s.corkUUIDLastDurable, s.hasCorkUUID = id, found

	sid, found, err := backend.GetScrubID(ctx)
	if err != nil {
		return nil, err
	}
	s.scrubID, s.hasScrubID = sid, found
	return s, nil
}

// LastCork returns the most recently durable cork uuid, if any.
func (s *Store) LastCork() (cmn.UUID, bool) {
	s.cornerCaseMu.Lock()
	defer s.cornerCaseMu.Unlock()
	return s.corkUUIDLastDurable, s.hasCorkUUID
}

// ScrubID returns the in-memory scrub_id, if the volume has ever been
// scrubbed.
func (s *Store) ScrubID() (cmn.UUID, bool) {
	s.cornerCaseMu.Lock()
	defer s.cornerCaseMu.Unlock()
	return s.scrubID, s.hasScrubID
}

// SetScrubID is barrier-synchronous with the backend, under cacheLock +
// backendLock per spec §4.3.
func (s *Store) SetScrubID(ctx context.Context, id cmn.UUID) error {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	s.backendLock.Lock()
	defer s.backendLock.Unlock()

	if err := s.backend.SetScrubID(ctx, id, true); err != nil {
		return err
	}
	s.cornerCaseMu.Lock()
	s.scrubID, s.hasScrubID = id, true
	s.cornerCaseMu.Unlock()
	return nil
}

// Cork pushes a new empty cork, or is a silent no-op if the active cork
// already carries this uuid (idempotent retry of a TLog-create signal).
func (s *Store) Cork(uuid cmn.UUID) {
	s.corksLock.Lock()
	defer s.corksLock.Unlock()
	if n := len(s.corks); n > 0 && s.corks[n-1].uuid == uuid {
		glog.Infof("cachedstore %s: cork %s already active, ignoring", s.volume, uuid)
		return
	}
	s.corks = append(s.corks, newCork(uuid))
}

// discardedLocationAndHash is the canonical representation read_cluster
// returns for a null entry: null CL paired with the hash of an
// all-zero cluster, so callers never need to special-case "never
// written" vs. "discarded".
func discardedLocationAndHash(clusterSize int) page.CLH {
	return page.CLH{CL: cmn.NullCL, Hash: cmn.ZeroClusterHash(clusterSize)}
}

// ReadCluster implements the read path: corks newest-first, then the page
// cache, then the backend.
func (s *Store) ReadCluster(ctx context.Context, ca cmn.CA, clusterSize int) (page.CLH, error) {
	s.corksLock.RLock()
	for i := len(s.corks) - 1; i >= 0; i-- {
		if clh, ok := s.corks[i].get(ca); ok {
			s.corksLock.RUnlock()
			s.st.hit()
			return normalizeNull(clh, clusterSize), nil
		}
	}
	s.corksLock.RUnlock()

	clh, err := s.getClusterLocation(ctx, ca)
	if err != nil {
		return page.CLH{}, err
	}
	return normalizeNull(clh, clusterSize), nil
}

func normalizeNull(clh page.CLH, clusterSize int) page.CLH {
	if clh.IsNull() && cmn.HashingEnabled {
		return discardedLocationAndHash(clusterSize)
	}
	return clh
}

// getClusterLocation loads (or reuses) the owning page and reads one entry.
func (s *Store) getClusterLocation(ctx context.Context, ca cmn.CA) (page.CLH, error) {
	p, err := s.getOrLoadPage(ctx, page.AddressOf(ca))
	if err != nil {
		return page.CLH{}, err
	}
	return p.Get(page.OffsetOf(ca)), nil
}

// GetClusterLocation returns the raw entry for ca - scanning corks
// newest-first same as ReadCluster, but without normalizing a null CL
// into discardedLocationAndHash. scrub.Applier needs the literal stored
// value to compare against a relocation's expected old location.
func (s *Store) GetClusterLocation(ctx context.Context, ca cmn.CA) (page.CLH, error) {
	s.corksLock.RLock()
	for i := len(s.corks) - 1; i >= 0; i-- {
		if clh, ok := s.corks[i].get(ca); ok {
			s.corksLock.RUnlock()
			return clh, nil
		}
	}
	s.corksLock.RUnlock()
	return s.getClusterLocation(ctx, ca)
}

// WriteClusterDirect loads (or creates) the page owning ca and sets the
// entry immediately, bypassing the cork pipeline entirely. It marks the
// page dirty so the ordinary flush machinery (Sync, eviction) persists it
// later. Used by storebuilder.Builder and scrub.Applier, which mutate a
// store's pages outside of any TLog's cork - spec §4.5 step 5's
// get_cluster_location(CA, CLH, for_write=true) and §4.7 step 3's
// relocation writes.
func (s *Store) WriteClusterDirect(ctx context.Context, ca cmn.CA, clh page.CLH) error {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	p, err := s.getOrLoadPageForReplayLocked(ctx, ca)
	if err != nil {
		return err
	}
	p.Set(page.OffsetOf(ca), clh)
	return nil
}

// Sync flushes every dirty cached page to the backend without touching
// cork state or writing cork_uuid - used by storebuilder after replaying
// a rebuild's TLogs and by scrub.Applier after relocating (spec §4.7
// step 4: "flush dirty pages to the backend, keeping them in cache").
func (s *Store) Sync(ctx context.Context) error {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()
	for _, p := range s.pages {
		if !p.Dirty() {
			continue
		}
		if _, err := s.maybeWritePageLocked(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// SetCork writes cork_uuid directly to the backend under a barrier and
// updates the in-memory mirror, bypassing the cork/uncork pipeline -
// used by storebuilder.Builder once a rebuild has replayed every TLog up
// to the target cork (spec §4.5 step 6).
func (s *Store) SetCork(ctx context.Context, id cmn.UUID) error {
	s.backendLock.Lock()
	err := s.backend.SetCorkUUID(ctx, id, true)
	s.backendLock.Unlock()
	if err != nil {
		return err
	}
	s.cornerCaseMu.Lock()
	s.corkUUIDLastDurable, s.hasCorkUUID = id, true
	s.cornerCaseMu.Unlock()
	return nil
}

// getOrLoadPage returns the cached page for addr, loading it from the
// backend (and evicting if at capacity) if not already resident.
func (s *Store) getOrLoadPage(ctx context.Context, addr page.Address) (*page.Page, error) {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()

	if p, ok := s.pages[addr]; ok {
		s.lru.touch(uint64(addr))
		s.st.hit()
		return p, nil
	}
	s.st.miss()

	if len(s.pages) >= s.capacity {
		if err := s.evictOneLocked(ctx); err != nil {
			return nil, err
		}
	}

	p := page.New(addr)
	s.backendLock.Lock()
	found, err := s.backend.GetPage(ctx, addr, p)
	s.backendLock.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		// clone read-through: fall back to the parent, stamping clone_id.
		existsInParent, err := s.parentLookupLocked(ctx, p)
		if err != nil {
			return nil, err
		}
		if existsInParent {
			p.StampCloneID(1)
		}
	}
	s.pages[addr] = p
	s.lru.touch(uint64(addr))
	s.st.setNumPages(len(s.pages))
	return p, nil
}

// parentLookupLocked fills p from the parent backend when this backend
// doesn't have the page locally; only meaningful for freezeable clone
// backends. Returns false with no error for non-freezeable backends.
func (s *Store) parentLookupLocked(ctx context.Context, p *page.Page) (bool, error) {
	exists, err := s.backend.PageExistsInParent(ctx, p.Addr)
	if err != nil || !exists {
		return exists, err
	}
	// The backend itself is responsible for actually fetching the parent's
	// bytes on GetPage when it returns found=false but PageExistsInParent
	// is true is not a contract this interface expresses directly, so here
	// we re-issue GetPage, which variants that support clone chains
	// (metabackend/coordination) are expected to resolve by walking to the
	// parent internally before reporting existence.
	found, err := s.backend.GetPage(ctx, p.Addr, p)
	if err != nil {
		return false, err
	}
	return found, nil
}

// evictOneLocked evicts the LRU front, flushing it first if dirty. Caller
// must hold cacheLock exclusive.
func (s *Store) evictOneLocked(ctx context.Context) error {
	addr, ok := s.lru.front()
	if !ok {
		return nil
	}
	p := s.pages[page.Address(addr)]
	if p != nil && p.Dirty() {
		if _, err := s.maybeWritePageLocked(ctx, p); err != nil {
			return err
		}
	}
	delete(s.pages, page.Address(addr))
	s.lru.remove(addr)
	s.st.setNumPages(len(s.pages))
	return nil
}

// WriteCluster inserts into the active cork's map, replacing any existing
// entry for ca. The caller (the data path) must not call this
// concurrently, per the single-writer invariant in spec.md §5; nothing
// here checks that - calls are serialized by corksLock, and the only
// assertion is that an active cork exists.
func (s *Store) WriteCluster(ca cmn.CA, clh page.CLH) {
	s.corksLock.Lock()
	defer s.corksLock.Unlock()
	debug.Assertf(len(s.corks) > 0, "cachedstore %s: write_cluster with no active cork", s.volume)
	s.corks[len(s.corks)-1].set(ca, clh)
}

// DiscardCluster is write_cluster(ca, discarded_location_and_hash).
func (s *Store) DiscardCluster(ca cmn.CA) {
	s.WriteCluster(ca, page.CLH{CL: cmn.NullCL})
}

// Uncork drains the oldest cork into the page cache, flushes every dirty
// page, and barrier-writes the cork's uuid to the backend. Serialized per
// volume; any backend failure here propagates and the caller is expected
// to halt the volume.
func (s *Store) Uncork(ctx context.Context, maybeUUID cmn.UUID, checkUUID bool) error {
	s.uncorkMu.Lock()
	defer s.uncorkMu.Unlock()

	s.corksLock.Lock()
	debug.Assertf(len(s.corks) > 0, "cachedstore %s: uncork with no corks", s.volume)
	debug.Assertf(s.corks[0] != s.corks[len(s.corks)-1],
		"cachedstore %s: front cork must never equal back cork while uncorking", s.volume)
	front := s.corks[0]
	if checkUUID && front.uuid != maybeUUID {
		s.corksLock.Unlock()
		return fmt.Errorf("cachedstore %s: uncork uuid mismatch: have %s, want %s", s.volume, front.uuid, maybeUUID)
	}
	entries := front.entries
	s.corksLock.Unlock()

	// Replay the cork into the page cache - this is the only place pages
	// are mutated from corked data, matching "drain into the page cache by
	// performing, for every (CA, CLH) entry, the same effect as a fresh
	// write_cluster would have had on the cache".
	var written, discarded int64
	s.cacheLock.Lock()
	for ca, clh := range entries {
		p, err := s.getOrLoadPageForReplayLocked(ctx, ca)
		if err != nil {
			s.cacheLock.Unlock()
			return err
		}
		before := p.Get(page.OffsetOf(ca))
		p.Set(page.OffsetOf(ca), clh)
		switch {
		case before.IsNull() && !clh.IsNull():
			written++
		case !before.IsNull() && clh.IsNull():
			discarded++
		}
	}

	if err := s.flushDirtyAndBarrierLocked(ctx, front.uuid); err != nil {
		s.cacheLock.Unlock()
		glog.Errorf("cachedstore %s: uncork %s failed: %v", s.volume, front.uuid, err)
		return err
	}
	s.cacheLock.Unlock()

	s.st.addWritten(written)
	s.st.addDiscarded(discarded)

	s.cornerCaseMu.Lock()
	s.corkUUIDLastDurable, s.hasCorkUUID = front.uuid, true
	s.cornerCaseMu.Unlock()

	s.corksLock.Lock()
	s.corks = s.corks[1:]
	s.corksLock.Unlock()
	return nil
}

// getOrLoadPageForReplayLocked is getOrLoadPage's body without re-taking
// cacheLock, for use from inside Uncork which already holds it.
func (s *Store) getOrLoadPageForReplayLocked(ctx context.Context, ca cmn.CA) (*page.Page, error) {
	addr := page.AddressOf(ca)
	if p, ok := s.pages[addr]; ok {
		s.lru.touch(uint64(addr))
		return p, nil
	}
	if len(s.pages) >= s.capacity {
		if err := s.evictOneLocked(ctx); err != nil {
			return nil, err
		}
	}
	p := page.New(addr)
	s.backendLock.Lock()
	found, err := s.backend.GetPage(ctx, addr, p)
	s.backendLock.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		existsInParent, err := s.parentLookupLocked(ctx, p)
		if err != nil {
			return nil, err
		}
		if existsInParent {
			p.StampCloneID(1)
		}
	}
	s.pages[addr] = p
	s.lru.touch(uint64(addr))
	s.st.setNumPages(len(s.pages))
	return p, nil
}

// flushDirtyAndBarrierLocked walks every dirty cached page, flushes it,
// and barrier-writes corkUUID - using the backend's BatchWriter capability
// as a single RPC when available, falling back to one call per page plus
// a final SetCorkUUID otherwise. Caller must hold cacheLock.
func (s *Store) flushDirtyAndBarrierLocked(ctx context.Context, corkUUID cmn.UUID) error {
	var writes []metabackend.PageWrite
	for _, p := range s.pages {
		if !p.Dirty() {
			continue
		}
		discard, err := s.decideDiscardLocked(ctx, p)
		if err != nil {
			return err
		}
		writes = append(writes, metabackend.PageWrite{Page: p, Discard: discard, UsedClustersDelta: p.UsedClustersDelta()})
	}

	s.backendLock.Lock()
	defer s.backendLock.Unlock()

	if bw, ok := s.backend.(metabackend.BatchWriter); ok {
		if err := bw.MultiSet(ctx, writes, corkUUID, true); err != nil {
			if s.ignoreErrors {
				glog.Errorf("cachedstore %s: multiset failed, ignoring: %v", s.volume, err)
				return nil
			}
			return err
		}
		for _, w := range writes {
			w.Page.ClearDirty()
		}
		return nil
	}

	for _, w := range writes {
		var err error
		if w.Discard {
			_, err = s.backend.DiscardPage(ctx, w.Page.Addr, w.UsedClustersDelta)
		} else {
			err = s.backend.PutPage(ctx, w.Page, w.UsedClustersDelta)
		}
		if err != nil {
			if s.ignoreErrors {
				glog.Errorf("cachedstore %s: flush page %d failed, ignoring: %v", s.volume, w.Page.Addr, err)
				continue
			}
			return err
		}
		w.Page.ClearDirty()
	}
	return s.backend.SetCorkUUID(ctx, corkUUID, true)
}

// decideDiscardLocked implements possibly_discard_page: an empty dirty
// page is only safe to discard from the backend if it doesn't still need
// to mask a parent page.
func (s *Store) decideDiscardLocked(ctx context.Context, p *page.Page) (bool, error) {
	if !p.IsEmpty() {
		return false, nil
	}
	existsInParent, err := s.backend.PageExistsInParent(ctx, p.Addr)
	if err != nil {
		return false, err
	}
	return !existsInParent, nil
}

// maybeWritePageLocked is the single-page flush path used during eviction
// (outside of an uncork's batch). Caller must hold cacheLock.
func (s *Store) maybeWritePageLocked(ctx context.Context, p *page.Page) (bool, error) {
	if !p.Dirty() {
		return false, nil
	}
	discard, err := s.decideDiscardLocked(ctx, p)
	if err != nil {
		return false, err
	}

	s.backendLock.Lock()
	defer s.backendLock.Unlock()

	if discard {
		if _, err := s.backend.DiscardPage(ctx, p.Addr, p.UsedClustersDelta()); err != nil {
			if s.ignoreErrors {
				glog.Errorf("cachedstore %s: evict-discard page %d failed, ignoring: %v", s.volume, p.Addr, err)
				return false, nil
			}
			return false, err
		}
		p.ClearDirty()
		return true, nil
	}
	if err := s.backend.PutPage(ctx, p, p.UsedClustersDelta()); err != nil {
		if s.ignoreErrors {
			glog.Errorf("cachedstore %s: evict-put page %d failed, ignoring: %v", s.volume, p.Addr, err)
			return false, nil
		}
		return false, err
	}
	p.ClearDirty()
	return true, nil
}

// ClearAllKeys drops all in-memory state and wipes the backend.
func (s *Store) ClearAllKeys(ctx context.Context) error {
	s.corksLock.Lock()
	s.corks = nil
	s.corksLock.Unlock()

	s.cacheLock.Lock()
	s.pages = make(map[page.Address]*page.Page)
	s.lru.reset()
	s.st.setNumPages(0)
	s.cacheLock.Unlock()

	s.backendLock.Lock()
	err := s.backend.ClearAllKeys(ctx)
	s.backendLock.Unlock()
	if err != nil {
		return err
	}

	s.cornerCaseMu.Lock()
	s.hasCorkUUID = false
	s.hasScrubID = false
	s.cornerCaseMu.Unlock()
	return nil
}

// ForEach refuses to run while any cork holds pending writes, per spec
// §4.3, since the backend's view would be stale mid-iteration.
func (s *Store) ForEach(ctx context.Context, caMax cmn.CA, fn func(cmn.CA, page.CLH) error) error {
	s.corksLock.RLock()
	for _, c := range s.corks {
		debug.Assertf(len(c.entries) == 0, "cachedstore %s: for_each called with pending cork writes", s.volume)
	}
	s.corksLock.RUnlock()

	s.backendLock.Lock()
	defer s.backendLock.Unlock()
	return s.backend.ForEach(ctx, caMax, fn)
}

// SetCacheCapacity flushes and drops every cached page, then reallocates
// the backing map at the new capacity. Callable online.
func (s *Store) SetCacheCapacity(ctx context.Context, n int) error {
	s.cacheLock.Lock()
	defer s.cacheLock.Unlock()

	for len(s.pages) > 0 {
		if err := s.evictOneLocked(ctx); err != nil {
			return err
		}
	}
	s.pages = make(map[page.Address]*page.Page, n)
	s.lru.reset()
	s.capacity = n
	s.st.setNumPages(0)
	return nil
}

// GetPage returns every entry of the page containing ca, merging the
// persisted/cached page with overlays from every cork (later corks
// override earlier ones) - used by read-ahead paths.
func (s *Store) GetPage(ctx context.Context, ca cmn.CA) ([page.Capacity]page.CLH, error) {
	addr := page.AddressOf(ca)
	p, err := s.getOrLoadPage(ctx, addr)
	if err != nil {
		return [page.Capacity]page.CLH{}, err
	}

	var out [page.Capacity]page.CLH
	for i := 0; i < page.Capacity; i++ {
		out[i] = p.Get(i)
	}

	base := addr.FirstCA()
	s.corksLock.RLock()
	defer s.corksLock.RUnlock()
	for _, c := range s.corks {
		for i := 0; i < page.Capacity; i++ {
			if clh, ok := c.get(cmn.CA(uint64(base) + uint64(i))); ok {
				out[i] = clh
			}
		}
	}
	return out, nil
}

// Stats returns a point-in-time snapshot of this store's counters.
func (s *Store) Stats() Stats {
	return Stats{
		WrittenClusters:   s.st.written.Load(),
		DiscardedClusters: s.st.discarded.Load(),
		Hits:              s.st.hits.Load(),
		Misses:            s.st.misses.Load(),
		NumPages:          len(s.pages),
	}
}

// Close releases the underlying backend; errors are logged, not returned,
// per the destructor contract in spec.md §3.
func (s *Store) Close() {
	s.backend.Close()
}

// Backend returns the bound MetadataBackend, for callers (volumemeta)
// that need its GetConfig/capability-assert surface directly rather than
// through a Store method.
func (s *Store) Backend() metabackend.Backend {
	return s.backend
}
