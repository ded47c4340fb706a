// Package page implements C1: a fixed-capacity array of cluster-location-
// and-hash entries addressed by page index, plus the small amount of
// per-page bookkeeping (dirty/written/discarded counters) the cached store
// needs to decide how to flush it.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package page

import (
	"encoding/binary"

	"github.com/openvstorage/govoldrv/cmn"
)

// Capacity is the compile-time page size P (entries per page); must be a
// power of two. 256 matches the reference implementation's typical value.
const Capacity = 256

const log2Capacity = 8 // log2(Capacity)

// ClhSize is the constant serialized size of one ClusterLocationAndHash
// entry: 8 bytes CL + cmn.HashSize bytes hash.
const ClhSize = 8 + cmn.HashSize

// SizeBytes is the constant serialized size of a full page.
const SizeBytes = Capacity * ClhSize

// Address is a page address: CA >> log2(Capacity).
type Address uint64

// AddressOf and OffsetOf implement the page_address_of/offset_of split of
// a cluster address.
func AddressOf(ca cmn.CA) Address { return Address(uint64(ca) >> log2Capacity) }
func OffsetOf(ca cmn.CA) int      { return int(uint64(ca) & (Capacity - 1)) }

// FirstCA returns the cluster address of offset 0 within this page.
func (a Address) FirstCA() cmn.CA { return cmn.CA(uint64(a) << log2Capacity) }

// CLH is one ClusterLocationAndHash entry.
type CLH struct {
	CL   cmn.CL
	Hash cmn.Hash
}

var NullCLH = CLH{CL: cmn.NullCL}

func (c CLH) IsNull() bool { return c.CL.IsNull() }

// Page is the unit of persistence and caching: Capacity CLH entries plus
// transient flags tracked only while the page sits in the cache.
type Page struct {
	Addr Address
	clhs [Capacity]CLH

	dirty                           bool
	writtenSinceLastBackendWrite    int32
	discardedSinceLastBackendWrite  int32
}

func New(addr Address) *Page {
	return &Page{Addr: addr}
}

func (p *Page) SizeBytes() int { return SizeBytes }

func (p *Page) Get(offset int) CLH { return p.clhs[offset] }

// Set overwrites the entry at offset, updating the written/discarded
// counters uncork relies on to decide used_clusters deltas and whether a
// flush should discard or put the page.
func (p *Page) Set(offset int, clh CLH) {
	prev := p.clhs[offset]
	p.clhs[offset] = clh
	p.dirty = true
	switch {
	case prev.IsNull() && !clh.IsNull():
		p.writtenSinceLastBackendWrite++
	case !prev.IsNull() && clh.IsNull():
		p.discardedSinceLastBackendWrite++
	}
}

func (p *Page) Dirty() bool { return p.dirty }

// UsedClustersDelta is written - discarded since the last backend write;
// the value MetadataBackend.PutPage/DiscardPage must apply atomically
// alongside the page bytes.
func (p *Page) UsedClustersDelta() int32 {
	return p.writtenSinceLastBackendWrite - p.discardedSinceLastBackendWrite
}

// ClearDirty resets the per-flush counters after a successful
// PutPage/DiscardPage; called by cachedstore's maybeWritePageLocked and
// flushDirtyAndBarrierLocked on success.
func (p *Page) ClearDirty() {
	p.dirty = false
	p.writtenSinceLastBackendWrite = 0
	p.discardedSinceLastBackendWrite = 0
}

// IsEmpty reports whether every entry has a null CL.
func (p *Page) IsEmpty() bool {
	for i := range p.clhs {
		if !p.clhs[i].IsNull() {
			return false
		}
	}
	return true
}

// StampCloneID adds delta to the clone-id field of every non-null entry
// and marks the page dirty; used when a clone backend fetches a page
// through its parent.
func (p *Page) StampCloneID(delta int) {
	changed := false
	for i := range p.clhs {
		if !p.clhs[i].IsNull() {
			p.clhs[i].CL = p.clhs[i].CL.WithCloneDelta(delta)
			changed = true
		}
	}
	if changed {
		p.dirty = true
	}
}

// NonNullCount returns the number of non-null entries, used to maintain
// the used_clusters invariant.
func (p *Page) NonNullCount() int {
	n := 0
	for i := range p.clhs {
		if !p.clhs[i].IsNull() {
			n++
		}
	}
	return n
}

// Less orders two pages by Address only, matching the spec's "two pages
// compare/order by page_address only" rule.
func Less(a, b *Page) bool { return a.Addr < b.Addr }

// MarshalBinary serializes the page to its fixed-size wire form: Capacity
// consecutive (CL uint64 big-endian, Hash bytes) entries, bit-exact with
// what UnmarshalBinary reads back - the MetadataBackend contract requires
// "page bytes written must equal bytes read".
func (p *Page) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SizeBytes)
	for i, clh := range p.clhs {
		off := i * ClhSize
		binary.BigEndian.PutUint64(buf[off:], uint64(clh.CL))
		copy(buf[off+8:off+8+cmn.HashSize], clh.Hash[:])
	}
	return buf, nil
}

func (p *Page) UnmarshalBinary(buf []byte) error {
	if len(buf) != SizeBytes {
		return ErrBadPageSize{Got: len(buf), Want: SizeBytes}
	}
	for i := range p.clhs {
		off := i * ClhSize
		cl := cmn.CL(binary.BigEndian.Uint64(buf[off:]))
		var h cmn.Hash
		copy(h[:], buf[off+8:off+8+cmn.HashSize])
		p.clhs[i] = CLH{CL: cl, Hash: h}
	}
	return nil
}

type ErrBadPageSize struct{ Got, Want int }

func (e ErrBadPageSize) Error() string {
	return "page: bad serialized size"
}
