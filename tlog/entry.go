// Package tlog defines the TLogReader external collaborator (spec §6):
// an iterator over one TLog's entries, tagged by kind (Loc, SCOCRC,
// TLogCRC, SyncTC). The real TLog wire format is out of scope (a
// non-goal); this package provides the interface, a small in-memory
// Reader (MemReader), and the on-disk FileWriter/FileReader pair
// (file.go) through which MetadataStoreBuilder, LocalTLogScanner, and the
// scrub loader read TLogs.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package tlog

import (
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/page"
)

// Kind tags one TLog entry.
type Kind int

const (
	KindLoc Kind = iota
	KindSCOCRC
	KindTLogCRC
	KindSyncTC
)

// Entry is one TLog record. Only the fields relevant to Kind are set.
type Entry struct {
	Kind Kind

	// KindLoc
	CA  cmn.CA
	CLH page.CLH

	// KindSCOCRC / KindTLogCRC
	CRC uint32
}

// Reader iterates one TLog's entries in file order. Next returns
// (Entry{}, false, nil) at end of stream.
type Reader interface {
	Next() (Entry, bool, error)
	Close() error
}

// MemReader is an in-memory Reader fixture over a fixed slice of
// entries.
type MemReader struct {
	entries []Entry
	pos     int
}

func NewMemReader(entries []Entry) *MemReader { return &MemReader{entries: entries} }

func (r *MemReader) Next() (Entry, bool, error) {
	if r.pos >= len(r.entries) {
		return Entry{}, false, nil
	}
	e := r.entries[r.pos]
	r.pos++
	return e, true, nil
}

func (r *MemReader) Close() error { return nil }

// LocEntries drains a reader keeping only KindLoc entries, a convenience
// used by tests that don't care about CRC bookkeeping.
func LocEntries(r Reader) ([]Entry, error) {
	var out []Entry
	for {
		e, ok, err := r.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		if e.Kind == KindLoc {
			out = append(out, e)
		}
	}
}
