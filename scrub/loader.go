// Loading a scrub result off the object backend (spec §4.7 step 1): a
// small JSON document naming the new scrub_id and the relocation TLogs to
// replay, each relocation TLog holding alternating (CA, CL_old) / (CA,
// CL_new) Loc-entry pairs.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package scrub

import (
	"fmt"

	"context"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/objbackend"
	"github.com/openvstorage/govoldrv/tlog"
)

// resultDoc is the JSON-over-the-wire shape of a scrub result object; the
// real snapshot-XML-adjacent format is a non-goal, this is the minimal
// shape ScrubApplier needs to drive the relocation replay.
type resultDoc struct {
	NewScrubID      string   `json:"new_scrub_id"`
	RelocationTLogs []string `json:"relocation_tlogs"`
}

// Loader fetches and decodes a scrub Reply from an object backend
// namespace.
type Loader struct {
	ns         objbackend.Namespace
	scratchDir string
}

func NewLoader(ns objbackend.Namespace, scratchDir string) *Loader {
	return &Loader{ns: ns, scratchDir: scratchDir}
}

// Load reads the scrub result object at key and every relocation TLog it
// references, pairing up consecutive Loc entries into Relocations.
func (l *Loader) Load(ctx context.Context, key string) (Reply, error) {
	rc, err := l.ns.Open(ctx, key)
	if err != nil {
		return Reply{}, fmt.Errorf("scrub: load result %s: %w", key, err)
	}
	defer rc.Close()

	var doc resultDoc
	if err := cmn.UnmarshalJSONReader(rc, &doc); err != nil {
		return Reply{}, fmt.Errorf("scrub: decode result %s: %w", key, err)
	}
	newID, err := cmn.ParseUUID(doc.NewScrubID)
	if err != nil {
		return Reply{}, fmt.Errorf("scrub: result %s: bad new_scrub_id: %w", key, err)
	}

	reply := Reply{NewScrubID: newID}
	for _, tlogKey := range doc.RelocationTLogs {
		relocs, err := l.loadRelocationTLog(ctx, tlogKey)
		if err != nil {
			return Reply{}, err
		}
		reply.Relocations = append(reply.Relocations, relocs...)
	}
	return reply, nil
}

func (l *Loader) loadRelocationTLog(ctx context.Context, key string) ([]Relocation, error) {
	r, closer, err := tlog.FetchFromNamespace(ctx, l.ns, key, l.scratchDir)
	if err != nil {
		return nil, fmt.Errorf("scrub: fetch relocation tlog %s: %w", key, err)
	}
	defer closer.Close()

	entries, err := tlog.LocEntries(r)
	if err != nil {
		return nil, fmt.Errorf("scrub: read relocation tlog %s: %w", key, err)
	}
	if len(entries)%2 != 0 {
		return nil, fmt.Errorf("scrub: relocation tlog %s has an odd number of Loc entries", key)
	}

	relocs := make([]Relocation, 0, len(entries)/2)
	for i := 0; i < len(entries); i += 2 {
		oldEntry, newEntry := entries[i], entries[i+1]
		if oldEntry.CA != newEntry.CA {
			return nil, fmt.Errorf("scrub: relocation tlog %s: mismatched ca pair at index %d (%d != %d)",
				key, i, oldEntry.CA, newEntry.CA)
		}
		relocs = append(relocs, Relocation{CA: oldEntry.CA, Old: oldEntry.CLH, New: newEntry.CLH})
	}
	return relocs, nil
}
