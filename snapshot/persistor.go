// Package snapshot defines the SnapshotPersistor external collaborator
// (spec §6): the snapshot layer's view of cork/scrub history that
// MetadataStoreBuilder consults (volumemeta hands it through to the
// builder). The snapshot XML format itself is out of scope (non-goal);
// MemPersistor is an in-memory fixture sufficient to drive the builder's
// and the volume facade's tests.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package snapshot

import (
	"sync"

	"github.com/openvstorage/govoldrv/cmn"
)

// TLogRef names one TLog in backend-durability order, scoped to a
// clone-id so clone chains can be walked per-ancestor.
type TLogRef struct {
	Name    string
	CloneID uint8
	Cork    cmn.UUID // the cork this TLog's Sync entry advances to
}

// Visitor walks a clone chain; vold (spec §6) calls it oldest-first or
// newest-first depending on the bi (backward/forward) flag.
type Visitor func(cloneID uint8) error

// Persistor is the SnapshotPersistor contract.
type Persistor interface {
	LastCork() (cmn.UUID, bool)
	ScrubID() cmn.UUID
	GetTLogsOnBackendSinceLastCork(mdCork, startCork cmn.UUID) ([]TLogRef, error)
	GetSnapshotCork(name string) (cmn.UUID, bool)
	TrimToBackend() error
	Vold(v Visitor, backward bool) error
}

// MemPersistor is an in-memory Persistor fixture.
type MemPersistor struct {
	mu       sync.Mutex
	lastCork cmn.UUID
	hasCork  bool
	scrubID  cmn.UUID
	tlogs    []TLogRef
	snaps    map[string]cmn.UUID
	chain    []uint8 // clone ids, oldest-first
}

func NewMemPersistor() *MemPersistor {
	return &MemPersistor{snaps: make(map[string]cmn.UUID)}
}

func (m *MemPersistor) SetLastCork(id cmn.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCork, m.hasCork = id, true
}

func (m *MemPersistor) SetScrubID(id cmn.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrubID = id
}

func (m *MemPersistor) AppendTLog(ref TLogRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tlogs = append(m.tlogs, ref)
}

func (m *MemPersistor) SetSnapshotCork(name string, id cmn.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[name] = id
}

func (m *MemPersistor) SetChain(cloneIDs ...uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = cloneIDs
}

func (m *MemPersistor) LastCork() (cmn.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCork, m.hasCork
}

func (m *MemPersistor) ScrubID() cmn.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scrubID
}

// GetTLogsOnBackendSinceLastCork returns every TLog recorded after mdCork
// up to and including startCork (or everything if startCork is nil),
// oldest-first - the ordered window MetadataStoreBuilder replays.
func (m *MemPersistor) GetTLogsOnBackendSinceLastCork(mdCork, startCork cmn.UUID) ([]TLogRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TLogRef
	seenFrom := mdCork == cmn.NilUUID
	for _, t := range m.tlogs {
		if !seenFrom {
			if t.Cork == mdCork {
				seenFrom = true
			}
			continue
		}
		out = append(out, t)
		if startCork != cmn.NilUUID && t.Cork == startCork {
			break
		}
	}
	return out, nil
}

func (m *MemPersistor) GetSnapshotCork(name string) (cmn.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.snaps[name]
	return id, ok
}

func (m *MemPersistor) TrimToBackend() error { return nil }

func (m *MemPersistor) Vold(v Visitor, backward bool) error {
	m.mu.Lock()
	chain := append([]uint8(nil), m.chain...)
	m.mu.Unlock()
	if backward {
		for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
			chain[i], chain[j] = chain[j], chain[i]
		}
	}
	for _, id := range chain {
		if err := v(id); err != nil {
			return err
		}
	}
	return nil
}
