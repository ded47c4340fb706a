package storebuilder

import (
	"context"
	"sync"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/page"
)

// fakeBackend is a minimal in-memory metabackend.Backend, just enough for
// this package's tests to drive a real cachedstore.Store without buntdb.
type fakeBackend struct {
	mu      sync.Mutex
	pages   map[page.Address][]byte
	cork    cmn.UUID
	hasCork bool
}

var _ metabackend.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pages: make(map[page.Address][]byte)}
}

func (b *fakeBackend) GetPage(_ context.Context, addr page.Address, out *page.Page) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.pages[addr]
	if !ok {
		return false, nil
	}
	out.Addr = addr
	return true, out.UnmarshalBinary(buf)
}

func (b *fakeBackend) PutPage(_ context.Context, p *page.Page, _ int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	b.pages[p.Addr] = buf
	return nil
}

func (b *fakeBackend) DiscardPage(_ context.Context, addr page.Address, _ int32) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, existed := b.pages[addr]
	delete(b.pages, addr)
	return existed, nil
}

func (b *fakeBackend) PageExistsInParent(context.Context, page.Address) (bool, error) {
	return false, nil
}

func (b *fakeBackend) GetCorkUUID(context.Context) (cmn.UUID, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cork, b.hasCork, nil
}

func (b *fakeBackend) SetCorkUUID(_ context.Context, id cmn.UUID, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cork, b.hasCork = id, true
	return nil
}

func (b *fakeBackend) GetScrubID(context.Context) (cmn.UUID, bool, error) {
	return cmn.NilUUID, false, nil
}

func (b *fakeBackend) SetScrubID(context.Context, cmn.UUID, bool) error { return nil }

func (b *fakeBackend) ClearAllKeys(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages = make(map[page.Address][]byte)
	b.hasCork = false
	return nil
}

func (b *fakeBackend) GetUsedClusters() uint64 { return 0 }

func (b *fakeBackend) Freezeable() bool      { return false }
func (b *fakeBackend) HasFrozenParent() bool { return false }
func (b *fakeBackend) IsEmancipated() bool   { return true }

func (b *fakeBackend) SetCorkFromFrozenParent(context.Context) error {
	return cmn.ErrFrozenParentRequired
}

func (b *fakeBackend) ForEach(context.Context, cmn.CA, func(cmn.CA, page.CLH) error) error {
	return nil
}

func (b *fakeBackend) GetConfig() cmn.BackendConfig { return cmn.BackendConfig{} }

func (b *fakeBackend) MarkDeleteLocalArtifactsOnDrop()  {}
func (b *fakeBackend) MarkDeleteGlobalArtifactsOnDrop() {}

func (b *fakeBackend) Close() {}
