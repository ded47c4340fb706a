package cachedstore

import (
	"context"
	"sync"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/page"
)

// fakeBackend is an in-memory metabackend.Backend used only by this
// package's tests, letting Store's locking/flush/eviction logic be
// exercised without buntdb or a network round trip.
type fakeBackend struct {
	mu            sync.Mutex
	pages         map[page.Address][]byte
	cork          cmn.UUID
	hasCork       bool
	scrubID       cmn.UUID
	hasScrubID    bool
	used          uint64
	parent        *fakeBackend
	putCalls      int
	discardCalls  int
	multiSetCalls int
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

func (b *fakeBackend) PutPage(_ context.Context, p *page.Page, delta int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	b.pages[p.Addr] = buf
	b.applyDelta(delta)
	b.putCalls++
	return nil
}

func (b *fakeBackend) DiscardPage(_ context.Context, addr page.Address, delta int32) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, existed := b.pages[addr]
	delete(b.pages, addr)
	if existed {
		b.applyDelta(delta)
	}
	b.discardCalls++
	return existed, nil
}

func (b *fakeBackend) applyDelta(delta int32) {
	if delta >= 0 {
		b.used += uint64(delta)
		return
	}
	d := uint64(-delta)
	if d > b.used {
		b.used = 0
		return
	}
	b.used -= d
}

func (b *fakeBackend) PageExistsInParent(ctx context.Context, addr page.Address) (bool, error) {
	if b.parent == nil {
		return false, nil
	}
	var tmp page.Page
	return b.parent.GetPage(ctx, addr, &tmp)
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
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scrubID, b.hasScrubID, nil
}

func (b *fakeBackend) SetScrubID(_ context.Context, id cmn.UUID, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scrubID, b.hasScrubID = id, true
	return nil
}

func (b *fakeBackend) ClearAllKeys(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages = make(map[page.Address][]byte)
	b.used = 0
	b.hasCork = false
	b.hasScrubID = false
	return nil
}

func (b *fakeBackend) GetUsedClusters() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

func (b *fakeBackend) Freezeable() bool      { return false }
func (b *fakeBackend) HasFrozenParent() bool { return b.parent != nil }
func (b *fakeBackend) IsEmancipated() bool   { return b.parent == nil }

func (b *fakeBackend) SetCorkFromFrozenParent(ctx context.Context) error {
	if b.parent == nil {
		return cmn.ErrFrozenParentRequired
	}
	id, found, err := b.parent.GetCorkUUID(ctx)
	if err != nil {
		return err
	}
	if !found {
		return cmn.ErrFrozenParentRequired
	}
	return b.SetCorkUUID(ctx, id, true)
}

func (b *fakeBackend) ForEach(_ context.Context, caMax cmn.CA, fn func(cmn.CA, page.CLH) error) error {
	b.mu.Lock()
	addrs := make([]page.Address, 0, len(b.pages))
	for a := range b.pages {
		addrs = append(addrs, a)
	}
	b.mu.Unlock()
	for _, a := range addrs {
		var p page.Page
		found, err := b.GetPage(context.Background(), a, &p)
		if err != nil || !found {
			continue
		}
		for off := 0; off < page.Capacity; off++ {
			ca := cmn.CA(uint64(a.FirstCA()) + uint64(off))
			if ca >= caMax {
				break
			}
			clh := p.Get(off)
			if clh.IsNull() {
				continue
			}
			if err := fn(ca, clh); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *fakeBackend) GetConfig() cmn.BackendConfig { return cmn.BackendConfig{} }

func (b *fakeBackend) MarkDeleteLocalArtifactsOnDrop()  {}
func (b *fakeBackend) MarkDeleteGlobalArtifactsOnDrop() {}

func (b *fakeBackend) Close() {}
