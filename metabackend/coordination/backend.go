// Package coordination implements the freezeable coordination-service
// MetadataBackend variant (spec §4.2 variant 3): metadata for one volume
// lives in a single Kubernetes ConfigMap, standing in for the reference
// implementation's etcd/Arakoon-backed coordination service. A clone's
// backend can attach a frozen parent backend; PageExistsInParent looks up
// exactly one level (only the parent's own ConfigMap, not the parent's
// ancestors), and DropParent/emancipation happen once every page the clone
// needs has been copied forward.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package coordination

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	glog "github.com/openvstorage/govoldrv/3rdparty/glog"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/page"
)

const (
	keyCork         = "cork-uuid"
	keyScrubID      = "scrub-id"
	keyUsedClusters = "used-clusters"
	keyEmancipated  = "emancipated"
	pagePrefix      = "p-"
)

// Backend is the coordination-service MetadataBackend. It is Freezeable:
// ParentKeys/DropParent let a clone progressively shed its dependency on a
// frozen ancestor as ScrubApplier relocates pages forward.
type Backend struct {
	client kubernetes.Interface
	ns     string
	name   string
	cfg    cmn.BackendConfig

	mu     sync.Mutex
	parent *Backend // nil once emancipated or if never a clone

	deleteLocalOnDrop  bool
	deleteGlobalOnDrop bool
}

var _ metabackend.Backend = (*Backend)(nil)
var _ metabackend.Freezeable = (*Backend)(nil)

// Open fetches or creates the ConfigMap backing namespace ns.
func Open(ctx context.Context, client kubernetes.Interface, cfg cmn.BackendConfig, volumeName string) (*Backend, error) {
	ns := cfg.Coordinator.ConfigMapNS
	if ns == "" {
		ns = "default"
	}
	b := &Backend{client: client, ns: ns, name: configMapName(volumeName), cfg: cfg}
	if err := b.ensureConfigMap(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Attach gives a freshly opened clone backend a frozen ancestor - the
// "frozen parent" relationship cork/PageExistsInParent consult until the
// clone is emancipated. parent must itself be a *Backend; volumemeta only
// ever attaches a coordination backend to another one of its own kind.
func (b *Backend) Attach(parent metabackend.Backend) {
	p, ok := parent.(*Backend)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parent = p
}

func configMapName(volumeName string) string { return "mdvol-" + volumeName }

func (b *Backend) ensureConfigMap(ctx context.Context) error {
	cms := b.client.CoreV1().ConfigMaps(b.ns)
	_, err := cms.Get(ctx, b.name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return cmn.NewBackendError(cmn.KindTransient, "open", err)
	}
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: b.name, Namespace: b.ns},
		Data:       map[string]string{keyUsedClusters: "0"},
	}
	if _, err := cms.Create(ctx, cm, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return cmn.NewBackendError(cmn.KindTransient, "open", err)
	}
	return nil
}

func pageKey(addr page.Address) string {
	return pagePrefix + strconv.FormatUint(uint64(addr), 10)
}

func addrFromReserved(addr page.Address) error {
	if addr >= metabackend.MaxReservedAddress {
		return &cmn.ErrReservedKeyCollision{PageAddress: uint64(addr)}
	}
	return nil
}

// update fetches-modifies-writes the ConfigMap under an optimistic-retry
// loop, the standard client-go pattern for small, low-contention objects.
func (b *Backend) update(ctx context.Context, mutate func(data map[string]string) error) error {
	cms := b.client.CoreV1().ConfigMaps(b.ns)
	for attempt := 0; attempt < 5; attempt++ {
		cm, err := cms.Get(ctx, b.name, metav1.GetOptions{})
		if err != nil {
			return cmn.NewBackendError(cmn.KindTransient, "update", err)
		}
		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		if err := mutate(cm.Data); err != nil {
			return err
		}
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		if err == nil {
			return nil
		}
		if apierrors.IsConflict(err) {
			continue
		}
		return cmn.NewBackendError(cmn.KindTransient, "update", err)
	}
	return cmn.NewBackendError(cmn.KindTransient, "update", fmt.Errorf("too many conflicting updates to configmap %s/%s", b.ns, b.name))
}

func (b *Backend) read(ctx context.Context) (map[string]string, error) {
	cm, err := b.client.CoreV1().ConfigMaps(b.ns).Get(ctx, b.name, metav1.GetOptions{})
	if err != nil {
		return nil, cmn.NewBackendError(cmn.KindTransient, "read", err)
	}
	return cm.Data, nil
}

func (b *Backend) GetPage(ctx context.Context, addr page.Address, out *page.Page) (bool, error) {
	data, err := b.read(ctx)
	if err != nil {
		return false, err
	}
	v, ok := data[pageKey(addr)]
	if !ok {
		return false, nil
	}
	buf, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return false, cmn.NewBackendError(cmn.KindPermanent, "get-page", err)
	}
	out.Addr = addr
	if err := out.UnmarshalBinary(buf); err != nil {
		return false, cmn.NewBackendError(cmn.KindPermanent, "get-page", err)
	}
	return true, nil
}

func (b *Backend) PutPage(ctx context.Context, p *page.Page, usedClustersDelta int32) error {
	if err := addrFromReserved(p.Addr); err != nil {
		return cmn.NewBackendError(cmn.KindPermanent, "put-page", err)
	}
	buf, err := p.MarshalBinary()
	if err != nil {
		return cmn.NewBackendError(cmn.KindPermanent, "put-page", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf)
	return b.update(ctx, func(data map[string]string) error {
		data[pageKey(p.Addr)] = encoded
		applyUsedClustersDelta(data, usedClustersDelta)
		return nil
	})
}

func (b *Backend) DiscardPage(ctx context.Context, addr page.Address, usedClustersDelta int32) (bool, error) {
	var existed bool
	err := b.update(ctx, func(data map[string]string) error {
		key := pageKey(addr)
		if _, ok := data[key]; !ok {
			return nil
		}
		existed = true
		delete(data, key)
		applyUsedClustersDelta(data, usedClustersDelta)
		return nil
	})
	return existed, err
}

func applyUsedClustersDelta(data map[string]string, delta int32) {
	n, _ := strconv.ParseUint(data[keyUsedClusters], 10, 64)
	if delta >= 0 {
		n += uint64(delta)
	} else {
		d := uint64(-delta)
		if d > n {
			n = 0
		} else {
			n -= d
		}
	}
	data[keyUsedClusters] = strconv.FormatUint(n, 10)
}

// PageExistsInParent checks the attached frozen parent only - it does not
// recurse further up the chain, mirroring the design note that each
// backend only ever looks one level up.
func (b *Backend) PageExistsInParent(ctx context.Context, addr page.Address) (bool, error) {
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	if parent == nil {
		return false, nil
	}
	var tmp page.Page
	found, err := parent.GetPage(ctx, addr, &tmp)
	return found, err
}

func (b *Backend) GetCorkUUID(ctx context.Context) (cmn.UUID, bool, error) {
	data, err := b.read(ctx)
	if err != nil {
		return cmn.NilUUID, false, err
	}
	v, ok := data[keyCork]
	if !ok {
		return cmn.NilUUID, false, nil
	}
	id, err := cmn.ParseUUID(v)
	if err != nil {
		return cmn.NilUUID, false, cmn.NewBackendError(cmn.KindPermanent, "get-cork", err)
	}
	return id, true, nil
}

func (b *Backend) SetCorkUUID(ctx context.Context, id cmn.UUID, _ bool) error {
	return b.update(ctx, func(data map[string]string) error {
		data[keyCork] = id.String()
		return nil
	})
}

func (b *Backend) GetScrubID(ctx context.Context) (cmn.UUID, bool, error) {
	data, err := b.read(ctx)
	if err != nil {
		return cmn.NilUUID, false, err
	}
	v, ok := data[keyScrubID]
	if !ok {
		return cmn.NilUUID, false, nil
	}
	id, err := cmn.ParseUUID(v)
	if err != nil {
		return cmn.NilUUID, false, cmn.NewBackendError(cmn.KindPermanent, "get-scrub-id", err)
	}
	return id, true, nil
}

func (b *Backend) SetScrubID(ctx context.Context, id cmn.UUID, _ bool) error {
	return b.update(ctx, func(data map[string]string) error {
		data[keyScrubID] = id.String()
		return nil
	})
}

func (b *Backend) ClearAllKeys(ctx context.Context) error {
	err := b.update(ctx, func(data map[string]string) error {
		for k := range data {
			delete(data, k)
		}
		data[keyUsedClusters] = "0"
		return nil
	})
	if err != nil {
		glog.Errorf("coordination backend: clear-all-keys %s/%s: %v", b.ns, b.name, err)
		return nil
	}
	return nil
}

func (b *Backend) GetUsedClusters() uint64 {
	data, err := b.read(context.Background())
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(data[keyUsedClusters], 10, 64)
	return n
}

func (b *Backend) Freezeable() bool { return true }

func (b *Backend) HasFrozenParent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parent != nil
}

func (b *Backend) IsEmancipated() bool {
	data, err := b.read(context.Background())
	if err != nil {
		return false
	}
	return data[keyEmancipated] == "true"
}

// SetCorkFromFrozenParent is used when a clone is first created: it has no
// cork of its own yet, so it inherits the parent's cork_uuid under a
// barrier write.
func (b *Backend) SetCorkFromFrozenParent(ctx context.Context) error {
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	if parent == nil {
		return fmt.Errorf("coordination backend: %w", cmn.ErrFrozenParentRequired)
	}
	id, found, err := parent.GetCorkUUID(ctx)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("coordination backend: %w", cmn.ErrFrozenParentRequired)
	}
	return b.SetCorkUUID(ctx, id, true)
}

// ParentKeys returns every page address this backend's own ConfigMap does
// NOT yet hold but the frozen parent does - the relocation worklist
// ScrubApplier drains before DropParent can be called.
func (b *Backend) ParentKeys() []page.Address {
	b.mu.Lock()
	parent := b.parent
	b.mu.Unlock()
	if parent == nil {
		return nil
	}
	own, err := b.read(context.Background())
	if err != nil {
		return nil
	}
	parentData, err := parent.read(context.Background())
	if err != nil {
		return nil
	}
	var out []page.Address
	for k := range parentData {
		if len(k) <= len(pagePrefix) || k[:len(pagePrefix)] != pagePrefix {
			continue
		}
		if _, ok := own[k]; ok {
			continue
		}
		n, err := strconv.ParseUint(k[len(pagePrefix):], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, page.Address(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DropParent detaches the frozen ancestor and marks this backend
// emancipated - called once ParentKeys() is empty.
func (b *Backend) DropParent() {
	b.mu.Lock()
	b.parent = nil
	b.mu.Unlock()
	_ = b.update(context.Background(), func(data map[string]string) error {
		data[keyEmancipated] = "true"
		return nil
	})
}

func (b *Backend) ForEach(ctx context.Context, caMax cmn.CA, fn func(cmn.CA, page.CLH) error) error {
	data, err := b.read(ctx)
	if err != nil {
		return err
	}
	maxAddr := page.AddressOf(caMax)
	var addrs []page.Address
	for k := range data {
		if len(k) <= len(pagePrefix) || k[:len(pagePrefix)] != pagePrefix {
			continue
		}
		n, err := strconv.ParseUint(k[len(pagePrefix):], 10, 64)
		if err != nil {
			continue
		}
		if page.Address(n) <= maxAddr {
			addrs = append(addrs, page.Address(n))
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, a := range addrs {
		p := page.New(a)
		found, err := b.GetPage(ctx, a, p)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		for off := 0; off < page.Capacity; off++ {
			ca := cmn.CA(a.FirstCA()) + cmn.CA(off)
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

func (b *Backend) GetConfig() cmn.BackendConfig { return b.cfg }

func (b *Backend) MarkDeleteLocalArtifactsOnDrop()  { b.deleteLocalOnDrop = true }
func (b *Backend) MarkDeleteGlobalArtifactsOnDrop() { b.deleteGlobalOnDrop = true }

// Close deletes the backing ConfigMap only if MarkDeleteGlobalArtifactsOnDrop
// was called; like the embedded variant it never propagates an error.
func (b *Backend) Close() {
	if !b.deleteGlobalOnDrop {
		return
	}
	if err := b.client.CoreV1().ConfigMaps(b.ns).Delete(context.Background(), b.name, metav1.DeleteOptions{}); err != nil {
		glog.Errorf("coordination backend: close: delete %s/%s: %v", b.ns, b.name, err)
	}
}
