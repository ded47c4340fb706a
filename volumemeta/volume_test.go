package volumemeta

import (
	"context"
	"testing"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/devtools/tassert"
	"github.com/openvstorage/govoldrv/page"
	"github.com/openvstorage/govoldrv/snapshot"
	"github.com/openvstorage/govoldrv/storebuilder"
)

func openTestVolume(t *testing.T) (*Volume, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	v, err := Open(context.Background(), Options{
		Name:        "vol-0",
		Backend:     backend,
		Persistor:   snapshot.NewMemPersistor(),
		Namespace:   newFakeNamespace(),
		Cache:       cmn.CacheConfig{CapacityPages: 16},
		ClusterSize: 4096,
	})
	tassert.CheckFatal(t, err)
	return v, backend
}

func TestCorkWriteUncorkReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVolume(t)

	uuid := cmn.NewUUID()
	v.Cork(uuid)
	cl := cmn.NewCL(1, 0, 0, 0)
	v.WriteCluster(7, page.CLH{CL: cl})
	v.Cork(cmn.NewUUID())
	tassert.CheckFatal(t, v.Uncork(ctx, uuid, true))

	got, err := v.ReadCluster(ctx, 7)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.CL == cl, "expected %v, got %v", cl, got.CL)

	last, ok := v.LastCork()
	tassert.Fatalf(t, ok && last == uuid, "expected last cork %s, got %s (ok=%v)", uuid, last, ok)
}

func TestClearAllKeysThenRebuildFromTLogs(t *testing.T) {
	ctx := context.Background()
	v, backend := openTestVolume(t)

	uuid := cmn.NewUUID()
	v.Cork(uuid)
	v.WriteCluster(1, page.CLH{CL: cmn.NewCL(1, 0, 0, 0)})
	v.Cork(cmn.NewUUID())
	tassert.CheckFatal(t, v.Uncork(ctx, uuid, true))

	tassert.CheckFatal(t, v.ClearAllKeys(ctx))
	_, hasCork := v.LastCork()
	tassert.Fatalf(t, !hasCork, "expected no cork after ClearAllKeys")
	tassert.Fatalf(t, len(backend.pages) == 0, "expected backend pages cleared")

	// No tlogs registered on the persistor: ProcessCloneTLogs is a no-op,
	// not an error.
	res, err := v.ProcessCloneTLogs(ctx, storebuilder.Options{ScratchDir: t.TempDir()})
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, res.NumTLogs == 0, "expected 0 tlogs replayed, got %d", res.NumTLogs)
}

func TestUpdateBackendConfigRoundTrip(t *testing.T) {
	v, _ := openTestVolume(t)

	cfg := cmn.BackendConfig{Kind: cmn.BackendReplicated}
	cfg.Replicated.Replicas = []string{"10.0.0.1:9000"}
	tassert.CheckFatal(t, v.UpdateBackendConfig(cfg))

	got := v.GetBackendConfig()
	tassert.Fatalf(t, got.Kind == cmn.BackendReplicated, "expected kind replicated, got %s", got.Kind)
	tassert.Fatalf(t, len(got.Replicated.Replicas) == 1 && got.Replicated.Replicas[0] == "10.0.0.1:9000",
		"expected replica round-trip, got %v", got.Replicated.Replicas)
}

func TestStatsReflectsWrites(t *testing.T) {
	ctx := context.Background()
	v, _ := openTestVolume(t)

	uuid := cmn.NewUUID()
	v.Cork(uuid)
	v.WriteCluster(3, page.CLH{CL: cmn.NewCL(1, 0, 0, 0)})
	v.Cork(cmn.NewUUID())
	tassert.CheckFatal(t, v.Uncork(ctx, uuid, true))

	stats := v.Stats()
	tassert.Fatalf(t, stats.WrittenClusters == 1, "expected 1 written cluster, got %d", stats.WrittenClusters)
}
