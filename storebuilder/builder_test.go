package storebuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openvstorage/govoldrv/cachedstore"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/devtools/tassert"
	"github.com/openvstorage/govoldrv/page"
	"github.com/openvstorage/govoldrv/snapshot"
	"github.com/openvstorage/govoldrv/tlog"
)

// writeTLogBytes builds a local tlog file with the given Loc entries plus
// a SCOCRC/TLogCRC trailer and returns its raw bytes, for seeding a
// fakeNamespace object.
func writeTLogBytes(t *testing.T, entries []tlog.Entry) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.tlog")
	w, err := tlog.CreateFile(path)
	tassert.CheckFatal(t, err)
	for _, e := range entries {
		tassert.CheckFatal(t, w.WriteLoc(e.CA, e.CLH))
	}
	tassert.CheckFatal(t, w.WriteSCOCRC(tlog.ComputeSCOCRC(entries)))
	tassert.CheckFatal(t, w.WriteTLogCRC(0))
	tassert.CheckFatal(t, w.Close())
	buf, err := os.ReadFile(path)
	tassert.CheckFatal(t, err)
	return buf
}

func TestBuildRebuildsFromSingleTLog(t *testing.T) {
	ctx := context.Background()

	backend := newFakeBackend()
	store, err := cachedstore.Open(ctx, "vol", backend, cmn.CacheConfig{CapacityPages: 16})
	tassert.CheckFatal(t, err)

	entries := make([]tlog.Entry, 0, 10)
	for i := cmn.CA(0); i < 10; i++ {
		entries = append(entries, tlog.Entry{Kind: tlog.KindLoc, CA: i, CLH: page.CLH{CL: cmn.NewCL(uint32(i)+1, 0, 0, 0)}})
	}

	ns := newFakeNamespace()
	cork := cmn.NewUUID()
	ns.put(tlogKey(snapshot.TLogRef{Name: "tlog-1", CloneID: 0}), writeTLogBytes(t, entries))

	persistor := snapshot.NewMemPersistor()
	persistor.AppendTLog(snapshot.TLogRef{Name: "tlog-1", CloneID: 0, Cork: cork})
	persistor.SetLastCork(cork)

	b := New(store, persistor, ns)
	res, err := b.Build(ctx, Options{ScratchDir: t.TempDir()})
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, res.NumTLogs == 1, "expected 1 tlog replayed, got %d", res.NumTLogs)

	for _, e := range entries {
		got, err := store.GetClusterLocation(ctx, e.CA)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, got.CL == e.CLH.CL, "ca %d: got %v want %v", e.CA, got.CL, e.CLH.CL)
	}

	gotCork, ok := store.LastCork()
	tassert.Fatalf(t, ok && gotCork == cork, "expected last cork %s, got %s (ok=%v)", cork, gotCork, ok)
}

func TestBuildNoTLogsIsNoop(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store, err := cachedstore.Open(ctx, "vol", backend, cmn.CacheConfig{CapacityPages: 16})
	tassert.CheckFatal(t, err)

	persistor := snapshot.NewMemPersistor()
	b := New(store, persistor, newFakeNamespace())
	res, err := b.Build(ctx, Options{ScratchDir: t.TempDir()})
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, res.NumTLogs == 0, "expected 0 tlogs, got %d", res.NumTLogs)
}

func TestBucketBatchGroupsByPageMostPopulatedFirst(t *testing.T) {
	entries := []tlog.Entry{
		{CA: 0, Kind: tlog.KindLoc},
		{CA: page.Capacity, Kind: tlog.KindLoc},
		{CA: 1, Kind: tlog.KindLoc},
		{CA: 2, Kind: tlog.KindLoc},
	}
	buckets := bucketBatch(entries)
	tassert.Fatalf(t, len(buckets) == 2, "expected 2 buckets, got %d", len(buckets))
	tassert.Fatalf(t, buckets[0].Addr == page.AddressOf(0) && len(buckets[0].Entries) == 3,
		"expected page 0's bucket (3 entries) first, got addr=%d len=%d", buckets[0].Addr, len(buckets[0].Entries))
}
