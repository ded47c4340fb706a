package cachedstore

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/page"
)

var _ = Describe("cork ordering and atomicity", func() {
	var (
		ctx     context.Context
		backend *fakeBackend
		store   *Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = newFakeBackend()
		var err error
		store, err = Open(ctx, "ginkgo-vol", backend, cmn.CacheConfig{CapacityPages: 64})
		Expect(err).NotTo(HaveOccurred())
	})

	It("writes cork uuids to the backend strictly in uncork order", func() {
		// The volume's TLog protocol always corks the next TLog before
		// uncorking the previous one, so callers naturally issue Uncork
		// calls in cork-creation order; this exercises that ordering under
		// concurrent goroutines, each gated on the previous one finishing.
		const n = 8
		ids := make([]cmn.UUID, n)
		for i := range ids {
			ids[i] = cmn.NewUUID()
			store.Cork(ids[i])
			store.WriteCluster(cmn.CA(i), page.CLH{CL: cmn.NewCL(uint32(i+1), 0, 0, 0)})
		}
		store.Cork(cmn.NewUUID()) // the TLog after the last one stays active

		gates := make([]chan struct{}, n+1)
		for i := range gates {
			gates[i] = make(chan struct{})
		}
		close(gates[0])

		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				<-gates[idx]
				Expect(store.Uncork(ctx, ids[idx], true)).To(Succeed())
				close(gates[idx+1])
			}(i)
		}
		wg.Wait()

		last, found := store.LastCork()
		Expect(found).To(BeTrue())
		Expect(last).To(Equal(ids[n-1]))
	})

	It("reads a corked write back after another goroutine has uncorked it", func() {
		corkID := cmn.NewUUID()
		store.Cork(corkID)
		store.WriteCluster(42, page.CLH{CL: cmn.NewCL(9, 0, 0, 0)})
		store.Cork(cmn.NewUUID())

		done := make(chan struct{})
		go func() {
			defer close(done)
			Expect(store.Uncork(ctx, corkID, true)).To(Succeed())
		}()
		<-done

		clh, err := store.ReadCluster(ctx, 42, testClusterSize)
		Expect(err).NotTo(HaveOccurred())
		Expect(clh.CL.IsNull()).To(BeFalse())
	})

	It("rejects uncork with a uuid that does not match the oldest cork", func() {
		store.Cork(cmn.NewUUID())
		store.Cork(cmn.NewUUID())
		err := store.Uncork(ctx, cmn.NewUUID(), true)
		Expect(err).To(HaveOccurred())
	})
})
