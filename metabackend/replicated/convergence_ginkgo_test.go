package replicated

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend/embedded"
	"github.com/openvstorage/govoldrv/page"
)

type fakeLoc struct {
	ca  cmn.CA
	clh page.CLH
}

type fakeLocReader struct {
	entries []fakeLoc
	i       int
}

func (r *fakeLocReader) Next() (cmn.CA, page.CLH, bool, error) {
	if r.i >= len(r.entries) {
		return 0, page.CLH{}, false, nil
	}
	e := r.entries[r.i]
	r.i++
	return e.ca, e.clh, true, nil
}

func (r *fakeLocReader) Close() error { return nil }

type fakeTLogHandle struct {
	name    string
	entries []fakeLoc
}

func (h *fakeTLogHandle) Name() string { return h.name }
func (h *fakeTLogHandle) Open(context.Context) (LocReader, error) {
	return &fakeLocReader{entries: h.entries}, nil
}

// fakeTLogSource hands out whatever's been queued since the last call - a
// real TLogSource derives "pending" from what the slave's own durable
// state hasn't caught up to yet; this test drives that directly instead
// of standing up an object backend.
type fakeTLogSource struct {
	mu      sync.Mutex
	pending []TLogHandle
}

func (s *fakeTLogSource) queue(h *fakeTLogHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, h)
}

func (s *fakeTLogSource) PendingTLogs(context.Context) ([]TLogHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out, nil
}

// dialPair returns a fasthttp.DialFunc routing the symbolic addresses
// "master"/"slave" to two in-memory listeners, so the test never opens a
// real socket.
func dialPair() (dial fasthttp.DialFunc, master, slave *fasthttputil.InmemoryListener) {
	master = fasthttputil.NewInmemoryListener()
	slave = fasthttputil.NewInmemoryListener()
	dial = func(addr string) (net.Conn, error) {
		switch addr {
		case "master":
			return master.Dial()
		case "slave":
			return slave.Dial()
		default:
			return nil, fmt.Errorf("convergence test: unknown addr %q", addr)
		}
	}
	return dial, master, slave
}

var _ = Describe("replicated backend slave convergence", func() {
	It("brings a slave's page state in line with the master after write, cork, and catch-up", func() {
		ctx := context.Background()

		masterBackend, err := embedded.Open(cmn.BackendConfig{Kind: cmn.BackendEmbedded,
			Embedded: cmn.EmbeddedConfig{Path: filepath.Join(GinkgoT().TempDir(), "master.db"), SurviveSigkill: true}})
		Expect(err).NotTo(HaveOccurred())
		defer masterBackend.Close()

		slaveBackend, err := embedded.Open(cmn.BackendConfig{Kind: cmn.BackendEmbedded,
			Embedded: cmn.EmbeddedConfig{Path: filepath.Join(GinkgoT().TempDir(), "slave.db"), SurviveSigkill: true}})
		Expect(err).NotTo(HaveOccurred())
		defer slaveBackend.Close()

		source := &fakeTLogSource{}
		masterSrv := NewServer(masterBackend, nil, nil, false)
		masterSrv.Promote()
		slaveSrv := NewServer(slaveBackend, source, nil, false)

		dial, masterLn, slaveLn := dialPair()
		go fasthttp.Serve(masterLn, masterSrv.Handler)
		go fasthttp.Serve(slaveLn, slaveSrv.Handler)
		defer masterLn.Close()
		defer slaveLn.Close()

		cfg := cmn.BackendConfig{Kind: cmn.BackendReplicated, Replicated: cmn.ReplicatedConfig{Replicas: []string{"master"}}}
		client := NewClientWithDialer(cfg, "", dial)

		addr := page.Address(5)
		clh := page.CLH{CL: cmn.NewCL(1, 0, 0, 3)}
		p := page.New(addr)
		p.Set(3, clh)
		Expect(client.PutPage(ctx, p, p.UsedClustersDelta())).To(Succeed())
		Expect(client.SetCorkUUID(ctx, cmn.NewUUID(), true)).To(Succeed())

		// The write above landed on the master; queue the equivalent Loc
		// entry as what the slave would find waiting on the object
		// backend's TLog stream.
		source.queue(&fakeTLogHandle{name: "tlog-1", entries: []fakeLoc{{ca: addr.FirstCA() + 3, clh: clh}}})

		applied, err := client.CatchUp(ctx, "slave", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(Equal(1))

		applied, err = client.CatchUp(ctx, "slave", false)
		Expect(err).NotTo(HaveOccurred())
		Expect(applied).To(Equal(0))

		var out page.Page
		found, err := slaveBackend.GetPage(ctx, addr, &out)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(out.Get(3)).To(Equal(p.Get(3)))
	})
})
