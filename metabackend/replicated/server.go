package replicated

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	glog "github.com/openvstorage/govoldrv/3rdparty/glog"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/page"
)

// TLogSource lets a Server's CatchUp find the TLogs a slave has not yet
// applied, oldest-first, without depending on package snapshot directly -
// keeping the dependency direction from snapshot/storebuilder toward this
// package rather than back.
type TLogSource interface {
	PendingTLogs(ctx context.Context) ([]TLogHandle, error)
}

// TLogHandle is one TLog awaiting replay, identified for logging and
// opened on demand.
type TLogHandle interface {
	Name() string
	Open(ctx context.Context) (LocReader, error)
}

// LocReader yields the Loc entries of one TLog, in file order.
type LocReader interface {
	Next() (cmn.CA, page.CLH, bool, error)
	Close() error
}

var (
	rpcLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "govoldrv",
		Subsystem: "replicated",
		Name:      "rpc_latency_seconds",
		Help:      "Latency of replicated metadata server RPCs by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})

	catchUpBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "govoldrv",
		Subsystem: "replicated",
		Name:      "catchup_backlog_tlogs",
		Help:      "Number of TLogs pending replay as seen by the most recent dry-run CatchUp call; reset to 0 when a non-dry-run CatchUp completes.",
	})
)

func init() {
	prometheus.MustRegister(rpcLatency, catchUpBacklog)
}

// Server hosts one replicated metadata backend's RPC surface (spec §4.2
// variant 2). Exactly one replica in a replica set is RoleMaster at a
// time; writes on a slave are rejected with cmn.KindPermanent so a
// misrouted client fails fast instead of silently diverging.
type Server struct {
	local  metabackend.Backend
	role   roleBox
	source TLogSource

	applyRelocationsToSlaves bool
	signingKey               []byte

	mu sync.Mutex // serializes MultiSet against CatchUp
}

func NewServer(local metabackend.Backend, source TLogSource, signingKey []byte, applyRelocationsToSlaves bool) *Server {
	s := &Server{local: local, source: source, signingKey: signingKey, applyRelocationsToSlaves: applyRelocationsToSlaves}
	s.role.Store(RoleSlave)
	return s
}

func (s *Server) Promote() { s.role.Store(RoleMaster) }
func (s *Server) Demote()  { s.role.Store(RoleSlave) }
func (s *Server) Role() Role { return s.role.Load() }

func (s *Server) ApplyRelocationsToSlaves() bool { return s.applyRelocationsToSlaves }

// verifyToken checks a request's bearer JWT and returns the namespace it
// was scoped to.
func (s *Server) verifyToken(ctx *fasthttp.RequestCtx) (string, error) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", fmt.Errorf("missing bearer token")
	}
	raw := auth[len(prefix):]
	var c claims
	tok, err := jwt.ParseWithClaims(raw, &jwtClaims{claims: &c}, func(*jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	})
	if err != nil || !tok.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return c.Namespace, nil
}

// jwtClaims adapts claims to jwt.Claims; the protocol doesn't use
// standard exp/nbf fields so Valid is a no-op beyond signature checking.
type jwtClaims struct{ claims *claims }

func (j *jwtClaims) Valid() error { return nil }

// UnmarshalJSON decodes the token payload into the wrapped claims; the
// field is unexported, so default decoding would leave it empty.
func (j *jwtClaims) UnmarshalJSON(b []byte) error { return cmn.UnmarshalJSON(b, j.claims) }

// Handler is the fasthttp.RequestHandler for this server's RPC surface.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if s.signingKey != nil {
		if _, err := s.verifyToken(ctx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			writeErr(ctx, err)
			return
		}
	}
	path := string(ctx.Path())
	timer := prometheus.NewTimer(rpcLatency.WithLabelValues(path))
	defer timer.ObserveDuration()

	switch path {
	case "/page":
		s.handleGetPage(ctx)
	case "/multiset":
		s.handleMultiSet(ctx)
	case "/cork":
		s.handleCork(ctx)
	case "/scrub_id":
		s.handleScrubID(ctx)
	case "/used_clusters":
		s.handleUsedClusters(ctx)
	case "/clear":
		s.handleClear(ctx)
	case "/role":
		s.handleRole(ctx)
	case "/catchup":
		s.handleCatchUp(ctx)
	case "/promote":
		s.Promote()
		ctx.SetBody([]byte(`{}`))
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func writeErr(ctx *fasthttp.RequestCtx, err error) {
	buf, _ := cmn.MarshalJSON(errResp{Err: err.Error()})
	ctx.SetBody(buf)
}

func (s *Server) handleGetPage(ctx *fasthttp.RequestCtx) {
	addr, err := ctx.QueryArgs().GetUint("addr")
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	p := page.New(page.Address(addr))
	found, err := s.local.GetPage(ctx, page.Address(addr), p)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	resp := getPageResp{Found: found}
	if found {
		buf, _ := p.MarshalBinary()
		resp.Bytes = buf
	}
	out, _ := cmn.MarshalJSON(resp)
	ctx.SetBody(out)
}

func (s *Server) handleMultiSet(ctx *fasthttp.RequestCtx) {
	if s.role.Load() != RoleMaster {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		writeErr(ctx, fmt.Errorf("not master"))
		return
	}
	var req multiSetReq
	if err := cmn.UnmarshalJSON(ctx.PostBody(), &req); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		writeErr(ctx, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range req.Pages {
		rec := rec
		g.Go(func() error {
			if rec.Discard {
				_, err := s.local.DiscardPage(gctx, page.Address(rec.Addr), rec.Delta)
				return err
			}
			p := page.New(page.Address(rec.Addr))
			if err := p.UnmarshalBinary(rec.Bytes); err != nil {
				return err
			}
			return s.local.PutPage(gctx, p, rec.Delta)
		})
	}
	var resp multiSetResp
	if err := g.Wait(); err != nil {
		resp.Err = err.Error()
		out, _ := cmn.MarshalJSON(resp)
		ctx.SetBody(out)
		return
	}
	if req.CorkUUID != "" {
		id, err := cmn.ParseUUID(req.CorkUUID)
		if err == nil {
			if err := s.local.SetCorkUUID(ctx, id, req.Barrier); err != nil {
				resp.Err = err.Error()
			}
		}
	}
	out, _ := cmn.MarshalJSON(resp)
	ctx.SetBody(out)
}

func (s *Server) handleCork(ctx *fasthttp.RequestCtx) {
	if ctx.IsGet() {
		id, found, err := s.local.GetCorkUUID(ctx)
		if err != nil {
			writeErr(ctx, err)
			return
		}
		resp := uuidResp{Found: found}
		if found {
			resp.UUID = id.String()
		}
		out, _ := cmn.MarshalJSON(resp)
		ctx.SetBody(out)
		return
	}
	if s.role.Load() != RoleMaster {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		return
	}
	var req setUUIDReq
	if err := cmn.UnmarshalJSON(ctx.PostBody(), &req); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	id, err := cmn.ParseUUID(req.UUID)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	if err := s.local.SetCorkUUID(ctx, id, req.Barrier); err != nil {
		writeErr(ctx, err)
	}
}

func (s *Server) handleScrubID(ctx *fasthttp.RequestCtx) {
	if ctx.IsGet() {
		id, found, err := s.local.GetScrubID(ctx)
		if err != nil {
			writeErr(ctx, err)
			return
		}
		resp := uuidResp{Found: found}
		if found {
			resp.UUID = id.String()
		}
		out, _ := cmn.MarshalJSON(resp)
		ctx.SetBody(out)
		return
	}
	if s.role.Load() != RoleMaster {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		return
	}
	var req setUUIDReq
	if err := cmn.UnmarshalJSON(ctx.PostBody(), &req); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	id, err := cmn.ParseUUID(req.UUID)
	if err != nil {
		writeErr(ctx, err)
		return
	}
	if err := s.local.SetScrubID(ctx, id, req.Barrier); err != nil {
		writeErr(ctx, err)
	}
}

func (s *Server) handleUsedClusters(ctx *fasthttp.RequestCtx) {
	out, _ := cmn.MarshalJSON(usedClustersResp{Used: s.local.GetUsedClusters()})
	ctx.SetBody(out)
}

func (s *Server) handleClear(ctx *fasthttp.RequestCtx) {
	if s.role.Load() != RoleMaster {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		return
	}
	if err := s.local.ClearAllKeys(ctx); err != nil {
		writeErr(ctx, err)
	}
}

func (s *Server) handleRole(ctx *fasthttp.RequestCtx) {
	out, _ := cmn.MarshalJSON(roleResp{Role: s.role.Load().String()})
	ctx.SetBody(out)
}

func (s *Server) handleCatchUp(ctx *fasthttp.RequestCtx) {
	dryRun := string(ctx.QueryArgs().Peek("dry_run")) == "true"
	applied, err := s.CatchUp(ctx, dryRun)
	resp := catchUpResp{Applied: applied, DryRun: dryRun}
	if err != nil {
		resp.Err = err.Error()
	}
	out, _ := cmn.MarshalJSON(resp)
	ctx.SetBody(out)
}

// CatchUp replays every pending TLog's Loc entries into the local backend,
// oldest-first, and reports how many TLogs were (or, if dryRun, would be)
// applied. A slave calls this on a fixed interval; a failover promotes a
// slave to master only after CatchUp(dryRun=false) returns 0, meaning
// nothing was left to apply (spec §4.2 variant 2 failover protocol).
func (s *Server) CatchUp(ctx context.Context, dryRun bool) (int, error) {
	if s.source == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.source.PendingTLogs(ctx)
	if err != nil {
		return 0, err
	}
	if dryRun {
		catchUpBacklog.Set(float64(len(pending)))
		return len(pending), nil
	}

	applied := 0
	for _, h := range pending {
		if err := s.applyOne(ctx, h); err != nil {
			return applied, err
		}
		applied++
	}
	catchUpBacklog.Set(0)
	return applied, nil
}

func (s *Server) applyOne(ctx context.Context, h TLogHandle) error {
	r, err := h.Open(ctx)
	if err != nil {
		return fmt.Errorf("catchup: open %s: %w", h.Name(), err)
	}
	defer r.Close()

	for {
		ca, clh, ok, err := r.Next()
		if err != nil {
			return fmt.Errorf("catchup: read %s: %w", h.Name(), err)
		}
		if !ok {
			break
		}
		addr := page.AddressOf(ca)
		p := page.New(addr)
		if _, err := s.local.GetPage(ctx, addr, p); err != nil {
			return err
		}
		p.Set(page.OffsetOf(ca), clh)
		if err := s.local.PutPage(ctx, p, p.UsedClustersDelta()); err != nil {
			return err
		}
	}
	glog.Infof("replicated server: applied tlog %s during catch-up", h.Name())
	return nil
}
