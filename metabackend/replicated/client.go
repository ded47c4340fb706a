package replicated

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/page"
)

// Client implements metabackend.Backend (and metabackend.BatchWriter) by
// talking fasthttp to the current master in a replica set. It never picks
// a master itself: every data request goes to the replica list's head
// (cfg.Replicas[0]), with no fallback to the others, matching the "[master, slave_1, ...]" priority-order
// convention from spec §4.2 variant 2.
type Client struct {
	hc    *fasthttp.Client
	cfg   atomic.Pointer[cmn.BackendConfig]
	token string // bearer JWT scoped to this volume's namespace

	reqTimeout time.Duration
}

var _ metabackend.Backend = (*Client)(nil)
var _ metabackend.BatchWriter = (*Client)(nil)

func NewClient(cfg cmn.BackendConfig, token string) *Client {
	reqTimeout := time.Duration(cfg.Replicated.RequestTimeoutMS) * time.Millisecond
	if reqTimeout <= 0 {
		reqTimeout = 5 * time.Second
	}
	c := &Client{
		hc:         &fasthttp.Client{Dial: (&fasthttp.TCPDialer{}).DialTimeout},
		token:      token,
		reqTimeout: reqTimeout,
	}
	c.cfg.Store(&cfg)
	return c
}

// NewClientWithDialer is NewClient with an overridable fasthttp dial
// function - tests use this to run a Client against fasthttputil
// in-memory listeners instead of real TCP.
func NewClientWithDialer(cfg cmn.BackendConfig, token string, dial fasthttp.DialFunc) *Client {
	c := NewClient(cfg, token)
	c.hc.Dial = dial
	return c
}

// UpdateConfig swaps in a new replica list / timeouts without disturbing
// in-flight requests, for volumemeta.Volume.UpdateBackendConfig.
func (c *Client) UpdateConfig(cfg cmn.BackendConfig) {
	c.cfg.Store(&cfg)
}

func (c *Client) master() (string, error) {
	replicas := c.cfg.Load().Replicated.Replicas
	if len(replicas) == 0 {
		return "", fmt.Errorf("replicated client: no replicas configured")
	}
	return replicas[0], nil
}

func (c *Client) do(ctx context.Context, method, path, query string, body []byte) ([]byte, int, error) {
	host, err := c.master()
	if err != nil {
		return nil, 0, cmn.NewBackendError(cmn.KindTransient, path, err)
	}
	return c.doHost(ctx, method, host, path, query, body)
}

// doHost is do with an explicit target host, for the failover admin RPCs
// below which must address a specific candidate slave rather than
// whichever replica currently leads cfg.Replicas.
func (c *Client) doHost(ctx context.Context, method, host, path, query string, body []byte) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	url := "http://" + host + path
	if query != "" {
		url += "?" + query
	}
	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := c.reqTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < deadline {
			deadline = d
		}
	}
	if err := c.hc.DoTimeout(req, resp, deadline); err != nil {
		return nil, 0, cmn.NewBackendError(cmn.KindTransient, path, err)
	}
	return append([]byte(nil), resp.Body()...), resp.StatusCode(), nil
}

func (c *Client) GetPage(ctx context.Context, addr page.Address, out *page.Page) (bool, error) {
	body, status, err := c.do(ctx, fasthttp.MethodGet, "/page", "addr="+strconv.FormatUint(uint64(addr), 10), nil)
	if err != nil {
		return false, err
	}
	var resp getPageResp
	if err := cmn.UnmarshalJSON(body, &resp); err != nil {
		return false, cmn.NewBackendError(cmn.KindTransient, "get-page", err)
	}
	if resp.Err != "" {
		return false, cmn.NewBackendError(kindForStatus(status), "get-page", fmt.Errorf("%s", resp.Err))
	}
	if !resp.Found {
		return false, nil
	}
	out.Addr = addr
	if err := out.UnmarshalBinary(resp.Bytes); err != nil {
		return false, cmn.NewBackendError(cmn.KindPermanent, "get-page", err)
	}
	return true, nil
}

func (c *Client) PutPage(ctx context.Context, p *page.Page, usedClustersDelta int32) error {
	return c.MultiSet(ctx, []metabackend.PageWrite{{Page: p, UsedClustersDelta: usedClustersDelta}}, cmn.NilUUID, false)
}

func (c *Client) DiscardPage(ctx context.Context, addr page.Address, usedClustersDelta int32) (bool, error) {
	p := page.New(addr)
	err := c.MultiSet(ctx, []metabackend.PageWrite{{Page: p, Discard: true, UsedClustersDelta: usedClustersDelta}}, cmn.NilUUID, false)
	return err == nil, err
}

// MultiSet submits an entire batch of page writes plus an optional cork
// advance as a single RPC - the capability cachedstore.Store looks for via
// metabackend.BatchWriter.
func (c *Client) MultiSet(ctx context.Context, writes []metabackend.PageWrite, corkUUID cmn.UUID, barrier bool) error {
	req := multiSetReq{Barrier: barrier}
	if corkUUID != cmn.NilUUID {
		req.CorkUUID = corkUUID.String()
	}
	for _, w := range writes {
		rec := pageRecord{Addr: uint64(w.Page.Addr), Discard: w.Discard, Delta: w.UsedClustersDelta}
		if !w.Discard {
			buf, err := w.Page.MarshalBinary()
			if err != nil {
				return cmn.NewBackendError(cmn.KindPermanent, "multiset", err)
			}
			rec.Bytes = buf
		}
		req.Pages = append(req.Pages, rec)
	}
	buf, err := cmn.MarshalJSON(req)
	if err != nil {
		return cmn.NewBackendError(cmn.KindPermanent, "multiset", err)
	}
	body, status, err := c.do(ctx, fasthttp.MethodPost, "/multiset", "", buf)
	if err != nil {
		return err
	}
	var resp multiSetResp
	if err := cmn.UnmarshalJSON(body, &resp); err != nil {
		return cmn.NewBackendError(cmn.KindTransient, "multiset", err)
	}
	if resp.Err != "" {
		return cmn.NewBackendError(kindForStatus(status), "multiset", fmt.Errorf("%s", resp.Err))
	}
	return nil
}

func (c *Client) PageExistsInParent(context.Context, page.Address) (bool, error) { return false, nil }

func (c *Client) GetCorkUUID(ctx context.Context) (cmn.UUID, bool, error) {
	body, status, err := c.do(ctx, fasthttp.MethodGet, "/cork", "", nil)
	if err != nil {
		return cmn.NilUUID, false, err
	}
	return decodeUUIDResp(body, status)
}

func (c *Client) SetCorkUUID(ctx context.Context, id cmn.UUID, barrier bool) error {
	return c.setUUID(ctx, "/cork", id, barrier)
}

func (c *Client) GetScrubID(ctx context.Context) (cmn.UUID, bool, error) {
	body, status, err := c.do(ctx, fasthttp.MethodGet, "/scrub_id", "", nil)
	if err != nil {
		return cmn.NilUUID, false, err
	}
	return decodeUUIDResp(body, status)
}

func (c *Client) SetScrubID(ctx context.Context, id cmn.UUID, barrier bool) error {
	return c.setUUID(ctx, "/scrub_id", id, barrier)
}

func (c *Client) setUUID(ctx context.Context, path string, id cmn.UUID, barrier bool) error {
	buf, err := cmn.MarshalJSON(setUUIDReq{UUID: id.String(), Barrier: barrier})
	if err != nil {
		return cmn.NewBackendError(cmn.KindPermanent, path, err)
	}
	body, status, err := c.do(ctx, fasthttp.MethodPost, path, "", buf)
	if err != nil {
		return err
	}
	var resp errResp
	if len(body) > 0 {
		_ = cmn.UnmarshalJSON(body, &resp)
	}
	if resp.Err != "" {
		return cmn.NewBackendError(kindForStatus(status), path, fmt.Errorf("%s", resp.Err))
	}
	return nil
}

func decodeUUIDResp(body []byte, status int) (cmn.UUID, bool, error) {
	var resp uuidResp
	if err := cmn.UnmarshalJSON(body, &resp); err != nil {
		return cmn.NilUUID, false, cmn.NewBackendError(cmn.KindTransient, "uuid", err)
	}
	if resp.Err != "" {
		return cmn.NilUUID, false, cmn.NewBackendError(kindForStatus(status), "uuid", fmt.Errorf("%s", resp.Err))
	}
	if !resp.Found {
		return cmn.NilUUID, false, nil
	}
	id, err := cmn.ParseUUID(resp.UUID)
	if err != nil {
		return cmn.NilUUID, false, cmn.NewBackendError(cmn.KindPermanent, "uuid", err)
	}
	return id, true, nil
}

func (c *Client) ClearAllKeys(ctx context.Context) error {
	_, status, err := c.do(ctx, fasthttp.MethodPost, "/clear", "", nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return cmn.NewBackendError(kindForStatus(status), "clear", fmt.Errorf("status %d", status))
	}
	return nil
}

func (c *Client) GetUsedClusters() uint64 {
	body, _, err := c.do(context.Background(), fasthttp.MethodGet, "/used_clusters", "", nil)
	if err != nil {
		return 0
	}
	var resp usedClustersResp
	_ = cmn.UnmarshalJSON(body, &resp)
	return resp.Used
}

func (c *Client) Freezeable() bool      { return false }
func (c *Client) HasFrozenParent() bool { return false }
func (c *Client) IsEmancipated() bool   { return true }

func (c *Client) SetCorkFromFrozenParent(context.Context) error {
	return fmt.Errorf("replicated client: %w", cmn.ErrFrozenParentRequired)
}

func (c *Client) ForEach(context.Context, cmn.CA, func(cmn.CA, page.CLH) error) error {
	return fmt.Errorf("replicated client: ForEach is not exposed over the wire protocol; scan the master's local backend directly")
}

func (c *Client) GetConfig() cmn.BackendConfig { return *c.cfg.Load() }

func (c *Client) MarkDeleteLocalArtifactsOnDrop()  {}
func (c *Client) MarkDeleteGlobalArtifactsOnDrop() {}

func (c *Client) Close() {}

// Role queries the current master's reported role, mainly useful in tests
// and health checks rather than the hot path.
func (c *Client) Role(ctx context.Context) (Role, error) {
	body, _, err := c.do(ctx, fasthttp.MethodGet, "/role", "", nil)
	if err != nil {
		return RoleSlave, err
	}
	var resp roleResp
	if err := cmn.UnmarshalJSON(body, &resp); err != nil {
		return RoleSlave, err
	}
	if resp.Role == "master" {
		return RoleMaster, nil
	}
	return RoleSlave, nil
}

// CatchUp drives the failover protocol's replay step against a specific
// slave host, addressed by name rather than by cfg.Replicas[0]: the facade
// orchestrating a failover needs to target the candidate directly, both
// while it is still a slave and, transiently, right as it becomes master.
func (c *Client) CatchUp(ctx context.Context, host string, dryRun bool) (int, error) {
	query := ""
	if dryRun {
		query = "dry_run=true"
	}
	body, status, err := c.doHost(ctx, fasthttp.MethodPost, host, "/catchup", query, nil)
	if err != nil {
		return 0, err
	}
	var resp catchUpResp
	if err := cmn.UnmarshalJSON(body, &resp); err != nil {
		return 0, cmn.NewBackendError(cmn.KindTransient, "catchup", err)
	}
	if resp.Err != "" {
		return resp.Applied, cmn.NewBackendError(kindForStatus(status), "catchup", fmt.Errorf("%s", resp.Err))
	}
	return resp.Applied, nil
}

// Promote flips host's role to master over the admin RPC surface - the
// second half of the failover protocol, called only once CatchUp(dryRun=false)
// against that same host has returned 0.
func (c *Client) Promote(ctx context.Context, host string) error {
	_, status, err := c.doHost(ctx, fasthttp.MethodPost, host, "/promote", "", nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return cmn.NewBackendError(kindForStatus(status), "promote", fmt.Errorf("status %d", status))
	}
	return nil
}

func kindForStatus(status int) cmn.Kind {
	if status == fasthttp.StatusForbidden || status == fasthttp.StatusBadRequest {
		return cmn.KindPermanent
	}
	return cmn.KindTransient
}
