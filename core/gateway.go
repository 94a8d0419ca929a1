package core

// Multi-gateway HTTP transport. Uploads and fetches race every gateway that
// is not in cooldown and settle on the first success; resolves wait for all
// gateways and keep the highest sequence; publishes fire at everything and
// succeed if anyone accepted.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/sirupsen/logrus"
)

// ResolvedRecord is the outcome of resolving an IPNS name on one gateway.
type ResolvedRecord struct {
	Cid         string
	Sequence    uint64
	Gateway     string
	RecordBytes []byte
}

// ResolveOutcome aggregates a name resolution across the gateway pool.
type ResolveOutcome struct {
	Best      *ResolvedRecord
	All       []*ResolvedRecord
	Responded int
	Total     int
}

// PublishOutcome aggregates a record publication across the gateway pool.
type PublishOutcome struct {
	Success            bool
	SuccessfulGateways []string
	Err                error
}

// GatewayHealth is the result of a connectivity probe.
type GatewayHealth struct {
	Gateway      string
	Healthy      bool
	ResponseTime time.Duration
	Err          error
}

// GatewayClient talks to the configured gateway pool. All circuit-breaker
// state lives in the shared Cache.
type GatewayClient struct {
	gateways []string
	cache    *Cache
	codec    RecordCodec
	client   *http.Client
	opts     Options
	log      *logrus.Logger
}

// NewGatewayClient wires a transport over the given cache. Options must be
// normalized.
func NewGatewayClient(o Options, cache *Cache, codec RecordCodec) *GatewayClient {
	return &GatewayClient{
		gateways: o.Gateways,
		cache:    cache,
		codec:    codec,
		client:   &http.Client{},
		opts:     o,
		log:      o.Logger,
	}
}

// AvailableGateways returns the configured pool minus gateways in cooldown.
func (g *GatewayClient) AvailableGateways() []string {
	out := make([]string, 0, len(g.gateways))
	for _, gw := range g.gateways {
		if !g.cache.InCooldown(gw) {
			out = append(out, gw)
		}
	}
	return out
}

// noteResult feeds the circuit breaker. Errors that don't trip the breaker
// (expected 404s) leave the streak untouched rather than clearing it.
func (g *GatewayClient) noteResult(gw string, err error) {
	if err == nil {
		g.cache.RecordSuccess(gw)
		return
	}
	if TripsBreaker(err) {
		g.cache.RecordFailure(gw)
	}
}

// ---------------------------------------------------------------------------
// Upload
// ---------------------------------------------------------------------------

// Upload pins the JSON-serialized document on the first gateway to accept it
// and returns the CID. Sibling requests are cancelled once a winner lands.
func (g *GatewayClient) Upload(ctx context.Context, doc TxfData) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", Errf(KindInvalidInput, "marshal document").WithCause(err)
	}
	if len(payload) > 50<<20 {
		g.log.Warnf("uploading pathological document (%d bytes)", len(payload))
	}

	gws := g.AvailableGateways()
	if len(gws) == 0 {
		return "", Errf(KindNetworkError, "no gateways available")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		cid string
		err error
	}
	results := make(chan result, len(gws))
	for _, gw := range gws {
		go func(gw string) {
			c, err := g.uploadOne(raceCtx, gw, payload)
			g.noteResult(gw, err)
			results <- result{cid: c, err: err}
		}(gw)
	}

	var lastErr error
	for range gws {
		r := <-results
		if r.err == nil {
			cancel()
			g.verifyLocalCid(payload, r.cid)
			return r.cid, nil
		}
		lastErr = r.err
	}
	return "", Errf(KindNetworkError, "upload failed on all %d gateways", len(gws)).WithCause(lastErr)
}

func (g *GatewayClient) uploadOne(ctx context.Context, gw string, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.FetchTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "state.json")
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(payload); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	url := gw + "/api/v0/add?pin=true&cid-version=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return "", Errf(ClassifyTransport(err), "upload: %v", err).WithGateway(gw).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", Errf(ClassifyHTTP(resp.StatusCode, b), "upload %d: %s", resp.StatusCode, string(b)).WithGateway(gw)
	}
	var meta struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", Errf(KindInvalidResponse, "decode add response").WithGateway(gw).WithCause(err)
	}
	if meta.Hash == "" {
		return "", Errf(KindInvalidResponse, "add response carries no Hash").WithGateway(gw)
	}
	return meta.Hash, nil
}

// verifyLocalCid recomputes the raw-leaf CID of the payload and logs when the
// gateway answered with a different multihash layout. The gateway owns the
// DAG shape, so a disagreement is diagnostic, not fatal.
func (g *GatewayClient) verifyLocalCid(payload []byte, gatewayCid string) {
	sum, err := mh.Sum(payload, mh.SHA2_256, -1)
	if err != nil {
		return
	}
	local := cid.NewCidV1(cid.Raw, sum).String()
	if local != gatewayCid {
		g.log.Debugf("gateway cid %s differs from raw-leaf cid %s", gatewayCid, local)
	}
}

// ---------------------------------------------------------------------------
// Fetch
// ---------------------------------------------------------------------------

// Fetch returns the document stored under cidStr, preferring the content
// cache. On a miss every available gateway is raced and the first 2xx wins.
func (g *GatewayClient) Fetch(ctx context.Context, cidStr string) (TxfData, error) {
	if doc, ok := g.cache.Content(cidStr); ok {
		return doc, nil
	}

	gws := g.AvailableGateways()
	if len(gws) == 0 {
		return nil, Errf(KindNetworkError, "no gateways available")
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		doc TxfData
		err error
	}
	results := make(chan result, len(gws))
	for _, gw := range gws {
		go func(gw string) {
			doc, err := g.fetchOne(raceCtx, gw, cidStr)
			g.noteResult(gw, err)
			results <- result{doc: doc, err: err}
		}(gw)
	}

	var lastErr error
	for range gws {
		r := <-results
		if r.err == nil {
			cancel()
			g.cache.PutContent(cidStr, r.doc)
			return r.doc, nil
		}
		lastErr = r.err
	}
	return nil, Errf(KindNetworkError, "fetch %s failed on all %d gateways", cidStr, len(gws)).WithCause(lastErr)
}

func (g *GatewayClient) fetchOne(ctx context.Context, gw, cidStr string) (TxfData, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw+"/ipfs/"+cidStr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, Errf(ClassifyTransport(err), "fetch: %v", err).WithGateway(gw).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, Errf(ClassifyHTTP(resp.StatusCode, b), "fetch %d: %s", resp.StatusCode, string(b)).WithGateway(gw)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var doc TxfData
	if err := dec.Decode(&doc); err != nil {
		return nil, Errf(KindInvalidResponse, "parse content").WithGateway(gw).WithCause(err)
	}
	return doc, nil
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

// Resolve queries every available gateway for name and keeps the record with
// the highest sequence. Unlike Upload/Fetch this waits for all responders
// (bounded by the resolve timeout plus a grace second) so a lagging gateway
// holding the newest pointer still wins. The winner is cached.
func (g *GatewayClient) Resolve(ctx context.Context, name string) (*ResolveOutcome, error) {
	gws := g.AvailableGateways()
	out := &ResolveOutcome{Total: len(gws)}
	if len(gws) == 0 {
		return out, Errf(KindNetworkError, "no gateways available")
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.ResolveTimeout+time.Second)
	defer cancel()

	// answered distinguishes a clean "never published" reply from a gateway
	// failure; only clean replies count as responses.
	type answer struct {
		rec      *ResolvedRecord
		answered bool
	}
	results := make(chan answer, len(gws))
	var wg sync.WaitGroup
	for _, gw := range gws {
		wg.Add(1)
		go func(gw string) {
			defer wg.Done()
			rec, err := g.resolveOne(ctx, gw, name)
			g.noteResult(gw, err)
			if err != nil {
				g.log.Debugf("resolve %s on %s: %v", name, gw, err)
				results <- answer{}
				return
			}
			results <- answer{rec: rec, answered: true}
		}(gw)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for a := range results {
		if !a.answered {
			continue
		}
		out.Responded++
		if a.rec == nil {
			continue
		}
		out.All = append(out.All, a.rec)
		if out.Best == nil || a.rec.Sequence > out.Best.Sequence {
			out.Best = a.rec
		}
	}
	if out.Best != nil {
		g.cache.PutRecord(name, out.Best)
	}
	return out, nil
}

// resolveOne asks a single gateway for name. A clean "never published" answer
// returns (nil, nil) so the gateway is not penalized; the caller records it as
// a success.
func (g *GatewayClient) resolveOne(ctx context.Context, gw, name string) (*ResolvedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ResolveTimeout)
	defer cancel()

	url := gw + "/api/v0/routing/get?arg=/ipns/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, Errf(ClassifyTransport(err), "resolve: %v", err).WithGateway(gw).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := ClassifyHTTP(resp.StatusCode, b)
		if kind == KindNotFound {
			return nil, nil
		}
		return nil, Errf(kind, "resolve %d: %s", resp.StatusCode, string(b)).WithGateway(gw)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Errf(ClassifyTransport(err), "resolve read: %v", err).WithGateway(gw).WithCause(err)
	}
	for _, line := range bytes.Split(body, []byte("\n")) {
		rec, err := g.codec.Parse(line)
		if err != nil || rec == nil {
			continue
		}
		return &ResolvedRecord{
			Cid:         rec.Cid,
			Sequence:    rec.Sequence,
			Gateway:     gw,
			RecordBytes: rec.RecordBytes,
		}, nil
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Publish
// ---------------------------------------------------------------------------

// Publish pushes the signed record to every available gateway and settles all
// attempts. One acceptance is enough for success.
func (g *GatewayClient) Publish(ctx context.Context, name string, recordBytes []byte) *PublishOutcome {
	gws := g.AvailableGateways()
	out := &PublishOutcome{}
	if len(gws) == 0 {
		out.Err = Errf(KindNetworkError, "no gateways available")
		return out
	}

	type result struct {
		gw  string
		err error
	}
	results := make(chan result, len(gws))
	for _, gw := range gws {
		go func(gw string) {
			err := g.publishOne(ctx, gw, name, recordBytes)
			g.noteResult(gw, err)
			results <- result{gw: gw, err: err}
		}(gw)
	}

	var lastErr error
	for range gws {
		r := <-results
		if r.err == nil {
			out.SuccessfulGateways = append(out.SuccessfulGateways, r.gw)
		} else {
			g.log.Debugf("publish %s on %s: %v", name, r.gw, r.err)
			lastErr = r.err
		}
	}
	out.Success = len(out.SuccessfulGateways) > 0
	if !out.Success {
		out.Err = Errf(KindNetworkError, "publish rejected by all %d gateways", len(gws)).WithCause(lastErr)
	}
	return out
}

func (g *GatewayClient) publishOne(ctx context.Context, gw, name string, recordBytes []byte) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.PublishTimeout)
	defer cancel()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "record")
	if err != nil {
		return err
	}
	if _, err := fw.Write(recordBytes); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := gw + "/api/v0/routing/put?arg=/ipns/" + name + "&allow-offline=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return Errf(ClassifyTransport(err), "publish: %v", err).WithGateway(gw).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Errf(ClassifyHTTP(resp.StatusCode, b), "publish %d: %s", resp.StatusCode, string(b)).WithGateway(gw)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Connectivity
// ---------------------------------------------------------------------------

// TestConnectivity probes one gateway's version endpoint.
func (g *GatewayClient) TestConnectivity(ctx context.Context, gw string) GatewayHealth {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ConnectivityTimeout)
	defer cancel()

	start := time.Now()
	h := GatewayHealth{Gateway: gw}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw+"/api/v0/version", nil)
	if err != nil {
		h.Err = err
		return h
	}
	resp, err := g.client.Do(req)
	if err != nil {
		h.Err = Errf(ClassifyTransport(err), "version: %v", err).WithGateway(gw).WithCause(err)
		return h
	}
	defer resp.Body.Close()
	h.ResponseTime = time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.Err = Errf(KindGatewayError, "version %d", resp.StatusCode).WithGateway(gw)
		return h
	}
	var v struct {
		Version string `json:"Version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		h.Err = Errf(KindInvalidResponse, "decode version").WithGateway(gw).WithCause(err)
		return h
	}
	h.Healthy = true
	return h
}

// FindHealthy probes every configured gateway in parallel and returns the
// healthy subset.
func (g *GatewayClient) FindHealthy(ctx context.Context) []GatewayHealth {
	results := make([]GatewayHealth, len(g.gateways))
	var wg sync.WaitGroup
	for i, gw := range g.gateways {
		wg.Add(1)
		go func(i int, gw string) {
			defer wg.Done()
			results[i] = g.TestConnectivity(ctx, gw)
		}(i, gw)
	}
	wg.Wait()

	healthy := results[:0:0]
	for _, h := range results {
		if h.Healthy {
			healthy = append(healthy, h)
		}
	}
	return healthy
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// Verify re-resolves name until a gateway reports at least expectedSeq with
// the expected CID, or retries are exhausted.
func (g *GatewayClient) Verify(ctx context.Context, name string, expectedSeq uint64, expectedCid string, retries int, delay time.Duration) bool {
	if retries <= 0 {
		retries = 3
	}
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}
		out, err := g.Resolve(ctx, name)
		if err != nil || out.Best == nil {
			continue
		}
		if out.Best.Sequence >= expectedSeq && out.Best.Cid == expectedCid {
			return true
		}
		if out.Best.Sequence < expectedSeq {
			g.log.Debugf("verify %s: gateway %s still at sequence %d, want %d",
				name, out.Best.Gateway, out.Best.Sequence, expectedSeq)
		}
	}
	return false
}

// wsURLFor derives the push-stream endpoint from a gateway base URL.
func wsURLFor(gateway string) string {
	switch {
	case strings.HasPrefix(gateway, "https://"):
		return "wss://" + strings.TrimPrefix(gateway, "https://") + "/ws/ipns"
	case strings.HasPrefix(gateway, "http://"):
		return "ws://" + strings.TrimPrefix(gateway, "http://") + "/ws/ipns"
	}
	return fmt.Sprintf("wss://%s/ws/ipns", gateway)
}
