package core

// Provider is the engine's top-level state machine. It owns the chain state
// (sequence, cids, data version), serializes every mutation through one
// queue, and fronts the transport, cache, codec and write-behind buffer.

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ProviderState is the lifecycle of a Provider.
type ProviderState string

const (
	StateDisconnected ProviderState = "disconnected"
	StateConnecting   ProviderState = "connecting"
	StateConnected    ProviderState = "connected"
	StateError        ProviderState = "error"
)

// SaveResult reports a staged write. Success means accepted into the
// write-behind buffer; durability surfaces later via events.
type SaveResult struct {
	Success bool
	Error   string
}

// LoadResult reports a document read. Source is "cache" or "network".
type LoadResult struct {
	Success bool
	Data    TxfData
	Cid     string
	Source  string
	Error   string
}

// SyncResult reports a merge-and-save round trip.
type SyncResult struct {
	Success bool
	Cid     string
	Stats   MergeStats
	Error   string
}

// OpResult reports an operation with no payload.
type OpResult struct {
	Success bool
	Error   string
}

// Provider persists one wallet's authoritative document across the gateway
// pool. All public methods return structured results; none panic.
type Provider struct {
	opts  Options
	log   *logrus.Logger
	clk   clock.Clock
	cache *Cache
	gw    *GatewayClient
	codec RecordCodec
	bus   *eventBus
	queue *SerialQueue

	buffer     *WriteBuffer
	flushTimer *clock.Timer

	persistence StatePersistence
	identity    *IpnsIdentity
	sub         *SubscriptionClient

	// chainMu guards chain state, provider state and the flush timer.
	chainMu sync.Mutex

	state        ProviderState
	shuttingDown bool

	sequenceNumber          uint64
	lastKnownRemoteSequence uint64
	lastCid                 string
	remoteCid               string
	dataVersion             uint64
}

// NewProvider builds a disconnected provider. Call SetWalletSecret then
// Initialize before any storage operation.
func NewProvider(opts Options) *Provider {
	opts = opts.Normalize()
	cache := NewCache(opts, opts.Clock)
	codec := NewRecordCodec()
	p := &Provider{
		opts:        opts,
		log:         opts.Logger,
		clk:         opts.Clock,
		cache:       cache,
		gw:          NewGatewayClient(opts, cache, codec),
		codec:       codec,
		bus:         newEventBus(),
		queue:       NewSerialQueue(),
		buffer:      &WriteBuffer{},
		persistence: opts.Persistence,
		state:       StateDisconnected,
	}
	if p.persistence == nil {
		p.persistence = NewMemoryStatePersistence()
	}
	return p
}

// SetWalletSecret derives the wallet's IPNS identity. The identity is fixed
// for the provider's lifetime.
func (p *Provider) SetWalletSecret(secret []byte) error {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.identity != nil {
		return Errf(KindInvalidInput, "identity already set")
	}
	id, err := DeriveIdentity(secret)
	if err != nil {
		return err
	}
	p.identity = id
	return nil
}

// SetWalletMnemonic derives the identity from a BIP-39 recovery phrase.
func (p *Provider) SetWalletMnemonic(mnemonic, passphrase string) error {
	id, err := IdentityFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return err
	}
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.identity != nil {
		return Errf(KindInvalidInput, "identity already set")
	}
	p.identity = id
	return nil
}

// On registers an event listener; the returned function unregisters it.
func (p *Provider) On(fn EventListener) func() { return p.bus.subscribe(fn) }

// State returns the lifecycle state.
func (p *Provider) State() ProviderState {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.state
}

// IpnsName returns the wallet's pointer name, empty before SetWalletSecret.
func (p *Provider) IpnsName() string {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.identity == nil {
		return ""
	}
	return p.identity.Name
}

// Gateway exposes the transport for health probes and verification.
func (p *Provider) Gateway() *GatewayClient { return p.gw }

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Initialize restores persisted chain state, optionally opens the push
// subscription, and probes gateway connectivity in the background.
func (p *Provider) Initialize(ctx context.Context) OpResult {
	p.chainMu.Lock()
	if p.identity == nil {
		p.state = StateError
		p.chainMu.Unlock()
		err := Errf(KindInvalidInput, "no wallet identity set")
		p.bus.emit(Event{Type: EventError, Err: err})
		return OpResult{Error: err.Error()}
	}
	p.state = StateConnecting
	name := p.identity.Name
	p.chainMu.Unlock()

	if persisted, err := p.persistence.Load(name); err != nil {
		p.log.Warnf("chain state restore failed: %v", err)
	} else if persisted != nil {
		p.chainMu.Lock()
		p.sequenceNumber = persisted.Sequence()
		p.remoteCid = persisted.LastCid
		p.dataVersion = persisted.Version
		p.chainMu.Unlock()
		p.log.Debugf("restored chain state for %s: seq=%d version=%d", name, persisted.Sequence(), persisted.Version)
	}

	if p.opts.CreateWebSocket != nil {
		p.sub = newSubscriptionClient(p, p.opts)
		p.sub.start()
	}

	go func() {
		probeCtx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectivityTimeout+time.Second)
		defer cancel()
		healthy := p.gw.FindHealthy(probeCtx)
		p.log.Debugf("connectivity probe: %d/%d gateways healthy", len(healthy), len(p.opts.Gateways))
	}()

	p.chainMu.Lock()
	p.state = StateConnected
	p.chainMu.Unlock()
	p.bus.emit(Event{Type: EventLoaded, Source: "init"})
	return OpResult{Success: true}
}

// Shutdown drains the write-behind buffer with one best-effort flush, then
// tears down the subscription and caches.
func (p *Provider) Shutdown(ctx context.Context) {
	p.chainMu.Lock()
	p.shuttingDown = true
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	p.chainMu.Unlock()

	if err := p.queue.Enqueue(func() error { return p.executeFlush(ctx) }); err != nil && err != ErrQueueClosed {
		p.log.Warnf("shutdown flush: %v", err)
	}
	p.queue.Close()

	if p.sub != nil {
		p.sub.stop()
	}
	p.cache.Clear()

	p.chainMu.Lock()
	p.state = StateDisconnected
	p.chainMu.Unlock()
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// Load fetches the wallet document. With a non-empty identifier the CID is
// fetched directly and no pointer state changes; otherwise the cache tiers
// are consulted before the network, and a dead network falls back to stale
// cached content.
func (p *Provider) Load(ctx context.Context, identifier string) LoadResult {
	if identifier != "" {
		doc, err := p.gw.Fetch(ctx, identifier)
		if err != nil {
			return LoadResult{Error: err.Error()}
		}
		return LoadResult{Success: true, Data: doc, Cid: identifier, Source: "network"}
	}

	p.chainMu.Lock()
	if p.identity == nil {
		p.chainMu.Unlock()
		return LoadResult{Error: "no wallet identity set"}
	}
	name := p.identity.Name
	p.chainMu.Unlock()

	p.bus.emit(Event{Type: EventLoading})

	// Zero-RTT path: we just published (or were pushed) the newest pointer.
	if p.cache.KnownFresh(name) {
		if rec := p.cache.Record(name); rec != nil {
			if doc, ok := p.cache.Content(rec.Cid); ok {
				p.bus.emit(Event{Type: EventLoaded, Cid: rec.Cid, Source: "cache"})
				return LoadResult{Success: true, Data: doc, Cid: rec.Cid, Source: "cache"}
			}
		}
	}

	// Unexpired cached record: serve cached content, or try to fetch it.
	if rec := p.cache.Record(name); rec != nil {
		if doc, ok := p.cache.Content(rec.Cid); ok {
			p.bus.emit(Event{Type: EventLoaded, Cid: rec.Cid, Source: "cache"})
			return LoadResult{Success: true, Data: doc, Cid: rec.Cid, Source: "cache"}
		}
		if doc, err := p.gw.Fetch(ctx, rec.Cid); err == nil {
			p.noteRemote(rec.Sequence, rec.Cid, doc)
			p.bus.emit(Event{Type: EventLoaded, Cid: rec.Cid, Source: "network"})
			return LoadResult{Success: true, Data: doc, Cid: rec.Cid, Source: "network"}
		}
	}

	out, err := p.gw.Resolve(ctx, name)
	if err != nil {
		return p.staleFallback(name, err)
	}
	if out.Best == nil {
		if out.Responded == 0 {
			// No gateway answered at all: a dead network, not a fresh wallet.
			return p.staleFallback(name, Errf(KindNetworkError, "no gateway answered resolve"))
		}
		err := Errf(KindNotFound, "IPNS record not found")
		p.bus.emit(Event{Type: EventError, Err: err})
		return LoadResult{Error: err.Error()}
	}

	p.chainMu.Lock()
	if out.Best.Sequence < p.lastKnownRemoteSequence {
		p.log.Debugf("resolve returned sequence %d below known %d, keeping high-water mark",
			out.Best.Sequence, p.lastKnownRemoteSequence)
	} else {
		p.lastKnownRemoteSequence = out.Best.Sequence
	}
	p.remoteCid = out.Best.Cid
	p.chainMu.Unlock()

	doc, err := p.gw.Fetch(ctx, out.Best.Cid)
	if err != nil {
		return p.staleFallback(name, err)
	}
	p.noteRemote(out.Best.Sequence, out.Best.Cid, doc)
	p.bus.emit(Event{Type: EventLoaded, Cid: out.Best.Cid, Sequence: out.Best.Sequence, Source: "network"})
	return LoadResult{Success: true, Data: doc, Cid: out.Best.Cid, Source: "network"}
}

// noteRemote folds an observed remote document into chain state.
func (p *Provider) noteRemote(seq uint64, cid string, doc TxfData) {
	p.chainMu.Lock()
	if seq > p.lastKnownRemoteSequence {
		p.lastKnownRemoteSequence = seq
	}
	p.remoteCid = cid
	if v := doc.Meta().Version; v > p.dataVersion {
		p.dataVersion = v
	}
	p.chainMu.Unlock()
}

// staleFallback serves expired cached content when the network is down. An
// expired TTL lookup drops the record entry, so chain state is the second
// source for the last known CID.
func (p *Provider) staleFallback(name string, cause error) LoadResult {
	var cid string
	if rec := p.cache.RecordIgnoreTTL(name); rec != nil {
		cid = rec.Cid
	} else {
		p.chainMu.Lock()
		cid = p.remoteCid
		p.chainMu.Unlock()
	}
	if cid != "" {
		if doc, ok := p.cache.Content(cid); ok {
			p.log.Warnf("serving stale cache for %s: %v", name, cause)
			p.bus.emit(Event{Type: EventLoaded, Cid: cid, Source: "cache"})
			return LoadResult{Success: true, Data: doc, Cid: cid, Source: "cache"}
		}
	}
	p.bus.emit(Event{Type: EventError, Err: cause})
	return LoadResult{Error: cause.Error()}
}

// ---------------------------------------------------------------------------
// Save (write-behind)
// ---------------------------------------------------------------------------

// Save stages doc and returns immediately; a debounced flush publishes it.
// Rapid saves coalesce: the buffer holds the latest full document only.
func (p *Provider) Save(doc TxfData) SaveResult {
	p.chainMu.Lock()
	if p.identity == nil {
		p.chainMu.Unlock()
		return SaveResult{Error: "no wallet identity set"}
	}
	p.chainMu.Unlock()

	p.buffer.Set(doc.Clone())
	p.scheduleFlush()
	return SaveResult{Success: true}
}

// scheduleFlush (re)arms the debounce timer. No-op during shutdown.
func (p *Provider) scheduleFlush() {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.shuttingDown {
		return
	}
	if p.flushTimer != nil {
		p.flushTimer.Stop()
	}
	p.flushTimer = p.clk.AfterFunc(p.opts.FlushDebounce, func() {
		err := p.queue.Enqueue(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.PublishTimeout+p.opts.FetchTimeout)
			defer cancel()
			return p.executeFlush(ctx)
		})
		if err != nil && err != ErrQueueClosed {
			p.log.Warnf("flush: %v", err)
		}
	})
}

// executeFlush publishes the staged document. On failure the staged data is
// rolled back into the live buffer (unless a newer write superseded it) and
// another flush is scheduled.
func (p *Provider) executeFlush(ctx context.Context) error {
	if p.buffer.IsEmpty() {
		return nil
	}
	doc := p.buffer.Take()
	active := &WriteBuffer{}
	active.Set(doc)

	_, err := p.doSave(ctx, doc)
	if err != nil {
		p.buffer.MergeFrom(active)
		p.log.Warnf("flush failed, write re-staged: %v", err)
		p.bus.emit(Event{Type: EventError, Err: err})
		p.scheduleFlush()
		return err
	}
	return nil
}

// doSave is the blocking save: compose chained meta, upload, sign, publish,
// commit, persist, cache, emit. Every failure rolls dataVersion back.
func (p *Provider) doSave(ctx context.Context, doc TxfData) (string, error) {
	if doc == nil {
		doc = TxfData{}
	}

	p.chainMu.Lock()
	if p.identity == nil {
		p.chainMu.Unlock()
		return "", Errf(KindInvalidInput, "no wallet identity set")
	}
	identity := p.identity
	prevVersion := p.dataVersion
	version := p.dataVersion + 1
	// A document carrying a higher version than our counter (merge output,
	// caller-supplied chain) pulls the counter forward.
	if mv := doc.Meta().Version; mv >= version {
		version = mv + 1
	}
	p.dataVersion = version
	remoteCid := p.remoteCid
	p.chainMu.Unlock()

	rollback := func() {
		p.chainMu.Lock()
		p.dataVersion = prevVersion
		p.chainMu.Unlock()
	}

	work := doc.Clone()
	meta := work.Meta()
	meta.Version = version
	meta.FormatVersion = FormatVersion
	meta.UpdatedAt = p.clk.Now().UnixMilli()
	meta.IpnsName = identity.Name
	meta.LastCid = remoteCid // empty on bootstrap: field omitted entirely
	work.SetMeta(meta)

	p.bus.emit(Event{Type: EventSaving})

	cidStr, err := p.gw.Upload(ctx, work)
	if err != nil {
		rollback()
		return "", err
	}

	p.chainMu.Lock()
	newSeq := maxU64(p.sequenceNumber, p.lastKnownRemoteSequence) + 1
	p.chainMu.Unlock()

	recordBytes, err := p.codec.Sign(identity.PrivateKey, cidStr, newSeq, p.opts.RecordLifetime)
	if err != nil {
		rollback()
		return "", err
	}

	pub := p.gw.Publish(ctx, identity.Name, recordBytes)
	if !pub.Success {
		rollback()
		return "", pub.Err
	}

	p.chainMu.Lock()
	p.sequenceNumber = newSeq
	p.lastCid = cidStr
	p.remoteCid = cidStr
	p.chainMu.Unlock()

	p.cache.PutRecord(identity.Name, &ResolvedRecord{
		Cid:         cidStr,
		Sequence:    newSeq,
		Gateway:     "local",
		RecordBytes: recordBytes,
	})
	p.cache.PutContent(cidStr, work)
	p.cache.MarkFresh(identity.Name)

	if err := p.persistence.Save(identity.Name, PersistedChainState{
		SequenceNumber: strconv.FormatUint(newSeq, 10),
		LastCid:        cidStr,
		Version:        version,
	}); err != nil {
		// In-memory chain state still lets the next save chain correctly.
		p.log.Warnf("chain state persist failed: %v", err)
	}

	p.bus.emit(Event{Type: EventSaved, Cid: cidStr, Sequence: newSeq})
	p.log.Debugf("saved %s seq=%d version=%d via %v", cidStr, newSeq, version, pub.SuccessfulGateways)
	return cidStr, nil
}

// ---------------------------------------------------------------------------
// Sync
// ---------------------------------------------------------------------------

// Sync reconciles localData with the network inside the serial queue: any
// pending buffered write is dropped (localData is the source of truth from
// here), the remote document is loaded and merged, and the result published.
func (p *Provider) Sync(ctx context.Context, localData TxfData) SyncResult {
	p.chainMu.Lock()
	if p.identity == nil {
		p.chainMu.Unlock()
		return SyncResult{Error: "no wallet identity set"}
	}
	name := p.identity.Name
	p.chainMu.Unlock()

	var res SyncResult
	err := p.queue.Enqueue(func() error {
		res = p.syncLocked(ctx, name, localData.Clone())
		if !res.Success {
			return Errf(KindNetworkError, "%s", res.Error)
		}
		return nil
	})
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	return res
}

func (p *Provider) syncLocked(ctx context.Context, name string, local TxfData) SyncResult {
	p.bus.emit(Event{Type: EventSyncStarted})

	// Pending buffered data is folded into this sync's input by contract.
	p.buffer.Clear()
	p.chainMu.Lock()
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	lastCid := p.lastCid
	p.chainMu.Unlock()

	remote, found, err := p.loadRemote(ctx, name)
	if err != nil {
		p.bus.emit(Event{Type: EventSyncError, Err: err})
		return SyncResult{Error: err.Error()}
	}

	if !found {
		// Nothing published yet: the sync degenerates to a bootstrap save.
		cid, err := p.doSave(ctx, local)
		if err != nil {
			p.bus.emit(Event{Type: EventSyncError, Err: err})
			return SyncResult{Error: err.Error()}
		}
		p.bus.emit(Event{Type: EventSyncCompleted, Cid: cid})
		return SyncResult{Success: true, Cid: cid}
	}

	if local.Meta().Version == remote.Meta().Version && lastCid != "" {
		p.bus.emit(Event{Type: EventSyncCompleted, Cid: lastCid})
		return SyncResult{Success: true, Cid: lastCid}
	}

	merged, stats := Merge(local, remote, p.clk.Now().UnixMilli())
	if stats.Conflicts > 0 {
		p.bus.emit(Event{Type: EventSyncConflict, Stats: stats})
	}

	cid, err := p.doSave(ctx, merged)
	if err != nil {
		p.bus.emit(Event{Type: EventSyncError, Err: err})
		return SyncResult{Error: err.Error(), Stats: stats}
	}
	p.bus.emit(Event{Type: EventSyncCompleted, Cid: cid, Stats: stats})
	return SyncResult{Success: true, Cid: cid, Stats: stats}
}

// loadRemote resolves and fetches the current remote document. found=false
// with a nil error means the pointer was never published.
func (p *Provider) loadRemote(ctx context.Context, name string) (TxfData, bool, error) {
	out, err := p.gw.Resolve(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if out.Best == nil {
		return nil, false, nil
	}
	doc, err := p.gw.Fetch(ctx, out.Best.Cid)
	if err != nil {
		return nil, false, err
	}
	p.noteRemote(out.Best.Sequence, out.Best.Cid, doc)
	return doc, true, nil
}

// ---------------------------------------------------------------------------
// Clear / Exists
// ---------------------------------------------------------------------------

// Clear publishes a minimal document (meta only) and wipes local caches and
// persisted chain state.
func (p *Provider) Clear(ctx context.Context) OpResult {
	p.chainMu.Lock()
	if p.identity == nil {
		p.chainMu.Unlock()
		return OpResult{Error: "no wallet identity set"}
	}
	name := p.identity.Name
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	p.chainMu.Unlock()
	p.buffer.Clear()

	var res OpResult
	err := p.queue.Enqueue(func() error {
		_, err := p.doSave(ctx, TxfData{})
		if err != nil {
			res = OpResult{Error: err.Error()}
			return err
		}
		p.cache.Clear()
		if err := p.persistence.Clear(name); err != nil {
			p.log.Warnf("chain state clear failed: %v", err)
		}
		res = OpResult{Success: true}
		return nil
	})
	if err != nil && res.Error == "" {
		res.Error = err.Error()
	}
	return res
}

// Exists reports whether a pointer record exists for this wallet.
func (p *Provider) Exists(ctx context.Context) (bool, error) {
	p.chainMu.Lock()
	if p.identity == nil {
		p.chainMu.Unlock()
		return false, Errf(KindInvalidInput, "no wallet identity set")
	}
	name := p.identity.Name
	p.chainMu.Unlock()

	if rec := p.cache.Record(name); rec != nil {
		return true, nil
	}
	out, err := p.gw.Resolve(ctx, name)
	if err != nil {
		return false, err
	}
	return out.Best != nil, nil
}

// ---------------------------------------------------------------------------
// Push updates
// ---------------------------------------------------------------------------

// handleRemoteUpdate processes a push (or poll) notification that another
// writer advanced our pointer.
func (p *Provider) handleRemoteUpdate(name string, sequence uint64, cid string) {
	p.chainMu.Lock()
	if p.identity == nil || p.identity.Name != name {
		p.chainMu.Unlock()
		return
	}
	if sequence <= p.lastKnownRemoteSequence {
		p.chainMu.Unlock()
		return
	}
	p.lastKnownRemoteSequence = sequence
	p.remoteCid = cid
	p.chainMu.Unlock()

	p.cache.PutRecord(name, &ResolvedRecord{Cid: cid, Sequence: sequence, Gateway: "push"})
	p.cache.MarkFresh(name)
	p.bus.emit(Event{Type: EventRemoteUpdated, Cid: cid, Sequence: sequence})
}

// lastKnownSequence is read by the fallback poller.
func (p *Provider) lastKnownSequence() uint64 {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.lastKnownRemoteSequence
}
