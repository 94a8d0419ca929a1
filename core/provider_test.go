package core

import (
	"bytes"
	"context"
	"testing"
	"time"
)

var testSecret = bytes.Repeat([]byte{0xAB}, 32)

func newTestProvider(t *testing.T, opts Options, secret []byte) *Provider {
	t.Helper()
	p := NewProvider(opts)
	if err := p.SetWalletSecret(secret); err != nil {
		t.Fatal(err)
	}
	if res := p.Initialize(context.Background()); !res.Success {
		t.Fatalf("initialize: %s", res.Error)
	}
	return p
}

func eventChan(p *Provider) <-chan Event {
	ch := make(chan Event, 128)
	p.On(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func tokenDoc(version uint64, tokens ...string) TxfData {
	d := TxfData{KeyMeta: map[string]any{"version": version, "address": "addr1"}}
	for _, k := range tokens {
		d[k] = map[string]any{"id": TokenIDForKey(k)}
	}
	return d
}

func TestBootstrapSave(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	res := p.Save(tokenDoc(0, "_t1"))
	if !res.Success {
		t.Fatalf("save: %s", res.Error)
	}
	saved := waitEvent(t, events, EventSaved)
	if saved.Sequence != 1 {
		t.Fatalf("bootstrap sequence = %d", saved.Sequence)
	}

	uploaded := fg.storedDoc(t, saved.Cid)
	meta := uploaded.Meta()
	if meta.Version != 1 {
		t.Fatalf("bootstrap version = %d", meta.Version)
	}
	if raw := uploaded[KeyMeta].(map[string]any); raw["lastCid"] != nil {
		t.Fatalf("bootstrap save carries lastCid %v", raw["lastCid"])
	}
	if meta.IpnsName != p.IpnsName() {
		t.Fatalf("meta ipnsName = %q", meta.IpnsName)
	}
}

func TestSecondSaveChains(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.Save(tokenDoc(0, "_t1"))
	first := waitEvent(t, events, EventSaved)

	p.Save(tokenDoc(1, "_t1", "_t2"))
	second := waitEvent(t, events, EventSaved)

	uploaded := fg.storedDoc(t, second.Cid)
	meta := uploaded.Meta()
	if meta.LastCid != first.Cid {
		t.Fatalf("chain broken: lastCid %q, want %q", meta.LastCid, first.Cid)
	}
	if meta.Version != 2 {
		t.Fatalf("version = %d", meta.Version)
	}
	if second.Sequence != first.Sequence+1 {
		t.Fatalf("sequence %d after %d", second.Sequence, first.Sequence)
	}
}

func TestSaveCoalesces(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.Save(tokenDoc(0, "_x"))
	p.Save(tokenDoc(0, "_y"))
	saved := waitEvent(t, events, EventSaved)

	fg.mu.Lock()
	adds := fg.addCount
	fg.mu.Unlock()
	if adds != 1 {
		t.Fatalf("coalescing produced %d uploads", adds)
	}
	uploaded := fg.storedDoc(t, saved.Cid)
	if _, ok := uploaded["_y"]; !ok {
		t.Fatal("latest write lost")
	}
	if _, ok := uploaded["_x"]; ok {
		t.Fatal("superseded write published: the buffer holds the caller's latest document")
	}
}

func TestShutdownDrains(t *testing.T) {
	fg := newFakeGateway(t)
	persist := NewMemoryStatePersistence()
	opts := testOptions(fg.URL())
	// A long debounce: only the shutdown drain can publish this write.
	opts.FlushDebounce = time.Hour
	opts.Persistence = persist
	p := newTestProvider(t, opts, testSecret)

	p.Save(tokenDoc(0, "_pending"))
	p.Shutdown(context.Background())

	rec := fg.publishedRecord(t, p.IpnsName())
	if rec == nil {
		t.Fatal("shutdown did not drain the buffer")
	}
	if _, ok := fg.storedDoc(t, rec.Cid)["_pending"]; !ok {
		t.Fatal("drained document incomplete")
	}
}

func TestRecoveryAfterWipe(t *testing.T) {
	fg := newFakeGateway(t)

	a := newTestProvider(t, testOptions(fg.URL()), testSecret)
	eventsA := eventChan(a)
	a.Save(tokenDoc(0, "_a", "_b", "_c"))
	waitEvent(t, eventsA, EventSaved)
	a.Shutdown(context.Background())

	// Same wallet, empty persistence, fresh caches.
	b := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer b.Shutdown(context.Background())
	res := b.Load(context.Background(), "")
	if !res.Success {
		t.Fatalf("load: %s", res.Error)
	}
	for _, k := range []string{"_a", "_b", "_c"} {
		if _, ok := res.Data[k]; !ok {
			t.Fatalf("recovered inventory missing %s", k)
		}
	}
}

func TestPublishFailureRollsBackAndRestages(t *testing.T) {
	fg := newFakeGateway(t)
	opts := testOptions(fg.URL())
	// Space the automatic retries out so chain state can be inspected
	// between attempts.
	opts.FlushDebounce = 200 * time.Millisecond
	p := newTestProvider(t, opts, testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	fg.mu.Lock()
	fg.failPut = true
	fg.mu.Unlock()

	before := p.chainVersion()
	p.Save(tokenDoc(0, "_staged"))
	waitEvent(t, events, EventError)
	if got := p.chainVersion(); got != before {
		t.Fatalf("dataVersion %d after failed flush, want %d", got, before)
	}

	// Heal the gateway: the automatic retry publishes the staged write.
	fg.mu.Lock()
	fg.failPut = false
	fg.mu.Unlock()
	saved := waitEvent(t, events, EventSaved)
	if _, ok := fg.storedDoc(t, saved.Cid)["_staged"]; !ok {
		t.Fatal("staged write lost across rollback")
	}
}

func TestSyncMergesStaleLocal(t *testing.T) {
	fg := newFakeGateway(t)

	// Another writer with the same wallet left version 5 with three tokens
	// on the network.
	id, err := DeriveIdentity(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	gwc, _ := newTestClient(t, fg.URL())
	remoteCid, err := gwc.Upload(context.Background(), tokenDoc(5, "_a", "_b", "_c"))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := NewRecordCodec().Sign(id.PrivateKey, remoteCid, 3, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	fg.setRecord(id.Name, rec)

	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	res := p.Sync(context.Background(), tokenDoc(1, "_a", "_b"))
	if !res.Success {
		t.Fatalf("sync: %s", res.Error)
	}
	if res.Stats.Added < 1 {
		t.Fatalf("added = %d", res.Stats.Added)
	}
	merged := fg.storedDoc(t, res.Cid)
	if _, ok := merged["_c"]; !ok {
		t.Fatal("remote-only token missing after sync")
	}
	if v := merged.Meta().Version; v <= 5 {
		t.Fatalf("merged version = %d", v)
	}
}

func TestSyncNoOpOnEqualVersions(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.Save(tokenDoc(0, "_a"))
	waitEvent(t, events, EventSaved)

	fg.mu.Lock()
	putsBefore := fg.putCount
	fg.mu.Unlock()

	// The remote document is our own version-1 save.
	res := p.Sync(context.Background(), tokenDoc(1, "_a"))
	if !res.Success {
		t.Fatalf("sync: %s", res.Error)
	}
	if res.Stats != (MergeStats{}) {
		t.Fatalf("no-op sync reported %+v", res.Stats)
	}
	fg.mu.Lock()
	putsAfter := fg.putCount
	fg.mu.Unlock()
	if putsAfter != putsBefore {
		t.Fatal("no-op sync republished")
	}
}

func TestSyncBootstrapsWhenUnpublished(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())

	res := p.Sync(context.Background(), tokenDoc(0, "_solo"))
	if !res.Success {
		t.Fatalf("sync: %s", res.Error)
	}
	if _, ok := fg.storedDoc(t, res.Cid)["_solo"]; !ok {
		t.Fatal("bootstrap sync dropped the local document")
	}
}

func TestLoadZeroRTTAfterSave(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.Save(tokenDoc(0, "_t1"))
	waitEvent(t, events, EventSaved)

	fg.mu.Lock()
	resolves, fetches := fg.resolveCount, fg.fetchCount
	fg.mu.Unlock()

	res := p.Load(context.Background(), "")
	if !res.Success || res.Source != "cache" {
		t.Fatalf("load = %+v", res)
	}
	if _, ok := res.Data["_t1"]; !ok {
		t.Fatal("wrong document")
	}

	fg.mu.Lock()
	resolves2, fetches2 := fg.resolveCount, fg.fetchCount
	fg.mu.Unlock()
	if resolves2 != resolves || fetches2 != fetches {
		t.Fatal("known-fresh load touched the network")
	}
}

func TestLoadByIdentifier(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.Save(tokenDoc(0, "_direct"))
	saved := waitEvent(t, events, EventSaved)
	p.cache.Clear()

	res := p.Load(context.Background(), saved.Cid)
	if !res.Success {
		t.Fatalf("load: %s", res.Error)
	}
	if _, ok := res.Data["_direct"]; !ok {
		t.Fatal("wrong document for identifier")
	}
}

func TestLoadUnpublishedName(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())

	res := p.Load(context.Background(), "")
	if res.Success {
		t.Fatal("load succeeded with nothing published")
	}
	if res.Error == "" {
		t.Fatal("missing error message")
	}
}

func TestLoadStaleFallback(t *testing.T) {
	fg := newFakeGateway(t)
	opts := testOptions(fg.URL())
	opts.RecordCacheTTL = 30 * time.Millisecond
	opts.KnownFreshWindow = 10 * time.Millisecond
	p := newTestProvider(t, opts, testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.Save(tokenDoc(0, "_keep"))
	waitEvent(t, events, EventSaved)

	// Let the record TTL and fresh window lapse, then kill the network.
	time.Sleep(50 * time.Millisecond)
	fg.mu.Lock()
	fg.failResolve = true
	fg.mu.Unlock()

	res := p.Load(context.Background(), "")
	if !res.Success || res.Source != "cache" {
		t.Fatalf("stale fallback = %+v", res)
	}
	if _, ok := res.Data["_keep"]; !ok {
		t.Fatal("stale content wrong")
	}
}

func TestExists(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	ok, err := p.Exists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("exists before any publish")
	}

	p.Save(tokenDoc(0, "_t1"))
	waitEvent(t, events, EventSaved)
	ok, err = p.Exists(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("missing after publish")
	}
}

func TestClear(t *testing.T) {
	fg := newFakeGateway(t)
	persist := NewMemoryStatePersistence()
	opts := testOptions(fg.URL())
	opts.Persistence = persist
	p := newTestProvider(t, opts, testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.Save(tokenDoc(0, "_gone"))
	waitEvent(t, events, EventSaved)

	res := p.Clear(context.Background())
	if !res.Success {
		t.Fatalf("clear: %s", res.Error)
	}
	rec := fg.publishedRecord(t, p.IpnsName())
	doc := fg.storedDoc(t, rec.Cid)
	if len(doc.ActiveTokenKeys()) != 0 {
		t.Fatalf("cleared document still has tokens: %v", doc.ActiveTokenKeys())
	}
	state, err := persist.Load(p.IpnsName())
	if err != nil {
		t.Fatal(err)
	}
	if state != nil {
		t.Fatal("persisted chain state survived clear")
	}
}

func TestPersistedStateRestored(t *testing.T) {
	fg := newFakeGateway(t)
	persist := NewMemoryStatePersistence()
	opts := testOptions(fg.URL())
	opts.Persistence = persist

	a := newTestProvider(t, opts, testSecret)
	eventsA := eventChan(a)
	a.Save(tokenDoc(0, "_t1"))
	first := waitEvent(t, eventsA, EventSaved)
	a.Shutdown(context.Background())

	// A restarted provider chains off the persisted state without loading.
	b := newTestProvider(t, opts, testSecret)
	defer b.Shutdown(context.Background())
	eventsB := eventChan(b)
	b.Save(tokenDoc(1, "_t1", "_t2"))
	second := waitEvent(t, eventsB, EventSaved)

	if second.Sequence != first.Sequence+1 {
		t.Fatalf("restart broke sequence chain: %d after %d", second.Sequence, first.Sequence)
	}
	if got := fg.storedDoc(t, second.Cid).Meta().LastCid; got != first.Cid {
		t.Fatalf("restart broke cid chain: %q, want %q", got, first.Cid)
	}
}

func TestEventListenerPanicsContained(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())

	p.On(func(Event) { panic("bad listener") })
	events := eventChan(p)

	p.Save(tokenDoc(0, "_t1"))
	waitEvent(t, events, EventSaved)
}

func TestListenerUnregister(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())

	var n int
	off := p.On(func(Event) { n++ })
	off()
	events := eventChan(p)
	p.Save(tokenDoc(0, "_t1"))
	waitEvent(t, events, EventSaved)
	if n != 0 {
		t.Fatalf("unregistered listener fired %d times", n)
	}
}

func TestRemoteUpdateNotification(t *testing.T) {
	fg := newFakeGateway(t)
	p := newTestProvider(t, testOptions(fg.URL()), testSecret)
	defer p.Shutdown(context.Background())
	events := eventChan(p)

	p.handleRemoteUpdate(p.IpnsName(), 12, "bafypushed")
	ev := waitEvent(t, events, EventRemoteUpdated)
	if ev.Cid != "bafypushed" || ev.Sequence != 12 {
		t.Fatalf("event = %+v", ev)
	}
	// Stale and foreign notifications are ignored.
	p.handleRemoteUpdate(p.IpnsName(), 11, "bafyold")
	p.handleRemoteUpdate("someone-else", 99, "bafyother")
	select {
	case ev := <-events:
		if ev.Type == EventRemoteUpdated {
			t.Fatalf("spurious update event: %+v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// chainVersion exposes dataVersion to tests.
func (p *Provider) chainVersion() uint64 {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	return p.dataVersion
}
