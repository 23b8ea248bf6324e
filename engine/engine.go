package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	eglog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/simple-spider/dht"
	"github.com/boypt/simple-spider/filter"
	"github.com/boypt/simple-spider/governor"
	"github.com/boypt/simple-spider/metadata"
	"github.com/boypt/simple-spider/replication"
	"github.com/boypt/simple-spider/shared"
	"github.com/boypt/simple-spider/storage"
	"github.com/boypt/simple-spider/tracker"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotRunning = errors.New("spider is not running")
	ErrRunning    = errors.New("spider already started")
	ErrQueueFull  = errors.New("discovery queue full")
)

const (
	recentCap       = 1 << 16
	inboxCap        = 1024
	eventCap        = 200
	maxStallBackoff = 5 * time.Minute
	sweepEvery      = time.Minute
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	}
	return "stopped"
}

// Fetcher fetches verified metadata for an infohash.
type Fetcher interface {
	Fetch(ctx context.Context, ih shared.InfoHash, peers []string) (*shared.Torrent, error)
}

type Counters struct {
	Discovered     int64 `json:"discovered"`
	Known          int64 `json:"known"`
	InFlight       int64 `json:"inFlight"`
	Fetched        int64 `json:"fetched"`
	FetchFailed    int64 `json:"fetchFailed"`
	Accepted       int64 `json:"accepted"`
	Rejected       int64 `json:"rejected"`
	Stored         int64 `json:"stored"`
	TrackerUpdated int64 `json:"trackerUpdated"`
	Replicated     int64 `json:"replicated"`
	Stalls         int64 `json:"stalls"`
	Errors         int64 `json:"errors"`
}

type discovery struct {
	dht.Discovery
	// force skips the recent-hash dedupe, for explicit requests.
	force bool
}

// components live from Start to Stop.
type components struct {
	gov       *governor.Governor
	transport *dht.Transport
	walker    *dht.Walker
	fetcher   Fetcher
	meta      *metadata.Fetcher
	checker   *tracker.Checker
	repl      *replication.Client
	server    *replication.Server
	fetchSem  *semaphore.Weighted
}

// Engine is the spider coordinator: it runs the DHT walker, feeds
// discoveries through fetch, filter and store, and schedules tracker
// sweeps and replication.
type Engine struct {
	mut     sync.Mutex
	state   State
	config  Config
	version string

	store    storage.Store
	ownStore bool
	comp     *components

	// overridable for tests
	bootstrap []string
	fetcher   Fetcher
	scraper   tracker.Scraper

	rules   atomic.Pointer[filter.Rules]
	sf      singleflight.Group
	recent  *lru.Cache
	inbox   chan discovery
	events  *eventRing
	cnt     Counters
	lastErr atomic.Value

	running chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(version string) *Engine {
	recent, err := lru.New(recentCap)
	if err != nil {
		panic(err)
	}
	e := &Engine{
		version: version,
		config:  DefaultConfig(),
		recent:  recent,
		inbox:   make(chan discovery, inboxCap),
		events:  newEventRing(eventCap),
		running: make(chan struct{}),
	}
	e.rules.Store(filter.AcceptAll())
	return e
}

func (e *Engine) Config() Config {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.config
}

// Configure sets the config used by the next Start and swaps the filter
// rules right away.
func (e *Engine) Configure(c Config) error {
	if c.DHTPort < 0 || c.DHTPort > 65535 {
		return fmt.Errorf("Invalid DHT port (%d)", c.DHTPort)
	}
	fc, err := c.FilterConfig()
	if err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = 16
	}
	if c.WalkInterval <= 0 {
		c.WalkInterval = 5 * time.Second
	}
	if c.TrackerInterval <= 0 {
		c.TrackerInterval = 6 * time.Hour
	}
	if c.ReplicationInterval <= 0 {
		c.ReplicationInterval = 10 * time.Minute
	}
	if err := e.SetFilter(fc); err != nil {
		return err
	}
	SetDebug(c.EngineDebug)
	e.mut.Lock()
	e.config = c
	e.mut.Unlock()
	return nil
}

func (e *Engine) State() State {
	e.mut.Lock()
	defer e.mut.Unlock()
	return e.state
}

// Rules is the filter snapshot in force.
func (e *Engine) Rules() *filter.Rules {
	return e.rules.Load()
}

// SetFilter compiles cfg and swaps it in atomically. Records already in
// flight finish with the rules they started with or the new ones.
func (e *Engine) SetFilter(cfg filter.Config) error {
	r, err := filter.NewRules(cfg)
	if err != nil {
		return err
	}
	e.rules.Store(r)
	log.Printf("filter updated: %+v", cfg)
	return nil
}

func (e *Engine) Start() error {
	e.mut.Lock()
	if e.state != StateStopped {
		e.mut.Unlock()
		return ErrRunning
	}
	e.state = StateStarting
	c := e.config
	e.mut.Unlock()

	if err := e.start(c); err != nil {
		e.fail(err)
		e.mut.Lock()
		e.state = StateStopped
		e.mut.Unlock()
		return err
	}
	return nil
}

func (e *Engine) start(c Config) error {
	if e.store == nil {
		if err := mkdir(c.DataDirectory); err != nil {
			return err
		}
		s, err := storage.OpenSQLite(c.DataDirectory)
		if err != nil {
			return err
		}
		e.mut.Lock()
		e.store, e.ownStore = s, true
		e.mut.Unlock()
		log.Printf("index opened at %s", s.Path())
	}

	logger := eglog.Default
	if c.MuteEngineLog {
		logger = eglog.Discard
	}
	gov := governor.New(c.PacketRate(), c.MaxDHTNodes)
	var walker *dht.Walker
	tr, err := dht.Listen(dht.TransportConfig{
		Addr:     fmt.Sprintf(":%d", c.DHTPort),
		Governor: gov,
		Logger:   logger,
		OnAnnounce: func(ih shared.InfoHash, peer string) {
			walker.Emit(dht.Discovery{InfoHash: ih, Peers: []string{peer}})
		},
		OnGetPeers: func(ih shared.InfoHash) {
			walker.Hint(ih)
		},
	})
	if err != nil {
		// the other roles run without the DHT
		e.fail(fmt.Errorf("dht disabled: %w", err))
		tr = nil
	} else {
		walker = dht.NewWalker(tr, dht.WalkerConfig{
			Governor:  gov,
			Bootstrap: e.bootstrap,
			Logger:    logger,
		})
	}

	comp := &components{
		gov:       gov,
		transport: tr,
		walker:    walker,
		fetcher:   e.fetcher,
		fetchSem:  semaphore.NewWeighted(int64(c.MaxConcurrentFetches)),
	}
	if comp.fetcher == nil {
		comp.meta = metadata.New(metadata.Config{
			Governor: gov,
			FanOut:   c.FetchFanOut,
			Timeout:  c.FetchTimeout,
		})
		comp.fetcher = comp.meta
	}
	comp.checker = tracker.New(tracker.Config{
		Governor:    gov,
		Interval:    c.TrackerInterval,
		UseDefaults: true,
	}, e.scraper)
	if c.ReplicationClient {
		comp.repl = replication.NewClient(e.store, e.Rules, replication.ClientConfig{Auth: c.ReplicationAuth})
		comp.repl.OnRecord = func(t *shared.Torrent) {
			atomic.AddInt64(&e.cnt.Replicated, 1)
		}
		for _, p := range c.Peers() {
			comp.repl.AddPeer(p)
		}
	}
	comp.server = replication.NewServer(e.store, e.version, func() []string {
		if comp.repl != nil {
			return comp.repl.Addresses()
		}
		return c.Peers()
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.mut.Lock()
	e.comp = comp
	e.cancel = cancel
	e.state = StateRunning
	e.running = make(chan struct{})
	close(e.running)
	e.mut.Unlock()

	if tr != nil {
		e.goLoop(func() {
			if err := tr.Serve(ctx); err != nil {
				e.fail(err)
			}
		})
		e.goLoop(func() { e.walkLoop(ctx, comp, c) })
	}
	e.goLoop(func() { e.dispatchLoop(ctx, comp) })
	if c.TrackersEnabled {
		e.goLoop(func() { e.trackerLoop(ctx, comp, c) })
	}
	if comp.repl != nil {
		e.goLoop(func() { e.replicationLoop(ctx, comp, c) })
	}
	if tr != nil {
		log.Printf("spider started on %s, node id %x", tr.Addr(), tr.ID())
	} else {
		log.Printf("spider started without DHT")
	}
	return nil
}

func (e *Engine) goLoop(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop cancels every loop and waits for in-flight work to finish.
func (e *Engine) Stop() error {
	e.mut.Lock()
	switch e.state {
	case StateStopped, StateStopping:
		e.mut.Unlock()
		return nil
	case StateStarting:
		e.mut.Unlock()
		return errors.New("spider is starting")
	}
	e.state = StateStopping
	cancel, comp := e.cancel, e.comp
	e.mut.Unlock()

	cancel()
	if comp.transport != nil {
		comp.transport.Close()
	}
	e.wg.Wait()
	e.closeStore()

	e.mut.Lock()
	e.comp = nil
	e.cancel = nil
	e.running = make(chan struct{})
	e.state = StateStopped
	e.mut.Unlock()
	log.Println("spider stopped")
	return nil
}

func (e *Engine) closeStore() {
	e.mut.Lock()
	defer e.mut.Unlock()
	if e.ownStore && e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Printf("close index: %v", err)
		}
		e.store = nil
		e.ownStore = false
	}
}

// Pause stops walking and dispatch. In-flight fetches complete.
func (e *Engine) Pause() error {
	e.mut.Lock()
	defer e.mut.Unlock()
	switch e.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return ErrNotRunning
	}
	e.state = StatePaused
	e.running = make(chan struct{})
	if e.comp.walker != nil {
		e.comp.walker.Pause()
	}
	log.Println("spider paused")
	return nil
}

func (e *Engine) Resume() error {
	e.mut.Lock()
	defer e.mut.Unlock()
	switch e.state {
	case StateRunning:
		return nil
	case StatePaused:
	default:
		return ErrNotRunning
	}
	e.state = StateRunning
	if e.comp.walker != nil {
		e.comp.walker.Resume()
	}
	close(e.running)
	log.Println("spider resumed")
	return nil
}

// waitRunning blocks while the spider is paused. It reports false once ctx
// is done.
func (e *Engine) waitRunning(ctx context.Context) bool {
	e.mut.Lock()
	ch := e.running
	e.mut.Unlock()
	select {
	case <-ch:
		return ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) event(ev Event) {
	e.events.add(ev)
}

func (e *Engine) fail(err error) {
	atomic.AddInt64(&e.cnt.Errors, 1)
	e.lastErr.Store(err.Error())
	e.event(Event{Kind: EventError, Detail: err.Error()})
	log.Printf("[error] %v", err)
}

func stallBackoff(base time.Duration, stalls int) time.Duration {
	d := base
	for i := 0; i < stalls && d < maxStallBackoff; i++ {
		d *= 2
	}
	if d > maxStallBackoff {
		d = maxStallBackoff
	}
	return d
}

func (e *Engine) walkLoop(ctx context.Context, comp *components, c Config) {
	stalls := 0
	for e.waitRunning(ctx) {
		ws, err := comp.walker.Walk(ctx)
		delay := c.WalkInterval
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, dht.ErrPaused):
			continue
		case errors.Is(err, dht.ErrStall):
			stalls++
			atomic.AddInt64(&e.cnt.Stalls, 1)
			delay = stallBackoff(c.WalkInterval, stalls)
			log.Printf("walk stalled (%d in a row), retry in %s", stalls, delay)
		case err != nil:
			e.fail(err)
		default:
			stalls = 0
			log.Debugf("walk done: %d contacted, %d responded, %d discoveries",
				ws.NodesContacted, ws.NodesResponded, ws.Discoveries)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (e *Engine) dispatchLoop(ctx context.Context, comp *components) {
	var out <-chan dht.Discovery
	if comp.walker != nil {
		out = comp.walker.Discoveries()
	}
	for {
		var d discovery
		select {
		case <-ctx.Done():
			return
		case dd := <-out:
			d = discovery{Discovery: dd}
		case d = <-e.inbox:
		}
		if !e.waitRunning(ctx) {
			return
		}
		e.dispatch(ctx, comp, d)
	}
}

// dispatch drops known infohashes and starts a bounded fetch for new ones.
func (e *Engine) dispatch(ctx context.Context, comp *components, d discovery) {
	atomic.AddInt64(&e.cnt.Discovered, 1)
	if !d.force {
		if seen, _ := e.recent.ContainsOrAdd(d.InfoHash, struct{}{}); seen {
			atomic.AddInt64(&e.cnt.Known, 1)
			return
		}
	}
	has, err := e.store.Has(ctx, d.InfoHash)
	if err != nil {
		e.fail(err)
		return
	}
	if has {
		atomic.AddInt64(&e.cnt.Known, 1)
		if len(d.Trackers) > 0 {
			if _, err := e.store.Insert(ctx, &shared.Torrent{InfoHash: d.InfoHash, Trackers: d.Trackers}); err != nil {
				e.fail(err)
			}
		}
		return
	}
	if len(d.Peers) == 0 {
		// look the swarm up on the next walk
		if comp.walker != nil {
			comp.walker.Hint(d.InfoHash)
		} else {
			e.recent.Remove(d.InfoHash)
			e.event(Event{Kind: EventFetchFailed, InfoHash: d.InfoHash.HexString(), Detail: "no peers and dht disabled"})
		}
		return
	}
	e.event(Event{Kind: EventDiscovered, InfoHash: d.InfoHash.HexString()})
	if err := comp.fetchSem.Acquire(ctx, 1); err != nil {
		return
	}
	atomic.AddInt64(&e.cnt.InFlight, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer comp.fetchSem.Release(1)
		defer atomic.AddInt64(&e.cnt.InFlight, -1)
		e.sf.Do(d.InfoHash.HexString(), func() (interface{}, error) {
			return nil, e.ingest(ctx, comp, d.Discovery)
		})
	}()
}

// ingest fetches, filters and stores one infohash.
func (e *Engine) ingest(ctx context.Context, comp *components, d dht.Discovery) error {
	ih := d.InfoHash.HexString()
	t, err := comp.fetcher.Fetch(ctx, d.InfoHash, d.Peers)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		atomic.AddInt64(&e.cnt.FetchFailed, 1)
		e.event(Event{Kind: EventFetchFailed, InfoHash: ih, Detail: err.Error()})
		log.Debugf("fetch %s from %d peers: %v", d.InfoHash, len(d.Peers), err)
		return err
	}
	atomic.AddInt64(&e.cnt.Fetched, 1)
	e.event(Event{Kind: EventFetched, InfoHash: ih, Name: t.Name})
	t.Trackers = append(t.Trackers, d.Trackers...)

	if dec := e.Rules().Evaluate(t); !dec.Accepted {
		atomic.AddInt64(&e.cnt.Rejected, 1)
		e.event(Event{Kind: EventRejected, InfoHash: ih, Name: t.Name, Detail: string(dec.Reason)})
		log.Debugf("rejected %s %q: %s", d.InfoHash, t.Name, dec.Reason)
		return nil
	}
	atomic.AddInt64(&e.cnt.Accepted, 1)
	e.event(Event{Kind: EventAccepted, InfoHash: ih, Name: t.Name})

	created, err := e.store.Insert(ctx, t)
	if err != nil {
		err = fmt.Errorf("store %s: %w", ih, err)
		e.fail(err)
		return err
	}
	if created {
		atomic.AddInt64(&e.cnt.Stored, 1)
		size := humanize.Bytes(uint64(t.Size))
		e.event(Event{Kind: EventStored, InfoHash: ih, Name: t.Name, Detail: size})
		log.Printf("stored %s %s (%s, %d files, %s)", d.InfoHash, t.Name, size, len(t.Files), t.Category)
	}
	return nil
}

func (e *Engine) trackerLoop(ctx context.Context, comp *components, c Config) {
	if c.TrackerListURL != "" {
		if err := comp.checker.UpdateTrackers(ctx, c.TrackerListURL); err != nil {
			log.Printf("UpdateTrackers: %v", err)
		}
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sr, err := comp.checker.Sweep(ctx, e.store)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.fail(err)
			continue
		}
		if sr.Updated > 0 {
			atomic.AddInt64(&e.cnt.TrackerUpdated, int64(sr.Updated))
			e.event(Event{Kind: EventTrackerUpdated, Detail: fmt.Sprintf("%d of %d records refreshed", sr.Updated, sr.Checked)})
		}
	}
}

func (e *Engine) replicationLoop(ctx context.Context, comp *components, c Config) {
	ticker := time.NewTicker(c.ReplicationInterval)
	defer ticker.Stop()
	for {
		res, err := comp.repl.SyncAll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("replication: %v", err)
		}
		if res.Applied > 0 {
			e.event(Event{Kind: EventReplicated, Detail: fmt.Sprintf("%d records from %d batches", res.Applied, res.Batches)})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Discover queues an infohash found by another source, such as a feed or
// the API. Without peers the swarm is looked up on a later walk.
func (e *Engine) Discover(ih shared.InfoHash, peers, trackers []string) error {
	if !ih.Valid() {
		return fmt.Errorf("invalid infohash length %d", len(ih))
	}
	switch e.State() {
	case StateRunning, StatePaused:
	default:
		return ErrNotRunning
	}
	d := discovery{Discovery: dht.Discovery{InfoHash: ih, Peers: peers, Trackers: trackers}, force: true}
	select {
	case e.inbox <- d:
		return nil
	default:
		return ErrQueueFull
	}
}

// DiscoverMagnet queues the infohash of a magnet link, with its trackers and
// x.pe peers.
func (e *Engine) DiscoverMagnet(uri string) error {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return err
	}
	return e.Discover(shared.FromV1(m.InfoHash), m.Params["x.pe"], m.Trackers)
}

// UpdateTrackers reloads the extra tracker list from TrackerListURL.
func (e *Engine) UpdateTrackers() error {
	e.mut.Lock()
	comp, url := e.comp, e.config.TrackerListURL
	e.mut.Unlock()
	if comp == nil {
		return ErrNotRunning
	}
	return comp.checker.UpdateTrackers(context.Background(), url)
}

// AddPeers registers replication peers at runtime.
func (e *Engine) AddPeers(addrs []string) {
	e.mut.Lock()
	comp := e.comp
	e.mut.Unlock()
	if comp == nil || comp.repl == nil {
		return
	}
	for _, a := range addrs {
		comp.repl.AddPeer(a)
	}
}

// ReplicationHandler serves the replication protocol for the running
// spider.
func (e *Engine) ReplicationHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mut.Lock()
		comp := e.comp
		e.mut.Unlock()
		if comp == nil {
			http.Error(w, ErrNotRunning.Error(), http.StatusServiceUnavailable)
			return
		}
		comp.server.ServeHTTP(w, r)
	})
}

// Cleanup re-applies the current rules to the whole index.
func (e *Engine) Cleanup(ctx context.Context, execute bool) (*filter.CleanupReport, error) {
	e.mut.Lock()
	store := e.store
	e.mut.Unlock()
	if store == nil {
		return nil, ErrNotRunning
	}
	rep, err := filter.Cleanup(ctx, store, e.Rules(), execute)
	if err != nil {
		return rep, err
	}
	if execute {
		log.Printf("cleanup: deleted %d of %d records", rep.Deleted, rep.Scanned)
	} else {
		log.Printf("cleanup dry run: %d of %d records would be deleted", rep.Found, rep.Scanned)
	}
	return rep, nil
}

type Status struct {
	State       string             `json:"state"`
	WalkerState string             `json:"walkerState"`
	Walk        dht.WalkState      `json:"walk"`
	Walker      dht.WalkerStats    `json:"walker"`
	DHT         dht.TransportStats `json:"dht"`
	Metadata    metadata.Stats     `json:"metadata"`
	Trackers    tracker.Stats      `json:"trackers"`
	Counters    Counters           `json:"counters"`
	Records     int                `json:"records"`
	Peers       []replication.Peer `json:"peers"`
	Filter      filter.Config      `json:"filter"`
	LastError   string             `json:"lastError,omitempty"`
	Events      []Event            `json:"events"`
}

func (e *Engine) counters() Counters {
	return Counters{
		Discovered:     atomic.LoadInt64(&e.cnt.Discovered),
		Known:          atomic.LoadInt64(&e.cnt.Known),
		InFlight:       atomic.LoadInt64(&e.cnt.InFlight),
		Fetched:        atomic.LoadInt64(&e.cnt.Fetched),
		FetchFailed:    atomic.LoadInt64(&e.cnt.FetchFailed),
		Accepted:       atomic.LoadInt64(&e.cnt.Accepted),
		Rejected:       atomic.LoadInt64(&e.cnt.Rejected),
		Stored:         atomic.LoadInt64(&e.cnt.Stored),
		TrackerUpdated: atomic.LoadInt64(&e.cnt.TrackerUpdated),
		Replicated:     atomic.LoadInt64(&e.cnt.Replicated),
		Stalls:         atomic.LoadInt64(&e.cnt.Stalls),
		Errors:         atomic.LoadInt64(&e.cnt.Errors),
	}
}

func (e *Engine) Status(ctx context.Context) Status {
	e.mut.Lock()
	st := Status{State: e.state.String()}
	comp, store := e.comp, e.store
	e.mut.Unlock()

	st.Counters = e.counters()
	st.Filter = e.Rules().Config()
	st.Events = e.events.list()
	if s, ok := e.lastErr.Load().(string); ok {
		st.LastError = s
	}
	if store != nil {
		if n, err := store.Count(ctx); err == nil {
			st.Records = n
		}
	}
	if comp == nil {
		return st
	}
	if comp.walker != nil {
		ws, walk := comp.walker.State()
		st.WalkerState = ws.String()
		st.Walk = walk
		st.Walker = comp.walker.Stats()
	} else {
		st.WalkerState = StateStopped.String()
	}
	if comp.transport != nil {
		st.DHT = comp.transport.Stats()
	}
	st.Trackers = comp.checker.Stats()
	if comp.meta != nil {
		st.Metadata = comp.meta.Stats()
	}
	if comp.repl != nil {
		st.Peers = comp.repl.Peers()
	}
	return st
}
