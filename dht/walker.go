package dht

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/boypt/simple-spider/governor"
	"github.com/boypt/simple-spider/shared"
	lru "github.com/hashicorp/golang-lru"
)

var (
	// ErrStall means no node answered during a walk.
	ErrStall  = errors.New("dht walk stalled")
	ErrPaused = errors.New("dht walker paused")
	ErrBusy   = errors.New("dht walk already running")
)

var DefaultBootstrap = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
	"dht.libtorrent.org:25401",
}

type State int

const (
	StateIdle State = iota
	StateWalking
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateWalking:
		return "walking"
	case StatePaused:
		return "paused"
	}
	return "idle"
}

// Querier is the outbound side of a Transport.
type Querier interface {
	FindNode(ctx context.Context, to *net.UDPAddr, target krpc.ID) ([]Node, error)
	GetPeers(ctx context.Context, to *net.UDPAddr, ih shared.InfoHash) ([]Node, []string, error)
}

// Discovery is an infohash together with peers that claim to have it.
type Discovery struct {
	InfoHash shared.InfoHash
	Peers    []string
	Trackers []string
}

type WalkState struct {
	Target         string    `json:"target"`
	Lookup         bool      `json:"lookup"`
	NodesContacted int       `json:"nodesContacted"`
	NodesResponded int       `json:"nodesResponded"`
	Discoveries    int       `json:"discoveries"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

type WalkerConfig struct {
	Governor  *governor.Governor
	Bootstrap []string
	// MaxQueue bounds the pending contacts of a walk.
	MaxQueue int
	// MaxContacts bounds the queries issued by a walk.
	MaxContacts int
	// KnownNodes bounds the pool of responsive nodes kept between walks.
	KnownNodes int
	// SeenCap bounds the per-walk infohash dedupe set.
	SeenCap int
	HintCap int
	OutCap  int
	Logger  log.Logger
}

func (c *WalkerConfig) setDefaults() {
	if c.Governor == nil {
		c.Governor = governor.New(0, 0)
	}
	if c.Bootstrap == nil {
		c.Bootstrap = DefaultBootstrap
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 512
	}
	if c.MaxContacts <= 0 {
		c.MaxContacts = 256
	}
	if c.KnownNodes <= 0 {
		c.KnownNodes = 2048
	}
	if c.SeenCap <= 0 {
		c.SeenCap = 10000
	}
	if c.HintCap <= 0 {
		c.HintCap = 256
	}
	if c.OutCap <= 0 {
		c.OutCap = 1024
	}
}

// Walker explores the keyspace one walk at a time and emits discoveries.
type Walker struct {
	q   Querier
	cfg WalkerConfig

	mu    sync.Mutex
	state State
	ws    WalkState
	known map[string]Node

	seen  *lru.Cache
	hints chan shared.InfoHash
	out   chan Discovery

	emitted, dropped int64
}

func NewWalker(q Querier, cfg WalkerConfig) *Walker {
	cfg.setDefaults()
	seen, err := lru.New(cfg.SeenCap)
	if err != nil {
		panic(err)
	}
	return &Walker{
		q:     q,
		cfg:   cfg,
		known: map[string]Node{},
		seen:  seen,
		hints: make(chan shared.InfoHash, cfg.HintCap),
		out:   make(chan Discovery, cfg.OutCap),
	}
}

func (w *Walker) Discoveries() <-chan Discovery {
	return w.out
}

// Hint queues an infohash to look up on a later walk. Hints beyond the
// queue cap are dropped.
func (w *Walker) Hint(ih shared.InfoHash) {
	select {
	case w.hints <- ih:
	default:
	}
}

// Emit publishes a discovery unless the infohash was already seen during
// the current walk or the output queue is full.
func (w *Walker) Emit(d Discovery) bool {
	if ok, _ := w.seen.ContainsOrAdd(d.InfoHash, struct{}{}); ok {
		return false
	}
	select {
	case w.out <- d:
		atomic.AddInt64(&w.emitted, 1)
		w.mu.Lock()
		w.ws.Discoveries++
		w.mu.Unlock()
		return true
	default:
		atomic.AddInt64(&w.dropped, 1)
		return false
	}
}

func (w *Walker) State() (State, WalkState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.ws
}

// Pause stops issuing new contacts. A running walk drains and returns.
func (w *Walker) Pause() {
	w.mu.Lock()
	w.state = StatePaused
	w.mu.Unlock()
}

func (w *Walker) Resume() {
	w.mu.Lock()
	if w.state == StatePaused {
		w.state = StateIdle
	}
	w.mu.Unlock()
}

func (w *Walker) issuing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateWalking
}

func (w *Walker) KnownNodes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.known)
}

// AddNode records a responsive node, evicting an arbitrary one when full.
func (w *Walker) AddNode(n Node) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addNodeLocked(n)
}

func (w *Walker) addNodeLocked(n Node) {
	k := n.Key()
	if _, ok := w.known[k]; !ok && len(w.known) >= w.cfg.KnownNodes {
		for evict := range w.known {
			delete(w.known, evict)
			break
		}
	}
	w.known[k] = n
}

func xorLess(target, a, b krpc.ID) bool {
	var da, db krpc.ID
	for i := range target {
		da[i] = a[i] ^ target[i]
		db[i] = b[i] ^ target[i]
	}
	return bytes.Compare(da[:], db[:]) < 0
}

// seedNodes picks the known nodes closest to target, falling back to the
// bootstrap routers.
func (w *Walker) seedNodes(target krpc.ID, max int) []Node {
	w.mu.Lock()
	nodes := make([]Node, 0, len(w.known))
	for _, n := range w.known {
		nodes = append(nodes, n)
	}
	w.mu.Unlock()
	sort.Slice(nodes, func(i, j int) bool { return xorLess(target, nodes[i].ID, nodes[j].ID) })
	if len(nodes) > max {
		nodes = nodes[:max]
	}
	if len(nodes) < max/2 {
		for _, b := range w.cfg.Bootstrap {
			addr, err := net.ResolveUDPAddr("udp", b)
			if err != nil {
				log.Fmsg("bootstrap %s: %v", b, err).AddValue(log.Debug).Log(w.cfg.Logger)
				continue
			}
			nodes = append(nodes, Node{Addr: addr})
		}
	}
	return nodes
}

func (w *Walker) nextTarget() (krpc.ID, shared.InfoHash) {
	select {
	case ih := <-w.hints:
		var id krpc.ID
		copy(id[:], ih)
		return id, ih
	default:
		return randomID(), ""
	}
}

type contactResult struct {
	node  Node
	nodes []Node
	peers []string
	err   error
}

// Walk runs one walk: it picks a target, visits nodes breadth first from
// the closest known ones and stops when the queue is empty, the contact
// budget is spent, the walker is paused or ctx is done. In-flight contacts
// are always drained before returning.
func (w *Walker) Walk(ctx context.Context) (WalkState, error) {
	w.mu.Lock()
	switch w.state {
	case StatePaused:
		w.mu.Unlock()
		return WalkState{}, ErrPaused
	case StateWalking:
		w.mu.Unlock()
		return WalkState{}, ErrBusy
	}
	target, lookup := w.nextTarget()
	w.state = StateWalking
	w.ws = WalkState{Target: hex.EncodeToString(target[:]), Lookup: lookup != "", StartedAt: time.Now()}
	w.mu.Unlock()
	w.seen.Purge()

	queue := newContactQueue(w.cfg.MaxQueue)
	for _, n := range w.seedNodes(target, 16) {
		queue.Push(n)
	}

	results := make(chan contactResult)
	var inflight, contacted, responded int
	for {
		for contacted < w.cfg.MaxContacts && ctx.Err() == nil && w.issuing() {
			n, ok := queue.Pop()
			if !ok {
				break
			}
			release, err := w.cfg.Governor.AcquireNode(ctx)
			if err != nil {
				break
			}
			if ctx.Err() != nil || !w.issuing() {
				release()
				break
			}
			inflight++
			contacted++
			go func(n Node) {
				r := w.contact(ctx, n, target, lookup)
				release()
				results <- r
			}(n)
		}
		if inflight == 0 {
			break
		}
		r := <-results
		inflight--
		if r.err != nil {
			w.forget(r.node)
			continue
		}
		responded++
		if r.node.ID != (krpc.ID{}) {
			w.AddNode(r.node)
		}
		for _, n := range r.nodes {
			queue.Push(n)
		}
		if len(r.peers) > 0 {
			w.Emit(Discovery{InfoHash: lookup, Peers: r.peers})
		}
		w.mu.Lock()
		w.ws.NodesContacted = contacted
		w.ws.NodesResponded = responded
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.ws.NodesContacted = contacted
	w.ws.NodesResponded = responded
	w.ws.FinishedAt = time.Now()
	paused := w.state == StatePaused
	if w.state == StateWalking {
		w.state = StateIdle
	}
	ws := w.ws
	w.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		return ws, ctx.Err()
	case paused && contacted == 0:
		return ws, ErrPaused
	case responded == 0 && !paused:
		return ws, ErrStall
	}
	return ws, nil
}

func (w *Walker) forget(n Node) {
	w.mu.Lock()
	delete(w.known, n.Key())
	w.mu.Unlock()
}

func (w *Walker) contact(ctx context.Context, n Node, target krpc.ID, lookup shared.InfoHash) contactResult {
	r := contactResult{node: n}
	if lookup != "" {
		r.nodes, r.peers, r.err = w.q.GetPeers(ctx, n.Addr, lookup)
	} else {
		r.nodes, r.err = w.q.FindNode(ctx, n.Addr, target)
	}
	return r
}

type WalkerStats struct {
	Emitted    int64 `json:"emitted"`
	Dropped    int64 `json:"dropped"`
	KnownNodes int   `json:"knownNodes"`
}

func (w *Walker) Stats() WalkerStats {
	return WalkerStats{
		Emitted:    atomic.LoadInt64(&w.emitted),
		Dropped:    atomic.LoadInt64(&w.dropped),
		KnownNodes: w.KnownNodes(),
	}
}
