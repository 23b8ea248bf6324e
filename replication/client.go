package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boypt/simple-spider/filter"
	"github.com/boypt/simple-spider/shared"
	"github.com/boypt/simple-spider/storage"
)

var log = stdlog.New(os.Stdout, "[replication]", stdlog.LstdFlags|stdlog.Lmsgprefix)

// Peer is the sync state of one remote instance. It lives in memory only.
type Peer struct {
	Address              string    `json:"address"`
	LastSyncedAt         time.Time `json:"lastSyncedAt"`
	Cursor               string    `json:"cursor"`
	LastKnownRecordCount int       `json:"lastKnownRecordCount"`
	LastError            string    `json:"lastError,omitempty"`
	LastAttempt          time.Time `json:"lastAttempt"`
	Failures             int       `json:"failures"`
}

type ClientConfig struct {
	HTTPClient *http.Client
	// Auth is "user:pass" sent as basic auth.
	Auth      string
	BatchSize int
	// MaxBatches bounds the pages pulled from one peer per sync.
	MaxBatches int
	// MaxPeers bounds the peer list grown by peer exchange.
	MaxPeers int
	// Self is skipped when offered by peer exchange.
	Self string
}

// SyncResult counts what one sync pulled.
type SyncResult struct {
	Batches  int `json:"batches"`
	Received int `json:"received"`
	Applied  int `json:"applied"`
	Rejected int `json:"rejected"`
}

func (r *SyncResult) add(o SyncResult) {
	r.Batches += o.Batches
	r.Received += o.Received
	r.Applied += o.Applied
	r.Rejected += o.Rejected
}

// Client pulls changes from peers into the local store. Every record
// passes the local rules before it is stored.
type Client struct {
	cfg   ClientConfig
	store storage.Store
	rules func() *filter.Rules

	// OnRecord, when set, is called for every record that changed the store.
	OnRecord func(t *shared.Torrent)

	mu    sync.Mutex
	peers map[string]*Peer
	busy  map[string]bool
}

func NewClient(store storage.Store, rules func() *filter.Rules, cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatch
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 50
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 32
	}
	if rules == nil {
		rules = filter.AcceptAll
	}
	return &Client{
		cfg:   cfg,
		store: store,
		rules: rules,
		peers: map[string]*Peer{},
		busy:  map[string]bool{},
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimSuffix(addr, "/")
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return ""
	}
	return addr
}

// AddPeer registers a peer. It reports false for invalid or known
// addresses and when the peer list is full.
func (c *Client) AddPeer(addr string) bool {
	addr = normalizeAddress(addr)
	if addr == "" || addr == normalizeAddress(c.cfg.Self) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.peers[addr]; ok || len(c.peers) >= c.cfg.MaxPeers {
		return false
	}
	c.peers[addr] = &Peer{Address: addr}
	return true
}

// Peers returns a copy of the peer states, sorted by address.
func (c *Client) Peers() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Addresses lists the known peers, for peer exchange.
func (c *Client) Addresses() []string {
	var out []string
	for _, p := range c.Peers() {
		out = append(out, p.Address)
	}
	return out
}

// SyncAll syncs every known peer in turn. Peers that fail are skipped and
// keep their resume point. It returns the last peer error.
func (c *Client) SyncAll(ctx context.Context) (SyncResult, error) {
	var total SyncResult
	var lastErr error
	for _, addr := range c.Addresses() {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := c.SyncPeer(ctx, addr)
		total.add(res)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return total, err
			}
			log.Printf("sync %s: %v", addr, err)
			lastErr = err
		}
	}
	return total, lastErr
}

// SyncPeer pulls all changes of one peer since its resume point.
func (c *Client) SyncPeer(ctx context.Context, addr string) (SyncResult, error) {
	var res SyncResult
	addr = normalizeAddress(addr)
	c.mu.Lock()
	p, ok := c.peers[addr]
	if !ok {
		c.mu.Unlock()
		return res, fmt.Errorf("unknown peer %q", addr)
	}
	if c.busy[addr] {
		c.mu.Unlock()
		return res, nil
	}
	c.busy[addr] = true
	p.LastAttempt = time.Now()
	resume := p.Cursor
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.busy, addr)
		c.mu.Unlock()
	}()

	err := c.sync(ctx, addr, resume, &res)
	c.mu.Lock()
	if err != nil {
		p.Failures++
		p.LastError = err.Error()
	} else {
		p.Failures = 0
		p.LastError = ""
	}
	c.mu.Unlock()
	if err != nil {
		return res, err
	}
	c.exchangePeers(ctx, addr)
	return res, nil
}

func (c *Client) sync(ctx context.Context, addr, resume string, res *SyncResult) error {
	var info Info
	if err := c.getJSON(ctx, addr+"/info", &info); err != nil {
		return err
	}
	c.setPeer(addr, func(p *Peer) { p.LastKnownRecordCount = info.Count })

	after, err := storage.ParseCursor(resume)
	if err != nil {
		return err
	}
	for i := 0; i < c.cfg.MaxBatches; i++ {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(c.cfg.BatchSize))
		if !after.IsZero() {
			q.Set("cursor", after.String())
		}
		b, next, err := c.fetchBatch(ctx, addr+"/changes?"+q.Encode(), after)
		if err != nil {
			return err
		}
		if err := c.apply(ctx, b, res); err != nil {
			return err
		}
		after = next
		c.setPeer(addr, func(p *Peer) {
			p.Cursor = next.String()
			p.LastSyncedAt = time.Now()
			p.LastKnownRecordCount = b.Count
		})
		if !b.More {
			break
		}
	}
	return nil
}

func (c *Client) setPeer(addr string, fn func(*Peer)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[addr]; ok {
		fn(p)
	}
}

// apply evaluates and stores a validated batch.
func (c *Client) apply(ctx context.Context, b *Batch, res *SyncResult) error {
	res.Batches++
	rules := c.rules()
	for _, in := range b.Records {
		res.Received++
		t := in.Clone()
		t.Source = shared.SourceReplicated
		// the peer's label is not trusted, local rules see the local detection
		t.Category = filter.DetectCategory(t.Name, t.Files)
		if d := rules.Evaluate(t); !d.Accepted {
			res.Rejected++
			continue
		}
		changed, err := c.store.Upsert(ctx, t)
		if err != nil {
			return fmt.Errorf("store %s: %w", t.InfoHash, err)
		}
		if changed {
			res.Applied++
			if c.OnRecord != nil {
				c.OnRecord(t)
			}
		}
	}
	return nil
}

func (c *Client) exchangePeers(ctx context.Context, addr string) {
	var l peerList
	if err := c.getJSON(ctx, addr+"/peers", &l); err != nil {
		return
	}
	for _, a := range l.Peers {
		if c.AddPeer(a) {
			log.Printf("peer %s learned from %s", normalizeAddress(a), addr)
		}
	}
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if user, pass, ok := strings.Cut(c.cfg.Auth, ":"); ok {
		req.SetBasicAuth(user, pass)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", u, resp.Status)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) fetchBatch(ctx context.Context, u string, after storage.Cursor) (*Batch, storage.Cursor, error) {
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, after, err
	}
	defer resp.Body.Close()
	return decodeBatch(resp.Body, after)
}
