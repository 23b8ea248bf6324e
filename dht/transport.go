package dht

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/boypt/simple-spider/governor"
	"github.com/boypt/simple-spider/shared"
)

var (
	ErrQueryTimeout = errors.New("dht query timed out")
	ErrClosed       = errors.New("dht transport closed")
)

const (
	defaultQueryTimeout = 5 * time.Second
	maxPacket           = 64 << 10
	clientVersion       = "SS01"
)

type TransportConfig struct {
	// Addr is the UDP address to bind, e.g. ":6881".
	Addr         string
	NodeID       krpc.ID
	Governor     *governor.Governor
	QueryTimeout time.Duration
	Logger       log.Logger
	// OnAnnounce receives every validated announce_peer.
	OnAnnounce func(ih shared.InfoHash, peer string)
	// OnGetPeers receives infohashes other nodes are looking for.
	OnGetPeers func(ih shared.InfoHash)
}

type TransportStats struct {
	Sent      int64 `json:"sent"`
	Received  int64 `json:"received"`
	Answered  int64 `json:"answered"`
	Announces int64 `json:"announces"`
	Dropped   int64 `json:"dropped"`
}

// Transport owns the UDP socket: it matches replies to outbound queries and
// answers inbound queries like a regular DHT node would.
type Transport struct {
	conn   *net.UDPConn
	id     krpc.ID
	cfg    TransportConfig
	secret [16]byte

	mu      sync.Mutex
	pending map[string]chan *Msg
	tid     uint32

	sent, received, answered, announces, dropped int64
}

// Listen binds the UDP port. Failing to bind is fatal for the crawler.
func Listen(cfg TransportConfig) (*Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dht listen address %q: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("dht listen: %w", err)
	}
	if cfg.Governor == nil {
		cfg.Governor = governor.New(0, 0)
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	t := &Transport{
		conn:    conn,
		id:      cfg.NodeID,
		cfg:     cfg,
		pending: map[string]chan *Msg{},
	}
	if t.id == (krpc.ID{}) {
		t.id = randomID()
	}
	if _, err := rand.Read(t.secret[:]); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ID() krpc.ID {
	return t.id
}

func (t *Transport) Addr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *Transport) Stats() TransportStats {
	return TransportStats{
		Sent:      atomic.LoadInt64(&t.sent),
		Received:  atomic.LoadInt64(&t.received),
		Answered:  atomic.LoadInt64(&t.answered),
		Announces: atomic.LoadInt64(&t.announces),
		Dropped:   atomic.LoadInt64(&t.dropped),
	}
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

// Serve reads datagrams until ctx is done or the transport is closed.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()
	buf := make([]byte, maxPacket)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Fmsg("dht read: %v", err).AddValue(log.Debug).Log(t.cfg.Logger)
			continue
		}
		atomic.AddInt64(&t.received, 1)
		m, err := decodeMsg(buf[:n])
		if err != nil {
			atomic.AddInt64(&t.dropped, 1)
			continue
		}
		t.handle(m, from)
	}
}

func (t *Transport) handle(m *Msg, from *net.UDPAddr) {
	switch m.Y {
	case "r", "e":
		t.mu.Lock()
		ch, ok := t.pending[m.T]
		if ok {
			delete(t.pending, m.T)
		}
		t.mu.Unlock()
		if ok {
			ch <- m
		}
	case "q":
		t.answer(m, from)
	default:
		atomic.AddInt64(&t.dropped, 1)
	}
}

func (t *Transport) token(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	h := sha1.New()
	h.Write(t.secret[:])
	h.Write(ip)
	return string(h.Sum(nil)[:8])
}

func (t *Transport) answer(m *Msg, from *net.UDPAddr) {
	if m.A == nil || len(m.A.ID) != 20 {
		atomic.AddInt64(&t.dropped, 1)
		return
	}
	a := m.A
	reply := &Msg{T: m.T, Y: "r"}
	switch m.Q {
	case "ping":
		reply.R = &Return{ID: neighbourID(a.ID, t.id)}
	case "find_node":
		reply.R = &Return{ID: neighbourID(a.Target, t.id)}
	case "get_peers":
		reply.R = &Return{ID: neighbourID(a.InfoHash, t.id), Token: t.token(from.IP)}
		if ih, err := shared.NewInfoHash([]byte(a.InfoHash)); err == nil && t.cfg.OnGetPeers != nil {
			t.cfg.OnGetPeers(ih)
		}
	case "announce_peer":
		if a.Token != t.token(from.IP) {
			reply = &Msg{T: m.T, Y: "e", E: &krpc.Error{Code: krpc.ErrorCodeProtocolError, Msg: "bad token"}}
			break
		}
		reply.R = &Return{ID: neighbourID(a.InfoHash, t.id)}
		ih, err := shared.NewInfoHash([]byte(a.InfoHash))
		if err != nil {
			break
		}
		port := a.Port
		if a.ImpliedPort != 0 || port <= 0 || port > 65535 {
			port = from.Port
		}
		atomic.AddInt64(&t.announces, 1)
		if t.cfg.OnAnnounce != nil {
			t.cfg.OnAnnounce(ih, net.JoinHostPort(from.IP.String(), strconv.Itoa(port)))
		}
	default:
		reply = &Msg{T: m.T, Y: "e", E: &krpc.Error{Code: krpc.ErrorCodeMethodUnknown, Msg: "method unknown"}}
	}
	// answering is best effort and never waits for the rate limiter
	if !t.cfg.Governor.TryAcquire() {
		atomic.AddInt64(&t.dropped, 1)
		return
	}
	if err := t.send(reply, from); err == nil {
		atomic.AddInt64(&t.answered, 1)
	}
}

func (t *Transport) send(m *Msg, to *net.UDPAddr) error {
	m.V = clientVersion
	b, err := encodeMsg(m)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(b, to)
	if err == nil {
		atomic.AddInt64(&t.sent, 1)
	}
	return err
}

func (t *Transport) nextTID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tid++
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], t.tid)
	return string(b[:])
}

// query sends q and waits for the matching reply.
func (t *Transport) query(ctx context.Context, to *net.UDPAddr, q string, args MsgArgs) (*Return, error) {
	if err := t.cfg.Governor.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	args.ID = string(t.id[:])
	tid := t.nextTID()
	ch := make(chan *Msg, 1)
	t.mu.Lock()
	t.pending[tid] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, tid)
		t.mu.Unlock()
	}()

	if err := t.send(&Msg{T: tid, Y: "q", Q: q, A: &args}, to); err != nil {
		return nil, err
	}
	timer := time.NewTimer(t.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		if m.Y == "e" {
			if m.E != nil {
				return nil, m.E
			}
			return nil, fmt.Errorf("%s: error reply", q)
		}
		if m.R == nil {
			return nil, fmt.Errorf("%s: empty reply", q)
		}
		return m.R, nil
	case <-timer.C:
		return nil, ErrQueryTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Ping(ctx context.Context, to *net.UDPAddr) (krpc.ID, error) {
	r, err := t.query(ctx, to, "ping", MsgArgs{})
	if err != nil {
		return krpc.ID{}, err
	}
	return idFromString(r.ID)
}

func (t *Transport) FindNode(ctx context.Context, to *net.UDPAddr, target krpc.ID) ([]Node, error) {
	r, err := t.query(ctx, to, "find_node", MsgArgs{Target: string(target[:])})
	if err != nil {
		return nil, err
	}
	return decodeNodes(r.Nodes), nil
}

// GetPeers returns closer nodes and any peers the node knows for ih.
func (t *Transport) GetPeers(ctx context.Context, to *net.UDPAddr, ih shared.InfoHash) ([]Node, []string, error) {
	h := ih.V1()
	r, err := t.query(ctx, to, "get_peers", MsgArgs{InfoHash: string(h[:])})
	if err != nil {
		return nil, nil, err
	}
	var peers []string
	for _, v := range r.Values {
		if p, ok := decodePeer(v); ok {
			peers = append(peers, p)
		}
	}
	return decodeNodes(r.Nodes), peers, nil
}

// AnnouncePeer tells a node we hold ih. Used by tests and by seeding peers.
func (t *Transport) AnnouncePeer(ctx context.Context, to *net.UDPAddr, ih shared.InfoHash, port int, token string) error {
	h := ih.V1()
	_, err := t.query(ctx, to, "announce_peer", MsgArgs{InfoHash: string(h[:]), Port: port, Token: token})
	return err
}

// Token asks a node for an announce token via get_peers.
func (t *Transport) Token(ctx context.Context, to *net.UDPAddr, ih shared.InfoHash) (string, error) {
	h := ih.V1()
	r, err := t.query(ctx, to, "get_peers", MsgArgs{InfoHash: string(h[:])})
	if err != nil {
		return "", err
	}
	return r.Token, nil
}
