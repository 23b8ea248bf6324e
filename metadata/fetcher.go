package metadata

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent/bencode"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/boypt/simple-spider/governor"
	"github.com/boypt/simple-spider/shared"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound means no candidate peer delivered valid metadata.
	ErrNotFound = errors.New("metadata not found")
	// ErrTimeout means the overall fetch deadline passed first.
	ErrTimeout = errors.New("metadata fetch timed out")
)

type Config struct {
	Governor *governor.Governor
	// FanOut bounds the peers contacted at once for one infohash.
	FanOut int
	// MaxPeers bounds the candidates tried per fetch.
	MaxPeers        int
	Timeout         time.Duration
	DialTimeout     time.Duration
	MaxMetadataSize int
	PeerID          [20]byte
}

func (c *Config) setDefaults() {
	if c.Governor == nil {
		c.Governor = governor.New(0, 0)
	}
	if c.FanOut <= 0 {
		c.FanOut = 8
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.MaxMetadataSize <= 0 {
		c.MaxMetadataSize = 10 << 20
	}
	if c.PeerID == ([20]byte{}) {
		copy(c.PeerID[:], "-SS0001-")
		rand.Read(c.PeerID[8:])
	}
}

type Stats struct {
	Fetched    int64 `json:"fetched"`
	NotFound   int64 `json:"notFound"`
	Timeouts   int64 `json:"timeouts"`
	Mismatches int64 `json:"mismatches"`
	PeerErrors int64 `json:"peerErrors"`
}

// Fetcher retrieves and verifies torrent metadata from peers over the
// BitTorrent extension protocol.
type Fetcher struct {
	cfg        Config
	unreliable *lru.Cache

	fetched, notFound, timeouts, mismatches, peerErrors int64
}

func New(cfg Config) *Fetcher {
	cfg.setDefaults()
	unreliable, err := lru.New(4096)
	if err != nil {
		panic(err)
	}
	return &Fetcher{cfg: cfg, unreliable: unreliable}
}

func (f *Fetcher) Stats() Stats {
	return Stats{
		Fetched:    atomic.LoadInt64(&f.fetched),
		NotFound:   atomic.LoadInt64(&f.notFound),
		Timeouts:   atomic.LoadInt64(&f.timeouts),
		Mismatches: atomic.LoadInt64(&f.mismatches),
		PeerErrors: atomic.LoadInt64(&f.peerErrors),
	}
}

// Unreliable reports whether a peer served bad metadata recently.
func (f *Fetcher) Unreliable(peer string) bool {
	return f.unreliable.Contains(peer)
}

// candidates dedupes peers and moves unreliable ones to the back.
func (f *Fetcher) candidates(peers []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return !f.unreliable.Contains(out[i]) && f.unreliable.Contains(out[j])
	})
	if len(out) > f.cfg.MaxPeers {
		out = out[:f.cfg.MaxPeers]
	}
	return out
}

// Fetch contacts up to FanOut peers at once and returns the first draft
// whose metadata hashes to ih. The other sessions are cancelled.
func (f *Fetcher) Fetch(ctx context.Context, ih shared.InfoHash, peers []string) (*shared.Torrent, error) {
	if !ih.Valid() {
		return nil, fmt.Errorf("invalid infohash length %d", len(ih))
	}
	cands := f.candidates(peers)
	if len(cands) == 0 {
		atomic.AddInt64(&f.notFound, 1)
		return nil, ErrNotFound
	}

	tctx, cancelTimeout := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancelTimeout()
	wctx, cancel := context.WithCancel(tctx)
	defer cancel()

	var (
		once   sync.Once
		result *shared.Torrent
	)
	g, gctx := errgroup.WithContext(wctx)
	g.SetLimit(f.cfg.FanOut)
	for _, peer := range cands {
		if gctx.Err() != nil {
			break
		}
		peer := peer
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			raw, err := f.fetchFrom(gctx, ih, peer)
			if err != nil {
				if errors.Is(err, errHashMismatch) {
					atomic.AddInt64(&f.mismatches, 1)
					f.unreliable.Add(peer, struct{}{})
				} else if gctx.Err() == nil {
					atomic.AddInt64(&f.peerErrors, 1)
				}
				return nil
			}
			t, err := parseInfo(ih, raw)
			if err != nil {
				atomic.AddInt64(&f.peerErrors, 1)
				return nil
			}
			once.Do(func() {
				result = t
				cancel()
			})
			return nil
		})
	}
	g.Wait()

	switch {
	case result != nil:
		atomic.AddInt64(&f.fetched, 1)
		return result, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		atomic.AddInt64(&f.timeouts, 1)
		return nil, ErrTimeout
	}
	atomic.AddInt64(&f.notFound, 1)
	return nil, ErrNotFound
}

// fetchFrom runs one metadata session with a single peer and returns the
// verified info dictionary.
func (f *Fetcher) fetchFrom(ctx context.Context, ih shared.InfoHash, peer string) ([]byte, error) {
	if err := f.cfg.Governor.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: f.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	r := bufio.NewReader(conn)
	h := ih.V1()
	if _, err := conn.Write(handshakeBytes(h, f.cfg.PeerID)); err != nil {
		return nil, err
	}
	if err := readHandshake(r, h); err != nil {
		return nil, err
	}
	hs, err := localHandshake()
	if err != nil {
		return nil, err
	}
	if err := f.send(ctx, conn, hs); err != nil {
		return nil, err
	}

	var (
		remoteID int
		buf      []byte
		got      []bool
		left     int
	)
	for {
		msg, err := readMessage(r)
		if err != nil {
			return nil, err
		}
		// keepalive or not an extended message
		if len(msg) < 2 || pp.MessageType(msg[0]) != pp.Extended {
			continue
		}
		switch int(msg[1]) {
		case handshakeID:
			var eh extHandshake
			if err := bencode.Unmarshal(msg[2:], &eh); err != nil {
				return nil, err
			}
			remoteID = eh.M["ut_metadata"]
			if remoteID <= 0 {
				return nil, errNoMetadata
			}
			if eh.MetadataSize <= 0 || eh.MetadataSize > f.cfg.MaxMetadataSize {
				return nil, fmt.Errorf("refusing metadata size %d", eh.MetadataSize)
			}
			buf = make([]byte, eh.MetadataSize)
			pieces := (eh.MetadataSize + pieceSize - 1) / pieceSize
			got = make([]bool, pieces)
			left = pieces
			for i := 0; i < pieces; i++ {
				req, err := extendedMessage(remoteID, metadataMsg{MsgType: msgRequest, Piece: i}, nil)
				if err != nil {
					return nil, err
				}
				if err := f.send(ctx, conn, req); err != nil {
					return nil, err
				}
			}
		case localMetadataID:
			if buf == nil {
				continue
			}
			m, data, err := splitDataMessage(msg[2:])
			if err != nil {
				return nil, err
			}
			switch m.MsgType {
			case msgReject:
				return nil, errRejected
			case msgData:
			default:
				continue
			}
			if m.Piece < 0 || m.Piece >= len(got) || got[m.Piece] {
				continue
			}
			off := m.Piece * pieceSize
			if off+len(data) > len(buf) || (m.Piece < len(got)-1 && len(data) != pieceSize) {
				return nil, fmt.Errorf("bad length %d for piece %d", len(data), m.Piece)
			}
			copy(buf[off:], data)
			got[m.Piece] = true
			left--
			if left == 0 {
				if !verify(ih, buf) {
					return nil, errHashMismatch
				}
				return buf, nil
			}
		}
	}
}

func (f *Fetcher) send(ctx context.Context, conn net.Conn, b []byte) error {
	if err := f.cfg.Governor.Acquire(ctx, 1); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}
