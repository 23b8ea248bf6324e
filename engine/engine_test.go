package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/boypt/simple-spider/dht"
	"github.com/boypt/simple-spider/filter"
	"github.com/boypt/simple-spider/metadata"
	"github.com/boypt/simple-spider/shared"
	"github.com/boypt/simple-spider/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func testHash(i int) shared.InfoHash {
	b := make([]byte, 20)
	b[0] = 0xab
	b[18], b[19] = byte(i>>8), byte(i)
	return shared.InfoHash(b)
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[shared.InfoHash]int
	sizes   map[shared.InfoHash]int64
	gate    chan struct{}
	started chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[shared.InfoHash]int{}, sizes: map[shared.InfoHash]int64{}}
}

func (f *fakeFetcher) set(ih shared.InfoHash, size int64) {
	f.mu.Lock()
	f.sizes[ih] = size
	f.mu.Unlock()
}

func (f *fakeFetcher) count(ih shared.InfoHash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ih]
}

func (f *fakeFetcher) Fetch(ctx context.Context, ih shared.InfoHash, peers []string) (*shared.Torrent, error) {
	f.mu.Lock()
	f.calls[ih]++
	size, ok := f.sizes[ih]
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return &shared.Torrent{
		InfoHash: ih,
		Name:     fmt.Sprintf("movie %s", ih.HexString()[:8]),
		Size:     size,
		Files:    []shared.File{{Path: "movie.mkv", Size: size}},
		Category: shared.CategoryVideo,
	}, nil
}

type idleQuerier struct{}

func (idleQuerier) FindNode(ctx context.Context, to *net.UDPAddr, target krpc.ID) ([]dht.Node, error) {
	return nil, errors.New("offline")
}

func (idleQuerier) GetPeers(ctx context.Context, to *net.UDPAddr, ih shared.InfoHash) ([]dht.Node, []string, error) {
	return nil, nil, errors.New("offline")
}

// newTestEngine returns an engine wired to in-memory parts, without a
// socket.
func newTestEngine(t *testing.T, f Fetcher) (*Engine, *components) {
	t.Helper()
	e := New("test")
	e.store = storage.NewMemory()
	comp := &components{
		walker:   dht.NewWalker(idleQuerier{}, dht.WalkerConfig{Bootstrap: []string{}}),
		fetcher:  f,
		fetchSem: semaphore.NewWeighted(4),
	}
	return e, comp
}

func peerDiscovery(ih shared.InfoHash) discovery {
	return discovery{Discovery: dht.Discovery{InfoHash: ih, Peers: []string{"127.0.0.1:6881"}}}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	e, comp := newTestEngine(t, f)
	require.NoError(t, e.SetFilter(filter.Config{MinSize: 1 << 20}))

	big, small, missing := testHash(1), testHash(2), testHash(3)
	f.set(big, 1<<30)
	f.set(small, 10)

	e.dispatch(ctx, comp, peerDiscovery(big))
	e.dispatch(ctx, comp, peerDiscovery(small))
	e.dispatch(ctx, comp, peerDiscovery(missing))
	e.wg.Wait()

	ok, err := e.store.Has(ctx, big)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.store.Has(ctx, small)
	require.NoError(t, err)
	assert.False(t, ok)

	c := e.counters()
	assert.EqualValues(t, 3, c.Discovered)
	assert.EqualValues(t, 2, c.Fetched)
	assert.EqualValues(t, 1, c.FetchFailed)
	assert.EqualValues(t, 1, c.Accepted)
	assert.EqualValues(t, 1, c.Rejected)
	assert.EqualValues(t, 1, c.Stored)
	assert.EqualValues(t, 0, c.InFlight)

	kinds := map[EventKind]int{}
	for _, ev := range e.events.list() {
		kinds[ev.Kind]++
		if ev.Kind == EventRejected {
			assert.Equal(t, string(filter.ReasonSize), ev.Detail)
		}
	}
	assert.Equal(t, 1, kinds[EventStored])
	assert.Equal(t, 1, kinds[EventFetchFailed])

	// announced again: dropped by the recent set
	e.dispatch(ctx, comp, peerDiscovery(big))
	e.wg.Wait()
	assert.Equal(t, 1, f.count(big))
	assert.EqualValues(t, 1, e.counters().Known)
}

func TestDispatchKnownRecordMergesTrackers(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	e, comp := newTestEngine(t, f)
	ih := testHash(1)
	_, err := e.store.Insert(ctx, &shared.Torrent{InfoHash: ih, Name: "stored", Size: 1})
	require.NoError(t, err)

	d := peerDiscovery(ih)
	d.force = true
	d.Trackers = []string{"udp://tracker.example:80/announce"}
	e.dispatch(ctx, comp, d)
	e.wg.Wait()

	assert.Equal(t, 0, f.count(ih))
	got, err := e.store.Get(ctx, ih)
	require.NoError(t, err)
	assert.Equal(t, []string{"udp://tracker.example:80/announce"}, got.Trackers)
}

func TestDispatchWithoutPeersHintsWalker(t *testing.T) {
	f := newFakeFetcher()
	e, comp := newTestEngine(t, f)
	ih := testHash(9)
	e.dispatch(context.Background(), comp, discovery{Discovery: dht.Discovery{InfoHash: ih}, force: true})
	e.wg.Wait()
	assert.Equal(t, 0, f.count(ih))

	ws, err := comp.walker.Walk(context.Background())
	assert.ErrorIs(t, err, dht.ErrStall)
	assert.True(t, ws.Lookup)
	assert.Equal(t, ih.HexString(), ws.Target)
}

func TestDispatchSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 4)
	e, comp := newTestEngine(t, f)
	ih := testHash(7)
	f.set(ih, 1<<20)

	d := peerDiscovery(ih)
	d.force = true
	e.dispatch(ctx, comp, d)
	<-f.started
	e.dispatch(ctx, comp, d)
	time.Sleep(100 * time.Millisecond)
	close(f.gate)
	e.wg.Wait()

	assert.Equal(t, 1, f.count(ih))
	assert.EqualValues(t, 1, e.counters().Stored)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, newFakeFetcher())
	for i := 0; i < 10; i++ {
		size := int64(1 << 30)
		if i < 4 {
			size = 100
		}
		_, err := e.store.Insert(ctx, &shared.Torrent{InfoHash: testHash(i), Name: "r", Size: size})
		require.NoError(t, err)
	}
	require.NoError(t, e.SetFilter(filter.Config{MinSize: 1 << 20}))

	rep, err := e.Cleanup(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Found)
	n, _ := e.store.Count(ctx)
	assert.Equal(t, 10, n)

	rep, err = e.Cleanup(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Deleted)
	n, _ = e.store.Count(ctx)
	assert.Equal(t, 6, n)
}

func TestSetFilterInvalidKeepsRules(t *testing.T) {
	e := New("test")
	require.NoError(t, e.SetFilter(filter.Config{MaxFiles: 3}))
	assert.Error(t, e.SetFilter(filter.Config{NameRegexDeny: "(["}))
	assert.Equal(t, 3, e.Rules().Config().MaxFiles)
}

func testConfig() Config {
	c := DefaultConfig()
	c.DHTPort = 0
	c.TrackersEnabled = false
	c.WalkInterval = 50 * time.Millisecond
	return c
}

func startedEngine(t *testing.T, f Fetcher) *Engine {
	t.Helper()
	e := New("test")
	e.store = storage.NewMemory()
	e.bootstrap = []string{}
	e.fetcher = f
	require.NoError(t, e.Configure(testConfig()))
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Stop() })
	return e
}

func TestLifecycle(t *testing.T) {
	e := startedEngine(t, newFakeFetcher())
	assert.Equal(t, StateRunning, e.State())
	assert.ErrorIs(t, e.Start(), ErrRunning)

	require.NoError(t, e.Pause())
	assert.Equal(t, StatePaused, e.State())
	require.NoError(t, e.Pause())
	st := e.Status(context.Background())
	assert.Equal(t, "paused", st.State)
	assert.Equal(t, dht.StatePaused.String(), st.WalkerState)

	require.NoError(t, e.Resume())
	assert.Equal(t, StateRunning, e.State())

	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.State())
	assert.ErrorIs(t, e.Pause(), ErrNotRunning)
	assert.ErrorIs(t, e.Discover(testHash(1), nil, nil), ErrNotRunning)
	require.NoError(t, e.Stop())
}

func TestStartWithoutDHT(t *testing.T) {
	pc, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err)
	defer pc.Close()

	f := newFakeFetcher()
	ih := testHash(9)
	f.set(ih, 1<<30)
	e := New("test")
	e.store = storage.NewMemory()
	e.fetcher = f
	c := testConfig()
	c.DHTPort = pc.LocalAddr().(*net.UDPAddr).Port
	c.ReplicationClient = true
	require.NoError(t, e.Configure(c))
	require.NoError(t, e.Start())
	defer e.Stop()

	assert.Equal(t, StateRunning, e.State())
	st := e.Status(context.Background())
	assert.Contains(t, st.LastError, "dht disabled")
	assert.Equal(t, StateStopped.String(), st.WalkerState)

	rec := httptest.NewRecorder()
	e.ReplicationHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/info", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// discoveries with peers are still fetched
	require.NoError(t, e.DiscoverMagnet("magnet:?xt=urn:btih:"+ih.HexString()+"&x.pe=127.0.0.1:51413"))
	require.Eventually(t, func() bool {
		ok, _ := e.store.Has(context.Background(), ih)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Pause())
	require.NoError(t, e.Resume())
	require.NoError(t, e.Stop())
	assert.Equal(t, StateStopped, e.State())
}

func TestDiscoverMagnet(t *testing.T) {
	f := newFakeFetcher()
	ih := testHash(5)
	f.set(ih, 1<<30)
	e := startedEngine(t, f)

	uri := "magnet:?xt=urn:btih:" + ih.HexString() + "&x.pe=127.0.0.1:51413&tr=udp%3A%2F%2Ftracker.example%3A80%2Fannounce"
	require.NoError(t, e.DiscoverMagnet(uri))
	require.Eventually(t, func() bool {
		ok, _ := e.store.Has(context.Background(), ih)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	got, err := e.store.Get(context.Background(), ih)
	require.NoError(t, err)
	assert.Equal(t, []string{"udp://tracker.example:80/announce"}, got.Trackers)
	assert.Error(t, e.Discover(shared.InfoHash("short"), nil, nil))
}

func TestReplicationHandler(t *testing.T) {
	e := New("test")
	srv := httptest.NewServer(e.ReplicationHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/info")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStallBackoff(t *testing.T) {
	tests := []struct {
		stalls int
		want   time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{3, 40 * time.Second},
		{20, maxStallBackoff},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stallBackoff(5*time.Second, tt.stalls), "stalls=%d", tt.stalls)
	}
}

func TestEventRing(t *testing.T) {
	r := newEventRing(3)
	assert.Empty(t, r.list())
	for i := 0; i < 5; i++ {
		r.add(Event{Kind: EventStored, Detail: fmt.Sprint(i)})
	}
	got := r.list()
	require.Len(t, got, 3)
	assert.Equal(t, "4", got[0].Detail)
	assert.Equal(t, "2", got[2].Detail)
}
