package tracker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boypt/simple-spider/shared"
	"github.com/boypt/simple-spider/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counts struct{ seeders, leechers int }

type fakeScraper struct {
	mu    sync.Mutex
	swarm map[string]counts
	calls []string
}

func (f *fakeScraper) Scrape(ctx context.Context, u string, ih [20]byte) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	c, ok := f.swarm[u]
	if !ok {
		return 0, 0, errors.New("connection refused")
	}
	return c.seeders, c.leechers, nil
}

func hash(i byte) shared.InfoHash {
	b := make([]byte, 20)
	b[19] = i
	return shared.InfoHash(b)
}

func TestCheckTakesHighestCounts(t *testing.T) {
	fa := &fakeScraper{swarm: map[string]counts{
		"udp://a.example:80/announce": {seeders: 3, leechers: 9},
		"http://b.example/announce":   {seeders: 7, leechers: 1},
	}}
	c := New(Config{}, fa)
	rec := &shared.Torrent{InfoHash: hash(1), Trackers: []string{
		"udp://a.example:80/announce",
		"http://b.example/announce",
		"udp://dead.example:1337/announce",
		"wss://ignored.example/announce",
	}}
	res, err := c.Check(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Seeders)
	assert.Equal(t, 9, res.Leechers)
	assert.Equal(t, 3, res.Tried)
	assert.Equal(t, 2, res.Responded)
	assert.False(t, res.CheckedAt.IsZero())
}

func TestCheckUnreachable(t *testing.T) {
	c := New(Config{}, &fakeScraper{})
	_, err := c.Check(context.Background(), &shared.Torrent{InfoHash: hash(1), Trackers: []string{"udp://x.example:1/announce"}})
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = c.Check(context.Background(), &shared.Torrent{InfoHash: hash(2)})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.EqualValues(t, 2, c.Stats().Unreachable)
}

func TestTrackersFallback(t *testing.T) {
	c := New(Config{UseDefaults: true}, &fakeScraper{})
	c.SetTrackers([]string{"http://extra.example/announce", DefaultTrackers[0]})
	got := c.Trackers(&shared.Torrent{Trackers: []string{DefaultTrackers[1]}})
	require.Len(t, got, len(DefaultTrackers)+1)
	assert.Equal(t, DefaultTrackers[1], got[0])
	assert.Equal(t, "http://extra.example/announce", got[1])
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	live := "udp://live.example:80/announce"
	fa := &fakeScraper{swarm: map[string]counts{live: {seeders: 12, leechers: 4}}}

	fresh := time.Now().UTC()
	recs := []*shared.Torrent{
		{InfoHash: hash(1), Name: "reachable", Trackers: []string{live}},
		{InfoHash: hash(2), Name: "unreachable", Trackers: []string{"udp://gone.example:80/announce"}},
		{InfoHash: hash(3), Name: "fresh", Trackers: []string{live}, Seeders: 1, LastTrackerCheck: fresh},
	}
	for _, r := range recs {
		_, err := store.Insert(ctx, r)
		require.NoError(t, err)
	}

	c := New(Config{Interval: time.Hour, Workers: 2}, fa)
	sr, err := c.Sweep(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Updated: 1, Unreachable: 1}, sr)

	got, err := store.Get(ctx, hash(1))
	require.NoError(t, err)
	assert.Equal(t, 12, got.Seeders)
	assert.Equal(t, 4, got.Leechers)
	assert.False(t, got.LastTrackerCheck.IsZero())

	got, err = store.Get(ctx, hash(2))
	require.NoError(t, err)
	assert.True(t, got.LastTrackerCheck.IsZero())

	got, err = store.Get(ctx, hash(3))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Seeders)

	// the unreachable record is retried, the refreshed one is not
	sr, err = c.Sweep(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, sr.Checked)
}

func TestLoadTrackers(t *testing.T) {
	c := New(Config{}, &fakeScraper{})
	list := "udp://one.example:80/announce\n\n  http://two.example/announce  \nnot a url\n"
	require.NoError(t, c.loadTrackers(strings.NewReader(list)))
	assert.Equal(t, 2, c.Stats().Trackers)

	err := c.UpdateTrackers(context.Background(), "http://insecure.example/list.txt")
	assert.Error(t, err)
	assert.Equal(t, 0, c.Stats().Trackers)
}
