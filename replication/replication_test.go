package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boypt/simple-spider/filter"
	"github.com/boypt/simple-spider/shared"
	"github.com/boypt/simple-spider/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHash(i int) shared.InfoHash {
	b := make([]byte, 20)
	b[18], b[19] = byte(i>>8), byte(i)
	return shared.InfoHash(b)
}

func record(i int, size int64) *shared.Torrent {
	return &shared.Torrent{
		InfoHash: testHash(i),
		Name:     fmt.Sprintf("record %d", i),
		Size:     size,
		Files:    []shared.File{{Path: fmt.Sprintf("record %d.mkv", i), Size: size}},
		Category: shared.CategoryVideo,
	}
}

func remote(t *testing.T, n int, size func(i int) int64) (*storage.Memory, *httptest.Server) {
	t.Helper()
	store := storage.NewMemory()
	for i := 0; i < n; i++ {
		_, err := store.Insert(context.Background(), record(i, size(i)))
		require.NoError(t, err)
	}
	srv := httptest.NewServer(NewServer(store, "test", nil))
	t.Cleanup(srv.Close)
	return store, srv
}

func constSize(int) int64 { return 1 << 20 }

func TestSyncPeer(t *testing.T) {
	ctx := context.Background()
	_, srv := remote(t, 25, constSize)
	local := storage.NewMemory()
	c := NewClient(local, nil, ClientConfig{BatchSize: 10})
	require.True(t, c.AddPeer(srv.URL))
	require.False(t, c.AddPeer(srv.URL+"/"))

	res, err := c.SyncPeer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Batches: 3, Received: 25, Applied: 25}, res)

	n, err := local.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	got, err := local.Get(ctx, testHash(3))
	require.NoError(t, err)
	assert.Equal(t, shared.SourceReplicated, got.Source)

	peers := c.Peers()
	require.Len(t, peers, 1)
	assert.NotEmpty(t, peers[0].Cursor)
	assert.False(t, peers[0].LastSyncedAt.IsZero())
	assert.Equal(t, 25, peers[0].LastKnownRecordCount)

	// resumes from the cursor
	res, err = c.SyncPeer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Received)
}

func TestSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	_, srv := remote(t, 5, constSize)
	local := storage.NewMemory()
	for i := 0; i < 2; i++ {
		c := NewClient(local, nil, ClientConfig{})
		c.AddPeer(srv.URL)
		res, err := c.SyncAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, res.Received)
		if i == 0 {
			assert.Equal(t, 5, res.Applied)
		} else {
			assert.Equal(t, 0, res.Applied)
		}
	}
	n, err := local.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSyncAppliesLocalRules(t *testing.T) {
	ctx := context.Background()
	_, srv := remote(t, 10, func(i int) int64 {
		if i%2 == 0 {
			return 10
		}
		return 1 << 30
	})
	rules, err := filter.NewRules(filter.Config{MinSize: 1 << 20})
	require.NoError(t, err)
	local := storage.NewMemory()
	c := NewClient(local, func() *filter.Rules { return rules }, ClientConfig{})
	c.AddPeer(srv.URL)

	res, err := c.SyncPeer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Rejected)
	assert.Equal(t, 5, res.Applied)
	ok, err := local.Has(ctx, testHash(0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncDetectsCategoryLocally(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	lying := &shared.Torrent{
		InfoHash: testHash(1),
		Name:     "setup",
		Size:     4096,
		Files:    []shared.File{{Path: "setup.exe", Size: 4096}},
		Category: shared.CategoryVideo,
	}
	honest := record(2, 1<<20)
	for _, r := range []*shared.Torrent{lying, honest} {
		_, err := store.Insert(ctx, r)
		require.NoError(t, err)
	}
	srv := httptest.NewServer(NewServer(store, "test", nil))
	defer srv.Close()

	rules, err := filter.NewRules(filter.Config{Categories: []shared.Category{shared.CategoryVideo}})
	require.NoError(t, err)
	local := storage.NewMemory()
	c := NewClient(local, func() *filter.Rules { return rules }, ClientConfig{})
	c.AddPeer(srv.URL)

	res, err := c.SyncPeer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Rejected)
	ok, err := local.Has(ctx, lying.InfoHash)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := local.Get(ctx, honest.InfoHash)
	require.NoError(t, err)
	assert.Equal(t, shared.CategoryVideo, got.Category)
}

func TestMalformedBatchRejected(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	good := record(1, 100)
	good.UpdatedAt = base
	bad := record(2, 100)
	bad.UpdatedAt = base.Add(time.Second)
	bad.Files[0].Size = 99
	late := record(3, 100)
	late.UpdatedAt = base.Add(time.Minute)

	cases := map[string]func() any{
		"file sum": func() any {
			return Batch{Records: []*shared.Torrent{good, bad}, Cursor: storage.CursorOf(bad).String()}
		},
		"schema": func() any {
			return map[string]any{"records": []any{map[string]any{"infoHash": "zz", "name": "x", "size": -1, "files": nil}}, "cursor": "", "more": false}
		},
		"order": func() any {
			return Batch{Records: []*shared.Torrent{late, good}, Cursor: storage.CursorOf(good).String()}
		},
		"not json": func() any { return "{" },
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, Info{Count: 2}) })
			mux.HandleFunc("/changes", func(w http.ResponseWriter, r *http.Request) {
				if s, ok := body().(string); ok {
					fmt.Fprint(w, s)
					return
				}
				writeJSON(w, body())
			})
			srv := httptest.NewServer(mux)
			defer srv.Close()

			local := storage.NewMemory()
			c := NewClient(local, nil, ClientConfig{})
			c.AddPeer(srv.URL)
			_, err := c.SyncPeer(context.Background(), srv.URL)
			assert.ErrorIs(t, err, ErrMalformedBatch)
			n, _ := local.Count(context.Background())
			assert.Equal(t, 0, n)
			p := c.Peers()[0]
			assert.Empty(t, p.Cursor)
			assert.Equal(t, 1, p.Failures)
			assert.NotEmpty(t, p.LastError)
		})
	}
}

func TestUnreachablePeerKeepsResumePoint(t *testing.T) {
	ctx := context.Background()
	_, srv := remote(t, 3, constSize)
	c := NewClient(storage.NewMemory(), nil, ClientConfig{})
	c.AddPeer(srv.URL)
	_, err := c.SyncPeer(ctx, srv.URL)
	require.NoError(t, err)
	before := c.Peers()[0]

	srv.Close()
	_, err = c.SyncAll(ctx)
	assert.Error(t, err)
	after := c.Peers()[0]
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, before.LastSyncedAt, after.LastSyncedAt)
	assert.Equal(t, 1, after.Failures)
}

func TestPeerExchange(t *testing.T) {
	store := storage.NewMemory()
	srv := httptest.NewServer(NewServer(store, "test", func() []string {
		return []string{"10.0.0.2:3001", "self.example:3000", "10.0.0.2:3001", "10.0.0.3:3001"}
	}))
	defer srv.Close()

	c := NewClient(storage.NewMemory(), nil, ClientConfig{Self: "self.example:3000", MaxPeers: 2})
	c.AddPeer(srv.URL)
	_, err := c.SyncPeer(context.Background(), srv.URL)
	require.NoError(t, err)
	addrs := c.Addresses()
	assert.Len(t, addrs, 2)
	assert.Contains(t, addrs, "http://10.0.0.2:3001")
}

func TestServerChanges(t *testing.T) {
	_, srv := remote(t, 7, constSize)
	get := func(q string) (*http.Response, Batch) {
		resp, err := http.Get(srv.URL + "/changes?" + q)
		require.NoError(t, err)
		defer resp.Body.Close()
		var b Batch
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&b))
		}
		return resp, b
	}

	resp, b := get("limit=4")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, b.Records, 4)
	assert.True(t, b.More)
	assert.Equal(t, 7, b.Count)

	_, b2 := get("limit=4&cursor=" + b.Cursor)
	assert.Len(t, b2.Records, 3)
	assert.False(t, b2.More)

	_, all := get("since=0")
	assert.Len(t, all.Records, 7)

	resp, _ = get("cursor=nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = get("limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(srv.URL+"/changes", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
