package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boypt/simple-spider/shared"
)

// Memory is a Store kept in a map. Mostly used by tests and for ephemeral
// runs without a data directory.
type Memory struct {
	mu sync.RWMutex
	ts map[shared.InfoHash]*shared.Torrent
}

func NewMemory() *Memory {
	return &Memory{ts: map[shared.InfoHash]*shared.Torrent{}}
}

func (m *Memory) Has(ctx context.Context, ih shared.InfoHash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ts[ih]
	return ok, nil
}

func (m *Memory) Get(ctx context.Context, ih shared.InfoHash) (*shared.Torrent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.ts[ih]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) Insert(ctx context.Context, t *shared.Torrent) (bool, error) {
	if err := validate(t); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.ts[t.InfoHash]; ok {
		if shared.MergeStats(cur, t) {
			cur.UpdatedAt = now()
		}
		return false, nil
	}
	m.ts[t.InfoHash] = prepare(t)
	return true, nil
}

func (m *Memory) Upsert(ctx context.Context, t *shared.Torrent) (bool, error) {
	if err := validate(t); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.ts[t.InfoHash]; ok {
		if shared.MergeStats(cur, t) {
			cur.UpdatedAt = now()
			return true, nil
		}
		return false, nil
	}
	m.ts[t.InfoHash] = prepare(t)
	return true, nil
}

func (m *Memory) Update(ctx context.Context, ih shared.InfoHash, fn func(*shared.Torrent) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ts[ih]
	if !ok {
		return ErrNotFound
	}
	c := cur.Clone()
	if err := fn(c); err != nil {
		return err
	}
	c.InfoHash = ih
	c.UpdatedAt = now()
	m.ts[ih] = c
	return nil
}

func (m *Memory) Delete(ctx context.Context, ihs ...shared.InfoHash) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ih := range ihs {
		if _, ok := m.ts[ih]; ok {
			delete(m.ts, ih)
			n++
		}
	}
	return n, nil
}

// snapshot copies the records out so callbacks can call back into the store.
func (m *Memory) snapshot() []*shared.Torrent {
	m.mu.RLock()
	out := make([]*shared.Torrent, 0, len(m.ts))
	for _, t := range m.ts {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()
	return out
}

func (m *Memory) Iterate(ctx context.Context, fn func(*shared.Torrent) error) error {
	all := m.snapshot()
	sort.Slice(all, func(i, j int) bool { return all[i].InfoHash < all[j].InfoHash })
	for _, t := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) ChangedSince(ctx context.Context, after Cursor, limit int) ([]*shared.Torrent, error) {
	var out []*shared.Torrent
	for _, t := range m.snapshot() {
		if after.Less(CursorOf(t)) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return CursorOf(out[i]).Less(CursorOf(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Stale(ctx context.Context, before time.Time, limit int) ([]*shared.Torrent, error) {
	var out []*shared.Torrent
	for _, t := range m.snapshot() {
		if t.LastTrackerCheck.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastTrackerCheck.Equal(out[j].LastTrackerCheck) {
			return out[i].LastTrackerCheck.Before(out[j].LastTrackerCheck)
		}
		return out[i].InfoHash < out[j].InfoHash
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ts), nil
}

func (m *Memory) Close() error {
	return nil
}
