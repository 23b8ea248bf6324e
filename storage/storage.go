package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/boypt/simple-spider/shared"
)

var ErrNotFound = errors.New("torrent not found")

// Store is the index of accepted torrents, keyed by InfoHash. Every
// mutation of a single record is atomic.
type Store interface {
	Has(ctx context.Context, ih shared.InfoHash) (bool, error)
	Get(ctx context.Context, ih shared.InfoHash) (*shared.Torrent, error)
	// Insert adds t, or merges its statistics into the existing record.
	// It reports whether a new record was created.
	Insert(ctx context.Context, t *shared.Torrent) (bool, error)
	// Upsert is Insert for records pulled from peers. It reports whether the
	// store changed.
	Upsert(ctx context.Context, t *shared.Torrent) (bool, error)
	// Update runs fn on a copy of the record and saves it when fn succeeds.
	Update(ctx context.Context, ih shared.InfoHash, fn func(*shared.Torrent) error) error
	Delete(ctx context.Context, ihs ...shared.InfoHash) (int, error)
	Iterate(ctx context.Context, fn func(*shared.Torrent) error) error
	// ChangedSince pages through records ordered by (UpdatedAt, InfoHash)
	// strictly after the cursor.
	ChangedSince(ctx context.Context, after Cursor, limit int) ([]*shared.Torrent, error)
	// Stale lists records whose tracker stats were checked before t, oldest
	// first.
	Stale(ctx context.Context, before time.Time, limit int) ([]*shared.Torrent, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Cursor is a position in the (UpdatedAt, InfoHash) order.
type Cursor struct {
	UpdatedAt time.Time
	InfoHash  shared.InfoHash
}

func CursorAt(t time.Time) Cursor {
	return Cursor{UpdatedAt: t}
}

func CursorOf(t *shared.Torrent) Cursor {
	return Cursor{UpdatedAt: t.UpdatedAt, InfoHash: t.InfoHash}
}

// Less orders records the way ChangedSince returns them.
func (c Cursor) Less(o Cursor) bool {
	if !c.UpdatedAt.Equal(o.UpdatedAt) {
		return c.UpdatedAt.Before(o.UpdatedAt)
	}
	return c.InfoHash < o.InfoHash
}

func (c Cursor) IsZero() bool {
	return c.UpdatedAt.IsZero() && c.InfoHash == ""
}

// String encodes the cursor as "<unix nanos>-<hex infohash>".
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(unixNano(c.UpdatedAt), 10) + "-" + c.InfoHash.HexString()
}

func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	ts, hexih, _ := strings.Cut(s, "-")
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	c := Cursor{UpdatedAt: fromUnixNano(n)}
	if hexih != "" {
		if c.InfoHash, err = shared.ParseInfoHash(hexih); err != nil {
			return Cursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
		}
	}
	return c, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// now is the store clock. Tests replace it.
var now = func() time.Time {
	return time.Now().UTC()
}

func validate(t *shared.Torrent) error {
	if !t.InfoHash.Valid() {
		return fmt.Errorf("invalid infohash length %d", len(t.InfoHash))
	}
	if t.Size < 0 {
		return fmt.Errorf("negative size for %s", t.InfoHash)
	}
	return nil
}

// prepare fills the defaults of a record about to be created.
func prepare(t *shared.Torrent) *shared.Torrent {
	c := t.Clone()
	if c.AddedAt.IsZero() {
		c.AddedAt = now()
	}
	if c.Source == "" {
		c.Source = shared.SourceLocal
	}
	if c.Category == "" {
		c.Category = shared.CategoryOther
	}
	c.UpdatedAt = now()
	return c
}
