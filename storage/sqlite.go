package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boypt/simple-spider/shared"
	_ "modernc.org/sqlite"
)

const (
	DBFileName  = "spider.db"
	iteratePage = 500
)

// SQLite is a Store backed by a single SQLite file. The pool is limited to
// one connection, so every transaction is serialised.
type SQLite struct {
	db   *sql.DB
	path string
}

const torrentColumns = `info_hash, name, size, piece_length, files, category, added_at,
	seeders, leechers, last_tracker_check, source, trackers, updated_at`

// OpenSQLite opens or creates the index database inside dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	path := filepath.Join(dir, DBFileName)
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLite{db: db, path: path}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS torrents (
		info_hash TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		piece_length INTEGER NOT NULL DEFAULT 0,
		files TEXT NOT NULL DEFAULT '[]',
		category TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		seeders INTEGER NOT NULL DEFAULT 0,
		leechers INTEGER NOT NULL DEFAULT 0,
		last_tracker_check INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		trackers TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_torrents_updated ON torrents(updated_at, info_hash);
	CREATE INDEX IF NOT EXISTS idx_torrents_checked ON torrents(last_tracker_check);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTorrent(r rowScanner) (*shared.Torrent, error) {
	var (
		t                           shared.Torrent
		ih, files, trackers         string
		category, source            string
		addedAt, checked, updatedAt int64
	)
	err := r.Scan(&ih, &t.Name, &t.Size, &t.PieceLength, &files, &category, &addedAt,
		&t.Seeders, &t.Leechers, &checked, &source, &trackers, &updatedAt)
	if err != nil {
		return nil, err
	}
	if t.InfoHash, err = shared.ParseInfoHash(ih); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &t.Files); err != nil {
		return nil, fmt.Errorf("failed to decode files of %s: %w", ih, err)
	}
	if err := json.Unmarshal([]byte(trackers), &t.Trackers); err != nil {
		return nil, fmt.Errorf("failed to decode trackers of %s: %w", ih, err)
	}
	t.Category = shared.Category(category)
	t.Source = shared.Source(source)
	t.AddedAt = fromUnixNano(addedAt)
	t.LastTrackerCheck = fromUnixNano(checked)
	t.UpdatedAt = fromUnixNano(updatedAt)
	return &t, nil
}

func encodeList(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeTorrent(ctx context.Context, x execer, t *shared.Torrent) error {
	_, err := x.ExecContext(ctx, `
	INSERT INTO torrents (`+torrentColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(info_hash) DO UPDATE SET
		name = excluded.name,
		size = excluded.size,
		piece_length = excluded.piece_length,
		files = excluded.files,
		category = excluded.category,
		seeders = excluded.seeders,
		leechers = excluded.leechers,
		last_tracker_check = excluded.last_tracker_check,
		source = excluded.source,
		trackers = excluded.trackers,
		updated_at = excluded.updated_at
	`,
		t.InfoHash.HexString(), t.Name, t.Size, t.PieceLength, encodeList(t.Files),
		string(t.Category), unixNano(t.AddedAt), t.Seeders, t.Leechers,
		unixNano(t.LastTrackerCheck), string(t.Source), encodeList(t.Trackers),
		unixNano(t.UpdatedAt))
	return err
}

func getTorrent(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, ih shared.InfoHash) (*shared.Torrent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+torrentColumns+` FROM torrents WHERE info_hash = ?`, ih.HexString())
	t, err := scanTorrent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLite) Has(ctx context.Context, ih shared.InfoHash) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM torrents WHERE info_hash = ?`, ih.HexString()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", ih, err)
	}
	return n > 0, nil
}

func (s *SQLite) Get(ctx context.Context, ih shared.InfoHash) (*shared.Torrent, error) {
	return getTorrent(ctx, s.db, ih)
}

// tx runs fn in a transaction, rolling back on error.
func (s *SQLite) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// merge creates t or folds its stats into the stored record.
func (s *SQLite) merge(ctx context.Context, t *shared.Torrent) (created, changed bool, err error) {
	if err := validate(t); err != nil {
		return false, false, err
	}
	err = s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := getTorrent(ctx, tx, t.InfoHash)
		switch {
		case errors.Is(err, ErrNotFound):
			created, changed = true, true
			return writeTorrent(ctx, tx, prepare(t))
		case err != nil:
			return err
		}
		if !shared.MergeStats(cur, t) {
			return nil
		}
		changed = true
		cur.UpdatedAt = now()
		return writeTorrent(ctx, tx, cur)
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to store %s: %w", t.InfoHash, err)
	}
	return created, changed, nil
}

func (s *SQLite) Insert(ctx context.Context, t *shared.Torrent) (bool, error) {
	created, _, err := s.merge(ctx, t)
	return created, err
}

func (s *SQLite) Upsert(ctx context.Context, t *shared.Torrent) (bool, error) {
	_, changed, err := s.merge(ctx, t)
	return changed, err
}

func (s *SQLite) Update(ctx context.Context, ih shared.InfoHash, fn func(*shared.Torrent) error) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		cur, err := getTorrent(ctx, tx, ih)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		cur.InfoHash = ih
		cur.UpdatedAt = now()
		return writeTorrent(ctx, tx, cur)
	})
}

func (s *SQLite) Delete(ctx context.Context, ihs ...shared.InfoHash) (int, error) {
	if len(ihs) == 0 {
		return 0, nil
	}
	var n int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		for _, ih := range ihs {
			res, err := tx.ExecContext(ctx, `DELETE FROM torrents WHERE info_hash = ?`, ih.HexString())
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", ih, err)
			}
			c, _ := res.RowsAffected()
			n += c
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]*shared.Torrent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*shared.Torrent
	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Iterate walks the table in InfoHash order one page at a time, so fn may
// call back into the store.
func (s *SQLite) Iterate(ctx context.Context, fn func(*shared.Torrent) error) error {
	last := ""
	for {
		page, err := s.query(ctx, `SELECT `+torrentColumns+` FROM torrents
			WHERE info_hash > ? ORDER BY info_hash LIMIT ?`, last, iteratePage)
		if err != nil {
			return fmt.Errorf("failed to iterate: %w", err)
		}
		for _, t := range page {
			if err := fn(t); err != nil {
				return err
			}
		}
		if len(page) < iteratePage {
			return nil
		}
		last = page[len(page)-1].InfoHash.HexString()
	}
}

func (s *SQLite) ChangedSince(ctx context.Context, after Cursor, limit int) ([]*shared.Torrent, error) {
	if limit <= 0 {
		limit = -1
	}
	ts := unixNano(after.UpdatedAt)
	out, err := s.query(ctx, `SELECT `+torrentColumns+` FROM torrents
		WHERE updated_at > ? OR (updated_at = ? AND info_hash > ?)
		ORDER BY updated_at, info_hash LIMIT ?`,
		ts, ts, strings.ToLower(after.InfoHash.HexString()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return out, nil
}

func (s *SQLite) Stale(ctx context.Context, before time.Time, limit int) ([]*shared.Torrent, error) {
	if limit <= 0 {
		limit = -1
	}
	out, err := s.query(ctx, `SELECT `+torrentColumns+` FROM torrents
		WHERE last_tracker_check < ?
		ORDER BY last_tracker_check, info_hash LIMIT ?`, unixNano(before), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale torrents: %w", err)
	}
	return out, nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM torrents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count torrents: %w", err)
	}
	return n, nil
}
