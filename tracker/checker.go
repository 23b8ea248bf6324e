package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boypt/simple-spider/governor"
	"github.com/boypt/simple-spider/shared"
	"golang.org/x/sync/errgroup"
)

// ErrUnreachable means no tracker answered for a record.
var ErrUnreachable = errors.New("no tracker reachable")

var DefaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.tiny-vps.com:6969/announce",
	"udp://tracker.moeking.me:6969/announce",
	"udp://opentracker.i2p.rocks:6969/announce",
}

var log = stdlog.New(os.Stdout, "[tracker]", stdlog.LstdFlags|stdlog.Lmsgprefix)

// Index is the part of the store the sweep needs.
type Index interface {
	Stale(ctx context.Context, before time.Time, limit int) ([]*shared.Torrent, error)
	Update(ctx context.Context, ih shared.InfoHash, fn func(*shared.Torrent) error) error
}

type Config struct {
	Governor *governor.Governor
	// Timeout bounds one scrape.
	Timeout time.Duration
	// Interval is how old stats may get before a sweep refreshes them.
	Interval    time.Duration
	BatchSize   int
	Workers     int
	UseDefaults bool
}

func (c *Config) setDefaults() {
	if c.Governor == nil {
		c.Governor = governor.New(0, 0)
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

type Result struct {
	Seeders   int       `json:"seeders"`
	Leechers  int       `json:"leechers"`
	Tried     int       `json:"tried"`
	Responded int       `json:"responded"`
	CheckedAt time.Time `json:"checkedAt"`
}

type SweepResult struct {
	Checked     int `json:"checked"`
	Updated     int `json:"updated"`
	Unreachable int `json:"unreachable"`
}

type Stats struct {
	Checks      int64 `json:"checks"`
	Unreachable int64 `json:"unreachable"`
	Trackers    int   `json:"trackers"`
}

// Checker refreshes seeder and leecher counts of stored records.
type Checker struct {
	cfg Config
	scr Scraper

	mu    sync.RWMutex
	extra []string

	checks, unreachable int64
}

func New(cfg Config, scr Scraper) *Checker {
	cfg.setDefaults()
	if scr == nil {
		scr = NewScraper()
	}
	return &Checker{cfg: cfg, scr: scr}
}

func (c *Checker) Stats() Stats {
	c.mu.RLock()
	n := len(c.extra)
	c.mu.RUnlock()
	return Stats{
		Checks:      atomic.LoadInt64(&c.checks),
		Unreachable: atomic.LoadInt64(&c.unreachable),
		Trackers:    n,
	}
}

func (c *Checker) SetTrackers(list []string) {
	c.mu.Lock()
	c.extra = append([]string(nil), list...)
	c.mu.Unlock()
}

func supported(u string) bool {
	p, err := url.Parse(u)
	if err != nil {
		return false
	}
	switch p.Scheme {
	case "udp", "http", "https":
		return p.Host != ""
	}
	return false
}

// Trackers lists the announce URLs to ask about rec: its own trackers
// first, then the loaded list and the public fallbacks.
func (c *Checker) Trackers(rec *shared.Torrent) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(list []string) {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if _, ok := seen[u]; ok || !supported(u) {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	add(rec.Trackers)
	c.mu.RLock()
	add(c.extra)
	c.mu.RUnlock()
	if c.cfg.UseDefaults {
		add(DefaultTrackers)
	}
	return out
}

// Check scrapes every tracker of rec concurrently and keeps the
// highest counts reported.
func (c *Checker) Check(ctx context.Context, rec *shared.Torrent) (Result, error) {
	atomic.AddInt64(&c.checks, 1)
	urls := c.Trackers(rec)
	res := Result{Tried: len(urls)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			if err := c.cfg.Governor.Acquire(gctx, 1); err != nil {
				return nil
			}
			actx, cancel := context.WithTimeout(gctx, c.cfg.Timeout)
			defer cancel()
			seeders, leechers, err := c.scr.Scrape(actx, u, rec.InfoHash.V1())
			if err != nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			res.Responded++
			if seeders > res.Seeders {
				res.Seeders = seeders
			}
			if leechers > res.Leechers {
				res.Leechers = leechers
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if res.Responded == 0 {
		atomic.AddInt64(&c.unreachable, 1)
		return res, ErrUnreachable
	}
	res.CheckedAt = time.Now().UTC()
	return res, nil
}

// Sweep refreshes up to BatchSize stale records. Unreachable records keep
// their previous stats and stay stale for the next sweep.
func (c *Checker) Sweep(ctx context.Context, idx Index) (SweepResult, error) {
	var sr SweepResult
	stale, err := idx.Stale(ctx, time.Now().Add(-c.cfg.Interval), c.cfg.BatchSize)
	if err != nil {
		return sr, fmt.Errorf("tracker sweep: %w", err)
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for _, rec := range stale {
		if gctx.Err() != nil {
			break
		}
		rec := rec
		g.Go(func() error {
			res, err := c.Check(gctx, rec)
			mu.Lock()
			sr.Checked++
			if errors.Is(err, ErrUnreachable) {
				sr.Unreachable++
			}
			mu.Unlock()
			if err != nil {
				return nil
			}
			err = idx.Update(gctx, rec.InfoHash, func(t *shared.Torrent) error {
				if !res.CheckedAt.After(t.LastTrackerCheck) {
					return errStale
				}
				t.Seeders = res.Seeders
				t.Leechers = res.Leechers
				t.LastTrackerCheck = res.CheckedAt
				return nil
			})
			if err == nil {
				mu.Lock()
				sr.Updated++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return sr, ctx.Err()
}

var errStale = errors.New("newer stats already stored")

// UpdateTrackers loads an extra tracker list, one announce URL per line.
func (c *Checker) UpdateTrackers(ctx context.Context, listURL string) error {
	if !strings.HasPrefix(listURL, "https://") {
		c.SetTrackers(nil)
		return fmt.Errorf("UpdateTrackers: trackers url invalid: %s (only https:// supported), extra trackers list now empty", listURL)
	}
	log.Printf("UpdateTrackers: loading trackers from %s\n", listURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("UpdateTrackers: %s returned %s", listURL, resp.Status)
	}
	return c.loadTrackers(resp.Body)
}

func (c *Checker) loadTrackers(r io.Reader) error {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !supported(line) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	c.SetTrackers(lines)
	log.Printf("UpdateTrackers: loaded %d trackers \n", len(lines))
	return nil
}
