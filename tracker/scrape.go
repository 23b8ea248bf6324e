package tracker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/tracker"
	"github.com/anacrolix/torrent/tracker/udp"
)

const maxScrapeBody = 1 << 20

var errNotInScrape = errors.New("swarm missing from scrape response")

// Scraper asks a single tracker about a swarm without joining it.
type Scraper interface {
	Scrape(ctx context.Context, trackerURL string, ih [20]byte) (seeders, leechers int, err error)
}

type scraper struct {
	peerID [20]byte
	client *http.Client
}

// NewScraper returns the network Scraper. UDP trackers get a BEP 15 scrape,
// HTTP trackers a BEP 48 scrape. HTTP trackers without a scrape URL get a
// stopped announce that leaves the spider out of the peer list.
func NewScraper() Scraper {
	s := &scraper{client: &http.Client{}}
	copy(s.peerID[:], "-SS0001-")
	rand.Read(s.peerID[8:])
	return s
}

func (s *scraper) Scrape(ctx context.Context, trackerURL string, ih [20]byte) (int, int, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return 0, 0, err
	}
	switch u.Scheme {
	case "udp", "udp4", "udp6":
		return s.scrapeUDP(ctx, u, ih)
	case "http", "https":
		if su, ok := scrapeURL(u, ih); ok {
			return s.scrapeHTTP(ctx, su, ih)
		}
		return s.stoppedAnnounce(ctx, trackerURL, ih)
	}
	return 0, 0, tracker.ErrBadScheme
}

func (s *scraper) scrapeUDP(ctx context.Context, u *url.URL, ih [20]byte) (int, int, error) {
	cc, err := udp.NewConnClient(udp.NewConnClientOpts{Network: u.Scheme, Host: u.Host})
	if err != nil {
		return 0, 0, err
	}
	defer cc.Close()
	res, err := cc.Client.Scrape(ctx, []udp.InfoHash{ih})
	if err != nil {
		return 0, 0, err
	}
	if len(res) == 0 {
		return 0, 0, errNotInScrape
	}
	return int(res[0].Seeders), int(res[0].Leechers), nil
}

// scrapeURL derives the scrape address of an announce URL: the last path
// segment must start with "announce".
func scrapeURL(u *url.URL, ih [20]byte) (string, bool) {
	i := strings.LastIndex(u.Path, "/")
	if i < 0 || !strings.HasPrefix(u.Path[i+1:], "announce") {
		return "", false
	}
	su := *u
	su.Path = u.Path[:i+1] + "scrape" + strings.TrimPrefix(u.Path[i+1:], "announce")
	su.RawPath = ""
	q := su.Query()
	q.Set("info_hash", string(ih[:]))
	su.RawQuery = q.Encode()
	return su.String(), true
}

type scrapeFile struct {
	Complete   int `bencode:"complete"`
	Incomplete int `bencode:"incomplete"`
	Downloaded int `bencode:"downloaded"`
}

type scrapeResponse struct {
	Files         map[string]scrapeFile `bencode:"files"`
	FailureReason string                `bencode:"failure reason"`
}

func (s *scraper) scrapeHTTP(ctx context.Context, su string, ih [20]byte) (int, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, su, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("User-Agent", "simple-spider")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("scrape %s: %s", su, resp.Status)
	}
	var sr scrapeResponse
	if err := bencode.NewDecoder(io.LimitReader(resp.Body, maxScrapeBody)).Decode(&sr); err != nil {
		return 0, 0, fmt.Errorf("scrape %s: %w", su, err)
	}
	if sr.FailureReason != "" {
		return 0, 0, fmt.Errorf("tracker gave failure reason: %q", sr.FailureReason)
	}
	f, ok := sr.Files[string(ih[:])]
	if !ok {
		return 0, 0, errNotInScrape
	}
	return f.Complete, f.Incomplete, nil
}

// stoppedAnnounce reads the counts from a "stopped" announce with unknown
// left and no wanted peers, so the tracker never lists the spider.
func (s *scraper) stoppedAnnounce(ctx context.Context, trackerURL string, ih [20]byte) (int, int, error) {
	res, err := tracker.Announce{
		TrackerUrl: trackerURL,
		Request: tracker.AnnounceRequest{
			InfoHash: ih,
			PeerId:   s.peerID,
			Left:     -1,
			Event:    tracker.Stopped,
			NumWant:  0,
		},
		UserAgent: "simple-spider",
		Context:   ctx,
	}.Do()
	if err != nil {
		return 0, 0, err
	}
	return int(res.Seeders), int(res.Leechers), nil
}
