package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

type rssItem struct {
	Name      string `json:"name,omitempty"`
	Magnet    string `json:"magnet,omitempty"`
	Published string `json:"published,omitempty"`
}

// itemMagnet finds the magnet link of a feed item, in the link itself, an
// enclosure or the torrent namespace extension.
func itemMagnet(i *gofeed.Item) string {
	if strings.HasPrefix(i.Link, "magnet:?") {
		return i.Link
	}
	for _, e := range i.Enclosures {
		if strings.HasPrefix(e.URL, "magnet:?") {
			return e.URL
		}
	}
	if ext, ok := i.Extensions["torrent"]; ok {
		for _, e := range ext["magnetURI"] {
			if v := strings.TrimSpace(e.Value); strings.HasPrefix(v, "magnet:?") {
				return v
			}
		}
	}
	return ""
}

func feedURLs(list string) []string {
	var urls []string
	for _, rss := range strings.Split(list, "\n") {
		rss = strings.TrimSpace(rss)
		if rss != "" {
			urls = append(urls, rss)
		}
	}
	return urls
}

// updateRSS polls the configured feeds and queues the magnets of new items
// as discoveries.
func (s *Server) updateRSS() {
	fp := gofeed.NewParser()
	fp.Client = &http.Client{
		Timeout: 10 * time.Second,
	}
	s.state.Lock()
	urls := feedURLs(s.state.Config.RssURL)
	s.state.Unlock()

	for _, rss := range urls {
		if !strings.HasPrefix(rss, "http://") && !strings.HasPrefix(rss, "https://") {
			log.Printf("parse feed addr Invalid %s", rss)
			continue
		}
		feed, err := fp.ParseURL(rss)
		if err != nil {
			log.Printf("parse feed err %s", err.Error())
			continue
		}
		if s.Debug {
			log.Printf("retrived feed %s from %s", feed.Title, rss)
		}
		s.discoverItems(s.mergeFeed(rss, feed.Items))
	}
}

// mergeFeed caches the items of a feed and returns those not seen before.
func (s *Server) mergeFeed(rss string, items []*gofeed.Item) []*gofeed.Item {
	s.rssMu.Lock()
	defer s.rssMu.Unlock()
	olditems, ok := s.rssCache[rss]
	if !ok || len(olditems) == 0 {
		s.rssCache[rss] = items
		return items
	}
	var newitems []*gofeed.Item
	for _, i := range items {
		if i.GUID == olditems[0].GUID {
			break
		}
		newitems = append(newitems, i)
	}
	if len(newitems) > 0 {
		log.Printf("feed updated %d new items", len(newitems))
		s.rssCache[rss] = append(newitems, olditems...)
	}
	return newitems
}

func (s *Server) discoverItems(items []*gofeed.Item) {
	var n int
	for _, i := range items {
		m := itemMagnet(i)
		if m == "" {
			continue
		}
		if err := s.engine.DiscoverMagnet(m); err != nil {
			log.Printf("feed item %q: %v", i.Title, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Printf("queued %d feed magnets", n)
	}
}

func (s *Server) serveRSS(w http.ResponseWriter, r *http.Request) {

	if _, ok := r.URL.Query()["update"]; ok {
		s.updateRSS()
	}

	s.state.Lock()
	urls := feedURLs(s.state.Config.RssURL)
	s.state.Unlock()

	results := []rssItem{}
	s.rssMu.Lock()
	for _, rss := range urls {
		for _, i := range s.rssCache[rss] {
			results = append(results, rssItem{Name: i.Title, Magnet: itemMagnet(i), Published: i.Published})
		}
	}
	s.rssMu.Unlock()

	b, err := json.Marshal(results)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
