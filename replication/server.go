package replication

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/boypt/simple-spider/common"
	"github.com/boypt/simple-spider/storage"
)

const (
	DefaultBatch = 200
	MaxBatch     = 1000
)

// Server is the read only side of replication. It never writes to the
// store.
type Server struct {
	store   storage.Store
	version string
	peers   func() []string
	mux     *http.ServeMux
}

// NewServer serves store. peers, when set, lists the addresses offered to
// other instances at /peers.
func NewServer(store storage.Store, version string, peers func() []string) *Server {
	s := &Server{store: store, version: version, peers: peers, mux: http.NewServeMux()}
	s.mux.HandleFunc("/changes", s.changes)
	s.mux.HandleFunc("/info", s.info)
	s.mux.HandleFunc("/peers", s.listPeers)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	common.HandleError(json.NewEncoder(w).Encode(v))
}

// requestCursor reads cursor, or since as unix nanos when no cursor is given.
func requestCursor(r *http.Request) (storage.Cursor, error) {
	q := r.URL.Query()
	if c := q.Get("cursor"); c != "" {
		return storage.ParseCursor(c)
	}
	if since := q.Get("since"); since != "" && since != "0" {
		return storage.ParseCursor(since)
	}
	return storage.Cursor{}, nil
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	after, err := requestCursor(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := DefaultBatch
	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	if limit > MaxBatch {
		limit = MaxBatch
	}
	recs, err := s.store.ChangedSince(r.Context(), after, limit+1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	count, err := s.store.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b := Batch{Cursor: after.String(), Count: count}
	if len(recs) > limit {
		recs = recs[:limit]
		b.More = true
	}
	b.Records = recs
	if len(recs) > 0 {
		b.Cursor = storage.CursorOf(recs[len(recs)-1]).String()
	}
	writeJSON(w, b)
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, Info{Version: s.version, Count: count})
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	var l peerList
	if s.peers != nil {
		l.Peers = s.peers()
	}
	writeJSON(w, l)
}
