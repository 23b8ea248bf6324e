package server

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

func (s *Server) backgroundRoutines() {

	// initial state
	s.refreshState()

	go func() {
		for range s.syncConnected {
			if atomic.CompareAndSwapInt32(&(s.syncSemphor), 0, 1) {
				go s.tickerRoutine()
			}
		}
	}()

	// rss updater
	go func() {
		s.state.Lock()
		rss := s.state.Config.RssURL
		s.state.Unlock()
		// skip if not configured
		if !strings.HasPrefix(rss, "http") {
			return
		}
		s.updateRSS()
		for range time.Tick(30 * time.Minute) {
			s.updateRSS()
		}
	}()
}

func (s *Server) refreshState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := s.engine.Status(ctx)

	s.state.Lock()
	s.state.Spider = st
	s.state.Stats.System.loadStats(s.state.Config.DataDirectory)
	s.state.Unlock()
	s.state.Push()
}

// tickerRoutine refreshes the spider status while web clients are connected
func (s *Server) tickerRoutine() {
	dur := 3 * time.Second
	tk := time.NewTicker(dur)
	defer tk.Stop()

	log.Println("[tickerRoutine] sync connected, ticking for", dur)
	var noConnCount uint
	for range tk.C {

		if s.state.NumConnections() == 0 {
			noConnCount++
		} else {
			noConnCount = 0
		}
		if noConnCount > 60 { // about 3 minutes
			atomic.StoreInt32(&(s.syncSemphor), 0)
			log.Println("[tickerRoutine] exit for no web connections")
			return
		}
		s.refreshState()
	}
}
