package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boypt/simple-spider/common"
)

const maxAPIBody = 64 << 10

func (s *Server) apiGET(w http.ResponseWriter, r *http.Request) error {
	action := strings.TrimPrefix(r.URL.Path, "/api/")
	switch action {
	case "status":
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		return writeJSON(w, s.engine.Status(ctx))
	case "config":
		s.state.Lock()
		c := s.state.Config
		s.state.Unlock()
		return writeJSON(w, c)
	case "stat":
		s.state.Lock()
		st := s.state.Stats
		s.state.Unlock()
		return writeJSON(w, st)
	case "magnet":
		// adds magnet by GET: /api/magnet?m=...
		m := r.URL.Query().Get("m")
		if !strings.HasPrefix(m, "magnet:?") {
			return fmt.Errorf("Invalid Magnet link: %s", m)
		}
		if err := s.engine.DiscoverMagnet(m); err != nil {
			return fmt.Errorf("Magnet error: %w", err)
		}
		writeOK(w)
		return nil
	}
	return errors.New("Invalid path")
}

func (s *Server) apiPOST(w http.ResponseWriter, r *http.Request) error {
	defer r.Body.Close()
	action := strings.TrimPrefix(r.URL.Path, "/api/")

	data, err := io.ReadAll(io.LimitReader(r.Body, maxAPIBody))
	if err != nil {
		return fmt.Errorf("Failed to download request body")
	}
	arg := strings.TrimSpace(string(data))

	//update after action completes
	defer s.state.Push()

	switch action {
	case "magnet":
		if err := s.engine.DiscoverMagnet(arg); err != nil {
			return fmt.Errorf("Magnet error: %w", err)
		}
	case "spider":
		switch arg {
		case "pause":
			err = s.engine.Pause()
		case "resume":
			err = s.engine.Resume()
		default:
			return fmt.Errorf("Invalid state: %s", arg)
		}
		if err != nil {
			return err
		}
	case "cleanup":
		var execute bool
		switch arg {
		case "", "dry-run":
		case "execute":
			execute = true
		default:
			return fmt.Errorf("Invalid cleanup mode: %s", arg)
		}
		rep, err := s.engine.Cleanup(r.Context(), execute)
		if err != nil {
			return err
		}
		return writeJSON(w, rep)
	case "trackers":
		if err := s.engine.UpdateTrackers(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("Invalid action: %s", action)
	}
	writeOK(w)
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(b)
	common.HandleError(err)
	return nil
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte("OK"))
	common.HandleError(err)
}
