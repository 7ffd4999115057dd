package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/webtuner/webtuner/internal/tuner"
)

// handlePlaylist emits the live channel lineup as M3U.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, ch := range s.Table.Snapshot() {
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-chno=%q group-title=%q,%s\n",
			ch.ID, ch.Name, ch.Number, ch.Category, ch.Name)
		fmt.Fprintf(&b, "%s/stream/%s\n", base, ch.ID)
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Write([]byte(b.String()))
}

// handleStream allocates a tuner and streams MPEG-TS until the client
// disconnects or the fan-out drops the writer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelId")
	ch, ok := s.Table.Get(channelID)
	if !ok {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	if s.Pool == nil {
		http.Error(w, "tuner pool disabled", http.StatusServiceUnavailable)
		return
	}

	t, outcome, err := s.Pool.Allocate(r.Context(), ch)
	if err != nil {
		switch {
		case errors.Is(err, tuner.ErrSuperseded):
			http.Error(w, "channel switched, please retry", http.StatusServiceUnavailable)
		case errors.Is(err, tuner.ErrExhausted):
			http.Error(w, "all tuners busy", http.StatusServiceUnavailable)
		default:
			http.Error(w, "tune failed: "+err.Error(), http.StatusServiceUnavailable)
		}
		return
	}
	defer s.Pool.ReleaseClient(t.ID)

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Tuner", strconv.Itoa(t.ID))
	w.Header().Set("X-Tuner-Outcome", string(outcome))
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	done, detach := t.Attach(w)
	defer detach()
	if s.Metrics != nil {
		s.Metrics.StreamClients.Inc()
		defer s.Metrics.StreamClients.Dec()
	}

	select {
	case <-r.Context().Done():
	case <-done:
	}
}

func (s *Server) handleTuners(w http.ResponseWriter, r *http.Request) {
	if s.Pool == nil {
		writeJSON(w, http.StatusOK, []tuner.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.Pool.Status())
}

func (s *Server) tunerID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || s.Pool == nil {
		http.Error(w, "unknown tuner", http.StatusNotFound)
		return 0, false
	}
	if _, ok := s.Pool.Get(id); !ok {
		http.Error(w, "unknown tuner", http.StatusNotFound)
		return 0, false
	}
	return id, true
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tunerID(w, r)
	if !ok {
		return
	}
	if err := s.Pool.ReleaseClient(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tunerID(w, r)
	if !ok {
		return
	}
	if err := s.Pool.ForceRelease(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "force-released"})
}
