package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// handleEPGXML emits the captured guide as XMLTV. ?hours=N overrides the
// configured emission window.
func (s *Server) handleEPGXML(w http.ResponseWriter, r *http.Request) {
	if s.EPGStore == nil {
		http.Error(w, "epg disabled", http.StatusNotFound)
		return
	}
	window := 24 * time.Hour
	if s.Cfg != nil && s.Cfg.EPGWindow > 0 {
		window = s.Cfg.EPGWindow
	}
	if h := r.URL.Query().Get("hours"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			window = time.Duration(n) * time.Hour
		}
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	if err := s.EPGStore.WriteXMLTV(w, window); err != nil {
		log.Printf("http: write xmltv: %v", err)
	}
}

// handleEPGPlaylist emits the live lineup with tvg-ids matching the XMLTV
// channel keys and a url-tvg header pointing at the guide endpoint.
func (s *Server) handleEPGPlaylist(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U url-tvg=%q\n", base+"/tve/directv/epg.xml")
	for _, ch := range s.Table.Snapshot() {
		fmt.Fprintf(&b, "#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-chno=%q group-title=%q,%s\n",
			"dtv-"+ch.Number, ch.Name, ch.Number, ch.Category, ch.Name)
		fmt.Fprintf(&b, "%s/stream/%s\n", base, ch.ID)
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Write([]byte(b.String()))
}

// handleEPGRefresh triggers an on-demand capture. The capture runs in the
// background; a refresh already in flight reports 409.
func (s *Server) handleEPGRefresh(w http.ResponseWriter, r *http.Request) {
	if s.Ingestor == nil {
		http.Error(w, "epg disabled", http.StatusNotFound)
		return
	}
	if s.Ingestor.Running() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already running"})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, _, err := s.Ingestor.Refresh(ctx); err != nil {
			log.Printf("[epg] manual refresh: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
