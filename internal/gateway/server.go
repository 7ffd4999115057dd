// Package gateway is the HTTP surface: live tuner streaming, the VOD proxy,
// EPG emission, and the status/health endpoints.
package gateway

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/webtuner/webtuner/internal/browser"
	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/config"
	"github.com/webtuner/webtuner/internal/epg"
	"github.com/webtuner/webtuner/internal/metrics"
	"github.com/webtuner/webtuner/internal/tuner"
	"github.com/webtuner/webtuner/internal/vod"
)

// VOD bundles the per-provider runtime the handlers need.
type VOD struct {
	Provider vod.Provider
	Core     *vod.Core
	Cache    *vod.SegmentCache
	Prefetch *vod.Prefetcher
}

// Server wires the HTTP handlers to the running subsystems. Any field may be
// nil when the corresponding surface is disabled (e.g. EPG-only deployments
// leave Pool nil).
type Server struct {
	Cfg      *config.Config
	Table    *catalog.Table
	Pool     *tuner.Pool
	Browser  *browser.Browser
	VODs     map[string]*VOD
	EPGStore *epg.Store
	Ingestor *epg.Ingestor
	Metrics  *metrics.Metrics

	startedAt time.Time
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	s.startedAt = time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /playlist.m3u", s.handlePlaylist)
	mux.HandleFunc("GET /stream/{channelId}", s.handleStream)
	mux.HandleFunc("GET /tuners", s.handleTuners)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /tuner/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /tuner/{id}/force-release", s.handleForceRelease)

	mux.HandleFunc("GET /vod/{provider}/{id}/stream", s.handleVODStream)
	mux.HandleFunc("GET /vod/{provider}/segment/{enc}", s.handleVODSegment)
	mux.HandleFunc("POST /vod/{provider}/extract/{id}", s.handleVODExtract)
	mux.HandleFunc("GET /vod/{provider}/catalog", s.handleVODCatalog)

	mux.HandleFunc("GET /tve/directv/epg.xml", s.handleEPGXML)
	mux.HandleFunc("GET /tve/directv/playlist.m3u", s.handleEPGPlaylist)
	mux.HandleFunc("POST /tve/directv/epg/refresh", s.handleEPGRefresh)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}

	return logRequests(mux)
}

// baseURL is the externally visible URL prefix for emitted playlists.
func (s *Server) baseURL(r *http.Request) string {
	if s.Cfg != nil && s.Cfg.BaseURL != "" {
		return s.Cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.Table == nil || s.Table.Len() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "loading"})
		return
	}
	body := map[string]any{
		"status":   "ok",
		"channels": s.Table.Len(),
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	}
	if s.Pool != nil {
		body["tuners"] = s.Pool.Size()
	}
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"started_at": s.startedAt,
	}
	if s.Pool != nil {
		stats["tuners"] = s.Pool.Status()
	}
	if s.Browser != nil {
		stats["browser_pages"] = s.Browser.PageCount()
	}
	if len(s.VODs) > 0 {
		vods := map[string]any{}
		for id, v := range s.VODs {
			vods[id] = map[string]any{
				"active_streams": v.Core.EntryCount(),
				"cached_segments": v.Cache.Len(),
			}
		}
		stats["vod"] = vods
	}
	if s.EPGStore != nil {
		chans, progs := s.EPGStore.Counts()
		stats["epg"] = map[string]any{
			"channels":   chans,
			"programs":   progs,
			"last_fetch": s.EPGStore.LastFetch(),
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	if lw.status == 0 {
		lw.status = code
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(p []byte) (int, error) {
	n, err := lw.ResponseWriter.Write(p)
	lw.bytes += int64(n)
	return n, err
}

// Flush must pass through: the live-stream handler depends on chunked
// delivery to the player.
func (lw *loggingResponseWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf(
			"http: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr,
		)
	})
}
