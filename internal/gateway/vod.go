package gateway

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/webtuner/webtuner/internal/httpclient"
	"github.com/webtuner/webtuner/internal/safeurl"
	"github.com/webtuner/webtuner/internal/vod"
)

func (s *Server) vodService(w http.ResponseWriter, r *http.Request) (*VOD, bool) {
	svc, ok := s.VODs[r.PathValue("provider")]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return nil, false
	}
	return svc, true
}

func contentType(r *http.Request) string {
	if t := r.URL.Query().Get("type"); t == "tv" {
		return "tv"
	}
	return "movie"
}

// handleVODStream resolves the upstream URL, fetches the playlist, rewrites
// it to proxy form, and kicks off segment prefetch.
func (s *Server) handleVODStream(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vodService(w, r)
	if !ok {
		return
	}
	contentID := r.PathValue("id")

	src, err := svc.Core.EnsureStreamURL(r.Context(), contentID, contentType(r))
	if err != nil {
		http.Error(w, "stream extraction failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	playlist, status, err := s.fetchUpstream(r.Context(), svc, contentID, src.URL)
	if err != nil {
		http.Error(w, "upstream playlist fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	if status != http.StatusOK {
		// The cached URL may have just expired; refresh for the next attempt.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = svc.Core.UrgentRefresh(ctx, contentID)
		}()
		http.Error(w, "upstream playlist rejected", http.StatusBadGateway)
		return
	}

	proxyBase := "/vod/" + svc.Provider.ID()
	rewritten := svc.Provider.RewritePlaylist(playlist, proxyBase, contentID, src.URL)
	svc.Prefetch.Schedule(contentID, vod.SegmentURLs(playlist, src.URL))

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Write(rewritten)
}

// handleVODSegment serves one media segment from cache or upstream. Upstream
// 403/503 turn into 410 so players re-request the playlist, and trigger an
// urgent URL refresh in the background.
func (s *Server) handleVODSegment(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vodService(w, r)
	if !ok {
		return
	}
	upstreamURL, err := vod.DecodeSegmentURL(r.PathValue("enc"))
	if err != nil || !safeurl.IsHTTPOrHTTPS(upstreamURL) {
		http.Error(w, "bad segment url", http.StatusBadRequest)
		return
	}
	contentID := r.URL.Query().Get("cid")
	if contentID != "" {
		svc.Core.Touch(contentID)
	}

	key := vod.EncodeSegmentURL(upstreamURL)
	if data, ct, hit := svc.Cache.Get(key); hit {
		if s.Metrics != nil {
			s.Metrics.SegmentCacheHits.Inc()
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("X-Cache", "HIT")
		w.Write(data)
		return
	}
	if s.Metrics != nil {
		s.Metrics.SegmentCacheMiss.Inc()
	}

	data, status, ct, err := s.fetchSegment(r.Context(), svc, contentID, upstreamURL)
	if err != nil {
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	switch status {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusServiceUnavailable:
		if contentID != "" {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				_ = svc.Core.UrgentRefresh(ctx, contentID)
			}()
		}
		http.Error(w, "upstream url expired", http.StatusGone)
		return
	default:
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}

	svc.Cache.Put(key, data, ct)
	w.Header().Set("Content-Type", ct)
	w.Header().Set("X-Cache", "MISS")
	w.Write(data)
}

// handleVODExtract is the synchronous single-item extraction endpoint.
func (s *Server) handleVODExtract(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vodService(w, r)
	if !ok {
		return
	}
	src, err := svc.Core.EnsureStreamURL(r.Context(), r.PathValue("id"), contentType(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": src.URL})
}

func (s *Server) handleVODCatalog(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.vodService(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	opts := vod.CatalogOptions{
		Expand:  q.Get("expand") == "true" || q.Get("expand") == "1",
		Refresh: q.Get("refresh") == "true" || q.Get("refresh") == "1",
	}
	movies, tv, err := svc.Provider.FetchCatalog(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movies": movies, "tv": tv})
}

// fetchUpstream GETs a playlist-sized upstream resource with the stream's
// headers and transparent decompression.
func (s *Server) fetchUpstream(ctx context.Context, svc *VOD, contentID, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range svc.Core.HeadersFor(contentID) {
		req.Header.Set(k, v)
	}
	release := httpclient.GlobalHostSem.Acquire(url)
	defer release()
	resp, err := httpclient.Default().Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := httpclient.DecodedBody(resp)
	if err != nil {
		return nil, 0, err
	}
	data, err := io.ReadAll(io.LimitReader(body, 4<<20))
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

func (s *Server) fetchSegment(ctx context.Context, svc *VOD, contentID, url string) (data []byte, status int, ct string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, "", err
	}
	for k, v := range svc.Core.HeadersFor(contentID) {
		req.Header.Set(k, v)
	}
	release := httpclient.GlobalHostSem.Acquire(url)
	defer release()
	resp, err := httpclient.Default().Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, "", nil
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, 0, "", err
	}
	ct = resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "video/mp2t"
	}
	return data, http.StatusOK, ct, nil
}
