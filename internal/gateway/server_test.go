package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/config"
	"github.com/webtuner/webtuner/internal/encoder"
	"github.com/webtuner/webtuner/internal/epg"
	"github.com/webtuner/webtuner/internal/tuner"
	"github.com/webtuner/webtuner/internal/vod"
)

// stubNav tunes instantly.
type stubNav struct{}

func (stubNav) Tune(ctx context.Context, ch catalog.Channel) error { return nil }
func (stubNav) Close()                                             {}

// stubCapture writes a fixed payload to each attached writer and completes.
type stubCapture struct {
	mu      sync.Mutex
	running bool
	payload []byte
}

func (c *stubCapture) Start(ctx context.Context) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	return nil
}
func (c *stubCapture) Stop()        { c.setRunning(false) }
func (c *stubCapture) StopAndWait() { c.setRunning(false) }
func (c *stubCapture) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}
func (c *stubCapture) Attach(w io.Writer) (<-chan struct{}, func()) {
	done := make(chan struct{})
	go func() {
		w.Write(c.payload)
		close(done)
	}()
	return done, func() {}
}
func (c *stubCapture) DropClients() {}
func (c *stubCapture) ArmIdle()     {}
func (c *stubCapture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
func (c *stubCapture) Stats() encoder.Stats { return encoder.Stats{Running: c.Running()} }

func testTable(t *testing.T) *catalog.Table {
	t.Helper()
	table := catalog.NewTable()
	table.Replace([]catalog.Channel{
		{ID: "cnn", Name: "CNN", Number: "202", Category: "News"},
		{ID: "espn", Name: "ESPN", Number: "206", Category: "Sports"},
	})
	return table
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	tuners := []*tuner.Tuner{
		tuner.NewTuner(0, 100, stubNav{}, &stubCapture{payload: []byte("TSDATA")}),
	}
	pool := tuner.NewPool(tuners, time.Minute, time.Hour, nil)
	pool.Initialize(context.Background())
	t.Cleanup(pool.Shutdown)

	s := &Server{
		Cfg:   &config.Config{},
		Table: testTable(t),
		Pool:  pool,
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestPlaylistM3UFormat(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/playlist.m3u")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(out, "#EXTM3U\n"))
	assert.Contains(t, out, `#EXTINF:-1 tvg-id="cnn" tvg-name="CNN" tvg-chno="202" group-title="News",CNN`)
	assert.Contains(t, out, srv.URL+"/stream/cnn")
}

func TestStreamUnknownChannel404(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/stream/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDeliversTS(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/stream/cnn")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "TSDATA", string(body))
}

func TestTunersAndReleaseEndpoints(t *testing.T) {
	_, srv := testServer(t)

	resp, err := http.Get(srv.URL + "/tuners")
	require.NoError(t, err)
	var statuses []tuner.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	resp.Body.Close()
	require.Len(t, statuses, 1)
	assert.Equal(t, "free", statuses[0].State)

	resp, err = http.Post(srv.URL+"/tuner/0/release", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/tuner/9/force-release", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthzLoadingThenOK(t *testing.T) {
	s := &Server{Cfg: &config.Config{}, Table: catalog.NewTable()}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	s.Table.Replace([]catalog.Channel{{ID: "cnn", Name: "CNN"}})
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestEPGPlaylistUsesGuideIDs(t *testing.T) {
	s := &Server{Cfg: &config.Config{}, Table: testTable(t), EPGStore: epg.NewStore(t.TempDir())}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tve/directv/playlist.m3u")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	out := string(body)

	assert.Contains(t, out, `url-tvg="`+srv.URL+`/tve/directv/epg.xml"`)
	assert.Contains(t, out, `tvg-id="dtv-202"`)
}

func TestEPGXMLEndpoint(t *testing.T) {
	store := epg.NewStore(t.TempDir())
	now := time.Now().UTC()
	store.Replace(
		[]epg.Channel{{ID: "c1", Name: "CNN", Number: "202"}},
		map[string][]epg.Program{"c1": {{Title: "Newsroom", Start: now, End: now.Add(time.Hour)}}},
	)
	s := &Server{Cfg: &config.Config{}, Table: testTable(t), EPGStore: store}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/tve/directv/epg.xml?hours=6")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "application/xml; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), `<channel id="dtv-202">`)
	assert.Contains(t, string(body), "Newsroom")
}

func TestEPGRefreshDisabled404(t *testing.T) {
	s := &Server{Cfg: &config.Config{}, Table: testTable(t)}
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/tve/directv/epg/refresh", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// vodProvider is a canned provider for handler tests.
type vodProvider struct {
	id      string
	url     string
	headers http.Header
}

func (p *vodProvider) ID() string { return p.id }
func (p *vodProvider) ExtractStreamURL(ctx context.Context, contentID, contentType string) (vod.StreamSource, error) {
	return vod.StreamSource{URL: p.url, Headers: p.headers}, nil
}
func (p *vodProvider) FetchCatalog(ctx context.Context, opts vod.CatalogOptions) ([]catalog.CatalogItem, []catalog.CatalogItem, error) {
	return []catalog.CatalogItem{{ID: "m1", Title: "Movie One", Type: "movie"}}, nil, nil
}
func (p *vodProvider) ProxyHeaders() http.Header  { return p.headers }
func (p *vodProvider) M3U8Patterns() []string     { return []string{".m3u8"} }
func (p *vodProvider) ExcludePatterns() []string  { return nil }
func (p *vodProvider) RewritePlaylist(playlist []byte, proxyBase, contentID, baseURL string) []byte {
	return vod.Rewrite(playlist, proxyBase, contentID, baseURL)
}
func (p *vodProvider) ContentURL(contentID, contentType string) string { return p.url }

func testVODServer(t *testing.T, upstream *httptest.Server) (*Server, *httptest.Server) {
	t.Helper()
	prov := &vodProvider{id: "flixer", url: upstream.URL + "/hls/index.m3u8", headers: http.Header{}}
	core := vod.NewCore(prov, vod.CoreConfig{RefreshTick: time.Hour, RefreshAfter: time.Hour, Inactivity: time.Hour}, nil, nil)
	t.Cleanup(core.Shutdown)
	cache := vod.NewSegmentCache(50, time.Minute, time.Hour, nil)
	t.Cleanup(cache.Close)
	pf := vod.NewPrefetcher(core, cache, time.Millisecond)
	t.Cleanup(pf.Stop)

	s := &Server{
		Cfg:   &config.Config{},
		Table: testTable(t),
		VODs: map[string]*VOD{
			"flixer": {Provider: prov, Core: core, Cache: cache, Prefetch: pf},
		},
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func TestVODStreamRewritesPlaylist(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hls/index.m3u8":
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			io.WriteString(w, "#EXTM3U\n#EXTINF:6.0,\nseg1.ts\n#EXT-X-ENDLIST\n")
		default:
			w.Write([]byte("segdata"))
		}
	}))
	defer upstream.Close()
	_, srv := testVODServer(t, upstream)

	resp, err := http.Get(srv.URL + "/vod/flixer/tt1/stream")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	out := string(body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Contains(t, out, "/vod/flixer/segment/")
	assert.Contains(t, out, "?cid=tt1")
	assert.NotContains(t, out, "#EXT-X-ENDLIST")
}

func TestVODSegmentCacheMissThenHit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("segdata"))
	}))
	defer upstream.Close()
	_, srv := testVODServer(t, upstream)

	segURL := srv.URL + "/vod/flixer/segment/" + vod.EncodeSegmentURL(upstream.URL+"/seg1.ts") + "?cid=tt1"

	resp, err := http.Get(segURL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "segdata", string(body))

	resp, err = http.Get(segURL)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "segdata", string(body))
}

func TestVODSegmentExpiredUpstream410(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()
	_, srv := testVODServer(t, upstream)

	segURL := srv.URL + "/vod/flixer/segment/" + vod.EncodeSegmentURL(upstream.URL+"/seg1.ts") + "?cid=tt1"
	resp, err := http.Get(segURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestVODSegmentRejectsBadURL(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	_, srv := testVODServer(t, upstream)

	resp, err := http.Get(srv.URL + "/vod/flixer/segment/" + vod.EncodeSegmentURL("file:///etc/passwd"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVODExtractAndCatalog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	_, srv := testVODServer(t, upstream)

	resp, err := http.Post(srv.URL+"/vod/flixer/extract/tt1", "", nil)
	require.NoError(t, err)
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	assert.Equal(t, upstream.URL+"/hls/index.m3u8", out["url"])

	resp, err = http.Get(srv.URL + "/vod/flixer/catalog")
	require.NoError(t, err)
	var cat map[string]any
	json.NewDecoder(resp.Body).Decode(&cat)
	resp.Body.Close()
	movies := cat["movies"].([]any)
	assert.Len(t, movies, 1)

	resp, err = http.Get(srv.URL + "/vod/unknown/catalog")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
