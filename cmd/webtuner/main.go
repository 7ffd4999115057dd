// Command webtuner exposes a browser-rendered TV service as plain IPTV
// endpoints: live channels as MPEG-TS, web VOD sites as proxied HLS, and the
// upstream guide as XMLTV.
//
//	run       Full gateway: tuner pool + VOD proxy + EPG + HTTP server. For systemd.
//	epg       One-shot EPG capture; writes the JSON caches and exits.
//	extract   Resolve one VOD stream URL and print it.
//	channels  Print the configured channel table.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/webtuner/webtuner/internal/browser"
	"github.com/webtuner/webtuner/internal/cache"
	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/config"
	"github.com/webtuner/webtuner/internal/display"
	"github.com/webtuner/webtuner/internal/encoder"
	"github.com/webtuner/webtuner/internal/epg"
	"github.com/webtuner/webtuner/internal/gateway"
	"github.com/webtuner/webtuner/internal/health"
	"github.com/webtuner/webtuner/internal/httpclient"
	"github.com/webtuner/webtuner/internal/metrics"
	"github.com/webtuner/webtuner/internal/tuner"
	"github.com/webtuner/webtuner/internal/vod"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// .env is optional; env vars win.
	if err := config.LoadEnvFile(".env"); err != nil && !os.IsNotExist(err) {
		log.Printf("main: .env: %v", err)
	}
	cfg := config.Load()

	switch os.Args[1] {
	case "run":
		runCmd := flag.NewFlagSet("run", flag.ExitOnError)
		noEPG := runCmd.Bool("no-epg", false, "disable EPG capture and auto refresh")
		noVOD := runCmd.Bool("no-vod", false, "disable VOD providers")
		runCmd.Parse(os.Args[2:])
		if err := run(cfg, !*noEPG, !*noVOD); err != nil {
			log.Fatalf("main: %v", err)
		}
	case "epg":
		if err := epgOnce(cfg); err != nil {
			log.Fatalf("main: %v", err)
		}
	case "extract":
		extractCmd := flag.NewFlagSet("extract", flag.ExitOnError)
		provider := extractCmd.String("provider", "", "provider id")
		ctype := extractCmd.String("type", "movie", "movie or tv")
		extractCmd.Parse(os.Args[2:])
		if extractCmd.NArg() != 1 || *provider == "" {
			fmt.Fprintln(os.Stderr, "usage: webtuner extract -provider <id> [-type movie|tv] <contentId>")
			os.Exit(2)
		}
		if err := extractOnce(cfg, *provider, extractCmd.Arg(0), *ctype); err != nil {
			log.Fatalf("main: %v", err)
		}
	case "channels":
		if err := printChannels(cfg); err != nil {
			log.Fatalf("main: %v", err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <run|epg|extract|channels> [flags]\n", os.Args[0])
}

func loadTable(cfg *config.Config) (*catalog.Table, error) {
	path := cfg.ChannelsPath
	if path == "" {
		path = cache.ChannelsFile(cfg.CacheDir)
	}
	table := catalog.NewTable()
	if err := table.Load(path); err != nil {
		if os.IsNotExist(err) {
			log.Printf("main: no channel table at %s yet", path)
			return table, nil
		}
		return nil, fmt.Errorf("channel table %s: %w", path, err)
	}
	return table, nil
}

// tunerProfileDir derives a per-tuner profile directory. Chrome refuses to
// share a user-data-dir between processes; tuner 0 keeps the configured
// profile (where the site auth lives) and the rest get siblings.
func tunerProfileDir(base string, i int) string {
	if base == "" || i == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, i)
}

func run(cfg *config.Config, withEPG, withVOD bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cache.Ensure(cfg.CacheDir); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	table, err := loadTable(cfg)
	if err != nil {
		return err
	}
	log.Printf("main: %d channels loaded", table.Len())

	httpclient.GlobalHostSem.SetLimit(cfg.UpstreamPerHost)
	m := metrics.New()

	// Displays come up before the browser so the tuners' pages can be
	// placed on them.
	displays := make([]*display.Display, 0, cfg.TunerCount)
	defer func() {
		for _, d := range displays {
			d.Close()
		}
	}()
	for i := 0; i < cfg.TunerCount; i++ {
		d, err := display.Start(ctx, cfg.DisplayBase+i, cfg.DisplayWidth, cfg.DisplayHeight, cfg.SinkPrefix)
		if err != nil {
			return fmt.Errorf("display :%d: %w", cfg.DisplayBase+i, err)
		}
		displays = append(displays, d)
	}

	// One browser process per tuner: the encoder records tuner i's display
	// and null sink, so tuner i's page must render on that display and the
	// process must route audio into that sink (DISPLAY/PULSE_SINK are
	// per-process environment).
	browsers := make([]*browser.Browser, 0, cfg.TunerCount)
	defer func() {
		for _, b := range browsers {
			b.Close()
		}
	}()
	for i, d := range displays {
		b, err := browser.Launch(ctx, browser.Options{
			ExecPath:   cfg.BrowserPath,
			ProfileDir: tunerProfileDir(cfg.ProfileDir, i),
			DebugPort:  cfg.BrowserDebugPort + i,
			Display:    d.Name(),
			Sink:       d.Sink,
		})
		if err != nil {
			return fmt.Errorf("tuner %d browser: %w", i, err)
		}
		browsers = append(browsers, b)
	}

	tuners := make([]*tuner.Tuner, 0, cfg.TunerCount)
	for i, d := range displays {
		page, err := browsers[i].NewPage()
		if err != nil {
			return fmt.Errorf("tuner %d page: %w", i, err)
		}
		enc := encoder.New(encoder.Config{
			FFmpegPath:   cfg.FFmpegPath,
			Display:      d.Name(),
			Sink:         d.Sink,
			Width:        cfg.DisplayWidth,
			Height:       cfg.DisplayHeight,
			FrameRate:    cfg.FrameRate,
			VideoBitrate: cfg.VideoBitrate,
			AudioBitrate: cfg.AudioBitrate,
			HWAccel:      cfg.HWAccel,
			IdleTimeout:  cfg.EncoderIdle,
			Metrics:      m,
		})
		nav := tuner.NewGuideNavigator(page, cfg.GuideURL, cfg.SiteHost)
		t := tuner.NewTuner(i, d.Num, nav, tuner.AdaptEncoder(enc))
		t.DebugPort = cfg.BrowserDebugPort + i
		tuners = append(tuners, t)
	}
	pool := tuner.NewPool(tuners, cfg.IdleTimeout, cfg.ReaperInterval, m)
	started := pool.Initialize(ctx)
	if started == 0 {
		return errors.New("no tuners started")
	}
	defer pool.Shutdown()

	srv := &gateway.Server{
		Cfg:     cfg,
		Table:   table,
		Pool:    pool,
		Browser: browsers[0],
		Metrics: m,
	}

	if withVOD {
		pc := catalog.NewProviderCache(cache.ProvidersFile(cfg.CacheDir))
		if err := pc.Load(); err != nil {
			log.Printf("main: provider cache: %v", err)
		}
		srv.VODs = buildVODs(cfg, browsers[0], pc, m)
		defer func() {
			for _, v := range srv.VODs {
				v.Prefetch.Stop()
				v.Core.Shutdown()
				v.Cache.Close()
			}
		}()
	}

	var refresher *epg.AutoRefresher
	if withEPG {
		store := epg.NewStore(cfg.CacheDir)
		if err := store.Load(); err != nil {
			log.Printf("main: epg cache: %v", err)
		}
		ingestor := epg.NewIngestor(browsers[0], store, cfg.SiteHost, cfg.GuideURL, cfg.EPGSettle, m)
		refresher = epg.NewAutoRefresher(ingestor, store, func() time.Duration {
			return time.Duration(cfg.EPGRefreshHours) * time.Hour
		})
		refresher.Start()
		defer refresher.Stop()
		srv.EPGStore = store
		srv.Ingestor = ingestor
	}

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("main: listening on %s", cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	// Post-start self check; a failure is logged, not fatal (the guide may
	// simply be slow on cold start).
	go func() {
		time.Sleep(2 * time.Second)
		checkCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()
		base := cfg.BaseURL
		if base == "" {
			base = "http://127.0.0.1" + cfg.Addr
		}
		if err := health.CheckEndpoints(checkCtx, base); err != nil {
			log.Printf("main: self check: %v", err)
		}
		if err := health.CheckGuide(checkCtx, cfg.GuideURL); err != nil {
			log.Printf("main: guide check: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Print("main: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// buildVODs wires the built-in providers. Sites are declarative; adding one
// is a SiteConfig literal.
func buildVODs(cfg *config.Config, br *browser.Browser, pc *catalog.ProviderCache, m *metrics.Metrics) map[string]*gateway.VOD {
	extractor := vod.NewBrowserExtractor(br)
	coreCfg := vod.CoreConfig{
		RefreshTick:  cfg.StreamRefreshEvery,
		RefreshAfter: cfg.StreamRefreshAfter,
		Inactivity:   cfg.StreamInactivity,
	}
	out := map[string]*gateway.VOD{}
	for _, sc := range builtinSites() {
		p := vod.NewSiteProvider(sc, extractor, pc)
		core := vod.NewCore(p, coreCfg, pc, m)
		segCache := vod.NewSegmentCache(cfg.SegmentCacheSize, cfg.SegmentCacheTTL, time.Minute, m)
		out[sc.ID] = &gateway.VOD{
			Provider: p,
			Core:     core,
			Cache:    segCache,
			Prefetch: vod.NewPrefetcher(core, segCache, cfg.PrefetchDelay),
		}
	}
	return out
}

func builtinSites() []vod.SiteConfig {
	return []vod.SiteConfig{
		{
			ID:               "flixer",
			BaseURL:          "https://theflixer.tv",
			ScraperEndpoint:  "https://theflixer.tv/ajax/sources",
			ContentPathMovie: "/movie/%s",
			ContentPathTV:    "/tv/%s",
			M3U8Include:      []string{".m3u8"},
			M3U8Exclude:      []string{"preview", "/ads/"},
			AdBlockList:      []string{"doubleclick.net", "adsco.re", "popads.net"},
			PopupSelectors:   []string{".close-popup", "#close-ad", "[aria-label=\"Close\"]"},
			PlaySelectors:    []string{".play-now", "#player .play", "button.vjs-big-play-button"},
			ExtractTimeout:   45 * time.Second,
			MovieListPath:    "/movies",
			TVListPath:       "/tv-shows",
			MovieMarker:      "/movie/",
			TVMarker:         "/tv/",
		},
		{
			ID:               "vidjoy",
			BaseURL:          "https://vidjoy.pro",
			ContentPathMovie: "/embed/movie/%s",
			ContentPathTV:    "/embed/tv/%s",
			M3U8Include:      []string{".m3u8", "/playlist"},
			M3U8Exclude:      []string{"thumbnail"},
			AdBlockList:      []string{"doubleclick.net", "adsterra.com"},
			PlaySelectors:    []string{"#play", ".jw-display-icon-display"},
			ExtractTimeout:   60 * time.Second,
		},
	}
}

func epgOnce(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cache.Ensure(cfg.CacheDir); err != nil {
		return err
	}
	br, err := browser.Launch(ctx, browser.Options{
		ExecPath:   cfg.BrowserPath,
		ProfileDir: cfg.ProfileDir,
		DebugPort:  cfg.BrowserDebugPort,
		Headless:   true,
	})
	if err != nil {
		return err
	}
	defer br.Close()

	store := epg.NewStore(cfg.CacheDir)
	ingestor := epg.NewIngestor(br, store, cfg.SiteHost, cfg.GuideURL, cfg.EPGSettle, nil)
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	channels, programs, err := ingestor.Refresh(runCtx)
	if err != nil {
		return err
	}
	log.Printf("main: captured %d channels, %d programs", channels, programs)
	return nil
}

func extractOnce(cfg *config.Config, providerID, contentID, contentType string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var site *vod.SiteConfig
	for _, sc := range builtinSites() {
		if sc.ID == providerID {
			s := sc
			site = &s
			break
		}
	}
	if site == nil {
		return fmt.Errorf("unknown provider %q", providerID)
	}

	br, err := browser.Launch(ctx, browser.Options{
		ExecPath:   cfg.BrowserPath,
		ProfileDir: cfg.ProfileDir,
		DebugPort:  cfg.BrowserDebugPort,
		Headless:   true,
	})
	if err != nil {
		return err
	}
	defer br.Close()

	p := vod.NewSiteProvider(*site, vod.NewBrowserExtractor(br), nil)
	src, err := p.ExtractStreamURL(ctx, contentID, contentType)
	if err != nil {
		return err
	}
	fmt.Println(src.URL)
	return nil
}

func printChannels(cfg *config.Config) error {
	table, err := loadTable(cfg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(table.Snapshot())
}
