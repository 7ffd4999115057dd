package browser

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// Options configures one browser instance.
type Options struct {
	ExecPath   string // chrome/chromium binary; "" = chromedp default lookup
	ProfileDir string // persistent profile (auth/cookies live here; preserved across restarts)
	DebugPort  int    // remote debugging port
	Display    string // DISPLAY for the browser process; "" = inherit
	Sink       string // PULSE_SINK for the browser process; "" = default sink
	Headless   bool   // true for EPG/extraction-only deployments without a virtual display
}

// Browser is one long-lived browser process. Each tuner runs its own (the
// capture encoder records that tuner's display and null sink, so the page
// must render and play audio there); a shared one serves the EPG ingestor
// and VOD extraction. Tuners own their pages exclusively; transient pages
// must be closed by the task that opened them.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	mu    sync.Mutex
	pages map[*Page]struct{}
}

// processEnv returns the extra environment for the browser process. X selects
// the render target via DISPLAY; pulse routes the process's audio via
// PULSE_SINK, which is how each tuner's playback lands in its own null sink.
func processEnv(display, sink string) []string {
	var env []string
	if display != "" {
		env = append(env, "DISPLAY="+display)
	}
	if sink != "" {
		env = append(env, "PULSE_SINK="+sink)
	}
	return env
}

// Launch starts a browser process. The returned Browser must be closed with
// Close on shutdown.
func Launch(ctx context.Context, opts Options) (*Browser, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{},
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.Flag("disable-features", "Translate,HardwareMediaKeyHandling"),
		chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", opts.DebugPort)),
	)
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Headless)
	} else {
		// Rendering happens on a real (virtual) display; DRM playback paths
		// refuse to run under headless mode.
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if env := processEnv(opts.Display, opts.Sink); env != nil {
		allocOpts = append(allocOpts, chromedp.ModifyCmdFunc(func(cmd *exec.Cmd) {
			cmd.Env = append(os.Environ(), env...)
		}))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Materialize the browser process now so startup failures surface here,
	// not on the first tune.
	startCtx, startCancel := context.WithTimeout(browserCtx, 30*time.Second)
	defer startCancel()
	if err := chromedp.Run(startCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("browser launch: %w", err)
	}
	log.Printf("browser: launched profile=%s debug-port=%d headless=%t", opts.ProfileDir, opts.DebugPort, opts.Headless)

	return &Browser{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         browserCtx,
		cancel:      cancel,
		pages:       map[*Page]struct{}{},
	}, nil
}

// NewPage opens a new page (tab) in this browser. The caller owns the
// page and must Close it; pages opened for transient work (EPG capture,
// extraction) must be closed on all exit paths.
func (b *Browser) NewPage() (*Page, error) {
	pageCtx, pageCancel := chromedp.NewContext(b.ctx)
	// Force target creation so the page exists before the caller attaches
	// observers; otherwise the first Run would race the listener install.
	if err := chromedp.Run(pageCtx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("new page: %w", err)
	}
	p := &Page{ctx: pageCtx, cancel: pageCancel, browser: b}
	b.mu.Lock()
	b.pages[p] = struct{}{}
	b.mu.Unlock()
	return p, nil
}

// PageCount returns the number of open pages (for /stats).
func (b *Browser) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}

func (b *Browser) forget(p *Page) {
	b.mu.Lock()
	delete(b.pages, p)
	b.mu.Unlock()
}

// Close shuts the browser down, closing all pages.
func (b *Browser) Close() {
	b.mu.Lock()
	pages := make([]*Page, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	b.mu.Unlock()
	for _, p := range pages {
		p.Close()
	}
	b.cancel()
	b.allocCancel()
	log.Print("browser: closed")
}
