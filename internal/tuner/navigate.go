package tuner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/webtuner/webtuner/internal/browser"
	"github.com/webtuner/webtuner/internal/catalog"
)

const (
	rowsVisibleCap   = 10 * time.Second
	rowsVisibleTick  = 300 * time.Millisecond
	playWaitCap      = 8 * time.Second
	playWaitTick     = 300 * time.Millisecond
	mediaReadyCap    = 15 * time.Second
	mediaReadyTick   = 300 * time.Millisecond
	maxGuideScrolls  = 15
	navigateDeadline = 60 * time.Second
)

// collectRowsJS gathers the accessible labels of candidate guide rows and
// parks the elements on the window so a later click can address them by index.
const collectRowsJS = `(() => {
	const els = Array.from(document.querySelectorAll('[aria-label]'))
		.filter(e => e.offsetParent !== null);
	window.__wt_rows = els;
	return els.map(e => e.getAttribute('aria-label') || '');
})()`

const rowsVisibleJS = `document.querySelectorAll('[aria-label]').length > 0`

const scrollPageJS = `(() => { window.scrollBy(0, window.innerHeight); return true; })()`

// findPlayJS looks for a play affordance: an aria-label containing
// play/watch/tune, an SVG play glyph inside a clickable ancestor, a program
// row whose label carries time-of-day text, or a legacy style hint.
const findPlayJS = `(() => {
	const byLabel = Array.from(document.querySelectorAll('[aria-label]')).find(e => {
		const l = (e.getAttribute('aria-label') || '').toLowerCase();
		return /\b(play|watch|tune)\b/.test(l);
	});
	if (byLabel) { window.__wt_play = byLabel; return true; }
	const glyph = Array.from(document.querySelectorAll('svg path')).find(p => {
		const d = p.getAttribute('d') || '';
		return d.startsWith('M8 5v14') || d.includes('l11 7');
	});
	if (glyph) {
		let el = glyph.closest('button, a, [role="button"], [onclick]');
		if (el) { window.__wt_play = el; return true; }
	}
	const timeRow = Array.from(document.querySelectorAll('[aria-label]')).find(e =>
		/\d{1,2}:\d{2}\s*(am|pm)/i.test(e.getAttribute('aria-label') || ''));
	if (timeRow) { window.__wt_play = timeRow; return true; }
	const legacy = document.querySelector('.play-button, [class*="playButton"]');
	if (legacy) { window.__wt_play = legacy; return true; }
	return false;
})()`

const mediaStateJS = `(() => {
	const v = Array.from(document.querySelectorAll('video'))
		.sort((a, b) => (b.videoWidth * b.videoHeight) - (a.videoWidth * a.videoHeight))[0];
	if (!v) return "none";
	if (v.readyState >= 3 && v.currentTime > 0 && !v.paused) return "playing";
	if (v.readyState === 4) return "ready";
	return "waiting";
})() + ""`

const kickPlaybackJS = `(() => {
	const v = document.querySelector('video');
	if (!v) return false;
	v.muted = false;
	const p = v.play();
	if (p && p.catch) p.catch(() => {});
	return true;
})()`

const unmuteJS = `(() => {
	document.querySelectorAll('video').forEach(v => { v.muted = false; v.volume = 1.0; });
	return true;
})()`

// captureCSS forces the playing element to viewport extents and hides the
// player chrome so the screen grab sees only video.
const captureCSS = `
video {
	position: fixed !important;
	top: 0 !important; left: 0 !important;
	width: 100vw !important; height: 100vh !important;
	object-fit: contain !important;
	background: #000 !important;
	z-index: 2147483647 !important;
}
header, nav, footer, [class*="overlay"], [class*="controls"], [class*="toolbar"] {
	display: none !important;
}
body { overflow: hidden !important; background: #000 !important; }
`

// GuideNavigator tunes channels by driving the upstream guide page.
type GuideNavigator struct {
	page     *browser.Page
	guideURL string
	siteHost string
}

// NewGuideNavigator wraps a tuner's exclusive page.
func NewGuideNavigator(page *browser.Page, guideURL, siteHost string) *GuideNavigator {
	return &GuideNavigator{page: page, guideURL: guideURL, siteHost: siteHost}
}

// Close releases the underlying page.
func (g *GuideNavigator) Close() { g.page.Close() }

// Tune walks the guide to the channel and readies playback for capture.
func (g *GuideNavigator) Tune(ctx context.Context, ch catalog.Channel) error {
	ctx, cancel := context.WithTimeout(ctx, navigateDeadline)
	defer cancel()

	if err := g.ensureGuide(ctx); err != nil {
		return fmt.Errorf("guide view: %w", err)
	}
	idx, err := g.locateChannel(ctx, ch)
	if err != nil {
		return err
	}
	if err := g.selectAndPlay(ctx, idx, ch); err != nil {
		return err
	}
	g.awaitMediaReady(ctx, ch)
	g.normalizeViewport(ctx)
	return nil
}

// ensureGuide navigates to the guide view when the page is elsewhere, then
// waits for channel rows (timeout is tolerated: the guide sometimes renders
// rows late but clickable).
func (g *GuideNavigator) ensureGuide(ctx context.Context) error {
	loc, err := g.page.URL(ctx)
	if err != nil {
		return err
	}
	onSite := browser.HostMatches(loc, g.siteHost)
	onGuide := onSite && strings.Contains(loc, "/guide")
	if !onGuide {
		if err := g.page.Navigate(ctx, g.guideURL); err != nil {
			return err
		}
	}
	visible, err := g.page.Poll(ctx, rowsVisibleJS, rowsVisibleTick, rowsVisibleCap)
	if err != nil {
		return err
	}
	if !visible {
		log.Printf("guide: no channel rows after %s, proceeding anyway", rowsVisibleCap)
	}
	return nil
}

// locateChannel runs the ordered match against the visible rows, scrolling in
// page-sized increments when nothing matches.
func (g *GuideNavigator) locateChannel(ctx context.Context, ch catalog.Channel) (int, error) {
	for scroll := 0; ; scroll++ {
		var labels []string
		if err := g.page.Evaluate(ctx, collectRowsJS, &labels); err != nil {
			return -1, fmt.Errorf("collect guide rows: %w", err)
		}
		if idx := MatchIndex(labels, ch); idx >= 0 {
			return idx, nil
		}
		if scroll >= maxGuideScrolls {
			return -1, fmt.Errorf("channel %s (number %s) after %d scrolls: %w", ch.Name, ch.Number, scroll, ErrChannelNotFound)
		}
		if err := g.page.Evaluate(ctx, scrollPageJS, nil); err != nil {
			return -1, err
		}
	}
}

// selectAndPlay clicks the located row and then the play affordance.
func (g *GuideNavigator) selectAndPlay(ctx context.Context, idx int, ch catalog.Channel) error {
	clicked, err := g.page.ClickNode(ctx, fmt.Sprintf("window.__wt_rows && window.__wt_rows[%d]", idx))
	if err != nil {
		return fmt.Errorf("click channel row: %w", err)
	}
	if !clicked {
		return fmt.Errorf("channel row %d vanished before click: %w", idx, ErrChannelNotFound)
	}

	found, err := g.page.Poll(ctx, findPlayJS, playWaitTick, playWaitCap)
	if err != nil {
		return err
	}
	if !found {
		// Some channels start playback on the row click alone.
		log.Printf("guide: channel=%s no play affordance within %s, assuming direct playback", ch.ID, playWaitCap)
		return nil
	}
	if _, err := g.page.ClickNode(ctx, "window.__wt_play"); err != nil {
		return fmt.Errorf("click play: %w", err)
	}
	return nil
}

// awaitMediaReady polls the playing element. Ready-but-paused gets exactly
// one play/unmute kick; a timeout proceeds anyway (capture shows whatever the
// player renders).
func (g *GuideNavigator) awaitMediaReady(ctx context.Context, ch catalog.Channel) {
	deadline := time.Now().Add(mediaReadyCap)
	kicked := false
	for {
		var state string
		if err := g.page.Evaluate(ctx, mediaStateJS, &state); err != nil {
			log.Printf("guide: channel=%s media poll: %v", ch.ID, err)
			return
		}
		switch state {
		case "playing":
			return
		case "ready":
			if !kicked {
				kicked = true
				_ = g.page.Evaluate(ctx, kickPlaybackJS, nil)
			} else {
				// readyState 4 counts as ready even while paused.
				return
			}
		}
		if time.Now().After(deadline) {
			log.Printf("guide: channel=%s media not ready after %s, proceeding", ch.ID, mediaReadyCap)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(mediaReadyTick):
		}
	}
}

// normalizeViewport forces fullscreen-like presentation for the capture.
func (g *GuideNavigator) normalizeViewport(ctx context.Context) {
	if err := g.page.Fullscreen(ctx); err != nil {
		log.Printf("guide: fullscreen: %v", err)
	}
	if err := g.page.InjectCSS(ctx, captureCSS); err != nil {
		log.Printf("guide: inject capture css: %v", err)
	}
	_ = g.page.Evaluate(ctx, unmuteJS, nil)
}
