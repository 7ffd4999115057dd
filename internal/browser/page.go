package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ErrPageClosed is returned by operations on a closed page.
var ErrPageClosed = errors.New("page closed")

// Page is one browser tab. A tuner owns its page exclusively for its whole
// lifetime; EPG and extraction pages are transient and closed by their opener.
type Page struct {
	ctx     context.Context
	cancel  context.CancelFunc
	browser *Browser

	mu     sync.Mutex
	closed bool
	subs   []*Subscription
}

// Subscription is a cancellable event observer. Cancel is idempotent and must
// be called on all exit paths of the task that subscribed.
type Subscription struct {
	once sync.Once
	stop func()
}

// Cancel detaches the subscription.
func (s *Subscription) Cancel() {
	s.once.Do(s.stop)
}

// Close closes the page. Idempotent. Cancels all live subscriptions first so
// no handler runs against a dead target.
func (p *Page) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, s := range subs {
		s.Cancel()
	}
	p.cancel()
	p.browser.forget(p)
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Run executes chromedp actions against this page with the caller's deadline.
func (p *Page) Run(ctx context.Context, actions ...chromedp.Action) error {
	if p.isClosed() {
		return ErrPageClosed
	}
	runCtx, cancel := mergeDeadline(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// mergeDeadline returns pageCtx bounded by callerCtx's deadline/cancellation.
func mergeDeadline(pageCtx, callerCtx context.Context) (context.Context, context.CancelFunc) {
	if callerCtx == nil {
		return context.WithCancel(pageCtx)
	}
	ctx, cancel := context.WithCancel(pageCtx)
	stop := context.AfterFunc(callerCtx, cancel)
	return ctx, func() { stop(); cancel() }
}

// Navigate loads url and waits for the load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	return p.Run(ctx, chromedp.Navigate(url))
}

// URL returns the page's current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	var loc string
	err := p.Run(ctx, chromedp.Location(&loc))
	return loc, err
}

// Evaluate runs a JS expression and unmarshals the result into out (out may be
// nil to discard).
func (p *Page) Evaluate(ctx context.Context, expr string, out any) error {
	if out == nil {
		return p.Run(ctx, chromedp.Evaluate(expr, nil))
	}
	return p.Run(ctx, chromedp.Evaluate(expr, out))
}

// Poll evaluates expr every interval until it returns true or the cap elapses.
// Returns false (not an error) on timeout: callers decide whether a timeout is
// fatal, matching the tune procedure's proceed-anyway steps.
func (p *Page) Poll(ctx context.Context, expr string, interval, cap time.Duration) (bool, error) {
	deadline := time.Now().Add(cap)
	for {
		var ok bool
		if err := p.Evaluate(ctx, expr, &ok); err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// PressKey dispatches a raw key (e.g. "PageDown") to the page.
func (p *Page) PressKey(ctx context.Context, key string) error {
	return p.Run(ctx, chromedp.KeyEvent(keyForName(key)))
}

func keyForName(name string) string {
	switch name {
	case "PageDown":
		return kb.PageDown
	case "PageUp":
		return kb.PageUp
	case "Enter":
		return kb.Enter
	default:
		return name
	}
}

// ClickNode clicks the center of the node found by the JS expression, which
// must evaluate to an element (or null). Returns false when no node matched.
func (p *Page) ClickNode(ctx context.Context, expr string) (bool, error) {
	var box struct {
		Found bool    `json:"found"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
	}
	js := fmt.Sprintf(`(() => {
		const el = (%s);
		if (!el) return {found:false,x:0,y:0};
		el.scrollIntoView({block:"center"});
		const r = el.getBoundingClientRect();
		return {found:true, x:r.left + r.width/2, y:r.top + r.height/2};
	})()`, expr)
	if err := p.Evaluate(ctx, js, &box); err != nil {
		return false, err
	}
	if !box.Found {
		return false, nil
	}
	return true, p.Run(ctx, chromedp.MouseClickXY(box.X, box.Y))
}

// BlockURLs installs a network-level URL block list (substring patterns).
func (p *Page) BlockURLs(ctx context.Context, patterns []string) error {
	return p.Run(ctx, network.Enable(), network.SetBlockedURLs(patterns))
}

// ResponseFilter selects which responses an observer captures.
type ResponseFilter func(url, mimeType string) bool

// ObservedResponse is one captured network response.
type ObservedResponse struct {
	URL      string
	Status   int64
	MimeType string
	Body     []byte // nil when the observer was attached without body capture
}

// ObserveResponses installs a network observer on this page. Responses that
// pass filter are delivered to handler on a dedicated goroutine. When
// withBody is true the response body is fetched before delivery (this covers
// API captures such as the guide's channel/schedule payloads); URL-only
// observers (m3u8 sniffing) skip the body fetch. The observer sees traffic
// from iframes because listeners attach at target scope.
func (p *Page) ObserveResponses(filter ResponseFilter, withBody bool, handler func(ObservedResponse)) (*Subscription, error) {
	if p.isClosed() {
		return nil, ErrPageClosed
	}
	if err := p.Run(context.Background(), network.Enable()); err != nil {
		return nil, err
	}

	obsCtx, obsCancel := context.WithCancel(p.ctx)
	events := make(chan ObservedResponse, 32)

	chromedp.ListenTarget(obsCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Response == nil {
			return
		}
		url, mime := resp.Response.URL, resp.Response.MimeType
		if !filter(url, mime) {
			return
		}
		out := ObservedResponse{URL: url, Status: resp.Response.Status, MimeType: mime}
		requestID := resp.RequestID
		if withBody {
			// Body fetch must run on its own goroutine: the listener callback
			// runs on the CDP message loop and blocking it deadlocks chromedp.
			go func() {
				var body []byte
				_ = chromedp.Run(obsCtx, chromedp.ActionFunc(func(ctx context.Context) error {
					b, err := network.GetResponseBody(requestID).Do(ctx)
					if err != nil {
						return err
					}
					body = b
					return nil
				}))
				out.Body = body
				select {
				case events <- out:
				case <-obsCtx.Done():
				}
			}()
			return
		}
		select {
		case events <- out:
		default:
			// URL-only observers are first-match consumers; dropping extras
			// under burst is fine.
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-obsCtx.Done():
				return
			case ev := <-events:
				handler(ev)
			}
		}
	}()

	sub := &Subscription{stop: func() {
		obsCancel()
		<-done
	}}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub, nil
}

// Fullscreen puts the page's window into fullscreen and hides scrollbars.
// Degrades to the scrollbar hide alone on browsers that reject
// Browser.getWindowForTarget.
func (p *Page) Fullscreen(ctx context.Context) error {
	if err := p.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		id, _, err := cdpbrowser.GetWindowForTarget().Do(ctx)
		if err != nil {
			return nil
		}
		return cdpbrowser.SetWindowBounds(id, &cdpbrowser.Bounds{
			WindowState: cdpbrowser.WindowStateFullscreen,
		}).Do(ctx)
	})); err != nil {
		return err
	}
	return p.Evaluate(ctx, `(() => { document.documentElement.style.overflow = "hidden"; return true; })()`, nil)
}

// InjectCSS adds a stylesheet to the page (presentation overrides during
// capture: force the video element to viewport extents, hide chrome).
func (p *Page) InjectCSS(ctx context.Context, css string) error {
	js := fmt.Sprintf(`(() => {
		let el = document.getElementById("__wt_css");
		if (!el) { el = document.createElement("style"); el.id = "__wt_css"; document.head.appendChild(el); }
		el.textContent = %q;
		return true;
	})()`, css)
	return p.Evaluate(ctx, js, nil)
}

// CloseMatching closes overlay/popup elements matching any selector.
func (p *Page) CloseMatching(ctx context.Context, selectors []string) {
	for _, sel := range selectors {
		js := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (el) { el.click(); return true; }
			return false;
		})()`, sel)
		var clicked bool
		if err := p.Evaluate(ctx, js, &clicked); err == nil && clicked {
			return
		}
	}
}

// hostOf returns the lower-cased host of a URL-ish string (best effort).
func hostOf(raw string) string {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

// HostMatches reports whether the URL's host equals host or is a subdomain.
func HostMatches(rawURL, host string) bool {
	h := hostOf(rawURL)
	host = strings.ToLower(host)
	return h == host || strings.HasSuffix(h, "."+host)
}
