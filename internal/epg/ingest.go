package epg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/webtuner/webtuner/internal/browser"
	"github.com/webtuner/webtuner/internal/metrics"
)

// ErrRefreshRunning short-circuits re-entrant refresh calls.
var ErrRefreshRunning = errors.New("epg refresh already running")

const (
	pageDownCount = 12
	pageDownDelay = 700 * time.Millisecond
)

// streamingFilterJS finds the guide's channel-filter control for streaming
// channels (label text varies slightly across site versions).
const streamingFilterJS = `(() => {
	const els = document.querySelectorAll('button, [role="tab"], [role="option"], li');
	for (const el of els) {
		const t = (el.textContent || "").trim().toLowerCase();
		if (t === "streaming" || t === "streaming channels") return el;
	}
	return null;
})()`

// Ingestor drives one guide capture: navigate, observe the channel and
// schedule API responses, page the view to force lazy loads, then persist.
type Ingestor struct {
	browser  *browser.Browser
	store    *Store
	siteHost string
	guideURL string
	settle   time.Duration
	m        *metrics.Metrics // may be nil

	mu      sync.Mutex
	running bool
}

// NewIngestor builds an ingestor over the shared browser.
func NewIngestor(b *browser.Browser, store *Store, siteHost, guideURL string, settle time.Duration, m *metrics.Metrics) *Ingestor {
	if settle <= 0 {
		settle = 8 * time.Second
	}
	return &Ingestor{
		browser:  b,
		store:    store,
		siteHost: siteHost,
		guideURL: guideURL,
		settle:   settle,
		m:        m,
	}
}

// Running reports whether a refresh is in flight.
func (in *Ingestor) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// Refresh captures the guide once and replaces the store contents. Returns
// the captured channel and program counts. Concurrent calls fail fast with
// ErrRefreshRunning.
func (in *Ingestor) Refresh(ctx context.Context) (channels, programs int, err error) {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return 0, 0, ErrRefreshRunning
	}
	in.running = true
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.running = false
		in.mu.Unlock()
	}()

	started := time.Now()
	channels, programs, err = in.capture(ctx)
	if err != nil {
		return 0, 0, err
	}
	if in.m != nil {
		in.m.EPGRefreshSeconds.Observe(time.Since(started).Seconds())
	}
	log.Printf("[epg] refresh done: %d channels, %d programs in %s", channels, programs, time.Since(started).Round(time.Second))
	return channels, programs, nil
}

func (in *Ingestor) capture(ctx context.Context) (int, int, error) {
	page, err := in.browser.NewPage()
	if err != nil {
		return 0, 0, fmt.Errorf("epg: %w", err)
	}
	defer page.Close()

	var (
		capMu     sync.Mutex
		chans     []Channel
		schedules = map[string][]Program{}
	)
	sub, err := page.ObserveResponses(func(url, mime string) bool {
		if !browser.HostMatches(url, in.siteHost) {
			return false
		}
		return strings.Contains(url, "/allchannels") || strings.Contains(url, "/schedule")
	}, true, func(resp browser.ObservedResponse) {
		if len(resp.Body) == 0 {
			return
		}
		capMu.Lock()
		defer capMu.Unlock()
		switch {
		case strings.Contains(resp.URL, "/allchannels"):
			got, err := parseChannels(resp.Body)
			if err != nil {
				log.Printf("[epg] channel payload: %v", err)
				return
			}
			chans = got
		case strings.Contains(resp.URL, "/schedule"):
			got, err := parseSchedules(resp.Body)
			if err != nil {
				log.Printf("[epg] schedule payload: %v", err)
				return
			}
			for id, ps := range got {
				schedules[id] = append(schedules[id], ps...)
			}
		}
	})
	if err != nil {
		return 0, 0, fmt.Errorf("epg: %w", err)
	}
	defer sub.Cancel()

	if err := page.Navigate(ctx, in.guideURL); err != nil {
		return 0, 0, fmt.Errorf("epg: navigate guide: %w", err)
	}

	// Narrow the guide to streaming channels; a miss is fine, the channel
	// parser filters on the live-stream flag anyway.
	if clicked, err := page.ClickNode(ctx, streamingFilterJS); err == nil && clicked {
		time.Sleep(time.Second)
	}

	// Page through the guide so the virtualized list issues its lazy
	// schedule fetches.
	for i := 0; i < pageDownCount; i++ {
		if err := page.PressKey(ctx, "PageDown"); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(pageDownDelay):
		}
	}

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-time.After(in.settle):
	}
	sub.Cancel()

	capMu.Lock()
	gotChans := chans
	gotScheds := schedules
	capMu.Unlock()
	if len(gotChans) == 0 {
		return 0, 0, errors.New("epg: no channel payload observed")
	}

	in.store.Replace(gotChans, gotScheds)
	if err := in.store.Save(); err != nil {
		log.Printf("[epg] persist: %v", err)
	}
	nc, np := in.store.Counts()
	return nc, np, nil
}

// Upstream payload shapes. The API wraps lists inconsistently across site
// versions, so both bare arrays and {channels:[...]} / {schedules:{...}}
// envelopes are accepted.

type upstreamChannel struct {
	ID            string      `json:"id"`
	CCID          string      `json:"ccid"`
	Name          string      `json:"name"`
	CallSign      string      `json:"callSign"`
	Number        json.Number `json:"number"`
	Logo          string      `json:"logoUrl"`
	Format        string      `json:"format"`
	LiveStreaming bool        `json:"liveStreamingEnabled"`
}

type upstreamProgram struct {
	Title           string   `json:"title"`
	Subtitle        string   `json:"episodeTitle"`
	Description     string   `json:"description"`
	Start           flexTime `json:"startTime"`
	End             flexTime `json:"endTime"`
	Categories      []string `json:"categories"`
	Genres          []string `json:"genres"`
	Rating          string   `json:"rating"`
	Season          int      `json:"seasonNumber"`
	Episode         int      `json:"episodeNumber"`
	OriginalAirDate string   `json:"originalAirDate"`
}

// flexTime accepts epoch milliseconds or RFC 3339 strings.
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err == nil && !strings.Contains(s, "-") {
		f.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("time %q: %w", s, err)
	}
	f.Time = t.UTC()
	return nil
}

func parseChannels(body []byte) ([]Channel, error) {
	var list []upstreamChannel
	if err := json.Unmarshal(body, &list); err != nil {
		var envelope struct {
			Channels []upstreamChannel `json:"channels"`
		}
		if err2 := json.Unmarshal(body, &envelope); err2 != nil || envelope.Channels == nil {
			return nil, fmt.Errorf("parse channels: %w", err)
		}
		list = envelope.Channels
	}
	var out []Channel
	for _, uc := range list {
		if !uc.LiveStreaming {
			continue
		}
		id := uc.ID
		if id == "" {
			id = uc.CCID
		}
		if id == "" {
			continue
		}
		out = append(out, Channel{
			ID:       id,
			Name:     uc.Name,
			Number:   uc.Number.String(),
			CallSign: uc.CallSign,
			CCID:     uc.CCID,
			Logo:     uc.Logo,
			Format:   uc.Format,
		})
	}
	return out, nil
}

func parseSchedules(body []byte) (map[string][]Program, error) {
	type channelSchedule struct {
		ChannelID string            `json:"channelId"`
		CCID      string            `json:"ccid"`
		Programs  []upstreamProgram `json:"programs"`
	}
	var list []channelSchedule
	if err := json.Unmarshal(body, &list); err != nil {
		var envelope struct {
			Schedules []channelSchedule `json:"schedules"`
		}
		if err2 := json.Unmarshal(body, &envelope); err2 != nil || envelope.Schedules == nil {
			return nil, fmt.Errorf("parse schedules: %w", err)
		}
		list = envelope.Schedules
	}
	out := map[string][]Program{}
	for _, cs := range list {
		id := cs.ChannelID
		if id == "" {
			id = cs.CCID
		}
		if id == "" {
			continue
		}
		for _, up := range cs.Programs {
			if up.Start.IsZero() || up.End.IsZero() {
				continue
			}
			out[id] = append(out[id], Program{
				Title:           up.Title,
				Subtitle:        up.Subtitle,
				Description:     up.Description,
				Start:           up.Start.Time,
				End:             up.End.Time,
				Categories:      up.Categories,
				Genres:          up.Genres,
				Rating:          up.Rating,
				Season:          up.Season,
				Episode:         up.Episode,
				OriginalAirDate: up.OriginalAirDate,
			})
		}
	}
	return out, nil
}
