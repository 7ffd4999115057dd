// Package epg captures the upstream guide's channel and schedule APIs through
// an observed browser session and emits XMLTV.
package epg

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/webtuner/webtuner/internal/cache"
	"github.com/webtuner/webtuner/internal/catalog"
)

// Channel is one guide channel with live streaming enabled.
type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	CallSign string `json:"callSign,omitempty"`
	CCID     string `json:"ccid,omitempty"`
	Logo     string `json:"logo,omitempty"`
	Format   string `json:"format,omitempty"` // HD/SD
}

// Program is one scheduled airing.
type Program struct {
	Title           string    `json:"title"`
	Subtitle        string    `json:"subtitle,omitempty"`
	Description     string    `json:"description,omitempty"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Categories      []string  `json:"categories,omitempty"`
	Genres          []string  `json:"genres,omitempty"`
	Rating          string    `json:"rating,omitempty"`
	Season          int       `json:"season,omitempty"`
	Episode         int       `json:"episode,omitempty"`
	OriginalAirDate string    `json:"originalAirDate,omitempty"` // YYYY-MM-DD
}

// Store holds the captured guide data and its JSON cache files
// (channels.json and epg.json under the cache dir).
type Store struct {
	mu        sync.RWMutex
	channels  []Channel
	schedules map[string][]Program // keyed by channel ID
	lastFetch time.Time

	channelsPath string
	epgPath      string
}

type channelsDoc struct {
	Channels []Channel `json:"channels"`
}

type epgDoc struct {
	LastFetch int64                `json:"lastFetch"` // epoch ms
	Schedules map[string][]Program `json:"schedules"`
}

// NewStore returns a store backed by cacheDir (not yet loaded).
func NewStore(cacheDir string) *Store {
	return &Store{
		schedules:    map[string][]Program{},
		channelsPath: cache.GuideChannelsFile(cacheDir),
		epgPath:      cache.GuideFile(cacheDir),
	}
}

// Load reads both cache files. Missing files are not errors.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, err := os.ReadFile(s.channelsPath); err == nil {
		var doc channelsDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		s.channels = doc.Channels
	} else if !os.IsNotExist(err) {
		return err
	}
	if data, err := os.ReadFile(s.epgPath); err == nil {
		var doc epgDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if doc.Schedules != nil {
			s.schedules = doc.Schedules
		}
		if doc.LastFetch > 0 {
			s.lastFetch = time.UnixMilli(doc.LastFetch)
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Save writes both cache files atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	chDoc := channelsDoc{Channels: s.channels}
	eDoc := epgDoc{LastFetch: s.lastFetch.UnixMilli(), Schedules: s.schedules}
	s.mu.RUnlock()

	chData, err := json.MarshalIndent(chDoc, "", "  ")
	if err != nil {
		return err
	}
	if err := catalog.WriteFileAtomic(s.channelsPath, chData); err != nil {
		return err
	}
	eData, err := json.MarshalIndent(eDoc, "", "  ")
	if err != nil {
		return err
	}
	return catalog.WriteFileAtomic(s.epgPath, eData)
}

// Replace swaps in a freshly captured dataset and stamps lastFetch.
func (s *Store) Replace(channels []Channel, schedules map[string][]Program) {
	s.mu.Lock()
	s.channels = channels
	if schedules == nil {
		schedules = map[string][]Program{}
	}
	s.schedules = schedules
	s.lastFetch = time.Now()
	s.mu.Unlock()
}

// Channels returns a copy of the channel list.
func (s *Store) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// Programs returns the schedule for one channel ID.
func (s *Store) Programs(channelID string) []Program {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schedules[channelID]
}

// Counts reports channel and program totals.
func (s *Store) Counts() (channels, programs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ps := range s.schedules {
		programs += len(ps)
	}
	return len(s.channels), programs
}

// LastFetch reports when the data was last captured (zero = never).
func (s *Store) LastFetch() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastFetch
}

// Age is the time since the last successful capture; a never-fetched store
// reports a very large age so staleness checks trigger.
func (s *Store) Age() time.Duration {
	lf := s.LastFetch()
	if lf.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(lf)
}
