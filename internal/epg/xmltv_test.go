package epg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteXMLTVWindowFilter(t *testing.T) {
	now := time.Now().UTC()
	s := NewStore(t.TempDir())
	s.Replace(
		[]Channel{
			{ID: "c1", Name: "News One", Number: "7", CallSign: "KNWS", Logo: "https://img.example.com/7.png"},
			{ID: "c2", Name: "Sports & More", Number: "206"},
		},
		map[string][]Program{
			"c1": {
				{Title: "Past Show", Start: now.Add(-3 * time.Hour), End: now.Add(-2 * time.Hour)},
				{Title: "Now Showing", Start: now.Add(-10 * time.Minute), End: now.Add(50 * time.Minute)},
			},
			"c2": {
				{Title: "Tonight <Live>", Start: now.Add(2 * time.Hour), End: now.Add(3 * time.Hour)},
				{Title: "Far Future", Start: now.Add(30 * time.Hour), End: now.Add(31 * time.Hour)},
			},
		},
	)

	var b strings.Builder
	require.NoError(t, s.WriteXMLTV(&b, 24*time.Hour))
	out := b.String()

	assert.Contains(t, out, `<channel id="dtv-7">`)
	assert.Contains(t, out, `<channel id="dtv-206">`)
	assert.Contains(t, out, `<display-name>KNWS</display-name>`)
	assert.Contains(t, out, `icon src=`)

	// Only the in-window programmes survive: one airing now, one later today.
	assert.Contains(t, out, "Now Showing")
	assert.Contains(t, out, "Tonight &lt;Live&gt;")
	assert.NotContains(t, out, "Past Show")
	assert.NotContains(t, out, "Far Future")
	assert.Equal(t, 2, strings.Count(out, "<programme "))

	// Channel name escaping.
	assert.Contains(t, out, "Sports &amp; More")
}

func TestWriteXMLTVTimeFormat(t *testing.T) {
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	s := NewStore(t.TempDir())
	s.Replace(
		[]Channel{{ID: "c1", Name: "One", Number: "7"}},
		map[string][]Program{"c1": {{Title: "Show", Start: start, End: start.Add(time.Hour)}}},
	)
	var b strings.Builder
	require.NoError(t, s.WriteXMLTV(&b, 24*time.Hour))
	want := `start="` + start.Format("20060102150405 +0000") + `"`
	assert.Contains(t, b.String(), want)
}

func TestWriteXMLTVEpisodeNumAndDate(t *testing.T) {
	now := time.Now().UTC()
	s := NewStore(t.TempDir())
	s.Replace(
		[]Channel{{ID: "c1", Name: "One", Number: "7"}},
		map[string][]Program{"c1": {
			{
				Title: "Drama", Start: now, End: now.Add(time.Hour),
				Season: 3, Episode: 5,
				OriginalAirDate: "2023-11-02",
				Rating:          "TV-14",
				Categories:      []string{"Drama"},
				Genres:          []string{"Crime"},
			},
			{
				Title: "No Episode Info", Start: now, End: now.Add(time.Hour),
				Season: 2, // episode missing: no episode-num
			},
		}},
	)
	var b strings.Builder
	require.NoError(t, s.WriteXMLTV(&b, 24*time.Hour))
	out := b.String()

	assert.Contains(t, out, `<episode-num system="xmltv_ns">2.4.0</episode-num>`)
	assert.Equal(t, 1, strings.Count(out, "episode-num"), "episode-num needs both season and episode")
	assert.Contains(t, out, "<date>20231102</date>")
	assert.Contains(t, out, `<rating system="VCHIP">`)
	assert.Contains(t, out, "<value>TV-14</value>")
	assert.Contains(t, out, "<category>Drama</category>")
	assert.Contains(t, out, "<category>Crime</category>")
}

func TestCompactAirDate(t *testing.T) {
	tests := []struct{ in, want string }{
		{"2023-11-02", "20231102"},
		{"20231102", "20231102"},
		{"2023-11", ""},
		{"not-a-date", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := compactAirDate(tt.in); got != tt.want {
			t.Errorf("compactAirDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := NewStore(dir)
	s.Replace(
		[]Channel{{ID: "c1", Name: "One", Number: "7", CCID: "ccid-1"}},
		map[string][]Program{"c1": {{Title: "Show", Start: now, End: now.Add(time.Hour)}}},
	)
	require.NoError(t, s.Save())

	s2 := NewStore(dir)
	require.NoError(t, s2.Load())
	chans, progs := s2.Counts()
	assert.Equal(t, 1, chans)
	assert.Equal(t, 1, progs)
	assert.Equal(t, "One", s2.Channels()[0].Name)
	assert.False(t, s2.LastFetch().IsZero())
	assert.Less(t, s2.Age(), time.Minute)
}

func TestStoreAgeNeverFetched(t *testing.T) {
	s := NewStore(t.TempDir())
	assert.Greater(t, s.Age(), 100*365*24*time.Hour)
}
