package vod

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentURLRoundTrip(t *testing.T) {
	urls := []string{
		"https://cdn.example.com/seg/00001.ts",
		"https://cdn.example.com/seg/00001.ts?token=a%2Fb&exp=123",
		"http://10.0.0.1:8081/media/x.ts",
	}
	for _, u := range urls {
		enc := EncodeSegmentURL(u)
		assert.NotContains(t, enc, "/", "encoded url must be path-safe")
		assert.NotContains(t, enc, "+")
		dec, err := DecodeSegmentURL(enc)
		require.NoError(t, err)
		assert.Equal(t, u, dec)
	}
}

func TestDecodeSegmentURLToleratesPadding(t *testing.T) {
	enc := EncodeSegmentURL("https://cdn.example.com/a.ts")
	dec, err := DecodeSegmentURL(enc + "==")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a.ts", dec)
}

func TestResolveAgainst(t *testing.T) {
	base := "https://cdn.example.com/hls/movie/index.m3u8"
	tests := []struct {
		line string
		want string
	}{
		{"https://other.example.com/x.ts", "https://other.example.com/x.ts"},
		{"//mirror.example.com/x.ts", "https://mirror.example.com/x.ts"},
		{"/abs/path/x.ts", "https://cdn.example.com/abs/path/x.ts"},
		{"seg001.ts", "https://cdn.example.com/hls/movie/seg001.ts"},
	}
	for _, tt := range tests {
		if got := ResolveAgainst(base, tt.line); got != tt.want {
			t.Errorf("ResolveAgainst(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestResolveAgainstBaseWithoutPath(t *testing.T) {
	if got := ResolveAgainst("https://cdn.example.com", "x.ts"); got != "https://cdn.example.com/x.ts" {
		t.Errorf("got %q", got)
	}
}

func TestRewritePlaylist(t *testing.T) {
	playlist := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXTINF:6.0,",
		"seg001.ts",
		"#EXTINF:6.0,",
		"/root/seg002.ts",
		"#EXT-X-ENDLIST",
	}, "\n")
	out := string(Rewrite([]byte(playlist), "/vod/flixer", "tt123", "https://cdn.example.com/hls/index.m3u8"))

	assert.NotContains(t, out, "#EXT-X-ENDLIST", "endlist must be stripped so players treat the stream as live")
	assert.Contains(t, out, "#EXT-X-VERSION:3")
	assert.Contains(t, out, "?cid=tt123")

	// every URL line points at the proxy and decodes back to the upstream URL
	var urlLines []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			urlLines = append(urlLines, line)
		}
	}
	require.Len(t, urlLines, 2)
	for i, want := range []string{
		"https://cdn.example.com/hls/seg001.ts",
		"https://cdn.example.com/root/seg002.ts",
	} {
		require.True(t, strings.HasPrefix(urlLines[i], "/vod/flixer/segment/"), "line %q", urlLines[i])
		enc := strings.TrimPrefix(urlLines[i], "/vod/flixer/segment/")
		enc = enc[:strings.Index(enc, "?")]
		dec, err := DecodeSegmentURL(enc)
		require.NoError(t, err)
		assert.Equal(t, want, dec)
	}
}

func TestSegmentURLsSkipsComments(t *testing.T) {
	playlist := "#EXTM3U\n#EXTINF:6.0,\na.ts\n\n#EXTINF:6.0,\nb.ts\n"
	urls := SegmentURLs([]byte(playlist), "https://cdn.example.com/p/index.m3u8")
	assert.Equal(t, []string{
		"https://cdn.example.com/p/a.ts",
		"https://cdn.example.com/p/b.ts",
	}, urls)
}
