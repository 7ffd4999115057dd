package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds tuner pool + VOD proxy + EPG settings.
// Load from env; call LoadEnvFile(".env") before Load() to use a .env file.
type Config struct {
	// HTTP
	Addr    string // e.g. :8080
	BaseURL string // e.g. http://192.168.1.10:8080, used in playlist stream URLs

	// Paths
	CacheDir     string // JSON caches (channels, EPG, provider catalog/streams)
	ChannelsPath string // channel table JSON; "" = CacheDir/channels.json
	ProfileDir   string // browser profile directory (auth/cookies live here)

	// Browser
	BrowserPath      string // chrome/chromium binary; "" = let the launcher find one
	BrowserDebugPort int    // base remote debugging port; tuner i's browser uses base+i
	GuideURL         string // upstream guide view URL the tuners navigate to
	SiteHost         string // upstream site hostname (EPG API filter)

	// Tuner pool
	TunerCount     int
	DisplayBase    int           // tuner i uses display :DisplayBase+i
	DisplayWidth   int
	DisplayHeight  int
	IdleTimeout    time.Duration // release a streaming tuner with no clients after this
	ReaperInterval time.Duration

	// Capture encoder
	FFmpegPath     string
	HWAccel        string // "off" | "vaapi" | "nvenc"
	VideoBitrate   string // e.g. 4000k
	AudioBitrate   string // e.g. 128k
	FrameRate      int
	EncoderIdle    time.Duration // encoder self-stop after clients drain
	SinkPrefix     string        // pulse null-sink name prefix, one sink per tuner

	// VOD
	SegmentCacheSize    int
	SegmentCacheTTL     time.Duration
	StreamRefreshEvery  time.Duration // StreamEntry refresh timer tick
	StreamRefreshAfter  time.Duration // re-extract when URL older than this
	StreamInactivity    time.Duration // drop StreamEntry when unused this long
	PrefetchDelay       time.Duration // inter-segment delay during prefetch
	UpstreamPerHost     int           // per-host concurrent upstream fetches

	// EPG
	EPGRefreshHours int           // auto-refresh interval in hours; 0 = disabled
	EPGWindow       time.Duration // programme emission window (default 24h)
	EPGSettle       time.Duration // how long the ingestor waits for lazy loads
}

// Load reads config from environment with WEBTUNER_ prefix.
func Load() *Config {
	c := &Config{
		Addr:               getEnv("WEBTUNER_ADDR", ":8080"),
		BaseURL:            os.Getenv("WEBTUNER_BASE_URL"),
		CacheDir:           getEnv("WEBTUNER_CACHE_DIR", "/var/lib/webtuner"),
		ChannelsPath:       os.Getenv("WEBTUNER_CHANNELS_FILE"),
		ProfileDir:         getEnv("WEBTUNER_PROFILE_DIR", "/var/lib/webtuner/profile"),
		BrowserPath:        os.Getenv("WEBTUNER_BROWSER_PATH"),
		BrowserDebugPort:   getEnvInt("WEBTUNER_BROWSER_DEBUG_PORT", 9222),
		GuideURL:           getEnv("WEBTUNER_GUIDE_URL", "https://stream.directv.com/guide"),
		SiteHost:           getEnv("WEBTUNER_SITE_HOST", "stream.directv.com"),
		TunerCount:         getEnvInt("WEBTUNER_TUNER_COUNT", 2),
		DisplayBase:        getEnvInt("WEBTUNER_DISPLAY_BASE", 100),
		DisplayWidth:       getEnvInt("WEBTUNER_DISPLAY_WIDTH", 1280),
		DisplayHeight:      getEnvInt("WEBTUNER_DISPLAY_HEIGHT", 720),
		IdleTimeout:        getEnvDuration("WEBTUNER_IDLE_TIMEOUT", 3*time.Minute),
		ReaperInterval:     getEnvDuration("WEBTUNER_REAPER_INTERVAL", time.Minute),
		FFmpegPath:         getEnv("WEBTUNER_FFMPEG_PATH", "ffmpeg"),
		HWAccel:            getEnvHWAccel("WEBTUNER_HWACCEL", "off"),
		VideoBitrate:       getEnv("WEBTUNER_VIDEO_BITRATE", "4000k"),
		AudioBitrate:       getEnv("WEBTUNER_AUDIO_BITRATE", "128k"),
		FrameRate:          getEnvInt("WEBTUNER_FRAMERATE", 30),
		EncoderIdle:        getEnvDuration("WEBTUNER_ENCODER_IDLE", 30*time.Second),
		SinkPrefix:         getEnv("WEBTUNER_SINK_PREFIX", "webtuner"),
		SegmentCacheSize:   getEnvInt("WEBTUNER_SEGMENT_CACHE_SIZE", 600),
		SegmentCacheTTL:    getEnvDuration("WEBTUNER_SEGMENT_CACHE_TTL", 15*time.Minute),
		StreamRefreshEvery: getEnvDuration("WEBTUNER_STREAM_REFRESH_TICK", 15*time.Second),
		StreamRefreshAfter: getEnvDuration("WEBTUNER_STREAM_REFRESH_AFTER", 60*time.Second),
		StreamInactivity:   getEnvDuration("WEBTUNER_STREAM_INACTIVITY", 5*time.Minute),
		PrefetchDelay:      getEnvDuration("WEBTUNER_PREFETCH_DELAY", 20*time.Millisecond),
		UpstreamPerHost:    getEnvInt("WEBTUNER_UPSTREAM_PER_HOST", 8),
		EPGRefreshHours:    getEnvInt("WEBTUNER_EPG_REFRESH_HOURS", 12),
		EPGWindow:          getEnvDuration("WEBTUNER_EPG_WINDOW", 24*time.Hour),
		EPGSettle:          getEnvDuration("WEBTUNER_EPG_SETTLE", 8*time.Second),
	}
	if c.TunerCount <= 0 {
		c.TunerCount = 2
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * time.Minute
	}
	if c.SegmentCacheSize <= 0 {
		c.SegmentCacheSize = 600
	}
	// Refresh must beat the observed upstream URL expiry (~2m).
	if c.StreamRefreshAfter <= 0 || c.StreamRefreshAfter >= 2*time.Minute {
		c.StreamRefreshAfter = 60 * time.Second
	}
	if c.EPGWindow <= 0 {
		c.EPGWindow = 24 * time.Hour
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return defaultVal
		}
		return n
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvHWAccel returns "off", "vaapi", or "nvenc" from key.
func getEnvHWAccel(key, defaultVal string) string {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch v {
	case "vaapi", "nvenc":
		return v
	case "off", "false", "0", "no", "none":
		return "off"
	case "":
		return defaultVal
	}
	return defaultVal
}
