// Package cache names the on-disk JSON cache files. Stable: a given cache
// dir always maps to the same layout, so restarts find their state.
package cache

import (
	"os"
	"path/filepath"
	"strings"
)

// Ensure creates the cache directory tree.
func Ensure(cacheDir string) error {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(cacheDir, "dumps"), 0o755)
}

// ChannelsFile is the live channel table.
func ChannelsFile(cacheDir string) string {
	return filepath.Join(cacheDir, "channels.json")
}

// ProvidersFile is the unified VOD catalog + stream extraction cache.
func ProvidersFile(cacheDir string) string {
	return filepath.Join(cacheDir, "providers.json")
}

// GuideChannelsFile is the captured EPG channel list.
func GuideChannelsFile(cacheDir string) string {
	return filepath.Join(cacheDir, "channels_epg.json")
}

// GuideFile is the captured EPG schedule data.
func GuideFile(cacheDir string) string {
	return filepath.Join(cacheDir, "epg.json")
}

// DumpFile is a debug capture path for an arbitrary ID (observed API bodies
// saved during troubleshooting). Same ID always maps to the same path.
func DumpFile(cacheDir, id string) string {
	return filepath.Join(cacheDir, "dumps", sanitizeID(id)+".json")
}

func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}
