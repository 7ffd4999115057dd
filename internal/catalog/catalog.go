package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Channel is one live channel in the upstream guide.
// ID is the stable identifier used in /stream/{ID}; Number selects the row in
// the upstream guide; SearchTerms drive fuzzy matching against guide labels
// (e.g. local affiliate call signs that beat a bare channel name).
type Channel struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Number      string   `json:"number"`
	Category    string   `json:"category,omitempty"`
	SearchTerms []string `json:"search_terms,omitempty"`
}

// Table is the loaded channel table. Lookups are by ID.
type Table struct {
	mu       sync.RWMutex
	channels []Channel
	byID     map[string]int
}

// NewTable returns an empty channel table.
func NewTable() *Table {
	return &Table{byID: map[string]int{}}
}

// Replace swaps in a new channel list.
func (t *Table) Replace(channels []Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels = channels
	t.byID = make(map[string]int, len(channels))
	for i, ch := range channels {
		t.byID[ch.ID] = i
	}
}

// Get returns the channel with the given id.
func (t *Table) Get(id string) (Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[id]
	if !ok {
		return Channel{}, false
	}
	return t.channels[i], true
}

// Snapshot returns a copy of all channels.
func (t *Table) Snapshot() []Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Channel, len(t.channels))
	copy(out, t.channels)
	return out
}

// Len returns the number of channels.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}

// Load replaces the table with the contents of path ({"channels":[...]}).
func (t *Table) Load(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	var out struct {
		Channels []Channel `json:"channels"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("channel table %s: %w", path, err)
	}
	if err := Validate(out.Channels); err != nil {
		return fmt.Errorf("channel table %s: %w", path, err)
	}
	t.Replace(out.Channels)
	return nil
}

// Save writes the table to path as {"channels":[...]}.
func (t *Table) Save(path string) error {
	t.mu.RLock()
	doc := struct {
		Channels []Channel `json:"channels"`
	}{Channels: t.channels}
	data, err := json.MarshalIndent(doc, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// Validate rejects duplicate ids, duplicate numbers, and empty ids.
func Validate(channels []Channel) error {
	ids := make(map[string]struct{}, len(channels))
	nums := make(map[string]struct{}, len(channels))
	for i, ch := range channels {
		id := strings.TrimSpace(ch.ID)
		if id == "" {
			return fmt.Errorf("channels[%d]: empty id", i)
		}
		if _, dup := ids[id]; dup {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, id)
		}
		ids[id] = struct{}{}
		if n := strings.TrimSpace(ch.Number); n != "" {
			if _, dup := nums[n]; dup {
				return fmt.Errorf("channels[%d]: duplicate number %q", i, n)
			}
			nums[n] = struct{}{}
		}
	}
	return nil
}

// WriteFileAtomic writes data to path via temp-file-then-rename so readers
// never see a partially-written file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".webtuner-*.tmp")
	if err != nil {
		return fmt.Errorf("save: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("save: write: %w", writeErr)
		}
		return fmt.Errorf("save: close: %w", closeErr)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save: chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save: rename: %w", err)
	}
	return nil
}
