package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTable_saveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")

	in := NewTable()
	in.Replace([]Channel{
		{ID: "cnn", Name: "CNN", Number: "202", Category: "News"},
		{ID: "espn", Name: "ESPN", Number: "206", Category: "Sports", SearchTerms: []string{"espn hd"}},
	})
	if err := in.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out := NewTable()
	if err := out.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Len() != 2 {
		t.Fatalf("Len = %d, want 2", out.Len())
	}
	ch, ok := out.Get("espn")
	if !ok {
		t.Fatal("espn not found after round-trip")
	}
	if ch.Number != "206" || ch.Category != "Sports" {
		t.Errorf("espn = %+v", ch)
	}
	if len(ch.SearchTerms) != 1 || ch.SearchTerms[0] != "espn hd" {
		t.Errorf("SearchTerms = %v", ch.SearchTerms)
	}
}

func TestTable_loadMissingFile(t *testing.T) {
	tbl := NewTable()
	err := tbl.Load(filepath.Join(t.TempDir(), "nope.json"))
	if !os.IsNotExist(err) {
		t.Fatalf("want IsNotExist, got %v", err)
	}
}

func TestTable_loadRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "channels.json")
	doc := `{"channels":[{"id":"a","number":"1"},{"id":"a","number":"2"}]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl := NewTable()
	err := tbl.Load(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("want duplicate id error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		channels []Channel
		wantErr  string
	}{
		{"ok", []Channel{{ID: "a", Number: "1"}, {ID: "b", Number: "2"}}, ""},
		{"empty id", []Channel{{ID: "  "}}, "empty id"},
		{"dup id", []Channel{{ID: "a"}, {ID: "a"}}, "duplicate id"},
		{"dup number", []Channel{{ID: "a", Number: "7"}, {ID: "b", Number: "7"}}, "duplicate number"},
		{"blank numbers allowed", []Channel{{ID: "a"}, {ID: "b"}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.channels)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("want %q error, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTable_getUnknown(t *testing.T) {
	tbl := NewTable()
	tbl.Replace([]Channel{{ID: "a", Number: "1"}})
	if _, ok := tbl.Get("zzz"); ok {
		t.Fatal("Get(zzz) should miss")
	}
}

func TestWriteFileAtomic_replacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	if err := WriteFileAtomic(path, []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q", data)
	}
	// No stray temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}
