package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTunerProfileDir(t *testing.T) {
	tests := []struct {
		name string
		base string
		i    int
		want string
	}{
		{"tuner 0 keeps the configured profile", "/var/lib/webtuner/profile", 0, "/var/lib/webtuner/profile"},
		{"tuner 1 gets a sibling", "/var/lib/webtuner/profile", 1, "/var/lib/webtuner/profile-1"},
		{"tuner 3 gets a sibling", "/var/lib/webtuner/profile", 3, "/var/lib/webtuner/profile-3"},
		{"empty base stays empty", "", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tunerProfileDir(tt.base, tt.i))
		})
	}
}
