package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessEnv(t *testing.T) {
	tests := []struct {
		name    string
		display string
		sink    string
		want    []string
	}{
		{"display and sink", ":101", "tuner_sink_1", []string{"DISPLAY=:101", "PULSE_SINK=tuner_sink_1"}},
		{"display only", ":100", "", []string{"DISPLAY=:100"}},
		{"sink only", "", "tuner_sink_0", []string{"PULSE_SINK=tuner_sink_0"}},
		{"neither", "", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, processEnv(tt.display, tt.sink))
		})
	}
}
