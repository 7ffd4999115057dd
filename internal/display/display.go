// Package display manages the virtual framebuffer and audio sink a tuner
// captures from. Tuner i owns display :base+i and a dedicated pulse null-sink;
// nothing else writes to either while the tuner holds them.
package display

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Display is one virtual X display plus its paired pulse null-sink.
type Display struct {
	Num    int
	Width  int
	Height int
	Sink   string // pulse null-sink name; capture reads Sink+".monitor"

	xvfb      *exec.Cmd
	sinkIndex string // pactl module index, for unload on Close
}

// Name returns the X display name, e.g. ":101".
func (d *Display) Name() string { return fmt.Sprintf(":%d", d.Num) }

// SinkName builds the null-sink name for a tuner display.
func SinkName(prefix string, num int) string {
	return fmt.Sprintf("%s_%d", prefix, num)
}

// SocketPath returns the X server unix socket for a display number.
func SocketPath(num int) string {
	return fmt.Sprintf("/tmp/.X11-unix/X%d", num)
}

// Start brings up Xvfb on :num and loads a null-sink. The returned Display
// must be Closed; a failed start cleans up after itself.
func Start(ctx context.Context, num, width, height int, sinkPrefix string) (*Display, error) {
	d := &Display{Num: num, Width: width, Height: height, Sink: SinkName(sinkPrefix, num)}

	// Xvfb lives for the whole tuner lifetime, not one request; detach it
	// from ctx and kill it explicitly in Close.
	d.xvfb = exec.Command("Xvfb", d.Name(),
		"-screen", "0", fmt.Sprintf("%dx%dx24", width, height),
		"-nolisten", "tcp")
	if err := d.xvfb.Start(); err != nil {
		return nil, fmt.Errorf("display %s: start Xvfb: %w", d.Name(), err)
	}
	if err := d.waitReady(ctx, 5*time.Second); err != nil {
		_ = d.xvfb.Process.Kill()
		_ = d.xvfb.Wait()
		return nil, err
	}

	out, err := exec.CommandContext(ctx, "pactl", "load-module", "module-null-sink",
		"sink_name="+d.Sink,
		fmt.Sprintf("sink_properties=device.description=%s", d.Sink)).Output()
	if err != nil {
		log.Printf("display %s: null-sink %s unavailable, capture will use the default source: %v", d.Name(), d.Sink, err)
		d.Sink = ""
	} else {
		d.sinkIndex = strings.TrimSpace(string(out))
	}

	log.Printf("display %s: ready %dx%d sink=%s", d.Name(), width, height, d.Sink)
	return d, nil
}

// waitReady polls for the X socket until the server accepts connections.
func (d *Display) waitReady(ctx context.Context, cap time.Duration) error {
	deadline := time.Now().Add(cap)
	sock := SocketPath(d.Num)
	for {
		if _, err := os.Stat(sock); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("display %s: Xvfb socket %s not ready after %s", d.Name(), sock, cap)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Close unloads the sink and stops Xvfb. Safe to call more than once.
func (d *Display) Close() {
	if d.sinkIndex != "" {
		if err := exec.Command("pactl", "unload-module", d.sinkIndex).Run(); err != nil {
			log.Printf("display %s: unload sink module %s: %v", d.Name(), d.sinkIndex, err)
		}
		d.sinkIndex = ""
	}
	if d.xvfb != nil && d.xvfb.Process != nil {
		_ = d.xvfb.Process.Kill()
		_ = d.xvfb.Wait()
		d.xvfb = nil
	}
}
