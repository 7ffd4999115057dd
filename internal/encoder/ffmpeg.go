package encoder

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// process abstracts the spawned encoder so tests can stand in for ffmpeg.
type process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Stop() // polite terminate
	Kill()
	Wait() error
	Pid() int
}

type spawnFunc func(cfg Config, useHW bool) (process, error)

type ffmpegProc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *ffmpegProc) Stdout() io.Reader { return p.stdout }
func (p *ffmpegProc) Stderr() io.Reader { return p.stderr }
func (p *ffmpegProc) Pid() int          { return p.cmd.Process.Pid }
func (p *ffmpegProc) Wait() error       { return p.cmd.Wait() }

func (p *ffmpegProc) Stop() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (p *ffmpegProc) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func spawnFFmpeg(cfg Config, useHW bool) (process, error) {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.Command(path, buildArgs(cfg, useHW)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ffmpegProc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// buildArgs assembles the ffmpeg command line: grab the virtual display and
// the null-sink monitor, encode H.264/AAC, emit MPEG-TS on stdout.
func buildArgs(cfg Config, useHW bool) []string {
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}
	audio := "default"
	if cfg.Sink != "" {
		audio = cfg.Sink + ".monitor"
	}
	args := []string{
		"-hide_banner", "-loglevel", "warning", "-stats",
		"-f", "x11grab",
		"-framerate", strconv.Itoa(fps),
		"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-i", cfg.Display,
		"-f", "pulse",
		"-i", audio,
	}
	switch {
	case useHW && cfg.HWAccel == "vaapi":
		args = append(args,
			"-vaapi_device", "/dev/dri/renderD128",
			"-vf", "format=nv12,hwupload",
			"-c:v", "h264_vaapi",
		)
	case useHW && cfg.HWAccel == "nvenc":
		args = append(args,
			"-c:v", "h264_nvenc",
			"-preset", "p4",
			"-tune", "ll",
		)
	default:
		args = append(args,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-tune", "zerolatency",
			"-pix_fmt", "yuv420p",
		)
	}
	args = append(args,
		"-b:v", cfg.VideoBitrate,
		"-maxrate", cfg.VideoBitrate,
		"-g", strconv.Itoa(fps*2),
		"-c:a", "aac",
		"-b:a", cfg.AudioBitrate,
		"-ar", "44100",
		"-ac", "2",
		"-f", "mpegts",
		"-mpegts_flags", "+resend_headers+pat_pmt_at_frames",
		"pipe:1",
	)
	return args
}

// forEachLogLine splits the encoder's log stream into lines, treating '\r'
// as a terminator too: ffmpeg rewrites its "frame=" progress line in place.
func forEachLogLine(r io.Reader, fn func(line string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	sc.Split(scanLogLines)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			fn(line)
		}
	}
}

func scanLogLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseFrameCount extracts N from ffmpeg progress lines ("frame=  123 fps=...").
func parseFrameCount(line string) (uint64, bool) {
	if !strings.HasPrefix(line, "frame=") {
		return 0, false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "frame="))
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		end = len(rest)
	}
	n, err := strconv.ParseUint(rest[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// hwInitMarkers are log fragments that mean the GPU encoder itself failed to
// initialize (as opposed to a transient capture error).
var hwInitMarkers = []string{
	"Failed to initialise VAAPI",
	"Failed to create a VAAPI device",
	"No VA display found",
	"Cannot load libcuda",
	"Cannot init CUDA",
	"OpenEncodeSessionEx failed",
	"No capable devices found",
	"Device creation failed",
	"Error while opening encoder",
}

func isHWInitError(line string) bool {
	for _, m := range hwInitMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func isEncoderError(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "error") || strings.Contains(l, "failed") ||
		strings.Contains(l, "cannot") || strings.Contains(l, "invalid")
}
