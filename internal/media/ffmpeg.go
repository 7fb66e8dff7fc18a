package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("media")

const defaultStartTimeout = 15 * time.Second

// FFmpegProvider captures the display and audio devices by running ffmpeg
// with a platform input device (x11grab, avfoundation, gdigrab, pulse,
// dshow) and reading raw frames from its stdout.
type FFmpegProvider struct {
	Path string

	DisplayFormat string
	DisplayInput  string

	SystemAudioFormat string
	SystemAudioInput  string

	MicFormat string
	MicInput  string

	// StartTimeout bounds how long a device may take to deliver its first
	// frame. A permission prompt counts against it.
	StartTimeout time.Duration
}

func (p *FFmpegProvider) binary() (string, error) {
	path := p.Path
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: ffmpeg not found at %q", ErrNotSupported, path)
	}
	return resolved, nil
}

func (p *FFmpegProvider) RequestDisplay(ctx context.Context, c DisplayConstraints) (*Stream, error) {
	if p.DisplayFormat == "" {
		return nil, fmt.Errorf("%w: no display input format configured", ErrNotSupported)
	}
	bin, err := p.binary()
	if err != nil {
		return nil, err
	}

	format := Format{Width: c.Width, Height: c.Height, FPS: c.FPS, PixelFormat: PixelFormatYUV420P}
	video, err := p.open(ctx, bin, KindVideo, "display", format,
		DisplayArgs(p.DisplayFormat, p.DisplayInput, c), format.FrameSize(), time.Second/time.Duration(c.FPS))
	if err != nil {
		return nil, err
	}

	tracks := []Track{video}
	if c.SystemAudio && p.SystemAudioFormat != "" {
		af := Format{SampleRate: c.SampleRate, Channels: 1}
		audio, err := p.open(ctx, bin, KindAudio, "system audio", af,
			AudioArgs(p.SystemAudioFormat, p.SystemAudioInput, c.SampleRate),
			SamplesPerFrame(c.SampleRate)*2, AudioFrameDuration)
		switch {
		case err == nil:
			tracks = append(tracks, audio)
		case ctx.Err() != nil:
			_ = video.Stop()
			return nil, ctx.Err()
		default:
			// System audio is optional; the display capture stands on its own.
			log.Warn("system audio unavailable, recording display without it", logging.KeyError, err)
		}
	}
	return NewStream(tracks...), nil
}

func (p *FFmpegProvider) RequestMicrophone(ctx context.Context, c AudioConstraints) (*Stream, error) {
	if p.MicFormat == "" {
		return nil, fmt.Errorf("%w: no microphone input format configured", ErrNotSupported)
	}
	bin, err := p.binary()
	if err != nil {
		return nil, err
	}
	af := Format{SampleRate: c.SampleRate, Channels: 1}
	mic, err := p.open(ctx, bin, KindAudio, "microphone", af,
		AudioArgs(p.MicFormat, p.MicInput, c.SampleRate),
		SamplesPerFrame(c.SampleRate)*2, AudioFrameDuration)
	if err != nil {
		return nil, err
	}
	return NewStream(mic), nil
}

// DisplayArgs builds the ffmpeg arguments for a raw yuv420p display capture.
func DisplayArgs(inputFormat, input string, c DisplayConstraints) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", inputFormat,
		"-framerate", strconv.Itoa(c.FPS),
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d,fps=%d", c.Width, c.Height, c.FPS),
		"-pix_fmt", PixelFormatYUV420P,
		"-f", "rawvideo",
		"pipe:1",
	}
}

// AudioArgs builds the ffmpeg arguments for a mono s16le audio capture.
func AudioArgs(inputFormat, input string, sampleRate int) []string {
	return []string{
		"-hide_banner", "-nostdin", "-loglevel", "error",
		"-f", inputFormat,
		"-i", input,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-f", "s16le",
		"pipe:1",
	}
}

// open starts an ffmpeg capture and waits for its first frame, so that a
// refused permission or a missing device fails the request instead of
// surfacing later as an ended track.
func (p *FFmpegProvider) open(ctx context.Context, bin string, kind Kind, label string, format Format, args []string, frameSize int, frameDur time.Duration) (*LocalTrack, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("invalid %s frame size %d", label, frameSize)
	}
	proc, err := startProcess(bin, args)
	if err != nil {
		return nil, fmt.Errorf("start %s capture: %w", label, err)
	}

	timeout := p.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	first := make(chan error, 1)
	buf := make([]byte, frameSize)
	go func() {
		_, err := io.ReadFull(proc.stdout, buf)
		first <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-first:
		if err != nil {
			proc.kill()
			proc.wait()
			return nil, classifyFFmpegError(label, proc.stderr.String(), err)
		}
	case <-ctx.Done():
		proc.kill()
		<-first
		proc.wait()
		return nil, ctx.Err()
	case <-timer.C:
		proc.kill()
		<-first
		proc.wait()
		return nil, fmt.Errorf("%s capture did not start within %s", label, timeout)
	}

	track := NewTrack(kind, label, format, proc.kill)
	start := time.Now()
	track.Write(Sample{Data: buf, Duration: frameDur, Timestamp: start})
	go proc.pump(track, frameSize, frameDur)

	log.Info("capture started", "track", label, "format", format.String(), "pid", proc.cmd.Process.Pid)
	return track, nil
}

type process struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *tailBuffer
	waitOnce sync.Once
	waitErr  error
}

func startProcess(bin string, args []string) (*process, error) {
	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	tail := &tailBuffer{limit: 4096}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &process{cmd: cmd, stdout: stdout, stderr: tail}, nil
}

// pump reads fixed-size frames until ffmpeg exits. An exit that was not
// requested through Stop ends the track, which the pipeline treats as the
// capture being stopped from outside.
func (p *process) pump(t *LocalTrack, frameSize int, frameDur time.Duration) {
	defer p.wait()
	for {
		buf := make([]byte, frameSize)
		if _, err := io.ReadFull(p.stdout, buf); err != nil {
			if !t.Stopped() {
				log.Warn("capture source ended",
					"track", t.Label(),
					logging.KeyError, err,
					"stderr", strings.TrimSpace(p.stderr.String()))
			}
			t.End()
			return
		}
		t.Write(Sample{Data: buf, Duration: frameDur, Timestamp: time.Now()})
	}
}

func (p *process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill ffmpeg pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *process) wait() {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
}

var permissionMarkers = []string{
	"permission denied",
	"operation not permitted",
	"not authorized",
	"access denied",
	"access is denied",
}

var missingDeviceMarkers = []string{
	"no such file or directory",
	"no such device",
	"cannot open display",
	"could not find video device",
	"could not find audio only device",
	"input/output error",
}

func classifyFFmpegError(label, stderr string, readErr error) error {
	lower := strings.ToLower(stderr)
	msg := strings.TrimSpace(stderr)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%s capture: %w: %s", label, ErrPermissionDenied, msg)
		}
	}
	for _, m := range missingDeviceMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%s capture: %w: %s", label, ErrDeviceNotFound, msg)
		}
	}
	if msg == "" {
		return fmt.Errorf("%s capture exited before delivering a frame: %w", label, readErr)
	}
	return fmt.Errorf("%s capture exited before delivering a frame: %s", label, msg)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
