package encoder

import (
	"bytes"
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

	"github.com/breeze-rmm/recorder/internal/media"
)

var codecEncoders = map[string]string{
	"vp8":  "libvpx",
	"vp9":  "libvpx-vp9",
	"av1":  "libaom-av1",
	"h264": "libx264",
	"avc1": "libx264",
	"opus": "libopus",
	"aac":  "aac",
	"mp4a": "aac",
}

var containerMuxers = map[string]string{
	"webm":       "webm",
	"mp4":        "mp4",
	"x-matroska": "matroska",
}

// FFmpegFactory encodes through an ffmpeg child process reading raw video
// on stdin and raw audio on fd 3.
type FFmpegFactory struct {
	Path         string
	VideoBitrate string
	AudioBitrate string

	probeOnce sync.Once
	encoders  map[string]bool
	probeErr  error
}

func NewFFmpegFactory(path string) *FFmpegFactory {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegFactory{Path: path, VideoBitrate: "2M", AudioBitrate: "128k"}
}

func (f *FFmpegFactory) Name() string { return "ffmpeg" }

// Encoders lists the encoders compiled into the ffmpeg binary. The probe
// runs once per factory.
func (f *FFmpegFactory) Encoders() (map[string]bool, error) {
	f.probeOnce.Do(func() {
		out, err := exec.Command(f.Path, "-hide_banner", "-encoders").Output()
		if err != nil {
			f.probeErr = fmt.Errorf("probe ffmpeg encoders: %w", err)
			return
		}
		f.encoders = ParseEncoders(string(out))
	})
	return f.encoders, f.probeErr
}

func (f *FFmpegFactory) Supports(p Profile) bool {
	available, err := f.Encoders()
	if err != nil {
		return false
	}
	_, _, err = resolveProfile(p, available)
	return err == nil
}

func (f *FFmpegFactory) New(p Profile, cfg Config) (Backend, error) {
	available, err := f.Encoders()
	if err != nil {
		return nil, err
	}
	enc, muxer, err := resolveProfile(p, available)
	if err != nil {
		return nil, err
	}
	if cfg.Video.FrameSize() <= 0 {
		return nil, fmt.Errorf("invalid video format %s", cfg.Video)
	}
	return &ffmpegBackend{
		bin:       f.Path,
		args:      encodeArgs(cfg, enc, muxer, f.VideoBitrate, f.AudioBitrate),
		frameSize: cfg.Video.FrameSize(),
		hasAudio:  cfg.Audio.SampleRate > 0 && enc.audio != "",
	}, nil
}

type streamEncoders struct {
	video string
	audio string
}

// resolveProfile maps the profile to ffmpeg encoder names and a muxer.
func resolveProfile(p Profile, available map[string]bool) (streamEncoders, string, error) {
	var enc streamEncoders
	muxer, ok := containerMuxers[p.Container()]
	if !ok {
		return enc, "", fmt.Errorf("container %q not supported", p.Container())
	}
	for _, c := range p.Codecs() {
		name, ok := codecEncoders[c]
		if !ok {
			return enc, "", fmt.Errorf("codec %q not supported", c)
		}
		if !available[name] {
			return enc, "", fmt.Errorf("ffmpeg encoder %s not available", name)
		}
		switch c {
		case "opus", "aac", "mp4a":
			enc.audio = name
		default:
			enc.video = name
		}
	}
	if enc.video == "" {
		return enc, "", fmt.Errorf("profile %s names no video codec", p)
	}
	return enc, muxer, nil
}

// ParseEncoders extracts encoder names from `ffmpeg -encoders` output.
func ParseEncoders(out string) map[string]bool {
	encoders := make(map[string]bool)
	listing := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "---") {
			listing = true
			continue
		}
		if !listing || len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// encodeArgs builds the ffmpeg command line for one recording.
func encodeArgs(cfg Config, enc streamEncoders, muxer, videoBitrate, audioBitrate string) []string {
	v := cfg.Video
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-use_wallclock_as_timestamps", "1",
		"-thread_queue_size", "512",
		"-f", "rawvideo",
		"-pix_fmt", media.PixelFormatYUV420P,
		"-video_size", fmt.Sprintf("%dx%d", v.Width, v.Height),
		"-framerate", strconv.Itoa(v.FPS),
		"-i", "pipe:0",
	}
	withAudio := cfg.Audio.SampleRate > 0 && enc.audio != ""
	if withAudio {
		args = append(args,
			"-use_wallclock_as_timestamps", "1",
			"-thread_queue_size", "512",
			"-f", "s16le",
			"-ar", strconv.Itoa(cfg.Audio.SampleRate),
			"-ac", strconv.Itoa(max(cfg.Audio.Channels, 1)),
			"-i", "pipe:3",
		)
	}
	args = append(args, "-map", "0:v")
	if withAudio {
		args = append(args, "-map", "1:a")
	}

	args = append(args, "-c:v", enc.video)
	switch enc.video {
	case "libvpx", "libvpx-vp9":
		args = append(args, "-deadline", "realtime", "-cpu-used", "8")
	case "libx264":
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency")
	}
	if videoBitrate != "" {
		args = append(args, "-b:v", videoBitrate)
	}
	if withAudio {
		args = append(args, "-c:a", enc.audio)
		if audioBitrate != "" {
			args = append(args, "-b:a", audioBitrate)
		}
	}

	switch muxer {
	case "mp4":
		// A regular mp4 needs a seekable output to write its index.
		args = append(args, "-movflags", "frag_keyframe+empty_moov")
	case "webm", "matroska":
		args = append(args, "-cluster_time_limit", "1000")
	}
	return append(args, "-f", muxer, "pipe:1")
}

type ffmpegBackend struct {
	bin       string
	args      []string
	frameSize int
	hasAudio  bool

	cmd       *exec.Cmd
	video     io.WriteCloser
	audio     *os.File
	stderr    bytes.Buffer
	copyDone  chan error
	closeOnce sync.Once
}

func (b *ffmpegBackend) Name() string { return "ffmpeg" }

func (b *ffmpegBackend) Start(out io.Writer) error {
	cmd := exec.Command(b.bin, b.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = &b.stderr

	var audioR *os.File
	if b.hasAudio {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("audio pipe: %w", err)
		}
		audioR, b.audio = r, w
		cmd.ExtraFiles = []*os.File{r}
	}

	if err := cmd.Start(); err != nil {
		if audioR != nil {
			audioR.Close()
			b.audio.Close()
		}
		return err
	}
	if audioR != nil {
		// The child holds its own copy.
		audioR.Close()
	}

	b.cmd = cmd
	b.video = stdin
	b.copyDone = make(chan error, 1)
	go func() {
		_, err := io.Copy(out, stdout)
		b.copyDone <- err
	}()
	return nil
}

func (b *ffmpegBackend) WriteVideo(s media.Sample) error {
	if len(s.Data) != b.frameSize {
		return fmt.Errorf("video frame is %d bytes, want %d", len(s.Data), b.frameSize)
	}
	_, err := b.video.Write(s.Data)
	return err
}

func (b *ffmpegBackend) WriteAudio(s media.Sample) error {
	if b.audio == nil {
		return nil
	}
	_, err := b.audio.Write(s.Data)
	return err
}

func (b *ffmpegBackend) closeInputs() {
	b.closeOnce.Do(func() {
		b.video.Close()
		if b.audio != nil {
			b.audio.Close()
		}
	})
}

// Finalize closes both inputs so ffmpeg writes the container trailer, then
// waits for all output to be copied out.
func (b *ffmpegBackend) Finalize(ctx context.Context) error {
	if b.cmd == nil {
		return errors.New("ffmpeg backend not started")
	}
	b.closeInputs()

	done := make(chan error, 1)
	go func() {
		copyErr := <-b.copyDone
		waitErr := b.cmd.Wait()
		if waitErr != nil {
			waitErr = fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(b.stderr.String()))
		}
		done <- errors.Join(copyErr, waitErr)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		b.cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		return ctx.Err()
	}
}

func (b *ffmpegBackend) Abort() error {
	if b.cmd == nil {
		return nil
	}
	b.closeInputs()
	if err := b.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-b.copyDone
	b.cmd.Wait()
	return nil
}
