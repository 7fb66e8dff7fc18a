package encoder

import (
	"slices"
	"testing"

	"github.com/breeze-rmm/recorder/internal/media"
)

func TestProfileParts(t *testing.T) {
	tests := []struct {
		profile   Profile
		mime      string
		container string
		ext       string
		codecs    []string
	}{
		{ProfileVP9Opus, "video/webm", "webm", "webm", []string{"vp9", "opus"}},
		{ProfileVP8Opus, "video/webm", "webm", "webm", []string{"vp8", "opus"}},
		{`video/mp4; codecs="avc1.42E01E, mp4a.40.2"`, "video/mp4", "mp4", "mp4", []string{"avc1", "mp4a"}},
		{"video/x-matroska;codecs=h264", "video/x-matroska", "x-matroska", "mkv", []string{"h264"}},
		{"video/webm", "video/webm", "webm", "webm", nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			if got := tt.profile.MIMEType(); got != tt.mime {
				t.Errorf("MIMEType = %q, want %q", got, tt.mime)
			}
			if got := tt.profile.Container(); got != tt.container {
				t.Errorf("Container = %q, want %q", got, tt.container)
			}
			if got := tt.profile.Extension(); got != tt.ext {
				t.Errorf("Extension = %q, want %q", got, tt.ext)
			}
			if got := tt.profile.Codecs(); !slices.Equal(got, tt.codecs) {
				t.Errorf("Codecs = %v, want %v", got, tt.codecs)
			}
		})
	}
}

func TestParseProfile(t *testing.T) {
	if _, err := ParseProfile(" video/webm;codecs=vp9,opus "); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}
	for _, bad := range []string{"", "webm", "video/webm", "text/plain;codecs=x"} {
		if _, err := ParseProfile(bad); err == nil {
			t.Errorf("ParseProfile(%q) accepted", bad)
		}
	}
}

func TestCodecMimeTypes(t *testing.T) {
	got := ProfileVP9Opus.CodecMimeTypes()
	want := []string{"video/VP9", "audio/opus"}
	if !slices.Equal(got, want) {
		t.Fatalf("CodecMimeTypes = %v, want %v", got, want)
	}
}

const encodersOutput = `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC (codec h264)
 V....D libvpx               libvpx VP8 (codec vp8)
 A....D libopus              libopus Opus (codec opus)
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestParseEncoders(t *testing.T) {
	got := ParseEncoders(encodersOutput)
	for _, name := range []string{"libx264", "libvpx", "libopus", "aac"} {
		if !got[name] {
			t.Errorf("encoder %s missing", name)
		}
	}
	if got["="] || got["libvpx-vp9"] {
		t.Errorf("unexpected entries: %v", got)
	}
}

func TestResolveProfileFallsBackWithoutVP9(t *testing.T) {
	available := ParseEncoders(encodersOutput)
	if _, _, err := resolveProfile(ProfileVP9Opus, available); err == nil {
		t.Fatal("vp9 resolved without libvpx-vp9")
	}
	enc, muxer, err := resolveProfile(ProfileVP8Opus, available)
	if err != nil {
		t.Fatalf("resolve vp8: %v", err)
	}
	if enc.video != "libvpx" || enc.audio != "libopus" || muxer != "webm" {
		t.Fatalf("resolved %+v via %s", enc, muxer)
	}
}

func TestEncodeArgs(t *testing.T) {
	cfg := Config{
		Video: media.Format{Width: 1280, Height: 720, FPS: 15, PixelFormat: media.PixelFormatYUV420P},
		Audio: media.Format{SampleRate: 48000, Channels: 1},
	}
	args := encodeArgs(cfg, streamEncoders{video: "libvpx-vp9", audio: "libopus"}, "webm", "2M", "128k")
	for _, run := range [][]string{
		{"-video_size", "1280x720"},
		{"-i", "pipe:0"},
		{"-ar", "48000"},
		{"-i", "pipe:3"},
		{"-c:v", "libvpx-vp9", "-deadline", "realtime"},
		{"-c:a", "libopus", "-b:a", "128k"},
		{"-f", "webm", "pipe:1"},
	} {
		if !hasRun(args, run) {
			t.Errorf("args missing %v: %v", run, args)
		}
	}

	videoOnly := encodeArgs(Config{Video: cfg.Video}, streamEncoders{video: "libvpx"}, "webm", "", "")
	if slices.Contains(videoOnly, "pipe:3") || slices.Contains(videoOnly, "-c:a") {
		t.Errorf("video-only args reference audio: %v", videoOnly)
	}
}

func hasRun(haystack, run []string) bool {
	for i := range haystack {
		if i+len(run) <= len(haystack) && slices.Equal(haystack[i:i+len(run)], run) {
			return true
		}
	}
	return false
}
