package media

import (
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
)

func TestClassifyFFmpegError(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"macos screen recording refused", "[avfoundation @ 0x1] Operation not permitted", ErrPermissionDenied},
		{"pulse access", "pa_context_connect() failed: Access denied", ErrPermissionDenied},
		{"device node", "/dev/video0: Permission denied", ErrPermissionDenied},
		{"no display", "[x11grab @ 0x1] Cannot open display :9, error 1.", ErrDeviceNotFound},
		{"no avfoundation device", "Could not find video device with index 4", ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyFFmpegError("display", tt.stderr, io.ErrUnexpectedEOF)
			if !errors.Is(err, tt.want) {
				t.Fatalf("classify(%q) = %v, want %v", tt.stderr, err, tt.want)
			}
		})
	}
}

func TestClassifyFFmpegErrorUnknown(t *testing.T) {
	err := classifyFFmpegError("microphone", "", io.EOF)
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unexpected classification: %v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("empty stderr should keep the read error: %v", err)
	}

	err = classifyFFmpegError("microphone", "Unknown input format: 'bogus'", io.EOF)
	if !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("stderr should be carried in the error: %v", err)
	}
}

func TestDisplayArgs(t *testing.T) {
	args := DisplayArgs("x11grab", ":0.0", DisplayConstraints{Width: 1280, Height: 720, FPS: 15})
	want := []string{"-f", "x11grab", "-framerate", "15", "-i", ":0.0"}
	if !containsRun(args, want) {
		t.Fatalf("args %v missing %v", args, want)
	}
	if !containsRun(args, []string{"-vf", "scale=1280:720,fps=15"}) {
		t.Fatalf("args %v missing scale filter", args)
	}
	if args[len(args)-1] != "pipe:1" {
		t.Fatalf("output should be stdout, got %q", args[len(args)-1])
	}
}

func TestAudioArgs(t *testing.T) {
	args := AudioArgs("pulse", "default", 48000)
	for _, run := range [][]string{{"-f", "pulse", "-i", "default"}, {"-ac", "1"}, {"-ar", "48000"}, {"-f", "s16le"}} {
		if !containsRun(args, run) {
			t.Fatalf("args %v missing %v", args, run)
		}
	}
}

func TestFFmpegProviderRequiresInputFormat(t *testing.T) {
	p := &FFmpegProvider{}
	if _, err := p.RequestDisplay(t.Context(), DisplayConstraints{Width: 2, Height: 2, FPS: 1}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("RequestDisplay err = %v, want ErrNotSupported", err)
	}
	if _, err := p.RequestMicrophone(t.Context(), AudioConstraints{SampleRate: 48000}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("RequestMicrophone err = %v, want ErrNotSupported", err)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	b := &tailBuffer{limit: 8}
	b.Write([]byte("0123456789"))
	b.Write([]byte("ab"))
	if got := b.String(); got != "456789ab" {
		t.Fatalf("tail = %q, want %q", got, "456789ab")
	}
}

func containsRun(haystack, run []string) bool {
	for i := range haystack {
		if i+len(run) <= len(haystack) && slices.Equal(haystack[i:i+len(run)], run) {
			return true
		}
	}
	return false
}
