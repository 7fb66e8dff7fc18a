package media

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLocalTrackStopReleasesOnce(t *testing.T) {
	calls := 0
	tr := NewTrack(KindAudio, "mic", Format{SampleRate: 48000, Channels: 1}, func() error {
		calls++
		return nil
	})
	for i := 0; i < 3; i++ {
		if err := tr.Stop(); err != nil {
			t.Fatalf("Stop: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("release called %d times, want 1", calls)
	}
	select {
	case <-tr.Ended():
	default:
		t.Fatal("Ended not closed after Stop")
	}
	if !tr.Stopped() {
		t.Fatal("Stopped() = false after Stop")
	}
}

func TestLocalTrackEndDoesNotRelease(t *testing.T) {
	released := false
	tr := NewTrack(KindVideo, "display", Format{}, func() error {
		released = true
		return nil
	})
	tr.End()
	tr.End()
	if released {
		t.Fatal("End must not release the device")
	}
	if tr.Stopped() {
		t.Fatal("Stopped() = true after End")
	}
	if tr.Write(Sample{Data: []byte{1}}) {
		t.Fatal("Write after End should fail")
	}
}

func TestLocalTrackDropsWhenFull(t *testing.T) {
	tr := NewTrack(KindAudio, "mic", Format{}, nil)
	for i := 0; i < trackBuffer; i++ {
		if !tr.Write(Sample{Data: []byte{byte(i)}}) {
			t.Fatalf("write %d dropped before buffer was full", i)
		}
	}
	if tr.Write(Sample{}) {
		t.Fatal("write beyond buffer should be dropped")
	}
	if tr.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", tr.Dropped())
	}
	first := <-tr.Samples()
	if first.Data[0] != 0 {
		t.Fatalf("first sample = %d, want 0", first.Data[0])
	}
}

func TestStreamStopStopsEveryTrack(t *testing.T) {
	boom := errors.New("device busy")
	a := NewTrack(KindVideo, "display", Format{}, func() error { return boom })
	b := NewTrack(KindAudio, "system audio", Format{}, nil)
	c := NewTrack(KindAudio, "microphone", Format{}, func() error { return boom })

	s := NewStream(a, b, c)
	err := s.Stop()
	if !errors.Is(err, boom) {
		t.Fatalf("Stop error = %v, want wrapped %v", err, boom)
	}
	if !strings.Contains(err.Error(), "display") || !strings.Contains(err.Error(), "microphone") {
		t.Fatalf("joined error should name both failing tracks: %v", err)
	}
	for _, tr := range []*LocalTrack{a, b, c} {
		if !tr.Stopped() {
			t.Fatalf("track %q not stopped", tr.Label())
		}
	}
}

func TestStreamByKind(t *testing.T) {
	s := NewStream(
		NewTrack(KindVideo, "display", Format{}, nil),
		NewTrack(KindAudio, "system audio", Format{}, nil),
		NewTrack(KindAudio, "microphone", Format{}, nil),
	)
	if got := len(s.VideoTracks()); got != 1 {
		t.Fatalf("VideoTracks = %d, want 1", got)
	}
	if got := len(s.AudioTracks()); got != 2 {
		t.Fatalf("AudioTracks = %d, want 2", got)
	}
	var nilStream *Stream
	if nilStream.Stop() != nil || nilStream.Tracks() != nil {
		t.Fatal("nil stream should be inert")
	}
}

func TestSamplesPerFrame(t *testing.T) {
	if got := SamplesPerFrame(48000); got != 960 {
		t.Fatalf("SamplesPerFrame(48000) = %d, want 960", got)
	}
	if got := SamplesPerFrame(16000); got != 320 {
		t.Fatalf("SamplesPerFrame(16000) = %d, want 320", got)
	}
}

func TestSyntheticProviderDeliversFrames(t *testing.T) {
	p := NewSyntheticProvider()
	ctx := context.Background()

	display, err := p.RequestDisplay(ctx, DisplayConstraints{Width: 64, Height: 48, FPS: 30, SystemAudio: true, SampleRate: 16000})
	if err != nil {
		t.Fatalf("RequestDisplay: %v", err)
	}
	defer display.Stop()
	if len(display.VideoTracks()) != 1 || len(display.AudioTracks()) != 1 {
		t.Fatalf("display tracks = %d video, %d audio", len(display.VideoTracks()), len(display.AudioTracks()))
	}

	video := display.VideoTracks()[0]
	select {
	case s := <-video.Samples():
		if len(s.Data) != 64*48*3/2 {
			t.Fatalf("frame size = %d, want %d", len(s.Data), 64*48*3/2)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no video frame")
	}

	mic, err := p.RequestMicrophone(ctx, AudioConstraints{SampleRate: 16000})
	if err != nil {
		t.Fatalf("RequestMicrophone: %v", err)
	}
	defer mic.Stop()
	select {
	case s := <-mic.AudioTracks()[0].Samples():
		if len(s.Data) != 320*2 {
			t.Fatalf("audio frame = %d bytes, want 640", len(s.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio frame")
	}
}

func TestSyntheticProviderHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSyntheticProvider().RequestMicrophone(ctx, AudioConstraints{SampleRate: 48000}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
