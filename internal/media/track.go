// Package media models live capture sources: tracks that deliver timestamped
// samples, streams that group them, and providers that acquire them from a
// device the way a browser acquires display and microphone captures.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// PixelFormatYUV420P is the only raw video layout tracks carry.
const PixelFormatYUV420P = "yuv420p"

var (
	// ErrPermissionDenied is returned when the user or OS refuses a capture.
	// It is an expected outcome, not a fault.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrNotSupported is returned when a capture kind is unavailable here.
	ErrNotSupported = errors.New("capture not supported on this platform")
	// ErrDeviceNotFound is returned when the configured device does not exist.
	ErrDeviceNotFound = errors.New("capture device not found")
)

// Sample is one unit of media: a raw yuv420p frame for video tracks, or
// interleaved signed 16-bit little-endian PCM for audio tracks.
type Sample = pionmedia.Sample

// Format describes the raw layout of a track's samples. Video fields are
// zero on audio tracks and vice versa.
type Format struct {
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	FPS         int    `json:"fps,omitempty"`
	PixelFormat string `json:"pixelFormat,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
}

// FrameSize returns the byte size of one yuv420p frame.
func (f Format) FrameSize() int {
	return f.Width * f.Height * 3 / 2
}

func (f Format) String() string {
	if f.SampleRate > 0 {
		return fmt.Sprintf("s16le %dHz %dch", f.SampleRate, f.Channels)
	}
	return fmt.Sprintf("%s %dx%d@%d", f.PixelFormat, f.Width, f.Height, f.FPS)
}

// Track is a live source of samples.
//
// Samples is never closed; consumers must also select on Ended, which is
// closed once the track stops delivering, whether because Stop was called or
// because the source went away on its own.
type Track interface {
	ID() string
	Kind() Kind
	Label() string
	Format() Format
	Samples() <-chan Sample
	Ended() <-chan struct{}
	// Stop releases the underlying device. Safe to call more than once.
	Stop() error
}

const trackBuffer = 64

// LocalTrack is the Track implementation shared by every provider. Writers
// push samples with Write; a slow consumer loses the newest samples rather
// than stalling the capture device.
type LocalTrack struct {
	id      string
	kind    Kind
	label   string
	format  Format
	samples chan Sample
	ended   chan struct{}

	endOnce  sync.Once
	stopOnce sync.Once
	stopErr  error
	release  func() error
	dropped  atomic.Int64
	stopped  atomic.Bool
}

// NewTrack creates a track. release is called once by Stop and may be nil.
func NewTrack(kind Kind, label string, format Format, release func() error) *LocalTrack {
	return &LocalTrack{
		id:      uuid.NewString(),
		kind:    kind,
		label:   label,
		format:  format,
		samples: make(chan Sample, trackBuffer),
		ended:   make(chan struct{}),
		release: release,
	}
}

func (t *LocalTrack) ID() string             { return t.id }
func (t *LocalTrack) Kind() Kind             { return t.kind }
func (t *LocalTrack) Label() string          { return t.label }
func (t *LocalTrack) Format() Format         { return t.format }
func (t *LocalTrack) Samples() <-chan Sample { return t.samples }
func (t *LocalTrack) Ended() <-chan struct{} { return t.ended }

// Write delivers a sample without blocking. It reports false when the track
// has ended or the sample was dropped.
func (t *LocalTrack) Write(s Sample) bool {
	select {
	case <-t.ended:
		return false
	default:
	}
	select {
	case t.samples <- s:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// Dropped reports how many samples were discarded because of a slow consumer.
func (t *LocalTrack) Dropped() int64 {
	return t.dropped.Load()
}

// End marks the track as finished without releasing the device. Providers
// call it when the source disappears underneath them.
func (t *LocalTrack) End() {
	t.endOnce.Do(func() { close(t.ended) })
}

// Stop ends the track and releases the device exactly once.
func (t *LocalTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.End()
		if t.release != nil {
			t.stopErr = t.release()
		}
	})
	return t.stopErr
}

// Stopped reports whether Stop has been called.
func (t *LocalTrack) Stopped() bool {
	return t.stopped.Load()
}

// Stream groups the tracks produced by one capture request.
type Stream struct {
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: append([]Track(nil), tracks...)}
}

func (s *Stream) Tracks() []Track {
	if s == nil {
		return nil
	}
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) VideoTracks() []Track { return s.byKind(KindVideo) }
func (s *Stream) AudioTracks() []Track { return s.byKind(KindAudio) }

func (s *Stream) byKind(kind Kind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track. A failure on one track does not prevent the
// others from being stopped; all failures are returned joined.
func (s *Stream) Stop() error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s track %q: %w", t.Kind(), t.Label(), err))
		}
	}
	return errors.Join(errs...)
}

// DisplayConstraints shape a display capture request.
type DisplayConstraints struct {
	Width       int
	Height      int
	FPS         int
	SystemAudio bool
	SampleRate  int
}

// AudioConstraints shape a microphone capture request.
type AudioConstraints struct {
	SampleRate int
}

// Provider acquires live captures. Both requests may block while the user
// answers a permission prompt and must honor ctx cancellation.
type Provider interface {
	RequestDisplay(ctx context.Context, c DisplayConstraints) (*Stream, error)
	RequestMicrophone(ctx context.Context, c AudioConstraints) (*Stream, error)
}

// AudioFrameDuration is the span of one PCM sample delivered by providers.
const AudioFrameDuration = 20 * time.Millisecond

// SamplesPerFrame returns the per-channel PCM samples in one audio frame.
func SamplesPerFrame(sampleRate int) int {
	return sampleRate * int(AudioFrameDuration/time.Millisecond) / 1000
}
