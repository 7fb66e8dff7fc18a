// Package encoder turns a combined media stream into a container file
// incrementally, emitting chunks on a fixed timeslice so that stopping only
// has to flush the tail.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/media"
)

var log = logging.L("encoder")

var (
	ErrNoSupportedProfile = errors.New("no supported encoding profile")
	ErrNoVideoTrack       = errors.New("stream has no video track")
	ErrNotRecording       = errors.New("recorder is not recording")
)

const DefaultTimeslice = time.Second

// Config is the raw input layout handed to a backend.
type Config struct {
	Video media.Format
	// Audio is zero when the stream carries no audio track.
	Audio media.Format
}

// Backend encodes raw samples into a container byte stream written to the
// io.Writer given to Start.
type Backend interface {
	Name() string
	Start(out io.Writer) error
	WriteVideo(s media.Sample) error
	WriteAudio(s media.Sample) error
	// Finalize flushes all pending output and returns once the container
	// is complete.
	Finalize(ctx context.Context) error
	Abort() error
}

// Factory creates backends for the profiles it supports.
type Factory interface {
	Name() string
	Supports(p Profile) bool
	New(p Profile, cfg Config) (Backend, error)
}

var (
	factoriesMu sync.Mutex
	factories   []Factory
)

// RegisterFactory adds a factory to the process-wide registry consulted
// when Options.Factories is empty. Earlier registrations win.
func RegisterFactory(f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = append(factories, f)
}

func registeredFactories() []Factory {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	return append([]Factory(nil), factories...)
}

// IsSupported reports whether any factory can encode p.
func IsSupported(p Profile, fs []Factory) bool {
	if fs == nil {
		fs = registeredFactories()
	}
	for _, f := range fs {
		if f.Supports(p) {
			return true
		}
	}
	return false
}

// SelectProfile returns the first preferred profile some factory supports.
func SelectProfile(preferred []Profile, fs []Factory) (Profile, Factory, error) {
	if fs == nil {
		fs = registeredFactories()
	}
	if len(preferred) == 0 {
		preferred = DefaultProfiles
	}
	for _, p := range preferred {
		for _, f := range fs {
			if f.Supports(p) {
				return p, f, nil
			}
		}
		log.Debug("profile not supported, trying next", "profile", string(p))
	}
	return "", nil, fmt.Errorf("%w: tried %v", ErrNoSupportedProfile, preferred)
}

// Chunk is one timeslice worth of container output.
type Chunk struct {
	Seq  int
	Data []byte
	At   time.Time
}

// Assemble concatenates chunks in order into one artifact.
func Assemble(chunks []Chunk) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c.Data)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

type Options struct {
	Profiles  []Profile
	Factories []Factory
	Timeslice time.Duration
	// OnChunk, if set, is called from the slicing goroutine for every chunk.
	OnChunk func(Chunk)
}

type state int

const (
	stateInactive state = iota
	stateRecording
	stateStopped
)

// Recorder encodes one stream. It is started once and stopped once.
type Recorder struct {
	profile   Profile
	backend   Backend
	video     media.Track
	audio     media.Track
	timeslice time.Duration
	onChunk   func(Chunk)

	mu      sync.Mutex
	state   state
	pending bytes.Buffer
	chunks  []Chunk
	pumpErr error

	stopPumps chan struct{}
	pumps     sync.WaitGroup
	stopSlice chan struct{}
	sliceDone chan struct{}
	stopOnce  sync.Once
	stopErr   error
}

// NewRecorder picks the first supported profile and prepares a backend for
// the stream's first video track and first audio track.
func NewRecorder(stream *media.Stream, opts Options) (*Recorder, error) {
	videos := stream.VideoTracks()
	if len(videos) == 0 {
		return nil, ErrNoVideoTrack
	}
	var audio media.Track
	if as := stream.AudioTracks(); len(as) > 0 {
		audio = as[0]
	}

	profile, factory, err := SelectProfile(opts.Profiles, opts.Factories)
	if err != nil {
		return nil, err
	}
	cfg := Config{Video: videos[0].Format()}
	if audio != nil {
		cfg.Audio = audio.Format()
	}
	backend, err := factory.New(profile, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend for %s: %w", factory.Name(), profile, err)
	}

	timeslice := opts.Timeslice
	if timeslice <= 0 {
		timeslice = DefaultTimeslice
	}
	return &Recorder{
		profile:   profile,
		backend:   backend,
		video:     videos[0],
		audio:     audio,
		timeslice: timeslice,
		onChunk:   opts.OnChunk,
		stopPumps: make(chan struct{}),
		stopSlice: make(chan struct{}),
		sliceDone: make(chan struct{}),
	}, nil
}

func (r *Recorder) Profile() Profile { return r.profile }
func (r *Recorder) Backend() string  { return r.backend.Name() }

// Start launches the backend and begins feeding it.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.state != stateInactive {
		r.mu.Unlock()
		return fmt.Errorf("recorder already started")
	}
	r.state = stateRecording
	r.mu.Unlock()

	if err := r.backend.Start(sink{r}); err != nil {
		r.mu.Lock()
		r.state = stateStopped
		r.mu.Unlock()
		return fmt.Errorf("start %s backend: %w", r.backend.Name(), err)
	}

	r.pumps.Add(1)
	go r.pump(r.video, r.backend.WriteVideo)
	if r.audio != nil {
		r.pumps.Add(1)
		go r.pump(r.audio, r.backend.WriteAudio)
	}
	go r.slice()

	log.Info("encoder started",
		"profile", string(r.profile),
		"backend", r.backend.Name(),
		"codecs", r.profile.CodecMimeTypes(),
		"timesliceMs", r.timeslice.Milliseconds())
	return nil
}

func (r *Recorder) pump(t media.Track, write func(media.Sample) error) {
	defer r.pumps.Done()
	for {
		select {
		case <-r.stopPumps:
			return
		case <-t.Ended():
			return
		case s := <-t.Samples():
			if err := write(s); err != nil {
				r.mu.Lock()
				if r.pumpErr == nil {
					r.pumpErr = fmt.Errorf("write %s sample: %w", t.Kind(), err)
				}
				r.mu.Unlock()
				log.Error("encoder write failed", "track", t.Label(), logging.KeyError, err)
				return
			}
		}
	}
}

func (r *Recorder) slice() {
	defer close(r.sliceDone)
	ticker := time.NewTicker(r.timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSlice:
			return
		case <-ticker.C:
			r.cut()
		}
	}
}

// cut moves pending output into a new chunk.
func (r *Recorder) cut() {
	r.mu.Lock()
	if r.pending.Len() == 0 {
		r.mu.Unlock()
		return
	}
	c := Chunk{Seq: len(r.chunks), Data: bytes.Clone(r.pending.Bytes()), At: time.Now()}
	r.pending.Reset()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()

	if r.onChunk != nil {
		r.onChunk(c)
	}
}

// Stop stops feeding samples, finalizes the backend and returns every chunk
// including the flushed tail. Only the first call does work.
func (r *Recorder) Stop(ctx context.Context) ([]Chunk, error) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.state == stateRecording
		r.state = stateStopped
		r.mu.Unlock()
		if !started {
			r.stopErr = ErrNotRecording
			return
		}

		close(r.stopPumps)
		start := time.Now()
		var finErr error
		if err := r.waitPumps(ctx); err != nil {
			// A pump is stuck writing into a backend that stopped reading.
			r.backend.Abort()
			r.pumps.Wait()
			finErr = err
		} else {
			finErr = r.backend.Finalize(ctx)
		}
		if finErr != nil {
			finErr = fmt.Errorf("finalize %s: %w", r.backend.Name(), finErr)
		}
		close(r.stopSlice)
		<-r.sliceDone
		r.cut()

		r.mu.Lock()
		r.stopErr = errors.Join(r.pumpErr, finErr)
		n := len(r.chunks)
		r.mu.Unlock()
		log.Info("encoder finalized", "chunks", n, logging.KeyDurationMs, time.Since(start).Milliseconds())
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chunk(nil), r.chunks...), r.stopErr
}

func (r *Recorder) waitPumps(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort discards the encoder without flushing.
func (r *Recorder) Abort() error {
	var err error
	r.stopOnce.Do(func() {
		r.mu.Lock()
		started := r.state == stateRecording
		r.state = stateStopped
		r.mu.Unlock()
		if !started {
			return
		}
		close(r.stopPumps)
		r.pumps.Wait()
		err = r.backend.Abort()
		close(r.stopSlice)
		<-r.sliceDone
		r.stopErr = ErrNotRecording
	})
	return err
}

// sink receives backend output between slices.
type sink struct{ r *Recorder }

func (s sink) Write(p []byte) (int, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.r.pending.Write(p)
}
