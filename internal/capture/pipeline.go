// Package capture drives one recording at a time: it acquires the display
// and microphone, mixes their audio, encodes incrementally and hands the
// finished artifact to the upload queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/recorder/internal/encoder"
	"github.com/breeze-rmm/recorder/internal/health"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/media"
	"github.com/breeze-rmm/recorder/internal/mixer"
	"github.com/breeze-rmm/recorder/internal/uploads"
)

var log = logging.L("capture")

// ErrClosed is returned by StartRecording after Close.
var ErrClosed = errors.New("capture pipeline closed")

// State is the recording lifecycle of a Pipeline.
type State int

const (
	Idle State = iota
	Capturing
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Uploader receives finished artifacts. Enqueue must not block on the
// transfer itself.
type Uploader interface {
	Enqueue(payload []byte, filename string, meta uploads.Metadata) uploads.TaskID
}

// Notifier shows a message to the host.
type Notifier interface {
	Notify(message string)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Notify(message string) { f(message) }

// Options configures a Pipeline. Provider and Uploader are required.
type Options struct {
	Provider media.Provider
	Uploader Uploader
	Notifier Notifier
	Health   *health.Monitor

	Display    media.DisplayConstraints
	SampleRate int
	Profiles   []encoder.Profile
	// Factories overrides the process-wide encoder registry.
	Factories []encoder.Factory
	Timeslice time.Duration

	// Tick is the elapsed counter period.
	Tick time.Duration
	// StopTimeout bounds finalization when the capture ends on its own.
	StopTimeout time.Duration
	Now         func() time.Time
}

// Pipeline is the recording state machine. Start, stop and toggle are
// serialized, so a toggle always acts on the state left by the previous
// control operation.
type Pipeline struct {
	opts Options

	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	sess    *session
	info    SessionInfo
	elapsed int
	closed  bool
}

type session struct {
	id        string
	startedAt time.Time
	display   *media.Stream
	mic       *media.Stream
	graph     *mixer.Graph
	rec       *encoder.Recorder
	done      chan struct{}
	log       *slog.Logger
}

// release stops every acquired track and closes the graph. Each resource is
// released even if another fails.
func (s *session) release() error {
	var errs []error
	if err := s.display.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.mic.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.graph != nil {
		if err := s.graph.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mixer: %w", err))
		}
	}
	return errors.Join(errs...)
}

// New returns an Idle pipeline. Zero values in opts fall back to 48 kHz
// audio, a one second tick and a 30 second finalize bound.
func New(opts Options) (*Pipeline, error) {
	if opts.Provider == nil {
		return nil, errors.New("capture: provider is required")
	}
	if opts.Uploader == nil {
		return nil, errors.New("capture: uploader is required")
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(string) {})
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Display.SampleRate <= 0 {
		opts.Display.SampleRate = opts.SampleRate
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{opts: opts}, nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsRecording reports whether a session is Capturing. It is false while
// a stop is finalizing.
func (p *Pipeline) IsRecording() bool {
	return p.State() == Capturing
}

// ElapsedSeconds is the time spent Capturing, 0 when Idle.
func (p *Pipeline) ElapsedSeconds() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != Capturing {
		return 0
	}
	return p.elapsed
}

// SessionID returns the id of the active recording, or "".
func (p *Pipeline) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sess == nil {
		return ""
	}
	return p.sess.id
}

// SetSession replaces the host identity used for the next hand-off.
func (p *Pipeline) SetSession(info SessionInfo) {
	p.mu.Lock()
	p.info = info
	p.mu.Unlock()
}

// Session returns the current host identity.
func (p *Pipeline) Session() SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// StartRecording acquires the display and microphone and starts encoding.
// It does nothing unless Idle. A permission denial leaves the pipeline Idle
// and returns nil; any other setup failure is reported to the Notifier and
// returned.
func (p *Pipeline) StartRecording(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.startLocked(ctx)
}

// StopRecording finalizes the encoder, releases every track and hands the
// artifact to the Uploader. It is a no-op when Idle.
func (p *Pipeline) StopRecording(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.stopLocked(ctx)
}

// ToggleRecording stops when Capturing and starts otherwise, reading the
// state at call time.
func (p *Pipeline) ToggleRecording(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.State() == Capturing {
		return p.stopLocked(ctx)
	}
	return p.startLocked(ctx)
}

// Close stops an active recording through the normal stop path and refuses
// further starts.
func (p *Pipeline) Close(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.stopLocked(ctx)
}

func (p *Pipeline) startLocked(ctx context.Context) error {
	p.mu.RLock()
	closed, state := p.closed, p.state
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if state != Idle {
		return nil
	}

	display, mic, err := p.acquire(ctx)
	if err != nil {
		if errors.Is(err, media.ErrPermissionDenied) {
			log.Info("capture permission denied, staying idle", logging.KeyError, err)
			return nil
		}
		return p.setupFailed("Could not access the screen or microphone", err)
	}

	sess, err := p.build(display, mic)
	if err != nil {
		if relErr := errors.Join(display.Stop(), mic.Stop()); relErr != nil {
			log.Warn("release after failed setup", logging.KeyError, relErr)
		}
		return p.setupFailed("Could not start the recording", err)
	}

	p.mu.Lock()
	p.sess = sess
	p.state = Capturing
	p.elapsed = 0
	p.mu.Unlock()

	go p.tick(sess)
	for _, t := range append(display.Tracks(), mic.Tracks()...) {
		go p.watch(sess, t)
	}

	if p.opts.Health != nil {
		p.opts.Health.Update(health.ComponentCapture, health.Healthy, "recording")
		p.opts.Health.Update(health.ComponentEncoder, health.Healthy, string(sess.rec.Profile()))
	}
	sess.log.Info("recording started",
		"profile", string(sess.rec.Profile()),
		"videoTracks", len(display.VideoTracks()),
		"audioInputs", sess.graph.Inputs())
	return nil
}

// acquire requests the display and the microphone concurrently. A denial
// from either side wins over any other failure.
func (p *Pipeline) acquire(ctx context.Context) (*media.Stream, *media.Stream, error) {
	var (
		display, mic       *media.Stream
		displayErr, micErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		display, displayErr = p.opts.Provider.RequestDisplay(gctx, p.opts.Display)
		if displayErr != nil {
			displayErr = fmt.Errorf("display capture: %w", displayErr)
		}
		return displayErr
	})
	g.Go(func() error {
		mic, micErr = p.opts.Provider.RequestMicrophone(gctx, media.AudioConstraints{SampleRate: p.opts.SampleRate})
		if micErr != nil {
			micErr = fmt.Errorf("microphone capture: %w", micErr)
		}
		return micErr
	})
	err := g.Wait()
	if err == nil {
		return display, mic, nil
	}

	if relErr := errors.Join(display.Stop(), mic.Stop()); relErr != nil {
		log.Warn("release after failed acquisition", logging.KeyError, relErr)
	}
	for _, e := range []error{displayErr, micErr} {
		if errors.Is(e, media.ErrPermissionDenied) {
			return nil, nil, e
		}
	}
	return nil, nil, err
}

func (p *Pipeline) build(display, mic *media.Stream) (*session, error) {
	if len(display.VideoTracks()) == 0 {
		return nil, encoder.ErrNoVideoTrack
	}

	graph := mixer.New(p.opts.SampleRate)
	for _, t := range append(display.AudioTracks(), mic.AudioTracks()...) {
		if err := graph.Connect(t); err != nil {
			graph.Close()
			return nil, fmt.Errorf("build mixer: %w", err)
		}
	}
	graph.Start()

	combined := media.NewStream(append(display.VideoTracks(), graph.Output())...)
	rec, err := encoder.NewRecorder(combined, encoder.Options{
		Profiles:  p.opts.Profiles,
		Factories: p.opts.Factories,
		Timeslice: p.opts.Timeslice,
	})
	if err != nil {
		graph.Close()
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	if err := rec.Start(); err != nil {
		graph.Close()
		return nil, err
	}

	id := uuid.NewString()
	return &session{
		id:        id,
		startedAt: p.opts.Now(),
		display:   display,
		mic:       mic,
		graph:     graph,
		rec:       rec,
		done:      make(chan struct{}),
		log:       logging.WithSession(log, id),
	}, nil
}

func (p *Pipeline) setupFailed(message string, err error) error {
	log.Error("recording setup failed", logging.KeyError, err)
	if p.opts.Health != nil {
		p.opts.Health.Update(health.ComponentCapture, health.Degraded, err.Error())
	}
	p.opts.Notifier.Notify(fmt.Sprintf("%s: %v", message, err))
	return fmt.Errorf("start recording: %w", err)
}

func (p *Pipeline) tick(sess *session) {
	t := time.NewTicker(p.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-t.C:
			p.mu.Lock()
			if p.sess == sess && p.state == Capturing {
				p.elapsed++
			}
			p.mu.Unlock()
		}
	}
}

// watch turns a track that ends on its own into a regular stop.
func (p *Pipeline) watch(sess *session, t media.Track) {
	select {
	case <-sess.done:
		return
	case <-t.Ended():
	}
	select {
	case <-sess.done:
		return
	default:
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()
	p.mu.RLock()
	current := p.sess == sess
	p.mu.RUnlock()
	if !current {
		return
	}
	sess.log.Info("capture ended outside the recorder, stopping", "track", t.Label())
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StopTimeout)
	defer cancel()
	if err := p.stopLocked(ctx); err != nil {
		sess.log.Warn("stop after external end", logging.KeyError, err)
	}
}

// stopLocked runs the teardown of the active session once: finalize, release,
// assemble, hand off. It is a no-op when nothing is recording.
func (p *Pipeline) stopLocked(ctx context.Context) error {
	p.mu.Lock()
	sess := p.sess
	if sess == nil || p.state != Capturing {
		p.mu.Unlock()
		return nil
	}
	p.state = Stopping
	info := p.info
	p.mu.Unlock()
	close(sess.done)

	start := time.Now()
	chunks, finErr := sess.rec.Stop(ctx)
	if err := sess.release(); err != nil {
		sess.log.Warn("release incomplete", logging.KeyError, err)
	}

	artifact := encoder.Assemble(chunks)
	handedOff := len(artifact) > 0

	p.mu.Lock()
	p.sess = nil
	p.state = Idle
	p.elapsed = 0
	if handedOff {
		// The counterpart names one lesson; the next recording starts blank.
		p.info.Counterpart = ""
	}
	p.mu.Unlock()

	if p.opts.Health != nil {
		p.opts.Health.Update(health.ComponentCapture, health.Healthy, "idle")
		if finErr != nil {
			p.opts.Health.Update(health.ComponentEncoder, health.Degraded, finErr.Error())
		}
	}

	if !handedOff {
		sess.log.Warn("recording produced no data, nothing to upload", logging.KeyError, finErr)
	} else {
		filename := FileName(info, sess.startedAt, sess.rec.Profile().Extension())
		id := p.opts.Uploader.Enqueue(artifact, filename, info.Metadata())
		sess.log.Info("recording handed off",
			logging.KeyTaskID, uint64(id),
			logging.KeyFilename, filename,
			"bytes", len(artifact),
			"chunks", len(chunks),
			logging.KeyDurationMs, time.Since(start).Milliseconds())
	}

	if finErr != nil {
		return fmt.Errorf("finalize recording: %w", finErr)
	}
	return nil
}
