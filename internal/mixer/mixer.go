// Package mixer sums several mono PCM audio tracks into a single output
// track, the Go counterpart of routing sources into one destination node.
package mixer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/media"
)

var log = logging.L("mixer")

// ErrFormatMismatch is returned by Connect for tracks the graph cannot sum.
var ErrFormatMismatch = errors.New("audio format mismatch")

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("mixer closed")

// maxBuffered bounds per-input latency; older samples are discarded.
const maxBuffered = time.Second

// Graph mixes its connected inputs on a fixed frame clock. Inputs that have
// nothing buffered contribute silence, so the output stays continuous.
type Graph struct {
	sampleRate   int
	frame        time.Duration
	frameSamples int
	maxSamples   int

	out *media.LocalTrack

	mu     sync.Mutex
	inputs []*input
	closed bool

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type input struct {
	track media.Track
	mu    sync.Mutex
	pcm   []int16
}

// New creates a graph producing mono s16le at sampleRate.
func New(sampleRate int) *Graph {
	g := &Graph{
		sampleRate:   sampleRate,
		frame:        media.AudioFrameDuration,
		frameSamples: media.SamplesPerFrame(sampleRate),
		maxSamples:   sampleRate * int(maxBuffered/time.Millisecond) / 1000,
		done:         make(chan struct{}),
	}
	g.out = media.NewTrack(media.KindAudio, "mixed audio",
		media.Format{SampleRate: sampleRate, Channels: 1}, nil)
	return g
}

// Output is the mixed track.
func (g *Graph) Output() media.Track {
	return g.out
}

// Inputs returns the number of connected tracks.
func (g *Graph) Inputs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

// Connect routes an audio track into the graph. The graph reads the track
// but does not own it: closing the graph leaves the track running.
func (g *Graph) Connect(t media.Track) error {
	if t.Kind() != media.KindAudio {
		return fmt.Errorf("%w: %q is a %s track", ErrFormatMismatch, t.Label(), t.Kind())
	}
	f := t.Format()
	if f.SampleRate != g.sampleRate || f.Channels != 1 {
		return fmt.Errorf("%w: %q is %s, graph is s16le %dHz 1ch", ErrFormatMismatch, t.Label(), f, g.sampleRate)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	in := &input{track: t}
	g.inputs = append(g.inputs, in)
	g.wg.Add(1)
	go g.read(in)
	log.Debug("input connected", "track", t.Label())
	return nil
}

func (g *Graph) read(in *input) {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case <-in.track.Ended():
			return
		case s := <-in.track.Samples():
			in.append(s.Data, g.maxSamples)
		}
	}
}

func (in *input) append(data []byte, limit int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := 0; i+1 < len(data); i += 2 {
		in.pcm = append(in.pcm, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	if over := len(in.pcm) - limit; over > 0 {
		in.pcm = append(in.pcm[:0], in.pcm[over:]...)
	}
}

func (in *input) take(n int) []int16 {
	in.mu.Lock()
	defer in.mu.Unlock()
	k := min(n, len(in.pcm))
	out := make([]int16, k)
	copy(out, in.pcm[:k])
	in.pcm = append(in.pcm[:0], in.pcm[k:]...)
	return out
}

// Start begins producing output frames. Calling it again has no effect.
func (g *Graph) Start() {
	g.startOnce.Do(func() {
		g.wg.Add(1)
		go g.run()
	})
}

func (g *Graph) run() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.frame)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case now := <-ticker.C:
			g.out.Write(media.Sample{Data: g.MixFrame(), Duration: g.frame, Timestamp: now})
		}
	}
}

// MixFrame consumes one frame from every input and returns the summed
// s16le frame.
func (g *Graph) MixFrame() []byte {
	g.mu.Lock()
	inputs := append([]*input(nil), g.inputs...)
	g.mu.Unlock()

	sources := make([][]int16, 0, len(inputs))
	for _, in := range inputs {
		sources = append(sources, in.take(g.frameSamples))
	}
	return Encode(Sum(sources, g.frameSamples))
}

// Close stops mixing and ends the output track. Connected tracks are left
// for their owner to stop.
func (g *Graph) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		close(g.done)
		g.wg.Wait()
		g.out.End()
	})
	return nil
}

// Sum adds n samples from each source with saturation. Short sources are
// padded with silence.
func Sum(sources [][]int16, n int) []int16 {
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		var acc int32
		for _, s := range sources {
			if i < len(s) {
				acc += int32(s[i])
			}
		}
		switch {
		case acc > math.MaxInt16:
			acc = math.MaxInt16
		case acc < math.MinInt16:
			acc = math.MinInt16
		}
		out[i] = int16(acc)
	}
	return out
}

// Encode packs samples as little-endian bytes.
func Encode(pcm []int16) []byte {
	buf := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}
