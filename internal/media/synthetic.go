package media

import (
	"context"
	"encoding/binary"
	"math"
	"time"
)

// SyntheticProvider produces generated captures: a moving luma bar for the
// display and a sine tone for each audio source. It needs no devices and is
// used for headless hosts and dry runs.
type SyntheticProvider struct {
	// ToneHz is the microphone tone. System audio plays an octave above.
	ToneHz float64
}

func NewSyntheticProvider() *SyntheticProvider {
	return &SyntheticProvider{ToneHz: 440}
}

func (p *SyntheticProvider) RequestDisplay(ctx context.Context, c DisplayConstraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format := Format{Width: c.Width, Height: c.Height, FPS: c.FPS, PixelFormat: PixelFormatYUV420P}
	video := NewTrack(KindVideo, "synthetic display", format, nil)
	go generateVideo(video)

	tracks := []Track{video}
	if c.SystemAudio {
		audio := NewTrack(KindAudio, "synthetic system audio", Format{SampleRate: c.SampleRate, Channels: 1}, nil)
		go generateTone(audio, p.ToneHz*2)
		tracks = append(tracks, audio)
	}
	return NewStream(tracks...), nil
}

func (p *SyntheticProvider) RequestMicrophone(ctx context.Context, c AudioConstraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mic := NewTrack(KindAudio, "synthetic microphone", Format{SampleRate: c.SampleRate, Channels: 1}, nil)
	go generateTone(mic, p.ToneHz)
	return NewStream(mic), nil
}

func generateVideo(t *LocalTrack) {
	f := t.Format()
	if f.FPS <= 0 || f.FrameSize() <= 0 {
		t.End()
		return
	}
	interval := time.Second / time.Duration(f.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var n int
	for {
		select {
		case <-t.Ended():
			return
		case now := <-ticker.C:
			t.Write(Sample{
				Data:            grayFrame(f.Width, f.Height, n),
				Duration:        interval,
				Timestamp:       now,
				PacketTimestamp: uint32(now.Sub(start) / time.Millisecond),
			})
			n++
		}
	}
}

// grayFrame renders a mid-gray yuv420p frame with a white bar that moves
// one column group per frame.
func grayFrame(w, h, n int) []byte {
	frame := make([]byte, w*h*3/2)
	luma := frame[:w*h]
	for i := range luma {
		luma[i] = 0x80
	}
	chroma := frame[w*h:]
	for i := range chroma {
		chroma[i] = 0x80
	}
	barWidth := max(w/32, 1)
	x0 := (n * barWidth) % w
	for y := 0; y < h; y++ {
		row := luma[y*w : (y+1)*w]
		for x := x0; x < x0+barWidth && x < w; x++ {
			row[x] = 0xEB
		}
	}
	return frame
}

func generateTone(t *LocalTrack, hz float64) {
	rate := t.Format().SampleRate
	n := SamplesPerFrame(rate)
	if n <= 0 {
		t.End()
		return
	}
	ticker := time.NewTicker(AudioFrameDuration)
	defer ticker.Stop()

	var phase float64
	step := 2 * math.Pi * hz / float64(rate)
	for {
		select {
		case <-t.Ended():
			return
		case now := <-ticker.C:
			buf := make([]byte, n*2)
			for i := 0; i < n; i++ {
				v := int16(math.Sin(phase) * 0.25 * math.MaxInt16)
				binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
				phase += step
			}
			phase = math.Mod(phase, 2*math.Pi)
			t.Write(Sample{Data: buf, Duration: AudioFrameDuration, Timestamp: now})
		}
	}
}
