package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/frame"
)

// SyntheticOptions configures the in-process test-pattern engine.
type SyntheticOptions struct {
	Width      int
	Height     int
	Order      frame.ChannelOrder
	SampleRate int
	Latency    time.Duration // simulated inference time per unit of work
	FailAfter  int           // reject the chunk after this many were accepted, 0 for never
}

// Synthetic renders frames whose brightness follows the loudness of the
// submitted audio. It stands in for the motion generator in demos and
// tests and follows the same asynchronous contract: submissions queue
// work for a worker goroutine that pushes frames into the sink.
type Synthetic struct {
	opts SyntheticOptions
	sink Sink

	setup   Setup
	jobs    chan job
	closed  bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	err     error
	emitted int
	level   float64
}

type job struct {
	stage   string
	seq     int
	samples []float32
	frames  int
}

// NewSynthetic creates a synthetic engine delivering frames to sink.
func NewSynthetic(opts SyntheticOptions, sink Sink) *Synthetic {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	return &Synthetic{opts: opts, sink: sink}
}

func (s *Synthetic) Setup(ctx context.Context, setup Setup) error {
	if s.opts.Width <= 0 || s.opts.Height <= 0 {
		return &Failure{Stage: "setup", Err: fmt.Errorf("invalid frame size %dx%d", s.opts.Width, s.opts.Height)}
	}
	if setup.FPS <= 0 {
		return &Failure{Stage: "setup", Err: fmt.Errorf("fps must be positive, got %d", setup.FPS)}
	}
	if s.jobs != nil {
		return &Failure{Stage: "setup", Err: errors.New("already set up")}
	}
	s.setup = setup
	s.jobs = make(chan job, 1)
	s.wg.Add(1)
	go s.work(ctx)
	log.Printf("Synthetic engine ready: %dx%d, %d frames at %dfps", s.opts.Width, s.opts.Height, setup.NumFrames, setup.FPS)
	return nil
}

func (s *Synthetic) SubmitChunk(ctx context.Context, c audio.Chunk) error {
	if s.opts.FailAfter > 0 && c.Index == s.opts.FailAfter {
		return &Failure{Stage: "chunk", Seq: c.Index, Err: errors.New("injected failure")}
	}
	n := audio.FramesFor(c.Hop, s.opts.SampleRate, s.setup.FPS)
	return s.submit(ctx, job{stage: "chunk", seq: c.Index, samples: c.Samples, frames: n})
}

func (s *Synthetic) SubmitBatch(ctx context.Context, sig audio.Signal) error {
	n := s.setup.NumFrames
	if n <= 0 {
		n = audio.FramesFor(len(sig), s.opts.SampleRate, s.setup.FPS)
	}
	return s.submit(ctx, job{stage: "batch", samples: sig, frames: n})
}

func (s *Synthetic) submit(ctx context.Context, j job) error {
	if s.jobs == nil || s.closed {
		return &Failure{Stage: j.stage, Seq: j.seq, Err: errors.New("engine not accepting work")}
	}
	if err := s.failed(); err != nil {
		return err
	}
	select {
	case s.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits until every queued frame is pushed.
func (s *Synthetic) Close(ctx context.Context) error {
	if s.jobs == nil || s.closed {
		return s.failed()
	}
	s.closed = true
	close(s.jobs)
	s.wg.Wait()
	return s.failed()
}

func (s *Synthetic) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Synthetic) work(ctx context.Context) {
	defer s.wg.Done()
	for j := range s.jobs {
		if s.failed() != nil {
			continue // drain so submitters never block on a dead worker
		}
		if s.opts.Latency > 0 {
			time.Sleep(s.opts.Latency)
		}
		if err := s.render(ctx, j); err != nil {
			s.mu.Lock()
			s.err = &Failure{Stage: "output", Seq: j.seq, Err: err}
			s.mu.Unlock()
		}
	}
}

func (s *Synthetic) render(ctx context.Context, j job) error {
	if j.frames <= 0 {
		return nil
	}
	seg := len(j.samples) / j.frames
	for k := 0; k < j.frames; k++ {
		if s.setup.NumFrames > 0 && s.emitted >= s.setup.NumFrames {
			return nil
		}
		target := math.Min(1, 4*audio.RMS(j.samples[k*seg:(k+1)*seg]))
		// ease toward the new level so consecutive chunks do not flicker
		s.level += (target - s.level) * audio.Smoothstep(0.5)

		f := s.draw(s.emitted, s.level*s.gain(s.emitted))
		if err := s.sink.Push(ctx, f); err != nil {
			return err
		}
		s.mu.Lock()
		s.emitted++
		s.mu.Unlock()
	}
	return nil
}

// gain applies fade-in, fade-out and the fade_alpha control for frame seq.
func (s *Synthetic) gain(seq int) float64 {
	g := s.setup.Control.Value(seq, "fade_alpha", 1)
	if in := s.setup.FadeIn; in > 0 && seq < in {
		g *= audio.Smoothstep(float64(seq+1) / float64(in))
	}
	if out := s.setup.FadeOut; out > 0 && s.setup.NumFrames > 0 {
		if left := s.setup.NumFrames - seq; left <= out {
			g *= audio.Smoothstep(float64(left-1) / float64(out))
		}
	}
	return g
}

// draw renders a gray field with a bar whose height follows level and a
// stripe that scrolls with seq so motion is visible.
func (s *Synthetic) draw(seq int, level float64) frame.Frame {
	w, h := s.opts.Width, s.opts.Height
	f := frame.New(seq, w, h, s.opts.Order)
	bg := byte(32 + 64*level)
	bar := int(level * float64(h))
	stripe := seq % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := bg
			if y >= h-bar && x > w/3 && x < 2*w/3 {
				v = 224
			}
			if x == stripe {
				v = 255
			}
			i := (y*w + x) * frame.BytesPerPixel
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = v, v, v
		}
	}
	return f
}

// Emitted returns how many frames have been pushed so far.
func (s *Synthetic) Emitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitted
}
