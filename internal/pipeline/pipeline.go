// Package pipeline runs one streaming session: a producer goroutine feeds
// audio to the generation engine, which fills a bounded frame channel that
// the consumer drains into the display and the encoders.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/engine"
	"github.com/satindergrewal/facecast/internal/events"
	"github.com/satindergrewal/facecast/internal/frame"
)

var (
	// ErrAlreadyRun is returned when Run is called on a used pipeline.
	ErrAlreadyRun = errors.New("pipeline: already run")
	// ErrEncoderExited reports an encoder process that died mid-stream.
	ErrEncoderExited = errors.New("pipeline: encoder exited")
)

// FrameWriter is an encoder session. *encoder.Encoder implements it.
type FrameWriter interface {
	Name() string
	WriteFrame(f frame.Frame) error
	IsAlive() bool
	ExitCode() int
	Close() error
}

// Display shows frames as they are delivered. It must not block; a slow
// display drops frames itself.
type Display interface {
	Render(f frame.Frame)
}

// Config holds per-run settings.
type Config struct {
	Setup       engine.Setup // NumFrames 0 is derived from the signal length
	PollTimeout time.Duration
	Realtime    bool // pace delivery at Setup.FPS instead of as fast as frames arrive
}

// Options are the collaborators a run delivers to. All are optional.
type Options struct {
	Encoders []FrameWriter
	Display  Display
	Notifier events.Notifier
}

// Pipeline is single-use: construct one per run.
type Pipeline struct {
	cfg    Config
	frames *frame.Channel
	eng    engine.Engine
	strat  engine.Strategy
	opts   Options
	id     string
	met    *metrics

	used      atomic.Bool
	received  atomic.Int64
	delivered atomic.Int64

	mu      sync.RWMutex
	state   State
	started time.Time
	ended   time.Time
	err     error
}

// New prepares a run. frames must be the channel eng was built to push into.
func New(cfg Config, frames *frame.Channel, eng engine.Engine, strat engine.Strategy, opts Options) *Pipeline {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.Setup.FPS <= 0 {
		cfg.Setup.FPS = audio.FPS
	}
	if opts.Notifier == nil {
		opts.Notifier = events.Discard{}
	}
	return &Pipeline{
		cfg:    cfg,
		frames: frames,
		eng:    eng,
		strat:  strat,
		opts:   opts,
		id:     uuid.NewString(),
		state:  StateIdle,
	}
}

// ID is the run identifier used in events and status.
func (p *Pipeline) ID() string { return p.id }

// Run streams sig to completion. It returns after the producer finished,
// the consumer drained the channel and every encoder was closed; errors
// from all of them are joined. Cancelling ctx stops submission early, and
// the frames already generated are still delivered.
func (p *Pipeline) Run(ctx context.Context, sig audio.Signal) error {
	if p.used.Swap(true) {
		return ErrAlreadyRun
	}
	setup := p.cfg.Setup
	if setup.NumFrames <= 0 {
		setup.NumFrames = audio.FramesFor(len(sig), audio.SampleRate, setup.FPS)
	}
	p.met = newMetrics(p.frames, p.strat.Mode())
	defer p.met.unregister()

	p.setState(StateRunning, nil)
	p.notify(ctx, events.Started, nil)
	log.Printf("Run %s started: %s mode, %v of audio, %d frames", p.id, p.strat.Mode(), sig.Duration(), setup.NumFrames)

	prodCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	prodErr := make(chan error, 1)
	go func() {
		prodErr <- p.produce(prodCtx, setup, sig)
	}()

	consErr := p.consume(ctx)
	if consErr != nil {
		// unblock a producer waiting on a full channel
		cancel()
	}
	pErr := <-prodErr
	if consErr != nil && errors.Is(pErr, context.Canceled) {
		pErr = nil
	}
	err := errors.Join(consErr, pErr, p.closeEncoders())

	if err != nil {
		p.setState(StateFailed, err)
		p.notify(ctx, events.Failed, err)
		log.Printf("Run %s failed after %d frames: %v", p.id, p.delivered.Load(), err)
	} else {
		p.setState(StateCompleted, nil)
		p.notify(ctx, events.Completed, nil)
		log.Printf("Run %s completed: %d frames delivered", p.id, p.delivered.Load())
	}
	p.met.finish(ctx, err)
	return err
}

// produce runs the submission strategy. The channel is closed on every
// path so the consumer always reaches end-of-stream.
func (p *Pipeline) produce(ctx context.Context, setup engine.Setup, sig audio.Signal) error {
	defer p.frames.Close()

	var errs []error
	if err := p.eng.Setup(ctx, setup); err != nil {
		errs = append(errs, err)
	} else if err := p.strat.Submit(ctx, p.eng, sig); err != nil {
		errs = append(errs, err)
	}
	// close the engine input and let it flush what it has
	if err := p.eng.Close(ctx); err != nil {
		// a stored engine failure comes back from Close as well
		errs = append(errs, unseen(err, errs))
	}
	return errors.Join(errs...)
}

// unseen strips from err the parts that prior already reports.
func unseen(err error, prior []error) error {
	seen := func(e error) bool {
		for _, p := range prior {
			if errors.Is(p, e) {
				return true
			}
		}
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var rest []error
		for _, e := range joined.Unwrap() {
			if !seen(e) {
				rest = append(rest, e)
			}
		}
		return errors.Join(rest...)
	}
	if seen(err) {
		return nil
	}
	return err
}

// consume drains the channel until end-of-stream. A poll timeout is only
// a chance to check encoder liveness.
func (p *Pipeline) consume(ctx context.Context) error {
	var tick <-chan time.Time
	if p.cfg.Realtime {
		ticker := time.NewTicker(time.Second / time.Duration(p.cfg.Setup.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		f, err := p.frames.Pop(p.cfg.PollTimeout)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, frame.ErrTimeout):
			if err := p.checkEncoders(); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}
		p.received.Add(1)
		p.met.received.Add(ctx, 1)

		if tick != nil {
			<-tick
		}
		if err := p.deliver(ctx, f); err != nil {
			return err
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, f frame.Frame) error {
	if p.opts.Display != nil {
		p.opts.Display.Render(f)
	}
	for _, enc := range p.opts.Encoders {
		start := time.Now()
		if err := enc.WriteFrame(f); err != nil {
			return fmt.Errorf("encoder %s frame %d: %w", enc.Name(), f.Seq, err)
		}
		p.met.observeWrite(ctx, enc.Name(), time.Since(start))
	}
	p.delivered.Add(1)
	p.met.delivered.Add(ctx, 1)
	return nil
}

func (p *Pipeline) checkEncoders() error {
	for _, enc := range p.opts.Encoders {
		if !enc.IsAlive() {
			return fmt.Errorf("%w: %s with status %d", ErrEncoderExited, enc.Name(), enc.ExitCode())
		}
	}
	return nil
}

// closeEncoders closes every encoder, collecting all errors.
func (p *Pipeline) closeEncoders() error {
	var errs []error
	for _, enc := range p.opts.Encoders {
		if err := enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close encoder %s: %w", enc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) notify(ctx context.Context, typ events.Type, err error) {
	ev := events.RunEvent{
		RunID:  p.id,
		Type:   typ,
		Mode:   string(p.strat.Mode()),
		Frames: p.delivered.Load(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	// the run context may already be cancelled when reporting its end
	if nerr := p.opts.Notifier.Notify(context.WithoutCancel(ctx), ev); nerr != nil {
		log.Printf("Run %s: notify %s failed: %v", p.id, typ, nerr)
	}
}
