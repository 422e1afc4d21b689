package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/engine"
	"github.com/satindergrewal/facecast/internal/events"
	"github.com/satindergrewal/facecast/internal/frame"
)

// fakeEncoder records frames; it can be told to fail after n writes or
// to report a dead process.
type fakeEncoder struct {
	name      string
	failAfter int // 0 never
	dead      bool
	delay     time.Duration

	mu     sync.Mutex
	seqs   []int
	closed int
}

func (e *fakeEncoder) Name() string { return e.name }

func (e *fakeEncoder) WriteFrame(f frame.Frame) error {
	time.Sleep(e.delay)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAfter > 0 && len(e.seqs) >= e.failAfter {
		e.dead = true
		return errors.New("broken pipe")
	}
	e.seqs = append(e.seqs, f.Seq)
	return nil
}

func (e *fakeEncoder) IsAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dead
}

func (e *fakeEncoder) ExitCode() int {
	if e.IsAlive() {
		return -1
	}
	return 1
}

func (e *fakeEncoder) written() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seqs)
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return nil
}

type recordDisplay struct {
	mu   sync.Mutex
	seqs []int
}

func (d *recordDisplay) Render(f frame.Frame) {
	d.mu.Lock()
	d.seqs = append(d.seqs, f.Seq)
	d.mu.Unlock()
}

type recordNotifier struct {
	mu     sync.Mutex
	events []events.RunEvent
}

func (n *recordNotifier) Notify(ctx context.Context, ev events.RunEvent) error {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func (n *recordNotifier) types() []events.Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]events.Type, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

func tone(n int) audio.Signal {
	sig := make(audio.Signal, n)
	for i := range sig {
		sig[i] = 0.25
		if i%2 == 1 {
			sig[i] = -0.25
		}
	}
	return sig
}

func newRun(t *testing.T, capacity int, synth engine.SyntheticOptions, strat engine.Strategy, opts Options) *Pipeline {
	t.Helper()
	ch := frame.NewChannel(capacity)
	if synth.Width == 0 {
		synth.Width, synth.Height = 8, 4
	}
	eng := engine.NewSynthetic(synth, ch)
	cfg := Config{
		Setup:       engine.Setup{FPS: audio.FPS, FadeIn: -1, FadeOut: -1},
		PollTimeout: 20 * time.Millisecond,
	}
	return New(cfg, ch, eng, strat, opts)
}

func online() engine.Strategy {
	return engine.Online{Spec: audio.DefaultChunkSpec(), Geometry: audio.DefaultGeometry()}
}

// runWithin fails the test if Run does not return within d.
func runWithin(t *testing.T, p *Pipeline, sig audio.Signal, d time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), sig) }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatalf("Run did not return within %v", d)
		return nil
	}
}

func TestRunOnlineDeliversEveryFrameInOrder(t *testing.T) {
	rec, live := &fakeEncoder{name: "record"}, &fakeEncoder{name: "live"}
	display := &recordDisplay{}
	notes := &recordNotifier{}
	p := newRun(t, 100, engine.SyntheticOptions{}, online(), Options{
		Encoders: []FrameWriter{rec, live},
		Display:  display,
		Notifier: notes,
	})

	// 2s of audio is 50 frames
	if err := runWithin(t, p, tone(2*audio.SampleRate), 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, got := range [][]int{rec.seqs, live.seqs, display.seqs} {
		if len(got) != 50 {
			t.Fatalf("expected 50 frames, got %d", len(got))
		}
		for i, seq := range got {
			if seq != i {
				t.Fatalf("position %d has frame %d", i, seq)
			}
		}
	}
	if rec.closed != 1 || live.closed != 1 {
		t.Errorf("encoders closed %d and %d times, want once each", rec.closed, live.closed)
	}

	st := p.Status()
	if st.State != StateCompleted || st.FramesDelivered != 50 || st.FramesReceived != 50 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.QueueCapacity != 100 || st.Mode != "online" {
		t.Errorf("unexpected status %+v", st)
	}
	types := notes.types()
	if len(types) != 2 || types[0] != events.Started || types[1] != events.Completed {
		t.Errorf("events = %v", types)
	}
}

func TestRunOfflineBatch(t *testing.T) {
	enc := &fakeEncoder{name: "record"}
	p := newRun(t, 4, engine.SyntheticOptions{}, engine.Offline{}, Options{Encoders: []FrameWriter{enc}})
	if err := runWithin(t, p, tone(audio.SampleRate), 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(enc.seqs) != 25 {
		t.Errorf("expected 25 frames, got %d", len(enc.seqs))
	}
}

func TestRunEngineFailureEndsRun(t *testing.T) {
	enc := &fakeEncoder{name: "record"}
	notes := &recordNotifier{}
	p := newRun(t, 100, engine.SyntheticOptions{FailAfter: 3}, online(), Options{
		Encoders: []FrameWriter{enc},
		Notifier: notes,
	})

	err := runWithin(t, p, tone(2*audio.SampleRate), 10*time.Second)
	var f *engine.Failure
	if !errors.As(err, &f) || f.Seq != 3 {
		t.Fatalf("expected engine failure at chunk 3, got %v", err)
	}
	// frames of the three accepted chunks still reach the encoder
	if len(enc.seqs) != 15 {
		t.Errorf("expected 15 frames before the failure, got %d", len(enc.seqs))
	}
	if enc.closed != 1 {
		t.Errorf("encoder closed %d times, want 1", enc.closed)
	}
	if st := p.Status(); st.State != StateFailed || st.Error == "" {
		t.Errorf("unexpected status %+v", st)
	}
	if types := notes.types(); types[len(types)-1] != events.Failed {
		t.Errorf("last event = %v, want failed", types[len(types)-1])
	}
}

func TestRunEncoderDeathUnblocksProducer(t *testing.T) {
	// capacity 2 keeps the producer blocked on Push when the encoder dies
	enc := &fakeEncoder{name: "record", failAfter: 3}
	p := newRun(t, 2, engine.SyntheticOptions{}, online(), Options{Encoders: []FrameWriter{enc}})

	err := runWithin(t, p, tone(4*audio.SampleRate), 10*time.Second)
	if err == nil {
		t.Fatal("expected encoder error")
	}
	if errors.Is(err, context.Canceled) {
		t.Errorf("producer cancellation should not surface: %v", err)
	}
	if len(enc.seqs) != 3 {
		t.Errorf("expected 3 frames written, got %d", len(enc.seqs))
	}
	if enc.closed != 1 {
		t.Errorf("encoder closed %d times, want 1", enc.closed)
	}
}

func TestRunDetectsDeadEncoderWhileIdle(t *testing.T) {
	enc := &fakeEncoder{name: "record", dead: true}
	// the engine is slower than the poll timeout so the consumer idles
	p := newRun(t, 100, engine.SyntheticOptions{Latency: 200 * time.Millisecond}, online(), Options{
		Encoders: []FrameWriter{enc},
	})

	err := runWithin(t, p, tone(audio.SampleRate), 10*time.Second)
	if !errors.Is(err, ErrEncoderExited) {
		t.Fatalf("expected ErrEncoderExited, got %v", err)
	}
	if enc.closed != 1 {
		t.Errorf("encoder closed %d times, want 1", enc.closed)
	}
}

func TestRunOnlyOnce(t *testing.T) {
	p := newRun(t, 10, engine.SyntheticOptions{}, engine.Offline{}, Options{})
	if err := runWithin(t, p, tone(1600), 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background(), tone(1600)); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("expected ErrAlreadyRun, got %v", err)
	}
}

func TestRunRealtimePacing(t *testing.T) {
	p := newRun(t, 10, engine.SyntheticOptions{}, engine.Offline{}, Options{})
	p.cfg.Realtime = true

	start := time.Now()
	// 0.4s of audio is 10 frames at 25fps
	if err := runWithin(t, p, tone(6400), 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 350*time.Millisecond {
		t.Errorf("realtime run of 10 frames took %v, want at least 350ms", elapsed)
	}
}

func TestRunCancelDrainsBufferedFrames(t *testing.T) {
	// the slow encoder keeps the producer blocked on a full channel
	enc := &fakeEncoder{name: "record", delay: 20 * time.Millisecond}
	p := newRun(t, 2, engine.SyntheticOptions{}, online(), Options{Encoders: []FrameWriter{enc}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, tone(4*audio.SampleRate)) }()

	deadline := time.Now().Add(5 * time.Second)
	for enc.written() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// every frame the engine managed to push was delivered
	pushed := p.eng.(*engine.Synthetic).Emitted()
	if got := enc.written(); got != pushed || got >= 100 {
		t.Errorf("encoder got %d frames, engine pushed %d of 100", got, pushed)
	}
	for i, seq := range enc.seqs {
		if seq != i {
			t.Fatalf("position %d has frame %d", i, seq)
		}
	}
	if enc.closed != 1 {
		t.Errorf("encoder closed %d times, want 1", enc.closed)
	}
	if st := p.Status(); st.State != StateFailed || st.QueueDepth != 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

// brokenEngine reports one stored failure from every call, like a worker
// that died mid-run.
type brokenEngine struct{ err error }

func (e *brokenEngine) Setup(ctx context.Context, s engine.Setup) error { return nil }

func (e *brokenEngine) SubmitChunk(ctx context.Context, c audio.Chunk) error { return e.err }

func (e *brokenEngine) SubmitBatch(ctx context.Context, sig audio.Signal) error { return e.err }

func (e *brokenEngine) Close(ctx context.Context) error { return e.err }

func TestRunReportsEngineFailureOnce(t *testing.T) {
	lost := &engine.Failure{Stage: "chunk", Seq: 2, Err: errors.New("worker lost")}
	cfg := Config{Setup: engine.Setup{FPS: audio.FPS}, PollTimeout: 20 * time.Millisecond}
	p := New(cfg, frame.NewChannel(4), &brokenEngine{err: lost}, engine.Offline{}, Options{})

	err := runWithin(t, p, tone(1600), 5*time.Second)
	if !errors.Is(err, lost) {
		t.Fatalf("expected the engine failure, got %v", err)
	}
	if n := strings.Count(err.Error(), "worker lost"); n != 1 {
		t.Errorf("failure reported %d times: %v", n, err)
	}
}

func TestUnseenKeepsNewErrors(t *testing.T) {
	lost := &engine.Failure{Stage: "chunk", Err: errors.New("worker lost")}
	exit := errors.New("exit status 3")
	prior := []error{lost}

	if err := unseen(lost, prior); err != nil {
		t.Errorf("unseen(same) = %v, want nil", err)
	}
	err := unseen(errors.Join(lost, exit), prior)
	if !errors.Is(err, exit) || errors.Is(err, lost) {
		t.Errorf("unseen(joined) = %v, want only the exit error", err)
	}
	if err := unseen(exit, prior); err != exit {
		t.Errorf("unseen(new) = %v", err)
	}
}
