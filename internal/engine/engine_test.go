package engine

import (
	"context"
	"sync"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/frame"
)

// recordSink collects pushed frames.
type recordSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *recordSink) Push(ctx context.Context, f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordSink) seqs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Seq
	}
	return out
}

// recordEngine records submissions without producing frames.
type recordEngine struct {
	chunks  []audio.Chunk
	batches int
	failAt  int
	err     error
}

func (e *recordEngine) Setup(ctx context.Context, s Setup) error { return nil }

func (e *recordEngine) SubmitChunk(ctx context.Context, c audio.Chunk) error {
	if e.err != nil && c.Index == e.failAt {
		return e.err
	}
	e.chunks = append(e.chunks, c)
	return nil
}

func (e *recordEngine) SubmitBatch(ctx context.Context, sig audio.Signal) error {
	e.batches++
	return nil
}

func (e *recordEngine) Close(ctx context.Context) error { return nil }

func tone(n int, amp float32) audio.Signal {
	sig := make(audio.Signal, n)
	for i := range sig {
		if i%2 == 0 {
			sig[i] = amp
		} else {
			sig[i] = -amp
		}
	}
	return sig
}
