// Package engine defines the contract with the external motion generator
// and the strategies used to feed it audio.
package engine

import (
	"context"
	"fmt"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/frame"
)

// Sink receives generated frames. frame.Channel implements it.
type Sink interface {
	Push(ctx context.Context, f frame.Frame) error
}

// Setup describes one generation run.
type Setup struct {
	SourcePath string // portrait image or video driving the avatar
	NumFrames  int    // frames to emit in total, 0 for no limit
	FPS        int
	FadeIn     int // frames, -1 disables
	FadeOut    int // frames, -1 disables
	Control    Control
}

// Engine is a generation engine. Work is submitted either as a sequence
// of chunks (online) or as one batch (offline); frames arrive
// asynchronously through the Sink the engine was built with.
//
// Methods are called from a single producer goroutine. Close ends the
// input and returns once every frame of the submitted work was emitted.
type Engine interface {
	Setup(ctx context.Context, s Setup) error
	SubmitChunk(ctx context.Context, c audio.Chunk) error
	SubmitBatch(ctx context.Context, sig audio.Signal) error
	Close(ctx context.Context) error
}

// Failure is an error reported by the engine for a unit of work.
type Failure struct {
	Stage string // setup, chunk, batch, output, close
	Seq   int
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("engine %s %d: %v", f.Stage, f.Seq, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }
