package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/satindergrewal/facecast/internal/audio"
)

// ErrUnknownMode is returned by StrategyFor for anything but online/offline.
var ErrUnknownMode = errors.New("engine: unknown submission mode")

// Mode names a submission strategy.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// Strategy decides how a signal is handed to an engine. It is chosen once
// per run.
type Strategy interface {
	Mode() Mode
	Submit(ctx context.Context, eng Engine, sig audio.Signal) error
}

// Online slices the signal into overlapping windows and submits them one
// by one. Cancelling ctx stops after the chunk in flight.
type Online struct {
	Spec     audio.ChunkSpec
	Geometry audio.Geometry
}

func (Online) Mode() Mode { return ModeOnline }

func (o Online) Submit(ctx context.Context, eng Engine, sig audio.Signal) error {
	chunks, err := audio.NewChunker(sig, o.Spec, o.Geometry)
	if err != nil {
		return err
	}
	for c := range chunks.All() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := eng.SubmitChunk(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Offline submits the whole signal as a single batch.
type Offline struct{}

func (Offline) Mode() Mode { return ModeOffline }

func (Offline) Submit(ctx context.Context, eng Engine, sig audio.Signal) error {
	return eng.SubmitBatch(ctx, sig)
}

// StrategyFor maps a configured mode to its strategy. Chunk geometry is
// validated here so a bad spec fails before the run starts.
func StrategyFor(mode string, spec audio.ChunkSpec, geo audio.Geometry) (Strategy, error) {
	switch Mode(mode) {
	case ModeOnline:
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		return Online{Spec: spec, Geometry: geo}, nil
	case ModeOffline:
		return Offline{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}
