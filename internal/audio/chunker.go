package audio

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

// ErrInvalidChunkSpec is returned before any chunk is produced when the
// window geometry cannot be satisfied.
var ErrInvalidChunkSpec = errors.New("audio: invalid chunk spec")

// ChunkSpec is the window geometry in units: Lookback units of left
// context, Stride units of new audio per step, Lookahead units of right
// context.
type ChunkSpec struct {
	Lookback  int `yaml:"lookback"`
	Stride    int `yaml:"stride"`
	Lookahead int `yaml:"lookahead"`
}

// DefaultChunkSpec is the (3, 5, 2) geometry the motion generator was trained with.
func DefaultChunkSpec() ChunkSpec {
	return ChunkSpec{Lookback: 3, Stride: 5, Lookahead: 2}
}

// Validate reports whether the window geometry can drive a chunker.
func (cs ChunkSpec) Validate() error {
	if cs.Stride <= 0 {
		return fmt.Errorf("%w: stride must be positive, got %d", ErrInvalidChunkSpec, cs.Stride)
	}
	if cs.Lookback < 0 || cs.Lookahead < 0 {
		return fmt.Errorf("%w: lookback and lookahead must be >= 0, got (%d, %d)", ErrInvalidChunkSpec, cs.Lookback, cs.Lookahead)
	}
	return nil
}

func (cs ChunkSpec) String() string {
	return fmt.Sprintf("(%d, %d, %d)", cs.Lookback, cs.Stride, cs.Lookahead)
}

// Geometry converts window units to samples.
type Geometry struct {
	SampleRate   int
	Unit         time.Duration
	ExtraSamples int
}

// DefaultGeometry is 40ms units at 16kHz with the 80-sample margin.
func DefaultGeometry() Geometry {
	return Geometry{SampleRate: SampleRate, Unit: UnitDuration, ExtraSamples: ExtraSamples}
}

// UnitSamples returns the number of samples in one unit.
func (g Geometry) UnitSamples() int {
	return int(int64(g.SampleRate) * int64(g.Unit) / int64(time.Second))
}

func (g Geometry) validate() error {
	if g.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidChunkSpec, g.SampleRate)
	}
	if g.UnitSamples() <= 0 {
		return fmt.Errorf("%w: unit %v is shorter than one sample", ErrInvalidChunkSpec, g.Unit)
	}
	if g.ExtraSamples < 0 {
		return fmt.Errorf("%w: extra samples must be >= 0, got %d", ErrInvalidChunkSpec, g.ExtraSamples)
	}
	return nil
}

// Chunk is one fixed-length window handed to the generation engine.
type Chunk struct {
	Index   int
	Start   int // cursor position in the lookback-padded signal
	Real    int // samples taken from the original signal
	Hop     int // samples of new audio this chunk advances by
	Samples []float32
}

// Chunker walks a signal in overlapping windows for online generation.
// The signal is treated as if prefixed with Lookback units of silence, the
// cursor moves Stride units per chunk and every chunk is WindowLength
// samples, zero-padded on the right once the source runs out.
//
// A Chunker is single-use and not safe for concurrent use.
type Chunker struct {
	sig      Signal
	lead     int // lookback samples of leading silence
	stride   int
	window   int
	total    int
	next     int
	consumed bool
}

// NewChunker validates spec and geo and returns a chunker positioned before the first window.
func NewChunker(sig Signal, spec ChunkSpec, geo Geometry) (*Chunker, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := geo.validate(); err != nil {
		return nil, err
	}
	unit := geo.UnitSamples()
	c := &Chunker{
		sig:    sig,
		lead:   spec.Lookback * unit,
		stride: spec.Stride * unit,
		window: (spec.Lookback+spec.Stride+spec.Lookahead)*unit + geo.ExtraSamples,
	}
	padded := len(sig) + c.lead
	c.total = (padded + c.stride - 1) / c.stride
	if c.total == 0 {
		// empty input with no lookback still yields the all-silence window
		c.total = 1
	}
	return c, nil
}

// WindowLength is the exact length of every emitted chunk.
func (c *Chunker) WindowLength() int { return c.window }

// Len is the total number of chunks the chunker emits.
func (c *Chunker) Len() int { return c.total }

// Next returns the next chunk, or false once the signal is exhausted.
func (c *Chunker) Next() (Chunk, bool) {
	if c.next >= c.total {
		return Chunk{}, false
	}
	i := c.next
	c.next++

	start := i * c.stride
	return Chunk{
		Index:   i,
		Start:   start,
		Real:    c.realSamples(start),
		Hop:     c.stride,
		Samples: c.sig.Slice(start-c.lead, c.window),
	}, true
}

// All yields the remaining chunks. Like Next it cannot be restarted: a
// second call panics rather than silently yielding nothing.
func (c *Chunker) All() iter.Seq[Chunk] {
	if c.consumed {
		panic("audio: Chunker.All called twice")
	}
	c.consumed = true
	return func(yield func(Chunk) bool) {
		for {
			ch, ok := c.Next()
			if !ok || !yield(ch) {
				return
			}
		}
	}
}

// realSamples counts how much of [start, start+window) overlaps the
// original signal in padded coordinates.
func (c *Chunker) realSamples(start int) int {
	lo := max(start, c.lead)
	hi := min(start+c.window, c.lead+len(c.sig))
	if hi <= lo {
		return 0
	}
	return hi - lo
}
