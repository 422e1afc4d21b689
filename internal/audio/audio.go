package audio

import "time"

const (
	SampleRate   = 16000
	UnitDuration = 40 * time.Millisecond
	UnitSamples  = 640 // samples per 40ms unit at 16kHz
	ExtraSamples = 80  // receptive-field margin the motion generator expects past the window
	FPS          = 25  // one frame per unit
)

// Signal is a mono 16kHz float32 audio buffer. The chunker never modifies it.
type Signal []float32

// Duration returns the playback length of the signal at SampleRate.
func (s Signal) Duration() time.Duration {
	return time.Duration(len(s)) * time.Second / SampleRate
}

// Slice returns samples [start, start+n), zero-padded past the end of the signal.
func (s Signal) Slice(start, n int) []float32 {
	out := make([]float32, n)
	if start < 0 {
		n += start
		if n <= 0 {
			return out
		}
		copy(out[-start:], s)
		return out
	}
	if start < len(s) {
		copy(out, s[start:])
	}
	return out
}

// FramesFor returns how many video frames cover samples at the given rates,
// rounding up so the tail of the audio still gets a frame.
func FramesFor(samples, sampleRate, fps int) int {
	if samples <= 0 || sampleRate <= 0 || fps <= 0 {
		return 0
	}
	return int((int64(samples)*int64(fps) + int64(sampleRate) - 1) / int64(sampleRate))
}
