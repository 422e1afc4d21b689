package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
)

// DecodeFile runs FFmpeg to decode an audio file to mono float32 samples at SampleRate.
func DecodeFile(ctx context.Context, path string) (Signal, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", path,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ar", strconv.Itoa(SampleRate),
		"-ac", "1",
		"-loglevel", "error",
		"pipe:1",
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode %s: %w", path, err)
	}
	return BytesToSamples(out), nil
}

// BytesToSamples decodes little-endian float32 samples, dropping a trailing partial sample.
func BytesToSamples(buf []byte) Signal {
	samples := make(Signal, len(buf)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return samples
}

// SamplesToBytes converts float32 samples to little-endian bytes.
func SamplesToBytes(samples []float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}
