// Package stream serves generated frames to viewers: MJPEG over plain
// HTTP and H264 plus Opus over WebRTC.
package stream

import (
	"bytes"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/frame"
)

const (
	opusPacket     = 20 * time.Millisecond
	opusPacketSize = audio.SampleRate / 50 // samples per 20ms packet
)

// Publisher is the display sink of a run. Every rendered frame is
// JPEG-encoded for MJPEG viewers, and the audio covering the frame is
// Opus-encoded for WebRTC viewers. Encoding is skipped while nobody is
// watching.
type Publisher struct {
	Pictures *Broadcaster[[]byte]
	Audio    *Broadcaster[media.Sample]

	quality int

	mu      sync.Mutex
	sig     audio.Signal
	fps     int
	opus    *opus.Encoder
	rgb     []byte
	packet  []byte
	latest  []byte
	renders int
}

// NewPublisher creates a publisher encoding JPEGs at the given quality (1-100).
func NewPublisher(quality int) (*Publisher, error) {
	enc, err := opus.NewEncoder(audio.SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	enc.SetBitrate(32000)
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &Publisher{
		// ~2 seconds of buffer at 25fps / 50 packets per second
		Pictures: NewBroadcaster[[]byte](50),
		Audio:    NewBroadcaster[media.Sample](100),
		quality:  quality,
		fps:      audio.FPS,
		opus:     enc,
		packet:   make([]byte, 1500),
	}, nil
}

// SetAudio attaches the run's audio so frames can be paired with it.
func (p *Publisher) SetAudio(sig audio.Signal, fps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sig = sig
	if fps > 0 {
		p.fps = fps
	}
}

// Render publishes f. It never blocks on viewers.
func (p *Publisher) Render(f frame.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renders++

	// keep the snapshot about a second fresh even with no MJPEG viewer
	if p.Pictures.ListenerCount() > 0 || (p.renders-1)%p.fps == 0 {
		buf, err := p.encodeJPEG(f)
		if err != nil {
			log.Printf("Publisher: frame %d: %v", f.Seq, err)
		} else {
			p.latest = buf
			p.Pictures.Publish(buf)
		}
	}
	if p.Audio.ListenerCount() > 0 {
		p.publishAudio(f.Seq)
	}
}

// Latest returns the most recent JPEG, or nil before the first frame.
// Without MJPEG viewers it is refreshed once per second of video.
func (p *Publisher) Latest() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Rendered returns how many frames were handed to Render.
func (p *Publisher) Rendered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.renders
}

func (p *Publisher) encodeJPEG(f frame.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p.rgb = f.ConvertTo(frame.RGB, p.rgb)
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, j := 0, 0; i < len(p.rgb); i, j = i+frame.BytesPerPixel, j+4 {
		img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = p.rgb[i], p.rgb[i+1], p.rgb[i+2], 0xff
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// publishAudio encodes the samples spanning frame seq as 20ms packets.
func (p *Publisher) publishAudio(seq int) {
	if len(p.sig) == 0 {
		return
	}
	per := audio.SampleRate / p.fps
	pcm := p.sig.Slice(seq*per, per)
	for off := 0; off+opusPacketSize <= len(pcm); off += opusPacketSize {
		n, err := p.opus.EncodeFloat32(pcm[off:off+opusPacketSize], p.packet)
		if err != nil {
			log.Printf("Publisher: opus encode error: %v", err)
			return
		}
		p.Audio.Publish(media.Sample{
			Data:     bytes.Clone(p.packet[:n]),
			Duration: opusPacket,
		})
	}
}
