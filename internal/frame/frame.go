// Package frame holds the video frame type and the bounded channel that
// hands frames from the generation worker to the consumer.
package frame

import "fmt"

// BytesPerPixel is fixed: frames are pixel-interleaved 8-bit, three channels.
const BytesPerPixel = 3

// ChannelOrder tags the byte order of each pixel.
type ChannelOrder uint8

const (
	RGB ChannelOrder = iota
	BGR
)

func (o ChannelOrder) String() string {
	switch o {
	case RGB:
		return "rgb"
	case BGR:
		return "bgr"
	default:
		return fmt.Sprintf("order(%d)", uint8(o))
	}
}

// ParseOrder accepts "rgb" or "bgr".
func ParseOrder(s string) (ChannelOrder, error) {
	switch s {
	case "rgb", "RGB", "":
		return RGB, nil
	case "bgr", "BGR":
		return BGR, nil
	}
	return RGB, fmt.Errorf("unknown channel order %q", s)
}

// Frame is one generated image. Pix holds Width*Height pixels in Order.
type Frame struct {
	Seq    int
	Width  int
	Height int
	Order  ChannelOrder
	Pix    []byte
}

// New allocates a zeroed frame.
func New(seq, width, height int, order ChannelOrder) Frame {
	return Frame{
		Seq:    seq,
		Width:  width,
		Height: height,
		Order:  order,
		Pix:    make([]byte, width*height*BytesPerPixel),
	}
}

// Validate checks that Pix matches the declared dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d: invalid size %dx%d", f.Seq, f.Width, f.Height)
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Pix) != want {
		return fmt.Errorf("frame %d: %d bytes for %dx%d, want %d", f.Seq, len(f.Pix), f.Width, f.Height, want)
	}
	return nil
}

// ConvertTo returns the pixels in the requested order. When the order
// already matches, Pix is returned as-is; otherwise the first and third
// channel of every pixel are swapped into dst, which is grown as needed.
func (f Frame) ConvertTo(order ChannelOrder, dst []byte) []byte {
	if f.Order == order {
		return f.Pix
	}
	if cap(dst) < len(f.Pix) {
		dst = make([]byte, len(f.Pix))
	}
	dst = dst[:len(f.Pix)]
	for i := 0; i+2 < len(f.Pix); i += BytesPerPixel {
		dst[i], dst[i+1], dst[i+2] = f.Pix[i+2], f.Pix[i+1], f.Pix[i]
	}
	return dst
}
