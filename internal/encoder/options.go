package encoder

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/mattn/go-shellwords"
)

// Options configures one encoder session.
type Options struct {
	Name string // used in logs and errors

	// Command is the full encoder command line, e.g.
	// "ffmpeg -loglevel error -y -f flv rtmp://host/live/key". The input
	// description is inserted right after the program name.
	Command string

	FPS         int
	Width       int
	Height      int
	PixelFormat string // output pixel format, e.g. yuv420p
	Quality     int    // passed as -crf
	ExtraArgs   []string

	Env          []string  // appended to the parent environment
	Stdout       io.Writer // defaults to the log
	CloseTimeout time.Duration
}

const defaultCloseTimeout = 10 * time.Second

func (o Options) validate() error {
	switch {
	case o.Command == "":
		return fmt.Errorf("%w: command is empty", ErrInvalidOptions)
	case o.FPS <= 0:
		return fmt.Errorf("%w: fps must be positive, got %d", ErrInvalidOptions, o.FPS)
	case o.Width <= 0 || o.Height <= 0:
		return fmt.Errorf("%w: invalid frame size %dx%d", ErrInvalidOptions, o.Width, o.Height)
	case o.Width%2 != 0 || o.Height%2 != 0:
		return fmt.Errorf("%w: frame size %dx%d must be even for chroma subsampling", ErrInvalidOptions, o.Width, o.Height)
	case o.PixelFormat == "":
		return fmt.Errorf("%w: pixel format is empty", ErrInvalidOptions)
	case o.Quality < 0 || o.Quality > 63:
		return fmt.Errorf("%w: quality %d outside 0-63", ErrInvalidOptions, o.Quality)
	case o.CloseTimeout < 0:
		return fmt.Errorf("%w: negative close timeout", ErrInvalidOptions)
	}
	return nil
}

// Args builds the argv for the encoder process: the program, the raw
// rgb24 input description reading from stdin, the output pixel format and
// quality, ExtraArgs, then the rest of Command.
func (o Options) Args() ([]string, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	words, err := shellwords.Parse(o.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: parse command: %v", ErrInvalidOptions, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: command is empty", ErrInvalidOptions)
	}

	args := []string{
		words[0],
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-video_size", fmt.Sprintf("%dx%d", o.Width, o.Height),
		"-framerate", strconv.Itoa(o.FPS),
		"-i", "pipe:0",
		"-pix_fmt", o.PixelFormat,
		"-crf", strconv.Itoa(o.Quality),
	}
	args = append(args, o.ExtraArgs...)
	return append(args, words[1:]...), nil
}

func (o Options) frameBytes() int {
	return o.Width * o.Height * 3
}
