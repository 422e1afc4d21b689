package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

var annexBStartCode = []byte{0, 0, 0, 1}

// PumpH264 reads an Annex-B H264 elementary stream, such as the stdout of
// the live encoder, and sends one sample per access unit to out, usually
// the source of a Broadcaster's Run. Parameter sets are sent together with
// the picture that follows them. It returns nil once r reaches EOF and
// ctx.Err() if ctx ends first; out is left open.
func PumpH264(ctx context.Context, r io.Reader, fps int, out chan<- media.Sample) error {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		return fmt.Errorf("h264 reader: %w", err)
	}
	if fps <= 0 {
		return fmt.Errorf("invalid frame rate %d", fps)
	}
	dur := time.Second / time.Duration(fps)

	var au []byte
	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read NAL: %w", err)
		}
		au = append(au, annexBStartCode...)
		au = append(au, nal.Data...)

		switch nal.UnitType {
		case h264reader.NalUnitTypeCodedSliceIdr, h264reader.NalUnitTypeCodedSliceNonIdr:
			select {
			case out <- media.Sample{Data: au, Duration: dur}:
			case <-ctx.Done():
				return ctx.Err()
			}
			au = nil
		}
	}
}
