package video

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

var (
	// ErrResource is returned when a capture, writer or window cannot be opened.
	ErrResource = errors.New("video resource error")
	// ErrEncode is returned when a frame cannot be written to a sink.
	ErrEncode = errors.New("video encode error")
)

// Frame is one decoded BGR image and its position in the stream.
type Frame struct {
	Index int
	Mat   gocv.Mat

	closed bool
}

// Size returns the frame width and height.
func (f *Frame) Size() image.Point {
	return image.Pt(f.Mat.Cols(), f.Mat.Rows())
}

// Close releases the pixel buffer. Safe to call twice.
func (f *Frame) Close() error {
	if f == nil || f.closed {
		return nil
	}
	f.closed = true
	return f.Mat.Close()
}

// Metadata describes a stream as reported by the container.
type Metadata struct {
	FPS        float64
	Width      int
	Height     int
	FrameCount int // 0 when unknown (devices, live streams)
}

// Sink consumes annotated frames in order. A sink must not keep references to
// the frame's Mat after Write returns.
type Sink interface {
	Write(f *Frame) error
	Close() error
}
