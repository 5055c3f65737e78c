package video

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Writer encodes frames to a video file through OpenCV.
type Writer struct {
	path   string
	width  int
	height int
	vw     *gocv.VideoWriter
	frames int

	mu     sync.Mutex
	closed bool
}

// OpenWriter creates path with the given fourcc codec (e.g. "mp4v"), frame
// rate and frame size. Every frame written must have exactly that size.
func OpenWriter(path, codec string, fps float64, width, height int) (*Writer, error) {
	if len(codec) != 4 {
		return nil, fmt.Errorf("%w: codec %q is not a fourcc", ErrResource, codec)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid output size %dx%d", ErrResource, width, height)
	}
	if fps <= 0 {
		fps = defaultFPS
	}

	vw, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: could not create %s: %v", ErrResource, path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("%w: could not create %s with codec %s", ErrResource, path, codec)
	}

	debugMsg("WRITER", fmt.Sprintf("Writing %s (%s, %dx%d @ %.2f fps)", path, codec, width, height, fps))
	return &Writer{path: path, width: width, height: height, vw: vw}, nil
}

// Write appends one frame. A frame of the wrong size or type is rejected
// with ErrEncode and nothing is written.
func (w *Writer) Write(f *Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("%w: write to closed writer %s", ErrEncode, w.path)
	}
	if f.Mat.Cols() != w.width || f.Mat.Rows() != w.height {
		return fmt.Errorf("%w: frame %d is %dx%d, writer expects %dx%d",
			ErrEncode, f.Index, f.Mat.Cols(), f.Mat.Rows(), w.width, w.height)
	}
	if f.Mat.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("%w: frame %d has type %v, writer expects 8-bit BGR", ErrEncode, f.Index, f.Mat.Type())
	}
	if err := w.vw.Write(f.Mat); err != nil {
		return fmt.Errorf("%w: frame %d: %v", ErrEncode, f.Index, err)
	}
	w.frames++
	return nil
}

// Frames returns how many frames were written.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close finalizes the container. Further calls are no-ops.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	debugMsg("WRITER", fmt.Sprintf("Closing %s after %d frames", w.path, w.frames))
	if err := w.vw.Close(); err != nil {
		return fmt.Errorf("%w: finalizing %s: %v", ErrEncode, w.path, err)
	}
	return nil
}

var _ Sink = (*Writer)(nil)
