package video

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

// defaultFPS is assumed when the container does not report a frame rate.
const defaultFPS = 30.0

// Source reads frames from a video file, stream URL or capture device.
type Source struct {
	uri     string
	capture *gocv.VideoCapture
	meta    Metadata
	next    int

	closeOnce sync.Once
	closeErr  error
}

// OpenSource opens uri for reading. A plain decimal uri is taken as a capture
// device index, anything else as a file path or stream URL.
func OpenSource(uri string) (*Source, error) {
	var (
		capture *gocv.VideoCapture
		err     error
	)
	if id, convErr := strconv.Atoi(uri); convErr == nil {
		capture, err = gocv.VideoCaptureDevice(id)
	} else {
		capture, err = gocv.VideoCaptureFile(uri)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: could not open %s: %v", ErrResource, uri, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: could not open %s", ErrResource, uri)
	}

	s := &Source{uri: uri, capture: capture}
	s.meta = Metadata{
		FPS:        capture.Get(gocv.VideoCaptureFPS),
		Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
		FrameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
	}
	if s.meta.FPS <= 0 || math.IsNaN(s.meta.FPS) || math.IsInf(s.meta.FPS, 0) {
		debugMsg("SOURCE", fmt.Sprintf("%s reports no frame rate, assuming %.0f fps", uri, defaultFPS))
		s.meta.FPS = defaultFPS
	}
	if s.meta.FrameCount < 0 {
		s.meta.FrameCount = 0
	}
	debugMsg("SOURCE", fmt.Sprintf("Opened %s: %dx%d @ %.2f fps, %d frames",
		uri, s.meta.Width, s.meta.Height, s.meta.FPS, s.meta.FrameCount))
	return s, nil
}

// Metadata returns the stream properties queried at open.
func (s *Source) Metadata() Metadata {
	return s.meta
}

// Next decodes the next frame. It returns io.EOF once the stream is
// exhausted or a read fails. The caller owns the returned frame.
func (s *Source) Next() (*Frame, error) {
	if s.capture == nil {
		return nil, io.EOF
	}
	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		debugMsgVerbose("SOURCE", fmt.Sprintf("end of stream after %d frames", s.next))
		return nil, io.EOF
	}
	f := &Frame{Index: s.next, Mat: mat}
	s.next++
	return f, nil
}

// Close releases the capture. Further calls are no-ops.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.capture != nil {
			if err := s.capture.Close(); err != nil {
				s.closeErr = fmt.Errorf("%w: closing %s: %v", ErrResource, s.uri, err)
			}
			s.capture = nil
		}
	})
	return s.closeErr
}
