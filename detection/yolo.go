package detection

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// letterboxPad is the grey used for the padding bars, matching the value the
// YOLO exporters train with.
const letterboxPad = 114

// Letterbox describes how a frame was scaled and padded into the square
// network input.
type Letterbox struct {
	Size          int     // network input side
	Scale         float64 // frame px -> input px
	PadX, PadY    int     // left / top padding in input px
	ContentWidth  int
	ContentHeight int
	FrameWidth    int
	FrameHeight   int
}

// NewLetterbox computes the aspect-preserving fit of a width x height frame
// into a size x size input, content centered.
func NewLetterbox(width, height, size int) Letterbox {
	scale := math.Min(float64(size)/float64(width), float64(size)/float64(height))
	cw := int(math.Round(float64(width) * scale))
	ch := int(math.Round(float64(height) * scale))
	dw := float64(size-cw) / 2
	dh := float64(size-ch) / 2
	return Letterbox{
		Size:          size,
		Scale:         scale,
		PadX:          int(math.Round(dw - 0.1)),
		PadY:          int(math.Round(dh - 0.1)),
		ContentWidth:  cw,
		ContentHeight: ch,
		FrameWidth:    width,
		FrameHeight:   height,
	}
}

// ToFrame maps a candidate from input space back to a clamped frame rectangle.
func (lb Letterbox) ToFrame(c Candidate) image.Rectangle {
	x1 := (c.X1 - float64(lb.PadX)) / lb.Scale
	y1 := (c.Y1 - float64(lb.PadY)) / lb.Scale
	x2 := (c.X2 - float64(lb.PadX)) / lb.Scale
	y2 := (c.Y2 - float64(lb.PadY)) / lb.Scale

	clamp := func(v float64, max int) int {
		return int(math.Round(math.Max(0, math.Min(v, float64(max)))))
	}
	return image.Rect(
		clamp(x1, lb.FrameWidth), clamp(y1, lb.FrameHeight),
		clamp(x2, lb.FrameWidth), clamp(y2, lb.FrameHeight),
	)
}

// createLetterboxBlob resizes frame into a padded square canvas and converts
// it to an NCHW float blob scaled to [0,1] with RB swapped.
func createLetterboxBlob(frame gocv.Mat, lb Letterbox) gocv.Mat {
	canvas := gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(letterboxPad, letterboxPad, letterboxPad, 0),
		lb.Size, lb.Size, gocv.MatTypeCV8UC3)
	defer canvas.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, image.Pt(lb.ContentWidth, lb.ContentHeight), 0, 0, gocv.InterpolationLinear)

	roi := canvas.Region(image.Rect(lb.PadX, lb.PadY, lb.PadX+lb.ContentWidth, lb.PadY+lb.ContentHeight))
	defer roi.Close()
	resized.CopyTo(&roi)

	return gocv.BlobFromImage(canvas, 1.0/255.0, image.Pt(lb.Size, lb.Size), gocv.NewScalar(0, 0, 0, 0), true, false)
}

// DecodeOutput turns a raw YOLO output tensor into candidates scoring above
// confThreshold. Two layouts are understood:
//
//	[1, 4+nc, N]  YOLOv8 / v11 (cx, cy, w, h, class scores...)
//	[1, N, 5+nc]  YOLOv5 (cx, cy, w, h, objectness, class scores...)
//
// numClasses may be 0, in which case it is inferred from the shape.
func DecodeOutput(data []float32, shape []int, numClasses int, confThreshold float64) ([]Candidate, error) {
	dims := shape
	if len(dims) == 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 {
		return nil, fmt.Errorf("%w: unsupported output shape %v", ErrInference, shape)
	}
	rows, cols := dims[0], dims[1]
	if rows*cols > len(data) {
		return nil, fmt.Errorf("%w: output shape %v larger than data (%d)", ErrInference, shape, len(data))
	}

	switch {
	case numClasses > 0 && rows == 4+numClasses:
		return decodeChannelsFirst(data, rows, cols, confThreshold), nil
	case numClasses > 0 && cols == 5+numClasses:
		return decodeRowsFirst(data, rows, cols, confThreshold), nil
	case numClasses == 0 && rows > 4 && rows < cols:
		return decodeChannelsFirst(data, rows, cols, confThreshold), nil
	case numClasses == 0 && cols > 5 && cols < rows:
		return decodeRowsFirst(data, rows, cols, confThreshold), nil
	}
	return nil, fmt.Errorf("%w: output shape %v does not match %d classes", ErrInference, shape, numClasses)
}

// decodeChannelsFirst reads a [channels, anchors] tensor.
func decodeChannelsFirst(data []float32, channels, anchors int, confThreshold float64) []Candidate {
	var out []Candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, float32(-1)
		for c := 4; c < channels; c++ {
			if s := data[c*anchors+i]; s > bestScore {
				best, bestScore = c-4, s
			}
		}
		score := float64(bestScore)
		if best < 0 || score <= confThreshold {
			continue
		}
		cx := float64(data[i])
		cy := float64(data[anchors+i])
		w := float64(data[2*anchors+i])
		h := float64(data[3*anchors+i])
		out = append(out, Candidate{
			X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2,
			ClassID: best, Score: score,
		})
	}
	return out
}

// decodeRowsFirst reads a [anchors, 5+nc] tensor with an objectness column.
func decodeRowsFirst(data []float32, anchors, width int, confThreshold float64) []Candidate {
	var out []Candidate
	for i := 0; i < anchors; i++ {
		row := data[i*width : (i+1)*width]
		best, bestScore := -1, float32(-1)
		for c := 5; c < width; c++ {
			if row[c] > bestScore {
				best, bestScore = c-5, row[c]
			}
		}
		score := float64(row[4]) * float64(bestScore)
		if best < 0 || score <= confThreshold {
			continue
		}
		cx, cy, w, h := float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
		out = append(out, Candidate{
			X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2,
			ClassID: best, Score: math.Min(score, 1),
		})
	}
	return out
}

// validateFrame rejects frames the network cannot take.
func validateFrame(frame gocv.Mat) error {
	if frame.Empty() {
		return fmt.Errorf("%w: empty frame", ErrInference)
	}
	if frame.Channels() != 3 || frame.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("%w: expected 8-bit 3-channel frame, got %d channels (type %v)",
			ErrInference, frame.Channels(), frame.Type())
	}
	if frame.Cols() <= 0 || frame.Rows() <= 0 {
		return fmt.Errorf("%w: invalid frame size %dx%d", ErrInference, frame.Cols(), frame.Rows())
	}
	return nil
}

// toDetections maps suppressed candidates back into the frame, dropping any
// that collapse to an empty box after clamping.
func toDetections(cands []Candidate, lb Letterbox) []Detection {
	dets := make([]Detection, 0, len(cands))
	for _, c := range cands {
		box := lb.ToFrame(c)
		if box.Empty() {
			continue
		}
		dets = append(dets, Detection{
			Box:        box,
			ClassID:    c.ClassID,
			Confidence: math.Max(0, math.Min(c.Score, 1)),
		})
	}
	return dets
}
