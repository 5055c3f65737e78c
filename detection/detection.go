package detection

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrInference is returned when a frame cannot be run through the network.
	ErrInference = errors.New("inference error")
	// ErrModelLoad is returned when model weights or class names cannot be loaded.
	ErrModelLoad = errors.New("model load error")
)

// Detection is a single per-frame candidate object
type Detection struct {
	Box        image.Rectangle // x1,y1,x2,y2 in frame pixels
	ClassID    int
	Confidence float64
}

// Valid reports whether the detection satisfies the box, class and score invariants.
func (d Detection) Valid() bool {
	return d.Box.Min.X < d.Box.Max.X && d.Box.Min.Y < d.Box.Max.Y &&
		d.ClassID >= 0 && d.Confidence >= 0 && d.Confidence <= 1
}

// Options controls post-processing of raw network output.
//
// The defaults keep almost every candidate; the tracker decides which ones
// become tracks.
type Options struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	IoUThreshold        float64 `json:"iou_threshold"`
	InferenceSize       int     `json:"inference_size"`
	MaxDetections       int     `json:"max_detections"`
}

// DefaultOptions returns conf 0.0, IoU 0.1 at 768px.
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.0,
		IoUThreshold:        0.1,
		InferenceSize:       768,
		MaxDetections:       300,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %.2f outside [0,1]", o.ConfidenceThreshold)
	}
	if o.IoUThreshold < 0 || o.IoUThreshold > 1 {
		return fmt.Errorf("iou threshold %.2f outside [0,1]", o.IoUThreshold)
	}
	if o.InferenceSize <= 0 || o.InferenceSize%32 != 0 {
		return fmt.Errorf("inference size %d must be a positive multiple of 32", o.InferenceSize)
	}
	if o.MaxDetections <= 0 {
		return fmt.Errorf("max detections must be positive, got %d", o.MaxDetections)
	}
	return nil
}
