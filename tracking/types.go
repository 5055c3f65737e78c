package tracking

import (
	"errors"
	"image"

	"vidtrack/detection"
)

// ErrFrameOrder is returned when Update is called with a frame index that does
// not increase.
var ErrFrameOrder = errors.New("frame index out of order")

// TrackState is the lifecycle state of a track hypothesis
type TrackState int

const (
	StateUnconfirmed TrackState = iota // seen once, not yet reported
	StateConfirmed                     // matched and reported
	StateLost                          // missed recently, kept for re-association
	StateRemoved                       // dropped, never reported again
)

func (s TrackState) String() string {
	switch s {
	case StateUnconfirmed:
		return "unconfirmed"
	case StateConfirmed:
		return "confirmed"
	case StateLost:
		return "lost"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Track is a snapshot of one track hypothesis
type Track struct {
	ID         int // 0 until first confirmed
	State      TrackState
	Box        image.Rectangle // Kalman estimate after this frame's update
	ClassID    int
	Confidence float64
	StartFrame int
	LastFrame  int // last frame a detection was matched
	Hits       int
}

// TrackedDetection pairs a confirmed track with the detection it matched on
// the current frame. Both are copies.
type TrackedDetection struct {
	Track     Track
	Detection detection.Detection
}

// Tracker assigns persistent identities to per-frame detections.
type Tracker interface {
	Update(frameIndex int, dets []detection.Detection) ([]TrackedDetection, error)
	Reset()
}
