package tracking

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/swdee/go-rknnlite/tracker"

	"vidtrack/detection"
)

// Global debug functions for the tracking package
var (
	debugMsgFunc        func(string, string, ...string)
	debugMsgVerboseFunc func(string, string, ...string)
)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(component, message string, trackID ...string)) {
	debugMsgFunc = fn
}

// SetDebugVerboseFunction allows main package to provide the verbose debug function
func SetDebugVerboseFunction(fn func(component, message string, trackID ...string)) {
	debugMsgVerboseFunc = fn
}

func debugMsg(component, message string, trackID ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, trackID...)
	}
}

func debugMsgVerbose(component, message string, trackID ...string) {
	if debugMsgVerboseFunc != nil {
		debugMsgVerboseFunc(component, message, trackID...)
	}
}

// Config holds the association thresholds. Zero values are not defaults, use
// DefaultConfig.
type Config struct {
	HighThresh     float64 `json:"track_high_thresh"` // first association, below is second stage
	LowThresh      float64 `json:"track_low_thresh"`  // detections at or below are dropped
	NewTrackThresh float64 `json:"new_track_thresh"`
	TrackBuffer    int     `json:"track_buffer"`
	MatchThresh    float64 `json:"match_thresh"`
	FrameRate      float64 `json:"frame_rate"`
}

// DefaultConfig returns the stock ByteTrack settings.
func DefaultConfig() Config {
	return Config{
		HighThresh:     0.25,
		LowThresh:      0.1,
		NewTrackThresh: 0.25,
		TrackBuffer:    30,
		MatchThresh:    0.8,
		FrameRate:      30,
	}
}

// Validate checks threshold ranges.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"track_high_thresh": c.HighThresh,
		"track_low_thresh":  c.LowThresh,
		"new_track_thresh":  c.NewTrackThresh,
		"match_thresh":      c.MatchThresh,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %.2f outside [0,1]", name, v)
		}
	}
	if c.LowThresh > c.HighThresh {
		return fmt.Errorf("track_low_thresh %.2f above track_high_thresh %.2f", c.LowThresh, c.HighThresh)
	}
	if c.TrackBuffer < 0 {
		return fmt.Errorf("track_buffer must not be negative, got %d", c.TrackBuffer)
	}
	if c.FrameRate <= 0 {
		return fmt.Errorf("frame_rate must be positive, got %.2f", c.FrameRate)
	}
	return nil
}

// frameRate is the integer rate the lost-track buffer is scaled by.
func (c Config) frameRate() int {
	return max(1, int(math.Round(c.FrameRate)))
}

// history is what the adapter remembers about one issued ID.
type history struct {
	id         int
	startIndex int
	hits       int
}

// BYTETracker associates detections in two stages, high scoring detections
// first and low scoring ones against the remaining tracks, so that occluded
// objects keep their identity through low confidence frames.
//
// Association, Kalman prediction and the track tables are handled by the
// go-rknnlite ByteTrack port. The library numbers every hypothesis it opens,
// including ones that never get confirmed, so its IDs are remapped to a
// contiguous sequence issued when a track is first reported.
type BYTETracker struct {
	cfg Config

	mu        sync.Mutex
	bt        *tracker.BYTETracker
	started   bool
	lastIndex int // caller frame index of the last Update
	nextID    int
	ids       map[int64]*history // library track ID to issued ID
	reported  int                // tracks reported by the last Update
}

// NewBYTETracker creates a tracker. The configuration is validated.
func NewBYTETracker(cfg Config) (*BYTETracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &BYTETracker{cfg: cfg}
	t.reset()
	return t, nil
}

// Reset drops all tracks and starts a new session. Track IDs start again
// from 1.
func (t *BYTETracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

func (t *BYTETracker) reset() {
	t.bt = tracker.NewBYTETracker(t.cfg.frameRate(), t.cfg.TrackBuffer,
		float32(t.cfg.HighThresh), float32(t.cfg.NewTrackThresh), float32(t.cfg.MatchThresh))
	t.started = false
	t.lastIndex = 0
	t.nextID = 0
	t.ids = make(map[int64]*history)
	t.reported = 0
}

// Counts returns how many tracks the last Update reported and how many IDs
// were issued this session.
func (t *BYTETracker) Counts() (reported, issued int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reported, t.nextID
}

// Update consumes the detections of one frame and returns the confirmed
// tracks matched on it, ordered by track ID. frameIndex must increase on every
// call.
func (t *BYTETracker) Update(frameIndex int, dets []detection.Detection) ([]TrackedDetection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started && frameIndex <= t.lastIndex {
		return nil, fmt.Errorf("%w: frame %d after frame %d", ErrFrameOrder, frameIndex, t.lastIndex)
	}
	t.started = true
	t.lastIndex = frameIndex

	kept := make([]detection.Detection, 0, len(dets))
	objs := make([]tracker.Object, 0, len(dets))
	for _, d := range dets {
		if !d.Valid() || d.Confidence <= t.cfg.LowThresh {
			continue
		}
		objs = append(objs, tracker.Object{
			Rect:  tracker.NewRect(float32(d.Box.Min.X), float32(d.Box.Min.Y), float32(d.Box.Dx()), float32(d.Box.Dy())),
			Label: d.ClassID,
			Prob:  float32(d.Confidence),
			ID:    int64(len(kept)),
		})
		kept = append(kept, d)
	}

	stracks, err := t.bt.Update(objs)
	if err != nil {
		return nil, fmt.Errorf("frame %d: bytetrack update: %w", frameIndex, err)
	}

	// New IDs go out in the library's creation order so identical input
	// yields identical IDs.
	sort.Slice(stracks, func(i, j int) bool { return stracks[i].GetTrackID() < stracks[j].GetTrackID() })

	out := make([]TrackedDetection, 0, len(stracks))
	for _, s := range stracks {
		di := s.GetDetectionID()
		if di < 0 || int(di) >= len(kept) {
			debugMsgVerbose("TRACK", fmt.Sprintf("frame %d: track without a detection this frame", frameIndex),
				fmt.Sprint(s.GetTrackID()))
			continue
		}
		d := kept[di]

		h, ok := t.ids[s.GetTrackID()]
		if !ok {
			t.nextID++
			h = &history{id: t.nextID, startIndex: frameIndex}
			t.ids[s.GetTrackID()] = h
			debugMsg("TRACK", fmt.Sprintf("new track (class %d, conf %.2f)", d.ClassID, d.Confidence), fmt.Sprint(h.id))
		}
		h.hits++

		rect := s.GetRect()
		out = append(out, TrackedDetection{
			Track: Track{
				ID:         h.id,
				State:      StateConfirmed,
				Box:        image.Rect(px(rect.TLX()), px(rect.TLY()), px(rect.BRX()), px(rect.BRY())),
				ClassID:    d.ClassID,
				Confidence: d.Confidence,
				StartFrame: h.startIndex,
				LastFrame:  frameIndex,
				Hits:       h.hits,
			},
			Detection: d,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Track.ID < out[j].Track.ID })
	t.reported = len(out)

	debugMsgVerbose("TRACK", fmt.Sprintf("frame %d: %d dets in, %d reported, %d ids issued",
		frameIndex, len(objs), len(out), t.nextID))
	return out, nil
}

// px rounds a tracker coordinate to the nearest pixel.
func px(v float32) int {
	return int(math.Round(float64(v)))
}

var _ Tracker = (*BYTETracker)(nil)
