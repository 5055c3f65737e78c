// Package pipeline drives frames from a source through detection, tracking
// and annotation into the display and every configured sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gocv.io/x/gocv"

	"vidtrack/detection"
	"vidtrack/tracking"
	"vidtrack/video"
)

// Global debug function for pipeline package
var debugMsgFunc func(string, string, ...string)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string, ids ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, ids...)
	}
}

// FrameSource yields decoded frames in order. Next returns io.EOF once the
// stream is exhausted.
type FrameSource interface {
	Next() (*video.Frame, error)
	Metadata() video.Metadata
	Close() error
}

// Detector runs the object detector on one frame.
type Detector interface {
	Detect(frame gocv.Mat) ([]detection.Detection, error)
}

// Annotator draws tracked objects onto a frame in place.
type Annotator interface {
	Annotate(img *gocv.Mat, tracked []tracking.TrackedDetection) *gocv.Mat
}

// Display shows annotated frames. Show reports stop when the user asked to
// end playback.
type Display interface {
	Show(f *video.Frame) (stop bool, err error)
	Close() error
}

// FrameRecord is what observers see for every processed frame.
type FrameRecord struct {
	Index      int
	Detections []detection.Detection
	Tracked    []tracking.TrackedDetection
	Timings    Timings
}

// Observer receives a record of each frame after it has been written.
type Observer interface {
	OnFrame(rec FrameRecord) error
}

// SinkFactory opens a sink once the source metadata is known.
type SinkFactory func(meta video.Metadata) (video.Sink, error)

// Config wires the stages of one run. Detector, Tracker and Annotator are
// owned by the caller; the source, sinks and display are opened and released
// by Run.
type Config struct {
	OpenSource  func() (FrameSource, error)
	Detector    Detector
	Tracker     tracking.Tracker
	Annotator   Annotator
	Sinks       []SinkFactory
	OpenDisplay func() (Display, error) // nil disables display
	Observers   []Observer

	Prefetch      int           // frames decoded ahead, 0 reads inline
	StatsInterval time.Duration // 0 disables periodic stats
	SessionID     string
}

// Result summarises a finished run.
type Result struct {
	SessionID     string
	FramesRead    int
	FramesWritten int
	Cancelled     bool
	Duration      time.Duration
}

// Driver runs the frame loop.
type Driver struct {
	cfg   Config
	stats *Stats
}

// NewDriver checks that every required stage is present.
func NewDriver(cfg Config) (*Driver, error) {
	switch {
	case cfg.OpenSource == nil:
		return nil, errors.New("pipeline: no source")
	case cfg.Detector == nil:
		return nil, errors.New("pipeline: no detector")
	case cfg.Tracker == nil:
		return nil, errors.New("pipeline: no tracker")
	case cfg.Annotator == nil:
		return nil, errors.New("pipeline: no annotator")
	case cfg.Prefetch < 0:
		return nil, fmt.Errorf("pipeline: prefetch %d must not be negative", cfg.Prefetch)
	}
	return &Driver{cfg: cfg, stats: NewStats()}, nil
}

// Stats returns the stage timing tracker of the driver.
func (d *Driver) Stats() *Stats {
	return d.stats
}

type resource struct {
	name string
	io.Closer
}

// release closes resources in reverse acquisition order and joins every
// failure.
func release(resources []resource) error {
	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.name, err))
			continue
		}
		debugMsg("PIPELINE", "released "+r.name)
	}
	return errors.Join(errs...)
}

// Run processes frames until the source is exhausted, the display asks to
// stop, or ctx is cancelled. Cancellation is checked once per frame, so the
// frame in flight is always finished and written. Every acquired resource is
// released on return, including on error.
func (d *Driver) Run(ctx context.Context) (res Result, err error) {
	res.SessionID = d.cfg.SessionID
	started := time.Now()

	var resources []resource
	defer func() {
		err = errors.Join(err, release(resources))
		res.Duration = time.Since(started)
	}()

	src, err := d.cfg.OpenSource()
	if err != nil {
		return res, err
	}
	resources = append(resources, resource{"source", src})
	meta := src.Metadata()
	debugMsg("PIPELINE", fmt.Sprintf("source %dx%d @ %.2f fps, %d frames", meta.Width, meta.Height, meta.FPS, meta.FrameCount))

	sinks := make([]video.Sink, 0, len(d.cfg.Sinks))
	for i, open := range d.cfg.Sinks {
		sink, err := open(meta)
		if err != nil {
			return res, err
		}
		sinks = append(sinks, sink)
		resources = append(resources, resource{fmt.Sprintf("sink %d", i), sink})
	}

	var display Display
	if d.cfg.OpenDisplay != nil {
		if display, err = d.cfg.OpenDisplay(); err != nil {
			return res, err
		}
		resources = append(resources, resource{"display", display})
	}

	next := func() (*video.Frame, time.Duration, error) {
		start := time.Now()
		f, err := src.Next()
		return f, time.Since(start), err
	}
	if d.cfg.Prefetch > 0 {
		pf := newPrefetcher(ctx, src, d.cfg.Prefetch)
		resources = append(resources, resource{"prefetch", pf})
		next = pf.Next
	}

	for {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		f, readTime, err := next()
		if errors.Is(err, io.EOF) {
			res.Cancelled = ctx.Err() != nil
			break
		}
		if err != nil {
			return res, err
		}
		res.FramesRead++

		stop, written, err := d.process(f, readTime, sinks, display)
		f.Close()
		if written {
			res.FramesWritten++
		}
		if err != nil {
			return res, err
		}
		if stop {
			res.Cancelled = true
			break
		}

		if d.stats.Due(d.cfg.StatsInterval) {
			debugMsg("PERF", d.stats.Report().String())
		}
	}

	debugMsg("PIPELINE", fmt.Sprintf("read %d frames, wrote %d, cancelled=%t", res.FramesRead, res.FramesWritten, res.Cancelled))
	return res, nil
}

// process runs one frame through every stage. written is true when the
// frame reached every sink.
func (d *Driver) process(f *video.Frame, readTime time.Duration, sinks []video.Sink, display Display) (stop, written bool, err error) {
	t := Timings{Read: readTime}

	start := time.Now()
	dets, err := d.cfg.Detector.Detect(f.Mat)
	if err != nil {
		return false, false, fmt.Errorf("frame %d: %w", f.Index, err)
	}
	t.Detect = time.Since(start)

	start = time.Now()
	tracked, err := d.cfg.Tracker.Update(f.Index, dets)
	if err != nil {
		return false, false, fmt.Errorf("frame %d: %w", f.Index, err)
	}
	t.Track = time.Since(start)

	start = time.Now()
	d.cfg.Annotator.Annotate(&f.Mat, tracked)
	t.Annotate = time.Since(start)

	start = time.Now()
	if display != nil {
		if stop, err = display.Show(f); err != nil {
			return false, false, fmt.Errorf("frame %d: %w", f.Index, err)
		}
	}
	// A frame shown when the exit key is pressed is still written.
	for _, sink := range sinks {
		if err := sink.Write(f); err != nil {
			return stop, false, fmt.Errorf("frame %d: %w", f.Index, err)
		}
	}
	written = len(sinks) > 0
	t.Write = time.Since(start)

	d.stats.Add(t)

	rec := FrameRecord{Index: f.Index, Detections: dets, Tracked: tracked, Timings: t}
	for _, o := range d.cfg.Observers {
		if err := o.OnFrame(rec); err != nil {
			return stop, written, fmt.Errorf("frame %d observer: %w", f.Index, err)
		}
	}
	return stop, written, nil
}
