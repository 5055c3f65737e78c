package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"vidtrack/detection"
	"vidtrack/tracking"
	"vidtrack/video"
)

// closeLog records the order resources were released in.
type closeLog struct {
	mu    sync.Mutex
	names []string
}

func (l *closeLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *closeLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

type stubSource struct {
	frames int
	next   int
	failAt int // -1 never
	log    *closeLog
}

func (s *stubSource) Next() (*video.Frame, error) {
	if s.next == s.failAt {
		return nil, errors.New("decode failed")
	}
	if s.next >= s.frames {
		return nil, io.EOF
	}
	f := &video.Frame{Index: s.next, Mat: gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)}
	s.next++
	return f, nil
}

func (s *stubSource) Metadata() video.Metadata {
	return video.Metadata{FPS: 30, Width: 64, Height: 48, FrameCount: s.frames}
}

func (s *stubSource) Close() error {
	s.log.add("source")
	return nil
}

type stubDetector struct {
	failAt int
	seen   int
}

func (d *stubDetector) Detect(frame gocv.Mat) ([]detection.Detection, error) {
	defer func() { d.seen++ }()
	if d.seen == d.failAt {
		return nil, fmt.Errorf("%w: forward pass failed", detection.ErrInference)
	}
	x := 2 * d.seen
	return []detection.Detection{{Box: image.Rect(x, 10, x+10, 30), ClassID: 0, Confidence: 0.9}}, nil
}

type stubTracker struct {
	indices []int
}

func (t *stubTracker) Update(frameIndex int, dets []detection.Detection) ([]tracking.TrackedDetection, error) {
	t.indices = append(t.indices, frameIndex)
	out := make([]tracking.TrackedDetection, 0, len(dets))
	for _, d := range dets {
		out = append(out, tracking.TrackedDetection{
			Track:     tracking.Track{ID: 1, State: tracking.StateConfirmed, Box: d.Box},
			Detection: d,
		})
	}
	return out, nil
}

func (t *stubTracker) Reset() { t.indices = nil }

type stubAnnotator struct{ calls int }

func (a *stubAnnotator) Annotate(img *gocv.Mat, tracked []tracking.TrackedDetection) *gocv.Mat {
	a.calls++
	return img
}

type recordingSink struct {
	name    string
	indices []int
	failAt  int
	log     *closeLog
}

func (s *recordingSink) Write(f *video.Frame) error {
	if f.Index == s.failAt {
		return fmt.Errorf("%w: disk full", video.ErrEncode)
	}
	s.indices = append(s.indices, f.Index)
	return nil
}

func (s *recordingSink) Close() error {
	s.log.add(s.name)
	return nil
}

type stubDisplay struct {
	stopAt int
	shown  []int
	onShow func(int)
	log    *closeLog
}

func (d *stubDisplay) Show(f *video.Frame) (bool, error) {
	d.shown = append(d.shown, f.Index)
	if d.onShow != nil {
		d.onShow(f.Index)
	}
	return f.Index == d.stopAt, nil
}

func (d *stubDisplay) Close() error {
	d.log.add("display")
	return nil
}

type recordingObserver struct {
	records []FrameRecord
}

func (o *recordingObserver) OnFrame(rec FrameRecord) error {
	o.records = append(o.records, rec)
	return nil
}

type harness struct {
	log      *closeLog
	source   *stubSource
	detector *stubDetector
	tracker  *stubTracker
	sinkA    *recordingSink
	sinkB    *recordingSink
	display  *stubDisplay
	observer *recordingObserver
}

func newHarness(frames int) *harness {
	log := &closeLog{}
	return &harness{
		log:      log,
		source:   &stubSource{frames: frames, failAt: -1, log: log},
		detector: &stubDetector{failAt: -1},
		tracker:  &stubTracker{},
		sinkA:    &recordingSink{name: "sinkA", failAt: -1, log: log},
		sinkB:    &recordingSink{name: "sinkB", failAt: -1, log: log},
		display:  &stubDisplay{stopAt: -1, log: log},
		observer: &recordingObserver{},
	}
}

func (h *harness) config() Config {
	return Config{
		OpenSource: func() (FrameSource, error) { return h.source, nil },
		Detector:   h.detector,
		Tracker:    h.tracker,
		Annotator:  &stubAnnotator{},
		Sinks: []SinkFactory{
			func(video.Metadata) (video.Sink, error) { return h.sinkA, nil },
			func(video.Metadata) (video.Sink, error) { return h.sinkB, nil },
		},
		OpenDisplay: func() (Display, error) { return h.display, nil },
		Observers:   []Observer{h.observer},
		SessionID:   "test-session",
	}
}

func run(t *testing.T, ctx context.Context, cfg Config) (Result, error) {
	t.Helper()
	d, err := NewDriver(cfg)
	require.NoError(t, err)
	return d.Run(ctx)
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestRunWritesEveryFrameInOrder(t *testing.T) {
	for _, prefetch := range []int{0, 4} {
		t.Run(fmt.Sprintf("prefetch=%d", prefetch), func(t *testing.T) {
			h := newHarness(10)
			cfg := h.config()
			cfg.Prefetch = prefetch

			res, err := run(t, context.Background(), cfg)
			require.NoError(t, err)

			assert.Equal(t, 10, res.FramesRead)
			assert.Equal(t, 10, res.FramesWritten)
			assert.False(t, res.Cancelled)
			assert.Equal(t, "test-session", res.SessionID)
			assert.Equal(t, seq(10), h.sinkA.indices)
			assert.Equal(t, seq(10), h.sinkB.indices)
			assert.Equal(t, seq(10), h.display.shown)
			assert.Equal(t, seq(10), h.tracker.indices)
			require.Len(t, h.observer.records, 10)
			assert.Len(t, h.observer.records[3].Tracked, 1)
		})
	}
}

// movingDetector reports one box moving step pixels right per frame, plus a
// second stationary box from frame secondAt on.
type movingDetector struct {
	step     int
	secondAt int
	seen     int
}

func (d *movingDetector) Detect(frame gocv.Mat) ([]detection.Detection, error) {
	defer func() { d.seen++ }()
	x := 100 + d.step*d.seen
	dets := []detection.Detection{{Box: image.Rect(x, 100, x+50, 200), ClassID: 0, Confidence: 0.9}}
	if d.secondAt >= 0 && d.seen >= d.secondAt {
		dets = append(dets, detection.Detection{Box: image.Rect(400, 300, 460, 380), ClassID: 1, Confidence: 0.8})
	}
	return dets, nil
}

// idAnnotator records the track IDs it is asked to draw on each frame.
type idAnnotator struct {
	drawn [][]int
}

func (a *idAnnotator) Annotate(img *gocv.Mat, tracked []tracking.TrackedDetection) *gocv.Mat {
	ids := make([]int, 0, len(tracked))
	for _, td := range tracked {
		ids = append(ids, td.Track.ID)
	}
	a.drawn = append(a.drawn, ids)
	return img
}

func TestRunWithByteTrackKeepsIDs(t *testing.T) {
	h := newHarness(12)
	bt, err := tracking.NewBYTETracker(tracking.DefaultConfig())
	require.NoError(t, err)
	annotator := &idAnnotator{}

	cfg := h.config()
	cfg.Detector = &movingDetector{step: 5, secondAt: 4}
	cfg.Tracker = bt
	cfg.Annotator = annotator

	res, err := run(t, context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 12, res.FramesRead)
	assert.Equal(t, res.FramesRead, res.FramesWritten)
	assert.Equal(t, seq(12), h.sinkA.indices)

	require.Len(t, annotator.drawn, 12)
	for i, ids := range annotator.drawn {
		switch {
		case i < 5:
			// the second object waits one frame for confirmation
			assert.Equal(t, []int{1}, ids, "frame %d", i)
		default:
			assert.Equal(t, []int{1, 2}, ids, "frame %d", i)
		}
	}

	require.Len(t, h.observer.records, 12)
	last := h.observer.records[11].Tracked
	require.Len(t, last, 2)
	assert.Equal(t, 155, last[0].Detection.Box.Min.X)
	assert.Equal(t, 0, last[0].Track.StartFrame)
	assert.Equal(t, 5, last[1].Track.StartFrame)
	assert.Equal(t, 12, last[0].Track.Hits)
}

func TestRunReleasesInReverseOrder(t *testing.T) {
	h := newHarness(3)
	_, err := run(t, context.Background(), h.config())
	require.NoError(t, err)
	assert.Equal(t, []string{"display", "sinkB", "sinkA", "source"}, h.log.get())
}

func TestRunExitKeyStopsAfterWritingFrame(t *testing.T) {
	h := newHarness(20)
	h.display.stopAt = 5

	res, err := run(t, context.Background(), h.config())
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Equal(t, 6, res.FramesRead)
	assert.Equal(t, 6, res.FramesWritten)
	assert.Equal(t, seq(6), h.sinkA.indices)
	assert.Equal(t, []string{"display", "sinkB", "sinkA", "source"}, h.log.get())
}

func TestRunContextCancelFinishesFrameInFlight(t *testing.T) {
	for _, prefetch := range []int{0, 2} {
		t.Run(fmt.Sprintf("prefetch=%d", prefetch), func(t *testing.T) {
			h := newHarness(100)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.display.onShow = func(i int) {
				if i == 7 {
					cancel()
				}
			}
			cfg := h.config()
			cfg.Prefetch = prefetch

			res, err := run(t, ctx, cfg)
			require.NoError(t, err)

			assert.True(t, res.Cancelled)
			assert.Equal(t, 8, res.FramesRead)
			assert.Equal(t, seq(8), h.sinkA.indices)
			assert.Equal(t, seq(8), h.sinkB.indices)
			assert.Equal(t, []string{"display", "sinkB", "sinkA", "source"}, h.log.get())
		})
	}
}

func TestPrefetcherDoesNotDecodeAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &stubSource{frames: 10, failAt: -1, log: &closeLog{}}

	p := newPrefetcher(ctx, src, 2)
	f, _, err := p.Next()
	assert.Nil(t, f)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, p.Close())
	assert.Zero(t, src.next, "no frame decoded once the context is done")
}

func TestRunDetectorErrorReleasesResources(t *testing.T) {
	h := newHarness(10)
	h.detector.failAt = 4

	res, err := run(t, context.Background(), h.config())
	require.Error(t, err)
	assert.ErrorIs(t, err, detection.ErrInference)
	assert.Equal(t, 5, res.FramesRead)
	assert.Equal(t, 4, res.FramesWritten)
	assert.Equal(t, []string{"display", "sinkB", "sinkA", "source"}, h.log.get())
}

func TestRunSinkErrorStops(t *testing.T) {
	h := newHarness(10)
	h.sinkB.failAt = 2

	res, err := run(t, context.Background(), h.config())
	assert.ErrorIs(t, err, video.ErrEncode)
	assert.Equal(t, 3, res.FramesRead)
	assert.Equal(t, 2, res.FramesWritten)
	assert.Len(t, h.log.get(), 4)
}

func TestRunSourceReadError(t *testing.T) {
	h := newHarness(10)
	h.source.failAt = 3

	res, err := run(t, context.Background(), h.config())
	require.Error(t, err)
	assert.Equal(t, 3, res.FramesRead)
	assert.Equal(t, []string{"display", "sinkB", "sinkA", "source"}, h.log.get())
}

func TestRunSinkOpenFailureReleasesSource(t *testing.T) {
	h := newHarness(10)
	cfg := h.config()
	cfg.Sinks[1] = func(video.Metadata) (video.Sink, error) {
		return nil, fmt.Errorf("%w: cannot open output", video.ErrResource)
	}

	res, err := run(t, context.Background(), cfg)
	assert.ErrorIs(t, err, video.ErrResource)
	assert.Zero(t, res.FramesRead)
	assert.Equal(t, []string{"sinkA", "source"}, h.log.get())
}

func TestRunWithoutDisplayOrSinks(t *testing.T) {
	h := newHarness(5)
	cfg := h.config()
	cfg.Sinks = nil
	cfg.OpenDisplay = nil

	res, err := run(t, context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 5, res.FramesRead)
	assert.Zero(t, res.FramesWritten)
	assert.Equal(t, []string{"source"}, h.log.get())
}

func TestNewDriverRequiresStages(t *testing.T) {
	h := newHarness(1)
	cfg := h.config()
	cfg.Detector = nil
	_, err := NewDriver(cfg)
	assert.Error(t, err)

	cfg = h.config()
	cfg.Prefetch = -1
	_, err = NewDriver(cfg)
	assert.Error(t, err)
}

func TestStatsReportResetsWindow(t *testing.T) {
	s := NewStats()
	s.Add(Timings{Detect: 10 * time.Millisecond, Track: 2 * time.Millisecond})
	s.Add(Timings{Detect: 30 * time.Millisecond, Track: 4 * time.Millisecond})

	r := s.Report()
	assert.Equal(t, 20*time.Millisecond, r.AvgDetect)
	assert.Equal(t, 3*time.Millisecond, r.AvgTrack)
	assert.Contains(t, r.String(), "fps")

	r = s.Report()
	assert.Zero(t, r.AvgDetect)

	frames, _ := s.Overall()
	assert.EqualValues(t, 2, frames)
	assert.False(t, s.Due(0))
}
