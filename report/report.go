// Package report renders an HTML summary of a run with go-echarts.
package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"vidtrack/pipeline"
)

const (
	// maxPoints bounds each per-frame series; longer runs are downsampled.
	maxPoints = 2000
	// maxTracks bounds the lifetime table; later IDs are only counted.
	maxTracks = 10000
)

type frameSample struct {
	index      int
	detections int
	tracked    int
	timings    pipeline.Timings
}

type lifetime struct {
	first, last int
	frames      int
}

// Recorder collects per-frame counts and timings while the pipeline runs.
// Memory stays bounded on endless streams: once 2*maxPoints samples are held
// every other one is dropped and the sampling stride doubles.
type Recorder struct {
	mu      sync.Mutex
	title   string
	session string
	seen    int // frames observed
	stride  int // keep one sample every stride frames
	frames  []frameSample
	tracks  map[int]*lifetime
	skipped map[int]bool // IDs past maxTracks
}

// NewRecorder creates an empty recorder. title is usually the input name.
func NewRecorder(title, session string) *Recorder {
	return &Recorder{
		title:   title,
		session: session,
		stride:  1,
		tracks:  make(map[int]*lifetime),
		skipped: make(map[int]bool),
	}
}

// OnFrame implements pipeline.Observer.
func (r *Recorder) OnFrame(rec pipeline.FrameRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen%r.stride == 0 {
		r.frames = append(r.frames, frameSample{
			index:      rec.Index,
			detections: len(rec.Detections),
			tracked:    len(rec.Tracked),
			timings:    rec.Timings,
		})
		if len(r.frames) >= 2*maxPoints {
			r.decimate()
		}
	}
	r.seen++

	for _, td := range rec.Tracked {
		lt, ok := r.tracks[td.Track.ID]
		if !ok {
			if len(r.tracks) >= maxTracks {
				r.skipped[td.Track.ID] = true
				continue
			}
			lt = &lifetime{first: rec.Index}
			r.tracks[td.Track.ID] = lt
		}
		lt.last = rec.Index
		lt.frames++
	}
	return nil
}

// decimate keeps every other sample in place and doubles the stride.
func (r *Recorder) decimate() {
	n := 0
	for i := 0; i < len(r.frames); i += 2 {
		r.frames[n] = r.frames[i]
		n++
	}
	clear(r.frames[n:])
	r.frames = r.frames[:n]
	r.stride *= 2
}

// Frames returns how many frames were observed.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen
}

// WriteFile renders the report to path.
func (r *Recorder) WriteFile(path string, res pipeline.Result) error {
	var buf bytes.Buffer
	if err := r.Render(&buf, res); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Render writes the HTML page to w.
func (r *Recorder) Render(w io.Writer, res pipeline.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	subtitle := fmt.Sprintf("session=%s frames=%d written=%d tracks=%d cancelled=%t duration=%s",
		r.session, res.FramesRead, res.FramesWritten, len(r.tracks)+len(r.skipped), res.Cancelled, res.Duration.Round(time.Millisecond))

	page := components.NewPage()
	page.AddCharts(
		r.objectsChart(subtitle),
		r.timingChart(),
		r.lifetimeChart(),
	)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// sampled returns the frames to plot, at most maxPoints of them.
func (r *Recorder) sampled() []frameSample {
	stride := len(r.frames)/maxPoints + 1
	if stride == 1 {
		return r.frames
	}
	out := make([]frameSample, 0, maxPoints+1)
	for i := 0; i < len(r.frames); i += stride {
		out = append(out, r.frames[i])
	}
	return out
}

func (r *Recorder) objectsChart(subtitle string) *charts.Line {
	samples := r.sampled()
	x := make([]string, 0, len(samples))
	dets := make([]opts.LineData, 0, len(samples))
	tracked := make([]opts.LineData, 0, len(samples))
	for _, s := range samples {
		x = append(x, strconv.Itoa(s.index))
		dets = append(dets, opts.LineData{Value: s.detections})
		tracked = append(tracked, opts.LineData{Value: s.tracked})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Objects per frame: " + r.title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("detections", dets).
		AddSeries("tracked", tracked)
	return line
}

func (r *Recorder) timingChart() *charts.Line {
	samples := r.sampled()
	x := make([]string, 0, len(samples))
	stages := []struct {
		name string
		get  func(pipeline.Timings) time.Duration
	}{
		{"read", func(t pipeline.Timings) time.Duration { return t.Read }},
		{"detect", func(t pipeline.Timings) time.Duration { return t.Detect }},
		{"track", func(t pipeline.Timings) time.Duration { return t.Track }},
		{"annotate", func(t pipeline.Timings) time.Duration { return t.Annotate }},
		{"write", func(t pipeline.Timings) time.Duration { return t.Write }},
	}
	series := make([][]opts.LineData, len(stages))
	values := make([][]float64, len(stages))
	for _, s := range samples {
		x = append(x, strconv.Itoa(s.index))
		for i, st := range stages {
			ms := float64(st.get(s.timings).Microseconds()) / 1000
			series[i] = append(series[i], opts.LineData{Value: ms})
			values[i] = append(values[i], ms)
		}
	}
	var summary []string
	for i, st := range stages {
		if mean, p95, ok := summarize(values[i]); ok {
			summary = append(summary, fmt.Sprintf("%s mean %.1f p95 %.1f", st.name, mean, p95))
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Stage timings (ms)", Subtitle: strings.Join(summary, ", ")}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(x)
	for i, st := range stages {
		line.AddSeries(st.name, series[i])
	}
	return line
}

// summarize returns the mean and 95th percentile of xs. xs is sorted in place.
func summarize(xs []float64) (mean, p95 float64, ok bool) {
	if len(xs) == 0 {
		return 0, 0, false
	}
	mean = stat.Mean(xs, nil)
	sort.Float64s(xs)
	return mean, stat.Quantile(0.95, stat.Empirical, xs, nil), true
}

func (r *Recorder) lifetimeChart() *charts.Bar {
	ids := make([]int, 0, len(r.tracks))
	for id := range r.tracks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	x := make([]string, 0, len(ids))
	span := make([]opts.BarData, 0, len(ids))
	seen := make([]opts.BarData, 0, len(ids))
	for _, id := range ids {
		lt := r.tracks[id]
		x = append(x, "#"+strconv.Itoa(id))
		span = append(span, opts.BarData{Value: lt.last - lt.first + 1})
		seen = append(seen, opts.BarData{Value: lt.frames})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Track lifetimes (frames)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
	)
	bar.SetXAxis(x).
		AddSeries("span", span).
		AddSeries("matched", seen)
	return bar
}

var _ pipeline.Observer = (*Recorder)(nil)
