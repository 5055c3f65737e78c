package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"gocv.io/x/gocv"

	"vidtrack/detection"
	"vidtrack/tracking"
)

// debugMsgVerboseFunc is a function that will be set by main package for verbose logging only
var debugMsgVerboseFunc func(component, message string, trackID ...string)

// SetDebugVerboseFunction allows main package to provide the verbose debug logger
func SetDebugVerboseFunction(fn func(component, message string, trackID ...string)) {
	debugMsgVerboseFunc = fn
}

func debugMsgVerbose(component, message string, trackID ...string) {
	if debugMsgVerboseFunc != nil {
		debugMsgVerboseFunc(component, message, trackID...)
	}
}

// Options controls how boxes are drawn.
type Options struct {
	LineWidth   int
	ShowTrackID bool
	Colors      ColorPolicy
}

// DefaultOptions returns 2px boxes with the default color policy.
func DefaultOptions() Options {
	return Options{LineWidth: 2, Colors: DefaultColorPolicy()}
}

// Annotator draws tracked boxes and labels onto frames
type Annotator struct {
	classNames []string
	opts       Options

	fontScale     float64
	textThickness int
}

// NewAnnotator creates an annotator for the given class names.
func NewAnnotator(classNames []string, opts Options) *Annotator {
	if opts.LineWidth <= 0 {
		opts.LineWidth = 2
	}
	if opts.Colors.Classes == nil && opts.Colors.Default == (color.RGBA{}) {
		opts.Colors = DefaultColorPolicy()
	}
	return &Annotator{
		classNames:    classNames,
		opts:          opts,
		fontScale:     float64(opts.LineWidth) / 3,
		textThickness: int(math.Max(float64(opts.LineWidth-1), 1)),
	}
}

// Annotate draws every tracked detection onto img in place and returns img.
// With no tracked detections the frame is left untouched.
func (a *Annotator) Annotate(img *gocv.Mat, tracked []tracking.TrackedDetection) *gocv.Mat {
	for _, td := range tracked {
		a.boxLabel(img, td.Track.Box, a.Label(td), a.opts.Colors.Color(td.Detection.ClassID))
	}
	if len(tracked) > 0 {
		debugMsgVerbose("OVERLAY", fmt.Sprintf("annotated %d tracks", len(tracked)))
	}
	return img
}

// Label returns the text drawn above a box, e.g. "fire 0.87".
func (a *Annotator) Label(td tracking.TrackedDetection) string {
	label := detection.ClassName(a.classNames, td.Detection.ClassID) + " " + FormatConfidence(td.Detection.Confidence)
	if a.opts.ShowTrackID && td.Track.ID > 0 {
		label = fmt.Sprintf("#%d %s", td.Track.ID, label)
	}
	return label
}

// FormatConfidence rounds to two decimals and prints the shortest form that
// keeps one decimal, so 0.9 prints as "0.9", 0.875 as "0.88" and 1 as "1.0".
func FormatConfidence(c float64) string {
	s := strconv.FormatFloat(math.Round(c*100)/100, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// boxLabel draws the outline, then a filled label background above the box,
// or just inside it when there is no room above.
func (a *Annotator) boxLabel(img *gocv.Mat, box image.Rectangle, label string, c color.RGBA) {
	lw := a.opts.LineWidth
	gocv.Rectangle(img, box, c, lw)

	size := gocv.GetTextSize(label, gocv.FontHersheySimplex, a.fontScale, a.textThickness)
	w, h := size.X, size.Y
	p1 := box.Min

	outside := p1.Y-h >= 3
	var bg image.Rectangle
	var org image.Point
	if outside {
		bg = image.Rect(p1.X, p1.Y-h-3, p1.X+w, p1.Y)
		org = image.Pt(p1.X, p1.Y-2)
	} else {
		bg = image.Rect(p1.X, p1.Y, p1.X+w, p1.Y+h+3)
		org = image.Pt(p1.X, p1.Y+h+2)
	}
	gocv.Rectangle(img, bg, c, -1)
	gocv.PutText(img, label, org, gocv.FontHersheySimplex, a.fontScale, textColor, a.textThickness)
}
