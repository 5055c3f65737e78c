package video

import (
	"fmt"
	"unicode/utf8"

	"gocv.io/x/gocv"
)

// window is the part of *gocv.Window the display uses.
type window interface {
	IMShow(img gocv.Mat)
	WaitKey(delay int) int
	GetWindowProperty(flag gocv.WindowPropertyFlag) float64
	Close() error
}

// Display shows frames in an OpenCV window and watches for the exit key.
type Display struct {
	window  window
	exitKey rune
	closed  bool
}

// NewDisplay opens a window titled name. exitKey stops playback when
// pressed; only single byte keys can be detected.
func NewDisplay(name string, exitKey string) (*Display, error) {
	key, size := utf8.DecodeRuneInString(exitKey)
	if exitKey == "" || size != len(exitKey) || key > 0xFF {
		return nil, fmt.Errorf("%w: exit key %q must be a single character", ErrResource, exitKey)
	}
	w := gocv.NewWindow(name)
	if w == nil {
		return nil, fmt.Errorf("%w: could not open window %s", ErrResource, name)
	}
	return &Display{window: w, exitKey: key}, nil
}

// Show draws the frame and polls the keyboard once. stop is true when the
// exit key was pressed or the window was closed.
func (d *Display) Show(f *Frame) (stop bool, err error) {
	if d.closed {
		return true, nil
	}
	d.window.IMShow(f.Mat)
	if isExitKey(d.window.WaitKey(1), d.exitKey) {
		debugMsg("DISPLAY", fmt.Sprintf("exit key %q pressed at frame %d", d.exitKey, f.Index))
		return true, nil
	}
	// A window closed from its title bar reports visible < 1.
	if d.window.GetWindowProperty(gocv.WindowPropertyVisible) < 1 {
		debugMsg("DISPLAY", fmt.Sprintf("window closed at frame %d", f.Index))
		return true, nil
	}
	return false, nil
}

// Close destroys the window.
func (d *Display) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.window.Close()
}

// isExitKey compares the low byte of a WaitKey result against key. WaitKey
// returns -1 when nothing was pressed.
func isExitKey(code int, key rune) bool {
	if code < 0 {
		return false
	}
	return rune(code&0xFF) == key
}
