package ffmpeg

import (
	"bufio"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"vidtrack/video"
)

func TestOutputBuffer_Wraps(t *testing.T) {
	ob := NewOutputBuffer(3)
	assert.Empty(t, ob.GetRecent())

	for _, l := range []string{"a", "b", "c", "d"} {
		ob.Add(l)
	}
	recent := ob.GetRecent()
	require.Len(t, recent, 3)
	assert.True(t, strings.HasSuffix(recent[0], " b"))
	assert.True(t, strings.HasSuffix(recent[2], " d"))
}

func TestHealthMonitor_TimestampErrors(t *testing.T) {
	hm := NewHealthMonitor(10, 0, 0)
	hm.Watch(strings.NewReader(""), strings.NewReader(""))
	hm.Wait()

	ok, _ := hm.Healthy()
	require.True(t, ok)

	for i := 0; i < 2; i++ {
		hm.processOutputLine("Non-monotonic DTS in output stream 0:0; previous: 10, current: 9; changing to 11")
	}
	ok, _ = hm.Healthy()
	assert.True(t, ok, "two errors are tolerated")

	hm.processOutputLine("Non-monotonic DTS in output stream 0:0; previous: 12, current: 9; changing to 13")
	ok, reason := hm.Healthy()
	assert.False(t, ok)
	assert.Contains(t, reason, "timestamp")
}

func TestHealthMonitor_FrameProgress(t *testing.T) {
	hm := NewHealthMonitor(10, 0, 0)
	stderr := "frame=   12 fps=0.0 q=28.0 size=0kB\rframe=   48 fps=47 q=28.0 size=256kB\nfoo\n"
	hm.Watch(strings.NewReader(""), strings.NewReader(stderr))
	hm.Wait()

	assert.Equal(t, 48, hm.LastFrame())
	assert.Contains(t, hm.CrashDump(), "foo")

	hm.Stop()
	ok, reason := hm.Healthy()
	assert.False(t, ok)
	assert.Equal(t, "process not running", reason)
}

func TestScanLinesOrCR(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("one\rtwo\nthree"))
	sc.Split(scanLinesOrCR)
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestConfigArgs(t *testing.T) {
	args := Config{OutputPath: "out.mp4", Width: 640, Height: 480, FPS: 25}.Args()

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-f rawvideo -pix_fmt bgr24 -s 640x480 -r 25.000 -i -")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestNewEncoder_Errors(t *testing.T) {
	_, err := NewEncoder(Config{Binary: "/nonexistent/ffmpeg", OutputPath: "x.mp4", Width: 64, Height: 64})
	assert.ErrorIs(t, err, video.ErrResource)

	_, err = NewEncoder(Config{OutputPath: "x.mp4"})
	assert.ErrorIs(t, err, video.ErrResource)
}

func TestEncoder_RejectsWrongSize(t *testing.T) {
	bin, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true not available")
	}

	enc, err := NewEncoder(Config{
		Binary:     bin,
		OutputPath: filepath.Join(t.TempDir(), "out.mp4"),
		Width:      640,
		Height:     480,
	})
	require.NoError(t, err)

	small := &video.Frame{Index: 0, Mat: gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)}
	defer small.Close()

	assert.ErrorIs(t, enc.Write(small), video.ErrEncode)
	assert.Equal(t, 0, enc.Frames())
	assert.NoError(t, enc.Close())
	assert.ErrorIs(t, enc.Write(small), video.ErrEncode)
}
