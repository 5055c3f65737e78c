package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"vidtrack/video"
)

// Global debug functions for the ffmpeg package
var (
	debugMsgFunc        func(string, string, ...string)
	debugMsgVerboseFunc func(string, string, ...string)
)

// SetDebugFunction allows main package to provide debug function
func SetDebugFunction(fn func(string, string, ...string)) {
	debugMsgFunc = fn
}

// SetDebugVerboseFunction allows main package to provide the verbose debug function
func SetDebugVerboseFunction(fn func(string, string, ...string)) {
	debugMsgVerboseFunc = fn
}

func debugMsg(component, message string, ids ...string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message, ids...)
	}
}

func debugMsgVerbose(component, message string, ids ...string) {
	if debugMsgVerboseFunc != nil {
		debugMsgVerboseFunc(component, message, ids...)
	}
}

// closeTimeout bounds how long Close waits for ffmpeg to finalize the file.
const closeTimeout = 10 * time.Second

// Config describes an ffmpeg encode of raw BGR frames to a file.
type Config struct {
	Binary     string // defaults to "ffmpeg" on PATH
	OutputPath string
	Width      int
	Height     int
	FPS        float64
	Codec      string // defaults to libx264
	Preset     string // defaults to medium
	CRF        int    // defaults to 23
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.Codec == "" {
		c.Codec = "libx264"
	}
	if c.Preset == "" {
		c.Preset = "medium"
	}
	if c.CRF == 0 {
		c.CRF = 23
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	return c
}

// Args returns the ffmpeg command line, without the binary.
func (c Config) Args() []string {
	c = c.withDefaults()
	fps := fmt.Sprintf("%.3f", c.FPS)
	return []string{
		"-hide_banner",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"-r", fps,
		"-i", "-",
		"-an",
		"-c:v", c.Codec,
		"-preset", c.Preset,
		"-crf", fmt.Sprint(c.CRF),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		c.OutputPath,
	}
}

// Encoder is a video.Sink that pipes frames into an ffmpeg process.
type Encoder struct {
	cfg       Config
	frameSize int

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	buf     *bufio.Writer
	monitor *HealthMonitor

	exited  chan struct{} // closed once the process has been reaped
	waitErr error

	mu     sync.Mutex
	frames int
	closed bool
}

// NewEncoder starts ffmpeg writing cfg.OutputPath. Failing to start the
// process is a video.ErrResource.
func NewEncoder(cfg Config) (*Encoder, error) {
	cfg = cfg.withDefaults()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid output size %dx%d", video.ErrResource, cfg.Width, cfg.Height)
	}
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("%w: no output path", video.ErrResource)
	}

	cmd := exec.Command(cfg.Binary, cfg.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: could not get ffmpeg stdin: %v", video.ErrResource, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: could not get ffmpeg stdout: %v", video.ErrResource, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: could not get ffmpeg stderr: %v", video.ErrResource, err)
	}

	debugMsg("FFMPEG_STARTUP", fmt.Sprintf("Executing: %s %s", cfg.Binary, strings.Join(cmd.Args[1:], " ")))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: could not start ffmpeg: %v", video.ErrResource, err)
	}
	debugMsg("FFMPEG_STARTUP", fmt.Sprintf("FFmpeg started (PID: %d)", cmd.Process.Pid))

	e := &Encoder{
		cfg:       cfg,
		frameSize: cfg.Width * cfg.Height * 3,
		cmd:       cmd,
		stdin:     stdin,
		buf:       bufio.NewWriterSize(stdin, cfg.Width*cfg.Height*3*2),
		monitor:   NewHealthMonitor(100, 0, 0),
		exited:    make(chan struct{}),
	}
	e.monitor.Watch(stdout, stderr)
	go e.reap()
	return e, nil
}

// reap waits for the output readers to drain, then for the process.
func (e *Encoder) reap() {
	e.monitor.Wait()
	e.waitErr = e.cmd.Wait()
	e.monitor.Stop()
	close(e.exited)
}

// Write sends one frame's BGR bytes to ffmpeg.
func (e *Encoder) Write(f *video.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("%w: write to closed encoder", video.ErrEncode)
	}
	if f.Mat.Cols() != e.cfg.Width || f.Mat.Rows() != e.cfg.Height {
		return fmt.Errorf("%w: frame %d is %dx%d, encoder expects %dx%d",
			video.ErrEncode, f.Index, f.Mat.Cols(), f.Mat.Rows(), e.cfg.Width, e.cfg.Height)
	}
	if f.Mat.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("%w: frame %d is not 8-bit BGR", video.ErrEncode, f.Index)
	}
	if ok, reason := e.monitor.Healthy(); !ok {
		debugMsg("FFMPEG_MONITOR", "FFmpeg unhealthy: "+reason)
		return fmt.Errorf("%w: ffmpeg unhealthy: %s", video.ErrEncode, reason)
	}

	data := f.Mat.ToBytes()
	if len(data) != e.frameSize {
		return fmt.Errorf("%w: frame %d has %d bytes, expected %d", video.ErrEncode, f.Index, len(data), e.frameSize)
	}
	if _, err := e.buf.Write(data); err != nil {
		return fmt.Errorf("%w: writing frame %d to ffmpeg: %v", video.ErrEncode, f.Index, err)
	}
	e.frames++
	return nil
}

// Frames returns how many frames were handed to ffmpeg.
func (e *Encoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

// Close flushes, closes stdin so ffmpeg can finalize, and waits for it to
// exit. A non-zero exit is returned as video.ErrEncode with the tail of
// ffmpeg's output.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if err := e.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("%w: flushing ffmpeg stdin: %v", video.ErrEncode, err))
	}
	if err := e.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("%w: closing ffmpeg stdin: %v", video.ErrEncode, err))
	}

	select {
	case <-e.exited:
	case <-time.After(closeTimeout):
		debugMsg("FFMPEG_SHUTDOWN", fmt.Sprintf("FFmpeg did not exit within %v, killing", closeTimeout))
		e.cmd.Process.Kill()
		<-e.exited
	}

	if e.waitErr != nil {
		debugMsg("FFMPEG_SHUTDOWN", e.monitor.CrashDump())
		errs = append(errs, fmt.Errorf("%w: ffmpeg exited: %v", video.ErrEncode, e.waitErr))
	}
	debugMsg("FFMPEG_SHUTDOWN", fmt.Sprintf("Wrote %d frames to %s (ffmpeg reported %d)",
		e.frames, e.cfg.OutputPath, e.monitor.LastFrame()))
	return errors.Join(errs...)
}

var _ video.Sink = (*Encoder)(nil)
