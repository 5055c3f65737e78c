package ffmpeg

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	frameRegex          = regexp.MustCompile(`frame=\s*(\d+)`)
	timestampErrorRegex = regexp.MustCompile(`(?i)((DTS|PTS)\s+\d+,\s+next:\d+.*invalid dropping|Non-monotonic DTS.*previous:.*current:.*changing to)`)
)

// OutputBuffer stores recent output lines for crash dump analysis
type OutputBuffer struct {
	lines    []string
	maxLines int
	index    int
	full     bool
	mutex    sync.RWMutex
}

// NewOutputBuffer creates a circular buffer for storing recent output
func NewOutputBuffer(maxLines int) *OutputBuffer {
	if maxLines <= 0 {
		maxLines = 1
	}
	return &OutputBuffer{
		lines:    make([]string, maxLines),
		maxLines: maxLines,
	}
}

// Add stores a new line in the circular buffer
func (ob *OutputBuffer) Add(line string) {
	ob.mutex.Lock()
	defer ob.mutex.Unlock()

	ob.lines[ob.index] = fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05.000"), line)
	ob.index = (ob.index + 1) % ob.maxLines
	if ob.index == 0 {
		ob.full = true
	}
}

// GetRecent returns the most recent lines (oldest first)
func (ob *OutputBuffer) GetRecent() []string {
	ob.mutex.RLock()
	defer ob.mutex.RUnlock()

	result := []string{}
	if ob.full {
		for i := 0; i < ob.maxLines; i++ {
			idx := (ob.index + i) % ob.maxLines
			if ob.lines[idx] != "" {
				result = append(result, ob.lines[idx])
			}
		}
		return result
	}
	for i := 0; i < ob.index; i++ {
		if ob.lines[i] != "" {
			result = append(result, ob.lines[i])
		}
	}
	return result
}

// HealthMonitor watches an ffmpeg process's output. It flags the encoder
// unhealthy on repeated timestamp errors, and optionally when output or
// frame progress stalls.
type HealthMonitor struct {
	// zero disables the check
	outputTimeout time.Duration
	frameTimeout  time.Duration

	lastOutput      time.Time
	lastFrameNumber int
	lastFrameUpdate time.Time

	timestampErrors int
	lastErrorTime   time.Time
	forceUnhealthy  bool
	running         bool

	stderrBuffer *OutputBuffer
	stdoutBuffer *OutputBuffer

	mutex   sync.RWMutex
	readers sync.WaitGroup
}

// NewHealthMonitor creates a monitor keeping the last bufferLines lines of
// each stream for crash dumps.
func NewHealthMonitor(bufferLines int, outputTimeout, frameTimeout time.Duration) *HealthMonitor {
	return &HealthMonitor{
		outputTimeout: outputTimeout,
		frameTimeout:  frameTimeout,
		stderrBuffer:  NewOutputBuffer(bufferLines),
		stdoutBuffer:  NewOutputBuffer(bufferLines),
	}
}

// Watch starts reading both pipes. Wait returns once both reach EOF.
func (hm *HealthMonitor) Watch(stdout, stderr io.Reader) {
	hm.mutex.Lock()
	now := time.Now()
	hm.running = true
	hm.lastOutput = now
	hm.lastFrameUpdate = now
	hm.mutex.Unlock()

	hm.readers.Add(2)
	go hm.monitorOutput(stdout, "STDOUT", hm.stdoutBuffer)
	go hm.monitorOutput(stderr, "STDERR", hm.stderrBuffer)
}

// Wait blocks until both output readers have finished.
func (hm *HealthMonitor) Wait() {
	hm.readers.Wait()
}

// Stop marks the process as no longer running
func (hm *HealthMonitor) Stop() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	hm.running = false
}

// Healthy returns false and a reason once the process should be considered
// failed.
func (hm *HealthMonitor) Healthy() (bool, string) {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	if !hm.running {
		return false, "process not running"
	}
	if hm.forceUnhealthy {
		return false, "forced unhealthy due to repeated timestamp errors"
	}
	if hm.outputTimeout > 0 && time.Since(hm.lastOutput) > hm.outputTimeout {
		return false, fmt.Sprintf("no output received for %v", time.Since(hm.lastOutput).Round(time.Millisecond))
	}
	if hm.frameTimeout > 0 && time.Since(hm.lastFrameUpdate) > hm.frameTimeout {
		return false, fmt.Sprintf("no frame progress for %v (last frame: %d)",
			time.Since(hm.lastFrameUpdate).Round(time.Millisecond), hm.lastFrameNumber)
	}
	return true, ""
}

// LastFrame returns the last frame number ffmpeg reported.
func (hm *HealthMonitor) LastFrame() int {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.lastFrameNumber
}

// CrashDump returns the buffered output of both streams.
func (hm *HealthMonitor) CrashDump() string {
	var b strings.Builder
	b.WriteString("ffmpeg recent stderr:\n")
	for _, line := range hm.stderrBuffer.GetRecent() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("ffmpeg recent stdout:\n")
	for _, line := range hm.stdoutBuffer.GetRecent() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// monitorOutput stores every line for crash dumps and checks it for health
// indicators.
func (hm *HealthMonitor) monitorOutput(pipe io.Reader, source string, buffer *OutputBuffer) {
	defer hm.readers.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	// ffmpeg ends progress lines with \r
	scanner.Split(scanLinesOrCR)

	lineCount := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lineCount++
		buffer.Add(line)
		hm.processOutputLine(line)
		debugMsgVerbose("FFMPEG_"+source, line)
	}
	if err := scanner.Err(); err != nil {
		buffer.Add(fmt.Sprintf("SCANNER_ERROR: %v", err))
		debugMsg("FFMPEG_"+source, fmt.Sprintf("Scanner error after %d lines: %v", lineCount, err))
	}
}

// processOutputLine analyzes ffmpeg output for health indicators
func (hm *HealthMonitor) processOutputLine(line string) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	now := time.Now()
	hm.lastOutput = now

	if timestampErrorRegex.MatchString(line) {
		if now.Sub(hm.lastErrorTime) > 30*time.Second {
			hm.timestampErrors = 0
		}
		hm.timestampErrors++
		hm.lastErrorTime = now
		debugMsg("FFMPEG_MONITOR", fmt.Sprintf("Timestamp error #%d: %s", hm.timestampErrors, line))

		// 3 within 30 seconds
		if hm.timestampErrors >= 3 {
			hm.forceUnhealthy = true
			hm.timestampErrors = 0
		}
		return
	}

	if matches := frameRegex.FindStringSubmatch(line); len(matches) > 1 {
		if frameNum, err := strconv.Atoi(matches[1]); err == nil && frameNum > hm.lastFrameNumber {
			hm.lastFrameNumber = frameNum
			hm.lastFrameUpdate = now
		}
	}
}

// scanLinesOrCR splits on \n or \r.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
