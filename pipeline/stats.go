package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// Timings holds how long each stage took for one frame.
type Timings struct {
	Read     time.Duration
	Detect   time.Duration
	Track    time.Duration
	Annotate time.Duration
	Write    time.Duration // display and every sink
}

// Stats tracks performance metrics for the stages of the pipeline
type Stats struct {
	mu             sync.Mutex
	frameCount     int64
	lastReportTime time.Time

	// Timing measurements since the last report
	readTimeTotal     time.Duration
	detectTimeTotal   time.Duration
	trackTimeTotal    time.Duration
	annotateTimeTotal time.Duration
	writeTimeTotal    time.Duration

	// Whole run
	totalFrames int64
	startTime   time.Time
}

// StatsReport is one reporting window.
type StatsReport struct {
	Window      time.Duration
	FPS         float64
	AvgRead     time.Duration
	AvgDetect   time.Duration
	AvgTrack    time.Duration
	AvgAnnotate time.Duration
	AvgWrite    time.Duration
}

func (r StatsReport) String() string {
	return fmt.Sprintf("%.1f fps over %v (read %v, detect %v, track %v, annotate %v, write %v)",
		r.FPS, r.Window.Round(time.Millisecond), r.AvgRead, r.AvgDetect, r.AvgTrack, r.AvgAnnotate, r.AvgWrite)
}

// NewStats creates a new pipeline statistics tracker
func NewStats() *Stats {
	now := time.Now()
	return &Stats{lastReportTime: now, startTime: now}
}

// Add records one fully processed frame.
func (s *Stats) Add(t Timings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount++
	s.totalFrames++
	s.readTimeTotal += t.Read
	s.detectTimeTotal += t.Detect
	s.trackTimeTotal += t.Track
	s.annotateTimeTotal += t.Annotate
	s.writeTimeTotal += t.Write
}

// Due reports whether interval has passed since the last report.
func (s *Stats) Due(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastReportTime) >= interval
}

// Report returns averages since the last report and resets the counters
func (s *Stats) Report() StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := now.Sub(s.lastReportTime)
	seconds := window.Seconds()
	if seconds <= 0 {
		seconds = 1.0
	}

	r := StatsReport{Window: window, FPS: float64(s.frameCount) / seconds}
	if s.frameCount > 0 {
		n := time.Duration(s.frameCount)
		r.AvgRead = s.readTimeTotal / n
		r.AvgDetect = s.detectTimeTotal / n
		r.AvgTrack = s.trackTimeTotal / n
		r.AvgAnnotate = s.annotateTimeTotal / n
		r.AvgWrite = s.writeTimeTotal / n
	}

	s.frameCount = 0
	s.readTimeTotal = 0
	s.detectTimeTotal = 0
	s.trackTimeTotal = 0
	s.annotateTimeTotal = 0
	s.writeTimeTotal = 0
	s.lastReportTime = now
	return r
}

// Overall returns frames processed and average fps since NewStats.
func (s *Stats) Overall() (frames int64, fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := time.Since(s.startTime).Seconds()
	if elapsed <= 0 {
		return s.totalFrames, 0
	}
	return s.totalFrames, float64(s.totalFrames) / elapsed
}
