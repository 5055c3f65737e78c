package video

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

type jpegTask struct {
	path  string
	image gocv.Mat
}

// JPEGSink saves annotated frames as JPEG files on background workers.
// Files are grouped into one directory per hour, e.g. 2025-01-01_03PM.
type JPEGSink struct {
	dir     string
	every   int
	now     func() time.Time
	queue   chan jpegTask
	workers sync.WaitGroup

	mu     sync.Mutex
	errs   []error
	saved  int
	closed bool
}

// OpenJPEGSink saves every n-th frame (n <= 1 saves all) under dir.
func OpenJPEGSink(dir string, every, workers int) (*JPEGSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: jpeg directory is empty", ErrResource)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create jpeg directory %s: %w", ErrResource, dir, err)
	}
	if every < 1 {
		every = 1
	}
	if workers < 1 {
		workers = 2
	}

	s := &JPEGSink{
		dir:   dir,
		every: every,
		now:   time.Now,
		queue: make(chan jpegTask, 120),
	}
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	debugMsg("JPEG", fmt.Sprintf("saving every %d frame(s) to %s", every, dir))
	return s, nil
}

func (s *JPEGSink) worker() {
	defer s.workers.Done()
	for task := range s.queue {
		ok := gocv.IMWrite(task.path, task.image)
		task.image.Close()

		s.mu.Lock()
		if ok {
			s.saved++
		} else {
			s.errs = append(s.errs, fmt.Errorf("%w: failed to save %s", ErrEncode, task.path))
		}
		s.mu.Unlock()
	}
}

// hourDir names the subdirectory for t in 12-hour format.
func hourDir(t time.Time) string {
	hour12 := t.Hour() % 12
	if hour12 == 0 {
		hour12 = 12
	}
	ampm := "AM"
	if t.Hour() >= 12 {
		ampm = "PM"
	}
	return fmt.Sprintf("%s_%02d%s", t.Format("2006-01-02"), hour12, ampm)
}

// Write queues a copy of the frame. It blocks while the queue is full, so no
// frame is skipped other than by the every setting.
func (s *JPEGSink) Write(f *Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: jpeg sink is closed", ErrEncode)
	}
	if f.Index%s.every != 0 {
		return nil
	}

	now := s.now()
	subdir := filepath.Join(s.dir, hourDir(now))
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	name := fmt.Sprintf("%06d_%s.jpg", f.Index, now.Format("20060102_150405.000"))
	s.queue <- jpegTask{path: filepath.Join(subdir, name), image: f.Mat.Clone()}
	return nil
}

// Saved returns how many files have been written so far.
func (s *JPEGSink) Saved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

// Close waits for pending files and reports any that failed.
func (s *JPEGSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	s.workers.Wait()
	debugMsg("JPEG", fmt.Sprintf("saved %d frames", s.Saved()))

	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

var _ Sink = (*JPEGSink)(nil)
