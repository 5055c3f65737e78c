package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"vidtrack/video"
)

type fetched struct {
	frame *video.Frame
	read  time.Duration
	err   error
}

// prefetcher decodes frames on its own goroutine into a bounded queue. Frames
// keep their order and are never dropped; the reader blocks when the queue
// is full.
type prefetcher struct {
	queue chan fetched
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newPrefetcher(ctx context.Context, src FrameSource, depth int) *prefetcher {
	p := &prefetcher{
		queue: make(chan fetched, depth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.run(ctx, src)
	return p
}

func (p *prefetcher) run(ctx context.Context, src FrameSource) {
	defer close(p.done)
	defer close(p.queue)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		f, err := src.Next()
		item := fetched{frame: f, read: time.Since(start), err: err}

		select {
		case p.queue <- item:
		case <-p.stop:
			f.Close()
			return
		case <-ctx.Done():
			f.Close()
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next decoded frame, io.EOF at the end of the stream.
func (p *prefetcher) Next() (*video.Frame, time.Duration, error) {
	item, ok := <-p.queue
	if !ok {
		return nil, 0, io.EOF
	}
	return item.frame, item.read, item.err
}

// Close stops the reader and releases any queued frames.
func (p *prefetcher) Close() error {
	p.once.Do(func() {
		close(p.stop)
		for item := range p.queue {
			item.frame.Close()
		}
		<-p.done
	})
	return nil
}
