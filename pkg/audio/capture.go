package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCaptureStarted is returned by [Capture.Start] on a second call.
var ErrCaptureStarted = errors.New("audio: capture already started")

// Capture drives a [Device] and turns its raw callbacks into fixed-size
// [AudioFrame] values on a [Queue].
//
// Raw PCM chunks are re-blocked into FrameBytes-sized frames on the device's
// callback thread. A trailing partial block is discarded when the capture
// stops, so every frame on the queue has the same length.
//
// All methods are safe for concurrent use.
type Capture struct {
	dev Device
	cfg QueueConfig

	mu      sync.Mutex
	started bool
	opened  bool
	queue   *Queue
	pending []byte
	seq     uint64
	norm    *normalizer

	stopCh   chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewCapture creates a Capture for dev. The queue it will produce into is
// configured by cfg.
func NewCapture(dev Device, cfg QueueConfig) *Capture {
	return &Capture{
		dev:    dev,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start opens the device and returns the frame stream. A device-open failure
// is returned before any frame is produced; the capture is unusable after
// that.
func (c *Capture) Start() (*Queue, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrCaptureStarted
	}
	c.started = true
	q := NewQueue(c.cfg)
	c.queue = q
	c.pending = make([]byte, 0, 2*FrameBytes)
	if fr, ok := c.dev.(FormatReporter); ok {
		c.norm = &normalizer{src: fr.Format()}
	}
	c.mu.Unlock()

	if err := c.dev.Start(c.onData, c.onError); err != nil {
		q.Close(err)
		return nil, fmt.Errorf("audio: open capture device: %w", err)
	}

	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()

	slog.Debug("audio capture started",
		"sample_rate", SampleRate,
		"channels", Channels,
		"frame_bytes", FrameBytes,
		"queue_capacity", c.cfg.Capacity,
		"overflow", c.cfg.Overflow,
	)
	return q, nil
}

// Stop releases the device and ends the stream: frames already queued stay
// queued and are followed by the [EndOfStream] sentinel. Stop is idempotent
// and returns the device's stop error from the first call.
func (c *Capture) Stop() error {
	c.stop(nil)
	return c.stopErr
}

func (c *Capture) stop(cause error) {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		c.mu.Lock()
		opened := c.opened
		q := c.queue
		c.mu.Unlock()

		if opened {
			if err := c.dev.Stop(); err != nil {
				c.stopErr = fmt.Errorf("audio: stop capture device: %w", err)
				slog.Warn("audio capture: device stop failed", "err", err)
			}
		}

		c.mu.Lock()
		c.pending = c.pending[:0]
		c.mu.Unlock()

		if q != nil {
			q.Close(cause)
			if n := q.Dropped(); n > 0 {
				slog.Warn("audio capture: frames dropped on full queue", "dropped", n)
			}
		}
	})
}

// onData runs on the device callback thread.
func (c *Capture) onData(pcm []byte) {
	select {
	case <-c.stopCh:
		return
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.norm != nil {
		pcm = c.norm.normalize(pcm)
	}
	c.pending = append(c.pending, pcm...)
	for len(c.pending) >= FrameBytes {
		data := make([]byte, FrameBytes)
		copy(data, c.pending[:FrameBytes])
		c.pending = c.pending[FrameBytes:]

		f := AudioFrame{
			Seq:       c.seq,
			Data:      data,
			Timestamp: time.Duration(c.seq) * FrameDuration,
		}
		c.seq++
		if !c.queue.push(f, c.stopCh) {
			return
		}
	}
}

// onError runs on the device callback thread. Stopping the device from
// inside its own callback can deadlock some backends, so the teardown is
// handed to a separate goroutine.
func (c *Capture) onError(err error) {
	slog.Warn("audio capture: device error, ending stream", "err", err)
	go c.stop(fmt.Errorf("audio: capture device: %w", err))
}
