package audio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity bounds the frame backlog between capture and egress.
// 256 frames is roughly five seconds of audio at the fixed 20 ms block size.
const DefaultQueueCapacity = 256

// OverflowPolicy decides what a full [Queue] does with a new frame.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued frame to make room. The producer
	// never waits. This is the default.
	DropOldest OverflowPolicy = "drop_oldest"

	// Block makes the producer wait until the consumer frees a slot or the
	// queue is closed.
	Block OverflowPolicy = "block"
)

// IsValid reports whether p is a recognised overflow policy.
func (p OverflowPolicy) IsValid() bool {
	return p == DropOldest || p == Block
}

// QueueConfig configures a [Queue].
type QueueConfig struct {
	// Capacity is the maximum number of frames held. Defaults to
	// DefaultQueueCapacity when zero or negative.
	Capacity int

	// Overflow selects the behaviour on a full queue. Defaults to DropOldest.
	Overflow OverflowPolicy
}

// Queue is a bounded FIFO of [AudioFrame] values terminated by a single
// [EndOfStream] sentinel. It is designed for one producer and one consumer.
//
// Frames are delivered in exactly the order they were pushed. With
// [DropOldest] a frame can be discarded from the head when the queue is full;
// frames are never reordered or duplicated. The sentinel is never dropped.
type Queue struct {
	capacity int
	policy   OverflowPolicy

	mu     sync.Mutex
	frames []AudioFrame
	end    *EndOfStream

	notEmpty chan struct{}
	notFull  chan struct{}
	closed   chan struct{}

	dropped atomic.Uint64
}

// NewQueue creates an empty [Queue].
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultQueueCapacity
	}
	if !cfg.Overflow.IsValid() {
		cfg.Overflow = DropOldest
	}
	return &Queue{
		capacity: cfg.Capacity,
		policy:   cfg.Overflow,
		frames:   make([]AudioFrame, 0, cfg.Capacity),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Push appends f. It returns false if the queue has already been closed, in
// which case f is discarded.
func (q *Queue) Push(f AudioFrame) bool {
	return q.push(f, nil)
}

// push appends f, giving up when abort is closed while waiting for space
// under the Block policy. A nil abort channel never fires.
func (q *Queue) push(f AudioFrame, abort <-chan struct{}) bool {
	q.mu.Lock()
	for {
		if q.end != nil {
			q.mu.Unlock()
			return false
		}
		if len(q.frames) < q.capacity {
			q.frames = append(q.frames, f)
			q.mu.Unlock()
			signal(q.notEmpty)
			return true
		}
		if q.policy == DropOldest {
			q.frames[0] = AudioFrame{}
			q.frames = q.frames[1:]
			q.dropped.Add(1)
			continue
		}

		q.mu.Unlock()
		select {
		case <-q.notFull:
		case <-q.closed:
		case <-abort:
			return false
		}
		q.mu.Lock()
	}
}

// Close enqueues the [EndOfStream] sentinel carrying cause. Frames already
// queued are still delivered before it. Only the first call has effect;
// Close never blocks.
func (q *Queue) Close(cause error) {
	q.mu.Lock()
	if q.end != nil {
		q.mu.Unlock()
		return
	}
	q.end = &EndOfStream{Err: cause}
	close(q.closed)
	q.mu.Unlock()
	signal(q.notEmpty)
}

// Pop removes and returns the next item, waiting until a frame or the
// sentinel is available or ctx is done. Once the sentinel has been reached
// every subsequent call returns it again immediately.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = AudioFrame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			signal(q.notFull)
			return f, nil
		}
		if q.end != nil {
			end := *q.end
			q.mu.Unlock()
			return end, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-ctx.Done():
			return nil, fmt.Errorf("audio: queue pop: %w", ctx.Err())
		}
	}
}

// Len returns the number of frames currently queued (excluding the sentinel).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns how many frames the DropOldest policy has discarded.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// signal performs a non-blocking wake-up on a 1-buffered channel.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
