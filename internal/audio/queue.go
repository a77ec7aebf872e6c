package audio

import "sync/atomic"

// FrameQueue is the bounded hand-off between the capture loop and the
// speech gate. When full, the oldest queued frame is discarded to make room.
// It is safe for one producer and one consumer.
type FrameQueue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan Frame, capacity)}
}

// Push enqueues f and reports whether older frames had to be dropped.
func (q *FrameQueue) Push(f Frame) bool {
	dropped := false
	for {
		select {
		case q.ch <- f:
			return dropped
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

func (q *FrameQueue) C() <-chan Frame { return q.ch }

func (q *FrameQueue) Len() int { return len(q.ch) }

func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Dropped is the total number of frames discarded on overflow.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

// Drain removes everything currently queued and returns it oldest first.
// Drained frames are not counted as dropped.
func (q *FrameQueue) Drain() []Frame {
	var out []Frame
	for {
		select {
		case f := <-q.ch:
			out = append(out, f)
		default:
			return out
		}
	}
}
