package planner

import (
	"errors"
	"runtime"
	"sync/atomic"

	"stepkernel/stepper"
)

// ErrQueueFull is returned by Push when every slot holds a pending block
var ErrQueueFull = errors.New("block queue full")

// DefaultQueueSize matches the block buffer of the usual 32-bit firmware
const DefaultQueueSize = 16

// Queue is the block ring between the command side (producer) and the
// step interrupt (consumer). Head is only written by the consumer and
// tail only by the producer.
type Queue struct {
	blocks []*stepper.MotionBlock
	head   atomic.Uint32
	tail   atomic.Uint32
	idle   func()
}

// NewQueue creates a queue holding size-1 blocks. idle is called while
// Synchronize waits; nil yields the goroutine.
func NewQueue(size int, idle func()) *Queue {
	if size < 2 {
		size = 2
	}
	if idle == nil {
		idle = runtime.Gosched
	}
	return &Queue{blocks: make([]*stepper.MotionBlock, size), idle: idle}
}

func (q *Queue) next(i uint32) uint32 {
	return (i + 1) % uint32(len(q.blocks))
}

// Push appends a block for the stepper
func (q *Queue) Push(b *stepper.MotionBlock) error {
	tail := q.tail.Load()
	next := q.next(tail)
	if next == q.head.Load() {
		return ErrQueueFull
	}
	q.blocks[tail] = b
	q.tail.Store(next)
	return nil
}

// CurrentBlock returns the oldest pending block without removing it
func (q *Queue) CurrentBlock() *stepper.MotionBlock {
	head := q.head.Load()
	if head == q.tail.Load() {
		return nil
	}
	return q.blocks[head]
}

// ReleaseCurrentBlock frees the oldest block's slot
func (q *Queue) ReleaseCurrentBlock() {
	head := q.head.Load()
	if head == q.tail.Load() {
		return
	}
	q.blocks[head] = nil
	q.head.Store(q.next(head))
}

// Len returns the number of pending blocks
func (q *Queue) Len() int {
	head, tail := q.head.Load(), q.tail.Load()
	return int((tail + uint32(len(q.blocks)) - head) % uint32(len(q.blocks)))
}

// Cap returns the number of blocks the queue can hold
func (q *Queue) Cap() int {
	return len(q.blocks) - 1
}

// Empty reports whether every block has been consumed
func (q *Queue) Empty() bool {
	return q.head.Load() == q.tail.Load()
}

// Clear drops every block not yet picked up by the stepper. The block at
// the head may be running and is left to the stepper to release.
func (q *Queue) Clear() {
	head := q.head.Load()
	if head == q.tail.Load() {
		return
	}
	keep := q.next(head)
	for i := keep; i != q.tail.Load(); i = q.next(i) {
		q.blocks[i] = nil
	}
	q.tail.Store(keep)
}

// Synchronize blocks until the stepper has consumed every block
func (q *Queue) Synchronize() {
	for !q.Empty() {
		q.idle()
	}
}
