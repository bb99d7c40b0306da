package planner

import (
	"testing"

	"stepkernel/stepper"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(4, nil)
	blocks := []*stepper.MotionBlock{{StepEventCount: 1}, {StepEventCount: 2}, {StepEventCount: 3}}
	for _, b := range blocks {
		if err := q.Push(b); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}
	if err := q.Push(&stepper.MotionBlock{}); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 3 {
		t.Errorf("Expected length 3, got %d", q.Len())
	}
	for i, want := range blocks {
		got := q.CurrentBlock()
		if got != want {
			t.Errorf("Block %d: expected %p, got %p", i, want, got)
		}
		q.ReleaseCurrentBlock()
	}
	if q.CurrentBlock() != nil || !q.Empty() {
		t.Error("Expected empty queue")
	}
}

func TestQueueWraps(t *testing.T) {
	q := NewQueue(3, nil)
	for i := uint32(0); i < 20; i++ {
		if err := q.Push(&stepper.MotionBlock{StepEventCount: i}); err != nil {
			t.Fatalf("Push %d failed: %v", i, err)
		}
		if got := q.CurrentBlock().StepEventCount; got != i {
			t.Errorf("Expected block %d, got %d", i, got)
		}
		q.ReleaseCurrentBlock()
	}
}

func TestQueueClearKeepsHead(t *testing.T) {
	q := NewQueue(8, nil)
	head := &stepper.MotionBlock{StepEventCount: 10}
	q.Push(head)
	q.Push(&stepper.MotionBlock{})
	q.Push(&stepper.MotionBlock{})

	q.Clear()
	if q.Len() != 1 || q.CurrentBlock() != head {
		t.Errorf("Expected only the head block to remain, got %d blocks", q.Len())
	}
}

func TestQueueSynchronizeCallsIdle(t *testing.T) {
	var q *Queue
	calls := 0
	q = NewQueue(4, func() {
		calls++
		q.ReleaseCurrentBlock()
	})
	q.Push(&stepper.MotionBlock{})
	q.Push(&stepper.MotionBlock{})
	q.Synchronize()
	if calls != 2 {
		t.Errorf("Expected 2 idle calls, got %d", calls)
	}
}
