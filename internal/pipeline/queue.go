// Package pipeline decouples a capture loop from the session accumulator.
package pipeline

import (
	"context"
	"fmt"

	"github.com/andresmejia3/bestframe/internal/metrics"
	"github.com/andresmejia3/bestframe/internal/types"
)

// DefaultQueueCapacity keeps latency bounded for live preview.
const DefaultQueueCapacity = 10

// DropPolicy selects what Push does when the queue is full.
type DropPolicy string

const (
	// Block makes the producer wait for room.
	Block DropPolicy = "block"
	// DropOldest discards the oldest pending item to make room.
	DropOldest DropPolicy = "drop-oldest"
)

// QueueOptions configures a Queue.
type QueueOptions struct {
	Capacity int
	Policy   DropPolicy
}

func (o QueueOptions) Validate() error {
	if o.Capacity < 1 {
		return fmt.Errorf("queue capacity must be >= 1, got %d", o.Capacity)
	}
	if o.Policy != Block && o.Policy != DropOldest {
		return fmt.Errorf("unknown drop policy %q (use %q or %q)", o.Policy, Block, DropOldest)
	}
	return nil
}

// Item is one pending estimate and whether the detector found a face in it.
type Item struct {
	Estimate     types.PoseEstimate
	FaceDetected bool
}

// Queue is a bounded FIFO between one producer and one consumer. Items own
// their payloads; anything the queue discards is released.
type Queue struct {
	ch      chan Item
	policy  DropPolicy
	metrics *metrics.Metrics
	dropped int
}

// NewQueue validates opts and creates an empty queue. m may be nil.
func NewQueue(opts QueueOptions, m *metrics.Metrics) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Queue{
		ch:      make(chan Item, opts.Capacity),
		policy:  opts.Policy,
		metrics: m,
	}, nil
}

// Push enqueues it. Under Block it waits for room or ctx; under DropOldest it
// never waits. On a ctx error the item is released and the error returned.
// Push must only be called from the producer goroutine.
func (q *Queue) Push(ctx context.Context, it Item) error {
	if q.policy == Block {
		select {
		case q.ch <- it:
			q.metrics.QueueDepth(len(q.ch))
			return nil
		case <-ctx.Done():
			it.Estimate.ReleasePayload()
			return ctx.Err()
		}
	}

	for {
		select {
		case q.ch <- it:
			q.metrics.QueueDepth(len(q.ch))
			return nil
		default:
		}
		// Full: make room by discarding the oldest pending item. The consumer
		// may win the race and empty a slot first, which is fine.
		select {
		case old := <-q.ch:
			old.Estimate.ReleasePayload()
			q.dropped++
			q.metrics.Dropped()
		default:
		}
	}
}

// Close signals that no more items will be pushed.
func (q *Queue) Close() {
	close(q.ch)
}

// Pop waits for the next item. ok is false once the queue is closed and drained.
func (q *Queue) Pop(ctx context.Context) (it Item, ok bool, err error) {
	select {
	case it, ok = <-q.ch:
		q.metrics.QueueDepth(len(q.ch))
		return it, ok, nil
	case <-ctx.Done():
		return Item{}, false, ctx.Err()
	}
}

// Drain releases whatever is still queued without waiting for more.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return n
			}
			it.Estimate.ReleasePayload()
			n++
		default:
			return n
		}
	}
}

// Dropped is the number of items discarded by DropOldest. Producer side only.
func (q *Queue) Dropped() int {
	return q.dropped
}

// Len is the number of pending items.
func (q *Queue) Len() int {
	return len(q.ch)
}
