// Package dispatch is the worker pool from spec.md §4.5: it pulls ready
// computations, invokes user functions with a filtered input map, and
// applies results back through the store. The work queue itself —
// Frontier, WorkItem, OrderKey — is ported near-verbatim from the teacher's
// graph/scheduler.go, generalized from "next workflow step keyed by
// (parent_node_id, edge_index)" to "next ready computation keyed by
// (execution_id, node_name, attempt_index)". The determinism property is
// the same: the same candidate set always drains in the same order.
package dispatch

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// WorkItem is one dispatchable unit: a single (execution, node) readiness
// candidate plus the revision witnesses needed to claim it.
type WorkItem struct {
	ExecutionID       string
	NodeName          string
	OrderKey          uint64
	UpstreamRevisions map[string]int64
	ExRevisionAtStart int64
	AttemptIndex      int
}

// ComputeOrderKey hashes (executionID, nodeName, attempt) into a uint64
// sort key, exactly as the teacher's computeOrderKey hashes
// (parentNodeID, edgeIndex): SHA-256 of the concatenated fields, first 8
// bytes read as a big-endian uint64. Same determinism guarantee, same
// collision-resistance rationale.
func ComputeOrderKey(executionID, nodeName string, attempt int) uint64 {
	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write([]byte{0})
	h.Write([]byte(nodeName))
	attemptBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(attemptBytes, uint32(attempt))
	h.Write(attemptBytes)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Frontier is a bounded, deterministically-ordered work queue: a min-heap
// on OrderKey paired with a buffered channel for backpressure, ported from
// the teacher's Frontier[S] (graph/scheduler.go).
type Frontier struct {
	mu       sync.Mutex
	heap     workHeap
	queue    chan WorkItem
	capacity int

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth     atomic.Int32
}

// NewFrontier returns a Frontier with the given bounded capacity.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{
		heap:     make(workHeap, 0),
		queue:    make(chan WorkItem, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue pushes item onto the heap, then blocks on the bounded channel
// until capacity is available or ctx is cancelled — the backpressure
// mechanism from spec.md §5's suspension-point list.
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakQueueDepth.Load()
		if depth <= peak || f.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- item:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue blocks until a work item is available or ctx is cancelled, then
// pops the item with the smallest OrderKey from the heap.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len returns the current heap depth.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Metrics is a point-in-time snapshot of frontier counters, read by
// internal/metrics.
type Metrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

func (f *Frontier) Metrics() Metrics {
	f.mu.Lock()
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	return Metrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity),
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
