package pipeline

import (
	"container/heap"
	"time"

	"github.com/seismonet/go-seismonet/pkg/seismic"
)

type pendingEvent struct {
	ev       *seismic.ClassifiedEvent
	deadline time.Time
}

type pendingHeap []*pendingEvent

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	return h[i].ev.Candidate.Sequence < h[j].ev.Candidate.Sequence
}
func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*pendingEvent)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// reorderBuffer restores sequence order for events whose processing finished
// out of order. An event missing past the window is given up on: later
// events commit anyway and the violation is counted.
type reorderBuffer struct {
	window  time.Duration
	nextSeq uint64
	heap    pendingHeap
	nowFn   func() time.Time
}

func newReorderBuffer(window time.Duration, firstSeq uint64) *reorderBuffer {
	return &reorderBuffer{window: window, nextSeq: firstSeq, nowFn: time.Now}
}

// add buffers ev and returns every event now committable in order.
func (b *reorderBuffer) add(ev *seismic.ClassifiedEvent) []*seismic.ClassifiedEvent {
	heap.Push(&b.heap, &pendingEvent{ev: ev, deadline: b.nowFn().Add(b.window)})
	return b.drain(false)
}

// expire force-commits events whose wait deadline passed. It returns the
// committable events and how many sequence gaps were abandoned.
func (b *reorderBuffer) expire() (out []*seismic.ClassifiedEvent, violations int) {
	now := b.nowFn()
	for b.heap.Len() > 0 {
		head := b.heap[0]
		if head.ev.Candidate.Sequence == b.nextSeq {
			out = append(out, b.commitHead())
			continue
		}
		if now.Before(head.deadline) {
			break
		}
		// The gap did not fill in time; skip forward.
		violations++
		b.nextSeq = head.ev.Candidate.Sequence
		out = append(out, b.commitHead())
	}
	out = append(out, b.drain(false)...)
	return out, violations
}

// flush commits everything still buffered, in sequence order.
func (b *reorderBuffer) flush() []*seismic.ClassifiedEvent {
	return b.drain(true)
}

func (b *reorderBuffer) drain(force bool) []*seismic.ClassifiedEvent {
	var out []*seismic.ClassifiedEvent
	for b.heap.Len() > 0 {
		head := b.heap[0]
		if !force && head.ev.Candidate.Sequence != b.nextSeq {
			break
		}
		b.nextSeq = head.ev.Candidate.Sequence
		out = append(out, b.commitHead())
	}
	return out
}

func (b *reorderBuffer) commitHead() *seismic.ClassifiedEvent {
	ev := heap.Pop(&b.heap).(*pendingEvent).ev
	b.nextSeq = ev.Candidate.Sequence + 1
	return ev
}

func (b *reorderBuffer) pending() int { return b.heap.Len() }
