// Package sample implements the per-thread sample list (component C1): a
// singly-linked log of (tid, flow_id, timestamp, bytes_read, transactions)
// tuples, recorded in observation order and never mutated once appended.
package sample

import "time"

// Sample is one observation of a flow's cumulative progress. Created
// exclusively by the owning worker thread and never mutated after
// insertion.
type Sample struct {
	ThreadID     int
	FlowID       int
	Timestamp    time.Time
	BytesRead    int64
	Transactions uint64

	// Latency, if non-nil, is the request/response workload's latency in
	// nanoseconds observed for the transaction that produced this sample.
	// nil for streaming workloads, which carry no per-transaction latency.
	Latency *time.Duration

	next *Sample
}

// List is a per-thread singly-linked log, built by repeated head
// insertion. It is intentionally not kept sorted — spec section 4.1:
// "the list is not sorted at insertion time (sort happens in
// aggregation)".
type List struct {
	head *Sample
	len  int
}

// Push prepends s to the list in O(1), becoming the new head.
func (l *List) Push(s *Sample) {
	s.next = l.head
	l.head = s
	l.len++
}

// Len reports the number of samples recorded.
func (l *List) Len() int { return l.len }

// Each calls fn once per sample, in reverse of recording order (head
// first); callers that need recording order should use Slice instead.
func (l *List) Each(fn func(*Sample)) {
	for s := l.head; s != nil; s = s.next {
		fn(s)
	}
}

// Slice returns every sample in recording order (oldest first), a fresh
// slice safe for the caller to sort or mutate (it does not share Sample
// values, only pointers to the original immutable records).
func (l *List) Slice() []*Sample {
	out := make([]*Sample, l.len)
	i := l.len - 1
	for s := l.head; s != nil; s = s.next {
		out[i] = s
		i--
	}
	return out
}
