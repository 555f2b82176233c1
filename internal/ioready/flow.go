package ioready

import (
	"sync/atomic"
	"time"

	"github.com/rushit-tool/rushit/internal/interval"
)

// Flow is the connection record described by spec section 3: created on
// accept/connect, registered with the owning thread's readiness
// multiplexer, destroyed on peer close or thread stop. One flow owns its
// fd for the fd's entire lifetime; no two flows share an fd.
type Flow struct {
	FD                int
	ID                int
	OwningThreadIndex int

	// RRRemainingWrite/RRRemainingRead frame one request/response
	// transaction for the RR workload: whichever is non-zero names the
	// phase currently in progress and how many bytes remain before it
	// completes, letting the worker loop resume a partial request or
	// response across several readiness events without a per-flow
	// buffer. Streaming workloads leave both at zero.
	RRRemainingWrite int
	RRRemainingRead  int
	rrReqStart       time.Time

	bytesRead    atomic.Int64
	transactions atomic.Uint64

	iv *interval.Interval
}

// NewFlow constructs a Flow with the given sampling period already
// attached (spec section 3: "Interval. Owned by a flow").
func NewFlow(fd, id, threadIndex int, period time.Duration) *Flow {
	return &Flow{
		FD:                fd,
		ID:                id,
		OwningThreadIndex: threadIndex,
		iv:                interval.NewInterval(period),
	}
}

// The following five methods satisfy interval.Source.

func (f *Flow) ThreadID() int        { return f.OwningThreadIndex }
func (f *Flow) FlowID() int          { return f.ID }
func (f *Flow) BytesRead() int64     { return f.bytesRead.Load() }
func (f *Flow) Transactions() uint64 { return f.transactions.Load() }
func (f *Flow) Interval() *interval.Interval { return f.iv }

// AddBytesRead advances the cumulative byte counter, returning the new
// total. Called by the worker loop after a successful read.
func (f *Flow) AddBytesRead(n int64) int64 {
	return f.bytesRead.Add(n)
}

// AddTransaction advances the cumulative transaction counter, returning
// the new total.
func (f *Flow) AddTransaction() uint64 {
	return f.transactions.Add(1)
}

// MarkRequestSent records when this flow's request phase completed, so the
// matching response completion can compute a latency delta against it
// (RR workload only; the side that never sends a request never calls
// this, so RequestSentAt's zero value is its own "no pending request").
func (f *Flow) MarkRequestSent(t time.Time) { f.rrReqStart = t }

// RequestSentAt returns the timestamp MarkRequestSent last recorded.
func (f *Flow) RequestSentAt() time.Time { return f.rrReqStart }
