// Package interval implements the interval collector (component C3): a
// per-flow sampling timer that converts continuous I/O progress into a
// sparse time series, and the sample-list-append side of component C1.
package interval

import (
	"time"

	"github.com/rushit-tool/rushit/internal/rusage"
	"github.com/rushit-tool/rushit/internal/sample"
)

// Interval is the per-flow sampling state described by spec section 3:
// { period, next_due, accumulator }. Owned by a flow; driven by timestamps
// produced during I/O.
type Interval struct {
	Period time.Duration

	nextDue time.Time

	// Accumulator is reserved for a future sub-period progress tally; the
	// current collection decision only needs NextDue, but the field is
	// carried for parity with the data model in spec section 3.
	Accumulator int64
}

// NewInterval constructs an Interval whose first Collect call always fires
// immediately, so the first sample for a flow doubles as its baseline
// (spec section 4.1).
func NewInterval(period time.Duration) *Interval {
	return &Interval{Period: period}
}

// Source is the minimal view of a flow the collector needs: its
// identity, its owning thread, its cumulative counters, and its sampling
// interval. internal/ioready's Flow type implements this.
type Source interface {
	ThreadID() int
	FlowID() int
	BytesRead() int64
	Transactions() uint64
	Interval() *Interval
}

// Collect consults src's interval accumulator; if the period has elapsed,
// it appends a sample to list, captures now and advances next_due by the
// period. Every emitted sample also attempts to record now as the run's
// shared time_start (spec section 4.3), which is a no-op once any flow
// has already done so.
//
// latency is forwarded onto the emitted sample when non-nil (request/
// response workloads); streaming workloads pass nil.
//
// Collect reports whether a sample was appended.
func Collect(list *sample.List, src Source, now time.Time, start *rusage.Interval, latency *time.Duration) bool {
	iv := src.Interval()
	if now.Before(iv.nextDue) {
		return false
	}

	if start != nil {
		start.SetTimeStartOnce(now)
	}

	list.Push(&sample.Sample{
		ThreadID:     src.ThreadID(),
		FlowID:       src.FlowID(),
		Timestamp:    now,
		BytesRead:    src.BytesRead(),
		Transactions: src.Transactions(),
		Latency:      latency,
	})

	if iv.nextDue.IsZero() {
		iv.nextDue = now
	}
	iv.nextDue = iv.nextDue.Add(iv.Period)

	return true
}
