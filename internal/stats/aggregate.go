// Package stats implements the stats aggregator (component C11): merging
// every worker thread's sample list into one ordered stream and computing
// throughput and a correlation coefficient exactly per spec section 4.11,
// including its acknowledged-broken multi-flow behavior (see DESIGN.md
// Open Question decision 1 — preserved verbatim, not "fixed").
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/rushit-tool/rushit/internal/rushitlog"
	"github.com/rushit-tool/rushit/internal/sample"
)

// Result is the aggregator's output, spec section 4.11: "{ num_samples,
// throughput_bytes_per_second, correlation_coefficient, end_time }", plus
// Latency (SPEC_FULL's supplemented addition, spec section 3's "optional
// latency-histogram handle") for request/response runs.
type Result struct {
	NumSamples               int
	ThroughputBytesPerSecond float64
	CorrelationCoefficient   float64
	EndTime                  time.Time

	// Latency summarizes every sample's non-nil Latency value across
	// every thread. It is nil for streaming runs, which never attach a
	// latency to a sample.
	Latency *LatencySummary
}

// LatencySummary is the percentile/count/mean/max view of one run's
// request/response transaction latencies, built from a single shared
// LatencyHistogram rather than one per thread: per-thread P² estimators
// cannot be merged after the fact, so Aggregate observes every sample's
// latency directly instead of combining partial, thread-local estimates.
type LatencySummary struct {
	Count int
	Mean  time.Duration
	Max   time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
}

type flowKey struct {
	threadID int
	flowID   int
}

// Aggregate flattens every thread's sample list into one stream,
// stable-sorts it by (timestamp, tid, flow_id), and replays the exact
// running-total algorithm of section 4.11 step 2. Intentionally, the
// running total is a single process-wide accumulator shared by every
// flow — not one counter per flow — which is what makes the resulting
// throughput/correlation figures additive-but-misleading across more than
// one flow; see the Open Question note in spec section 9.
func Aggregate(lists []*sample.List, log *rushitlog.Logger) Result {
	var all []*sample.Sample
	for _, l := range lists {
		if l == nil {
			continue
		}
		all = append(all, l.Slice()...)
	}

	numSamples := len(all)
	latency := latencySummary(all)

	if numSamples < 2 {
		if log != nil {
			log.Warning().Int("num_samples", numSamples).Log("too few samples to compute throughput/correlation")
		}
		return Result{NumSamples: numSamples, Latency: latency}
	}

	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ThreadID != b.ThreadID {
			return a.ThreadID < b.ThreadID
		}
		return a.FlowID < b.FlowID
	})

	last := make(map[flowKey]int64)

	first := all[0]
	t0 := first.Timestamp
	baseline := first.BytesRead
	runningTotal := first.BytesRead
	last[flowKey{first.ThreadID, first.FlowID}] = first.BytesRead

	var sumXY, sumXX, sumYY float64
	var duration, bytesDelta float64
	endTime := first.Timestamp

	for _, s := range all[1:] {
		key := flowKey{s.ThreadID, s.FlowID}
		prev := last[key]
		runningTotal -= prev
		last[key] = s.BytesRead
		runningTotal += s.BytesRead

		duration = s.Timestamp.Sub(t0).Seconds()
		bytesDelta = float64(runningTotal - baseline)

		sumXY += duration * bytesDelta
		sumXX += duration * duration
		sumYY += bytesDelta * bytesDelta

		endTime = s.Timestamp
	}

	var throughput float64
	if duration != 0 && bytesDelta != 0 {
		throughput = bytesDelta / duration
	}

	var r float64
	if denom := math.Sqrt(sumXX * sumYY); denom != 0 {
		r = sumXY / denom
	}

	return Result{
		NumSamples:               numSamples,
		ThroughputBytesPerSecond: throughput,
		CorrelationCoefficient:   r,
		EndTime:                  endTime,
		Latency:                  latency,
	}
}

// latencySummary scans every sample for a non-nil Latency and, if any are
// present, feeds them into one shared LatencyHistogram. The percentiles
// tracked (p50/p90/p99) match the set a request/response workload's
// operator typically wants reported alongside throughput.
func latencySummary(all []*sample.Sample) *LatencySummary {
	hist := NewLatencyHistogram(0.5, 0.9, 0.99)
	for _, s := range all {
		if s.Latency != nil {
			hist.Observe(s.Latency.Seconds())
		}
	}
	if hist.Count() == 0 {
		return nil
	}
	return &LatencySummary{
		Count: hist.Count(),
		Mean:  time.Duration(hist.Mean() * float64(time.Second)),
		Max:   time.Duration(hist.Max() * float64(time.Second)),
		P50:   time.Duration(hist.Quantile(0) * float64(time.Second)),
		P90:   time.Duration(hist.Quantile(1) * float64(time.Second)),
		P99:   time.Duration(hist.Quantile(2) * float64(time.Second)),
	}
}
