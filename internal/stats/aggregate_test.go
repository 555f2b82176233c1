package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushit-tool/rushit/internal/sample"
)

func listOf(samples ...*sample.Sample) *sample.List {
	l := &sample.List{}
	for _, s := range samples {
		l.Push(s)
	}
	return l
}

func at(t time.Time, d time.Duration) time.Time { return t.Add(d) }

func TestAggregate_ZeroSamples(t *testing.T) {
	r := Aggregate(nil, nil)
	assert.Equal(t, Result{}, r)
}

func TestAggregate_TwoSamplesOneFlow(t *testing.T) {
	t0 := time.Unix(0, 0)
	list := listOf(
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: t0, BytesRead: 0},
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: at(t0, time.Second), BytesRead: 125_000_000},
	)
	r := Aggregate([]*sample.List{list}, nil)
	assert.Equal(t, 2, r.NumSamples)
	assert.InDelta(t, 125_000_000, r.ThroughputBytesPerSecond, 1)
	assert.InDelta(t, 1.0, r.CorrelationCoefficient, 1e-9)
	assert.True(t, r.EndTime.Equal(at(t0, time.Second)))
}

func TestAggregate_ThreeSamplesOneFlow(t *testing.T) {
	t0 := time.Unix(0, 0)
	list := listOf(
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: t0, BytesRead: 0},
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: at(t0, time.Second), BytesRead: 50_000_000},
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: at(t0, 2 * time.Second), BytesRead: 100_000_000},
	)
	r := Aggregate([]*sample.List{list}, nil)
	assert.InDelta(t, 50_000_000, r.ThroughputBytesPerSecond, 1)
	assert.InDelta(t, 1.0, r.CorrelationCoefficient, 1e-9)
}

func TestAggregate_TwoThreadsOneFlowEach(t *testing.T) {
	t0 := time.Unix(0, 0)
	list0 := listOf(
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: t0, BytesRead: 0},
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: at(t0, time.Second), BytesRead: 125_000_000},
	)
	list1 := listOf(
		&sample.Sample{ThreadID: 1, FlowID: 1, Timestamp: t0, BytesRead: 0},
		&sample.Sample{ThreadID: 1, FlowID: 1, Timestamp: at(t0, time.Second), BytesRead: 125_000_000},
	)
	r := Aggregate([]*sample.List{list0, list1}, nil)
	assert.Equal(t, 4, r.NumSamples)
	assert.InDelta(t, 250_000_000, r.ThroughputBytesPerSecond, 1)
	assert.True(t, r.EndTime.Equal(at(t0, time.Second)))
}

func TestAggregate_SingleSampleWarnsAndZeros(t *testing.T) {
	t0 := time.Unix(0, 0)
	list := listOf(&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: t0, BytesRead: 0})
	r := Aggregate([]*sample.List{list}, nil)
	assert.Equal(t, 1, r.NumSamples)
	assert.Zero(t, r.ThroughputBytesPerSecond)
	assert.Zero(t, r.CorrelationCoefficient)
}

func TestAggregate_StreamingSamplesHaveNilLatency(t *testing.T) {
	t0 := time.Unix(0, 0)
	list := listOf(
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: t0, BytesRead: 0},
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: at(t0, time.Second), BytesRead: 100},
	)
	r := Aggregate([]*sample.List{list}, nil)
	assert.Nil(t, r.Latency)
}

func TestAggregate_RRSamplesProduceLatencySummary(t *testing.T) {
	t0 := time.Unix(0, 0)
	lat1 := 10 * time.Millisecond
	lat2 := 20 * time.Millisecond
	lat3 := 30 * time.Millisecond
	list := listOf(
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: t0, BytesRead: 0, Latency: &lat1},
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: at(t0, time.Second), BytesRead: 10, Latency: &lat2},
		&sample.Sample{ThreadID: 0, FlowID: 1, Timestamp: at(t0, 2 * time.Second), BytesRead: 20, Latency: &lat3},
	)
	r := Aggregate([]*sample.List{list}, nil)
	require.NotNil(t, r.Latency)
	assert.Equal(t, 3, r.Latency.Count)
	assert.Equal(t, 20*time.Millisecond, r.Latency.Mean)
	assert.Equal(t, 30*time.Millisecond, r.Latency.Max)
}
