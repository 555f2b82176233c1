package stats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatencyHistogram_ConvergesOnUniformDistribution(t *testing.T) {
	h := NewLatencyHistogram(0.5, 0.99)
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20000; i++ {
		h.Observe(r.Float64())
	}
	assert.InDelta(t, 0.5, h.Quantile(0), 0.02)
	assert.InDelta(t, 0.99, h.Quantile(1), 0.02)
	assert.Equal(t, 20000, h.Count())
	assert.InDelta(t, 0.5, h.Mean(), 0.02)
}

func TestLatencyHistogram_FewerThanFiveSamples(t *testing.T) {
	h := NewLatencyHistogram(0.5)
	h.Observe(1)
	h.Observe(3)
	h.Observe(2)
	assert.InDelta(t, 2, h.Quantile(0), 1)
	assert.InDelta(t, 3.0, h.Max(), 1e-9)
}
