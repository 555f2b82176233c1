package stats

import "math"

// multiQuantileEstimator tracks several percentiles of one observation
// stream using the P² algorithm (Jain & Chlamtac, 1985): O(1) per
// observation, O(1) retrieval, no stored samples. Unlike a set of
// independent single-percentile estimators, every tracked percentile here
// shares one five-sample bootstrap buffer and is updated in a single pass
// per observation (update below loops every percentile once rather than
// dispatching a method call through wrapper types per percentile), since
// LatencyHistogram always observes the same value across all of its
// percentiles at once.
type multiQuantileEstimator struct {
	percentiles []float64

	// Per-percentile marker state: q is marker height, n is marker
	// position, np is desired position, dn is desired position
	// increment. Indexed [percentile][marker 0..4].
	q  [][5]float64
	n  [][5]int
	np [][5]float64
	dn [][5]float64

	count   int
	initBuf [5]float64
}

func newMultiQuantileEstimator(percentiles []float64) *multiQuantileEstimator {
	clamped := make([]float64, len(percentiles))
	m := &multiQuantileEstimator{
		percentiles: clamped,
		q:           make([][5]float64, len(percentiles)),
		n:           make([][5]int, len(percentiles)),
		np:          make([][5]float64, len(percentiles)),
		dn:          make([][5]float64, len(percentiles)),
	}
	for i, p := range percentiles {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		clamped[i] = p
		m.dn[i] = [5]float64{0, p / 2, p, (1 + p) / 2, 1}
	}
	return m
}

// update feeds one observation to every tracked percentile. The first five
// observations go into the shared bootstrap buffer instead of any
// percentile's markers; initializeAll then seeds every percentile's
// markers from that one sorted buffer.
func (m *multiQuantileEstimator) update(x float64) {
	m.count++
	if m.count <= 5 {
		m.initBuf[m.count-1] = x
		if m.count == 5 {
			m.initializeAll()
		}
		return
	}
	for pi := range m.percentiles {
		m.updateMarkers(pi, x)
	}
}

func (m *multiQuantileEstimator) initializeAll() {
	sorted := m.initBuf
	for i := 1; i < 5; i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}
	for pi, p := range m.percentiles {
		for i := 0; i < 5; i++ {
			m.q[pi][i] = sorted[i]
			m.n[pi][i] = i
		}
		m.np[pi] = [5]float64{0, 2 * p, 4 * p, 2 + 2*p, 4}
	}
}

// updateMarkers runs the P² marker-adjustment step for one percentile's
// own marker set.
func (m *multiQuantileEstimator) updateMarkers(pi int, x float64) {
	q, n, np, dn := &m.q[pi], &m.n[pi], &m.np[pi], &m.dn[pi]

	var k int
	switch {
	case x < q[0]:
		q[0] = x
		k = 0
	case x >= q[4]:
		q[4] = x
		k = 3
	default:
		for k = 0; k < 4; k++ {
			if q[k] <= x && x < q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		n[i]++
	}
	for i := 0; i < 5; i++ {
		np[i] += dn[i]
	}

	for i := 1; i < 4; i++ {
		d := np[i] - float64(n[i])
		if (d >= 1 && n[i+1]-n[i] > 1) || (d <= -1 && n[i-1]-n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qv := parabolic(q, n, i, sign)
			if q[i-1] < qv && qv < q[i+1] {
				q[i] = qv
			} else {
				q[i] = linear(q, n, i, sign)
			}
			n[i] += sign
		}
	}
}

func parabolic(q *[5]float64, n *[5]int, i, d int) float64 {
	df := float64(d)
	ni, niPrev, niNext := float64(n[i]), float64(n[i-1]), float64(n[i+1])
	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (q[i+1] - q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (q[i] - q[i-1]) / (ni - niPrev)
	return q[i] + term1*(term2+term3)
}

func linear(q *[5]float64, n *[5]int, i, d int) float64 {
	if d == 1 {
		return q[i] + (q[i+1]-q[i])/float64(n[i+1]-n[i])
	}
	return q[i] - (q[i]-q[i-1])/float64(n[i]-n[i-1])
}

// quantile returns the running estimate for percentile index pi. Before
// the bootstrap buffer fills, it falls back to an exact sort of whatever
// has been observed so far.
func (m *multiQuantileEstimator) quantile(pi int) float64 {
	if m.count == 0 {
		return 0
	}
	if m.count < 5 {
		sorted := make([]float64, m.count)
		copy(sorted, m.initBuf[:m.count])
		for i := 1; i < m.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		idx := int(float64(m.count-1) * m.percentiles[pi])
		if idx >= m.count {
			idx = m.count - 1
		}
		return sorted[idx]
	}
	return m.q[pi][2]
}

// LatencyHistogram tracks several percentiles of a request/response
// workload's per-transaction latency without storing individual samples
// (SPEC_FULL's supplemented latency-histogram handle, spec section 3).
type LatencyHistogram struct {
	est   *multiQuantileEstimator
	sum   float64
	count int
	max   float64
}

// NewLatencyHistogram builds a histogram tracking the given percentiles
// (each in [0,1]) from one shared observation stream.
func NewLatencyHistogram(percentiles ...float64) *LatencyHistogram {
	return &LatencyHistogram{est: newMultiQuantileEstimator(percentiles), max: -math.MaxFloat64}
}

// Observe records one latency sample, in seconds.
func (h *LatencyHistogram) Observe(seconds float64) {
	h.count++
	h.sum += seconds
	if seconds > h.max {
		h.max = seconds
	}
	h.est.update(seconds)
}

// Quantile returns the estimate for the percentile at index i (matching
// the order passed to NewLatencyHistogram).
func (h *LatencyHistogram) Quantile(i int) float64 {
	if i < 0 || i >= len(h.est.percentiles) {
		return 0
	}
	return h.est.quantile(i)
}

func (h *LatencyHistogram) Count() int { return h.count }

func (h *LatencyHistogram) Mean() float64 {
	if h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

func (h *LatencyHistogram) Max() float64 {
	if h.count == 0 {
		return 0
	}
	return h.max
}
