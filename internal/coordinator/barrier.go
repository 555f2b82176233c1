package coordinator

import "sync"

// Barrier is a reusable rendezvous point sized for a fixed party count,
// the Go equivalent of the original's pthread_barrier_t (spec section
// 4.9: "initializes a rendezvous barrier sized num_threads+1"). Every
// party's Arrive blocks until all parties have called it, then all are
// released together.
type Barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	gen     int
}

// NewBarrier builds a barrier that releases once parties calls to Arrive
// are outstanding simultaneously.
func NewBarrier(parties int) *Barrier {
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Arrive blocks the calling goroutine until parties goroutines total have
// called Arrive on this generation, implementing worker.Barrier.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
