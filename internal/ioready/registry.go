package ioready

import (
	"sync"
)

// Token identifies a registration with the flow registry. Spec section
// 4.2 specifies the source's token as the flow's own memory address; this
// implementation's equivalent stable identity is the fd itself, since the
// Flow data model already guarantees "one flow owns its fd for the fd's
// entire lifetime; no two flows share an fd" — the fd is therefore exactly
// as stable and exactly as good a deduplication key as a pointer would be,
// without resorting to unsafe.Pointer bookkeeping the Go runtime's garbage
// collector does not need reminding about.
type Token int

// Registry is the per-thread flow registry (component C2): a map from
// readiness token to flow state, wrapping a Poller so add/remove keep the
// epoll registration and the Flow bookkeeping in lockstep.
type Registry struct {
	poller *Poller
	edge   bool

	mu    sync.Mutex
	flows map[Token]*Flow
}

// NewRegistry wraps poller; edgeTriggered mirrors the worker's
// -E/--edge-trigger flag for every subsequent Add call.
func NewRegistry(poller *Poller, edgeTriggered bool) *Registry {
	return &Registry{
		poller: poller,
		edge:   edgeTriggered,
		flows:  make(map[Token]*Flow),
	}
}

// Add registers flow's fd for events, invoking cb on readiness. Returns
// the token future Remove/Flow calls must use.
func (r *Registry) Add(flow *Flow, events Events, cb Callback) (Token, error) {
	if err := r.poller.Register(flow.FD, events, r.edge, cb); err != nil {
		return 0, err
	}
	tok := Token(flow.FD)
	r.mu.Lock()
	r.flows[tok] = flow
	r.mu.Unlock()
	return tok, nil
}

// AddLite registers an out-of-band fd (the stop-signal eventfd) with no
// associated flow state — spec section 4.2's "a flow marker with an fd but
// no I/O state".
func (r *Registry) AddLite(fd int, events Events, cb Callback) (Token, error) {
	if err := r.poller.Register(fd, events, false, cb); err != nil {
		return 0, err
	}
	return Token(fd), nil
}

// Remove unsubscribes token from readiness before releasing its flow
// record, preserving the section 4.2 ordering invariant ("removal happens
// strictly after the last readiness callback"): by the time EpollCtl(DEL)
// returns, no further callback for this fd will run, so it's safe to drop
// the map entry immediately after.
func (r *Registry) Remove(tok Token) error {
	if err := r.poller.Unregister(int(tok)); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.flows, tok)
	r.mu.Unlock()
	return nil
}

// Flow looks up the flow registered under tok, if any (AddLite tokens
// have none).
func (r *Registry) Flow(tok Token) (*Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[tok]
	return f, ok
}

// Len reports the number of flows currently registered (excludes AddLite
// sentinels, which never enter the map).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

// Each calls fn once per currently-registered flow. fn must not call Add
// or Remove on this registry.
func (r *Registry) Each(fn func(Token, *Flow)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, f := range r.flows {
		fn(tok, f)
	}
}
