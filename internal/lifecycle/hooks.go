package lifecycle

import "sync"

// Hooks runs registered teardown functions once when the process is about to
// exit.
type Hooks struct {
	mu    sync.Mutex
	next  uint64
	order []uint64
	fns   map[uint64]func()
	fired bool
}

func NewHooks() *Hooks {
	return &Hooks{fns: make(map[uint64]func())}
}

// Register adds fn and returns a function that removes it again. If the hooks
// have already fired, fn runs immediately.
func (h *Hooks) Register(fn func()) (deregister func()) {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		fn()
		return func() {}
	}

	id := h.next
	h.next++
	h.fns[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.fns, id)
	}
}

// Fire runs every registered hook in registration order and returns after
// all of them have finished. Only the first call has an effect.
func (h *Hooks) Fire() {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true

	var fns []func()
	for _, id := range h.order {
		if fn, ok := h.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	h.fns = map[uint64]func(){}
	h.order = nil
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Len reports how many hooks are registered.
func (h *Hooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.fns)
}
