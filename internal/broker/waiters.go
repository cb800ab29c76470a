package broker

import "sync"

// waiter receives at most one response for one (trip, provider) offer.
type waiter struct {
	key string
	ch  chan bool
}

type waiters struct {
	mu sync.Mutex
	m  map[string]*waiter
}

func newWaiters() *waiters {
	return &waiters{m: make(map[string]*waiter)}
}

func waiterKey(tripID, providerID string) string { return tripID + "|" + providerID }

func (ws *waiters) register(tripID, providerID string) *waiter {
	w := &waiter{key: waiterKey(tripID, providerID), ch: make(chan bool, 1)}
	ws.mu.Lock()
	ws.m[w.key] = w
	ws.mu.Unlock()
	return w
}

// release forgets w unless a newer waiter took its key.
func (ws *waiters) release(w *waiter) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.m[w.key] == w {
		delete(ws.m, w.key)
	}
}

func (ws *waiters) has(tripID, providerID string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_, ok := ws.m[waiterKey(tripID, providerID)]
	return ok
}

// deliver hands the response to a waiting negotiation. Only the first
// response per offer is kept; later ones are dropped.
func (ws *waiters) deliver(tripID, providerID string, accepted bool) bool {
	ws.mu.Lock()
	w, ok := ws.m[waiterKey(tripID, providerID)]
	ws.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case w.ch <- accepted:
	default:
	}
	return true
}
