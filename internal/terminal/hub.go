package terminal

import (
	"sort"
	"sync"
)

// Hub tracks open terminals and fans notifications out to listeners.
//
// Notifications and functions passed to Do are serialized by a single
// dispatch lock, so a listener sees one call at a time and in the order the
// producers published them. Producers must not publish from inside a
// listener callback.
type Hub struct {
	dispatchMu sync.Mutex

	mu        sync.RWMutex
	terminals map[Handle]struct{}
	listeners map[int]Listener
	nextID    int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		terminals: make(map[Handle]struct{}),
		listeners: make(map[int]Listener),
	}
}

// Terminals returns the open handles, sorted.
func (h *Hub) Terminals() []Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]Handle, 0, len(h.terminals))
	for t := range h.terminals {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Subscribe registers a listener. Unsubscribing twice is harmless.
func (h *Hub) Subscribe(l Listener) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = l
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, id)
			h.mu.Unlock()
		})
	}
}

// Do runs fn while holding the dispatch lock.
func (h *Hub) Do(fn func()) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()
	fn()
}

// Opened records t as open and notifies listeners.
func (h *Hub) Opened(t Handle) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	h.terminals[t] = struct{}{}
	h.mu.Unlock()

	for _, l := range h.snapshot() {
		l.TerminalOpened(t)
	}
}

// Closed records t as closed and notifies listeners. Unknown handles are ignored.
func (h *Hub) Closed(t Handle) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	_, ok := h.terminals[t]
	delete(h.terminals, t)
	h.mu.Unlock()
	if !ok {
		return
	}

	for _, l := range h.snapshot() {
		l.TerminalClosed(t)
	}
}

// Data delivers a chunk written by t.
func (h *Hub) Data(t Handle, data string) {
	if data == "" {
		return
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	for _, l := range h.snapshot() {
		l.TerminalData(t, data)
	}
}

// snapshot copies the listeners in subscription order so callbacks may
// unsubscribe without deadlocking.
func (h *Hub) snapshot() []Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	result := make([]Listener, 0, len(ids))
	for _, id := range ids {
		result = append(result, h.listeners[id])
	}
	return result
}
