package identity

import "sync"

// Holder owns the current session. The Resolver in this package is its only
// writer; any number of goroutines may read or subscribe.
type Holder struct {
	mu      sync.RWMutex
	current *Session
	subs    map[uint64]chan *Session
	nextSub uint64
	closed  bool
}

// NewHolder returns a signed-out holder.
func NewHolder() *Holder {
	return &Holder{subs: make(map[uint64]chan *Session)}
}

// Current returns a copy of the current session, or nil when signed out.
func (h *Holder) Current() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.clone()
}

// Subscribe returns a channel that immediately carries the current session and
// then every change. The channel holds only the latest value; a slow reader
// skips intermediate sessions. The returned func unsubscribes and may be
// called any number of times.
func (h *Holder) Subscribe() (<-chan *Session, func()) {
	ch := make(chan *Session, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	key := h.nextSub
	h.nextSub++
	h.subs[key] = ch
	ch <- h.current.clone()
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[key]; ok {
				delete(h.subs, key)
				close(c)
			}
		})
	}
}

// Close closes every subscriber channel. Later subscriptions receive a closed
// channel.
func (h *Holder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for key, ch := range h.subs {
		delete(h.subs, key)
		close(ch)
	}
}

// set replaces the session and fans it out. Callers hold no lock.
func (h *Holder) set(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.current = s.clone()
	for _, ch := range h.subs {
		// drop the unread value so the send below never blocks
		select {
		case <-ch:
		default:
		}
		ch <- h.current.clone()
	}
}
