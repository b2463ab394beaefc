package mcpserver

import "sync"

// ChangeNotifier fans a "something changed" signal out to subscribers.
// Signals coalesce: a subscriber that has not drained its previous signal
// does not receive another one. The zero value is ready to use.
type ChangeNotifier struct {
	mu     sync.Mutex
	subs   map[chan struct{}]struct{}
	closed bool
}

// Notify signals every current subscriber without blocking.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	for ch := range cn.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel receiving signals and a function that
// unsubscribes it. After Close the returned channel is already closed.
func (cn *ChangeNotifier) Subscribe() (<-chan struct{}, func()) {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch, func() {}
	}
	if cn.subs == nil {
		cn.subs = make(map[chan struct{}]struct{})
	}
	cn.subs[ch] = struct{}{}

	return ch, func() {
		cn.mu.Lock()
		defer cn.mu.Unlock()
		if _, ok := cn.subs[ch]; ok {
			delete(cn.subs, ch)
			close(ch)
		}
	}
}

// Close closes all subscriber channels. Later Notify calls are no-ops.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for ch := range cn.subs {
		close(ch)
	}
	cn.subs = nil
}
