package dedge

import "sync"

// maxBacklog is how many messages a Dispatcher holds
// while nobody is subscribed.
// Anything beyond that is dropped, as an unreliable transport may do.
const maxBacklog = 16

// Dispatcher implements the subscription half of [Edge].
// Transports embed it and call [*Dispatcher.Deliver] and [*Dispatcher.MarkClosed].
//
// No lock is held while a handler runs,
// so a handler may freely call back into the edge.
type Dispatcher struct {
	mu sync.Mutex

	h       Handler
	closed  bool
	backlog [][]byte
}

// Subscribe sets h as the subscriber.
// Messages that arrived while nobody was subscribed are handed to h
// before Subscribe returns.
func (d *Dispatcher) Subscribe(self Edge, h Handler) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.h != nil {
		d.mu.Unlock()
		return ErrAlreadySubscribed
	}

	d.h = h
	backlog := d.backlog
	d.backlog = nil
	d.mu.Unlock()

	for _, p := range backlog {
		h.HandleData(self, p)
	}

	return nil
}

// Unsubscribe clears the subscriber if it is h.
func (d *Dispatcher) Unsubscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.h == h {
		d.h = nil
	}
}

// Deliver passes p to the current subscriber,
// or keeps it for the next subscriber if there is none.
func (d *Dispatcher) Deliver(self Edge, p []byte) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	h := d.h
	if h == nil {
		if len(d.backlog) < maxBacklog {
			d.backlog = append(d.backlog, p)
		}
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	h.HandleData(self, p)
}

// MarkClosed records that the edge is closed
// and notifies the subscriber, if any.
// It reports whether this was the first call.
func (d *Dispatcher) MarkClosed(self Edge) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}

	d.closed = true
	h := d.h
	d.h = nil
	d.backlog = nil
	d.mu.Unlock()

	if h != nil {
		h.HandleClose(self)
	}
	return true
}

// IsClosed reports whether [*Dispatcher.MarkClosed] has been called.
func (d *Dispatcher) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
