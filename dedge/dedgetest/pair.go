// Package dedgetest contains in-memory [dedge.Edge] implementations for tests.
package dedgetest

import (
	"sync"
	"sync/atomic"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dedge"
)

// PairEdge is one end of an in-memory edge pair created by [NewPair].
//
// Each end delivers inbound messages on its own goroutine,
// in the order they were sent.
// Closing either end closes both.
type PairEdge struct {
	dedge.Dispatcher

	local, remote daddr.TransportAddress

	peer *PairEdge

	in chan []byte

	closeOnce sync.Once
	done      chan struct{}

	drop atomic.Pointer[func([]byte) bool]
}

var _ dedge.Edge = (*PairEdge)(nil)

// NewPair returns two connected edges.
// The first has local address a; the second has local address b.
func NewPair(a, b daddr.TransportAddress) (*PairEdge, *PairEdge) {
	ea := newPairEdge(a, b)
	eb := newPairEdge(b, a)
	ea.peer = eb
	eb.peer = ea

	go ea.run()
	go eb.run()

	return ea, eb
}

func newPairEdge(local, remote daddr.TransportAddress) *PairEdge {
	return &PairEdge{
		local:  local,
		remote: remote,

		// Arbitrarily sized; sends beyond this are dropped.
		in: make(chan []byte, 64),

		done: make(chan struct{}),
	}
}

func (e *PairEdge) run() {
	for {
		select {
		case <-e.done:
			return
		case p := <-e.in:
			e.Deliver(e, p)
		}
	}
}

// SetDropFilter installs fn to decide whether an outgoing message is silently lost.
// A nil fn restores lossless sends.
func (e *PairEdge) SetDropFilter(fn func(p []byte) bool) {
	if fn == nil {
		e.drop.Store(nil)
		return
	}
	e.drop.Store(&fn)
}

func (e *PairEdge) Send(p []byte) error {
	select {
	case <-e.done:
		return dedge.ErrClosed
	default:
	}

	if fn := e.drop.Load(); fn != nil && (*fn)(p) {
		return nil
	}

	cp := append([]byte(nil), p...)
	select {
	case e.peer.in <- cp:
	case <-e.peer.done:
	default:
		// Peer is not keeping up; lose the message.
	}
	return nil
}

func (e *PairEdge) Subscribe(h dedge.Handler) error {
	return e.Dispatcher.Subscribe(e, h)
}

func (e *PairEdge) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.MarkClosed(e)
		_ = e.peer.Close()
	})
	return nil
}

func (e *PairEdge) LocalTA() daddr.TransportAddress  { return e.local }
func (e *PairEdge) RemoteTA() daddr.TransportAddress { return e.remote }
