package dedgetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dedge"
)

// Network connects in-memory listeners and dialers by transport address.
//
// Dialing an address nobody listens on still succeeds,
// returning an edge whose traffic goes nowhere,
// which is how a datagram transport to a dead host behaves.
type Network struct {
	mu sync.Mutex

	listeners map[daddr.TransportAddress]chan dedge.Edge

	nextDialer int
}

func NewNetwork() *Network {
	return &Network{
		listeners: map[daddr.TransportAddress]chan dedge.Edge{},
	}
}

// Listen registers ta and returns the channel of inbound edges for it.
func (n *Network) Listen(ta daddr.TransportAddress) (<-chan dedge.Edge, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[ta]; ok {
		return nil, fmt.Errorf("address %s already in use", ta)
	}

	// Arbitrarily sized.
	ch := make(chan dedge.Edge, 8)
	n.listeners[ta] = ch
	return ch, nil
}

// Dial returns a new edge to ta.
func (n *Network) Dial(ctx context.Context, ta daddr.TransportAddress) (dedge.Edge, error) {
	n.mu.Lock()
	ch := n.listeners[ta]
	n.nextDialer++
	local := daddr.NewTransportAddress(daddr.MemoryScheme, fmt.Sprintf("dialer%d", n.nextDialer))
	n.mu.Unlock()

	mine, theirs := NewPair(local, ta)
	if ch == nil {
		// Black hole: nobody will ever subscribe to theirs.
		return mine, nil
	}

	select {
	case <-ctx.Done():
		_ = mine.Close()
		return nil, context.Cause(ctx)
	case ch <- theirs:
		return mine, nil
	}
}

// Listener adapts the channel returned by [*Network.Listen]
// to an Accept method.
type Listener struct {
	ta daddr.TransportAddress
	ch <-chan dedge.Edge
}

// NewListener listens on ta and returns a Listener for it.
func (n *Network) NewListener(ta daddr.TransportAddress) (*Listener, error) {
	ch, err := n.Listen(ta)
	if err != nil {
		return nil, err
	}
	return &Listener{ta: ta, ch: ch}, nil
}

// TA returns the address the listener was registered on.
func (l *Listener) TA() daddr.TransportAddress {
	return l.ta
}

// Accept returns the next inbound edge.
func (l *Listener) Accept(ctx context.Context) (dedge.Edge, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case e := <-l.ch:
		return e, nil
	}
}
