package dedgetest

import (
	"errors"
	"sync"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dedge"
)

// StubEdge is a synchronous [dedge.Edge] for unit tests.
//
// Outgoing messages appear on the Sent channel;
// the test injects inbound messages with [*StubEdge.Inject],
// which calls the subscriber on the test goroutine.
type StubEdge struct {
	dedge.Dispatcher

	Local, Remote daddr.TransportAddress

	// Every successful Send is copied here.
	Sent chan []byte

	mu         sync.Mutex
	closeCalls int
	sendErr    error
}

var _ dedge.Edge = (*StubEdge)(nil)

// NewStubEdge returns a StubEdge with a generously buffered Sent channel.
func NewStubEdge(local, remote daddr.TransportAddress) *StubEdge {
	return &StubEdge{
		Local:  local,
		Remote: remote,
		Sent:   make(chan []byte, 64),
	}
}

// FailSends makes every later Send return err.
func (e *StubEdge) FailSends(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendErr = err
}

func (e *StubEdge) Send(p []byte) error {
	if e.IsClosed() {
		return dedge.ErrClosed
	}

	e.mu.Lock()
	err := e.sendErr
	e.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case e.Sent <- append([]byte(nil), p...):
		return nil
	default:
		panic(errors.New("BUG: StubEdge.Sent is full; drain it in the test"))
	}
}

func (e *StubEdge) Subscribe(h dedge.Handler) error {
	return e.Dispatcher.Subscribe(e, h)
}

// Inject delivers p as though it arrived from the remote.
func (e *StubEdge) Inject(p []byte) {
	e.Deliver(e, p)
}

// Close counts the call and delivers the close notification.
func (e *StubEdge) Close() error {
	e.mu.Lock()
	e.closeCalls++
	e.mu.Unlock()

	e.MarkClosed(e)
	return nil
}

// CloseCalls reports how many times Close was called.
func (e *StubEdge) CloseCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCalls
}

// SimulateRemoteClose marks the edge closed without counting a local Close call.
func (e *StubEdge) SimulateRemoteClose() {
	e.MarkClosed(e)
}

func (e *StubEdge) LocalTA() daddr.TransportAddress  { return e.Local }
func (e *StubEdge) RemoteTA() daddr.TransportAddress { return e.Remote }
