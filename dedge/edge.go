// Package dedge defines the transport session contract that link negotiation runs on.
//
// An [Edge] is an unreliable, message-oriented channel to one remote transport address.
// Concrete transports live in subpackages; [Dispatcher] holds the subscription
// bookkeeping they all share.
package dedge

import (
	"errors"

	"github.com/gordian-engine/tether/daddr"
)

var (
	// ErrClosed is returned when operating on an edge that has been closed.
	ErrClosed = errors.New("edge closed")

	// ErrAlreadySubscribed is returned from [Edge.Subscribe]
	// when another handler is already subscribed.
	ErrAlreadySubscribed = errors.New("edge already has a subscriber")
)

// Edge is one transport session to a remote endpoint.
type Edge interface {
	// Send queues p for delivery.
	// Delivery is not guaranteed even when Send returns nil.
	Send(p []byte) error

	// Subscribe registers h for inbound messages and the close notification.
	// At most one handler may be subscribed at a time.
	Subscribe(h Handler) error

	// Unsubscribe removes h if it is the current subscriber.
	// A delivery already in progress is not interrupted.
	Unsubscribe(h Handler)

	// Close closes the session.
	// The close notification is delivered to any current subscriber.
	// Closing more than once is harmless.
	Close() error

	LocalTA() daddr.TransportAddress
	RemoteTA() daddr.TransportAddress
}

// Handler receives events from an [Edge].
//
// Calls happen on the transport's goroutine,
// so implementations must not block for long.
type Handler interface {
	HandleData(e Edge, p []byte)

	// HandleClose is called at most once,
	// when the edge closes while h is subscribed.
	HandleClose(e Edge)
}
