// Package dedgequic carries [dedge.Edge] traffic over QUIC datagrams.
//
// Each edge is one QUIC connection with datagrams enabled.
// Link messages are small and the negotiation already tolerates loss,
// so no streams are opened.
package dedgequic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dedge"
	"github.com/quic-go/quic-go"
)

// Application error codes used when closing the QUIC connection.
const (
	closedErrorCode quic.ApplicationErrorCode = 0x100
)

// datagramConn is the subset of a QUIC connection that an Edge uses.
type datagramConn interface {
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
	CloseWithError(quic.ApplicationErrorCode, string) error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Edge is a [dedge.Edge] over one QUIC connection.
type Edge struct {
	dedge.Dispatcher

	log *slog.Logger

	qc datagramConn

	local, remote daddr.TransportAddress

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

var _ dedge.Edge = (*Edge)(nil)

func newEdge(log *slog.Logger, qc datagramConn) *Edge {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Edge{
		log: log,
		qc:  qc,

		local:  TransportAddress(qc.LocalAddr()),
		remote: TransportAddress(qc.RemoteAddr()),

		cancel: cancel,
		done:   make(chan struct{}),
	}

	go e.readLoop(ctx)

	return e
}

// TransportAddress returns the quic:// transport address for a.
func TransportAddress(a net.Addr) daddr.TransportAddress {
	return daddr.NewTransportAddress(daddr.QUICScheme, a.String())
}

func (e *Edge) readLoop(ctx context.Context) {
	defer close(e.done)

	for {
		p, err := e.qc.ReceiveDatagram(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.log.Debug("Datagram receive ended", "err", err)
			}
			e.MarkClosed(e)
			return
		}

		e.Deliver(e, p)
	}
}

func (e *Edge) Send(p []byte) error {
	if e.IsClosed() {
		return dedge.ErrClosed
	}
	if err := e.qc.SendDatagram(p); err != nil {
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	return nil
}

func (e *Edge) Subscribe(h dedge.Handler) error {
	return e.Dispatcher.Subscribe(e, h)
}

// Close closes the underlying QUIC connection.
// It is safe to call from a handler running on the edge's read goroutine;
// use [*Edge.Wait] to block until that goroutine has stopped.
func (e *Edge) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.qc.CloseWithError(closedErrorCode, "edge closed")
		e.cancel()
		e.MarkClosed(e)
	})
	return err
}

// Wait blocks until the read goroutine has stopped.
func (e *Edge) Wait() {
	<-e.done
}

func (e *Edge) LocalTA() daddr.TransportAddress  { return e.local }
func (e *Edge) RemoteTA() daddr.TransportAddress { return e.remote }
