package dedgequic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dedge"
	"github.com/quic-go/quic-go"
)

// DefaultQUICConfig returns the QUIC settings edges need.
// Datagrams must be enabled on both sides.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,

		HandshakeIdleTimeout: 5 * time.Second,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}
}

func withDatagrams(c *quic.Config) *quic.Config {
	if c == nil {
		return DefaultQUICConfig()
	}
	c = c.Clone()
	c.EnableDatagrams = true
	return c
}

// Dialer opens edges to quic:// transport addresses.
type Dialer struct {
	Log *slog.Logger

	TLSConfig *tls.Config

	// Optional; datagrams are enabled regardless.
	QUICConfig *quic.Config
}

// Dial connects to ta, which must use the quic scheme.
func (d Dialer) Dial(ctx context.Context, ta daddr.TransportAddress) (dedge.Edge, error) {
	if ta.Scheme() != daddr.QUICScheme {
		return nil, fmt.Errorf("cannot dial %s: scheme must be %q", ta, daddr.QUICScheme)
	}
	if d.TLSConfig == nil {
		return nil, errors.New("cannot dial without TLS config")
	}

	qc, err := quic.DialAddr(ctx, ta.HostPort(), d.TLSConfig, withDatagrams(d.QUICConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", ta, err)
	}

	return newEdge(d.Log.With("remote_ta", ta), qc), nil
}

// Listener accepts edges on one UDP address.
type Listener struct {
	log *slog.Logger

	ql *quic.Listener
}

// Listen starts a QUIC listener on addr, for example "127.0.0.1:0".
func Listen(log *slog.Logger, addr string, tlsConf *tls.Config, qConf *quic.Config) (*Listener, error) {
	ql, err := quic.ListenAddr(addr, tlsConf, withDatagrams(qConf))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Listener{log: log, ql: ql}, nil
}

// TA returns the transport address peers can dial.
func (l *Listener) TA() daddr.TransportAddress {
	return TransportAddress(l.ql.Addr())
}

// Accept blocks until a peer connects or ctx is canceled.
func (l *Listener) Accept(ctx context.Context) (dedge.Edge, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}

	e := newEdge(l.log.With("remote_ta", TransportAddress(qc.RemoteAddr())), qc)
	return e, nil
}

// Close stops accepting new edges.
// Edges already accepted stay open.
func (l *Listener) Close() error {
	return l.ql.Close()
}
