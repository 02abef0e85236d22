package daddr

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// TransportAddress is a URI-style description of a transport endpoint,
// for example "udp://192.0.2.1:4000" or "quic://peer.example:4433".
//
// The zero value is the empty string and means "unknown".
type TransportAddress string

// Known transport schemes.
const (
	UDPScheme    = "udp"
	TCPScheme    = "tcp"
	QUICScheme   = "quic"
	MemoryScheme = "mem"
)

// NewTransportAddress builds a TransportAddress from a scheme and a host:port pair.
func NewTransportAddress(scheme, hostPort string) TransportAddress {
	return TransportAddress(scheme + "://" + hostPort)
}

// ParseTransportAddress validates s and returns it as a TransportAddress.
//
// The host:port part is only checked for shape;
// memory transports may use free-form hosts.
func ParseTransportAddress(s string) (TransportAddress, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid transport address %q: %w", s, err)
	}

	switch u.Scheme {
	case UDPScheme, TCPScheme, QUICScheme:
		if _, _, err := net.SplitHostPort(u.Host); err != nil {
			return "", fmt.Errorf("invalid transport address %q: %w", s, err)
		}
	case MemoryScheme:
		if u.Host == "" {
			return "", fmt.Errorf("invalid transport address %q: missing host", s)
		}
	default:
		return "", fmt.Errorf("invalid transport address %q: unknown scheme %q", s, u.Scheme)
	}

	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("invalid transport address %q: unexpected path", s)
	}

	return TransportAddress(s), nil
}

// Scheme returns the scheme portion of ta, or the empty string.
func (ta TransportAddress) Scheme() string {
	s, _, ok := strings.Cut(string(ta), "://")
	if !ok {
		return ""
	}
	return s
}

// HostPort returns everything after the scheme separator.
func (ta TransportAddress) HostPort() string {
	_, hp, ok := strings.Cut(string(ta), "://")
	if !ok {
		return string(ta)
	}
	return strings.TrimSuffix(hp, "/")
}

func (ta TransportAddress) String() string {
	return string(ta)
}
