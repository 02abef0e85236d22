// Package daddr contains the two address kinds used when linking peers.
//
// An [Address] identifies a node in the overlay, independent of how it is reached.
// A [TransportAddress] names one concrete way to reach a node,
// such as a UDP or QUIC endpoint.
// Linking is the act of turning a TransportAddress into
// a verified connection to a particular Address.
package daddr
