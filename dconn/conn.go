package dconn

import (
	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dedge"
)

// Connection is the immutable product of a successful link negotiation.
//
// Once created, the Connection is owned by the connection table;
// the negotiating code never touches it again.
type Connection struct {
	// The transport session the negotiation ran on.
	// It stays open and belongs to the owner of the Connection.
	Edge dedge.Edge

	// The negotiated overlay address of the remote node.
	Address daddr.Address

	Type Type

	// The status the remote reported during the second handshake round.
	Status Status
}

// Status is the neighbor information exchanged in the status round.
type Status struct {
	Neighbors []daddr.NodeInfo
}

// Change is published when a connection is added to or removed from the table.
type Change struct {
	Conn Connection

	// If true, the connection has been added.
	// Otherwise, the connection is being removed.
	Adding bool
}
