// Package daccept contains [Responder], the inbound half of link negotiation.
//
// One Responder serves one accepted edge.
// It answers the link request, holds the target lock until the status round,
// then adds the connection to the table and keeps watching the edge
// so that a closed edge removes its connection.
package daccept
