// Package dlink contains [Attempt], the state machine for one outbound
// link negotiation over one transport session.
//
// An Attempt sends a link request, waits for the link response,
// takes the target lock, sends a status request,
// and on the status response produces a [dconn.Connection].
// Every other path ends in a [Result] telling the caller
// whether to retry the same transport address, move to the next one,
// or give up.
//
// All transitions of one Attempt happen under its mutex,
// driven either by an inbound message or by a heartbeat tick.
// Sends always happen after the mutex is released.
package dlink
