// Package tether establishes overlay links between nodes.
//
// A [Node] answers inbound link negotiation on every edge handed to
// [*Node.Accept] or [*Node.Serve], and runs outbound negotiation through
// [*Node.Link] and [*Node.LinkShortcut].
// Each negotiation tries a target's transport addresses in order,
// retrying transient failures with a growing delay,
// until one produces a connection or all of them are exhausted.
//
// Two nodes that link to each other at the same moment
// end up with exactly one connection:
// the exclusive per-target lock is handed to the inbound side
// whenever the remote address sorts after the local one.
package tether
