// Package dguard tracks outstanding supplementary connection work per target,
// so that a caller never launches a second attempt at a peer
// while one is already in flight.
package dguard

import (
	"slices"

	"github.com/gordian-engine/tether/daddr"
)

// Guard is the bookkeeping for one target.
//
// C identifies the thing that discovers a way to reach the target,
// and A identifies an attempt that is acting on that discovery.
// A Guard is not safe for concurrent use; see [Set].
type Guard[C, A comparable] struct {
	target daddr.Address

	connector    C
	hasConnector bool

	// Most recently added first.
	attempts []A
}

// New returns an empty Guard for target.
func New[C, A comparable](target daddr.Address) *Guard[C, A] {
	return &Guard[C, A]{target: target}
}

// Target returns the address g was created for.
func (g *Guard[C, A]) Target() daddr.Address {
	return g.target
}

// CanAttempt reports whether there is neither a connector nor any attempt recorded.
func (g *Guard[C, A]) CanAttempt() bool {
	return !g.hasConnector && len(g.attempts) == 0
}

// RecordConnector sets c as the active connector, replacing any previous one.
func (g *Guard[C, A]) RecordConnector(c C) {
	g.connector = c
	g.hasConnector = true
}

// ClearConnector removes the active connector, if any.
func (g *Guard[C, A]) ClearConnector() {
	var zero C
	g.connector = zero
	g.hasConnector = false
}

// Connector returns the active connector, if any.
func (g *Guard[C, A]) Connector() (C, bool) {
	return g.connector, g.hasConnector
}

// AddAttempt records a as unfinished.
func (g *Guard[C, A]) AddAttempt(a A) {
	g.attempts = slices.Insert(g.attempts, 0, a)
}

// RemoveAttempt forgets a.
// Removing an attempt that was never added is a no-op.
func (g *Guard[C, A]) RemoveAttempt(a A) {
	if i := slices.Index(g.attempts, a); i >= 0 {
		g.attempts = slices.Delete(g.attempts, i, i+1)
	}
}

// ContainsAttempt reports whether a is recorded.
func (g *Guard[C, A]) ContainsAttempt(a A) bool {
	return slices.Contains(g.attempts, a)
}

// Attempts returns a copy of the recorded attempts, most recent first.
func (g *Guard[C, A]) Attempts() []A {
	return slices.Clone(g.attempts)
}
