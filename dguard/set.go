package dguard

import (
	"sync"

	"github.com/gordian-engine/tether/daddr"
)

// Set is a concurrency-safe collection of [Guard] values keyed by target.
// Guards are created on demand and discarded once they allow attempts again.
type Set[C, A comparable] struct {
	mu     sync.Mutex
	guards map[daddr.Address]*Guard[C, A]
}

// NewSet returns an empty Set.
func NewSet[C, A comparable]() *Set[C, A] {
	return &Set[C, A]{
		guards: map[daddr.Address]*Guard[C, A]{},
	}
}

// TryRecordConnector records c for target only if target's guard allows an attempt.
// It reports whether c was recorded.
func (s *Set[C, A]) TryRecordConnector(target daddr.Address, c C) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.getLocked(target)
	if !g.CanAttempt() {
		return false
	}
	g.RecordConnector(c)
	return true
}

// CanAttempt reports whether target's guard allows an attempt.
func (s *Set[C, A]) CanAttempt(target daddr.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.guards[target]
	return !ok || g.CanAttempt()
}

// Update runs fn with target's guard while holding the set's lock.
// fn must not retain g.
func (s *Set[C, A]) Update(target daddr.Address, fn func(g *Guard[C, A])) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.getLocked(target))
	s.pruneLocked(target)
}

// ClearConnector removes target's connector.
func (s *Set[C, A]) ClearConnector(target daddr.Address) {
	s.Update(target, (*Guard[C, A]).ClearConnector)
}

// AddAttempt records a as unfinished for target.
func (s *Set[C, A]) AddAttempt(target daddr.Address, a A) {
	s.Update(target, func(g *Guard[C, A]) { g.AddAttempt(a) })
}

// RemoveAttempt forgets a for target.
func (s *Set[C, A]) RemoveAttempt(target daddr.Address, a A) {
	s.Update(target, func(g *Guard[C, A]) { g.RemoveAttempt(a) })
}

// Len reports how many targets currently block new attempts.
func (s *Set[C, A]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.guards)
}

func (s *Set[C, A]) getLocked(target daddr.Address) *Guard[C, A] {
	g, ok := s.guards[target]
	if !ok {
		g = New[C, A](target)
		s.guards[target] = g
	}
	return g
}

func (s *Set[C, A]) pruneLocked(target daddr.Address) {
	if g, ok := s.guards[target]; ok && g.CanAttempt() {
		delete(s.guards, target)
	}
}
