package dtest

import (
	"testing"
	"time"
)

// ScaleDuration is the base wait for "soon" assertions.
// Raise it when running under a slow race detector if needed.
const ScaleDuration = 200 * time.Millisecond

// ReceiveSoon returns the next value from ch,
// failing t if nothing arrives within [ScaleDuration].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("did not receive value within %s", ScaleDuration)
	}

	panic("unreachable")
}

// SendSoon sends v on ch, failing t if the send blocks past [ScaleDuration].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case ch <- v:
	case <-timer.C:
		t.Fatalf("could not send value within %s", ScaleDuration)
	}
}

// NotSending fails t if ch has a value ready or becomes ready very shortly.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	timer := time.NewTimer(ScaleDuration / 10)
	defer timer.Stop()

	select {
	case v := <-ch:
		t.Fatalf("expected no value, got %v", v)
	case <-timer.C:
	}
}

// IsClosedSoon fails t unless ch closes within [ScaleDuration].
func IsClosedSoon(t testing.TB, ch <-chan struct{}) {
	t.Helper()

	_ = ReceiveSoon(t, ch)
}
