package tether

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gordian-engine/tether/daddr"
)

// ErrAttemptInProgress is returned from [*Node.LinkShortcut]
// when a shortcut to the same target is already being negotiated.
var ErrAttemptInProgress = errors.New("link attempt to target already in progress")

// UnreachableError is returned when every transport address of a target failed.
type UnreachableError struct {
	// Zero when the link had no particular target.
	Target daddr.Address

	Tried []daddr.TransportAddress
}

func (e *UnreachableError) Error() string {
	tried := make([]string, len(e.Tried))
	for i, ta := range e.Tried {
		tried[i] = ta.String()
	}

	who := "any node"
	if !e.Target.IsZero() {
		who = e.Target.String()
	}
	return fmt.Sprintf("%s unreachable (tried %s)", who, strings.Join(tried, ", "))
}

// LinkFailedError is returned when a negotiation ended in a way
// that trying other addresses would not fix.
type LinkFailedError struct {
	TA daddr.TransportAddress

	// The attempt result, such as "protocol_error".
	Result string

	Cause error
}

func (e *LinkFailedError) Error() string {
	return fmt.Sprintf("link via %s failed (%s): %v", e.TA, e.Result, e.Cause)
}

func (e *LinkFailedError) Unwrap() error {
	return e.Cause
}

// ErrNotConnected is returned from [*Node.Disconnect]
// when the table has no connection of that type to the address.
var ErrNotConnected = errors.New("not connected")
