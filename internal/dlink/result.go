package dlink

import (
	"errors"
	"fmt"
)

// Result is the terminal outcome of an [Attempt].
type Result uint8

const (
	NoResult Result = iota

	// The negotiation produced a connection.
	SuccessResult

	// This transport address is unusable; try the next one.
	MoveToNextTAResult

	// Something transient went wrong; the same address may work later.
	RetryThisTAResult

	// The peer violated the protocol. Retrying will not help.
	ProtocolErrorResult

	// The attempt was aborted locally.
	ExceptionResult
)

func (r Result) String() string {
	switch r {
	case NoResult:
		return "none"
	case SuccessResult:
		return "success"
	case MoveToNextTAResult:
		return "move_to_next_ta"
	case RetryThisTAResult:
		return "retry_this_ta"
	case ProtocolErrorResult:
		return "protocol_error"
	case ExceptionResult:
		return "exception"
	default:
		return fmt.Sprintf("Result(%d)", uint8(r))
	}
}

var (
	// ErrAlreadyStarted is returned from a second call to [*Attempt.Start].
	ErrAlreadyStarted = errors.New("link attempt already started")

	// ErrAlreadyFinished is returned when trying to finish an attempt twice.
	ErrAlreadyFinished = errors.New("link attempt already finished")

	// ErrTimedOut is the captured error when the peer never answered.
	ErrTimedOut = errors.New("link attempt timed out")
)

// LinkError is a fatal problem in one negotiation.
// A critical LinkError means the transport address itself is wrong.
type LinkError struct {
	Reason   string
	Critical bool

	Err error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return "link failed: " + e.Reason
	}
	return fmt.Sprintf("link failed: %s: %v", e.Reason, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// result maps a LinkError onto the attempt result it causes.
func (e *LinkError) result() Result {
	if e.Critical {
		return MoveToNextTAResult
	}
	return RetryThisTAResult
}
