package dtable

import (
	"fmt"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
)

// HolderKind identifies the role of a [LockHolder]
// without resorting to type inspection.
type HolderKind uint8

const (
	// Keep zero reserved.

	// The orchestrator that runs successive attempts for one target.
	LinkerHolder HolderKind = 1

	// A single outbound negotiation.
	LinkAttemptHolder HolderKind = 2

	// Anything else, such as the inbound responder.
	OtherHolder HolderKind = 3
)

func (k HolderKind) String() string {
	switch k {
	case LinkerHolder:
		return "Linker"
	case LinkAttemptHolder:
		return "LinkAttempt"
	case OtherHolder:
		return "Other"
	default:
		return fmt.Sprintf("HolderKind(%d)", uint8(k))
	}
}

// LockHolder is anything that may own a target lock.
//
// Holders are compared by identity,
// so implementations should be pointer types.
type LockHolder interface {
	HolderKind() HolderKind

	// AllowLockTransfer is consulted when to asks for the lock that the receiver holds.
	// Returning true gives up the lock;
	// the receiver must then stop treating the lock as its own
	// before returning.
	//
	// The table calls this method without holding any of its own locks,
	// so implementations may take their own mutex.
	// Implementations must not call back into the table.
	AllowLockTransfer(a daddr.Address, ct dconn.Type, to LockHolder) bool
}
