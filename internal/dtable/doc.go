// Package dtable contains the [Table] of established connections
// and the exclusive per-target locks that guard negotiation.
//
// A target lock is keyed by (peer address, connection type).
// At most one [LockHolder] owns a key at a time,
// and a key with an established connection cannot be locked at all.
// A second requester may still take a held lock
// if the current holder agrees through [LockHolder.AllowLockTransfer];
// that is how two nodes linking to each other at the same time
// settle on exactly one negotiation.
package dtable
