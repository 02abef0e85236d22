package dtable

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/internal/dmetrics"
)

// ErrLockHeld is returned by [*Table.Lock]
// when another holder owns the lock and declined to transfer it.
var ErrLockHeld = errors.New("target lock held by another holder")

// AlreadyConnectedError is returned when an established connection
// already exists for the requested key.
type AlreadyConnectedError struct {
	Address daddr.Address
	Type    dconn.Type
}

func (e *AlreadyConnectedError) Error() string {
	return fmt.Sprintf("already connected to %s with type %s", e.Address, e.Type)
}

// maxTransferRaces bounds how many times Lock retries
// when the holder changes between consent and takeover.
const maxTransferRaces = 8

type key struct {
	a  daddr.Address
	ct dconn.Type
}

// Table holds established connections and target locks.
// All methods are safe for concurrent use.
type Table struct {
	log *slog.Logger

	metrics *dmetrics.Metrics

	mu      sync.Mutex
	locks   map[key]LockHolder
	conns   map[key]dconn.Connection
	changes *dconn.ChangeStream
}

// New returns an empty Table.
// The metrics value may be nil.
func New(log *slog.Logger, m *dmetrics.Metrics) *Table {
	return &Table{
		log:     log,
		metrics: m,

		locks:   map[key]LockHolder{},
		conns:   map[key]dconn.Connection{},
		changes: dconn.NewChangeStream(),
	}
}

// Lock acquires the lock for (a, ct) on behalf of h.
//
// Locking a key that h already holds succeeds.
// If the key has an established connection,
// Lock returns an [*AlreadyConnectedError].
// If another holder owns the lock and refuses
// [LockHolder.AllowLockTransfer], Lock returns an error wrapping [ErrLockHeld].
func (t *Table) Lock(a daddr.Address, ct dconn.Type, h LockHolder) error {
	if h == nil {
		panic(errors.New("BUG: Lock called with nil holder"))
	}

	k := key{a: a, ct: ct}

	for range maxTransferRaces {
		t.mu.Lock()
		if _, ok := t.conns[k]; ok {
			t.mu.Unlock()
			return &AlreadyConnectedError{Address: a, Type: ct}
		}

		cur, ok := t.locks[k]
		if !ok {
			t.locks[k] = h
			t.mu.Unlock()
			return nil
		}
		if cur == h {
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()

		// The holder may take its own mutex, so ask without ours.
		if !cur.AllowLockTransfer(a, ct, h) {
			return fmt.Errorf(
				"cannot lock %s/%s for %s (held by %s): %w",
				a.Short(), ct, h.HolderKind(), cur.HolderKind(), ErrLockHeld,
			)
		}

		t.mu.Lock()
		if _, ok := t.conns[k]; ok {
			t.mu.Unlock()
			return &AlreadyConnectedError{Address: a, Type: ct}
		}
		if t.locks[k] == cur {
			t.locks[k] = h
			t.mu.Unlock()

			t.metrics.LockTransferred()
			t.log.Debug(
				"Transferred target lock",
				"addr", a.Short(), "type", ct,
				"from", cur.HolderKind(), "to", h.HolderKind(),
			)
			return nil
		}
		t.mu.Unlock()

		// The holder changed after it consented; start over.
	}

	return fmt.Errorf(
		"cannot lock %s/%s: holder kept changing: %w", a.Short(), ct, ErrLockHeld,
	)
}

// TryLock is [*Table.Lock], reporting only whether it succeeded.
func (t *Table) TryLock(a daddr.Address, ct dconn.Type, h LockHolder) bool {
	return t.Lock(a, ct, h) == nil
}

// Unlock releases the lock for (a, ct) if h holds it,
// and reports whether it did.
func (t *Table) Unlock(a daddr.Address, ct dconn.Type, h LockHolder) bool {
	k := key{a: a, ct: ct}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.locks[k] != h {
		return false
	}
	delete(t.locks, k)
	return true
}

// Holder returns the current holder of the lock for (a, ct), if any.
func (t *Table) Holder(a daddr.Address, ct dconn.Type) (LockHolder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.locks[key{a: a, ct: ct}]
	return h, ok
}

// Contains reports whether an established connection exists for (ct, a).
func (t *Table) Contains(ct dconn.Type, a daddr.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.conns[key{a: a, ct: ct}]
	return ok
}

// Get returns the established connection for (ct, a), if any.
func (t *Table) Get(ct dconn.Type, a daddr.Address) (dconn.Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[key{a: a, ct: ct}]
	return c, ok
}

// Add records c as established and publishes the change.
// It returns an [*AlreadyConnectedError] if a connection
// for the same address and type already exists.
//
// Add does not touch the target lock;
// callers holding it release it separately.
func (t *Table) Add(c dconn.Connection) error {
	k := key{a: c.Address, ct: c.Type}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[k]; ok {
		return &AlreadyConnectedError{Address: c.Address, Type: c.Type}
	}

	t.conns[k] = c
	t.changes = t.changes.Publish(dconn.Change{Conn: c, Adding: true})
	return nil
}

// Remove deletes the connection for (ct, a),
// publishing the change and returning the removed connection.
func (t *Table) Remove(ct dconn.Type, a daddr.Address) (dconn.Connection, bool) {
	k := key{a: a, ct: ct}

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[k]
	if !ok {
		return dconn.Connection{}, false
	}

	delete(t.conns, k)
	t.changes = t.changes.Publish(dconn.Change{Conn: c, Adding: false})
	return c, true
}

// Connections returns the established connections of type ct,
// ordered by remote address.
func (t *Table) Connections(ct dconn.Type) []dconn.Connection {
	t.mu.Lock()
	out := make([]dconn.Connection, 0, len(t.conns))
	for k, c := range t.conns {
		if k.ct == ct {
			out = append(out, c)
		}
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b dconn.Connection) int {
		return a.Address.Compare(b.Address)
	})
	return out
}

// Changes returns the unpublished tail of the change stream.
// Every Add or Remove after this call is visible by following it.
func (t *Table) Changes() *dconn.ChangeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changes
}
