package dlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/dedge"
	"github.com/gordian-engine/tether/dtimer"
	"github.com/gordian-engine/tether/internal/dlproto"
	"github.com/gordian-engine/tether/internal/dmetrics"
	"github.com/gordian-engine/tether/internal/dtable"
)

const (
	DefaultInitialTimeout = time.Second
	DefaultMaxTimeouts    = 3
)

// Config is the configuration for [New].
type Config struct {
	// Our own identity and the transport addresses we advertise.
	Local daddr.NodeInfo

	// Both sides must agree on the realm.
	Realm string

	Type dconn.Type

	// The node we intend to reach.
	// The zero address means any node answering on Edge is acceptable.
	Target daddr.Address

	// The session to negotiate on.
	// The attempt subscribes to it in New,
	// and closes it on any outcome other than success.
	Edge dedge.Edge

	Table *dtable.Table

	// Drives the timeout watchdog.
	Heartbeat *dtimer.Heartbeat

	// Time source matching the heartbeat's scheduler,
	// typically [*dtimer.Scheduler.Now].
	Now func() time.Time

	// Provides our neighbors for the status request.
	// If nil, the status request carries no neighbors.
	Status func(ct dconn.Type, remote daddr.Address) dconn.Status

	// Timeout before the first resend.
	// Each later timeout is twice the previous one.
	// Defaults to [DefaultInitialTimeout].
	InitialTimeout time.Duration

	// Number of resends before giving up on the address.
	// Defaults to [DefaultMaxTimeouts].
	MaxTimeouts int

	// Called once, after the result is set and Done is closed,
	// but before the attempt releases its target lock.
	// A holder taking over the lock inside this callback
	// is therefore never racing another requester.
	OnFinished func(*Attempt)

	// Optional.
	Metrics *dmetrics.Metrics
}

func (c *Config) validate() {
	var err error

	if c.Local.Address.IsZero() {
		err = errors.Join(err, errors.New("Local.Address must be set"))
	}
	if !c.Type.Valid() {
		err = errors.Join(err, fmt.Errorf("invalid connection type %s", c.Type))
	}
	if c.Target == c.Local.Address {
		err = errors.Join(err, errors.New("Target must not be the local address"))
	}
	if c.Edge == nil {
		err = errors.Join(err, errors.New("Edge must not be nil"))
	}
	if c.Table == nil {
		err = errors.Join(err, errors.New("Table must not be nil"))
	}
	if c.Heartbeat == nil {
		err = errors.Join(err, errors.New("Heartbeat must not be nil"))
	}
	if c.Now == nil {
		err = errors.Join(err, errors.New("Now must not be nil"))
	}
	if c.InitialTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("InitialTimeout must not be negative (got %s)", c.InitialTimeout))
	}
	if c.MaxTimeouts < 0 {
		err = errors.Join(err, fmt.Errorf("MaxTimeouts must not be negative (got %d)", c.MaxTimeouts))
	}

	if err != nil {
		panic(err)
	}

	if c.InitialTimeout == 0 {
		c.InitialTimeout = DefaultInitialTimeout
	}
	if c.MaxTimeouts == 0 {
		c.MaxTimeouts = DefaultMaxTimeouts
	}
}

type state uint8

const (
	idleState state = iota
	awaitLinkState
	awaitStatusState
	finishedState
)

// Attempt is a single outbound link negotiation.
// It is never reused; the caller creates a new Attempt for every try.
type Attempt struct {
	log *slog.Logger

	cfg Config

	mu sync.Mutex

	st state

	startCalled bool
	started     time.Time

	nextID uint32

	// The request we are waiting on, in both decoded and wire form.
	outstanding dlproto.Message
	outBytes    []byte
	lastSend    time.Time

	timeout  time.Duration
	timeouts int

	// Set while we own the table lock for (lockAddr, cfg.Type).
	holdsLock bool
	lockAddr  daddr.Address

	// Once set, the lock may not be transferred away.
	statusSent bool

	// Whether any valid response has arrived.
	gotResponse bool

	remote daddr.NodeInfo

	result      Result
	conn        dconn.Connection
	hasConn     bool
	err         error
	receivedErr *dlproto.ErrorMessage

	cancelHeartbeat func()

	done chan struct{}
}

var _ dtable.LockHolder = (*Attempt)(nil)
var _ dedge.Handler = (*Attempt)(nil)

// New returns an Attempt subscribed to cfg.Edge.
// Nothing is sent until [*Attempt.Start].
//
// New panics if cfg is invalid.
func New(log *slog.Logger, cfg Config) (*Attempt, error) {
	cfg.validate()

	a := &Attempt{
		log: log.With("remote_ta", cfg.Edge.RemoteTA(), "type", cfg.Type),
		cfg: cfg,

		nextID:  1,
		timeout: cfg.InitialTimeout,

		done: make(chan struct{}),
	}

	if err := cfg.Edge.Subscribe(a); err != nil {
		return nil, fmt.Errorf("failed to subscribe to edge: %w", err)
	}

	return a, nil
}

// Start sends the link request and arms the watchdog.
//
// If the attempt has a specific target, Start first takes its lock;
// failing to do so finishes the attempt with [RetryThisTAResult]
// without sending anything.
func (a *Attempt) Start() error {
	a.mu.Lock()
	if a.startCalled {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	if a.st == finishedState {
		a.mu.Unlock()
		return ErrAlreadyFinished
	}

	now := a.cfg.Now()
	a.startCalled = true
	a.started = now

	if !a.cfg.Target.IsZero() {
		if err := a.setTargetLocked(a.cfg.Target); err != nil {
			cleanup := a.finishLocked(resultForError(err), err)
			a.mu.Unlock()
			cleanup()
			return nil
		}
	}

	m := dlproto.NewRequest(a.takeID(), dlproto.LinkMessage{
		ConnType: a.cfg.Type,
		Realm:    a.cfg.Realm,
		Local:    a.cfg.Local,
		Remote: daddr.NodeInfo{
			Address: a.cfg.Target,
			TAs:     []daddr.TransportAddress{a.cfg.Edge.RemoteTA()},
		},
	})
	b, err := dlproto.Encode(m)
	if err != nil {
		err = fmt.Errorf("failed to encode link request: %w", err)
		cleanup := a.finishLocked(ExceptionResult, err)
		a.mu.Unlock()
		cleanup()
		return nil
	}

	a.outstanding = m
	a.outBytes = b
	a.lastSend = now
	a.st = awaitLinkState
	a.cancelHeartbeat = a.cfg.Heartbeat.Subscribe(a.tick)
	a.mu.Unlock()

	a.send(b)
	return nil
}

// Abort finishes a running attempt with [ExceptionResult] and the given cause.
// It returns [ErrAlreadyFinished] if the attempt had already finished.
func (a *Attempt) Abort(cause error) error {
	a.mu.Lock()
	if a.st == finishedState {
		a.mu.Unlock()
		return ErrAlreadyFinished
	}
	cleanup := a.finishLocked(ExceptionResult, cause)
	a.mu.Unlock()

	cleanup()
	return nil
}

// Done is closed when the attempt has a result.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Result returns the terminal result, or [NoResult] while running.
func (a *Attempt) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Connection returns the established connection.
// It is only present after [SuccessResult].
func (a *Attempt) Connection() (dconn.Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn, a.hasConn
}

// Err returns the error captured when the attempt finished, if any.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// ReceivedError returns the error response from the peer that ended the attempt, if any.
func (a *Attempt) ReceivedError() (dlproto.ErrorMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.receivedErr == nil {
		return dlproto.ErrorMessage{}, false
	}
	return *a.receivedErr, true
}

// TA returns the remote transport address of the attempt's edge.
func (a *Attempt) TA() daddr.TransportAddress {
	return a.cfg.Edge.RemoteTA()
}

// HoldsLock reports whether the attempt currently owns its target lock.
func (a *Attempt) HoldsLock() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.holdsLock
}

// LockedAddress returns the address whose target lock the attempt owns, if any.
func (a *Attempt) LockedAddress() (daddr.Address, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lockAddr, a.holdsLock
}

func (a *Attempt) HolderKind() dtable.HolderKind {
	return dtable.LinkAttemptHolder
}

// AllowLockTransfer gives up the lock when the attempt is finished.
// A running attempt never yields to another attempt.
// It yields to any other holder only before it has sent its status request,
// and only when the peer address sorts after ours,
// so that of two nodes linking to each other,
// exactly one side's outbound attempt survives.
func (a *Attempt) AllowLockTransfer(addr daddr.Address, ct dconn.Type, to dtable.LockHolder) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	allow := false
	switch {
	case a.st == finishedState:
		allow = true
	case to.HolderKind() == dtable.LinkAttemptHolder:
		allow = false
	default:
		allow = !a.statusSent &&
			a.holdsLock &&
			addr == a.lockAddr &&
			ct == a.cfg.Type &&
			addr.Compare(a.cfg.Local.Address) > 0
	}

	if allow {
		a.holdsLock = false
		a.log.Debug("Yielding target lock", "to", to.HolderKind(), "addr", addr.Short())
	}
	return allow
}

func (a *Attempt) takeID() uint32 {
	id := a.nextID
	a.nextID++
	return id
}

// setTargetLocked takes the table lock for target.
// It may be called again with the same target.
// a.mu must be held.
func (a *Attempt) setTargetLocked(target daddr.Address) error {
	if a.holdsLock {
		if target != a.lockAddr {
			return &LinkError{
				Reason: fmt.Sprintf("already locked %s, cannot lock %s", a.lockAddr.Short(), target.Short()),
			}
		}
		return nil
	}

	if target == a.cfg.Local.Address {
		return &LinkError{Reason: "cannot connect to self"}
	}

	if err := a.cfg.Table.Lock(target, a.cfg.Type, a); err != nil {
		var ace *dtable.AlreadyConnectedError
		if errors.As(err, &ace) {
			return &LinkError{Reason: "already connected", Err: err}
		}
		return err
	}

	a.holdsLock = true
	a.lockAddr = target
	return nil
}

// finishLocked records the result and returns the cleanup
// that must run after a.mu is released.
func (a *Attempt) finishLocked(res Result, err error) func() {
	if a.st == finishedState {
		panic(errors.New("BUG: finishLocked called on finished attempt"))
	}

	a.st = finishedState
	a.result = res
	a.err = err

	cancelHeartbeat := a.cancelHeartbeat
	a.cancelHeartbeat = nil

	closeEdge := !a.hasConn
	graceful := a.gotResponse

	var closeMsg []byte
	if closeEdge && graceful {
		b, encErr := dlproto.Encode(dlproto.NewRequest(a.takeID(), dlproto.CloseMessage{
			Reason: res.String(),
		}))
		if encErr != nil {
			panic(fmt.Errorf("BUG: failed to encode close message: %w", encErr))
		}
		closeMsg = b
	}

	started := a.startCalled
	var elapsed time.Duration
	if started {
		elapsed = a.cfg.Now().Sub(a.started)
	}

	return func() {
		a.cfg.Edge.Unsubscribe(a)
		if cancelHeartbeat != nil {
			cancelHeartbeat()
		}

		if closeEdge {
			if closeMsg != nil {
				a.send(closeMsg)
			}
			if cerr := a.cfg.Edge.Close(); cerr != nil {
				a.log.Debug("Error closing edge after failed attempt", "err", cerr)
			}
		}

		if started {
			a.cfg.Metrics.AttemptFinished(a.cfg.Type, res.String(), res == SuccessResult, elapsed)
		}
		if res == SuccessResult {
			a.log.Info("Link attempt succeeded", "elapsed", elapsed)
		} else {
			a.log.Debug("Link attempt finished", "result", res, "err", err, "graceful_close", graceful)
		}

		close(a.done)

		if a.cfg.OnFinished != nil {
			a.cfg.OnFinished(a)
		}

		a.releaseLock()
	}
}

func (a *Attempt) releaseLock() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.holdsLock {
		return
	}
	a.cfg.Table.Unlock(a.lockAddr, a.cfg.Type, a)
	a.holdsLock = false
}

func (a *Attempt) send(b []byte) {
	if err := a.cfg.Edge.Send(b); err != nil {
		// The watchdog resends, and a closed edge reports itself separately.
		a.log.Debug("Failed to send link message", "err", err)
	}
}
