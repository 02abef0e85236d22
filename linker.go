package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/dedge"
	"github.com/gordian-engine/tether/dtimer"
	"github.com/gordian-engine/tether/internal/dlink"
	"github.com/gordian-engine/tether/internal/dmetrics"
	"github.com/gordian-engine/tether/internal/dtable"
)

// Dialer opens edges to transport addresses.
// The QUIC dialer in dedge/dedgequic and the in-memory network in dedge/dedgetest
// both satisfy Dialer.
type Dialer interface {
	Dial(ctx context.Context, ta daddr.TransportAddress) (dedge.Edge, error)
}

type linkerConfig struct {
	Local daddr.NodeInfo
	Realm string
	Type  dconn.Type

	// Zero for any node.
	Target daddr.Address

	TAs []daddr.TransportAddress

	Dialer Dialer

	Table     *dtable.Table
	Scheduler *dtimer.Scheduler
	Heartbeat *dtimer.Heartbeat

	Status func(ct dconn.Type, remote daddr.Address) dconn.Status

	InitialTimeout time.Duration
	MaxTimeouts    int

	// How many times one address is retried after a transient failure.
	MaxRestarts int

	// Delay before the first retry of an address; doubles on each retry.
	RestartDelay time.Duration

	Metrics *dmetrics.Metrics

	// Called with each connection the linker adds to the table,
	// after it is added and before Run returns.
	OnConnection func(dconn.Connection)
}

// linker runs successive attempts against one target's transport addresses.
//
// It is itself a lock holder:
// when an attempt that held the target lock asks to be retried,
// the linker keeps the lock across the restart delay
// and hands it to its own next attempt.
type linker struct {
	log *slog.Logger

	cfg linkerConfig

	mu       sync.Mutex
	current  *dlink.Attempt
	finished bool
	holds    bool
	lockAddr daddr.Address
}

var _ dtable.LockHolder = (*linker)(nil)

func newLinker(log *slog.Logger, cfg linkerConfig) *linker {
	return &linker{
		log: log,
		cfg: cfg,
	}
}

// Run tries every address in order and returns the resulting connection,
// which is already in the table.
func (l *linker) Run(ctx context.Context) (dconn.Connection, error) {
	defer l.finish()

	tas := l.cfg.TAs
	seen := make(map[daddr.TransportAddress]struct{}, len(tas))
	var tried []daddr.TransportAddress

	for _, ta := range tas {
		if _, ok := seen[ta]; ok {
			continue
		}
		seen[ta] = struct{}{}

		conn, done, err := l.tryTA(ctx, ta)
		if done {
			return conn, err
		}
		tried = append(tried, ta)
	}

	l.log.Info("Target unreachable", "tried", len(tried))
	return dconn.Connection{}, &UnreachableError{Target: l.cfg.Target, Tried: tried}
}

// tryTA runs attempts against ta until one is conclusive.
// done is false when the caller should move on to the next address.
func (l *linker) tryTA(ctx context.Context, ta daddr.TransportAddress) (conn dconn.Connection, done bool, err error) {
	delay := l.cfg.RestartDelay

	for restarts := 0; ; restarts++ {
		if c, ok := l.existing(); ok {
			return c, true, nil
		}

		res, attemptConn, cause := l.attempt(ctx, ta)
		switch res {
		case dlink.SuccessResult:
			c, err := l.commit(attemptConn)
			return c, true, err

		case dlink.MoveToNextTAResult:
			l.log.Debug("Moving to next address", "ta", ta, "cause", cause)
			return dconn.Connection{}, false, nil

		case dlink.RetryThisTAResult:
			if restarts >= l.cfg.MaxRestarts {
				l.log.Debug("Restarts exhausted; moving to next address", "ta", ta, "cause", cause)
				return dconn.Connection{}, false, nil
			}

			l.log.Debug("Retrying address", "ta", ta, "delay", delay, "cause", cause)
			if err := l.sleep(ctx, delay); err != nil {
				return dconn.Connection{}, true, &LinkFailedError{
					TA: ta, Result: dlink.ExceptionResult.String(), Cause: err,
				}
			}
			delay *= 2

		case dlink.ProtocolErrorResult:
			// Our own inbound side may have won a simultaneous link,
			// which the peer then reports as already connected.
			if c, ok := l.existing(); ok {
				return c, true, nil
			}
			return dconn.Connection{}, true, &LinkFailedError{
				TA: ta, Result: res.String(), Cause: cause,
			}

		default:
			return dconn.Connection{}, true, &LinkFailedError{
				TA: ta, Result: res.String(), Cause: cause,
			}
		}
	}
}

// existing returns the table's connection to the target, if there is one.
func (l *linker) existing() (dconn.Connection, bool) {
	if l.cfg.Target.IsZero() {
		return dconn.Connection{}, false
	}
	return l.cfg.Table.Get(l.cfg.Type, l.cfg.Target)
}

// attempt dials ta and runs one attempt to completion.
func (l *linker) attempt(ctx context.Context, ta daddr.TransportAddress) (dlink.Result, dconn.Connection, error) {
	e, err := l.cfg.Dialer.Dial(ctx, ta)
	if err != nil {
		if ctx.Err() != nil {
			return dlink.ExceptionResult, dconn.Connection{}, context.Cause(ctx)
		}
		return dlink.MoveToNextTAResult, dconn.Connection{}, fmt.Errorf("failed to dial: %w", err)
	}

	// Closed once the attempt's finish hook has run,
	// so any lock takeover is complete before the next attempt starts.
	hookDone := make(chan struct{})

	a, err := dlink.New(l.log.With("ta", ta), dlink.Config{
		Local:  l.cfg.Local,
		Realm:  l.cfg.Realm,
		Type:   l.cfg.Type,
		Target: l.cfg.Target,

		Edge:      e,
		Table:     l.cfg.Table,
		Heartbeat: l.cfg.Heartbeat,
		Now:       l.cfg.Scheduler.Now,
		Status:    l.cfg.Status,

		InitialTimeout: l.cfg.InitialTimeout,
		MaxTimeouts:    l.cfg.MaxTimeouts,

		OnFinished: func(a *dlink.Attempt) {
			defer close(hookDone)
			l.takeOver(a)
		},

		Metrics: l.cfg.Metrics,
	})
	if err != nil {
		_ = e.Close()
		return dlink.MoveToNextTAResult, dconn.Connection{}, err
	}

	l.mu.Lock()
	l.current = a
	l.mu.Unlock()

	if err := a.Start(); err != nil {
		// The edge may close between subscribing and starting,
		// which finishes the attempt before Start runs.
		if !errors.Is(err, dlink.ErrAlreadyFinished) {
			panic(fmt.Errorf("BUG: failed to start fresh attempt: %w", err))
		}
	}

	select {
	case <-hookDone:
	case <-ctx.Done():
		if err := a.Abort(context.Cause(ctx)); err != nil && !errors.Is(err, dlink.ErrAlreadyFinished) {
			panic(fmt.Errorf("BUG: unexpected abort error: %w", err))
		}
		<-hookDone
	}

	conn, _ := a.Connection()
	return a.Result(), conn, a.Err()
}

// takeOver claims a finished attempt's lock
// when the linker will act on the same target next.
func (l *linker) takeOver(a *dlink.Attempt) {
	addr, ok := a.LockedAddress()
	if !ok {
		return
	}

	switch a.Result() {
	case dlink.SuccessResult, dlink.RetryThisTAResult:
	default:
		return
	}

	if err := l.cfg.Table.Lock(addr, l.cfg.Type, l); err != nil {
		l.log.Debug("Could not take over attempt lock", "addr", addr.Short(), "err", err)
		return
	}

	l.mu.Lock()
	l.holds = true
	l.lockAddr = addr
	l.mu.Unlock()
}

// commit adds a successful attempt's connection to the table.
func (l *linker) commit(conn dconn.Connection) (dconn.Connection, error) {
	if err := l.cfg.Table.Lock(conn.Address, l.cfg.Type, l); err != nil {
		// Most likely the inbound side finished first.
		_ = conn.Edge.Close()
		if c, ok := l.cfg.Table.Get(l.cfg.Type, conn.Address); ok {
			return c, nil
		}
		return dconn.Connection{}, &LinkFailedError{
			TA: conn.Edge.RemoteTA(), Result: dlink.SuccessResult.String(), Cause: err,
		}
	}

	err := l.cfg.Table.Add(conn)

	l.mu.Lock()
	l.holds = false
	l.mu.Unlock()
	l.cfg.Table.Unlock(conn.Address, l.cfg.Type, l)

	if err != nil {
		// Lock is refused while a connection exists, so this is unexpected.
		_ = conn.Edge.Close()
		return dconn.Connection{}, fmt.Errorf("failed to add connection: %w", err)
	}

	l.log.Info("Linked", "peer", conn.Address.Short(), "ta", conn.Edge.RemoteTA())

	if l.cfg.OnConnection != nil {
		l.cfg.OnConnection(conn)
	}

	return conn, nil
}

// sleep waits for d on the scheduler.
func (l *linker) sleep(ctx context.Context, d time.Duration) error {
	ch := make(chan struct{})
	t, err := l.cfg.Scheduler.Schedule(func() { close(ch) }, d, 0)
	if err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		t.Cancel()
		return context.Cause(ctx)
	}
}

func (l *linker) finish() {
	l.mu.Lock()
	l.finished = true
	holds, addr := l.holds, l.lockAddr
	l.holds = false
	l.mu.Unlock()

	if holds {
		l.cfg.Table.Unlock(addr, l.cfg.Type, l)
	}
}

func (l *linker) HolderKind() dtable.HolderKind {
	return dtable.LinkerHolder
}

// AllowLockTransfer grants the lock to the linker's own current attempt,
// or to anyone once the linker is finished.
// Between attempts it yields to an inbound negotiation
// under the same address ordering an attempt uses.
func (l *linker) AllowLockTransfer(a daddr.Address, _ dconn.Type, to dtable.LockHolder) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	allow := l.finished ||
		(l.current != nil && to == dtable.LockHolder(l.current)) ||
		(to.HolderKind() != dtable.LinkAttemptHolder && a.Compare(l.cfg.Local.Address) > 0)
	if allow {
		l.holds = false
	}
	return allow
}
