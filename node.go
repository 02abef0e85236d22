package tether

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/dedge"
	"github.com/gordian-engine/tether/dguard"
	"github.com/gordian-engine/tether/dtimer"
	"github.com/gordian-engine/tether/internal/daccept"
	"github.com/gordian-engine/tether/internal/dmetrics"
	"github.com/gordian-engine/tether/internal/dtable"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultHeartbeatPeriod = 500 * time.Millisecond
	DefaultMaxRestarts     = 3
	DefaultRestartDelay    = 250 * time.Millisecond
)

// NodeConfig is the configuration for [NewNode].
type NodeConfig struct {
	// Our overlay address and the transport addresses we advertise.
	Local daddr.NodeInfo

	// Only nodes in the same realm link with each other.
	Realm string

	// Opens outbound edges.
	Dialer Dialer

	// Optional scheduler driving every timeout.
	// If nil, the node runs its own wall-clock scheduler until its context is canceled.
	// Tests pass a simulated scheduler here.
	Scheduler *dtimer.Scheduler

	// How often link watchdogs and responder expiry checks run.
	// Defaults to [DefaultHeartbeatPeriod].
	HeartbeatPeriod time.Duration

	// Timeout before an attempt's first resend; doubles per resend.
	// Defaults to one second.
	LinkTimeout time.Duration

	// Resends before an attempt gives up on an address.
	// Defaults to three.
	MaxTimeouts int

	// Retries of one address after a transient failure.
	// Defaults to [DefaultMaxRestarts].
	MaxRestarts int

	// Delay before the first retry of an address; doubles on each retry.
	// Defaults to [DefaultRestartDelay].
	RestartDelay time.Duration

	// How long an inbound negotiation may hold its lock
	// waiting for the status request.
	// Defaults to ten seconds.
	ResponderIdleTimeout time.Duration

	// Optional registerer for the node's metrics.
	Registerer prometheus.Registerer
}

func (c *NodeConfig) validate() {
	var err error

	if c.Local.Address.IsZero() {
		err = errors.Join(err, errors.New("Local.Address must be set"))
	}
	if c.Dialer == nil {
		err = errors.Join(err, errors.New("Dialer must not be nil"))
	}
	if c.HeartbeatPeriod < 0 {
		err = errors.Join(err, fmt.Errorf("HeartbeatPeriod must not be negative (got %s)", c.HeartbeatPeriod))
	}
	if c.LinkTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("LinkTimeout must not be negative (got %s)", c.LinkTimeout))
	}
	if c.MaxTimeouts < 0 {
		err = errors.Join(err, fmt.Errorf("MaxTimeouts must not be negative (got %d)", c.MaxTimeouts))
	}
	if c.MaxRestarts < 0 {
		err = errors.Join(err, fmt.Errorf("MaxRestarts must not be negative (got %d)", c.MaxRestarts))
	}
	if c.RestartDelay < 0 {
		err = errors.Join(err, fmt.Errorf("RestartDelay must not be negative (got %s)", c.RestartDelay))
	}
	if c.ResponderIdleTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("ResponderIdleTimeout must not be negative (got %s)", c.ResponderIdleTimeout))
	}

	if err != nil {
		panic(err)
	}

	if c.HeartbeatPeriod == 0 {
		c.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartDelay == 0 {
		c.RestartDelay = DefaultRestartDelay
	}
}

// Node is one overlay participant.
// It answers inbound negotiations and runs outbound ones,
// and owns the table of established connections.
type Node struct {
	log *slog.Logger

	cfg NodeConfig

	sched *dtimer.Scheduler
	hb    *dtimer.Heartbeat

	table   *dtable.Table
	metrics *dmetrics.Metrics

	// Connectors are tokens from nextShortcut.
	shortcuts    *dguard.Set[uint64, *linker]
	nextShortcut atomic.Uint64

	wg sync.WaitGroup
}

// NewNode returns a running Node.
// Background work stops when ctx is canceled;
// use [*Node.Wait] to block until it has.
//
// NewNode panics if cfg is invalid.
func NewNode(ctx context.Context, log *slog.Logger, cfg NodeConfig) (*Node, error) {
	cfg.validate()

	sched := cfg.Scheduler
	if sched == nil {
		sched = dtimer.New(ctx, log.With("node_sys", "scheduler"), dtimer.Config{})
	}

	hb, err := dtimer.NewHeartbeat(log.With("node_sys", "heartbeat"), sched, cfg.HeartbeatPeriod)
	if err != nil {
		return nil, fmt.Errorf("failed to start heartbeat: %w", err)
	}

	m := dmetrics.New(cfg.Registerer)

	n := &Node{
		log: log,
		cfg: cfg,

		sched: sched,
		hb:    hb,

		table:   dtable.New(log.With("node_sys", "table"), m),
		metrics: m,

		shortcuts: dguard.NewSet[uint64, *linker](),
	}

	n.wg.Add(1)
	go n.stopOnCancel(ctx)

	return n, nil
}

func (n *Node) stopOnCancel(ctx context.Context) {
	defer n.wg.Done()

	<-ctx.Done()
	n.hb.Stop()
	n.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
}

// Wait blocks until the node's background work has stopped.
func (n *Node) Wait() {
	n.wg.Wait()
	n.sched.Wait()
}

// Accept answers link negotiation on the inbound edge e.
// The resulting connection leaves the table when the edge closes.
func (n *Node) Accept(e dedge.Edge) error {
	_, err := daccept.New(n.log.With("node_sys", "responder"), daccept.Config{
		Local: n.cfg.Local,
		Realm: n.cfg.Realm,

		Table: n.table,

		Heartbeat: n.hb,
		Now:       n.sched.Now,

		Status: n.Status,

		IdleTimeout: n.cfg.ResponderIdleTimeout,

		Metrics: n.metrics,
	}, e)
	if err != nil {
		return fmt.Errorf("failed to accept edge from %s: %w", e.RemoteTA(), err)
	}
	return nil
}

// Listener produces inbound edges.
type Listener interface {
	Accept(ctx context.Context) (dedge.Edge, error)
}

// Serve accepts edges from l until ctx is canceled or l fails.
// It returns nil after cancellation.
func (n *Node) Serve(ctx context.Context, l Listener) error {
	for {
		e, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept: %w", err)
		}

		if err := n.Accept(e); err != nil {
			n.log.Debug("Dropping inbound edge", "err", err)
			_ = e.Close()
		}
	}
}

// LinkRequest describes one outbound link.
type LinkRequest struct {
	Type dconn.Type

	// The node to reach.
	// Zero means whichever node answers at TAs.
	Target daddr.Address

	// Tried in order; duplicates are tried once.
	TAs []daddr.TransportAddress
}

func (r LinkRequest) check() error {
	var err error
	if !r.Type.Valid() {
		err = errors.Join(err, fmt.Errorf("invalid connection type %s", r.Type))
	}
	if len(r.TAs) == 0 {
		err = errors.Join(err, errors.New("no transport addresses"))
	}
	return err
}

// Link negotiates a connection described by req.
// When an equivalent connection already exists, or the remote's own
// negotiation toward us wins, Link returns that connection instead.
//
// Failures are reported as [*UnreachableError] or [*LinkFailedError].
func (n *Node) Link(ctx context.Context, req LinkRequest) (dconn.Connection, error) {
	if err := req.check(); err != nil {
		return dconn.Connection{}, fmt.Errorf("bad link request: %w", err)
	}

	return n.newLinker(req).Run(ctx)
}

// LinkShortcut is like [*Node.Link] for supplementary links,
// which are skipped rather than run in parallel:
// it returns [ErrAttemptInProgress] while another shortcut to the same target is running.
// req.Target must be set.
func (n *Node) LinkShortcut(ctx context.Context, req LinkRequest) (dconn.Connection, error) {
	err := req.check()
	if req.Target.IsZero() {
		err = errors.Join(err, errors.New("shortcut needs a target"))
	}
	if err != nil {
		return dconn.Connection{}, fmt.Errorf("bad shortcut request: %w", err)
	}

	tok := n.nextShortcut.Add(1)
	if !n.shortcuts.TryRecordConnector(req.Target, tok) {
		return dconn.Connection{}, ErrAttemptInProgress
	}

	l := n.newLinker(req)
	// The attempt entry keeps the guard closed once the connector is cleared.
	n.shortcuts.AddAttempt(req.Target, l)
	n.shortcuts.ClearConnector(req.Target)
	defer n.shortcuts.RemoveAttempt(req.Target, l)

	return l.Run(ctx)
}

// PendingShortcuts reports how many targets have a shortcut in progress.
func (n *Node) PendingShortcuts() int {
	return n.shortcuts.Len()
}

func (n *Node) newLinker(req LinkRequest) *linker {
	log := n.log.With("node_sys", "linker", "type", req.Type)
	if !req.Target.IsZero() {
		log = log.With("target", req.Target.Short())
	}

	return newLinker(log, linkerConfig{
		Local:  n.cfg.Local,
		Realm:  n.cfg.Realm,
		Type:   req.Type,
		Target: req.Target,
		TAs:    req.TAs,

		Dialer: n.cfg.Dialer,

		Table:     n.table,
		Scheduler: n.sched,
		Heartbeat: n.hb,

		Status: n.Status,

		InitialTimeout: n.cfg.LinkTimeout,
		MaxTimeouts:    n.cfg.MaxTimeouts,

		MaxRestarts:  n.cfg.MaxRestarts,
		RestartDelay: n.cfg.RestartDelay,

		Metrics: n.metrics,

		OnConnection: n.watch,
	})
}

// watch takes over an outbound connection's edge
// so the table entry goes away when the edge closes.
func (n *Node) watch(c dconn.Connection) {
	w := &connWatcher{
		log:   n.log.With("node_sys", "conn", "peer", c.Address.Short()),
		table: n.table,
		c:     c,
	}
	if err := c.Edge.Subscribe(w); err != nil {
		// Closed before we got here.
		w.HandleClose(c.Edge)
	}
}

// Status returns our neighbors of type ct, other than remote,
// in the form exchanged during negotiation.
func (n *Node) Status(ct dconn.Type, remote daddr.Address) dconn.Status {
	conns := n.table.Connections(ct)

	var s dconn.Status
	for _, c := range conns {
		if c.Address == remote {
			continue
		}
		s.Neighbors = append(s.Neighbors, daddr.NodeInfo{
			Address: c.Address,
			TAs:     []daddr.TransportAddress{c.Edge.RemoteTA()},
		})
	}
	return s
}

// Connections returns the established connections of type ct, ordered by address.
func (n *Node) Connections(ct dconn.Type) []dconn.Connection {
	return n.table.Connections(ct)
}

// Connection returns the established connection of type ct to a, if any.
func (n *Node) Connection(ct dconn.Type, a daddr.Address) (dconn.Connection, bool) {
	return n.table.Get(ct, a)
}

// Disconnect removes the connection of type ct to a and closes its edge.
func (n *Node) Disconnect(ct dconn.Type, a daddr.Address) error {
	c, ok := n.table.Remove(ct, a)
	if !ok {
		return fmt.Errorf("cannot disconnect %s %s: %w", ct, a.Short(), ErrNotConnected)
	}

	if err := c.Edge.Close(); err != nil {
		n.log.Debug("Error closing disconnected edge", "peer", a.Short(), "err", err)
	}
	return nil
}

// ConnectionChanges returns the next unpublished entry of the change stream.
// Every later addition and removal is published from there on.
func (n *Node) ConnectionChanges() *dconn.ChangeStream {
	return n.table.Changes()
}

// connWatcher is subscribed to an outbound connection's edge after negotiation.
type connWatcher struct {
	log   *slog.Logger
	table *dtable.Table
	c     dconn.Connection
}

func (w *connWatcher) HandleData(dedge.Edge, []byte) {
	// Only late retransmissions arrive here; the link protocol is done.
}

func (w *connWatcher) HandleClose(e dedge.Edge) {
	if cur, ok := w.table.Get(w.c.Type, w.c.Address); ok && cur.Edge == e {
		w.table.Remove(w.c.Type, w.c.Address)
		w.log.Info("Connection closed")
	}
}

var _ dedge.Handler = (*connWatcher)(nil)
