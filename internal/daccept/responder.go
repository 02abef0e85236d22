package daccept

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

// DefaultIdleTimeout is how long a granted lock may wait for its status request.
const DefaultIdleTimeout = 10 * time.Second

// Config is the configuration for [New].
type Config struct {
	Local daddr.NodeInfo
	Realm string

	Table *dtable.Table

	Heartbeat *dtimer.Heartbeat
	Now       func() time.Time

	// Provides our neighbors for the status response.
	// If nil, the response carries no neighbors.
	Status func(ct dconn.Type, remote daddr.Address) dconn.Status

	// Defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// Optional.
	Metrics *dmetrics.Metrics
}

func (c *Config) validate() {
	var err error

	if c.Local.Address.IsZero() {
		err = errors.Join(err, errors.New("Local.Address must be set"))
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
	if c.IdleTimeout < 0 {
		err = errors.Join(err, fmt.Errorf("IdleTimeout must not be negative (got %s)", c.IdleTimeout))
	}

	if err != nil {
		panic(err)
	}

	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
}

type state uint8

const (
	// Waiting for a link request.
	waitingState state = iota

	// Link response sent; holding the lock until the status request.
	linkedState

	// Connection added to the table.
	establishedState

	closedState
)

// Responder answers link negotiation on one inbound edge.
type Responder struct {
	log *slog.Logger

	cfg Config

	e dedge.Edge

	mu sync.Mutex
	st state

	// The negotiated key, once linked.
	peer daddr.NodeInfo
	ct   dconn.Type

	linkedAt time.Time

	// The most recent reply and the request ID it answered,
	// resent verbatim when the peer retransmits.
	lastID    uint32
	lastType  dlproto.MessageType
	lastReply []byte

	cancelHeartbeat func()

	done chan struct{}
}

var _ dtable.LockHolder = (*Responder)(nil)
var _ dedge.Handler = (*Responder)(nil)

// New returns a Responder subscribed to e.
// New panics if cfg is invalid.
func New(log *slog.Logger, cfg Config, e dedge.Edge) (*Responder, error) {
	cfg.validate()

	r := &Responder{
		log: log.With("remote_ta", e.RemoteTA()),
		cfg: cfg,
		e:   e,

		done: make(chan struct{}),
	}

	r.cancelHeartbeat = cfg.Heartbeat.Subscribe(r.tick)

	if err := e.Subscribe(r); err != nil {
		r.cancelHeartbeat()
		return nil, fmt.Errorf("failed to subscribe to edge: %w", err)
	}

	return r, nil
}

// Done is closed once the edge has closed.
func (r *Responder) Done() <-chan struct{} {
	return r.done
}

// Established reports the connection this responder added to the table, if any.
func (r *Responder) Established() (daddr.Address, dconn.Type, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer.Address, r.ct, r.st == establishedState
}

func (r *Responder) HolderKind() dtable.HolderKind {
	return dtable.OtherHolder
}

// AllowLockTransfer refuses while the negotiation is live.
// A closed responder has already released its lock,
// so agreeing then is harmless.
func (r *Responder) AllowLockTransfer(daddr.Address, dconn.Type, dtable.LockHolder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st == closedState
}

// HandleData implements [dedge.Handler].
func (r *Responder) HandleData(_ dedge.Edge, p []byte) {
	m, err := dlproto.Decode(p)
	if err != nil {
		r.log.Debug("Dropping undecodable message", "err", err)
		return
	}
	if m.Direction != dlproto.Request {
		r.log.Debug("Dropping unexpected response", "msg_type", m.Type(), "id", m.ID)
		return
	}

	var out []byte
	var closeEdge bool

	r.mu.Lock()
	switch body := m.Body.(type) {
	case dlproto.LinkMessage:
		out = r.handleLinkRequest(m.ID, body)
	case dlproto.StatusMessage:
		out = r.handleStatusRequest(m.ID, body)
	case dlproto.CloseMessage:
		closeEdge = r.handleCloseRequest()
	default:
		r.log.Debug("Dropping unexpected request", "msg_type", m.Type())
	}
	r.mu.Unlock()

	if out != nil {
		if err := r.e.Send(out); err != nil {
			r.log.Debug("Failed to send reply", "err", err)
		}
	}
	if closeEdge {
		_ = r.e.Close()
	}
}

// HandleClose implements [dedge.Handler].
func (r *Responder) HandleClose(dedge.Edge) {
	r.mu.Lock()
	prev := r.st
	r.closeLocked()
	peer, ct := r.peer.Address, r.ct
	r.mu.Unlock()

	if prev == establishedState {
		// Only remove the connection if it is still ours.
		if c, ok := r.cfg.Table.Get(ct, peer); ok && c.Edge == r.e {
			r.cfg.Table.Remove(ct, peer)
			r.log.Info("Connection closed", "peer", peer.Short(), "type", ct)
		}
	}
}

// handleLinkRequest returns the encoded reply.
// r.mu must be held.
func (r *Responder) handleLinkRequest(id uint32, lm dlproto.LinkMessage) []byte {
	switch r.st {
	case waitingState:
		// Handled below.
	case linkedState, establishedState:
		if r.lastType == dlproto.LinkMessageType && id == r.lastID && lm.Local.Address == r.peer.Address {
			return r.lastReply
		}
		if r.st == establishedState {
			return r.reject(id, dlproto.AlreadyConnectedErrorCode, "already connected on this edge")
		}
		return r.reject(id, dlproto.InProgressErrorCode, "link already in progress on this edge")
	default:
		return nil
	}

	if lm.Realm != r.cfg.Realm {
		return r.reject(id, dlproto.RealmMismatchErrorCode, fmt.Sprintf("realm %q", r.cfg.Realm))
	}
	if !lm.ConnType.Valid() {
		return r.reject(id, dlproto.BadConnectionTypeErrorCode, lm.ConnType.String())
	}
	if lm.Local.Address.IsZero() {
		return r.reject(id, dlproto.UnexpectedErrorCode, "missing local address")
	}
	if lm.Local.Address == r.cfg.Local.Address {
		return r.reject(id, dlproto.ConnectToSelfErrorCode, "")
	}
	if !lm.Remote.Address.IsZero() && lm.Remote.Address != r.cfg.Local.Address {
		return r.reject(id, dlproto.TargetMismatchErrorCode, r.cfg.Local.Address.String())
	}

	if err := r.cfg.Table.Lock(lm.Local.Address, lm.ConnType, r); err != nil {
		var ace *dtable.AlreadyConnectedError
		if errors.As(err, &ace) {
			return r.reject(id, dlproto.AlreadyConnectedErrorCode, "")
		}
		return r.reject(id, dlproto.InProgressErrorCode, "")
	}

	b, err := dlproto.Encode(dlproto.NewResponse(id, dlproto.LinkMessage{
		ConnType: lm.ConnType,
		Realm:    r.cfg.Realm,
		Local:    r.cfg.Local,
		Remote:   lm.Local,
	}))
	if err != nil {
		r.cfg.Table.Unlock(lm.Local.Address, lm.ConnType, r)
		r.log.Error("Failed to encode link response", "err", err)
		return nil
	}

	r.st = linkedState
	r.peer = lm.Local
	r.ct = lm.ConnType
	r.linkedAt = r.cfg.Now()
	r.remember(id, dlproto.LinkMessageType, b)

	r.cfg.Metrics.Replied("")
	r.log.Debug("Granted link", "peer", r.peer.Address.Short(), "type", r.ct)
	return b
}

// handleStatusRequest returns the encoded reply.
// r.mu must be held.
func (r *Responder) handleStatusRequest(id uint32, sm dlproto.StatusMessage) []byte {
	switch r.st {
	case linkedState:
		// Handled below.
	case establishedState:
		if r.lastType == dlproto.StatusMessageType && id == r.lastID {
			return r.lastReply
		}
		return nil
	default:
		// No link granted on this edge.
		return r.reject(id, dlproto.UnexpectedErrorCode, "status request before link")
	}

	if sm.ConnType != r.ct {
		return r.reject(id, dlproto.BadConnectionTypeErrorCode, sm.ConnType.String())
	}

	conn := dconn.Connection{
		Edge:    r.e,
		Address: r.peer.Address,
		Type:    r.ct,
		Status:  dconn.Status{Neighbors: sm.Neighbors},
	}

	err := r.cfg.Table.Add(conn)
	r.cfg.Table.Unlock(r.peer.Address, r.ct, r)
	if err != nil {
		r.st = waitingState
		return r.reject(id, dlproto.AlreadyConnectedErrorCode, "")
	}

	var status dconn.Status
	if r.cfg.Status != nil {
		status = r.cfg.Status(r.ct, r.peer.Address)
	}
	b, err := dlproto.Encode(dlproto.NewResponse(id, dlproto.StatusMessage{
		ConnType:  r.ct,
		Neighbors: status.Neighbors,
	}))
	if err != nil {
		panic(fmt.Errorf("BUG: failed to encode status response: %w", err))
	}

	r.st = establishedState
	r.remember(id, dlproto.StatusMessageType, b)
	r.stopHeartbeatLocked()

	r.cfg.Metrics.Replied("")
	r.log.Info("Accepted connection", "peer", r.peer.Address.Short(), "type", r.ct)
	return b
}

// handleCloseRequest reports whether the edge should be closed.
// r.mu must be held.
func (r *Responder) handleCloseRequest() bool {
	switch r.st {
	case waitingState, linkedState:
		r.log.Debug("Peer abandoned negotiation")
		r.closeLocked()
		return true
	default:
		// An established connection is closed through the edge itself.
		return false
	}
}

// reject encodes an error response.
// r.mu must be held.
func (r *Responder) reject(id uint32, code dlproto.ErrorCode, msg string) []byte {
	b, err := dlproto.Encode(dlproto.NewResponse(id, dlproto.ErrorMessage{
		Code:    code,
		Message: msg,
	}))
	if err != nil {
		panic(fmt.Errorf("BUG: failed to encode error response: %w", err))
	}

	r.cfg.Metrics.Replied(code.String())
	r.log.Debug("Rejected request", "id", id, "code", code, "msg", msg)
	return b
}

func (r *Responder) remember(id uint32, t dlproto.MessageType, b []byte) {
	r.lastID = id
	r.lastType = t
	r.lastReply = b
}

// closeLocked releases any held lock and marks the responder closed.
// r.mu must be held.
func (r *Responder) closeLocked() {
	if r.st == closedState {
		return
	}
	if r.st == linkedState {
		r.cfg.Table.Unlock(r.peer.Address, r.ct, r)
	}
	r.st = closedState
	r.stopHeartbeatLocked()

	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *Responder) stopHeartbeatLocked() {
	if r.cancelHeartbeat != nil {
		r.cancelHeartbeat()
		r.cancelHeartbeat = nil
	}
}

// tick releases a lock that has waited too long for a status request.
func (r *Responder) tick() {
	r.mu.Lock()
	if r.st != linkedState || r.cfg.Now().Sub(r.linkedAt) <= r.cfg.IdleTimeout {
		r.mu.Unlock()
		return
	}

	r.log.Debug("Link granted but never completed; releasing", "peer", r.peer.Address.Short())
	r.closeLocked()
	r.mu.Unlock()

	_ = r.e.Close()
}
