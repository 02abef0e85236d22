package dlink

import (
	"errors"
	"fmt"

	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/dedge"
	"github.com/gordian-engine/tether/internal/dlproto"
)

// RejectedError is the captured error when the peer answered with an error response.
type RejectedError struct {
	Code    dlproto.ErrorCode
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "peer rejected link: " + e.Code.String()
	}
	return fmt.Sprintf("peer rejected link: %s: %s", e.Code, e.Message)
}

// HandleData implements [dedge.Handler].
func (a *Attempt) HandleData(_ dedge.Edge, p []byte) {
	a.mu.Lock()
	if a.st != awaitLinkState && a.st != awaitStatusState {
		a.mu.Unlock()
		return
	}

	out, res, err := a.stepRecovered(p)

	var cleanup func()
	if res != NoResult {
		cleanup = a.finishLocked(res, err)
	}
	a.mu.Unlock()

	if out != nil {
		a.send(out)
	}
	if cleanup != nil {
		cleanup()
	}
}

// HandleClose implements [dedge.Handler].
// An edge closing under a running attempt means the address is not worth retrying.
func (a *Attempt) HandleClose(dedge.Edge) {
	a.mu.Lock()
	if a.st == finishedState {
		a.mu.Unlock()
		return
	}
	cleanup := a.finishLocked(MoveToNextTAResult, fmt.Errorf("edge closed during negotiation: %w", dedge.ErrClosed))
	a.mu.Unlock()

	cleanup()
}

func (a *Attempt) stepRecovered(p []byte) (out []byte, res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Panic while handling link message", "panic", r)
			out = nil
			res = RetryThisTAResult
			err = fmt.Errorf("panic while handling link message: %v", r)
		}
	}()

	return a.step(p)
}

// step advances the state machine for one inbound message.
// A NoResult return with no error means the message was dropped, or the attempt moved on.
// a.mu must be held.
func (a *Attempt) step(p []byte) ([]byte, Result, error) {
	m, err := dlproto.Decode(p)
	if err != nil {
		return nil, RetryThisTAResult, &LinkError{Reason: "malformed message", Err: err}
	}

	if m.ID != a.outstanding.ID {
		a.log.Debug(
			"Dropping message with unexpected ID",
			"got", m.ID, "want", a.outstanding.ID, "msg_type", m.Type(),
		)
		return nil, NoResult, nil
	}
	if m.Direction != dlproto.Response {
		a.log.Debug("Dropping non-response message", "id", m.ID, "msg_type", m.Type())
		return nil, NoResult, nil
	}

	a.gotResponse = true
	a.timeouts = 0

	if em, ok := m.Body.(dlproto.ErrorMessage); ok {
		a.receivedErr = &em
		return nil, a.classifyError(em), &RejectedError{Code: em.Code, Message: em.Message}
	}

	switch a.st {
	case awaitLinkState:
		lm, ok := m.Body.(dlproto.LinkMessage)
		if !ok {
			return nil, RetryThisTAResult, &LinkError{
				Reason: fmt.Sprintf("expected link response, got %s", m.Type()),
			}
		}
		return a.handleLinkResponse(lm)

	case awaitStatusState:
		sm, ok := m.Body.(dlproto.StatusMessage)
		if !ok {
			return nil, RetryThisTAResult, &LinkError{
				Reason: fmt.Sprintf("expected status response, got %s", m.Type()),
			}
		}

		a.conn = dconn.Connection{
			Edge:    a.cfg.Edge,
			Address: a.remote.Address,
			Type:    a.cfg.Type,
			Status:  dconn.Status{Neighbors: sm.Neighbors},
		}
		a.hasConn = true
		return nil, SuccessResult, nil

	default:
		panic(fmt.Errorf("BUG: step called in state %d", a.st))
	}
}

func (a *Attempt) handleLinkResponse(lm dlproto.LinkMessage) ([]byte, Result, error) {
	if lm.ConnType != a.cfg.Type {
		return nil, ProtocolErrorResult, &LinkError{
			Reason: fmt.Sprintf("connection type mismatch: %s != %s", a.cfg.Type, lm.ConnType),
		}
	}
	if lm.Realm != a.cfg.Realm {
		return nil, ProtocolErrorResult, &LinkError{
			Reason: fmt.Sprintf("realm mismatch: %q != %q", a.cfg.Realm, lm.Realm),
		}
	}

	if !a.cfg.Target.IsZero() && lm.Local.Address != a.cfg.Target {
		// The address reached some other node, likely through a translated port.
		return nil, MoveToNextTAResult, &LinkError{
			Reason:   fmt.Sprintf("target mismatch: %s != %s", a.cfg.Target, lm.Local.Address),
			Critical: true,
		}
	}

	if err := a.setTargetLocked(lm.Local.Address); err != nil {
		return nil, resultForError(err), err
	}
	a.statusSent = true
	a.remote = lm.Local

	var status dconn.Status
	if a.cfg.Status != nil {
		status = a.cfg.Status(a.cfg.Type, lm.Local.Address)
	}

	m := dlproto.NewRequest(a.takeID(), dlproto.StatusMessage{
		ConnType:  a.cfg.Type,
		Neighbors: status.Neighbors,
	})
	b, err := dlproto.Encode(m)
	if err != nil {
		return nil, RetryThisTAResult, fmt.Errorf("failed to encode status request: %w", err)
	}

	a.outstanding = m
	a.outBytes = b
	a.lastSend = a.cfg.Now()
	a.st = awaitStatusState
	return b, NoResult, nil
}

// classifyError maps a peer's error response to a result.
// a.mu must be held.
func (a *Attempt) classifyError(em dlproto.ErrorMessage) Result {
	switch em.Code {
	case dlproto.InProgressErrorCode:
		return RetryThisTAResult

	case dlproto.AlreadyConnectedErrorCode:
		if a.cfg.Target.IsZero() {
			// Common with leaf connections; some other address may reach someone new.
			return MoveToNextTAResult
		}
		if a.cfg.Table.Contains(a.cfg.Type, a.cfg.Target) {
			a.log.Warn("Peer reports a connection we already have", "target", a.cfg.Target.Short())
			return ProtocolErrorResult
		}
		// The peer has not noticed an earlier disconnect yet.
		return RetryThisTAResult

	case dlproto.TargetMismatchErrorCode:
		a.log.Warn("Peer reports target mismatch", "target", a.cfg.Target.Short())
		return MoveToNextTAResult

	default:
		return ProtocolErrorResult
	}
}

// resultForError classifies a local failure.
func resultForError(err error) Result {
	var le *LinkError
	if errors.As(err, &le) {
		return le.result()
	}
	// Includes a lock we could not get, which may free up shortly.
	return RetryThisTAResult
}

// tick is the watchdog, subscribed to the heartbeat while the attempt runs.
func (a *Attempt) tick() {
	a.mu.Lock()
	if a.st != awaitLinkState && a.st != awaitStatusState {
		a.mu.Unlock()
		return
	}

	now := a.cfg.Now()
	if now.Sub(a.lastSend) <= a.timeout {
		a.mu.Unlock()
		return
	}

	if a.timeouts >= a.cfg.MaxTimeouts {
		cleanup := a.finishLocked(MoveToNextTAResult, ErrTimedOut)
		a.mu.Unlock()
		cleanup()
		return
	}

	out := a.outBytes
	a.lastSend = now
	a.timeout *= 2
	a.timeouts++
	n := a.timeouts
	id := a.outstanding.ID
	a.mu.Unlock()

	a.cfg.Metrics.Resent()
	a.log.Debug("Resending after timeout", "resend", n, "id", id)
	a.send(out)
}
