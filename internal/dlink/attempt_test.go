package dlink_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/internal/dlink"
	"github.com/gordian-engine/tether/internal/dlproto"
	"github.com/gordian-engine/tether/internal/dtable"
	"github.com/gordian-engine/tether/internal/dtest"
	"github.com/stretchr/testify/require"
)

func TestAttempt_success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cfg := f.Config(f.peer)
	neighbor := daddr.NodeInfo{
		Address: daddr.AddressFromKey([]byte("neighbor")),
		TAs:     []daddr.TransportAddress{"mem://neighbor"},
	}
	cfg.Status = func(ct dconn.Type, remote daddr.Address) dconn.Status {
		require.Equal(t, dconn.StructuredType, ct)
		require.Equal(t, f.peer, remote)
		return dconn.Status{Neighbors: []daddr.NodeInfo{neighbor}}
	}

	a := f.Start(cfg)

	// The target is locked before anything goes out.
	h, ok := f.table.Holder(f.peer, dconn.StructuredType)
	require.True(t, ok)
	require.Same(t, a, h)

	req := f.Sent()
	require.Equal(t, uint32(1), req.ID)
	require.Equal(t, dlproto.Request, req.Direction)
	lm := req.Body.(dlproto.LinkMessage)
	require.Equal(t, dconn.StructuredType, lm.ConnType)
	require.Equal(t, testRealm, lm.Realm)
	require.Equal(t, f.local, lm.Local.Address)
	require.Equal(t, f.peer, lm.Remote.Address)
	require.Equal(t, []daddr.TransportAddress{"mem://peer"}, lm.Remote.TAs)

	f.Inject(f.LinkResponse(req, f.peer))

	status := f.Sent()
	require.Equal(t, uint32(2), status.ID)
	require.Equal(t, dlproto.Request, status.Direction)
	require.Equal(t, dlproto.StatusMessage{
		ConnType:  dconn.StructuredType,
		Neighbors: []daddr.NodeInfo{neighbor},
	}, status.Body)

	// Reached the second round without finishing.
	require.Equal(t, dlink.NoResult, a.Result())

	f.Inject(dlproto.NewResponse(2, dlproto.StatusMessage{ConnType: dconn.StructuredType}))

	dtest.IsClosedSoon(t, a.Done())
	require.Equal(t, dlink.SuccessResult, a.Result())
	require.NoError(t, a.Err())

	conn, ok := a.Connection()
	require.True(t, ok)
	require.Equal(t, f.peer, conn.Address)
	require.Equal(t, dconn.StructuredType, conn.Type)
	require.Same(t, f.edge, conn.Edge)

	// The edge now belongs to the connection.
	require.Zero(t, f.edge.CloseCalls())
	f.NothingSent()

	_, ok = f.table.Holder(f.peer, dconn.StructuredType)
	require.False(t, ok)
	require.False(t, a.HoldsLock())

	// The heartbeat subscription is gone.
	require.Zero(t, f.hb.Subscribers())
}

func TestAttempt_anyTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.Start(f.Config(daddr.Address{}))

	// Nothing to lock until we know who answered.
	_, ok := f.table.Holder(f.peer, dconn.StructuredType)
	require.False(t, ok)

	req := f.Sent()
	require.True(t, req.Body.(dlproto.LinkMessage).Remote.Address.IsZero())

	f.Inject(f.LinkResponse(req, f.peer))
	_ = f.Sent()

	require.True(t, a.HoldsLock())
	h, ok := f.table.Holder(f.peer, dconn.StructuredType)
	require.True(t, ok)
	require.Same(t, a, h)

	f.Inject(dlproto.NewResponse(2, dlproto.StatusMessage{ConnType: dconn.StructuredType}))
	dtest.IsClosedSoon(t, a.Done())

	conn, ok := a.Connection()
	require.True(t, ok)
	require.Equal(t, f.peer, conn.Address)
}

func TestAttempt_alreadyConnectedWithoutTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.Start(f.Config(daddr.Address{}))

	req := f.Sent()
	f.Inject(dlproto.NewResponse(req.ID, dlproto.ErrorMessage{Code: dlproto.AlreadyConnectedErrorCode}))

	dtest.IsClosedSoon(t, a.Done())
	require.Equal(t, dlink.MoveToNextTAResult, a.Result())

	em, ok := a.ReceivedError()
	require.True(t, ok)
	require.Equal(t, dlproto.AlreadyConnectedErrorCode, em.Code)

	var re *dlink.RejectedError
	require.ErrorAs(t, a.Err(), &re)
	require.Equal(t, dlproto.AlreadyConnectedErrorCode, re.Code)

	// We heard from the peer, so the close is graceful.
	closeMsg := f.Sent()
	require.Equal(t, dlproto.CloseMessageType, closeMsg.Type())
	require.Equal(t, dlproto.Request, closeMsg.Direction)
	require.Equal(t, 1, f.edge.CloseCalls())

	_, ok = a.Connection()
	require.False(t, ok)
}

func TestAttempt_errorClassification(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		code     dlproto.ErrorCode
		targeted bool
		// Add the target to the table after starting.
		connected bool
		want      dlink.Result
	}{
		{name: "in progress", code: dlproto.InProgressErrorCode, targeted: true, want: dlink.RetryThisTAResult},
		{name: "already connected, disagree", code: dlproto.AlreadyConnectedErrorCode, targeted: true, want: dlink.RetryThisTAResult},
		{
			name: "already connected, agree", code: dlproto.AlreadyConnectedErrorCode,
			targeted: true, connected: true, want: dlink.ProtocolErrorResult,
		},
		{name: "target mismatch", code: dlproto.TargetMismatchErrorCode, targeted: true, want: dlink.MoveToNextTAResult},
		{name: "unexpected", code: dlproto.UnexpectedErrorCode, want: dlink.ProtocolErrorResult},
		{name: "realm mismatch", code: dlproto.RealmMismatchErrorCode, want: dlink.ProtocolErrorResult},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			var target daddr.Address
			if tc.targeted {
				target = f.peer
			}
			a := f.Start(f.Config(target))
			req := f.Sent()

			if tc.connected {
				require.NoError(t, f.table.Add(dconn.Connection{
					Address: f.peer,
					Type:    dconn.StructuredType,
				}))
			}

			f.Inject(dlproto.NewResponse(req.ID, dlproto.ErrorMessage{Code: tc.code}))
			dtest.IsClosedSoon(t, a.Done())
			require.Equal(t, tc.want, a.Result())
		})
	}
}

func TestAttempt_timeoutExhaustion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	start := f.mock.Now()
	a := f.Start(f.Config(f.peer))

	first := dtest.ReceiveSoon(t, f.edge.Sent)

	var resends []time.Duration
	for range 40 {
		f.sched.Advance(500 * time.Millisecond)

		select {
		case b := <-f.edge.Sent:
			require.Equal(t, first, b, "resend must repeat the request unchanged")
			resends = append(resends, f.mock.Now().Sub(start))
		default:
		}

		select {
		case <-a.Done():
		default:
			continue
		}
		break
	}

	// The timeout doubles from 1s, checked every 500ms.
	require.Equal(t, []time.Duration{
		1500 * time.Millisecond,
		4000 * time.Millisecond,
		8500 * time.Millisecond,
	}, resends)
	require.Equal(t, 17*time.Second, f.mock.Now().Sub(start))

	require.Equal(t, dlink.MoveToNextTAResult, a.Result())
	require.ErrorIs(t, a.Err(), dlink.ErrTimedOut)

	// Never heard from the peer: abrupt close, no close message.
	f.NothingSent()
	require.Equal(t, 1, f.edge.CloseCalls())

	_, ok := f.table.Holder(f.peer, dconn.StructuredType)
	require.False(t, ok)
}

func TestAttempt_responseResetsTimeoutCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.Start(f.Config(f.peer))
	req := f.Sent()

	// Two resends of the link request.
	f.sched.Advance(4 * time.Second)
	_ = f.Sent()
	_ = f.Sent()

	f.Inject(f.LinkResponse(req, f.peer))
	_ = f.Sent()

	// The timeout stays doubled, but the count starts over:
	// three more resends of the status request before giving up.
	n := 0
	for range 200 {
		f.sched.Advance(500 * time.Millisecond)
		select {
		case <-f.edge.Sent:
			n++
		default:
		}
		select {
		case <-a.Done():
		default:
			continue
		}
		break
	}

	require.Equal(t, 3, n)
	require.Equal(t, dlink.MoveToNextTAResult, a.Result())
}

func TestAttempt_dropsUnsolicited(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.Start(f.Config(f.peer))
	req := f.Sent()

	resp := f.LinkResponse(req, f.peer)

	// Wrong ID.
	wrongID := resp
	wrongID.ID = 5
	f.Inject(wrongID)

	// Right ID, but a request.
	asRequest := resp
	asRequest.Direction = dlproto.Request
	f.Inject(asRequest)

	f.NothingSent()
	require.Equal(t, dlink.NoResult, a.Result())

	// The attempt is still waiting for the real response.
	f.Inject(resp)
	status := f.Sent()
	require.Equal(t, uint32(2), status.ID)

	// A late duplicate of the link response no longer matches.
	f.Inject(resp)
	f.NothingSent()
	require.Equal(t, dlink.NoResult, a.Result())
}

func TestAttempt_terminalProtocolViolations(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string

		// Builds the raw reply to the link request.
		reply func(f *fixture, req dlproto.Message) []byte

		want     dlink.Result
		critical bool
	}{
		{
			name: "malformed",
			reply: func(*fixture, dlproto.Message) []byte {
				return []byte{dlproto.FamilyTag, 1}
			},
			want: dlink.RetryThisTAResult,
		},
		{
			name: "wrong family",
			reply: func(f *fixture, req dlproto.Message) []byte {
				b := mustEncode(f.t, f.LinkResponse(req, f.peer))
				b[0] = 'Z'
				return b
			},
			want: dlink.RetryThisTAResult,
		},
		{
			name: "wrong message type",
			reply: func(f *fixture, req dlproto.Message) []byte {
				return mustEncode(f.t, dlproto.NewResponse(req.ID, dlproto.StatusMessage{}))
			},
			want: dlink.RetryThisTAResult,
		},
		{
			name: "realm mismatch",
			reply: func(f *fixture, req dlproto.Message) []byte {
				resp := f.LinkResponse(req, f.peer)
				lm := resp.Body.(dlproto.LinkMessage)
				lm.Realm = "elsewhere"
				resp.Body = lm
				return mustEncode(f.t, resp)
			},
			want: dlink.ProtocolErrorResult,
		},
		{
			name: "type mismatch",
			reply: func(f *fixture, req dlproto.Message) []byte {
				resp := f.LinkResponse(req, f.peer)
				lm := resp.Body.(dlproto.LinkMessage)
				lm.ConnType = dconn.LeafType
				resp.Body = lm
				return mustEncode(f.t, resp)
			},
			want: dlink.ProtocolErrorResult,
		},
		{
			name: "target mismatch",
			reply: func(f *fixture, req dlproto.Message) []byte {
				return mustEncode(f.t, f.LinkResponse(req, daddr.AddressFromKey([]byte("stranger"))))
			},
			want:     dlink.MoveToNextTAResult,
			critical: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			a := f.Start(f.Config(f.peer))
			req := f.Sent()

			f.edge.Inject(tc.reply(f, req))

			dtest.IsClosedSoon(t, a.Done())
			require.Equal(t, tc.want, a.Result())

			var le *dlink.LinkError
			require.ErrorAs(t, a.Err(), &le)
			require.Equal(t, tc.critical, le.Critical)

			require.Equal(t, 1, f.edge.CloseCalls())
		})
	}
}

func TestAttempt_selfConnectRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.Start(f.Config(daddr.Address{}))
	req := f.Sent()

	// Some node answered claiming to be us.
	f.Inject(f.LinkResponse(req, f.local))

	dtest.IsClosedSoon(t, a.Done())
	require.Equal(t, dlink.RetryThisTAResult, a.Result())

	var le *dlink.LinkError
	require.ErrorAs(t, a.Err(), &le)
	require.False(t, le.Critical)
}

func TestAttempt_preLockUnavailable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.table.Lock(f.peer, dconn.StructuredType, &otherHolder{}))

	a := f.Start(f.Config(f.peer))

	dtest.IsClosedSoon(t, a.Done())
	require.Equal(t, dlink.RetryThisTAResult, a.Result())
	require.ErrorIs(t, a.Err(), dtable.ErrLockHeld)
	f.NothingSent()
}

func TestAttempt_startAndFinishOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.Start(f.Config(f.peer))
	_ = f.Sent()

	require.ErrorIs(t, a.Start(), dlink.ErrAlreadyStarted)

	cause := errors.New("shutting down")
	require.NoError(t, a.Abort(cause))
	require.ErrorIs(t, a.Abort(cause), dlink.ErrAlreadyFinished)

	require.Equal(t, dlink.ExceptionResult, a.Result())
	require.ErrorIs(t, a.Err(), cause)

	// Events after finishing are ignored.
	f.sched.Advance(time.Minute)
	f.NothingSent()
	require.Equal(t, 1, f.edge.CloseCalls())
}

func TestAttempt_abortBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a, err := dlink.New(dtest.NewLogger(t), f.Config(f.peer))
	require.NoError(t, err)

	require.NoError(t, a.Abort(errors.New("never mind")))
	require.ErrorIs(t, a.Start(), dlink.ErrAlreadyFinished)
	f.NothingSent()
}

func TestAttempt_edgeClosed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.Start(f.Config(f.peer))
	_ = f.Sent()

	f.edge.SimulateRemoteClose()

	dtest.IsClosedSoon(t, a.Done())
	require.Equal(t, dlink.MoveToNextTAResult, a.Result())
}

func TestAttempt_onFinishedRunsBeforeUnlock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cfg := f.Config(f.peer)

	type observation struct {
		doneClosed bool
		holder     dtable.LockHolder
	}
	seen := make(chan observation, 1)
	cfg.OnFinished = func(a *dlink.Attempt) {
		var o observation
		select {
		case <-a.Done():
			o.doneClosed = true
		default:
		}
		o.holder, _ = f.table.Holder(f.peer, dconn.StructuredType)
		seen <- o
	}

	a := f.Start(cfg)
	_ = f.Sent()
	require.NoError(t, a.Abort(errors.New("stop")))

	o := dtest.ReceiveSoon(t, seen)
	require.True(t, o.doneClosed)
	require.Same(t, a, o.holder)

	_, ok := f.table.Holder(f.peer, dconn.StructuredType)
	require.False(t, ok)
}

func mustEncode(t *testing.T, m dlproto.Message) []byte {
	t.Helper()

	b, err := dlproto.Encode(m)
	require.NoError(t, err)
	return b
}
