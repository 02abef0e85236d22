package tether

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/dedge"
	"github.com/gordian-engine/tether/dedge/dedgetest"
	"github.com/gordian-engine/tether/dtimer"
	"github.com/gordian-engine/tether/internal/dlproto"
	"github.com/gordian-engine/tether/internal/dtable"
	"github.com/gordian-engine/tether/internal/dtest"
	"github.com/stretchr/testify/require"
)

type kindHolder dtable.HolderKind

func (h kindHolder) HolderKind() dtable.HolderKind { return dtable.HolderKind(h) }

func (kindHolder) AllowLockTransfer(daddr.Address, dconn.Type, dtable.LockHolder) bool {
	return false
}

func TestLinker_AllowLockTransfer(t *testing.T) {
	t.Parallel()

	// Lower peer, ourselves, higher peer.
	addrs := dtest.RandomAddressesForTest(t, 3)
	lower, higher := addrs[0], addrs[2]

	l := newLinker(dtest.NewLogger(t), linkerConfig{
		Local: daddr.NodeInfo{Address: addrs[1]},
		Type:  dconn.StructuredType,
	})

	inbound := kindHolder(dtable.OtherHolder)
	stranger := kindHolder(dtable.LinkAttemptHolder)

	require.True(t, l.AllowLockTransfer(higher, dconn.StructuredType, inbound))
	require.False(t, l.AllowLockTransfer(lower, dconn.StructuredType, inbound))

	// Only our own attempts may take the lock from us.
	require.False(t, l.AllowLockTransfer(higher, dconn.StructuredType, stranger))

	l.finish()
	require.True(t, l.AllowLockTransfer(lower, dconn.StructuredType, stranger))
	require.True(t, l.AllowLockTransfer(lower, dconn.StructuredType, inbound))
}

func TestLinker_finishReleasesHeldLock(t *testing.T) {
	t.Parallel()

	addrs := dtest.RandomAddressesForTest(t, 2)
	log := dtest.NewLogger(t)
	table := dtable.New(log, nil)

	l := newLinker(log, linkerConfig{
		Local:  daddr.NodeInfo{Address: addrs[0]},
		Type:   dconn.StructuredType,
		Target: addrs[1],
		Table:  table,
	})

	// Stand in for a takeover from a finished attempt.
	require.NoError(t, table.Lock(addrs[1], dconn.StructuredType, l))
	l.mu.Lock()
	l.holds = true
	l.lockAddr = addrs[1]
	l.mu.Unlock()

	h, ok := table.Holder(addrs[1], dconn.StructuredType)
	require.True(t, ok)
	require.Equal(t, dtable.LinkerHolder, h.HolderKind())

	l.finish()
	_, ok = table.Holder(addrs[1], dconn.StructuredType)
	require.False(t, ok)
}

// stubDialer hands out a fresh StubEdge per dial,
// except for addresses listed in refuse.
// Each dial blocks until the test receives it from dials.
type stubDialer struct {
	dials chan daddr.TransportAddress
	edges chan *dedgetest.StubEdge

	refuse map[daddr.TransportAddress]bool
}

func newStubDialer(refuse ...daddr.TransportAddress) *stubDialer {
	d := &stubDialer{
		dials:  make(chan daddr.TransportAddress),
		edges:  make(chan *dedgetest.StubEdge, 8),
		refuse: map[daddr.TransportAddress]bool{},
	}
	for _, ta := range refuse {
		d.refuse[ta] = true
	}
	return d
}

func (d *stubDialer) Dial(ctx context.Context, ta daddr.TransportAddress) (dedge.Edge, error) {
	select {
	case d.dials <- ta:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	if d.refuse[ta] {
		return nil, errors.New("connection refused")
	}

	e := dedgetest.NewStubEdge("mem://local", ta)
	d.edges <- e
	return e, nil
}

func TestLinker_restartsKeepTargetLock(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrs := dtest.RandomAddressesForTest(t, 2)
	local, target := addrs[0], addrs[1]

	log := dtest.NewLogger(t)
	sched := dtimer.NewSimulated(log, clock.NewMock())
	hb, err := dtimer.NewHeartbeat(log, sched, 500*time.Millisecond)
	require.NoError(t, err)

	table := dtable.New(log, nil)
	dialer := newStubDialer("mem://next")

	const maxRestarts = 3
	l := newLinker(log, linkerConfig{
		Local:  daddr.NodeInfo{Address: local},
		Realm:  "testnet",
		Type:   dconn.StructuredType,
		Target: target,
		TAs:    []daddr.TransportAddress{"mem://busy", "mem://next"},

		Dialer:    dialer,
		Table:     table,
		Scheduler: sched,
		Heartbeat: hb,

		MaxRestarts:  maxRestarts,
		RestartDelay: 250 * time.Millisecond,
	})

	type runResult struct {
		conn dconn.Connection
		err  error
	}
	done := make(chan runResult, 1)
	go func() {
		conn, err := l.Run(ctx)
		done <- runResult{conn: conn, err: err}
	}()

	holder := func() dtable.LockHolder {
		h, ok := table.Holder(target, dconn.StructuredType)
		require.True(t, ok)
		return h
	}

	delay := 250 * time.Millisecond
	for i := range maxRestarts + 1 {
		require.Equal(t, daddr.TransportAddress("mem://busy"), dtest.ReceiveSoon(t, dialer.dials))
		e := dtest.ReceiveSoon(t, dialer.edges)

		m, err := dlproto.Decode(dtest.ReceiveSoon(t, e.Sent))
		require.NoError(t, err)
		require.IsType(t, dlproto.LinkMessage{}, m.Body)

		// The running attempt owns the lock, taken from the linker after the first round.
		l.mu.Lock()
		cur := l.current
		l.mu.Unlock()
		require.Same(t, cur, holder())
		require.Equal(t, dtable.LinkAttemptHolder, holder().HolderKind())

		b, err := dlproto.Encode(dlproto.NewResponse(m.ID, dlproto.ErrorMessage{
			Code: dlproto.InProgressErrorCode,
		}))
		require.NoError(t, err)
		e.Inject(b)

		// The attempt finished synchronously and the linker took the lock back.
		require.Same(t, l, holder())

		if i == maxRestarts {
			break
		}

		// Heartbeat plus the restart delay.
		require.Eventually(t, func() bool {
			return sched.Pending() == 2
		}, dtest.ScaleDuration, time.Millisecond)

		sched.Advance(delay - time.Millisecond)
		dtest.NotSending(t, dialer.dials)
		require.Same(t, l, holder())

		sched.Advance(time.Millisecond)
		delay *= 2
	}

	// Restarts are exhausted, so the linker moves on.
	require.Equal(t, daddr.TransportAddress("mem://next"), dtest.ReceiveSoon(t, dialer.dials))

	res := dtest.ReceiveSoon(t, done)
	var ue *UnreachableError
	require.ErrorAs(t, res.err, &ue)
	require.Equal(t, []daddr.TransportAddress{"mem://busy", "mem://next"}, ue.Tried)

	_, ok := table.Holder(target, dconn.StructuredType)
	require.False(t, ok)
}
