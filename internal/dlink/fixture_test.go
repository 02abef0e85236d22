package dlink_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/tether/daddr"
	"github.com/gordian-engine/tether/dconn"
	"github.com/gordian-engine/tether/dedge/dedgetest"
	"github.com/gordian-engine/tether/dtimer"
	"github.com/gordian-engine/tether/internal/dlink"
	"github.com/gordian-engine/tether/internal/dlproto"
	"github.com/gordian-engine/tether/internal/dtable"
	"github.com/gordian-engine/tether/internal/dtest"
	"github.com/stretchr/testify/require"
)

const testRealm = "testnet"

// fixture wires an Attempt to a stub edge and a simulated heartbeat.
type fixture struct {
	t *testing.T

	mock  *clock.Mock
	sched *dtimer.Scheduler
	hb    *dtimer.Heartbeat

	table *dtable.Table
	edge  *dedgetest.StubEdge

	// Local sorts before peer.
	local, peer daddr.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := dtest.NewLogger(t)
	m := clock.NewMock()
	s := dtimer.NewSimulated(log, m)

	hb, err := dtimer.NewHeartbeat(log, s, 500*time.Millisecond)
	require.NoError(t, err)

	addrs := dtest.RandomAddressesForTest(t, 2)

	return &fixture{
		t: t,

		mock:  m,
		sched: s,
		hb:    hb,

		table: dtable.New(log, nil),
		edge:  dedgetest.NewStubEdge("mem://local", "mem://peer"),

		local: addrs[0],
		peer:  addrs[1],
	}
}

func (f *fixture) Config(target daddr.Address) dlink.Config {
	return dlink.Config{
		Local: daddr.NodeInfo{
			Address: f.local,
			TAs:     []daddr.TransportAddress{"mem://local"},
		},
		Realm:     testRealm,
		Type:      dconn.StructuredType,
		Target:    target,
		Edge:      f.edge,
		Table:     f.table,
		Heartbeat: f.hb,
		Now:       f.sched.Now,
	}
}

// Start creates and starts an attempt with cfg.
func (f *fixture) Start(cfg dlink.Config) *dlink.Attempt {
	f.t.Helper()

	a, err := dlink.New(dtest.NewLogger(f.t), cfg)
	require.NoError(f.t, err)
	require.NoError(f.t, a.Start())
	return a
}

// Sent decodes the next message the attempt sent.
func (f *fixture) Sent() dlproto.Message {
	f.t.Helper()

	b := dtest.ReceiveSoon(f.t, f.edge.Sent)
	m, err := dlproto.Decode(b)
	require.NoError(f.t, err)
	return m
}

// NothingSent asserts that the attempt has not sent anything new.
func (f *fixture) NothingSent() {
	f.t.Helper()

	select {
	case b := <-f.edge.Sent:
		m, err := dlproto.Decode(b)
		f.t.Fatalf("unexpected send: %#v (decode error: %v)", m, err)
	default:
	}
}

// Inject delivers m to the attempt as though the peer sent it.
func (f *fixture) Inject(m dlproto.Message) {
	f.t.Helper()

	b, err := dlproto.Encode(m)
	require.NoError(f.t, err)
	f.edge.Inject(b)
}

// LinkResponse is the response a well-behaved peer would send to req.
func (f *fixture) LinkResponse(req dlproto.Message, from daddr.Address) dlproto.Message {
	lm := req.Body.(dlproto.LinkMessage)
	return dlproto.NewResponse(req.ID, dlproto.LinkMessage{
		ConnType: lm.ConnType,
		Realm:    lm.Realm,
		Local: daddr.NodeInfo{
			Address: from,
			TAs:     []daddr.TransportAddress{"mem://peer"},
		},
		Remote: lm.Local,
	})
}

// otherHolder is a lock holder standing in for the inbound responder.
type otherHolder struct{}

func (*otherHolder) HolderKind() dtable.HolderKind { return dtable.OtherHolder }

func (*otherHolder) AllowLockTransfer(daddr.Address, dconn.Type, dtable.LockHolder) bool {
	return false
}
