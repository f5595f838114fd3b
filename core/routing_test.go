package core

import (
	"testing"
	"time"

	"github.com/encodeous/meshsec/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isRouteRequestFrom(src state.NodeId) func(f SentFrame) bool {
	return func(f SentFrame) bool {
		return f.Pkt.Protocol == state.ProtocolRouting && f.Pkt.Source == src && f.Pkt.IsBroadcast()
	}
}

func TestRouteDiscoveryFlushesQueue(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1, 2, 3, 4)
	h.PairLine(1, 2, 3, 4)
	got := h.Collect(4, state.ProtocolApplication)
	s1 := h.Node(1)
	c := Get[*Controller](s1)
	r := Get[*Routing](s1)

	require.NoError(t, c.Send(s1, 4, state.ProtocolApplication, []byte("ping")))
	require.NoError(t, c.Send(s1, 4, state.ProtocolApplication, []byte("pong")))
	assert.Equal(t, 2, r.Pending())
	assert.True(t, r.InFlight(4))
	h.Drain()

	assert.Equal(t, [][]byte{[]byte("ping"), []byte("pong")}, *got)
	assert.Zero(t, r.Pending())
	assert.False(t, r.InFlight(4))
	assert.Equal(t, uint32(1), r.Stats.RREQOriginated)
	assert.Equal(t, uint32(1), r.Stats.Duplicates)
	assert.Equal(t, uint32(1), r.Stats.RREPReceived)
	assert.Equal(t, uint32(1), Get[*Routing](h.Node(4)).Stats.RREPOriginated)

	n, ok := s1.Directory.Find(4)
	require.True(t, ok)
	assert.Equal(t, state.NodeId(2), n.Gateway)
	assert.Equal(t, uint8(3), n.HopDistance)
	assert.Equal(t, []state.NodeId{1, 2, 3, 4}, n.FullRoute)
	// intermediate nodes learn both directions
	assert.Equal(t, state.NodeId(3), h.Node(2).Directory.Gateway(4))
	assert.Equal(t, state.NodeId(2), h.Node(3).Directory.Gateway(1))

	// the route is reused without another discovery
	require.NoError(t, c.Send(s1, 4, state.ProtocolApplication, []byte("again")))
	h.Drain()
	assert.Len(t, *got, 3)
	assert.Equal(t, uint32(1), r.Stats.RREQOriginated)
}

func TestRouteDiscoveryGivesUp(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1, 2)
	h.PairLine(1, 2)
	s1 := h.Node(1)
	r := Get[*Routing](s1)

	require.NoError(t, Get[*Controller](s1).Send(s1, 9, state.ProtocolApplication, []byte("nobody")))
	h.Advance(2 * time.Minute)

	assert.Equal(t, uint32(state.RREQThreshold), r.Stats.RREQOriginated)
	assert.Len(t, h.SentBy(1, isRouteRequestFrom(1)), state.RREQThreshold)
	assert.Equal(t, uint32(1), r.Stats.NoRouteFound)
	assert.Zero(t, r.Pending())
	assert.False(t, r.InFlight(9))
	assert.False(t, Get[*NetworkSecurity](s1).TimerActive(r.timer))
}

func TestRouteRequestTTLGrows(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1)
	s1 := h.Node(1)
	require.NoError(t, Get[*Controller](s1).Send(s1, 9, state.ProtocolApplication, []byte("far")))
	h.Advance(state.RREQTimeoutBase + state.RREQTimeoutPerTTL*time.Duration(state.TTLStart))

	rreqs := h.SentBy(1, isRouteRequestFrom(1))
	require.Len(t, rreqs, 2)
	assert.Equal(t, state.TTLStart, rreqs[0].Pkt.TTL)
	assert.Equal(t, state.TTLThreshold, rreqs[1].Pkt.TTL)
}

func TestDuplicateSendResetsRetries(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1)
	s1 := h.Node(1)
	c := Get[*Controller](s1)
	r := Get[*Routing](s1)

	require.NoError(t, c.Send(s1, 9, state.ProtocolApplication, []byte("a")))
	h.Advance(15 * time.Second)
	require.Equal(t, 2, r.requests[9].retries)
	require.NoError(t, c.Send(s1, 9, state.ProtocolApplication, []byte("b")))
	assert.Zero(t, r.requests[9].retries)
	assert.Equal(t, 2, r.Pending())
}

func TestSendValidation(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1)
	s1 := h.Node(1)
	c := Get[*Controller](s1)

	assert.ErrorIs(t, c.Send(s1, 1, state.ProtocolApplication, []byte("self")), state.ErrLocalDestination)
	assert.Error(t, c.Send(s1, 2, state.ProtocolRouting, []byte("reserved")))
	assert.ErrorIs(t, c.Send(s1, 2, state.ProtocolApplication, make([]byte, state.MaxPayloadLen+1)), state.ErrTooLong)
	assert.Error(t, c.RegisterProtocol(state.ProtocolNetworkSecurity, nil))
}

func TestPendingQueueIsBounded(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1)
	s1 := h.Node(1)
	c := Get[*Controller](s1)
	for i := range state.QueueCapacity {
		require.NoError(t, c.Send(s1, state.NodeId(10+i%3), state.ProtocolApplication, []byte{byte(i)}))
	}
	assert.ErrorIs(t, c.Send(s1, 9, state.ProtocolApplication, []byte("overflow")), state.ErrQueueFull)
	assert.Equal(t, state.QueueCapacity, Get[*Routing](s1).Pending())
}

func TestBrokenLinkSendsRouteError(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1, 2, 3, 4)
	h.PairLine(1, 2, 3, 4)
	got := h.Collect(4, state.ProtocolApplication)
	s1 := h.Node(1)
	c := Get[*Controller](s1)
	require.NoError(t, c.Send(s1, 4, state.ProtocolApplication, []byte("first")))
	h.Drain()
	require.Len(t, *got, 1)
	require.Equal(t, state.NodeId(2), s1.Directory.Gateway(4))

	h.Unlink(3, 4)
	require.NoError(t, c.Send(s1, 4, state.ProtocolApplication, []byte("lost")))
	h.Drain()

	assert.Len(t, *got, 1)
	r3 := Get[*Routing](h.Node(3))
	assert.Equal(t, uint32(1), r3.Stats.BrokenLink)
	assert.Equal(t, uint32(1), r3.Stats.RERROriginated)
	// a broken link does not drop the neighbour, only keep-alives do
	assert.True(t, h.Node(3).Directory.IsNeighbour(4))
	assert.Equal(t, state.Broadcast, h.Node(2).Directory.Gateway(4))
	assert.Equal(t, state.Broadcast, s1.Directory.Gateway(4))
	assert.Equal(t, uint32(1), Get[*Routing](s1).Stats.RERRReceived)
	retries := h.SentBy(3, func(f SentFrame) bool {
		return f.Gateway == 4 && f.Pkt.Protocol == state.ProtocolApplication
	})
	assert.Len(t, retries, 1+state.RadioSendRetry)
}

func TestForwardWithoutRouteSendsRouteError(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1, 2, 3)
	h.PairLine(1, 2, 3)
	s1 := h.Node(1)
	_, err := s1.Directory.AddRoute(9, 2, 2, nil)
	require.NoError(t, err)

	require.NoError(t, Get[*Controller](s1).Send(s1, 9, state.ProtocolApplication, []byte("stale")))
	h.Drain()

	r2 := Get[*Routing](h.Node(2))
	assert.Equal(t, uint32(1), r2.Stats.NoRouteOnForward)
	assert.Equal(t, uint32(1), r2.Stats.RERROriginated)
	assert.Equal(t, state.Broadcast, s1.Directory.Gateway(9))
}

func TestRouteRequestAddressListLimit(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1, 2)
	h.PairLine(1, 2)
	s1, s2 := h.Node(1), h.Node(2)
	full := make([]state.NodeId, state.AddressListSize)
	for i := range full {
		full[i] = state.NodeId(100 + i)
	}
	_, err := sendMessage(s1, state.Broadcast, state.ProtocolRouting, state.TTLStart, state.SecurityEncryptAndMAC, true,
		state.RouteRequest{Source: 100, Destination: 2, Addresses: full})
	require.NoError(t, err)
	h.Drain()

	r2 := Get[*Routing](s2)
	assert.Equal(t, uint32(1), r2.Stats.RREQReceived)
	assert.Zero(t, r2.Stats.RREPOriginated)
	assert.Empty(t, h.SentBy(2, isRouteRequestFrom(1)))
}

func TestLearnRoutes(t *testing.T) {
	h := NewMeshHarness(t)
	h.AddNodes(1, 2, 3)
	s := h.Node(3)
	r := Get[*Routing](s)

	r.learnRoutes(s, []state.NodeId{5, 6, 3, 7, 8})
	cases := map[state.NodeId]struct {
		gw   state.NodeId
		hops uint8
	}{
		5: {6, 2},
		6: {6, 1},
		7: {7, 1},
		8: {7, 2},
	}
	for dst, want := range cases {
		n, ok := s.Directory.Find(dst)
		require.True(t, ok, "route to %s", dst)
		assert.Equal(t, want.gw, n.Gateway, "gateway to %s", dst)
		assert.Equal(t, want.hops, n.HopDistance, "hops to %s", dst)
	}

	// a longer path never replaces a shorter one
	r.learnRoutes(s, []state.NodeId{8, 9, 10, 3})
	assert.Equal(t, state.NodeId(7), s.Directory.Gateway(8))

	r.clearRoute(s, 8)
	assert.Equal(t, state.Broadcast, s.Directory.Gateway(8))
	// the path ends at this node
	r.learnRoutes(s, []state.NodeId{4, 3})
	assert.Equal(t, state.NodeId(4), s.Directory.Gateway(4))
}
