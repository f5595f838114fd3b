package core

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// pendingSend is a packet waiting for route discovery to its destination.
type pendingSend struct {
	pkt       *state.SecurePacket
	enqueued  time.Time
	duplicate bool
}

// routeRequest tracks the discovery in flight for one destination.
type routeRequest struct {
	dst      state.NodeId
	retries  int
	deadline time.Time
}

type rreqKey struct {
	src, dst state.NodeId
	seq      uint16
}

// RoutingStats counts route discovery outcomes.
type RoutingStats struct {
	RREQOriginated   uint32
	RREQReceived     uint32
	RREPOriginated   uint32
	RREPReceived     uint32
	RERROriginated   uint32
	RERRReceived     uint32
	Duplicates       uint32
	NoRouteFound     uint32
	BrokenLink       uint32
	NoRouteOnForward uint32
}

// Routing discovers routes on demand with RREQ/RREP and invalidates them with RERR.
type Routing struct {
	pending  []pendingSend
	requests map[state.NodeId]*routeRequest
	timer    uuid.UUID
	seen     *ttlcache.Cache[rreqKey, struct{}]
	Stats    RoutingStats
}

func (r *Routing) Init(s *state.State) error {
	r.requests = make(map[state.NodeId]*routeRequest)
	r.seen = ttlcache.New[rreqKey, struct{}](
		ttlcache.WithTTL[rreqKey, struct{}](state.RREQDedupTTL),
		ttlcache.WithCapacity[rreqKey, struct{}](uint64(state.MaxNodes)),
	)
	r.timer = Get[*NetworkSecurity](s).RegisterTimer(s, 0, r.timeout, nil)
	return nil
}

func (r *Routing) Cleanup(s *state.State) error {
	r.pending = nil
	r.seen.DeleteAll()
	return nil
}

func (r *Routing) count(s *state.State, event string, field *uint32) {
	*field++
	perf.Mesh.Routing.WithLabelValues(s.Id.String(), event).Inc()
}

// Pending returns the number of packets waiting for a route.
func (r *Routing) Pending() int {
	return len(r.pending)
}

func (r *Routing) InFlight(dst state.NodeId) bool {
	_, ok := r.requests[dst]
	return ok
}

// Send transmits pkt towards its destination, starting route discovery if no gateway is
// known. pkt must not be secured yet.
func (r *Routing) Send(s *state.State, pkt *state.SecurePacket) error {
	if pkt.Destination == s.Id {
		return state.ErrLocalDestination
	}
	c := Get[*Controller](s)
	if pkt.TTL == 1 || pkt.IsBroadcast() {
		return c.transmit(s, pkt, pkt.Destination)
	}
	if gw := s.Directory.Gateway(pkt.Destination); gw != state.Broadcast {
		return c.transmit(s, pkt, gw)
	}
	if len(r.pending) >= state.QueueCapacity {
		perf.Mesh.QueueDrops.WithLabelValues(s.Id.String(), "pending").Inc()
		return fmt.Errorf("pending send to %s: %w", pkt.Destination, state.ErrQueueFull)
	}

	req, inFlight := r.requests[pkt.Destination]
	r.pending = append(r.pending, pendingSend{
		pkt:       pkt,
		enqueued:  s.Now(),
		duplicate: inFlight,
	})
	if inFlight {
		r.count(s, "duplicate", &r.Stats.Duplicates)
		req.retries = 0
		return nil
	}
	req = &routeRequest{dst: pkt.Destination}
	r.requests[pkt.Destination] = req
	return r.discover(s, req)
}

// discover broadcasts an RREQ for req and arms its timeout.
func (r *Routing) discover(s *state.State, req *routeRequest) error {
	ttl := state.TTLStart
	if req.retries > 0 {
		ttl = state.TTLThreshold
	}
	req.retries++
	req.deadline = s.Now().Add(state.RREQTimeoutBase + state.RREQTimeoutPerTTL*time.Duration(ttl))
	defer r.reschedule(s)

	s.Log.Debug("route discovery", "dst", req.dst, "attempt", req.retries, "ttl", ttl)
	r.count(s, "rreq_originated", &r.Stats.RREQOriginated)
	pkt, err := sendMessage(s, state.Broadcast, state.ProtocolRouting, ttl, state.SecurityEncryptAndMAC, true,
		state.RouteRequest{Source: s.Id, Destination: req.dst, Addresses: []state.NodeId{s.Id}})
	if err != nil {
		return err
	}
	r.seen.Set(rreqKey{s.Id, req.dst, pkt.Seq}, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// reschedule points the shared countdown at the nearest route request deadline.
func (r *Routing) reschedule(s *state.State) {
	ns := Get[*NetworkSecurity](s)
	if len(r.requests) == 0 {
		ns.StopTimer(r.timer)
		return
	}
	var next time.Time
	for _, req := range r.requests {
		if next.IsZero() || req.deadline.Before(next) {
			next = req.deadline
		}
	}
	_ = ns.RestartTimer(s, r.timer, max(next.Sub(s.Now()), time.Millisecond))
}

func (r *Routing) timeout(s *state.State, _ any) TimerResult {
	now := s.Now()
	var due []*routeRequest
	for _, req := range r.requests {
		if !req.deadline.After(now) {
			due = append(due, req)
		}
	}
	slices.SortFunc(due, func(a, b *routeRequest) int {
		return cmp.Compare(a.dst, b.dst)
	})
	for _, req := range due {
		switch {
		case s.Directory.Gateway(req.dst) != state.Broadcast:
			r.flush(s, req.dst)
		case req.retries < state.RREQThreshold:
			if err := r.discover(s, req); err != nil {
				s.Log.Warn("failed to send route request", "dst", req.dst, "err", err)
			}
		default:
			dropped := r.drop(req.dst)
			delete(r.requests, req.dst)
			r.count(s, "no_route_found", &r.Stats.NoRouteFound)
			s.Log.Warn("no route found", "dst", req.dst, "dropped", dropped)
		}
	}
	r.reschedule(s)
	return TimerStop
}

func (r *Routing) drop(dst state.NodeId) int {
	n := len(r.pending)
	r.pending = slices.DeleteFunc(r.pending, func(p pendingSend) bool {
		return p.pkt.Destination == dst
	})
	return n - len(r.pending)
}

// flush sends everything queued for dst, then every other entry that became routable.
func (r *Routing) flush(s *state.State, dst state.NodeId) {
	delete(r.requests, dst)
	c := Get[*Controller](s)
	var ready, rest []pendingSend
	for _, p := range r.pending {
		if p.pkt.Destination == dst {
			ready = append(ready, p)
		} else {
			rest = append(rest, p)
		}
	}
	r.pending = nil
	for _, p := range rest {
		if s.Directory.Gateway(p.pkt.Destination) != state.Broadcast {
			ready = append(ready, p)
			delete(r.requests, p.pkt.Destination)
		} else {
			r.pending = append(r.pending, p)
		}
	}
	for _, p := range ready {
		gw := s.Directory.Gateway(p.pkt.Destination)
		if gw == state.Broadcast {
			continue
		}
		if err := c.transmit(s, p.pkt, gw); err != nil {
			s.Log.Warn("failed to send queued packet", "dst", p.pkt.Destination, "err", err)
		}
	}
	r.reschedule(s)
}

// learnRoutes adds a route to every address in path through the neighbour next to this node.
func (r *Routing) learnRoutes(s *state.State, path []state.NodeId) {
	self := slices.Index(path, s.Id)
	if self == -1 {
		return
	}
	for i, addr := range path {
		if i == self || addr == state.Broadcast {
			continue
		}
		var gw state.NodeId
		if i < self {
			gw = path[self-1]
		} else {
			gw = path[self+1]
		}
		if _, err := s.Directory.AddRoute(addr, gw, uint8(abs(i-self)), path); err != nil {
			s.Log.Debug("cannot learn route", "dst", addr, "gateway", gw, "err", err)
		}
	}
}

// clearRoute forgets the gateway of dst. Neighbours are only dropped by missed keep-alives.
func (r *Routing) clearRoute(s *state.State, dst state.NodeId) {
	if s.Directory.IsNeighbour(dst) {
		return
	}
	s.Directory.Update(dst, func(n *state.NetworkNode) {
		n.Gateway = state.Broadcast
		n.HopDistance = 0
		n.FullRoute = nil
	})
}

// Receive handles a routing packet addressed to this node or broadcast.
func (r *Routing) Receive(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) Verdict {
	switch pkt.MessageType() {
	case state.MsgRouteRequest:
		return r.onRequest(s, pkt, phySrc)
	case state.MsgRouteReply:
		msg := state.RouteReply{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			s.Log.Debug("malformed rrep", "src", pkt.Source, "err", err)
			return VerdictNoRebroadcast
		}
		r.count(s, "rrep_received", &r.Stats.RREPReceived)
		r.learnRoutes(s, msg.Addresses)
		if msg.Source == s.Id {
			r.flush(s, msg.Destination)
		}
		return VerdictNoRebroadcast
	case state.MsgRouteError:
		msg := state.RouteError{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			s.Log.Debug("malformed rerr", "src", pkt.Source, "err", err)
			return VerdictNoRebroadcast
		}
		r.count(s, "rerr_received", &r.Stats.RERRReceived)
		s.Log.Debug("route error", "reporter", msg.Reporter, "next_hop", msg.NextHop, "dst", msg.Destination)
		r.clearRoute(s, msg.Destination)
		return VerdictNoRebroadcast
	}
	return VerdictPass
}

func (r *Routing) onRequest(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) Verdict {
	msg := state.RouteRequest{}
	if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
		s.Log.Debug("malformed rreq", "src", pkt.Source, "err", err)
		return VerdictNoRebroadcast
	}
	if msg.Source == s.Id {
		return VerdictNoRebroadcast
	}
	id := rreqKey{msg.Source, msg.Destination, pkt.Seq}
	if r.seen.Has(id) {
		return VerdictNoRebroadcast
	}
	r.seen.Set(id, struct{}{}, ttlcache.DefaultTTL)
	r.count(s, "rreq_received", &r.Stats.RREQReceived)

	if len(msg.Addresses) >= state.AddressListSize {
		s.Log.Debug("rreq address list full", "src", msg.Source, "dst", msg.Destination)
		return VerdictNoRebroadcast
	}
	msg.Addresses = append(msg.Addresses, s.Id)
	r.learnRoutes(s, msg.Addresses)

	if msg.Destination == s.Id {
		r.count(s, "rrep_originated", &r.Stats.RREPOriginated)
		_, err := sendMessage(s, msg.Source, state.ProtocolRouting, state.DefaultTTL, state.SecurityEncryptAndMAC, true,
			state.RouteReply(msg))
		if err != nil {
			s.Log.Warn("failed to send route reply", "dst", msg.Source, "err", err)
		}
		return VerdictNoRebroadcast
	}

	// carry the extended path to the next hops
	b, err := msg.MarshalBinary()
	if err != nil {
		return VerdictNoRebroadcast
	}
	copy(pkt.Data[:], b)
	return VerdictHandled
}

// Peek inspects a routing packet this node forwards for someone else.
func (r *Routing) Peek(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) {
	if pkt.Protocol != state.ProtocolRouting {
		return
	}
	switch pkt.MessageType() {
	case state.MsgRouteReply:
		msg := state.RouteReply{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err == nil {
			r.learnRoutes(s, msg.Addresses)
		}
	case state.MsgRouteError:
		msg := state.RouteError{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err == nil {
			r.clearRoute(s, msg.Destination)
		}
	}
}

// ForwardFailed reports back to the originator of pkt that no route to its destination is
// known here.
func (r *Routing) ForwardFailed(s *state.State, pkt *state.SecurePacket) {
	r.count(s, "no_route_on_forward", &r.Stats.NoRouteOnForward)
	if pkt.IsBroadcast() {
		return
	}
	r.sendError(s, pkt.Source, pkt.Destination, state.Broadcast)
}

// LinkBroken is called when the radio gave up on a frame from src to dst handed to gateway.
func (r *Routing) LinkBroken(s *state.State, src, dst, gateway state.NodeId) {
	r.count(s, "broken_link", &r.Stats.BrokenLink)
	s.Log.Warn("link broken", "gateway", gateway, "dst", dst)
	r.clearRoute(s, dst)
	if src != s.Id {
		r.sendError(s, src, dst, gateway)
	}
}

func (r *Routing) sendError(s *state.State, src, dst, gateway state.NodeId) {
	if s.Directory.Gateway(src) == state.Broadcast {
		s.Log.Debug("no route back to originator", "src", src)
		return
	}
	r.count(s, "rerr_originated", &r.Stats.RERROriginated)
	_, err := sendMessage(s, src, state.ProtocolRouting, state.DefaultTTL, state.SecurityEncryptAndMAC, true,
		state.RouteError{
			ErrorType:   state.RouteErrorNodeUnreachable,
			Reporter:    s.Id,
			NextHop:     gateway,
			Destination: dst,
		})
	if err != nil {
		s.Log.Warn("failed to send route error", "dst", src, "err", err)
	}
}

// isRouteError reports whether a plaintext packet is an RERR, which never triggers another RERR.
func isRouteError(pkt *state.SecurePacket) bool {
	return pkt.Protocol == state.ProtocolRouting && pkt.MessageType() == state.MsgRouteError
}
