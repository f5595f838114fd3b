package core

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
)

// AppHandler receives decrypted application packets addressed to this node.
type AppHandler func(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId)

type inboundFrame struct {
	data   []byte
	phySrc state.NodeId
	rssi   int8
}

type outboundFrame struct {
	frame    []byte
	src, dst state.NodeId
	gateway  state.NodeId
	protocol uint8
	priority uint8
	// report a broken link when the radio gives up
	report bool
}

// Controller moves packets between the radio, the security pipeline, the framework and
// the routing engine.
type Controller struct {
	radio    Radio
	frames   chan inboundFrame
	sends    chan outboundFrame
	handlers map[uint8]AppHandler
	env      *state.Env
	wg       sync.WaitGroup
}

func NewController(radio Radio) *Controller {
	return &Controller{radio: radio}
}

func (c *Controller) Init(s *state.State) error {
	if c.radio == nil {
		return errors.New("controller has no radio")
	}
	c.env = s.Env
	c.frames = make(chan inboundFrame, state.QueueCapacity)
	c.sends = make(chan outboundFrame, state.QueueCapacity)
	c.handlers = make(map[uint8]AppHandler)
	c.radio.Listen(c.PacketArrived)
	if !s.Synchronous {
		c.wg.Add(1)
		go c.sender()
	}
	return nil
}

func (c *Controller) Cleanup(s *state.State) error {
	err := c.radio.Close()
	close(c.sends)
	c.wg.Wait()
	return err
}

// Frames is drained by the main loop.
func (c *Controller) Frames() <-chan inboundFrame {
	return c.frames
}

// PacketArrived is the radio callback. It never blocks; frames are dropped when the
// processing context is behind.
func (c *Controller) PacketArrived(frame []byte, phySrc state.NodeId, rssi int8) {
	select {
	case c.frames <- inboundFrame{data: slices.Clone(frame), phySrc: phySrc, rssi: rssi}:
	default:
		perf.DroppedFramePerSecond.Add(1)
		perf.Mesh.QueueDrops.WithLabelValues(c.env.Id.String(), "receive").Inc()
	}
}

// RegisterProtocol routes application packets of protocol to h.
func (c *Controller) RegisterProtocol(protocol uint8, h AppHandler) error {
	if protocol < state.ProtocolApplication {
		return fmt.Errorf("protocol %d is reserved", protocol)
	}
	c.handlers[protocol] = h
	return nil
}

// Send secures payload with the configured data mode and sends it to dst.
func (c *Controller) Send(s *state.State, dst state.NodeId, protocol uint8, payload []byte) error {
	if protocol < state.ProtocolApplication {
		return fmt.Errorf("protocol %d is reserved", protocol)
	}
	pkt, err := state.NewPacket(s.Id, dst, protocol, state.DefaultTTL, s.DataMode, false, payload)
	if err != nil {
		return err
	}
	return Get[*Routing](s).Send(s, pkt)
}

// sendMessage builds a control packet around msg and hands it to the routing engine.
func sendMessage(s *state.State, dst state.NodeId, protocol uint8, ttl uint8, mode state.SecurityMode, peek bool, msg state.Message) (*state.SecurePacket, error) {
	b, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	pkt, err := state.NewPacket(s.Id, dst, protocol, ttl, mode, peek, b)
	if err != nil {
		return nil, err
	}
	if trace, ok := TryGet[*MeshTrace](s); ok {
		trace.Publish(s, "send", dst, msg.Type().String())
	}
	return pkt, Get[*Routing](s).Send(s, pkt)
}

func (c *Controller) trace(s *state.State, kind string, peer state.NodeId, pkt *state.SecurePacket) {
	if trace, ok := TryGet[*MeshTrace](s); ok {
		trace.Publish(s, kind, peer, pkt.String())
	}
}

// HandleFrame processes one frame from the receive queue.
func (c *Controller) HandleFrame(s *state.State, data []byte, phySrc state.NodeId) {
	perf.RecvFramesPerSecond.Add(1)
	perf.RecvBytesPerSecond.Add(float64(len(data)))
	perf.Mesh.Packets.WithLabelValues(s.Id.String(), "rx").Inc()

	pkt := &state.SecurePacket{}
	if err := pkt.UnmarshalBinary(data); err != nil {
		s.Log.Debug("dropping malformed frame", "phy", phySrc, "err", err)
		return
	}
	switch {
	case phySrc == state.Broadcast || phySrc == s.Id:
		return
	case pkt.Source == s.Id:
		// our own packet coming back
		return
	case pkt.TTL == 0 || pkt.TTL > state.MaxTTL:
		s.Log.Debug("dropping packet with invalid ttl", "pkt", pkt)
		return
	}
	c.trace(s, "recv", phySrc, pkt)
	if pkt.Destination == s.Id || pkt.IsBroadcast() {
		c.handleLocal(s, pkt, phySrc)
	} else {
		c.forward(s, pkt, phySrc)
	}
}

func (c *Controller) logDrop(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId, err error) {
	c.trace(s, "drop", phySrc, pkt)
	switch {
	case errors.Is(err, state.ErrReplayedBroadcast):
	case errors.Is(err, state.ErrReplayed), errors.Is(err, state.ErrVerification):
		s.Log.Warn("rejected packet", "pkt", pkt, "phy", phySrc, "err", err)
	default:
		s.Log.Debug("dropped packet", "pkt", pkt, "phy", phySrc, "err", err)
	}
}

func (c *Controller) handleLocal(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) {
	p := Get[*PacketSecurity](s)
	if err := p.Verify(s, pkt, phySrc); err != nil {
		c.logDrop(s, pkt, phySrc, err)
		return
	}
	if err := p.Desecure(s, pkt, phySrc); err != nil {
		c.logDrop(s, pkt, phySrc, err)
		return
	}
	verdict, err := Get[*NetworkSecurity](s).Dispatch(s, pkt, phySrc)
	if err != nil {
		c.logDrop(s, pkt, phySrc, err)
		return
	}
	if verdict == VerdictNoRebroadcast {
		return
	}
	if pkt.Protocol == state.ProtocolRouting {
		if Get[*Routing](s).Receive(s, pkt, phySrc) == VerdictNoRebroadcast {
			return
		}
	} else if verdict == VerdictPass {
		c.deliver(s, pkt, phySrc)
	}
	if pkt.IsBroadcast() && pkt.TTL > 1 {
		pkt.TTL--
		if err := c.rebroadcast(s, pkt, phySrc); err != nil {
			s.Log.Debug("rebroadcast failed", "pkt", pkt, "err", err)
		}
	}
}

func (c *Controller) deliver(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) {
	h, ok := c.handlers[pkt.Protocol]
	if !ok {
		s.Log.Debug("no handler for protocol", "protocol", pkt.Protocol, "src", pkt.Source)
		return
	}
	c.trace(s, "deliver", pkt.Source, pkt)
	h(s, pkt.Clone(), phySrc)
}

func (c *Controller) rebroadcast(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	if pkt.Mode() == state.SecurityEncryptAndMACPairwiseBroadcast {
		return c.fanOut(s, pkt, phySrc, false)
	}
	if err := Get[*PacketSecurity](s).Resecure(s, pkt, s.Id); err != nil {
		return err
	}
	return c.enqueue(s, pkt, state.Broadcast, false)
}

// fanOut sends one copy of a pairwise broadcast to each neighbour, secured with its key.
func (c *Controller) fanOut(s *state.State, pkt *state.SecurePacket, exclude state.NodeId, stamp bool) error {
	p := Get[*PacketSecurity](s)
	targets := slices.DeleteFunc(s.Directory.Neighbours(), func(id state.NodeId) bool {
		return id == exclude
	})
	if len(targets) > state.PairwiseFanout {
		targets = targets[:state.PairwiseFanout]
	}
	var errs []error
	for i, n := range targets {
		cp := pkt.Clone()
		cp.Destination = n
		var err error
		if stamp && i == 0 {
			err = p.Secure(s, cp, s.Id)
			pkt.Seq = cp.Seq
		} else {
			err = p.Resecure(s, cp, s.Id)
		}
		cp.Destination = state.Broadcast
		if err != nil {
			errs = append(errs, fmt.Errorf("copy for %s: %w", n, err))
			continue
		}
		if err := c.enqueue(s, cp, n, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// transmit secures a packet originated here and queues it for gateway.
func (c *Controller) transmit(s *state.State, pkt *state.SecurePacket, gateway state.NodeId) error {
	if pkt.IsBroadcast() && pkt.Mode() == state.SecurityEncryptAndMACPairwiseBroadcast {
		return c.fanOut(s, pkt, state.Broadcast, true)
	}
	report := !pkt.IsBroadcast() && !isRouteError(pkt)
	if err := Get[*PacketSecurity](s).Secure(s, pkt, s.Id); err != nil {
		return err
	}
	c.trace(s, "transmit", gateway, pkt)
	return c.enqueue(s, pkt, gateway, report)
}

// forward relays a packet for another node.
func (c *Controller) forward(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) {
	p := Get[*PacketSecurity](s)
	r := Get[*Routing](s)
	if err := p.Verify(s, pkt, phySrc); err != nil {
		c.logDrop(s, pkt, phySrc, err)
		return
	}
	pkt.TTL--
	if pkt.TTL == 0 {
		c.trace(s, "expired", phySrc, pkt)
		return
	}

	var gw state.NodeId
	report := true
	switch {
	case pkt.Peek():
		if err := p.Desecure(s, pkt, phySrc); err != nil {
			c.logDrop(s, pkt, phySrc, err)
			return
		}
		r.Peek(s, pkt, phySrc)
		verdict, err := Get[*NetworkSecurity](s).Dispatch(s, pkt, phySrc)
		if err != nil || verdict == VerdictNoRebroadcast {
			return
		}
		report = !isRouteError(pkt)
		gw = s.Directory.Gateway(pkt.Destination)
		if gw == state.Broadcast {
			r.count(s, "no_route_on_forward", &r.Stats.NoRouteOnForward)
			return
		}
		if err := p.Resecure(s, pkt, s.Id); err != nil {
			c.logDrop(s, pkt, phySrc, err)
			return
		}
	default:
		gw = s.Directory.Gateway(pkt.Destination)
		if gw == state.Broadcast {
			r.ForwardFailed(s, pkt)
			return
		}
		var err error
		if pkt.Mode().Pairwise() {
			// pairwise keys change at every hop
			if err = p.Desecure(s, pkt, phySrc); err == nil {
				err = p.Resecure(s, pkt, s.Id)
			}
		} else {
			err = p.Remac(s, pkt, s.Id)
		}
		if err != nil {
			c.logDrop(s, pkt, phySrc, err)
			return
		}
	}

	if gw == phySrc {
		s.Log.Debug("dropping packet that would bounce back", "pkt", pkt, "phy", phySrc)
		return
	}
	perf.ForwardedPerSecond.Add(1)
	perf.Mesh.Packets.WithLabelValues(s.Id.String(), "fwd").Inc()
	c.trace(s, "forward", gw, pkt)
	if err := c.enqueue(s, pkt, gw, report); err != nil {
		s.Log.Debug("forward failed", "pkt", pkt, "err", err)
	}
}

func priorityOf(pkt *state.SecurePacket) uint8 {
	if pkt.Protocol < state.ProtocolApplication {
		return state.PriorityControl
	}
	return state.PriorityData
}

// enqueue marshals a secured packet and hands it to the sender.
func (c *Controller) enqueue(s *state.State, pkt *state.SecurePacket, gateway state.NodeId, report bool) error {
	frame, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}
	out := outboundFrame{
		frame:    frame,
		src:      pkt.Source,
		dst:      pkt.Destination,
		gateway:  gateway,
		protocol: pkt.Protocol,
		priority: priorityOf(pkt),
		report:   report,
	}
	if s.Synchronous {
		if err := c.send(out); err != nil && out.report {
			Get[*Routing](s).LinkBroken(s, out.src, out.dst, out.gateway)
		}
		return nil
	}
	select {
	case c.sends <- out:
		return nil
	default:
		perf.Mesh.QueueDrops.WithLabelValues(s.Id.String(), "send").Inc()
		return fmt.Errorf("send to %s: %w", gateway, state.ErrQueueFull)
	}
}

func (c *Controller) send(out outboundFrame) error {
	var err error
	for range state.RadioSendRetry {
		if err = c.radio.Send(out.gateway, out.protocol, out.priority, out.frame); err == nil {
			perf.SentFramesPerSecond.Add(1)
			perf.SentBytesPerSecond.Add(float64(len(out.frame)))
			perf.Mesh.Packets.WithLabelValues(c.env.Id.String(), "tx").Inc()
			return nil
		}
		if errors.Is(err, ErrRadioClosed) {
			return err
		}
	}
	return err
}

// sender drains the send queue so the processing context never waits on the radio.
func (c *Controller) sender() {
	defer c.wg.Done()
	for out := range c.sends {
		err := c.send(out)
		if err == nil || !out.report || c.env.Stopping.Load() {
			continue
		}
		c.env.Log.Debug("radio gave up", "gateway", out.gateway, "err", err)
		_ = c.env.TryDispatch(func(s *state.State) error {
			Get[*Routing](s).LinkBroken(s, out.src, out.dst, out.gateway)
			return nil
		})
	}
}
