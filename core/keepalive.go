package core

import (
	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
	"github.com/google/uuid"
)

// KeepAlive announces this node to its neighbours and drops neighbours that went quiet.
type KeepAlive struct {
	timer uuid.UUID
}

func (k *KeepAlive) Init(s *state.State) error {
	ns := Get[*NetworkSecurity](s)
	ns.RegisterComponent(k)
	k.timer = ns.RegisterTimer(s, state.KeepAliveInterval, k.tick, nil)
	return nil
}

func (k *KeepAlive) Cleanup(s *state.State) error {
	return nil
}

func (k *KeepAlive) tick(s *state.State, _ any) TimerResult {
	ns := Get[*NetworkSecurity](s)
	s.Directory.IncrementKeepAlives()
	dead := s.Directory.DropDeadNeighbours(uint8(state.MissedKeepAliveLimit))
	for _, id := range dead {
		s.Log.Info("neighbour lost", "peer", id)
		ns.RaiseEvent(s, Event{Kind: EventNeighbourLost, Node: id})
	}
	if len(dead) > 0 {
		n := s.Directory.CountNeighbours()
		perf.Mesh.Neighbours.WithLabelValues(s.Id.String()).Set(float64(n))
		if n == 0 {
			ns.RaiseEvent(s, Event{Kind: EventNoNeighbours})
		}
	}
	_, err := sendMessage(s, state.Broadcast, state.ProtocolNetworkSecurity, 1, state.SecurityMACWithInitialKey, false,
		state.KeepAlive{KeySeq: s.Keys.Seq})
	if err != nil {
		s.Log.Debug("failed to send keep-alive", "err", err)
	}
	return TimerContinue
}

func (k *KeepAlive) HandlePacket(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) (Verdict, error) {
	if pkt.Protocol != state.ProtocolNetworkSecurity || pkt.MessageType() != state.MsgKeepAlive {
		return VerdictPass, nil
	}
	msg := state.KeepAlive{}
	if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
		return VerdictNoRebroadcast, err
	}
	kx := Get[*KeyExchange](s)
	if !s.Directory.IsNeighbour(pkt.Source) {
		// heard a node we have no key with
		return VerdictNoRebroadcast, kx.SendHello(s, pkt.Source)
	}
	s.Directory.ResetKeepAlive(pkt.Source)
	return VerdictNoRebroadcast, kx.reconcile(s, pkt.Source, msg.KeySeq)
}

func (k *KeepAlive) HandleEvent(s *state.State, ev Event) {}
