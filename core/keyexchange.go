package core

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/encodeous/meshsec/blockmode"
	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

const outstandingHellos = 8

type transferKey = state.Pair[state.NodeId, uint32]

// sentHello is an outstanding HELLO waiting for its ACK
type sentHello struct {
	seq   uint16
	nonce [state.NonceSize]byte
}

// pairing records who initiated the handshake that produced a neighbour's key
type pairing struct {
	initiator state.NodeId
	at        time.Time
}

// KeyExchange pairs neighbours with the HELLO/ACK handshake and distributes the global key.
type KeyExchange struct {
	hellos       []sentHello
	helloTimer   uuid.UUID
	refreshTimer uuid.UUID
	mode         state.SecurityMode
	interval     state.KeyRefreshInterval
	transfers    *ttlcache.Cache[transferKey, struct{}]
	paired       map[state.NodeId]pairing
}

func (k *KeyExchange) Init(s *state.State) error {
	k.mode = state.NormalizeKeyExchange(s.KeyExchange)
	k.interval = s.KeyRefresh
	k.paired = make(map[state.NodeId]pairing)
	k.transfers = ttlcache.New[transferKey, struct{}](
		ttlcache.WithTTL[transferKey, struct{}](state.KeyTransferDedupTTL),
		ttlcache.WithDisableTouchOnHit[transferKey, struct{}](),
	)

	ns := Get[*NetworkSecurity](s)
	ns.RegisterComponent(k)
	k.helloTimer = ns.RegisterTimer(s, helloJitter(), k.helloTick, nil)
	k.refreshTimer = ns.RegisterTimer(s, 0, k.refreshTick, nil)
	if s.IsBaseStation() {
		_ = ns.RestartTimer(s, k.refreshTimer, k.interval.Duration())
	}
	return nil
}

func (k *KeyExchange) Cleanup(s *state.State) error {
	k.transfers.DeleteAll()
	return nil
}

func helloJitter() time.Duration {
	return time.Duration(1+rand.IntN(state.HelloJitterSeconds*1000)) * time.Millisecond
}

// Mode is the security mode global keys are transferred with.
func (k *KeyExchange) Mode() state.SecurityMode {
	return k.mode
}

func (k *KeyExchange) SetMode(m state.SecurityMode) {
	k.mode = state.NormalizeKeyExchange(m)
}

func (k *KeyExchange) Interval() state.KeyRefreshInterval {
	return k.interval
}

// SetInterval changes the refresh interval, restarting the refresh timer on the base station.
func (k *KeyExchange) SetInterval(s *state.State, i state.KeyRefreshInterval) {
	k.interval = i
	if s.IsBaseStation() {
		_ = Get[*NetworkSecurity](s).RestartTimer(s, k.refreshTimer, i.Duration())
	}
}

func (k *KeyExchange) helloTick(s *state.State, _ any) TimerResult {
	if s.Directory.CountNeighbours() > 0 {
		return TimerStop
	}
	if err := k.SendHello(s, state.Broadcast); err != nil {
		s.Log.Warn("failed to send hello", "err", err)
	}
	_ = Get[*NetworkSecurity](s).RestartTimer(s, k.helloTimer, state.HelloInterval+helloJitter())
	return TimerContinue
}

func (k *KeyExchange) refreshTick(s *state.State, _ any) TimerResult {
	if err := k.Refresh(s); err != nil {
		s.Log.Error("global key refresh failed", "err", err)
	}
	return TimerContinue
}

// SendHello starts the handshake with dst, or with every node in range when dst is Broadcast.
func (k *KeyExchange) SendHello(s *state.State, dst state.NodeId) error {
	nonce := state.GenerateNonce()
	pkt, err := sendMessage(s, dst, state.ProtocolNetworkSecurity, 1, state.SecurityMACWithInitialKey, false,
		state.Hello{IsBaseStation: s.IsBaseStation(), Nonce: nonce})
	if err != nil {
		return err
	}
	k.hellos = append(k.hellos, sentHello{seq: pkt.Seq, nonce: nonce})
	if len(k.hellos) > outstandingHellos {
		k.hellos = k.hellos[1:]
	}
	return nil
}

// deriveKey computes the pairwise key of a handshake where a sent the HELLO and b answered
// it. Both sides call it with the same arguments.
func (k *KeyExchange) deriveKey(s *state.State, a, b state.NodeId, nonceA, nonceB [state.NonceSize]byte, helloSeq uint16) (state.Key, error) {
	blk, err := Get[*PacketSecurity](s).block(s.Keys.Initial)
	if err != nil {
		return state.Key{}, err
	}
	v := make([]byte, blk.BlockSize())
	copy(v, []byte{
		byte(b),
		byte(a),
		byte(state.MsgAck),
		byte(state.HelloLen),
		byte(helloSeq),
		byte(helloSeq >> 8),
	})
	buf := make([]byte, 2*state.NonceSize)
	copy(buf, nonceB[:])
	copy(buf[state.NonceSize:], nonceA[:])
	if err := blockmode.EncryptCTS(blk, v, buf, buf); err != nil {
		return state.Key{}, fmt.Errorf("%w: %w", state.ErrEncryption, err)
	}
	var key state.Key
	for i := range key {
		key[i] = buf[i%len(buf)]
	}
	return key, nil
}

func (k *KeyExchange) HandlePacket(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) (Verdict, error) {
	if pkt.Protocol != state.ProtocolNetworkSecurity {
		return VerdictPass, nil
	}
	switch pkt.MessageType() {
	case state.MsgHello:
		msg := state.Hello{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			return VerdictNoRebroadcast, err
		}
		return VerdictNoRebroadcast, k.onHello(s, pkt, msg)
	case state.MsgAck:
		msg := state.Ack{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			return VerdictNoRebroadcast, err
		}
		return VerdictNoRebroadcast, k.onAck(s, pkt, msg)
	case state.MsgKeyRequest:
		msg := state.KeyRequest{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			return VerdictNoRebroadcast, err
		}
		if msg.KeySeq < s.Keys.Seq {
			return VerdictNoRebroadcast, k.sendTransfer(s, pkt.Source, state.SecurityEncryptAndMACPairwise, 1)
		}
		return VerdictNoRebroadcast, nil
	case state.MsgKeyTransfer:
		msg := state.KeyTransfer{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			return VerdictNoRebroadcast, err
		}
		return k.onTransfer(s, pkt, msg)
	}
	return VerdictPass, nil
}

func (k *KeyExchange) HandleEvent(s *state.State, ev Event) {
	switch ev.Kind {
	case EventNoNeighbours:
		_ = Get[*NetworkSecurity](s).RestartTimer(s, k.helloTimer, helloJitter())
	}
}

func (k *KeyExchange) onHello(s *state.State, pkt *state.SecurePacket, msg state.Hello) error {
	if pkt.Mode() != state.SecurityMACWithInitialKey {
		return fmt.Errorf("hello from %s in mode %s: %w", pkt.Source, pkt.Mode(), state.ErrMalformed)
	}
	nonce := state.GenerateNonce()
	key, err := k.deriveKey(s, pkt.Source, s.Id, msg.Nonce, nonce, pkt.Seq)
	if err != nil {
		return err
	}
	ok, err := k.addNeighbour(s, pkt.Source, key, pkt.Source)
	if err != nil || !ok {
		return err
	}
	_, err = sendMessage(s, pkt.Source, state.ProtocolNetworkSecurity, 1, state.SecurityMACWithInitialKey, false,
		state.Ack{HelloSeq: pkt.Seq, KeySeq: s.Keys.Seq, Nonce: nonce})
	return err
}

func (k *KeyExchange) onAck(s *state.State, pkt *state.SecurePacket, msg state.Ack) error {
	if pkt.Destination != s.Id || pkt.Mode() != state.SecurityMACWithInitialKey {
		return nil
	}
	i := slices.IndexFunc(k.hellos, func(h sentHello) bool { return h.seq == msg.HelloSeq })
	if i < 0 {
		s.Log.Warn("ack for unknown hello", "src", pkt.Source, "hello_seq", msg.HelloSeq)
		return nil
	}
	key, err := k.deriveKey(s, s.Id, pkt.Source, k.hellos[i].nonce, msg.Nonce, msg.HelloSeq)
	if err != nil {
		return err
	}
	ok, err := k.addNeighbour(s, pkt.Source, key, s.Id)
	if err != nil || !ok {
		return err
	}
	return k.reconcile(s, pkt.Source, msg.KeySeq)
}

// addNeighbour installs the pairwise key of a completed handshake. When both sides said
// HELLO at the same time, the handshake started by the lower id wins on both of them.
func (k *KeyExchange) addNeighbour(s *state.State, id state.NodeId, key state.Key, initiator state.NodeId) (bool, error) {
	if prev, ok := k.paired[id]; ok && s.Directory.IsNeighbour(id) &&
		prev.initiator < initiator && s.Now().Sub(prev.at) < state.HelloInterval {
		s.Log.Debug("keeping key of concurrent handshake", "peer", id, "initiator", prev.initiator)
		return false, nil
	}
	added, err := s.Directory.SetNeighbour(id, key)
	if err != nil {
		return false, err
	}
	k.paired[id] = pairing{initiator: initiator, at: s.Now()}
	s.Log.Debug("pairwise key established", "peer", id, "key", key)
	if added {
		perf.Mesh.Neighbours.WithLabelValues(s.Id.String()).Set(float64(s.Directory.CountNeighbours()))
		Get[*NetworkSecurity](s).RaiseEvent(s, Event{Kind: EventNeighbourDetected, Node: id})
	}
	return true, nil
}

// reconcile brings whichever side holds the older global key up to date.
func (k *KeyExchange) reconcile(s *state.State, peer state.NodeId, peerSeq uint32) error {
	switch {
	case peerSeq < s.Keys.Seq:
		return k.sendTransfer(s, peer, state.SecurityEncryptAndMACPairwise, 1)
	case peerSeq > s.Keys.Seq && !s.IsBaseStation():
		_, err := sendMessage(s, peer, state.ProtocolNetworkSecurity, 1, state.SecurityEncryptAndMACPairwise, false,
			state.KeyRequest{KeySeq: s.Keys.Seq})
		return err
	}
	return nil
}

func (k *KeyExchange) sendTransfer(s *state.State, dst state.NodeId, mode state.SecurityMode, ttl uint8) error {
	if dst == state.Broadcast && mode == state.SecurityEncryptAndMACPairwise {
		mode = state.SecurityEncryptAndMACPairwiseBroadcast
	}
	s.Log.Debug("sending key transfer", "dst", dst, "mode", mode, "key_seq", s.Keys.Seq)
	_, err := sendMessage(s, dst, state.ProtocolNetworkSecurity, ttl, mode, true,
		state.KeyTransfer{KeySeq: s.Keys.Seq, Key: s.Keys.Current})
	return err
}

func (k *KeyExchange) onTransfer(s *state.State, pkt *state.SecurePacket, msg state.KeyTransfer) (Verdict, error) {
	if s.IsBaseStation() {
		return VerdictNoRebroadcast, nil
	}
	id := transferKey{V1: pkt.Source, V2: msg.KeySeq}
	if k.transfers.Has(id) {
		Get[*PacketSecurity](s).RollbackReplay(s, pkt)
		return VerdictNoRebroadcast, nil
	}
	k.transfers.Set(id, struct{}{}, ttlcache.DefaultTTL)

	switch {
	case msg.KeySeq < s.Keys.Seq:
		return VerdictNoRebroadcast, fmt.Errorf("key %d from %s, holding %d: %w", msg.KeySeq, pkt.Source, s.Keys.Seq, state.ErrWrongVersion)
	case msg.KeySeq == s.Keys.Seq:
		if !msg.Key.Equal(s.Keys.Current) {
			s.Log.Warn("conflicting global key", "src", pkt.Source, "key_seq", msg.KeySeq)
		}
		return VerdictNoRebroadcast, nil
	}

	s.Keys.Install(msg.Key, msg.KeySeq)
	s.Directory.ResetOnGlobalKey()
	if pkt.IsBroadcast() || pkt.Mode() == state.SecurityEncryptAndMACPairwiseBroadcast {
		Get[*PacketSecurity](s).ResetSequence()
	}
	s.Log.Info("installed global key", "key_seq", msg.KeySeq, "src", pkt.Source)
	perf.Mesh.KeyRefreshes.WithLabelValues(s.Id.String()).Inc()
	Get[*NetworkSecurity](s).RaiseEvent(s, Event{Kind: EventKeyRefreshed, Node: pkt.Source})
	return VerdictHandled, nil
}

// Refresh generates a new global key and floods it through the network.
func (k *KeyExchange) Refresh(s *state.State) error {
	if !s.IsBaseStation() {
		return state.ErrNotBaseStation
	}
	s.Keys.Install(state.GenerateKey(), s.Keys.Seq+1)
	s.Directory.ResetOnGlobalKey()
	s.Log.Info("refreshing global key", "key_seq", s.Keys.Seq, "mode", k.mode)
	err := k.sendTransfer(s, state.Broadcast, k.mode, state.DefaultTTL)
	Get[*PacketSecurity](s).ResetSequence()
	perf.Mesh.KeyRefreshes.WithLabelValues(s.Id.String()).Inc()
	Get[*NetworkSecurity](s).RaiseEvent(s, Event{Kind: EventKeyRefreshed, Node: s.Id})
	return err
}
