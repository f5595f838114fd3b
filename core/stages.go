package core

import (
	"crypto/subtle"
	"fmt"
	"math/rand/v2"

	"github.com/encodeous/meshsec/blockmode"
	"github.com/encodeous/meshsec/state"
	"github.com/jellydator/ttlcache/v3"
)

type helloId = state.Pair[state.NodeId, [state.NonceSize]byte]

// ReplayStage stamps outbound packets with the node's sequence number and rejects inbound
// packets that do not advance the per source baseline. A HELLO is identified by its nonce
// instead, so a restarted peer can pair again while a recorded HELLO cannot be replayed.
type ReplayStage struct {
	seq     uint32
	warned  bool
	pending bool
	hellos  *ttlcache.Cache[helloId, struct{}]
}

func newReplayStage() *ReplayStage {
	return &ReplayStage{
		hellos: ttlcache.New[helloId, struct{}](
			ttlcache.WithCapacity[helloId, struct{}](state.SeenHelloCapacity),
		),
	}
}

func (r *ReplayStage) Name() string { return state.StageReplay }

func (r *ReplayStage) Reset() {
	r.seq = 0
	r.warned = false
	r.pending = false
}

func (r *ReplayStage) Secure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	if r.seq >= state.SeqCeiling {
		return state.ErrOverflow
	}
	r.seq++
	pkt.Seq = uint16(r.seq)
	if r.seq >= state.SeqWarnThreshold && !r.warned {
		r.warned = true
		r.pending = true
	}
	return nil
}

// helloOf returns the identity of a handshake HELLO, the only packet allowed to move a
// baseline backwards.
func helloOf(pkt *state.SecurePacket) (helloId, bool) {
	if pkt.Protocol != state.ProtocolNetworkSecurity || pkt.Mode() != state.SecurityMACWithInitialKey ||
		pkt.MessageType() != state.MsgHello {
		return helloId{}, false
	}
	msg := state.Hello{}
	if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
		return helloId{}, false
	}
	return helloId{V1: pkt.Source, V2: msg.Nonce}, true
}

func (r *ReplayStage) Verify(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	base := s.Directory.Sequence(pkt.Source)
	if id, ok := helloOf(pkt); ok {
		if !r.hellos.Has(id) {
			return nil
		}
	} else if pkt.Seq > base {
		return nil
	}
	if pkt.IsBroadcast() {
		s.Log.Debug("dropping replayed broadcast", "src", pkt.Source, "seq", pkt.Seq, "baseline", base)
		return state.ErrReplayedBroadcast
	}
	s.Log.Warn("replayed packet, possible attack", "src", pkt.Source, "phy", phySrc, "seq", pkt.Seq, "baseline", base)
	return fmt.Errorf("seq %d from %s, baseline %d: %w", pkt.Seq, pkt.Source, base, state.ErrReplayed)
}

func (r *ReplayStage) Accept(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) {
	if id, ok := helloOf(pkt); ok {
		r.hellos.Set(id, struct{}{}, ttlcache.DefaultTTL)
	}
	p := Get[*PacketSecurity](s)
	p.accepted.src = pkt.Source
	p.accepted.prev = s.Directory.Sequence(pkt.Source)
	p.accepted.ok = true
	if err := s.Directory.SetSequence(pkt.Source, pkt.Seq); err != nil {
		s.Log.Debug("cannot record sequence", "src", pkt.Source, "err", err)
	}
}

func (r *ReplayStage) Desecure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	return nil
}

// EncryptionStage encrypts the data region with CBC and ciphertext stealing.
type EncryptionStage struct {
	p *PacketSecurity
}

func (e *EncryptionStage) Name() string { return state.StageEncryption }

// iv derives the initialization vector from header fields, every byte xored with the salt.
func iv(pkt *state.SecurePacket, size int) []byte {
	v := make([]byte, size)
	dst := pkt.Destination
	if pkt.Mode() == state.SecurityEncryptAndMACPairwiseBroadcast {
		dst = state.Broadcast
	}
	copy(v, []byte{
		byte(pkt.Seq >> 8),
		byte(pkt.Seq),
		pkt.PayloadLen,
		byte(pkt.Source),
		byte(dst),
		byte(pkt.Mode()),
	})
	salt := pkt.Salt()
	for i := range v {
		v[i] ^= salt
	}
	return v
}

func (e *EncryptionStage) Secure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	pkt.SetSalt(uint8(rand.UintN(16)))
	if !pkt.Mode().Encrypts() {
		return nil
	}
	key, err := e.p.outboundKey(s, pkt)
	if err != nil {
		return err
	}
	b, err := e.p.block(key)
	if err != nil {
		return err
	}
	body := pkt.Body()
	if err := blockmode.EncryptCTS(b, iv(pkt, b.BlockSize()), body, body); err != nil {
		return fmt.Errorf("%w: %w", state.ErrEncryption, err)
	}
	return nil
}

func (e *EncryptionStage) Verify(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	return nil
}

func (e *EncryptionStage) Desecure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	if !pkt.Mode().Encrypts() {
		return nil
	}
	key, err := e.p.decryptionKey(s, pkt, phySrc)
	if err != nil {
		return err
	}
	b, err := e.p.block(key)
	if err != nil {
		return err
	}
	body := pkt.Body()
	if err := blockmode.DecryptCTS(b, iv(pkt, b.BlockSize()), body, body); err != nil {
		return fmt.Errorf("%w: %w", state.ErrEncryption, err)
	}
	// padding is zero on the sender, anything else means the wrong key was used
	if subtle.ConstantTimeCompare(body[pkt.PayloadLen:], make([]byte, len(body)-int(pkt.PayloadLen))) != 1 {
		return fmt.Errorf("non zero padding from %s: %w", pkt.Source, state.ErrEncryption)
	}
	return nil
}

// MACStage appends a truncated CBC-MAC over the physical source, header and data.
type MACStage struct {
	p *PacketSecurity
}

func (m *MACStage) Name() string { return state.StageMAC }

func (m *MACStage) compute(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId, key state.Key) ([]byte, error) {
	b, err := m.p.block(key)
	if err != nil {
		return nil, err
	}
	var mac []byte
	_ = withBroadcastDestination(pkt, func() error {
		mac = blockmode.MAC(b, pkt.AuthenticatedBytes(phySrc), state.MacSize)
		return nil
	})
	return mac, nil
}

func (m *MACStage) Secure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	if !pkt.Mode().Authenticates() {
		pkt.Mac = [state.MacSize]byte{}
		return nil
	}
	key, err := m.p.outboundKey(s, pkt)
	if err != nil {
		return err
	}
	mac, err := m.compute(s, pkt, phySrc, key)
	if err != nil {
		return err
	}
	copy(pkt.Mac[:], mac)
	return nil
}

func (m *MACStage) Verify(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	if !pkt.Mode().Authenticates() {
		return nil
	}
	keys, err := m.p.inboundKeys(s, pkt, phySrc)
	if err != nil {
		return err
	}
	for _, key := range keys {
		mac, err := m.compute(s, pkt, phySrc, key)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(mac, pkt.Mac[:]) == 1 {
			m.p.verified.pkt = pkt
			m.p.verified.key = key
			return nil
		}
	}
	s.Directory.RecordWrongMAC(pkt.Source)
	s.Log.Debug("wrong mac", "src", pkt.Source, "phy", phySrc, "mode", pkt.Mode())
	return fmt.Errorf("from %s via %s: %w", pkt.Source, phySrc, state.ErrVerification)
}

func (m *MACStage) Desecure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	return nil
}
