package core

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"slices"

	"github.com/encodeous/meshsec/blockmode"
	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
)

// PacketSecurityStage is one layer of the packet security pipeline. Stages mutate the
// packet in place.
type PacketSecurityStage interface {
	Name() string
	Secure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error
	Verify(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error
	Desecure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error
}

// stageAcceptor is implemented by stages that commit state once every stage verified a packet
type stageAcceptor interface {
	Accept(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId)
}

// PacketSecurity runs the replay, encryption and MAC stages over every packet.
type PacketSecurity struct {
	stages   []PacketSecurityStage
	disabled map[string]bool
	chain    *blockmode.Chain
	replay   *ReplayStage

	// attack detection window
	wrongMACs uint16
	received  uint16

	// key that verified the last prior-key packet, so decryption picks the same one
	verified struct {
		pkt *state.SecurePacket
		key state.Key
	}
	// replay baseline replaced by the last accepted packet
	accepted struct {
		src  state.NodeId
		prev uint16
		ok   bool
	}
}

func (p *PacketSecurity) Init(s *state.State) error {
	chain, err := blockmode.NewChain(s.CipherChain...)
	if err != nil {
		return err
	}
	p.chain = chain
	p.replay = newReplayStage()
	p.stages = []PacketSecurityStage{
		p.replay,
		&EncryptionStage{p: p},
		&MACStage{p: p},
	}
	p.disabled = make(map[string]bool)
	for _, name := range s.DisableStages {
		p.disabled[name] = true
	}
	s.Log.Debug("packet security initialized", "ciphers", chain.Algorithms(), "disabled", s.DisableStages)
	return nil
}

func (p *PacketSecurity) Cleanup(s *state.State) error {
	p.replay.hellos.DeleteAll()
	return nil
}

func (p *PacketSecurity) enabled(st PacketSecurityStage) bool {
	return !p.disabled[st.Name()]
}

// SetStageEnabled turns a stage on or off at runtime.
func (p *PacketSecurity) SetStageEnabled(name string, enabled bool) {
	p.disabled[name] = !enabled
}

func (p *PacketSecurity) Stages() []PacketSecurityStage {
	return p.stages
}

// Secure stamps, encrypts and authenticates an outbound packet.
func (p *PacketSecurity) Secure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	for _, st := range p.stages {
		if !p.enabled(st) {
			continue
		}
		if err := st.Secure(s, pkt, phySrc); err != nil {
			return fmt.Errorf("%s: %w", st.Name(), err)
		}
	}
	p.flushOverflow(s)
	return nil
}

// Resecure encrypts and authenticates a packet again without stamping a new sequence
// number. Used when forwarding and rebroadcasting.
func (p *PacketSecurity) Resecure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	for _, st := range p.stages {
		if st == p.replay || !p.enabled(st) {
			continue
		}
		if err := st.Secure(s, pkt, phySrc); err != nil {
			return fmt.Errorf("%s: %w", st.Name(), err)
		}
	}
	return nil
}

// Remac recomputes only the MAC, for packets that are forwarded without being decrypted.
func (p *PacketSecurity) Remac(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	for _, st := range p.stages {
		if _, ok := st.(*MACStage); !ok || !p.enabled(st) {
			continue
		}
		if err := st.Secure(s, pkt, phySrc); err != nil {
			return fmt.Errorf("%s: %w", st.Name(), err)
		}
	}
	return nil
}

// Verify checks an inbound packet. Stage state is committed only when every stage passes.
func (p *PacketSecurity) Verify(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	p.verified.pkt = nil
	for _, st := range p.stages {
		if !p.enabled(st) {
			continue
		}
		if err := st.Verify(s, pkt, phySrc); err != nil {
			p.countFailure(s, err)
			return fmt.Errorf("%s: %w", st.Name(), err)
		}
	}
	p.accepted.ok = false
	for _, st := range p.stages {
		if a, ok := st.(stageAcceptor); ok && p.enabled(st) {
			a.Accept(s, pkt, phySrc)
		}
	}
	if p.received < ^uint16(0) {
		p.received++
	}
	return nil
}

// Desecure decrypts a verified packet, running the stages in reverse.
func (p *PacketSecurity) Desecure(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) error {
	for _, st := range slices.Backward(p.stages) {
		if !p.enabled(st) {
			continue
		}
		if err := st.Desecure(s, pkt, phySrc); err != nil {
			p.countFailure(s, err)
			return fmt.Errorf("%s: %w", st.Name(), err)
		}
	}
	return nil
}

// RollbackReplay restores the replay baseline the last verified packet replaced.
func (p *PacketSecurity) RollbackReplay(s *state.State, pkt *state.SecurePacket) {
	if !p.accepted.ok || p.accepted.src != pkt.Source {
		return
	}
	_ = s.Directory.SetSequence(pkt.Source, p.accepted.prev)
	p.accepted.ok = false
}

// ResetSequence restarts the own sequence counter, done whenever a new global key is installed.
func (p *PacketSecurity) ResetSequence() {
	p.replay.Reset()
}

func (p *PacketSecurity) Sequence() uint32 {
	return p.replay.seq
}

// Window returns the wrong MAC and received counters of the current reporting window.
func (p *PacketSecurity) Window() (wrongMACs, received uint16) {
	return p.wrongMACs, p.received
}

func (p *PacketSecurity) ResetWindow() {
	p.wrongMACs = 0
	p.received = 0
}

// OverflowWarning reports whether the own counter crossed the warning threshold.
func (p *PacketSecurity) OverflowWarning() bool {
	return p.replay.warned
}

// flushOverflow raises the overflow event on the next dispatch, after the packet that crossed
// the threshold has been queued.
func (p *PacketSecurity) flushOverflow(s *state.State) {
	if !p.replay.pending {
		return
	}
	p.replay.pending = false
	s.Log.Warn("sequence number close to exhaustion", "seq", p.replay.seq)
	raise := func(s *state.State) error {
		if ns, ok := TryGet[*NetworkSecurity](s); ok {
			ns.RaiseEvent(s, Event{Kind: EventSequenceOverflow, Node: s.Id})
		}
		return nil
	}
	if err := s.TryDispatch(raise); err != nil {
		_ = raise(s)
	}
}

func (p *PacketSecurity) countFailure(s *state.State, err error) {
	reason := "other"
	switch {
	case errors.Is(err, state.ErrReplayedBroadcast):
		reason = "replay_broadcast"
	case errors.Is(err, state.ErrReplayed):
		reason = "replay"
	case errors.Is(err, state.ErrVerification):
		reason = "mac"
		if p.wrongMACs < ^uint16(0) {
			p.wrongMACs++
		}
	case errors.Is(err, state.ErrEncryption):
		reason = "encryption"
	case errors.Is(err, state.ErrNotAvailable):
		reason = "not_available"
	}
	perf.Mesh.SecurityFailures.WithLabelValues(s.Id.String(), reason).Inc()
}

// outboundKey selects the key a packet is secured with.
func (p *PacketSecurity) outboundKey(s *state.State, pkt *state.SecurePacket) (state.Key, error) {
	switch pkt.Mode() {
	case state.SecurityMACWithInitialKey:
		return s.Keys.Initial, nil
	case state.SecurityEncryptAndMACPriorKey:
		return s.Keys.Last, nil
	case state.SecurityEncryptAndMACPairwise, state.SecurityEncryptAndMACPairwiseBroadcast:
		return s.Directory.PairwiseKeyTowards(pkt.Destination)
	}
	return s.Keys.Current, nil
}

// inboundKeys lists the candidate keys of a received packet in the order they are tried.
// A prior-key packet may come from a node that has not installed the newest key yet, so
// the current key is tried before the previous one.
func (p *PacketSecurity) inboundKeys(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) ([]state.Key, error) {
	switch pkt.Mode() {
	case state.SecurityMACWithInitialKey:
		return []state.Key{s.Keys.Initial}, nil
	case state.SecurityEncryptAndMACPriorKey:
		if s.Keys.Last.Equal(s.Keys.Current) {
			return []state.Key{s.Keys.Current}, nil
		}
		return []state.Key{s.Keys.Current, s.Keys.Last}, nil
	case state.SecurityEncryptAndMACPairwise, state.SecurityEncryptAndMACPairwiseBroadcast:
		k, err := s.Directory.NeighbourKey(phySrc)
		if err != nil {
			return nil, err
		}
		return []state.Key{k}, nil
	}
	return []state.Key{s.Keys.Current}, nil
}

// decryptionKey is the key that authenticated pkt, or the first candidate when no MAC was checked.
func (p *PacketSecurity) decryptionKey(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) (state.Key, error) {
	if p.verified.pkt == pkt {
		return p.verified.key, nil
	}
	keys, err := p.inboundKeys(s, pkt, phySrc)
	if err != nil {
		return state.Key{}, err
	}
	return keys[0], nil
}

func (p *PacketSecurity) block(key state.Key) (cipher.Block, error) {
	b, err := p.chain.Block(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", state.ErrEncryption, err)
	}
	return b, nil
}

// withBroadcastDestination runs fn with the destination nulled for pairwise broadcasts, whose
// copies carry the neighbour as destination only while they are secured.
func withBroadcastDestination(pkt *state.SecurePacket, fn func() error) error {
	if pkt.Mode() != state.SecurityEncryptAndMACPairwiseBroadcast {
		return fn()
	}
	dst := pkt.Destination
	pkt.Destination = state.Broadcast
	defer func() { pkt.Destination = dst }()
	return fn()
}
