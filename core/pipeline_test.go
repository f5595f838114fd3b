package core

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/encodeous/meshsec/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipelinePair returns two unlinked regular nodes that share a pairwise key.
func pipelinePair(t *testing.T) (*MeshHarness, *state.State, *state.State) {
	h := NewMeshHarness(t)
	h.AddNodes(1, 2, 3)
	a, b := h.Node(2), h.Node(3)
	key := state.GenerateKey()
	_, err := a.Directory.SetNeighbour(3, key)
	require.NoError(t, err)
	_, err = b.Directory.SetNeighbour(2, key)
	require.NoError(t, err)
	return h, a, b
}

// wire secures pkt on a and decodes the frame as b would receive it.
func wire(t *testing.T, a *state.State, pkt *state.SecurePacket) []byte {
	require.NoError(t, Get[*PacketSecurity](a).Secure(a, pkt, a.Id))
	if pkt.Mode() == state.SecurityEncryptAndMACPairwiseBroadcast {
		pkt.Destination = state.Broadcast
	}
	frame, err := pkt.MarshalBinary()
	require.NoError(t, err)
	return frame
}

func receive(t *testing.T, b *state.State, frame []byte, phySrc state.NodeId) (*state.SecurePacket, error) {
	pkt := &state.SecurePacket{}
	require.NoError(t, pkt.UnmarshalBinary(frame))
	p := Get[*PacketSecurity](b)
	if err := p.Verify(b, pkt, phySrc); err != nil {
		return pkt, err
	}
	return pkt, p.Desecure(b, pkt, phySrc)
}

func testPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i*7 + n)
	}
	return payload
}

func TestPipelineRoundTrip(t *testing.T) {
	modes := []state.SecurityMode{
		state.SecurityNone,
		state.SecurityMAC,
		state.SecurityMACWithInitialKey,
		state.SecurityEncrypt,
		state.SecurityEncryptAndMAC,
		state.SecurityEncryptAndMACPriorKey,
		state.SecurityEncryptAndMACPairwise,
		state.SecurityEncryptAndMACPairwiseBroadcast,
	}
	_, a, b := pipelinePair(t)
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			for n := 1; n <= state.MaxPayloadLen; n++ {
				payload := testPayload(n)
				pkt, err := state.NewPacket(a.Id, b.Id, state.ProtocolApplication, 1, mode, false, payload)
				require.NoError(t, err)
				frame := wire(t, a, pkt)

				if mode.Encrypts() && n >= state.MinDataLen {
					assert.False(t, bytes.Equal(payload, frame[state.HeaderLen:state.HeaderLen+n]), "payload of %d bytes sent in the clear", n)
				}
				got, err := receive(t, b, frame, a.Id)
				require.NoError(t, err, "payload of %d bytes", n)
				assert.Equal(t, payload, got.Payload(), "payload of %d bytes", n)
			}
		})
	}
}

func TestPipelineRejectsReplay(t *testing.T) {
	_, a, b := pipelinePair(t)

	pkt, err := state.NewPacket(a.Id, b.Id, state.ProtocolApplication, 1, state.SecurityEncryptAndMAC, false, []byte("unicast"))
	require.NoError(t, err)
	frame := wire(t, a, pkt)
	_, err = receive(t, b, frame, a.Id)
	require.NoError(t, err)
	_, err = receive(t, b, frame, a.Id)
	assert.ErrorIs(t, err, state.ErrReplayed)

	pkt, err = state.NewPacket(a.Id, state.Broadcast, state.ProtocolApplication, 1, state.SecurityEncryptAndMAC, false, []byte("broadcast"))
	require.NoError(t, err)
	frame = wire(t, a, pkt)
	_, err = receive(t, b, frame, a.Id)
	require.NoError(t, err)
	_, err = receive(t, b, frame, a.Id)
	assert.ErrorIs(t, err, state.ErrReplayedBroadcast)
	assert.NotErrorIs(t, err, state.ErrReplayed)

	assert.Equal(t, uint16(2), b.Directory.Sequence(a.Id))
}

func TestPipelineHandshakeReplay(t *testing.T) {
	_, a, b := pipelinePair(t)
	handshake := func(msg state.Message) []byte {
		payload, err := msg.MarshalBinary()
		require.NoError(t, err)
		pkt, err := state.NewPacket(a.Id, b.Id, state.ProtocolNetworkSecurity, 1, state.SecurityMACWithInitialKey, false, payload)
		require.NoError(t, err)
		return wire(t, a, pkt)
	}

	hello := handshake(state.Hello{Nonce: state.GenerateNonce()})
	_, err := receive(t, b, hello, a.Id)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), b.Directory.Sequence(a.Id))
	_, err = receive(t, b, hello, a.Id)
	assert.ErrorIs(t, err, state.ErrReplayed)

	keepAlive := handshake(state.KeepAlive{KeySeq: a.Keys.Seq})
	_, err = receive(t, b, keepAlive, a.Id)
	require.NoError(t, err)
	_, err = receive(t, b, keepAlive, a.Id)
	assert.ErrorIs(t, err, state.ErrReplayed)
	assert.Equal(t, uint16(2), b.Directory.Sequence(a.Id))

	// a restarted peer counts from the start again, its new hello moves the baseline back
	Get[*PacketSecurity](a).ResetSequence()
	_, err = receive(t, b, handshake(state.Hello{Nonce: state.GenerateNonce()}), a.Id)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), b.Directory.Sequence(a.Id))
	_, err = receive(t, b, hello, a.Id)
	assert.ErrorIs(t, err, state.ErrReplayed)
	assert.Equal(t, uint16(1), b.Directory.Sequence(a.Id))
}

func TestPipelineSaltsEveryPacket(t *testing.T) {
	_, a, b := pipelinePair(t)
	for _, mode := range []state.SecurityMode{state.SecurityMAC, state.SecurityEncryptAndMAC} {
		salts := make(map[uint8]bool)
		for range 64 {
			pkt, err := state.NewPacket(a.Id, b.Id, state.ProtocolApplication, 1, mode, false, []byte("salted"))
			require.NoError(t, err)
			frame := wire(t, a, pkt)
			salts[pkt.Salt()] = true
			_, err = receive(t, b, frame, a.Id)
			require.NoError(t, err)
		}
		assert.Greater(t, len(salts), 1, "mode %s", mode)
	}
}

func TestPipelineCountsWrongMACs(t *testing.T) {
	_, a, b := pipelinePair(t)
	pb := Get[*PacketSecurity](b)

	pkt, err := state.NewPacket(a.Id, b.Id, state.ProtocolApplication, 1, state.SecurityEncryptAndMAC, false, []byte("tampered"))
	require.NoError(t, err)
	frame := wire(t, a, pkt)
	forged := bytes.Clone(frame)
	forged[state.HeaderLen] ^= 0xFF

	_, err = receive(t, b, forged, a.Id)
	assert.ErrorIs(t, err, state.ErrVerification)
	wrong, received := pb.Window()
	assert.Equal(t, uint16(1), wrong)
	assert.Equal(t, uint16(0), received)
	node, ok := b.Directory.Find(a.Id)
	require.True(t, ok)
	assert.Equal(t, uint16(1), node.WrongMACs)

	// a rejected packet does not move the replay baseline
	got, err := receive(t, b, frame, a.Id)
	require.NoError(t, err)
	assert.Equal(t, []byte("tampered"), got.Payload())
	wrong, received = pb.Window()
	assert.Equal(t, uint16(1), wrong)
	assert.Equal(t, uint16(1), received)

	// the physical source is authenticated too
	pkt, err = state.NewPacket(a.Id, b.Id, state.ProtocolApplication, 1, state.SecurityMAC, false, []byte("relay"))
	require.NoError(t, err)
	_, err = receive(t, b, wire(t, a, pkt), 9)
	assert.ErrorIs(t, err, state.ErrVerification)

	pb.ResetWindow()
	wrong, received = pb.Window()
	assert.Zero(t, wrong)
	assert.Zero(t, received)
}

func TestPipelinePriorKey(t *testing.T) {
	_, a, b := pipelinePair(t)
	send := func(from, to *state.State, text string) error {
		pkt, err := state.NewPacket(from.Id, to.Id, state.ProtocolApplication, 1, state.SecurityEncryptAndMACPriorKey, false, []byte(text))
		require.NoError(t, err)
		got, err := receive(t, to, wire(t, from, pkt), from.Id)
		if err == nil {
			assert.Equal(t, text, string(got.Payload()))
		}
		return err
	}

	next := state.GenerateKey()
	b.Keys.Install(next, b.Keys.Seq+1)
	// b tries its current key first, then falls back to the one a still holds
	require.NoError(t, send(a, b, "before refresh reached a"))
	// b secures with the previous key, which is still a's current key
	require.NoError(t, send(b, a, "reply from refreshed node"))

	a.Keys.Install(next, a.Keys.Seq+1)
	require.NoError(t, send(a, b, "after refresh reached a"))

	b.Keys = state.KeyRing{Initial: b.Keys.Initial, Current: state.GenerateKey(), Last: state.GenerateKey(), Seq: 200}
	assert.ErrorIs(t, send(a, b, "unknown keys"), state.ErrVerification)
}

func TestPipelinePairwiseNeedsNeighbour(t *testing.T) {
	_, a, b := pipelinePair(t)
	pkt, err := state.NewPacket(a.Id, 7, state.ProtocolApplication, 1, state.SecurityEncryptAndMACPairwise, false, []byte("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, Get[*PacketSecurity](a).Secure(a, pkt, a.Id), state.ErrNotAvailable)

	pkt, err = state.NewPacket(a.Id, b.Id, state.ProtocolApplication, 1, state.SecurityEncryptAndMACPairwise, false, []byte("x"))
	require.NoError(t, err)
	frame := wire(t, a, pkt)
	_, err = receive(t, b, frame, 7)
	assert.ErrorIs(t, err, state.ErrNotAvailable)
}

func TestPipelineSequenceOverflow(t *testing.T) {
	h, a, _ := pipelinePair(t)
	p := Get[*PacketSecurity](a)
	rec := &eventRecorder{}
	Get[*NetworkSecurity](a).RegisterComponent(rec)

	p.replay.seq = state.SeqWarnThreshold - 2
	for i := range 4 {
		pkt, err := state.NewPacket(a.Id, 3, state.ProtocolApplication, 1, state.SecurityMAC, false, []byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, p.Secure(a, pkt, a.Id))
	}
	assert.True(t, p.OverflowWarning())
	assert.Zero(t, rec.count(EventSequenceOverflow))
	h.Drain()
	assert.Equal(t, 1, rec.count(EventSequenceOverflow))

	p.replay.seq = state.SeqCeiling
	pkt, err := state.NewPacket(a.Id, 3, state.ProtocolApplication, 1, state.SecurityMAC, false, []byte("late"))
	require.NoError(t, err)
	assert.ErrorIs(t, p.Secure(a, pkt, a.Id), state.ErrOverflow)

	p.ResetSequence()
	assert.False(t, p.OverflowWarning())
	assert.Equal(t, uint32(0), p.Sequence())
	require.NoError(t, p.Secure(a, pkt, a.Id))
	assert.Equal(t, uint16(1), pkt.Seq)
}

func TestPipelineDisabledStages(t *testing.T) {
	_, a, b := pipelinePair(t)
	for _, s := range []*state.State{a, b} {
		Get[*PacketSecurity](s).SetStageEnabled(state.StageEncryption, false)
	}
	payload := []byte("readable on the air")
	pkt, err := state.NewPacket(a.Id, b.Id, state.ProtocolApplication, 1, state.SecurityEncryptAndMAC, false, payload)
	require.NoError(t, err)
	frame := wire(t, a, pkt)
	assert.Equal(t, payload, frame[state.HeaderLen:state.HeaderLen+len(payload)])

	got, err := receive(t, b, frame, a.Id)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload())

	// without the replay stage a packet can be accepted twice
	Get[*PacketSecurity](b).SetStageEnabled(state.StageReplay, false)
	_, err = receive(t, b, frame, a.Id)
	assert.NoError(t, err)
}

func TestStageNames(t *testing.T) {
	_, a, _ := pipelinePair(t)
	var names []string
	for _, st := range Get[*PacketSecurity](a).Stages() {
		names = append(names, st.Name())
	}
	assert.Equal(t, state.StageNames, names)
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) Init(s *state.State) error    { return nil }
func (r *eventRecorder) Cleanup(s *state.State) error { return nil }

func (r *eventRecorder) HandlePacket(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) (Verdict, error) {
	return VerdictPass, nil
}

func (r *eventRecorder) HandleEvent(s *state.State, ev Event) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) String() string {
	return fmt.Sprint(r.events)
}
