package core

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/encodeous/meshsec/state"
	"github.com/stretchr/testify/require"
)

var (
	testInitialKey = state.Key{0x3a, 0x91, 0x0c, 0x57, 0xe2, 0x44, 0x18, 0xbd, 0x6f, 0x20, 0x9e, 0x71, 0x05, 0xd8, 0x33, 0xca, 0x4b, 0x87, 0x12, 0xf6}
	testGlobalKey  = state.Key{0xc4, 0x1d, 0x68, 0x90, 0x2b, 0x7e, 0xa5, 0x03, 0xf1, 0x5c, 0x36, 0x88, 0xde, 0x47, 0x0a, 0x99, 0x61, 0xb2, 0x2d, 0x7f}
)

func testCfg(id state.NodeId, baseStation bool) state.NodeCfg {
	cfg := state.NodeCfg{
		Id:            id,
		BaseStation:   baseStation,
		BaseStationId: 1,
		Preset:        state.PresetOptimal,
		InitialKey:    testInitialKey,
		GlobalKey:     testGlobalKey,
	}
	cfg.ApplyPreset()
	return cfg
}

type delivery struct {
	from, to state.NodeId
	frame    []byte
}

// SentFrame is a frame handed to the radio, with its header decoded.
type SentFrame struct {
	From    state.NodeId
	Gateway state.NodeId
	Pkt     state.SecurePacket
	Frame   []byte
}

func (f SentFrame) String() string {
	return fmt.Sprintf("%s -> %s: %s", f.From, f.Gateway, f.Pkt.String())
}

// MeshHarness runs synchronous nodes over a recorded medium with a manual clock. Frames are
// delivered in the order they were sent.
type MeshHarness struct {
	t        *testing.T
	now      time.Time
	nodes    map[state.NodeId]*state.State
	dispatch map[state.NodeId]chan func(*state.State) error
	links    map[state.Pair[state.NodeId, state.NodeId]]bool
	queue    []delivery
	Sent     []SentFrame
	// Drop discards a delivery when it returns true
	Drop func(from, to state.NodeId) bool
}

func NewMeshHarness(t *testing.T) *MeshHarness {
	return &MeshHarness{
		t:        t,
		now:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		nodes:    make(map[state.NodeId]*state.State),
		dispatch: make(map[state.NodeId]chan func(*state.State) error),
		links:    make(map[state.Pair[state.NodeId, state.NodeId]]bool),
	}
}

func (h *MeshHarness) Now() time.Time {
	return h.now
}

func (h *MeshHarness) AddNode(cfg state.NodeCfg) *state.State {
	logger, err := NewLogger(io.Discard, cfg.Id, slog.LevelDebug, "")
	require.NoError(h.t, err)
	s, dispatch := NewState(cfg, logger)
	s.Synchronous = true
	s.Clock = h.Now
	require.NoError(h.t, InitModules(s, &harnessRadio{h: h, id: cfg.Id}))
	h.nodes[cfg.Id] = s
	h.dispatch[cfg.Id] = dispatch
	h.t.Cleanup(func() {
		Stop(s)
	})
	return s
}

// AddNodes adds node 1 as the base station and the rest as regular nodes.
func (h *MeshHarness) AddNodes(ids ...state.NodeId) {
	for _, id := range ids {
		h.AddNode(testCfg(id, id == 1))
	}
}

func (h *MeshHarness) Node(id state.NodeId) *state.State {
	s, ok := h.nodes[id]
	require.True(h.t, ok, "node %s", id)
	return s
}

func (h *MeshHarness) Link(a, b state.NodeId) {
	h.links[state.MakeSortedPair(a, b)] = true
}

func (h *MeshHarness) Unlink(a, b state.NodeId) {
	delete(h.links, state.MakeSortedPair(a, b))
}

// Line links the nodes one after another.
func (h *MeshHarness) Line(ids ...state.NodeId) {
	for i := 1; i < len(ids); i++ {
		h.Link(ids[i-1], ids[i])
	}
}

func (h *MeshHarness) linked(a, b state.NodeId) bool {
	return h.links[state.MakeSortedPair(a, b)]
}

func (h *MeshHarness) ids() []state.NodeId {
	return slices.Sorted(maps.Keys(h.nodes))
}

// Pair runs the handshake started by a towards b.
func (h *MeshHarness) Pair(a, b state.NodeId) {
	s := h.Node(a)
	require.NoError(h.t, Get[*KeyExchange](s).SendHello(s, b))
	h.Drain()
}

// PairLine links and pairs the nodes one after another.
func (h *MeshHarness) PairLine(ids ...state.NodeId) {
	h.Line(ids...)
	for i := 1; i < len(ids); i++ {
		h.Pair(ids[i-1], ids[i])
	}
}

func (h *MeshHarness) transmit(from, gateway state.NodeId, frame []byte) error {
	sent := SentFrame{From: from, Gateway: gateway, Frame: slices.Clone(frame)}
	require.NoError(h.t, sent.Pkt.UnmarshalBinary(frame))
	h.Sent = append(h.Sent, sent)
	if gateway != state.Broadcast && !h.linked(from, gateway) {
		return errNoAck
	}
	for _, to := range h.ids() {
		if to == from || !h.linked(from, to) || gateway != state.Broadcast && to != gateway {
			continue
		}
		h.queue = append(h.queue, delivery{from: from, to: to, frame: slices.Clone(frame)})
	}
	return nil
}

func (h *MeshHarness) runDispatches() {
	for _, id := range h.ids() {
		s := h.nodes[id]
		for done := false; !done; {
			select {
			case fn := <-h.dispatch[id]:
				if err := fn(s); err != nil {
					h.t.Errorf("dispatch on %s: %v", id, err)
				}
			default:
				done = true
			}
		}
	}
}

// Drain delivers frames until the medium is quiet.
func (h *MeshHarness) Drain() {
	for steps := 0; ; steps++ {
		require.Less(h.t, steps, 100000, "mesh did not settle")
		h.runDispatches()
		if len(h.queue) == 0 {
			return
		}
		d := h.queue[0]
		h.queue = h.queue[1:]
		if h.Drop != nil && h.Drop(d.from, d.to) {
			continue
		}
		s := h.nodes[d.to]
		Get[*Controller](s).HandleFrame(s, d.frame, d.from)
	}
}

// Inject delivers a recorded frame to node to again, whether or not the nodes are linked.
func (h *MeshHarness) Inject(f SentFrame, to state.NodeId) {
	h.queue = append(h.queue, delivery{from: f.From, to: to, frame: slices.Clone(f.Frame)})
	h.Drain()
}

// Advance moves the clock forward, firing timers in deadline order and draining after each.
func (h *MeshHarness) Advance(d time.Duration) {
	target := h.now.Add(d)
	for {
		var next time.Time
		found := false
		for _, s := range h.nodes {
			if dl, ok := Get[*NetworkSecurity](s).NextDeadline(); ok && (!found || dl.Before(next)) {
				next = dl
				found = true
			}
		}
		if !found || next.After(target) {
			break
		}
		if next.After(h.now) {
			h.now = next
		}
		for _, id := range h.ids() {
			s := h.nodes[id]
			Get[*NetworkSecurity](s).FireDue(s)
		}
		h.Drain()
	}
	h.now = target
}

// SentBy returns the frames node from handed to its radio that match fn.
func (h *MeshHarness) SentBy(from state.NodeId, fn func(f SentFrame) bool) []SentFrame {
	var out []SentFrame
	for _, f := range h.Sent {
		if f.From == from && (fn == nil || fn(f)) {
			out = append(out, f)
		}
	}
	return out
}

func (h *MeshHarness) SentString() string {
	var sb strings.Builder
	for _, f := range h.Sent {
		sb.WriteString(f.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Collect records the payloads delivered to node id on protocol.
func (h *MeshHarness) Collect(id state.NodeId, protocol uint8) *[][]byte {
	var got [][]byte
	s := h.Node(id)
	require.NoError(h.t, Get[*Controller](s).RegisterProtocol(protocol, func(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) {
		got = append(got, slices.Clone(pkt.Payload()))
	}))
	return &got
}

type harnessRadio struct {
	h  *MeshHarness
	id state.NodeId
}

func (r *harnessRadio) Send(gateway state.NodeId, protocol uint8, priority uint8, frame []byte) error {
	return r.h.transmit(r.id, gateway, frame)
}

func (r *harnessRadio) Listen(fn func(frame []byte, phySrc state.NodeId, rssi int8)) {}

func (r *harnessRadio) Close() error {
	return nil
}
