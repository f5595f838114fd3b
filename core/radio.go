package core

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/encodeous/meshsec/state"
)

var ErrRadioClosed = errors.New("radio is closed")

// Radio is the transceiver the mesh runs on. Send hands a frame to the neighbour gateway, or
// to every node in range when gateway is Broadcast.
type Radio interface {
	Send(gateway state.NodeId, protocol uint8, priority uint8, frame []byte) error
	Listen(fn func(frame []byte, phySrc state.NodeId, rssi int8))
	Close() error
}

// VirtualLink is a one way radio link between two nodes of a VirtualMedium.
type VirtualLink struct {
	From, To state.NodeId
	latency  time.Duration
	jitter   time.Duration
	loss     float64
	rssi     int8
	up       bool
}

func (l *VirtualLink) WithLatency(latency time.Duration) *VirtualLink {
	l.latency = latency
	return l
}

func (l *VirtualLink) WithJitter(jitter time.Duration) *VirtualLink {
	l.jitter = jitter
	return l
}

// WithLoss sets the probability a frame is lost on this link.
func (l *VirtualLink) WithLoss(loss float64) *VirtualLink {
	l.loss = loss
	return l
}

func (l *VirtualLink) WithRSSI(rssi int8) *VirtualLink {
	l.rssi = rssi
	return l
}

func (l *VirtualLink) delay() time.Duration {
	d := l.latency
	if l.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(l.jitter)))
	}
	return d
}

// VirtualMedium connects in-process nodes. Frames are delivered asynchronously after the
// link latency; a unicast frame only reaches its gateway.
type VirtualMedium struct {
	mu        sync.Mutex
	links     map[state.Pair[state.NodeId, state.NodeId]]*VirtualLink
	listeners map[state.NodeId]func(frame []byte, phySrc state.NodeId, rssi int8)
	closed    bool
	wg        sync.WaitGroup
}

func NewVirtualMedium() *VirtualMedium {
	return &VirtualMedium{
		links:     make(map[state.Pair[state.NodeId, state.NodeId]]*VirtualLink),
		listeners: make(map[state.NodeId]func(frame []byte, phySrc state.NodeId, rssi int8)),
	}
}

// Connect adds links in both directions and returns the one from a to b.
func (m *VirtualMedium) Connect(a, b state.NodeId) *VirtualLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	ab := &VirtualLink{From: a, To: b, rssi: -60, up: true}
	ba := &VirtualLink{From: b, To: a, rssi: -60, up: true}
	m.links[state.Pair[state.NodeId, state.NodeId]{V1: a, V2: b}] = ab
	m.links[state.Pair[state.NodeId, state.NodeId]{V1: b, V2: a}] = ba
	return ab
}

// Link returns the link from a to b, or nil.
func (m *VirtualMedium) Link(a, b state.NodeId) *VirtualLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[state.Pair[state.NodeId, state.NodeId]{V1: a, V2: b}]
}

// SetLink brings both directions between a and b up or down.
func (m *VirtualMedium) SetLink(a, b state.NodeId, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range []state.Pair[state.NodeId, state.NodeId]{{V1: a, V2: b}, {V1: b, V2: a}} {
		if l, ok := m.links[k]; ok {
			l.up = up
		}
	}
}

// Neighbours returns the nodes a can reach directly.
func (m *VirtualMedium) Neighbours(a state.NodeId) []state.NodeId {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.NodeId
	for k, l := range m.links {
		if k.V1 == a && l.up {
			out = append(out, k.V2)
		}
	}
	slices.Sort(out)
	return out
}

// Radio returns the transceiver of node id.
func (m *VirtualMedium) Radio(id state.NodeId) Radio {
	return &virtualRadio{medium: m, id: id}
}

func (m *VirtualMedium) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *VirtualMedium) transmit(from, gateway state.NodeId, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrRadioClosed
	}
	delivered := false
	for k, l := range m.links {
		if k.V1 != from || !l.up || gateway != state.Broadcast && k.V2 != gateway {
			continue
		}
		delivered = true
		if l.loss > 0 && rand.Float64() < l.loss {
			continue
		}
		fn := m.listeners[k.V2]
		if fn == nil {
			continue
		}
		buf := slices.Clone(frame)
		rssi := l.rssi
		m.wg.Add(1)
		time.AfterFunc(l.delay(), func() {
			defer m.wg.Done()
			fn(buf, from, rssi)
		})
	}
	if !delivered && gateway != state.Broadcast {
		return errNoAck
	}
	return nil
}

var errNoAck = errors.New("no acknowledgement from gateway")

type virtualRadio struct {
	medium *VirtualMedium
	id     state.NodeId
}

func (r *virtualRadio) Send(gateway state.NodeId, protocol uint8, priority uint8, frame []byte) error {
	return r.medium.transmit(r.id, gateway, frame)
}

func (r *virtualRadio) Listen(fn func(frame []byte, phySrc state.NodeId, rssi int8)) {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	r.medium.listeners[r.id] = fn
}

func (r *virtualRadio) Close() error {
	r.medium.mu.Lock()
	defer r.medium.mu.Unlock()
	delete(r.medium.listeners, r.id)
	return nil
}
