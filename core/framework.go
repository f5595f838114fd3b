package core

import (
	"fmt"
	"reflect"
	"time"

	"github.com/encodeous/meshsec/state"
	"github.com/google/uuid"
)

// Verdict is what a NetworkSecurityService decided about an inbound packet.
type Verdict int

const (
	// VerdictPass means the packet was not meant for the service
	VerdictPass Verdict = iota
	// VerdictHandled means the packet was consumed, broadcasts are still rebroadcast
	VerdictHandled
	// VerdictNoRebroadcast stops further dispatch and retransmission
	VerdictNoRebroadcast
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictHandled:
		return "handled"
	case VerdictNoRebroadcast:
		return "no-rebroadcast"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

type EventKind uint8

const (
	EventNeighbourDetected EventKind = iota + 1
	EventNeighbourLost
	EventNoNeighbours
	EventSequenceOverflow
	EventKeyRefreshed
	EventTimerTick
)

func (k EventKind) String() string {
	switch k {
	case EventNeighbourDetected:
		return "neighbour-detected"
	case EventNeighbourLost:
		return "neighbour-lost"
	case EventNoNeighbours:
		return "no-neighbours"
	case EventSequenceOverflow:
		return "sequence-overflow"
	case EventKeyRefreshed:
		return "key-refreshed"
	case EventTimerTick:
		return "timer-tick"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

type Event struct {
	Kind  EventKind
	Node  state.NodeId
	Timer uuid.UUID
}

// NetworkSecurityService is a component that consumes network security packets and events.
type NetworkSecurityService interface {
	state.MeshModule
	HandlePacket(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) (Verdict, error)
	HandleEvent(s *state.State, ev Event)
}

type TimerResult int

const (
	TimerContinue TimerResult = iota
	TimerStop
)

type TimerFunc func(s *state.State, param any) TimerResult

type timerRegistration struct {
	id       uuid.UUID
	interval time.Duration
	callback TimerFunc
	param    any
	order    int
	gen      uint64
	active   bool
	deadline time.Time
	timer    *time.Timer
}

// NetworkSecurity owns the service registry, the timers and the event bus. All methods must
// be called on the processing context.
type NetworkSecurity struct {
	services []NetworkSecurityService
	timers   map[uuid.UUID]*timerRegistration
}

func (n *NetworkSecurity) Init(s *state.State) error {
	n.timers = make(map[uuid.UUID]*timerRegistration)
	return nil
}

func (n *NetworkSecurity) Cleanup(s *state.State) error {
	for _, t := range n.timers {
		t.active = false
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	return nil
}

// RegisterComponent appends svc to the dispatch order.
func (n *NetworkSecurity) RegisterComponent(svc NetworkSecurityService) {
	n.services = append(n.services, svc)
}

func (n *NetworkSecurity) Services() []NetworkSecurityService {
	return n.services
}

// Dispatch offers pkt to every service in registration order until one claims it.
func (n *NetworkSecurity) Dispatch(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) (Verdict, error) {
	for _, svc := range n.services {
		v, err := svc.HandlePacket(s, pkt, phySrc)
		if err != nil {
			return VerdictPass, fmt.Errorf("%s: %w", reflect.TypeOf(svc).Elem().Name(), err)
		}
		if v != VerdictPass {
			return v, nil
		}
	}
	return VerdictPass, nil
}

func (n *NetworkSecurity) RaiseEvent(s *state.State, ev Event) {
	if ev.Kind != EventTimerTick {
		s.Log.Debug("security event", "event", ev.Kind, "node", ev.Node)
	}
	if trace, ok := TryGet[*MeshTrace](s); ok {
		trace.Publish(s, ev.Kind.String(), ev.Node, "")
	}
	for _, svc := range n.services {
		svc.HandleEvent(s, ev)
	}
}

// RegisterTimer creates a timer that calls callback every interval. A non-positive interval
// registers the timer without arming it.
func (n *NetworkSecurity) RegisterTimer(s *state.State, interval time.Duration, callback TimerFunc, param any) uuid.UUID {
	reg := &timerRegistration{
		id:       uuid.New(),
		interval: interval,
		callback: callback,
		param:    param,
		order:    len(n.timers),
	}
	n.timers[reg.id] = reg
	if interval > 0 {
		n.arm(s, reg, interval)
	}
	return reg.id
}

// RestartTimer re-arms the timer with a new interval, discarding any pending tick.
func (n *NetworkSecurity) RestartTimer(s *state.State, id uuid.UUID, interval time.Duration) error {
	reg, ok := n.timers[id]
	if !ok {
		return fmt.Errorf("timer %s is not registered", id)
	}
	if interval <= 0 {
		n.stop(reg)
		return nil
	}
	n.arm(s, reg, interval)
	return nil
}

func (n *NetworkSecurity) StopTimer(id uuid.UUID) {
	if reg, ok := n.timers[id]; ok {
		n.stop(reg)
	}
}

func (n *NetworkSecurity) TimerActive(id uuid.UUID) bool {
	reg, ok := n.timers[id]
	return ok && reg.active
}

// TimerDeadline returns when the timer fires next.
func (n *NetworkSecurity) TimerDeadline(id uuid.UUID) (time.Time, bool) {
	reg, ok := n.timers[id]
	if !ok || !reg.active {
		return time.Time{}, false
	}
	return reg.deadline, true
}

func (n *NetworkSecurity) stop(reg *timerRegistration) {
	reg.gen++
	reg.active = false
	if reg.timer != nil {
		reg.timer.Stop()
		reg.timer = nil
	}
}

func (n *NetworkSecurity) arm(s *state.State, reg *timerRegistration, interval time.Duration) {
	n.stop(reg)
	reg.interval = interval
	reg.active = true
	reg.deadline = s.Now().Add(interval)
	if s.Synchronous {
		return
	}
	id, gen := reg.id, reg.gen
	reg.timer = s.ScheduleTask(func(s *state.State) error {
		n.fire(s, id, gen)
		return nil
	}, interval)
}

// fire runs a tick unless the registration was restarted or stopped since it was armed.
func (n *NetworkSecurity) fire(s *state.State, id uuid.UUID, gen uint64) {
	reg, ok := n.timers[id]
	if !ok || !reg.active || reg.gen != gen {
		return
	}
	reg.timer = nil
	n.RaiseEvent(s, Event{Kind: EventTimerTick, Timer: id})
	res := reg.callback(s, reg.param)
	if reg.gen != gen {
		// the callback re-armed or stopped its own timer
		return
	}
	if res == TimerContinue {
		n.arm(s, reg, reg.interval)
	} else {
		reg.active = false
	}
}

// FireDue runs every timer whose deadline has passed, in deadline order. It is how timers
// advance when the Env is Synchronous.
func (n *NetworkSecurity) FireDue(s *state.State) int {
	fired := 0
	for {
		var next *timerRegistration
		for _, reg := range n.timers {
			if !reg.active || reg.deadline.After(s.Now()) {
				continue
			}
			if next == nil || reg.deadline.Before(next.deadline) ||
				reg.deadline.Equal(next.deadline) && reg.order < next.order {
				next = reg
			}
		}
		if next == nil {
			return fired
		}
		n.fire(s, next.id, next.gen)
		fired++
	}
}

// NextDeadline returns the earliest deadline of any active timer.
func (n *NetworkSecurity) NextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, reg := range n.timers {
		if reg.active && (!found || reg.deadline.Before(earliest)) {
			earliest = reg.deadline
			found = true
		}
	}
	return earliest, found
}
