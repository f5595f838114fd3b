package core

import (
	"fmt"
	"time"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/meshsec/state"
)

// TraceEvent is published for every framework event and notable packet decision.
type TraceEvent struct {
	Time   time.Time
	Node   state.NodeId
	Kind   string
	Peer   state.NodeId
	Detail string
}

func (e TraceEvent) String() string {
	if e.Peer != state.Broadcast {
		return fmt.Sprintf("[%s] %s peer=%s %s", e.Node, e.Kind, e.Peer, e.Detail)
	}
	return fmt.Sprintf("[%s] %s %s", e.Node, e.Kind, e.Detail)
}

type MeshTrace struct {
	broadcast.Broadcaster
}

func (m *MeshTrace) Init(s *state.State) error {
	m.Broadcaster = broadcast.NewBroadcaster(1024)
	return nil
}

func (m *MeshTrace) Cleanup(s *state.State) error {
	return m.Broadcaster.Close()
}

// Publish never blocks the processing context, events are dropped when observers lag.
func (m *MeshTrace) Publish(s *state.State, kind string, peer state.NodeId, detail string) {
	m.TrySubmit(TraceEvent{
		Time:   s.Now(),
		Node:   s.Id,
		Kind:   kind,
		Peer:   peer,
		Detail: detail,
	})
}
